package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("peer-a") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("peer-a") {
		t.Error("4th request within the window should be rate limited")
	}
}

func TestPeersAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	if !l.Allow("peer-a") {
		t.Fatal("first request from peer-a should be allowed")
	}
	if !l.Allow("peer-b") {
		t.Error("peer-b should have its own quota")
	}
	if l.Allow("peer-a") {
		t.Error("peer-a should now be rate limited")
	}
}

func TestWindowSlides(t *testing.T) {
	l := New(1, 50*time.Millisecond)
	if !l.Allow("peer-a") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("peer-a") {
		t.Fatal("second immediate request should be rate limited")
	}
	time.Sleep(60 * time.Millisecond)
	if !l.Allow("peer-a") {
		t.Error("request after window elapses should be allowed")
	}
}

func TestResetClearsState(t *testing.T) {
	l := New(1, time.Minute)
	l.Allow("peer-a")
	l.Reset()
	if !l.Allow("peer-a") {
		t.Error("request after Reset should be allowed")
	}
}
