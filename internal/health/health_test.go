package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOverallStatusHealthyWithNoChecks(t *testing.T) {
	c := NewChecker()
	if got := c.OverallStatus(); got != StatusHealthy {
		t.Errorf("expected healthy with no components, got %s", got)
	}
}

func TestCriticalFailurePropagates(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Message: "down"}
	})
	c.Check(context.Background())
	if got := c.OverallStatus(); got != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", got)
	}
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("anchor_lag", false, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Message: "behind"}
	})
	c.Check(context.Background())
	if got := c.OverallStatus(); got != StatusDegraded {
		t.Errorf("expected degraded, got %s", got)
	}
}

func TestCheckTimesOut(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:     "slow",
		Critical: true,
		Timeout:  10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			return CheckResult{Status: StatusHealthy}
		},
	})
	results := c.Check(context.Background())
	if results["slow"].Status != StatusUnhealthy {
		t.Errorf("expected timeout to report unhealthy, got %s", results["slow"].Status)
	}
}

func TestCheckRecoversFromPanic(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("panics", true, func(ctx context.Context) CheckResult {
		panic("boom")
	})
	results := c.Check(context.Background())
	if results["panics"].Status != StatusUnhealthy {
		t.Errorf("expected panic to be recovered as unhealthy, got %s", results["panics"].Status)
	}
}

func TestReadiness(t *testing.T) {
	c := NewChecker()
	if c.IsReady() {
		t.Error("checker should not be ready by default")
	}
	c.SetReady(true)
	if !c.IsReady() {
		t.Error("expected ready after SetReady(true)")
	}
}

func TestDatabaseCheck(t *testing.T) {
	check := DatabaseCheck(func(ctx context.Context) error { return nil })
	if result := check(context.Background()); result.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", result.Status)
	}

	check = DatabaseCheck(func(ctx context.Context) error { return errors.New("conn refused") })
	if result := check(context.Background()); result.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", result.Status)
	}
}

func TestAnchorLagCheck(t *testing.T) {
	check := AnchorLagCheck(func(ctx context.Context) (uint64, error) { return 5, nil }, 10)
	if result := check(context.Background()); result.Status != StatusHealthy {
		t.Errorf("expected healthy below threshold, got %s", result.Status)
	}

	check = AnchorLagCheck(func(ctx context.Context) (uint64, error) { return 50, nil }, 10)
	if result := check(context.Background()); result.Status != StatusDegraded {
		t.Errorf("expected degraded above threshold, got %s", result.Status)
	}
}
