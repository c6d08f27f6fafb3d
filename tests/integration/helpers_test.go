//go:build integration

// Package integration provides end-to-end tests for the commitment
// store, covering flows that span multiple packages: commit, anchor,
// prove, verify, and restart-driven rebuilds.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"path/filepath"
	"testing"

	"commitmentd/internal/anchor"
	"commitmentd/internal/canon"
	"commitmentd/internal/commitmentd"
	"commitmentd/internal/config"
	"commitmentd/internal/store"
)

// TestEnv holds an open commitment store rooted at a scratch directory.
type TestEnv struct {
	T       *testing.T
	DataDir string
	Config  *config.Config
	Store   commitmentd.Store
	Ctx     context.Context
}

// NewTestEnv opens a fresh store in a temporary directory.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		Storage: config.StorageConfig{Path: filepath.Join(dir, "commitd.db")},
		Signing: config.SigningConfig{KeyPath: filepath.Join(dir, "identity.key")},
		Anchor:  config.AnchorConfig{DefaultFeeRate: 1.0, MinConfirmations: 1},
	}

	s, err := commitmentd.Open(dir, cfg, commitmentd.Deps{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return &TestEnv{T: t, DataDir: dir, Config: cfg, Store: s, Ctx: context.Background()}
}

// Reopen closes the current store and opens a fresh Store instance
// over the same data directory, simulating a daemon restart.
func (e *TestEnv) Reopen() {
	e.T.Helper()
	if err := e.Store.Close(); err != nil {
		e.T.Fatalf("close store: %v", err)
	}
	s, err := commitmentd.Open(e.DataDir, e.Config, commitmentd.Deps{})
	if err != nil {
		e.T.Fatalf("reopen store: %v", err)
	}
	e.Store = s
}

// Commit creates a commitment of the given type with a simple payload.
func (e *TestEnv) Commit(commitType, subject, content string) *store.Commitment {
	e.T.Helper()
	c, err := e.Store.Commit(e.Ctx, commitmentd.CommitRequest{
		Type:    commitType,
		Payload: canon.Payload{Subject: subject, Content: content},
	})
	if err != nil {
		e.T.Fatalf("commit: %v", err)
	}
	return c
}

// stubBroadcaster returns a fixed txid, standing in for the external
// wallet this core never implements.
type stubBroadcaster struct{ txid string }

func (b stubBroadcaster) Broadcast(ctx context.Context, payload []byte, feeRate float64, dryRun bool) (string, error) {
	return b.txid, nil
}

var _ anchor.Broadcaster = stubBroadcaster{}

// AnchorNow anchors everything committed so far under txid.
func (e *TestEnv) AnchorNow(txid string) {
	e.T.Helper()
	if _, err := e.Store.Anchor(e.Ctx, commitmentd.AnchorOptions{
		Broadcaster: stubBroadcaster{txid: txid},
		FeeRate:     1.0,
	}); err != nil {
		e.T.Fatalf("anchor: %v", err)
	}
}
