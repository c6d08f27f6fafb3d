package anchor

import (
	"context"
	"path/filepath"
	"testing"

	"commitmentd/internal/store"
	"commitmentd/internal/tree"
)

type mockBroadcaster struct {
	nextTxid string
	calls    int
	lastData []byte
	err      error
}

func (m *mockBroadcaster) Broadcast(ctx context.Context, payload []byte, feeRate float64, dryRun bool) (string, error) {
	m.calls++
	m.lastData = payload
	if m.err != nil {
		return "", m.err
	}
	return m.nextTxid, nil
}

type mockConfirmationChecker struct {
	confirmed   bool
	blockHeight uint64
}

func (m *mockConfirmationChecker) CheckConfirmation(ctx context.Context, txid string) (bool, uint64, error) {
	return m.confirmed, m.blockHeight, nil
}

func openTestStore(t *testing.T) (*store.Store, *tree.Tree) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, tree.New(s, 0)
}

func commitLeaf(t *testing.T, s *store.Store, tr *tree.Tree, content string) uint64 {
	t.Helper()
	leaf := tree.HashLeaf([]byte(content))
	idx, err := tr.Append(leaf)
	if err != nil {
		t.Fatalf("tree append failed: %v", err)
	}
	root, _, err := tr.Root()
	if err != nil {
		t.Fatalf("tree root failed: %v", err)
	}
	state := store.TreeState{RootHash: &root, LeafCount: tr.LeafCount(), LastAnchorIndex: -1}
	c := &store.Commitment{ID: content, Type: "agreement", Timestamp: int64(idx), Signature: "sig", LeafHash: leaf, TreeIndex: idx}
	if err := s.InsertCommitment(c, nil, state); err != nil {
		t.Fatalf("InsertCommitment failed: %v", err)
	}
	return idx
}

func TestBuildAnchorPayloadRefusesEmptyTree(t *testing.T) {
	s, _ := openTestStore(t)
	eng := New(s)

	if _, err := eng.BuildAnchorPayload(); err != ErrEmptyTree {
		t.Fatalf("expected ErrEmptyTree, got %v", err)
	}
}

func TestAnchorRecordsAndAdvancesChain(t *testing.T) {
	s, tr := openTestStore(t)
	eng := New(s)

	commitLeaf(t, s, tr, "a")
	commitLeaf(t, s, tr, "b")

	b := &mockBroadcaster{nextTxid: "1111111111111111111111111111111111111111111111111111111111111111111111"[:64]}
	a, err := eng.Anchor(context.Background(), b, 1.0, false)
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}
	if a.AnchorIndex != 0 {
		t.Errorf("expected first anchor index 0, got %d", a.AnchorIndex)
	}
	if a.CommitmentCount != 2 {
		t.Errorf("expected commitmentCount 2, got %d", a.CommitmentCount)
	}
	if a.PreviousAnchor != "" {
		t.Errorf("expected empty previousAnchor for first anchor, got %q", a.PreviousAnchor)
	}

	// A second anchor attempt with no new commitments must be refused.
	if _, err := eng.Anchor(context.Background(), b, 1.0, false); err != ErrNoNewCommitments {
		t.Fatalf("expected ErrNoNewCommitments, got %v", err)
	}

	commitLeaf(t, s, tr, "c")
	b2 := &mockBroadcaster{nextTxid: "2222222222222222222222222222222222222222222222222222222222222222222222"[:64]}
	a2, err := eng.Anchor(context.Background(), b2, 1.0, false)
	if err != nil {
		t.Fatalf("second Anchor failed: %v", err)
	}
	if a2.AnchorIndex != 1 {
		t.Errorf("expected second anchor index 1, got %d", a2.AnchorIndex)
	}
	if a2.PreviousAnchor != a.Txid {
		t.Errorf("expected previousAnchor to chain to first txid, got %q", a2.PreviousAnchor)
	}
}

func TestDryRunDoesNotPersist(t *testing.T) {
	s, tr := openTestStore(t)
	eng := New(s)
	commitLeaf(t, s, tr, "a")

	b := &mockBroadcaster{nextTxid: "deadbeef"}
	preview, err := eng.Anchor(context.Background(), b, 1.0, true)
	if err != nil {
		t.Fatalf("dry-run Anchor failed: %v", err)
	}
	if preview.Txid != "deadbeef" {
		t.Errorf("expected preview txid to pass through, got %q", preview.Txid)
	}

	latest, err := eng.GetLatestAnchor()
	if err != nil {
		t.Fatalf("GetLatestAnchor failed: %v", err)
	}
	if latest != nil {
		t.Error("dry run must not persist an anchor")
	}
}

func TestBindingAnchorFor(t *testing.T) {
	s, tr := openTestStore(t)
	eng := New(s)

	commitLeaf(t, s, tr, "a")
	commitLeaf(t, s, tr, "b")

	b := &mockBroadcaster{nextTxid: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	if _, err := eng.Anchor(context.Background(), b, 1.0, false); err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}

	// idxC (tree index 2) is not covered: commitmentCount was 2 at that anchor.
	idxC := commitLeaf(t, s, tr, "c")
	bound, err := eng.BindingAnchorFor(idxC)
	if err != nil {
		t.Fatalf("BindingAnchorFor failed: %v", err)
	}
	if bound != nil {
		t.Errorf("expected commitment at index %d to be unanchored, got %+v", idxC, bound)
	}

	commitLeaf(t, s, tr, "d")
	b2 := &mockBroadcaster{nextTxid: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}
	secondAnchor, err := eng.Anchor(context.Background(), b2, 1.0, false)
	if err != nil {
		t.Fatalf("second Anchor failed: %v", err)
	}

	bound, err = eng.BindingAnchorFor(idxC)
	if err != nil {
		t.Fatalf("BindingAnchorFor failed: %v", err)
	}
	if bound == nil || bound.Txid != secondAnchor.Txid {
		t.Fatalf("expected idxC bound to the second anchor (first did not cover it), got %+v", bound)
	}
}

func TestRefreshAnchorNeverUnsetsHeight(t *testing.T) {
	s, tr := openTestStore(t)
	eng := New(s)
	commitLeaf(t, s, tr, "a")

	b := &mockBroadcaster{nextTxid: "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"}
	a, err := eng.Anchor(context.Background(), b, 1.0, false)
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}

	checker := &mockConfirmationChecker{confirmed: true, blockHeight: 500}
	refreshed, err := eng.RefreshAnchor(context.Background(), checker, a.Txid)
	if err != nil {
		t.Fatalf("RefreshAnchor failed: %v", err)
	}
	if refreshed.BlockHeight == nil || *refreshed.BlockHeight != 500 {
		t.Fatal("expected block height 500 after confirmation")
	}

	checkerAgain := &mockConfirmationChecker{confirmed: true, blockHeight: 9999}
	again, err := eng.RefreshAnchor(context.Background(), checkerAgain, a.Txid)
	if err != nil {
		t.Fatalf("second RefreshAnchor failed: %v", err)
	}
	if *again.BlockHeight != 500 {
		t.Errorf("block height must not change once set, got %d", *again.BlockHeight)
	}
}

func TestUnanchoredCount(t *testing.T) {
	s, tr := openTestStore(t)
	eng := New(s)

	n, err := eng.UnanchoredCount()
	if err != nil {
		t.Fatalf("UnanchoredCount failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 unanchored for empty tree, got %d", n)
	}

	commitLeaf(t, s, tr, "a")
	commitLeaf(t, s, tr, "b")
	n, err = eng.UnanchoredCount()
	if err != nil {
		t.Fatalf("UnanchoredCount failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 unanchored, got %d", n)
	}

	b := &mockBroadcaster{nextTxid: "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"}
	if _, err := eng.Anchor(context.Background(), b, 1.0, false); err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}
	n, err = eng.UnanchoredCount()
	if err != nil {
		t.Fatalf("UnanchoredCount failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 unanchored after anchoring, got %d", n)
	}

	commitLeaf(t, s, tr, "c")
	n, err = eng.UnanchoredCount()
	if err != nil {
		t.Fatalf("UnanchoredCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 unanchored after new commit, got %d", n)
	}
}
