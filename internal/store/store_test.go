package store

import (
	"path/filepath"
	"strconv"
	"testing"

	"commitmentd/internal/canon"
	"commitmentd/internal/tree"
)

func TestOpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func sampleCommitment(id string, idx uint64) *Commitment {
	leaf := tree.HashLeaf([]byte(id))
	return &Commitment{
		ID:        id,
		Type:      "agreement",
		Payload:   canon.Payload{Subject: "deal-" + id, Content: "terms", Counterparty: "acme"},
		Timestamp: 1000 + int64(idx),
		Signature: "deadbeef",
		LeafHash:  leaf,
		TreeIndex: idx,
	}
}

func insertCommitmentHelper(t *testing.T, s *Store, tr *tree.Tree) *Commitment {
	t.Helper()
	id := "commit_" + strconv.FormatUint(tr.LeafCount(), 10)
	c := sampleCommitment(id, tr.LeafCount())
	idx, err := tr.Append(c.LeafHash)
	if err != nil {
		t.Fatalf("tree append failed: %v", err)
	}
	c.TreeIndex = idx

	root, _, err := tr.Root()
	if err != nil {
		t.Fatalf("tree root failed: %v", err)
	}
	state := TreeState{RootHash: &root, LeafCount: tr.LeafCount(), LastAnchorIndex: -1}

	// tr.Append already persisted every path node via s's tree.Store
	// methods; the commitment row and tree state complete the record.
	if err := s.InsertCommitment(c, nil, state); err != nil {
		t.Fatalf("InsertCommitment failed: %v", err)
	}
	return c
}

func TestInsertAndGetCommitment(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	tr := tree.New(s, 0)

	c := insertCommitmentHelper(t, s, tr)
	retrieved, err := s.GetCommitment(c.ID)
	if err != nil {
		t.Fatalf("GetCommitment failed: %v", err)
	}
	if retrieved == nil {
		t.Fatal("GetCommitment returned nil")
	}
	if retrieved.Payload.Subject != c.Payload.Subject {
		t.Errorf("subject mismatch: got %q want %q", retrieved.Payload.Subject, c.Payload.Subject)
	}
	if retrieved.LeafHash != c.LeafHash {
		t.Error("leaf hash mismatch")
	}
}

func TestGetCommitmentMissing(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	c, err := s.GetCommitment("commit_doesnotexist")
	if err != nil {
		t.Fatalf("GetCommitment failed: %v", err)
	}
	if c != nil {
		t.Error("expected nil for missing commitment")
	}
}

func TestQueryCommitmentsFilters(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	tr := tree.New(s, 0)

	insertCommitmentHelper(t, s, tr)
	insertCommitmentHelper(t, s, tr)
	insertCommitmentHelper(t, s, tr)

	results, err := s.QueryCommitments(Filters{Type: "agreement", Limit: 10})
	if err != nil {
		t.Fatalf("QueryCommitments failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	// Descending by timestamp.
	if results[0].Timestamp < results[1].Timestamp {
		t.Error("results are not ordered by timestamp descending")
	}

	subjResults, err := s.QueryCommitments(Filters{Subject: "deal", Limit: 10})
	if err != nil {
		t.Fatalf("QueryCommitments by subject failed: %v", err)
	}
	if len(subjResults) != 3 {
		t.Errorf("expected 3 subject matches, got %d", len(subjResults))
	}
}

func TestAnchorLifecycle(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	a := &Anchor{
		AnchorIndex:     0,
		Txid:            "txid-0001",
		Timestamp:       5000,
		RootHash:        [32]byte{0xaa},
		CommitmentCount: 3,
		PreviousAnchor:  "",
	}
	if err := s.InsertAnchor(a); err != nil {
		t.Fatalf("InsertAnchor failed: %v", err)
	}

	if err := s.InsertAnchor(a); err == nil {
		t.Error("expected ErrDuplicateTxid on re-insert")
	}

	latest, err := s.GetLatestAnchor()
	if err != nil {
		t.Fatalf("GetLatestAnchor failed: %v", err)
	}
	if latest == nil || latest.Txid != a.Txid {
		t.Fatal("GetLatestAnchor returned unexpected anchor")
	}

	confirmed, err := s.UpdateAnchorConfirmation(a.Txid, 800)
	if err != nil {
		t.Fatalf("UpdateAnchorConfirmation failed: %v", err)
	}
	if confirmed.BlockHeight == nil || *confirmed.BlockHeight != 800 {
		t.Fatal("block height not set")
	}

	// Confirmation never unsets once established.
	again, err := s.UpdateAnchorConfirmation(a.Txid, 999)
	if err != nil {
		t.Fatalf("UpdateAnchorConfirmation (second) failed: %v", err)
	}
	if *again.BlockHeight != 800 {
		t.Errorf("block height should remain 800, got %d", *again.BlockHeight)
	}
}

func TestFindBindingAnchor(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	anchor0 := &Anchor{AnchorIndex: 0, Txid: "t0", Timestamp: 1, RootHash: [32]byte{1}, CommitmentCount: 2}
	anchor1 := &Anchor{AnchorIndex: 1, Txid: "t1", Timestamp: 2, RootHash: [32]byte{2}, CommitmentCount: 5, PreviousAnchor: "t0"}
	if err := s.InsertAnchor(anchor0); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertAnchor(anchor1); err != nil {
		t.Fatal(err)
	}

	// treeIndex 1 is covered by anchor0 (count 2 > 1).
	bound, err := s.FindBindingAnchor(1)
	if err != nil {
		t.Fatalf("FindBindingAnchor failed: %v", err)
	}
	if bound == nil || bound.Txid != "t0" {
		t.Fatalf("expected binding anchor t0, got %+v", bound)
	}

	// treeIndex 3 is not covered by anchor0 (count 2) but is by anchor1 (count 5).
	bound, err = s.FindBindingAnchor(3)
	if err != nil {
		t.Fatalf("FindBindingAnchor failed: %v", err)
	}
	if bound == nil || bound.Txid != "t1" {
		t.Fatalf("expected binding anchor t1, got %+v", bound)
	}

	// treeIndex 10 is unanchored.
	bound, err = s.FindBindingAnchor(10)
	if err != nil {
		t.Fatalf("FindBindingAnchor failed: %v", err)
	}
	if bound != nil {
		t.Fatalf("expected no binding anchor, got %+v", bound)
	}
}

func TestReopenRebuildsAndVerifies(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tr := tree.New(s, 0)
	for i := 0; i < 5; i++ {
		insertCommitmentHelper(t, s, tr)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed (integrity check should have passed): %v", err)
	}
	defer reopened.Close()

	count, err := reopened.CountCommitments()
	if err != nil {
		t.Fatalf("CountCommitments failed: %v", err)
	}
	if count != 5 {
		t.Errorf("expected 5 commitments after reopen, got %d", count)
	}
}
