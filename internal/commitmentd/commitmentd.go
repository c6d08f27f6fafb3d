// Package commitmentd wires the canonicalizer, authenticated tree,
// identity signer, persistent store, and anchor engine into the single
// Store surface the proof service and CLI call (spec's "Local API").
package commitmentd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"commitmentd/internal/anchor"
	"commitmentd/internal/canon"
	"commitmentd/internal/config"
	"commitmentd/internal/logging"
	"commitmentd/internal/metrics"
	"commitmentd/internal/schemavalidation"
	"commitmentd/internal/security"
	"commitmentd/internal/signer"
	"commitmentd/internal/store"
	"commitmentd/internal/tree"
)

// ErrNotFound is returned by operations addressing an unknown id.
var ErrNotFound = errors.New("commitmentd: not found")

// CommitRequest is the input to Commit: a declared type and an
// unsigned payload (spec §3, "Commitment").
type CommitRequest struct {
	Type    string
	Payload canon.Payload
}

// AnchorOptions configures a call to Anchor. Broadcaster is the
// external wallet collaborator the core never implements, only
// consumes (spec §1 non-goal).
type AnchorOptions struct {
	Broadcaster anchor.Broadcaster
	FeeRate     float64
	DryRun      bool
}

// AnchorReference is the minimal anchor binding carried inside a Proof
// (spec §6, "Proof file").
type AnchorReference struct {
	Txid        string  `json:"txid"`
	BlockHeight *uint64 `json:"blockHeight,omitempty"`
	Timestamp   int64   `json:"timestamp"`
}

// ProofElement is one inclusion-proof step, rendered in the textual
// form a proof file carries: hex hash and which side it folds from.
type ProofElement struct {
	Hash     string `json:"hash"`
	Position string `json:"position"`
}

// Proof is the textual object a verifier needs: the commitment exactly
// as signed (no re-canonicalization), its Merkle inclusion proof, and
// the anchor that binds it (spec §6, "Proof file").
type Proof struct {
	Commitment store.Commitment `json:"commitment"`
	LeafIndex  uint64           `json:"leafIndex"`
	Siblings   []ProofElement   `json:"siblings"`
	RootHash   string           `json:"rootHash"`
	Anchor     AnchorReference  `json:"anchor"`
}

// Store is the local API surface of spec §6, independent of the proof
// protocol or CLI glue that sits on top of it.
type Store interface {
	Commit(ctx context.Context, req CommitRequest) (*store.Commitment, error)
	Get(ctx context.Context, id string) (*store.Commitment, error)
	Query(ctx context.Context, f store.Filters) ([]*store.Commitment, error)
	Count(ctx context.Context) (int, error)
	Prove(ctx context.Context, id string) (*Proof, error)
	Anchor(ctx context.Context, opts AnchorOptions) (*store.Anchor, error)
	RecordAnchor(ctx context.Context, txid string, ts *time.Time) (*store.Anchor, error)
	RefreshAnchor(ctx context.Context, txid string, confirmed bool, height *uint32) (*store.Anchor, error)
	GetLatestAnchor(ctx context.Context) (*store.Anchor, error)
	ListAnchors(ctx context.Context) ([]*store.Anchor, error)
	GetUnanchoredCount(ctx context.Context) (int, error)
	BuildAnchorPayload(ctx context.Context) ([]byte, error)
	PublicKey() string
	Verify(proof *Proof, publicKeyHex string) (bool, error)
	Close() error
}

// commitmentStore is the concrete Store implementation.
type commitmentStore struct {
	mu sync.Mutex

	db       *store.Store
	tr       *tree.Tree
	identity *signer.Identity
	engine   *anchor.Engine
	schema   *schemavalidation.Validator

	logger  *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.CommitdMetrics
}

// Deps bundles the ambient collaborators Open wires in, so tests can
// substitute a nil logger/audit/metrics set without a live daemon.
type Deps struct {
	Logger  *logging.Logger
	Audit   *logging.AuditLogger
	Metrics *metrics.CommitdMetrics
}

// Open opens (or initializes) the store rooted at dataDir: the SQLite
// database, the identity key, the in-memory tree rebuilt from the
// persisted node table, and the anchor engine, per spec §6's
// `open(dataDir) → Store`.
func Open(dataDir string, cfg *config.Config, deps Deps) (Store, error) {
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("commitmentd: open store: %w", err)
	}

	identity, err := signer.LoadOrCreateIdentity(cfg.Signing.KeyPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("commitmentd: load identity: %w", err)
	}

	state, err := db.GetTreeState()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("commitmentd: load tree state: %w", err)
	}

	schema, err := schemavalidation.NewPayloadValidator()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("commitmentd: compile payload schema: %w", err)
	}

	cs := &commitmentStore{
		db:       db,
		tr:       tree.New(db, state.LeafCount),
		identity: identity,
		engine:   anchor.New(db),
		schema:   schema,
		logger:   deps.Logger,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
	}
	return cs, nil
}

func newCommitmentID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("commitmentd: generate id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Commit validates, canonicalizes, signs, and appends a new commitment
// (spec §4.1, §4.2, §4.3). Commit/Anchor/RecordAnchor/RefreshAnchor
// are serialized with cs.mu, matching the single-writer model of spec §5.
func (cs *commitmentStore) Commit(ctx context.Context, req CommitRequest) (*store.Commitment, error) {
	if err := security.ValidateCommitmentType(req.Type); err != nil {
		return nil, err
	}
	if err := security.TextField(req.Payload.Subject, 0); err != nil {
		return nil, fmt.Errorf("commitmentd: payload.subject: %w", err)
	}
	if err := security.TextField(req.Payload.Content, 0); err != nil {
		return nil, fmt.Errorf("commitmentd: payload.content: %w", err)
	}
	if req.Payload.Counterparty != "" {
		if err := security.TextField(req.Payload.Counterparty, 0); err != nil {
			return nil, fmt.Errorf("commitmentd: payload.counterparty: %w", err)
		}
	}
	if err := cs.schema.ValidatePayload(payloadToMap(req.Payload)); err != nil {
		if cs.audit != nil {
			cs.audit.LogValidationFailed(ctx, "", err.Error())
		}
		return nil, err
	}

	id, err := newCommitmentID()
	if err != nil {
		return nil, err
	}
	timestamp := time.Now().UnixMilli()

	img := canon.Image{ID: id, Payload: req.Payload, Timestamp: timestamp, Type: req.Type}
	unsigned, err := img.Unsigned()
	if err != nil {
		return nil, fmt.Errorf("commitmentd: canonicalize: %w", err)
	}
	sig := cs.identity.Sign(unsigned)
	sigHex := hex.EncodeToString(sig)

	signed, err := img.Signed(sigHex)
	if err != nil {
		return nil, fmt.Errorf("commitmentd: canonicalize signed image: %w", err)
	}
	leafHash := canon.HashLeaf(signed)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	timer := cs.startDuration(cs.metricsCommitDuration)
	defer timer()

	treeIndex, err := cs.tr.Append(leafHash)
	if err != nil {
		return nil, fmt.Errorf("commitmentd: append to tree: %w", err)
	}

	root, _, err := cs.rootAfterAppend()
	if err != nil {
		return nil, err
	}

	c := &store.Commitment{
		ID:        id,
		Type:      req.Type,
		Payload:   req.Payload,
		Timestamp: timestamp,
		Signature: sigHex,
		LeafHash:  leafHash,
		TreeIndex: treeIndex,
	}

	state, err := cs.db.GetTreeState()
	if err != nil {
		return nil, fmt.Errorf("commitmentd: load tree state: %w", err)
	}
	state.RootHash = &root
	state.LeafCount = treeIndex + 1

	pathNodes, err := cs.appendPathNodes(treeIndex)
	if err != nil {
		return nil, err
	}

	if err := cs.db.InsertCommitment(c, pathNodes, state); err != nil {
		return nil, fmt.Errorf("commitmentd: persist commitment: %w", err)
	}

	if cs.audit != nil {
		cs.audit.LogCommitmentCreated(ctx, id, treeIndex)
	}
	if cs.metrics != nil {
		cs.metrics.CommitmentsTotal.Inc()
		cs.metrics.TreeSize.Set(int64(state.LeafCount))
	}
	if cs.logger != nil {
		cs.logger.WithContext(ctx).Info("commitment created", "id", id, "treeIndex", treeIndex)
	}

	return c, nil
}

// rootAfterAppend reads back the tree's current root after an Append.
func (cs *commitmentStore) rootAfterAppend() ([32]byte, bool, error) {
	return cs.tr.Root()
}

// appendPathNodes re-reads every node on the path written by the
// preceding Append, for the combined commitment+node+state transaction
// spec §4.3 requires ("Atomicity").
func (cs *commitmentStore) appendPathNodes(leafIndex uint64) ([]tree.Node, error) {
	n := cs.tr.LeafCount()
	var nodes []tree.Node

	leaf, ok, err := cs.db.GetNode(0, leafIndex)
	if err != nil {
		return nil, fmt.Errorf("commitmentd: reread leaf node: %w", err)
	}
	if ok {
		nodes = append(nodes, leaf)
	}

	curIdx := leafIndex
	level := uint32(0)
	for {
		height := treeHeight(n)
		if level >= height {
			break
		}
		parentIdx := curIdx / 2
		node, ok, err := cs.db.GetNode(level+1, parentIdx)
		if err != nil {
			return nil, fmt.Errorf("commitmentd: reread tree node: %w", err)
		}
		if ok {
			nodes = append(nodes, node)
		}
		curIdx = parentIdx
		level++
	}
	return nodes, nil
}

func treeHeight(n uint64) uint32 {
	if n <= 1 {
		return 0
	}
	h := uint32(0)
	size := uint64(1)
	for size < n {
		size <<= 1
		h++
	}
	return h
}

func payloadToMap(p canon.Payload) map[string]any {
	m := map[string]any{
		"subject": p.Subject,
		"content": p.Content,
	}
	if p.Counterparty != "" {
		m["counterparty"] = p.Counterparty
	}
	if p.Metadata != nil {
		m["metadata"] = p.Metadata
	}
	return m
}

// Get retrieves a commitment by id, nil if absent (spec §6, `get`).
func (cs *commitmentStore) Get(ctx context.Context, id string) (*store.Commitment, error) {
	return cs.db.GetCommitment(id)
}

// Query applies AND-composed filters (spec §4.3, "Queries").
func (cs *commitmentStore) Query(ctx context.Context, f store.Filters) ([]*store.Commitment, error) {
	if f.Type != "" {
		if err := security.ValidateCommitmentType(f.Type); err != nil {
			return nil, err
		}
	}
	if err := security.ValidateQueryLimit(f.Limit); err != nil {
		return nil, err
	}
	return cs.db.QueryCommitments(f)
}

// Count returns the total number of persisted commitments.
func (cs *commitmentStore) Count(ctx context.Context) (int, error) {
	return cs.db.CountCommitments()
}

// Prove builds the textual proof object for id: the commitment exactly
// as signed, its inclusion proof, and the earliest anchor binding it.
// Returns (nil, nil) if the commitment is absent or unanchored (spec
// §6, "Store.prove(id) → Proof | null (null iff absent or
// unanchored)").
func (cs *commitmentStore) Prove(ctx context.Context, id string) (*Proof, error) {
	timer := cs.startDuration(cs.metricsProofDuration)
	defer timer()

	c, err := cs.db.GetCommitment(id)
	if err != nil {
		return nil, fmt.Errorf("commitmentd: load commitment: %w", err)
	}
	if c == nil {
		return nil, nil
	}

	binding, err := cs.engine.BindingAnchorFor(c.TreeIndex)
	if err != nil {
		return nil, fmt.Errorf("commitmentd: find binding anchor: %w", err)
	}
	if binding == nil {
		return nil, nil
	}

	treeProof, err := cs.tr.GenerateProof(c.TreeIndex)
	if err != nil {
		return nil, fmt.Errorf("commitmentd: generate inclusion proof: %w", err)
	}

	siblings := make([]ProofElement, len(treeProof.Siblings))
	for i, s := range treeProof.Siblings {
		pos := "right"
		if s.Position == tree.Left {
			pos = "left"
		}
		siblings[i] = ProofElement{Hash: hex.EncodeToString(s.Hash[:]), Position: pos}
	}

	if cs.metrics != nil {
		cs.metrics.ProofRequestsTotal.Inc()
	}

	return &Proof{
		Commitment: *c,
		LeafIndex:  c.TreeIndex,
		Siblings:   siblings,
		RootHash:   hex.EncodeToString(treeProof.RootHash[:]),
		Anchor: AnchorReference{
			Txid:        binding.Txid,
			BlockHeight: binding.BlockHeight,
			Timestamp:   binding.Timestamp,
		},
	}, nil
}

// Anchor assembles the current payload, hands it to opts.Broadcaster,
// and records the result (spec §4.4).
func (cs *commitmentStore) Anchor(ctx context.Context, opts AnchorOptions) (*store.Anchor, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	timer := cs.startDuration(cs.metricsAnchorDuration)
	defer timer()

	a, err := cs.engine.Anchor(ctx, opts.Broadcaster, opts.FeeRate, opts.DryRun)
	if err != nil {
		return nil, err
	}
	if !opts.DryRun {
		if cs.audit != nil {
			cs.audit.LogAnchorRecorded(ctx, a.Txid, a.CommitmentCount)
		}
		if cs.metrics != nil {
			cs.metrics.AnchorsTotal.Inc()
			cs.metrics.LastAnchorTs.Set(a.Timestamp)
		}
	}
	return a, nil
}

// RecordAnchor repairs the local log after a broadcast succeeded but
// recording was interrupted (spec §5's required cancellation-repair
// path).
func (cs *commitmentStore) RecordAnchor(ctx context.Context, txid string, ts *time.Time) (*store.Anchor, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	timestamp := time.Now().UnixMilli()
	if ts != nil {
		timestamp = ts.UnixMilli()
	}
	a, err := cs.engine.RecordAnchor(txid, timestamp)
	if err != nil {
		return nil, err
	}
	if cs.audit != nil {
		cs.audit.LogAnchorRecorded(ctx, a.Txid, a.CommitmentCount)
	}
	if cs.metrics != nil {
		cs.metrics.AnchorsTotal.Inc()
		cs.metrics.LastAnchorTs.Set(a.Timestamp)
	}
	return a, nil
}

// RefreshAnchor records a confirmation fact a caller already obtained
// from an external block explorer (a non-goal collaborator this core
// never talks to directly). Never unsets a height once established.
func (cs *commitmentStore) RefreshAnchor(ctx context.Context, txid string, confirmed bool, height *uint32) (*store.Anchor, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	existing, err := cs.db.GetAnchorByTxid(txid)
	if err != nil {
		return nil, fmt.Errorf("commitmentd: lookup anchor: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if !confirmed || height == nil {
		return existing, nil
	}

	a, err := cs.db.UpdateAnchorConfirmation(txid, uint64(*height))
	if err != nil {
		return nil, fmt.Errorf("commitmentd: update anchor confirmation: %w", err)
	}
	if cs.audit != nil {
		cs.audit.LogAnchorConfirmed(ctx, txid, uint64(*height))
	}
	return a, nil
}

// GetLatestAnchor returns the most recently recorded anchor, nil if none.
func (cs *commitmentStore) GetLatestAnchor(ctx context.Context) (*store.Anchor, error) {
	return cs.engine.GetLatestAnchor()
}

// ListAnchors returns every anchor in ascending anchorIndex order.
func (cs *commitmentStore) ListAnchors(ctx context.Context) ([]*store.Anchor, error) {
	return cs.engine.ListAnchors()
}

// GetUnanchoredCount returns the number of commitments not yet covered
// by an anchor.
func (cs *commitmentStore) GetUnanchoredCount(ctx context.Context) (int, error) {
	n, err := cs.engine.UnanchoredCount()
	if err == nil && cs.metrics != nil {
		cs.metrics.UnanchoredCount.Set(int64(n))
	}
	return n, err
}

// BuildAnchorPayload assembles the current 79-byte on-chain payload
// without recording anything.
func (cs *commitmentStore) BuildAnchorPayload(ctx context.Context) ([]byte, error) {
	return cs.engine.BuildAnchorPayload()
}

// PublicKey returns the store's identity public key, hex-encoded.
func (cs *commitmentStore) PublicKey() string {
	return cs.identity.PublicKeyHex()
}

// Verify checks a proof's internal consistency (inclusion fold) and,
// if publicKeyHex is non-empty, the embedded commitment's signature
// (spec §6, "Store.verify(proof, publicKey?) → bool").
func (cs *commitmentStore) Verify(proof *Proof, publicKeyHex string) (bool, error) {
	siblings := make([]tree.ProofElement, len(proof.Siblings))
	for i, s := range proof.Siblings {
		hashBytes, err := hex.DecodeString(s.Hash)
		if err != nil || len(hashBytes) != 32 {
			return false, fmt.Errorf("commitmentd: malformed sibling hash at index %d", i)
		}
		var h [32]byte
		copy(h[:], hashBytes)
		pos := tree.Right
		if s.Position == "left" {
			pos = tree.Left
		}
		siblings[i] = tree.ProofElement{Hash: h, Position: pos}
	}

	rootBytes, err := hex.DecodeString(proof.RootHash)
	if err != nil || len(rootBytes) != 32 {
		return false, fmt.Errorf("commitmentd: malformed root hash")
	}
	var root [32]byte
	copy(root[:], rootBytes)

	if !tree.VerifyProof(proof.Commitment.LeafHash, siblings, root) {
		return false, nil
	}
	if publicKeyHex == "" {
		return true, nil
	}

	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("commitmentd: malformed public key: %w", err)
	}

	img := canon.Image{
		ID:        proof.Commitment.ID,
		Payload:   proof.Commitment.Payload,
		Timestamp: proof.Commitment.Timestamp,
		Type:      proof.Commitment.Type,
	}
	unsigned, err := img.Unsigned()
	if err != nil {
		return false, fmt.Errorf("commitmentd: canonicalize: %w", err)
	}
	sig, err := hex.DecodeString(proof.Commitment.Signature)
	if err != nil {
		return false, fmt.Errorf("commitmentd: malformed signature: %w", err)
	}

	return signer.Verify(pub, unsigned, sig)
}

// Close releases the underlying database handle (spec §5, "the store
// is opened once, used, and closed exactly once").
func (cs *commitmentStore) Close() error {
	return cs.db.Close()
}

func (cs *commitmentStore) startDuration(observe func(time.Duration)) func() {
	if observe == nil {
		return func() {}
	}
	start := time.Now()
	return func() { observe(time.Since(start)) }
}

func (cs *commitmentStore) metricsCommitDuration(d time.Duration) {
	if cs.metrics != nil {
		cs.metrics.CommitDuration.ObserveDuration(d)
	}
}

func (cs *commitmentStore) metricsAnchorDuration(d time.Duration) {
	if cs.metrics != nil {
		cs.metrics.AnchorDuration.ObserveDuration(d)
	}
}

func (cs *commitmentStore) metricsProofDuration(d time.Duration) {
	if cs.metrics != nil {
		cs.metrics.ProofQueryDuration.ObserveDuration(d)
	}
}
