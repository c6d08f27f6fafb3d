package anchor

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"commitmentd/internal/store"
)

// Broadcaster is the external wallet collaborator (spec's explicit
// non-goal: "the wallet that builds, funds, and broadcasts the anchor
// transaction"). The engine only produces opaque payload bytes and
// consumes a returned transaction identifier.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload []byte, feeRate float64, dryRun bool) (txid string, err error)
}

// ConfirmationChecker is the external block-explorer collaborator
// (spec's explicit non-goal). The engine only consumes "confirmed at
// height H" facts.
type ConfirmationChecker interface {
	CheckConfirmation(ctx context.Context, txid string) (confirmed bool, blockHeight uint64, err error)
}

// Engine is the Anchor Engine of spec §4.4: payload assembly, anchor
// recording, confirmation refresh, and commitment/proof binding.
// Mutating operations are serialized with a mutex, matching the
// single-writer model of spec §5.
type Engine struct {
	mu    sync.Mutex
	store *store.Store
}

// New creates an Engine over a persistent store.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// txidToBytes32 decodes a hex txid into the 32-byte form the payload
// requires. An empty txid (no previous anchor) decodes to the
// all-zero value.
func txidToBytes32(txid string) ([32]byte, error) {
	var out [32]byte
	if txid == "" {
		return out, nil
	}
	raw, err := hex.DecodeString(txid)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("anchor: txid %q is not 32 bytes of hex", txid)
	}
	copy(out[:], raw)
	return out, nil
}

// BuildAnchorPayload assembles the current 79-byte anchor payload
// without recording anything, refusing when the tree is empty or
// when no commitments have been added since the last anchor (spec
// §4.4, "The engine refuses to assemble a payload...").
func (e *Engine) BuildAnchorPayload() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	payload, _, err := e.buildPayloadLocked()
	return payload, err
}

func (e *Engine) buildPayloadLocked() ([]byte, store.TreeState, error) {
	state, err := e.store.GetTreeState()
	if err != nil {
		return nil, store.TreeState{}, fmt.Errorf("anchor: load tree state: %w", err)
	}
	if state.LeafCount == 0 || state.RootHash == nil {
		return nil, store.TreeState{}, ErrEmptyTree
	}

	latest, err := e.store.GetLatestAnchor()
	if err != nil {
		return nil, store.TreeState{}, fmt.Errorf("anchor: load latest anchor: %w", err)
	}

	previousTxid := ""
	if latest != nil {
		if latest.CommitmentCount == state.LeafCount {
			return nil, store.TreeState{}, ErrNoNewCommitments
		}
		previousTxid = latest.Txid
	}

	prevBytes, err := txidToBytes32(previousTxid)
	if err != nil {
		return nil, store.TreeState{}, err
	}

	payload, err := BuildPayload(*state.RootHash, state.LeafCount, prevBytes)
	if err != nil {
		return nil, store.TreeState{}, err
	}
	return payload, state, nil
}

// Anchor assembles the payload, hands it to the broadcaster, and (for
// a real broadcast) records the resulting anchor. A dry run returns a
// speculative, unpersisted Anchor so the caller can preview the effect
// (spec §5, "a cancelled anchor before broadcast leaves the store
// unchanged").
func (e *Engine) Anchor(ctx context.Context, b Broadcaster, feeRate float64, dryRun bool) (*store.Anchor, error) {
	e.mu.Lock()
	payload, state, err := e.buildPayloadLocked()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	txid, err := b.Broadcast(ctx, payload, feeRate, dryRun)
	if err != nil {
		return nil, fmt.Errorf("anchor: broadcast: %w", err)
	}

	if dryRun {
		latest, err := e.store.GetLatestAnchor()
		if err != nil {
			return nil, fmt.Errorf("anchor: load latest anchor: %w", err)
		}
		nextIndex := uint64(0)
		previousTxid := ""
		if latest != nil {
			nextIndex = latest.AnchorIndex + 1
			previousTxid = latest.Txid
		}
		return &store.Anchor{
			AnchorIndex:     nextIndex,
			Txid:            txid,
			Timestamp:       time.Now().UnixMilli(),
			RootHash:        *state.RootHash,
			CommitmentCount: state.LeafCount,
			PreviousAnchor:  previousTxid,
		}, nil
	}

	return e.RecordAnchor(txid, time.Now().UnixMilli())
}

// RecordAnchor persists a new anchor for a txid returned by the
// wallet, snapshotting the tree state at the time of recording (spec
// §5 serializes commit/anchor operations into a total order, so this
// equals the state at payload-assembly time). This is the explicit
// repair operation spec §5 requires to recover from a cancellation
// between broadcast and local recording.
func (e *Engine) RecordAnchor(txid string, timestamp int64) (*store.Anchor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.store.GetTreeState()
	if err != nil {
		return nil, fmt.Errorf("anchor: load tree state: %w", err)
	}
	if state.LeafCount == 0 || state.RootHash == nil {
		return nil, ErrEmptyTree
	}

	latest, err := e.store.GetLatestAnchor()
	if err != nil {
		return nil, fmt.Errorf("anchor: load latest anchor: %w", err)
	}

	nextIndex := uint64(0)
	previousTxid := ""
	if latest != nil {
		nextIndex = latest.AnchorIndex + 1
		previousTxid = latest.Txid
	}

	a := &store.Anchor{
		AnchorIndex:     nextIndex,
		Txid:            txid,
		Timestamp:       timestamp,
		RootHash:        *state.RootHash,
		CommitmentCount: state.LeafCount,
		PreviousAnchor:  previousTxid,
	}
	if err := e.store.InsertAnchor(a); err != nil {
		return nil, fmt.Errorf("anchor: record anchor: %w", err)
	}

	return a, nil
}

// RefreshAnchor consults an external confirmation source and, if
// confirmed, sets the anchor's blockHeight. Never unsets a height
// once established (spec §4.4, "Confirmation refresh").
func (e *Engine) RefreshAnchor(ctx context.Context, checker ConfirmationChecker, txid string) (*store.Anchor, error) {
	existing, err := e.store.GetAnchorByTxid(txid)
	if err != nil {
		return nil, fmt.Errorf("anchor: lookup anchor: %w", err)
	}
	if existing == nil {
		return nil, nil
	}

	confirmed, height, err := checker.CheckConfirmation(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("anchor: check confirmation: %w", err)
	}
	if !confirmed {
		return existing, nil
	}

	return e.store.UpdateAnchorConfirmation(txid, height)
}

// GetLatestAnchor returns the most recently recorded anchor, nil if none.
func (e *Engine) GetLatestAnchor() (*store.Anchor, error) {
	return e.store.GetLatestAnchor()
}

// ListAnchors returns every anchor in ascending anchorIndex order.
func (e *Engine) ListAnchors() ([]*store.Anchor, error) {
	return e.store.ListAnchors()
}

// BindingAnchorFor returns the earliest anchor covering treeIndex, nil
// if the commitment at that index is unanchored (spec §4.4, "Binding
// rule for proofs").
func (e *Engine) BindingAnchorFor(treeIndex uint64) (*store.Anchor, error) {
	return e.store.FindBindingAnchor(treeIndex)
}

// UnanchoredCount returns the number of commitments with no covering
// anchor: those at or beyond the latest anchor's commitmentCount.
func (e *Engine) UnanchoredCount() (int, error) {
	state, err := e.store.GetTreeState()
	if err != nil {
		return 0, fmt.Errorf("anchor: load tree state: %w", err)
	}

	latest, err := e.store.GetLatestAnchor()
	if err != nil {
		return 0, fmt.Errorf("anchor: load latest anchor: %w", err)
	}

	anchored := uint64(0)
	if latest != nil {
		anchored = latest.CommitmentCount
	}
	if state.LeafCount <= anchored {
		return 0, nil
	}
	return int(state.LeafCount - anchored), nil
}
