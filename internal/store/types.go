// Package store provides SQLite-based persistence for the commitment
// store: commitments, tree nodes, tree state, anchors, and config.
package store

import (
	"encoding/hex"

	"commitmentd/internal/canon"
)

// Commitment is an immutable signed record, as persisted.
type Commitment struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Payload   canon.Payload `json:"payload"`
	Timestamp int64         `json:"timestamp"`
	Signature string        `json:"signature"`
	LeafHash  [32]byte      `json:"-"`
	TreeIndex uint64        `json:"treeIndex"`
}

// LeafHashHex returns the hex-encoded leaf hash, the textual form used
// in proof files and query responses.
func (c Commitment) LeafHashHex() string {
	return hex.EncodeToString(c.LeafHash[:])
}

// TreeState is the tree's singleton summary row.
type TreeState struct {
	RootHash        *[32]byte
	LeafCount       uint64
	LastAnchorIndex int64 // -1 means no anchor recorded yet
}

// Anchor is an immutable record of a published tree-root digest.
type Anchor struct {
	AnchorIndex     uint64   `json:"anchorIndex"`
	Txid            string   `json:"txid"`
	Timestamp       int64    `json:"timestamp"`
	BlockHeight     *uint64  `json:"blockHeight,omitempty"`
	RootHash        [32]byte `json:"-"`
	CommitmentCount uint64   `json:"commitmentCount"`
	PreviousAnchor  string   `json:"previousAnchor,omitempty"` // empty for anchorIndex == 0
}

// RootHashHex returns the hex-encoded root hash.
func (a Anchor) RootHashHex() string {
	return hex.EncodeToString(a.RootHash[:])
}

// Filters composes AND-ed query predicates over commitments (spec
// §4.3, "Queries").
type Filters struct {
	Type         string
	Subject      string
	Counterparty string
	Since        int64 // 0 means unset
	Until        int64 // 0 means unset
	Limit        int
	Offset       int
}
