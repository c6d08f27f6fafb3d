// Package tree implements the append-only, authenticated Merkle tree
// described in spec §4.2: deterministic leaf ordering, the rightmost-path
// rule for non-power-of-two leaf counts, proof generation, and stateless
// proof verification.
package tree

import (
	"encoding/binary"

	"commitmentd/internal/canon"
)

// HashSize is the size of a SHA-256 digest in bytes.
const HashSize = 32

// Node is a single (level, index) → hash triple. Level 0 holds leaves;
// higher levels hold parent hashes derived from their two children.
type Node struct {
	Level uint32
	Index uint64
	Hash  [32]byte
}

// HashLeaf returns the domain-separated leaf hash of the signed canonical
// commitment image. Re-exported from canon for callers that only import
// tree.
func HashLeaf(data []byte) [32]byte { return canon.HashLeaf(data) }

// HashPair applies the internal-hash rule: SHA256(0x01 || left || right).
// Order matters.
func HashPair(left, right [32]byte) [32]byte { return canon.HashInternal(left, right) }

// NodeSize is the serialized size of a Node: 4-byte level + 8-byte index +
// 32-byte hash.
const NodeSize = 4 + 8 + 32

// Serialize encodes a node to its fixed-width binary form.
func (n Node) Serialize() []byte {
	buf := make([]byte, NodeSize)
	binary.BigEndian.PutUint32(buf[0:4], n.Level)
	binary.BigEndian.PutUint64(buf[4:12], n.Index)
	copy(buf[12:44], n.Hash[:])
	return buf
}

// DeserializeNode decodes a node from its fixed-width binary form.
func DeserializeNode(data []byte) (Node, error) {
	if len(data) < NodeSize {
		return Node{}, ErrInvalidNodeData
	}
	var n Node
	n.Level = binary.BigEndian.Uint32(data[0:4])
	n.Index = binary.BigEndian.Uint64(data[4:12])
	copy(n.Hash[:], data[12:44])
	return n, nil
}
