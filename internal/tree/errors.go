package tree

import "errors"

// Tree-specific errors.
var (
	// ErrInvalidNodeData indicates corrupted or truncated node data.
	ErrInvalidNodeData = errors.New("tree: invalid node data")

	// ErrIndexOutOfRange indicates an attempt to access a leaf or node
	// beyond the tree's current size.
	ErrIndexOutOfRange = errors.New("tree: index out of range")

	// ErrEmptyTree indicates an operation on an empty tree that requires
	// at least one leaf.
	ErrEmptyTree = errors.New("tree: empty tree")

	// ErrCorruptedStore indicates the backing node store has
	// inconsistent data (a non-sequential append, a missing node).
	ErrCorruptedStore = errors.New("tree: corrupted store")

	// ErrInvalidProof indicates a proof failed stateless verification.
	ErrInvalidProof = errors.New("tree: invalid proof")
)
