package store

import (
	"fmt"

	"commitmentd/internal/tree"
)

// verifyOnOpen rebuilds the root from persisted leaf hashes, in
// treeIndex order, and compares it against the persisted tree_state
// root (spec §4.3, "Rebuild on reopen"). A mismatch is an integrity
// error: the store must refuse to open read-write.
func (s *Store) verifyOnOpen() error {
	state, err := s.GetTreeState()
	if err != nil {
		return fmt.Errorf("store: load tree state: %w", err)
	}
	if state.LeafCount == 0 {
		return nil
	}

	leaves, err := s.leafHashesOrdered()
	if err != nil {
		return fmt.Errorf("store: load leaf hashes: %w", err)
	}
	if uint64(len(leaves)) != state.LeafCount {
		return fmt.Errorf("%w: leaf count mismatch (have %d, want %d)", ErrCorrupt, len(leaves), state.LeafCount)
	}

	rebuilt := RebuildRoot(leaves)
	if state.RootHash == nil || rebuilt != *state.RootHash {
		return ErrCorrupt
	}
	return nil
}

// RebuildRoot recomputes the tree root from an ordered leaf-hash
// sequence, independent of the persisted tree_nodes table, applying
// the rightmost-path duplication rule level by level. Used both to
// verify on open and to cross-check the live tree's incremental root.
func RebuildRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, tree.HashPair(level[i], level[i+1]))
			} else {
				next = append(next, tree.HashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}
