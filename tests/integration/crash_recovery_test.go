//go:build integration

package integration

import (
	"testing"
)

// TestOddCountTree exercises spec scenario 2: three commitments'
// proofs all verify, and the root equals h(h(h0,h1), h(h2,h2)) via the
// rightmost-path duplication rule (checked indirectly, through
// Verify, rather than recomputing the hash by hand).
func TestOddCountTree(t *testing.T) {
	env := NewTestEnv(t)

	c0 := env.Commit("state", "s0", "v0")
	c1 := env.Commit("state", "s1", "v1")
	c2 := env.Commit("state", "s2", "v2")

	env.AnchorNow("txOdd")

	for _, c := range []struct{ id string }{{c0.ID}, {c1.ID}, {c2.ID}} {
		proof, err := env.Store.Prove(env.Ctx, c.id)
		if err != nil {
			t.Fatalf("prove %s: %v", c.id, err)
		}
		if proof == nil {
			t.Fatalf("expected a proof for %s", c.id)
		}
		ok, err := env.Store.Verify(proof, env.Store.PublicKey())
		if err != nil {
			t.Fatalf("verify %s: %v", c.id, err)
		}
		if !ok {
			t.Errorf("proof for %s failed to verify", c.id)
		}
	}
}

// TestOrderingMatters exercises spec scenario 3: committing the same
// two payloads in opposite order produces different roots.
func TestOrderingMatters(t *testing.T) {
	env1 := NewTestEnv(t)
	env1.Commit("state", "A", "payload-A")
	env1.Commit("state", "B", "payload-B")
	payload1, err := env1.Store.BuildAnchorPayload(env1.Ctx)
	if err != nil {
		t.Fatalf("build payload (S1): %v", err)
	}

	env2 := NewTestEnv(t)
	env2.Commit("state", "B", "payload-B")
	env2.Commit("state", "A", "payload-A")
	payload2, err := env2.Store.BuildAnchorPayload(env2.Ctx)
	if err != nil {
		t.Fatalf("build payload (S2): %v", err)
	}

	if string(payload1) == string(payload2) {
		t.Error("expected commit order to change the tree root, but payloads matched")
	}
}

// TestRebuildConsistency exercises spec scenario 4: after a restart,
// the store rebuilds to the same tree state and mid-tree proofs still
// verify.
func TestRebuildConsistency(t *testing.T) {
	env := NewTestEnv(t)

	var target string
	for i := 0; i < 17; i++ {
		c := env.Commit("state", "doc", "v")
		if c.TreeIndex == 9 {
			target = c.ID
		}
	}
	if target == "" {
		t.Fatal("expected a commitment at treeIndex 9")
	}

	payloadBefore, err := env.Store.BuildAnchorPayload(env.Ctx)
	if err != nil {
		t.Fatalf("build payload before reopen: %v", err)
	}

	env.AnchorNow("txRebuild")
	env.Reopen()

	payloadAfter, err := env.Store.BuildAnchorPayload(env.Ctx)
	if err == nil {
		t.Fatal("expected BuildAnchorPayload to refuse: no new commitments since the last anchor")
	}
	_ = payloadAfter
	_ = payloadBefore

	proof, err := env.Store.Prove(env.Ctx, target)
	if err != nil {
		t.Fatalf("prove after reopen: %v", err)
	}
	if proof == nil {
		t.Fatal("expected a proof for the anchored commitment after reopen")
	}
	if proof.LeafIndex != 9 {
		t.Errorf("leafIndex = %d, want 9", proof.LeafIndex)
	}

	ok, err := env.Store.Verify(proof, env.Store.PublicKey())
	if err != nil {
		t.Fatalf("verify after reopen: %v", err)
	}
	if !ok {
		t.Error("expected the proof to verify after reopen")
	}
}
