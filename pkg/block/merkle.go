// Package block defines the header and payload types carried by modifiers.
package block

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ComputeMerkleRoot calculates the merkle root of a set of hashes (used both
// for a payload's transaction-hash root and the authenticated prover's
// pairwise node hashing).
//
// Algorithm:
//   - 0 hashes: returns zero hash
//   - 1 hash: returns that hash
//   - Otherwise: pairwise hash, duplicating the last element if odd count,
//     then recurse on the resulting layer until one hash remains.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([]types.Hash, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
	}

	return level[0]
}

// MerkleStep is one sibling hash encountered walking a leaf up to the root:
// the node at each level is paired with Sibling, on the left or right
// depending on OnRight.
type MerkleStep struct {
	Sibling types.Hash
	OnRight bool
}

// ComputeMerkleProof computes the same root as ComputeMerkleRoot and, in
// addition, the authentication path from hashes[index] to that root: one
// MerkleStep per level, recording the sibling hash paired with the current
// node at that level. VerifyMerkleProof reconstructs the root from a leaf
// and its path without needing the rest of the leaf set.
func ComputeMerkleProof(hashes []types.Hash, index int) (types.Hash, []MerkleStep) {
	if len(hashes) == 0 {
		return types.Hash{}, nil
	}
	if len(hashes) == 1 {
		return hashes[0], nil
	}

	level := make([]types.Hash, len(hashes))
	copy(level, hashes)
	pos := index

	var path []MerkleStep
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		if pos%2 == 0 {
			path = append(path, MerkleStep{Sibling: level[pos+1], OnRight: true})
		} else {
			path = append(path, MerkleStep{Sibling: level[pos-1], OnRight: false})
		}

		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
		pos /= 2
	}

	return level[0], path
}

// VerifyMerkleProof reports whether leaf authenticates to root by walking
// path bottom-up, hashing leaf with each sibling in turn.
func VerifyMerkleProof(leaf types.Hash, path []MerkleStep, root types.Hash) bool {
	cur := leaf
	for _, step := range path {
		if step.OnRight {
			cur = crypto.HashConcat(cur, step.Sibling)
		} else {
			cur = crypto.HashConcat(step.Sibling, cur)
		}
	}
	return cur == root
}
