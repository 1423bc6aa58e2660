package ticketing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ProofStep is one sibling on the path from a leaf to the root. Left marks
// the sibling as the left operand of the pairwise hash.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// MerkleTree is a SHA-256 tree over ticket hashes. Levels run leaf-to-root;
// odd nodes are paired with a duplicate of themselves.
type MerkleTree struct {
	levels [][][]byte
}

// BuildMerkleTree constructs a tree over the given leaves (raw hash bytes,
// in batch order)
func BuildMerkleTree(leaves [][]byte) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("merkle tree requires at least one leaf")
	}

	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = append([]byte(nil), leaf...)
	}

	levels := [][][]byte{level}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		levels = append(levels, next)
		level = next
	}

	return &MerkleTree{levels: levels}, nil
}

// Root returns the tree root in hex
func (t *MerkleTree) Root() string {
	top := t.levels[len(t.levels)-1]
	return hex.EncodeToString(top[0])
}

// Proof returns the sibling path for the leaf at index i
func (t *MerkleTree) Proof(i int) ([]ProofStep, error) {
	if i < 0 || i >= len(t.levels[0]) {
		return nil, fmt.Errorf("leaf index %d out of range", i)
	}

	var path []ProofStep
	idx := i
	for depth := 0; depth < len(t.levels)-1; depth++ {
		level := t.levels[depth]
		siblingIdx := idx ^ 1
		// odd level: the duplicated last node is its own sibling
		if siblingIdx >= len(level) {
			siblingIdx = idx
		}
		path = append(path, ProofStep{
			Hash: hex.EncodeToString(level[siblingIdx]),
			Left: siblingIdx < idx,
		})
		idx /= 2
	}
	return path, nil
}

// VerifyMerkleProof recomputes the root from a leaf hash and its sibling
// path and compares it to rootHex
func VerifyMerkleProof(leaf []byte, path []ProofStep, rootHex string) bool {
	current := append([]byte(nil), leaf...)
	for _, step := range path {
		sibling, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false
		}
		if step.Left {
			current = hashPair(sibling, current)
		} else {
			current = hashPair(current, sibling)
		}
	}
	root, err := hex.DecodeString(rootHex)
	if err != nil {
		return false
	}
	return bytes.Equal(current, root)
}

func hashPair(left, right []byte) []byte {
	sum := sha256.Sum256(append(append([]byte(nil), left...), right...))
	return sum[:]
}
