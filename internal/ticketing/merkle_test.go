package ticketing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLeaves(n int) [][]byte {
	leaves := make([][]byte, n)
	for i := range leaves {
		sum := sha256.Sum256([]byte(fmt.Sprintf("leaf-%d", i)))
		leaves[i] = sum[:]
	}
	return leaves
}

func TestMerkleTreeRequiresLeaves(t *testing.T) {
	_, err := BuildMerkleTree(nil)
	assert.Error(t, err)
}

func TestMerkleSingleLeafRootIsLeaf(t *testing.T) {
	leaves := testLeaves(1)
	tree, err := BuildMerkleTree(leaves)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(leaves[0]), tree.Root())

	path, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.True(t, VerifyMerkleProof(leaves[0], path, tree.Root()))
}

func TestMerkleOddLeafDuplication(t *testing.T) {
	leaves := testLeaves(3)
	tree, err := BuildMerkleTree(leaves)
	require.NoError(t, err)

	// [a,b,c] roots as H(H(a||b) || H(c||c))
	ab := sha256.Sum256(append(append([]byte(nil), leaves[0]...), leaves[1]...))
	cc := sha256.Sum256(append(append([]byte(nil), leaves[2]...), leaves[2]...))
	root := sha256.Sum256(append(append([]byte(nil), ab[:]...), cc[:]...))
	assert.Equal(t, hex.EncodeToString(root[:]), tree.Root())
}

func TestMerkleProofsVerifyAtEverySize(t *testing.T) {
	for n := 1; n <= 9; n++ {
		leaves := testLeaves(n)
		tree, err := BuildMerkleTree(leaves)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			path, err := tree.Proof(i)
			require.NoError(t, err)
			assert.True(t, VerifyMerkleProof(leaves[i], path, tree.Root()),
				"leaf %d of %d must verify", i, n)
		}
	}
}

func TestMerkleProofRejectsAlteredSibling(t *testing.T) {
	leaves := testLeaves(6)
	tree, err := BuildMerkleTree(leaves)
	require.NoError(t, err)

	path, err := tree.Proof(2)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	forged := sha256.Sum256([]byte("forged"))
	path[0].Hash = hex.EncodeToString(forged[:])
	assert.False(t, VerifyMerkleProof(leaves[2], path, tree.Root()))
}

func TestMerkleProofRejectsWrongLeaf(t *testing.T) {
	leaves := testLeaves(4)
	tree, err := BuildMerkleTree(leaves)
	require.NoError(t, err)

	path, err := tree.Proof(1)
	require.NoError(t, err)
	assert.False(t, VerifyMerkleProof(leaves[2], path, tree.Root()))
}

func TestMerkleProofIndexBounds(t *testing.T) {
	tree, err := BuildMerkleTree(testLeaves(4))
	require.NoError(t, err)
	_, err = tree.Proof(-1)
	assert.Error(t, err)
	_, err = tree.Proof(4)
	assert.Error(t, err)
}
