package substrate

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
)

func buildTrie(t *testing.T, hasher Hasher, layout Layout, kv map[string][]byte) (*Trie, common.Hash) {
	t.Helper()
	tr := NewTrie(hasher, layout)
	for k, v := range kv {
		tr.Insert([]byte(k), v)
	}
	root, err := tr.Root()
	require.NoError(t, err)
	return tr, root
}

func prove(t *testing.T, tr *Trie, keys ...[]byte) [][]byte {
	t.Helper()
	proof, err := tr.Prove(keys...)
	require.NoError(t, err)
	return proof
}

func testData() map[string][]byte {
	return map[string][]byte{
		"do":         []byte("verb"),
		"dog":        []byte("puppy"),
		"doge":       []byte("coin"),
		"horse":      []byte("stallion"),
		"house":      bytes.Repeat([]byte{0xaa}, 40),
		"hou":        []byte("short"),
		string([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
			0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f, 0x20, 0x21}): []byte("long key"),
	}
}

func TestSizeEncoding(t *testing.T) {
	for _, bits := range []uint{2, 3, 4} {
		for _, size := range []int{0, 1, 14, 15, 16, 30, 31, 32, 62, 63, 64, 300, 600} {
			enc := encodeSize(0, size, bits)
			r := scale.NewReader(enc[1:])
			got, err := decodeSize(enc[0], r, bits)
			require.NoError(t, err)
			require.Equal(t, size, got, "bits %d size %d", bits, size)
			require.NoError(t, r.Done())
		}
	}
}

func TestVerifyProof(t *testing.T) {
	kv := testData()
	for _, tc := range []struct {
		name   string
		hasher Hasher
		layout Layout
	}{
		{"blake2 v0", Blake2, LayoutV0},
		{"blake2 v1", Blake2, LayoutV1},
		{"keccak v0", Keccak, LayoutV0},
		{"keccak v1", Keccak, LayoutV1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr, root := buildTrie(t, tc.hasher, tc.layout, kv)

			for k, v := range kv {
				proof := prove(t, tr, []byte(k))
				got, err := ReadProofCheck(tc.hasher, root, proof, []byte(k))
				require.NoError(t, err, "key %q", k)
				require.Equal(t, v, got)
			}

			keys := [][]byte{[]byte("dog"), []byte("horse"), []byte("cat"), []byte("dogs")}
			proof := prove(t, tr, keys...)
			values, err := VerifyProof(tc.hasher, root, proof, keys)
			require.NoError(t, err)
			require.Len(t, values, len(keys))
			require.Equal(t, []byte("puppy"), values["dog"])
			require.Equal(t, []byte("stallion"), values["horse"])
			require.Nil(t, values["cat"])
			require.Nil(t, values["dogs"])
		})
	}
}

func TestVerifyProofRejectsTampering(t *testing.T) {
	tr, root := buildTrie(t, Blake2, LayoutV1, testData())
	keys := [][]byte{[]byte("doge"), []byte("house")}
	proof := prove(t, tr, keys...)

	_, err := VerifyProof(Blake2, root, proof, keys)
	require.NoError(t, err)

	for i := range proof {
		for j := range proof[i] {
			mutated := make([][]byte, len(proof))
			for k := range proof {
				mutated[k] = append([]byte(nil), proof[k]...)
			}
			mutated[i][j] ^= 0x01
			values, err := VerifyProof(Blake2, root, mutated, keys)
			if err == nil {
				// A flipped byte can only go unnoticed if it does not change
				// what the keys resolve to, which the hash linking prevents.
				t.Fatalf("mutation of node %d byte %d accepted: %v", i, j, values)
			}
		}
	}

	t.Run("wrong root", func(t *testing.T) {
		_, err := VerifyProof(Blake2, common.HexToHash("0x01"), proof, keys)
		require.ErrorIs(t, err, ErrIncompleteProof)
	})

	t.Run("wrong hasher", func(t *testing.T) {
		_, err := VerifyProof(Keccak, root, proof, keys)
		require.ErrorIs(t, err, ErrIncompleteProof)
	})

	t.Run("missing node", func(t *testing.T) {
		_, err := VerifyProof(Blake2, root, proof[1:], keys)
		require.ErrorIs(t, err, ErrIncompleteProof)
	})

	t.Run("extraneous node", func(t *testing.T) {
		extra := append(append([][]byte(nil), proof...), prove(t, tr, []byte("do"), []byte("horse"))...)
		_, err := VerifyProof(Blake2, root, extra, keys[:1])
		require.ErrorIs(t, err, ErrExtraneousNode)
	})

	t.Run("duplicate key", func(t *testing.T) {
		_, err := VerifyProof(Blake2, root, proof, [][]byte{keys[0], keys[0]})
		require.ErrorIs(t, err, ErrDuplicateKey)
	})
}

func TestEmptyTrie(t *testing.T) {
	empty := []byte{emptyTrie}
	root := Blake2.Hash(empty)
	v, err := ReadProofCheck(Blake2, root, [][]byte{empty}, []byte("any"))
	require.NoError(t, err)
	require.Nil(t, v)
}
