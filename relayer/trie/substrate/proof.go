// Package substrate verifies storage proofs of the Substrate base-16
// Patricia trie against a state root.
package substrate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrIncompleteProof = errors.New("proof is missing a trie node")
	ErrExtraneousNode  = errors.New("proof contains nodes not needed for the requested keys")
	ErrDuplicateKey    = errors.New("duplicate key requested")
)

// Hasher is the hash function a trie commits with.
type Hasher uint8

const (
	Blake2 Hasher = iota
	Keccak
)

func ParseHasher(s string) (Hasher, error) {
	switch strings.ToLower(s) {
	case "", "blake2", "blake2-256":
		return Blake2, nil
	case "keccak", "keccak-256":
		return Keccak, nil
	}
	return 0, fmt.Errorf("unknown trie hasher %q", s)
}

func (h Hasher) String() string {
	if h == Keccak {
		return "keccak"
	}
	return "blake2"
}

func (h Hasher) Hash(bz []byte) common.Hash {
	if h == Keccak {
		return crypto.Keccak256Hash(bz)
	}
	return blake2b.Sum256(bz)
}

// proofDB is the set of proof nodes keyed by hash. It records which entries
// a lookup touched so unused nodes can be rejected.
type proofDB struct {
	nodes map[common.Hash][]byte
	used  map[common.Hash]struct{}
}

func newProofDB(hasher Hasher, proof [][]byte) *proofDB {
	db := &proofDB{
		nodes: make(map[common.Hash][]byte, len(proof)),
		used:  make(map[common.Hash]struct{}, len(proof)),
	}
	for _, n := range proof {
		db.nodes[hasher.Hash(n)] = n
	}
	return db
}

func (db *proofDB) get(h common.Hash) ([]byte, error) {
	n, ok := db.nodes[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncompleteProof, h)
	}
	db.used[h] = struct{}{}
	return n, nil
}

func keyNibbles(key []byte) []byte {
	out := make([]byte, 0, len(key)*nibblesPerByte)
	for _, b := range key {
		out = append(out, b>>4, b&0x0f)
	}
	return out
}

func hasPrefix(nibbles, prefix []byte) bool {
	if len(prefix) > len(nibbles) {
		return false
	}
	for i := range prefix {
		if nibbles[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (db *proofDB) value(v nodeValue) ([]byte, error) {
	switch v.kind {
	case valueInline:
		return v.data, nil
	case valueHashed:
		return db.get(v.hash)
	}
	return nil, nil
}

// lookup walks the trie from root to key. A nil value with a nil error
// means the key is proven absent.
func (db *proofDB) lookup(root common.Hash, key []byte) ([]byte, error) {
	enc, err := db.get(root)
	if err != nil {
		return nil, err
	}
	nibbles := keyNibbles(key)
	for {
		n, err := decodeNode(enc)
		if err != nil {
			return nil, err
		}
		switch n.kind {
		case nodeEmpty:
			return nil, nil
		case nodeLeaf:
			if len(nibbles) != len(n.partial) || !hasPrefix(nibbles, n.partial) {
				return nil, nil
			}
			return db.value(n.value)
		}

		if !hasPrefix(nibbles, n.partial) {
			return nil, nil
		}
		nibbles = nibbles[len(n.partial):]
		if len(nibbles) == 0 {
			return db.value(n.value)
		}
		child := n.children[nibbles[0]]
		if !child.present {
			return nil, nil
		}
		nibbles = nibbles[1:]
		if child.hashed {
			if enc, err = db.get(child.hash); err != nil {
				return nil, err
			}
		} else {
			enc = child.inline
		}
	}
}

// VerifyProof reads keys from a trie with the given root using only the
// nodes in proof. The result holds exactly the requested keys; absent keys
// map to nil. Every proof node must be needed by at least one key.
func VerifyProof(hasher Hasher, root common.Hash, proof [][]byte, keys [][]byte) (map[string][]byte, error) {
	db := newProofDB(hasher, proof)
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if _, ok := out[string(key)]; ok {
			return nil, fmt.Errorf("%w: %x", ErrDuplicateKey, key)
		}
		v, err := db.lookup(root, key)
		if err != nil {
			return nil, fmt.Errorf("key %x: %w", key, err)
		}
		out[string(key)] = v
	}
	if len(db.used) != len(db.nodes) {
		return nil, fmt.Errorf("%w: %d of %d nodes used", ErrExtraneousNode, len(db.used), len(db.nodes))
	}
	return out, nil
}

// ReadProofCheck reads a single key.
func ReadProofCheck(hasher Hasher, root common.Hash, proof [][]byte, key []byte) ([]byte, error) {
	values, err := VerifyProof(hasher, root, proof, [][]byte{key})
	if err != nil {
		return nil, err
	}
	return values[string(key)], nil
}
