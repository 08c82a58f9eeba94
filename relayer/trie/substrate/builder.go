package substrate

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Layout selects the trie state version.
type Layout uint8

const (
	// LayoutV0 stores every value inline.
	LayoutV0 Layout = iota
	// LayoutV1 stores values of at least 33 bytes behind their hash.
	LayoutV1
)

const hashedValueThreshold = 33

// Trie is an in-memory trie over a fixed key set. It produces the roots and
// proofs VerifyProof checks and is meant for fixtures and tooling.
type Trie struct {
	hasher  Hasher
	layout  Layout
	entries map[string][]byte
	db      map[common.Hash][]byte
	root    common.Hash
	built   bool
}

func NewTrie(hasher Hasher, layout Layout) *Trie {
	return &Trie{hasher: hasher, layout: layout, entries: make(map[string][]byte)}
}

func (t *Trie) Insert(key, value []byte) {
	t.entries[string(key)] = append([]byte(nil), value...)
	t.built = false
}

type entry struct {
	nibbles []byte
	value   []byte
}

func (t *Trie) build() error {
	if t.built {
		return nil
	}
	t.db = make(map[common.Hash][]byte)
	entries := make([]entry, 0, len(t.entries))
	for k, v := range t.entries {
		entries = append(entries, entry{nibbles: keyNibbles([]byte(k)), value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].nibbles, entries[j].nibbles) < 0 })
	enc, err := t.encode(entries)
	if err != nil {
		return err
	}
	t.root = t.hasher.Hash(enc)
	t.db[t.root] = enc
	t.built = true
	return nil
}

func commonPrefix(entries []entry) int {
	n := len(entries[0].nibbles)
	for _, e := range entries[1:] {
		i := 0
		for i < n && i < len(e.nibbles) && e.nibbles[i] == entries[0].nibbles[i] {
			i++
		}
		n = i
	}
	return n
}

func (t *Trie) nodeValue(v []byte) nodeValue {
	if t.layout == LayoutV1 && len(v) >= hashedValueThreshold {
		h := t.hasher.Hash(v)
		t.db[h] = v
		return nodeValue{kind: valueHashed, hash: h}
	}
	return nodeValue{kind: valueInline, data: v}
}

func (t *Trie) encode(entries []entry) ([]byte, error) {
	var n node
	switch len(entries) {
	case 0:
		n.kind = nodeEmpty
	case 1:
		n.kind = nodeLeaf
		n.partial = entries[0].nibbles
		n.value = t.nodeValue(entries[0].value)
	default:
		n.kind = nodeBranch
		cp := commonPrefix(entries)
		n.partial = entries[0].nibbles[:cp]
		var groups [childrenPerNode][]entry
		for _, e := range entries {
			rest := e.nibbles[cp:]
			if len(rest) == 0 {
				n.value = t.nodeValue(e.value)
				continue
			}
			groups[rest[0]] = append(groups[rest[0]], entry{nibbles: rest[1:], value: e.value})
		}
		for i, g := range groups {
			if len(g) == 0 {
				continue
			}
			child, err := t.encode(g)
			if err != nil {
				return nil, err
			}
			if len(child) < common.HashLength {
				n.children[i] = childRef{present: true, inline: child}
				continue
			}
			h := t.hasher.Hash(child)
			t.db[h] = child
			n.children[i] = childRef{present: true, hashed: true, hash: h}
		}
	}
	return encodeNode(&n)
}

func (t *Trie) Root() (common.Hash, error) {
	if err := t.build(); err != nil {
		return common.Hash{}, err
	}
	return t.root, nil
}

// Prove collects the nodes a lookup of keys visits, in a stable order.
func (t *Trie) Prove(keys ...[]byte) ([][]byte, error) {
	if err := t.build(); err != nil {
		return nil, err
	}
	db := &proofDB{nodes: t.db, used: make(map[common.Hash]struct{})}
	for _, k := range keys {
		if _, err := db.lookup(t.root, k); err != nil {
			return nil, err
		}
	}
	proof := make([][]byte, 0, len(db.used))
	for h := range db.used {
		proof = append(proof, t.db[h])
	}
	sort.Slice(proof, func(i, j int) bool { return bytes.Compare(proof[i], proof[j]) < 0 })
	return proof, nil
}
