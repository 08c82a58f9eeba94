package mmr

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidMultiProof = errors.New("invalid merkle multi-proof")

// MultiProof proves several leaves of a binary keccak merkle tree with
// LeafCount leaves. A node without a right sibling is promoted unchanged.
// Items are ordered by layer, then by position within the layer.
type MultiProof struct {
	LeafCount uint64
	Items     []common.Hash
}

// CalculateRoot recomputes the tree root from leaves and the proof.
func (p *MultiProof) CalculateRoot(leaves []Leaf) (common.Hash, error) {
	if p.LeafCount == 0 || len(leaves) == 0 {
		return common.Hash{}, fmt.Errorf("%w: empty tree or leaf set", ErrInvalidMultiProof)
	}
	layer := append([]Leaf(nil), leaves...)
	sort.Slice(layer, func(i, j int) bool { return layer[i].Index < layer[j].Index })
	for i, l := range layer {
		if l.Index >= p.LeafCount {
			return common.Hash{}, fmt.Errorf("%w: leaf %d out of range %d", ErrInvalidMultiProof, l.Index, p.LeafCount)
		}
		if i > 0 && layer[i-1].Index == l.Index {
			return common.Hash{}, fmt.Errorf("%w: duplicate leaf %d", ErrInvalidMultiProof, l.Index)
		}
	}

	items := &proofIter{items: p.Items}
	sibling := func() (common.Hash, error) {
		h, ok := items.next()
		if !ok {
			return common.Hash{}, fmt.Errorf("%w: proof too short", ErrInvalidMultiProof)
		}
		return h, nil
	}
	for width := p.LeafCount; width > 1; width = (width + 1) / 2 {
		next := make([]Leaf, 0, len(layer))
		for i := 0; i < len(layer); i++ {
			l := layer[i]
			var parent common.Hash
			switch {
			case l.Index%2 == 1:
				left, err := sibling()
				if err != nil {
					return common.Hash{}, err
				}
				parent = merge(left, l.Hash)
			case i+1 < len(layer) && layer[i+1].Index == l.Index+1:
				parent = merge(l.Hash, layer[i+1].Hash)
				i++
			case l.Index+1 >= width:
				parent = l.Hash
			default:
				right, err := sibling()
				if err != nil {
					return common.Hash{}, err
				}
				parent = merge(l.Hash, right)
			}
			next = append(next, Leaf{Index: l.Index / 2, Hash: parent})
		}
		layer = next
	}
	if len(items.items) != 0 {
		return common.Hash{}, fmt.Errorf("%w: %d unused proof items", ErrInvalidMultiProof, len(items.items))
	}
	return layer[0].Hash, nil
}

func (p *MultiProof) Verify(root common.Hash, leaves []Leaf) error {
	calc, err := p.CalculateRoot(leaves)
	if err != nil {
		return err
	}
	if calc != root {
		return fmt.Errorf("%w: %s != %s", ErrRootMismatch, calc, root)
	}
	return nil
}

// MerkleTree holds every layer of a binary keccak merkle tree.
type MerkleTree struct {
	layers [][]common.Hash
}

func NewMerkleTree(leaves []common.Hash) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("%w: no leaves", ErrInvalidMultiProof)
	}
	t := &MerkleTree{layers: [][]common.Hash{append([]common.Hash(nil), leaves...)}}
	for cur := t.layers[0]; len(cur) > 1; cur = t.layers[len(t.layers)-1] {
		next := make([]common.Hash, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 < len(cur) {
				next = append(next, merge(cur[i], cur[i+1]))
			} else {
				next = append(next, cur[i])
			}
		}
		t.layers = append(t.layers, next)
	}
	return t, nil
}

func (t *MerkleTree) Root() common.Hash {
	return t.layers[len(t.layers)-1][0]
}

// Proof proves the leaves at indices.
func (t *MerkleTree) Proof(indices ...uint64) (*MultiProof, error) {
	count := uint64(len(t.layers[0]))
	known := make(map[uint64]struct{}, len(indices))
	for _, i := range indices {
		if i >= count {
			return nil, fmt.Errorf("%w: leaf %d out of range %d", ErrInvalidMultiProof, i, count)
		}
		known[i] = struct{}{}
	}
	var items []common.Hash
	for _, layer := range t.layers[:len(t.layers)-1] {
		sorted := make([]uint64, 0, len(known))
		for i := range known {
			sorted = append(sorted, i)
		}
		sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
		parents := make(map[uint64]struct{}, len(sorted))
		for _, i := range sorted {
			sib := i ^ 1
			if _, ok := known[sib]; !ok && sib < uint64(len(layer)) {
				items = append(items, layer[sib])
			}
			parents[i/2] = struct{}{}
		}
		known = parents
	}
	return &MultiProof{LeafCount: count, Items: items}, nil
}
