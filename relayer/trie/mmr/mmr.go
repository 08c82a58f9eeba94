// Package mmr verifies keccak Merkle Mountain Range leaf proofs and binary
// merkle multi-proofs, the two accumulators BEEFY commits to.
package mmr

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrCorruptedProof = errors.New("corrupted mmr proof")
	ErrRootMismatch   = errors.New("calculated root does not match")
)

func merge(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash(left[:], right[:])
}

// Leaf is a leaf hash at its leaf index.
type Leaf struct {
	Index uint64
	Hash  common.Hash
}

// Proof is an MMR proof of one or more leaves of an MMR with LeafCount leaves.
type Proof struct {
	LeafCount uint64
	Items     []common.Hash
}

// LeafIndexToPos maps a leaf index to its node position.
func LeafIndexToPos(index uint64) uint64 {
	n := index + 1
	return 2*n - uint64(bits.OnesCount64(n)) - uint64(bits.TrailingZeros64(n)) - 1
}

// Size is the node count of an MMR holding leafCount leaves.
func Size(leafCount uint64) uint64 {
	return 2*leafCount - uint64(bits.OnesCount64(leafCount))
}

// posHeight is the height of the node at pos, leaves being height 0.
func posHeight(pos uint64) uint32 {
	pos++
	allOnes := func(n uint64) bool { return n != 0 && bits.OnesCount64(n) == bits.Len64(n) }
	for !allOnes(pos) {
		pos -= (uint64(1) << (bits.Len64(pos) - 1)) - 1
	}
	return uint32(bits.Len64(pos) - 1)
}

func siblingOffset(height uint32) uint64 { return (uint64(2) << height) - 1 }

func parentOffset(height uint32) uint64 { return uint64(2) << height }

// peaks lists peak positions from left to right.
func peaks(leafCount uint64) []uint64 {
	var out []uint64
	var offset uint64
	for h := 63; h >= 0; h-- {
		if leafCount&(uint64(1)<<h) == 0 {
			continue
		}
		size := (uint64(2) << h) - 1
		out = append(out, offset+size-1)
		offset += size
	}
	return out
}

type node struct {
	pos    uint64
	hash   common.Hash
	height uint32
}

type proofIter struct {
	items []common.Hash
}

func (it *proofIter) next() (common.Hash, bool) {
	if len(it.items) == 0 {
		return common.Hash{}, false
	}
	h := it.items[0]
	it.items = it.items[1:]
	return h, true
}

func peakRoot(queue []node, peak uint64, items *proofIter) (common.Hash, error) {
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.pos == peak {
			if len(queue) != 0 {
				return common.Hash{}, fmt.Errorf("%w: nodes left after peak %d", ErrCorruptedProof, peak)
			}
			return n.hash, nil
		}

		var (
			parentPos uint64
			parent    common.Hash
		)
		if posHeight(n.pos+1) > n.height {
			sib := n.pos - siblingOffset(n.height)
			parentPos = n.pos + 1
			if len(queue) > 0 && queue[0].pos == sib {
				parent = merge(queue[0].hash, n.hash)
				queue = queue[1:]
			} else {
				item, ok := items.next()
				if !ok {
					return common.Hash{}, fmt.Errorf("%w: missing sibling of %d", ErrCorruptedProof, n.pos)
				}
				parent = merge(item, n.hash)
			}
		} else {
			sib := n.pos + siblingOffset(n.height)
			parentPos = n.pos + parentOffset(n.height)
			if len(queue) > 0 && queue[0].pos == sib {
				parent = merge(n.hash, queue[0].hash)
				queue = queue[1:]
			} else {
				item, ok := items.next()
				if !ok {
					return common.Hash{}, fmt.Errorf("%w: missing sibling of %d", ErrCorruptedProof, n.pos)
				}
				parent = merge(n.hash, item)
			}
		}
		if parentPos > peak {
			return common.Hash{}, fmt.Errorf("%w: node %d escapes peak %d", ErrCorruptedProof, parentPos, peak)
		}
		queue = append(queue, node{pos: parentPos, hash: parent, height: n.height + 1})
	}
	return common.Hash{}, fmt.Errorf("%w: empty peak %d", ErrCorruptedProof, peak)
}

// bagPeaks folds peaks from the right: H(right ‖ left).
func bagPeaks(hashes []common.Hash) common.Hash {
	for len(hashes) > 1 {
		right, left := hashes[len(hashes)-1], hashes[len(hashes)-2]
		hashes = append(hashes[:len(hashes)-2], merge(right, left))
	}
	return hashes[0]
}

// CalculateRoot recomputes the MMR root from leaves and proof.
func (p *Proof) CalculateRoot(leaves []Leaf) (common.Hash, error) {
	if len(leaves) == 0 {
		return common.Hash{}, fmt.Errorf("%w: no leaves", ErrCorruptedProof)
	}
	nodes := make([]node, 0, len(leaves))
	for _, l := range leaves {
		if l.Index >= p.LeafCount {
			return common.Hash{}, fmt.Errorf("%w: leaf %d out of range %d", ErrCorruptedProof, l.Index, p.LeafCount)
		}
		nodes = append(nodes, node{pos: LeafIndexToPos(l.Index), hash: l.Hash})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].pos < nodes[j].pos })
	for i := 1; i < len(nodes); i++ {
		if nodes[i].pos == nodes[i-1].pos {
			return common.Hash{}, fmt.Errorf("%w: duplicate leaf", ErrCorruptedProof)
		}
	}

	items := &proofIter{items: p.Items}
	var peakHashes []common.Hash
peakLoop:
	for _, peak := range peaks(p.LeafCount) {
		i := 0
		for i < len(nodes) && nodes[i].pos <= peak {
			i++
		}
		under := nodes[:i:i]
		nodes = nodes[i:]

		switch {
		case len(under) == 1 && under[0].pos == peak:
			peakHashes = append(peakHashes, under[0].hash)
		case len(under) == 0:
			// Peaks right of the last proven leaf may be bagged into one item.
			item, ok := items.next()
			if !ok {
				break peakLoop
			}
			peakHashes = append(peakHashes, item)
		default:
			root, err := peakRoot(under, peak, items)
			if err != nil {
				return common.Hash{}, err
			}
			peakHashes = append(peakHashes, root)
		}
	}
	if len(nodes) != 0 {
		return common.Hash{}, fmt.Errorf("%w: leaves outside every peak", ErrCorruptedProof)
	}
	if item, ok := items.next(); ok {
		peakHashes = append(peakHashes, item)
	}
	if len(items.items) != 0 {
		return common.Hash{}, fmt.Errorf("%w: %d unused proof items", ErrCorruptedProof, len(items.items))
	}
	if len(peakHashes) == 0 {
		return common.Hash{}, fmt.Errorf("%w: no peaks", ErrCorruptedProof)
	}
	return bagPeaks(peakHashes), nil
}

// Verify checks that leaves are in the MMR with the given root.
func (p *Proof) Verify(root common.Hash, leaves []Leaf) error {
	calc, err := p.CalculateRoot(leaves)
	if err != nil {
		return err
	}
	if calc != root {
		return fmt.Errorf("%w: %s != %s", ErrRootMismatch, calc, root)
	}
	return nil
}
