package mmr

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/exp/slices"
)

// MMR is an in-memory append-only mountain range. It produces the proofs
// Proof.Verify accepts.
type MMR struct {
	nodes     []common.Hash
	leafCount uint64
}

func (m *MMR) LeafCount() uint64 { return m.leafCount }

// Push appends a leaf hash and returns its leaf index.
func (m *MMR) Push(leaf common.Hash) uint64 {
	pos := uint64(len(m.nodes))
	m.nodes = append(m.nodes, leaf)
	var height uint32
	for posHeight(pos+1) > height {
		pos++
		left := pos - parentOffset(height)
		right := left + siblingOffset(height)
		m.nodes = append(m.nodes, merge(m.nodes[left], m.nodes[right]))
		height++
	}
	m.leafCount++
	return m.leafCount - 1
}

func (m *MMR) Root() (common.Hash, error) {
	if m.leafCount == 0 {
		return common.Hash{}, fmt.Errorf("%w: empty mmr", ErrCorruptedProof)
	}
	var hashes []common.Hash
	for _, p := range peaks(m.leafCount) {
		hashes = append(hashes, m.nodes[p])
	}
	return bagPeaks(hashes), nil
}

// Proof proves the leaves at indices.
func (m *MMR) Proof(indices ...uint64) (*Proof, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: no leaves", ErrCorruptedProof)
	}
	positions := make([]uint64, 0, len(indices))
	seen := make(map[uint64]struct{}, len(indices))
	for _, i := range indices {
		if i >= m.leafCount {
			return nil, fmt.Errorf("%w: leaf %d out of range %d", ErrCorruptedProof, i, m.leafCount)
		}
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		positions = append(positions, LeafIndexToPos(i))
	}
	slices.Sort(positions)

	var (
		items []common.Hash
		track int
	)
	for _, peak := range peaks(m.leafCount) {
		i := 0
		for i < len(positions) && positions[i] <= peak {
			i++
		}
		under := positions[:i]
		positions = positions[i:]
		if len(under) == 0 {
			track++
			items = append(items, m.nodes[peak])
			continue
		}
		track = 0
		if len(under) == 1 && under[0] == peak {
			continue
		}
		items = m.peakProof(items, under, peak)
	}
	if track > 1 {
		rhs := append([]common.Hash(nil), items[len(items)-track:]...)
		items = append(items[:len(items)-track], bagPeaks(rhs))
	}
	return &Proof{LeafCount: m.leafCount, Items: items}, nil
}

func (m *MMR) peakProof(items []common.Hash, positions []uint64, peak uint64) []common.Hash {
	type entry struct {
		pos    uint64
		height uint32
	}
	queue := make([]entry, 0, len(positions))
	for _, p := range positions {
		queue = append(queue, entry{pos: p})
	}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		if e.pos == peak {
			break
		}
		var sib, parent uint64
		if posHeight(e.pos+1) > e.height {
			sib, parent = e.pos-siblingOffset(e.height), e.pos+1
		} else {
			sib, parent = e.pos+siblingOffset(e.height), e.pos+parentOffset(e.height)
		}
		if len(queue) > 0 && queue[0].pos == sib {
			queue = queue[1:]
		} else {
			items = append(items, m.nodes[sib])
		}
		if parent < peak {
			queue = append(queue, entry{pos: parent, height: e.height + 1})
		}
	}
	return items
}
