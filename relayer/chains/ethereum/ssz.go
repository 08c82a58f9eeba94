package ethereum

import (
	"github.com/ethereum/go-ethereum/common"
	ssz "github.com/ferranbt/fastssz"
)

// hashTreeRoot merkleizes the fields fn puts into a fresh hasher. A hasher
// error leaves the zero root, which no branch verifies against.
func hashTreeRoot(fn func(hh ssz.HashWalker)) common.Hash {
	hh := ssz.NewHasher()
	fn(hh)
	root, err := hh.HashRoot()
	if err != nil {
		return common.Hash{}
	}
	return root
}

// uint64Leaf is the SSZ chunk of a uint64.
func uint64Leaf(v uint64) common.Hash {
	var out common.Hash
	copy(out[:], ssz.MarshalUint64(nil, v))
	return out
}

func (h *BeaconBlockHeader) HashTreeRootWith(hh ssz.HashWalker) error {
	indx := hh.Index()
	hh.PutUint64(h.Slot)
	hh.PutUint64(h.ProposerIndex)
	hh.PutBytes(h.ParentRoot[:])
	hh.PutBytes(h.StateRoot[:])
	hh.PutBytes(h.BodyRoot[:])
	hh.Merkleize(indx)
	return nil
}

func (h *BeaconBlockHeader) HashTreeRoot() common.Hash {
	return hashTreeRoot(func(hh ssz.HashWalker) { _ = h.HashTreeRootWith(hh) })
}

func (c *SyncCommittee) HashTreeRootWith(hh ssz.HashWalker) error {
	indx := hh.Index()
	{
		subIndx := hh.Index()
		for _, pk := range c.PubKeys {
			hh.PutBytes(pk[:])
		}
		hh.Merkleize(subIndx)
	}
	hh.PutBytes(c.AggregatePubKey[:])
	hh.Merkleize(indx)
	return nil
}

func (c *SyncCommittee) HashTreeRoot() common.Hash {
	return hashTreeRoot(func(hh ssz.HashWalker) { _ = c.HashTreeRootWith(hh) })
}

// containerRoot is the root of a container of 32-byte (or shorter) fields.
func containerRoot(fields ...[]byte) common.Hash {
	return hashTreeRoot(func(hh ssz.HashWalker) {
		indx := hh.Index()
		for _, f := range fields {
			hh.PutBytes(f)
		}
		hh.Merkleize(indx)
	})
}

// VerifyMerkleBranch checks that leaf sits at the generalized index gindex
// of the tree rooted at root. The branch lists siblings from the leaf up.
func VerifyMerkleBranch(leaf common.Hash, branch []common.Hash, gindex uint64, root common.Hash) bool {
	if gindex == 0 {
		return false
	}
	hashes := make([][]byte, len(branch))
	for i := range branch {
		hashes[i] = branch[i].Bytes()
	}
	ok, err := ssz.VerifyProof(root[:], &ssz.Proof{Index: int(gindex), Leaf: leaf.Bytes(), Hashes: hashes})
	return err == nil && ok
}
