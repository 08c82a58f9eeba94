package finality

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

// MmrRootPayloadID is the payload entry holding the MMR root.
var MmrRootPayloadID = [2]byte{'m', 'h'}

// BeefyAuthoritySet commits to a BEEFY validator set by the merkle root of
// the validators' Ethereum addresses.
type BeefyAuthoritySet struct {
	ID   uint64
	Len  uint32
	Root common.Hash
}

func (s BeefyAuthoritySet) encode(w *scale.Writer) {
	w.U64(s.ID)
	w.U32(s.Len)
	w.Hash(s.Root)
}

func (s *BeefyAuthoritySet) decode(r *scale.Reader) error {
	var err error
	if s.ID, err = r.U64(); err != nil {
		return err
	}
	if s.Len, err = r.U32(); err != nil {
		return err
	}
	s.Root, err = r.Hash()
	return err
}

// BeefyConsensusState is the trusted state of a BEEFY consensus client.
type BeefyConsensusState struct {
	LatestBeefyHeight  uint32
	MmrRootHash        common.Hash
	CurrentAuthorities BeefyAuthoritySet
	NextAuthorities    BeefyAuthoritySet
	// SlotDuration of the parachains in milliseconds.
	SlotDuration uint64
	// RelayChain is the state machine kind of the tracked parachains.
	RelayChain ismp.StateMachineKind
	ParaIDs    []uint32
}

func (cs *BeefyConsensusState) EncodeSCALE(w *scale.Writer) {
	w.U32(cs.LatestBeefyHeight)
	w.Hash(cs.MmrRootHash)
	cs.CurrentAuthorities.encode(w)
	cs.NextAuthorities.encode(w)
	w.U64(cs.SlotDuration)
	w.U8(uint8(cs.RelayChain))
	encodeParaIDs(w, cs.ParaIDs)
}

func (cs *BeefyConsensusState) DecodeSCALE(r *scale.Reader) error {
	var err error
	if cs.LatestBeefyHeight, err = r.U32(); err != nil {
		return err
	}
	if cs.MmrRootHash, err = r.Hash(); err != nil {
		return err
	}
	if err = cs.CurrentAuthorities.decode(r); err != nil {
		return err
	}
	if err = cs.NextAuthorities.decode(r); err != nil {
		return err
	}
	if cs.SlotDuration, err = r.U64(); err != nil {
		return err
	}
	kind, err := r.U8()
	if err != nil {
		return err
	}
	cs.RelayChain = ismp.StateMachineKind(kind)
	cs.ParaIDs, err = decodeParaIDs(r)
	return err
}

type PayloadItem struct {
	ID   [2]byte
	Data []byte
}

// Commitment is what BEEFY validators sign.
type Commitment struct {
	Payload        []PayloadItem
	BlockNumber    uint32
	ValidatorSetID uint64
}

func (c *Commitment) EncodeSCALE(w *scale.Writer) {
	scale.EncodeVec(w, c.Payload, func(w *scale.Writer, p PayloadItem) {
		w.Raw(p.ID[:])
		w.VecU8(p.Data)
	})
	w.U32(c.BlockNumber)
	w.U64(c.ValidatorSetID)
}

func (c *Commitment) DecodeSCALE(r *scale.Reader) error {
	var err error
	c.Payload, err = scale.DecodeVec(r, 3, func(r *scale.Reader) (PayloadItem, error) {
		var p PayloadItem
		id, err := r.Fixed(2)
		if err != nil {
			return p, err
		}
		copy(p.ID[:], id)
		p.Data, err = r.VecU8()
		return p, err
	})
	if err != nil {
		return err
	}
	if c.BlockNumber, err = r.U32(); err != nil {
		return err
	}
	c.ValidatorSetID, err = r.U64()
	return err
}

// Hash is the keccak hash validators sign.
func (c *Commitment) Hash() (common.Hash, error) {
	enc, err := scale.Marshal(c)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// MmrRoot returns the 'mh' payload.
func (c *Commitment) MmrRoot() (common.Hash, bool) {
	for _, p := range c.Payload {
		if p.ID == MmrRootPayloadID && len(p.Data) == common.HashLength {
			return common.BytesToHash(p.Data), true
		}
	}
	return common.Hash{}, false
}

// SignatureWithIndex is a recoverable secp256k1 signature by the authority
// at Index in the authority set.
type SignatureWithIndex struct {
	Signature [crypto.SignatureLength]byte
	Index     uint32
}

type SignedCommitment struct {
	Commitment Commitment
	Signatures []SignatureWithIndex
}

// MmrLeaf is the leaf the relay chain appends to its MMR for every block.
type MmrLeaf struct {
	Version            uint8
	ParentNumber       uint32
	ParentHash         common.Hash
	NextAuthoritySet   BeefyAuthoritySet
	ParachainHeadsRoot common.Hash
}

func (l *MmrLeaf) EncodeSCALE(w *scale.Writer) {
	w.U8(l.Version)
	w.U32(l.ParentNumber)
	w.Hash(l.ParentHash)
	l.NextAuthoritySet.encode(w)
	w.Hash(l.ParachainHeadsRoot)
}

func (l *MmrLeaf) DecodeSCALE(r *scale.Reader) error {
	var err error
	if l.Version, err = r.U8(); err != nil {
		return err
	}
	if l.ParentNumber, err = r.U32(); err != nil {
		return err
	}
	if l.ParentHash, err = r.Hash(); err != nil {
		return err
	}
	if err = l.NextAuthoritySet.decode(r); err != nil {
		return err
	}
	l.ParachainHeadsRoot, err = r.Hash()
	return err
}

// Hash is the MMR leaf hash.
func (l *MmrLeaf) Hash() (common.Hash, error) {
	enc, err := scale.Marshal(l)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// ParachainHead is a parachain header at Index in the heads merkle tree.
type ParachainHead struct {
	Index  uint32
	ParaID uint32
	Header []byte
}

// LeafHash is keccak(SCALE(para id, head data)).
func (h ParachainHead) LeafHash() common.Hash {
	return ParachainHeadLeaf(h.ParaID, h.Header)
}

func ParachainHeadLeaf(paraID uint32, header []byte) common.Hash {
	w := scale.NewWriter()
	w.U32(paraID)
	w.VecU8(header)
	bz, _ := w.Bytes()
	return crypto.Keccak256Hash(bz)
}

// BeefyUpdate is the consensus proof of a BEEFY client.
type BeefyUpdate struct {
	SignedCommitment SignedCommitment
	LatestMmrLeaf    MmrLeaf
	MmrLeafIndex     uint64
	MmrLeafCount     uint64
	MmrProof         []common.Hash
	AuthorityProof   []common.Hash
	Heads            []ParachainHead
	HeadsLeafCount   uint32
	HeadsProof       []common.Hash
}

func encodeHashes(w *scale.Writer, hashes []common.Hash) {
	scale.EncodeVec(w, hashes, (*scale.Writer).Hash)
}

func decodeHashes(r *scale.Reader) ([]common.Hash, error) {
	return scale.DecodeVec(r, common.HashLength, (*scale.Reader).Hash)
}

func (u *BeefyUpdate) EncodeSCALE(w *scale.Writer) {
	u.SignedCommitment.Commitment.EncodeSCALE(w)
	scale.EncodeVec(w, u.SignedCommitment.Signatures, func(w *scale.Writer, s SignatureWithIndex) {
		w.Raw(s.Signature[:])
		w.U32(s.Index)
	})
	u.LatestMmrLeaf.EncodeSCALE(w)
	w.U64(u.MmrLeafIndex)
	w.U64(u.MmrLeafCount)
	encodeHashes(w, u.MmrProof)
	encodeHashes(w, u.AuthorityProof)
	scale.EncodeVec(w, u.Heads, func(w *scale.Writer, h ParachainHead) {
		w.U32(h.Index)
		w.U32(h.ParaID)
		w.VecU8(h.Header)
	})
	w.U32(u.HeadsLeafCount)
	encodeHashes(w, u.HeadsProof)
}

func (u *BeefyUpdate) DecodeSCALE(r *scale.Reader) error {
	var err error
	if err = u.SignedCommitment.Commitment.DecodeSCALE(r); err != nil {
		return err
	}
	u.SignedCommitment.Signatures, err = scale.DecodeVec(r, crypto.SignatureLength+4, func(r *scale.Reader) (SignatureWithIndex, error) {
		var s SignatureWithIndex
		sig, err := r.Fixed(crypto.SignatureLength)
		if err != nil {
			return s, err
		}
		copy(s.Signature[:], sig)
		s.Index, err = r.U32()
		return s, err
	})
	if err != nil {
		return err
	}
	if err = u.LatestMmrLeaf.DecodeSCALE(r); err != nil {
		return err
	}
	if u.MmrLeafIndex, err = r.U64(); err != nil {
		return err
	}
	if u.MmrLeafCount, err = r.U64(); err != nil {
		return err
	}
	if u.MmrProof, err = decodeHashes(r); err != nil {
		return err
	}
	if u.AuthorityProof, err = decodeHashes(r); err != nil {
		return err
	}
	u.Heads, err = scale.DecodeVec(r, 9, func(r *scale.Reader) (ParachainHead, error) {
		var h ParachainHead
		var err error
		if h.Index, err = r.U32(); err != nil {
			return h, err
		}
		if h.ParaID, err = r.U32(); err != nil {
			return h, err
		}
		h.Header, err = r.VecU8()
		return h, err
	})
	if err != nil {
		return err
	}
	if u.HeadsLeafCount, err = r.U32(); err != nil {
		return err
	}
	u.HeadsProof, err = decodeHashes(r)
	return err
}
