package finality

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/substrate"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

// Authority is a GRANDPA voter with its voting weight.
type Authority struct {
	Key    [ed25519.PublicKeySize]byte
	Weight uint64
}

func encodeAuthorities(w *scale.Writer, set []Authority) {
	scale.EncodeVec(w, set, func(w *scale.Writer, a Authority) {
		w.Raw(a.Key[:])
		w.U64(a.Weight)
	})
}

func decodeAuthorities(r *scale.Reader) ([]Authority, error) {
	return scale.DecodeVec(r, ed25519.PublicKeySize+8, func(r *scale.Reader) (Authority, error) {
		var a Authority
		key, err := r.Fixed(ed25519.PublicKeySize)
		if err != nil {
			return a, err
		}
		copy(a.Key[:], key)
		a.Weight, err = r.U64()
		return a, err
	})
}

func encodeParaIDs(w *scale.Writer, ids []uint32) {
	scale.EncodeVec(w, ids, (*scale.Writer).U32)
}

func decodeParaIDs(r *scale.Reader) ([]uint32, error) {
	return scale.DecodeVec(r, 4, (*scale.Reader).U32)
}

// GrandpaConsensusState is the trusted state of a GRANDPA consensus client.
// With no ParaIDs the finalized chain itself is the tracked state machine;
// otherwise the listed parachains of the relay chain are tracked.
type GrandpaConsensusState struct {
	CurrentSetID       uint64
	CurrentAuthorities []Authority
	LatestHeight       uint32
	LatestHash         common.Hash
	// SlotDuration in milliseconds.
	SlotDuration uint64
	StateMachine ismp.StateMachine
	ParaIDs      []uint32
}

func (cs *GrandpaConsensusState) EncodeSCALE(w *scale.Writer) {
	w.U64(cs.CurrentSetID)
	encodeAuthorities(w, cs.CurrentAuthorities)
	w.U32(cs.LatestHeight)
	w.Hash(cs.LatestHash)
	w.U64(cs.SlotDuration)
	substrate.EncodeStateMachine(w, cs.StateMachine)
	encodeParaIDs(w, cs.ParaIDs)
}

func (cs *GrandpaConsensusState) DecodeSCALE(r *scale.Reader) error {
	var err error
	if cs.CurrentSetID, err = r.U64(); err != nil {
		return err
	}
	if cs.CurrentAuthorities, err = decodeAuthorities(r); err != nil {
		return err
	}
	if cs.LatestHeight, err = r.U32(); err != nil {
		return err
	}
	if cs.LatestHash, err = r.Hash(); err != nil {
		return err
	}
	if cs.SlotDuration, err = r.U64(); err != nil {
		return err
	}
	if cs.StateMachine, err = substrate.DecodeStateMachine(r); err != nil {
		return err
	}
	cs.ParaIDs, err = decodeParaIDs(r)
	return err
}

func (cs *GrandpaConsensusState) tracksPara(id uint32) bool {
	return trackedPara(cs.ParaIDs, id)
}

// Precommit is a vote for a block and, implicitly, all its ancestors.
type Precommit struct {
	TargetHash   common.Hash
	TargetNumber uint32
}

type SignedPrecommit struct {
	Precommit Precommit
	Signature [ed25519.SignatureSize]byte
	ID        [ed25519.PublicKeySize]byte
}

// Commit is a set of precommits for a common target.
type Commit struct {
	TargetHash   common.Hash
	TargetNumber uint32
	Precommits   []SignedPrecommit
}

// Justification proves a block was finalized by the authority set in a round.
type Justification struct {
	Round           uint64
	Commit          Commit
	VotesAncestries []substrate.Header
}

func (j *Justification) EncodeSCALE(w *scale.Writer) {
	w.U64(j.Round)
	w.Hash(j.Commit.TargetHash)
	w.U32(j.Commit.TargetNumber)
	scale.EncodeVec(w, j.Commit.Precommits, func(w *scale.Writer, p SignedPrecommit) {
		w.Hash(p.Precommit.TargetHash)
		w.U32(p.Precommit.TargetNumber)
		w.Raw(p.Signature[:])
		w.Raw(p.ID[:])
	})
	substrate.EncodeHeaders(w, j.VotesAncestries)
}

func (j *Justification) DecodeSCALE(r *scale.Reader) error {
	var err error
	if j.Round, err = r.U64(); err != nil {
		return err
	}
	if j.Commit.TargetHash, err = r.Hash(); err != nil {
		return err
	}
	if j.Commit.TargetNumber, err = r.U32(); err != nil {
		return err
	}
	const precommitSize = common.HashLength + 4 + ed25519.SignatureSize + ed25519.PublicKeySize
	j.Commit.Precommits, err = scale.DecodeVec(r, precommitSize, func(r *scale.Reader) (SignedPrecommit, error) {
		var p SignedPrecommit
		bz, err := r.Fixed(precommitSize)
		if err != nil {
			return p, err
		}
		p.Precommit.TargetHash = common.BytesToHash(bz[:common.HashLength])
		p.Precommit.TargetNumber = binary.LittleEndian.Uint32(bz[32:36])
		copy(p.Signature[:], bz[36:36+ed25519.SignatureSize])
		copy(p.ID[:], bz[36+ed25519.SignatureSize:])
		return p, nil
	})
	if err != nil {
		return err
	}
	j.VotesAncestries, err = substrate.DecodeHeaders(r)
	return err
}

// PrecommitPayload is the message an authority signs for a precommit.
func PrecommitPayload(p Precommit, round, setID uint64) []byte {
	w := scale.NewWriter()
	w.U8(1) // Message::Precommit
	w.Hash(p.TargetHash)
	w.U32(p.TargetNumber)
	w.U64(round)
	w.U64(setID)
	bz, _ := w.Bytes()
	return bz
}

// FinalityProof carries a justification for Block together with the headers
// between the last finalized block and Block.
type FinalityProof struct {
	Block          common.Hash
	Justification  []byte
	UnknownHeaders []substrate.Header
}

func (p *FinalityProof) EncodeSCALE(w *scale.Writer) {
	w.Hash(p.Block)
	w.VecU8(p.Justification)
	substrate.EncodeHeaders(w, p.UnknownHeaders)
}

func (p *FinalityProof) DecodeSCALE(r *scale.Reader) error {
	var err error
	if p.Block, err = r.Hash(); err != nil {
		return err
	}
	if p.Justification, err = r.VecU8(); err != nil {
		return err
	}
	p.UnknownHeaders, err = substrate.DecodeHeaders(r)
	return err
}

// ParachainHeaderProofs proves the heads of ParaIDs in a relay chain block.
type ParachainHeaderProofs struct {
	StateProof [][]byte
	ParaIDs    []uint32
}

// GrandpaUpdate is the consensus proof of a GRANDPA client. ParachainHeaders
// is keyed by the relay chain block the heads are read from.
type GrandpaUpdate struct {
	FinalityProof    FinalityProof
	ParachainHeaders map[common.Hash]ParachainHeaderProofs
}

func (u *GrandpaUpdate) EncodeSCALE(w *scale.Writer) {
	u.FinalityProof.EncodeSCALE(w)
	hashes := make([]common.Hash, 0, len(u.ParachainHeaders))
	for h := range u.ParachainHeaders {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Cmp(hashes[j]) < 0 })
	scale.EncodeVec(w, hashes, func(w *scale.Writer, h common.Hash) {
		proofs := u.ParachainHeaders[h]
		w.Hash(h)
		w.VecVecU8(proofs.StateProof)
		encodeParaIDs(w, proofs.ParaIDs)
	})
}

func (u *GrandpaUpdate) DecodeSCALE(r *scale.Reader) error {
	if err := u.FinalityProof.DecodeSCALE(r); err != nil {
		return err
	}
	n, err := r.VecLen(common.HashLength + 2)
	if err != nil {
		return err
	}
	u.ParachainHeaders = make(map[common.Hash]ParachainHeaderProofs, n)
	for i := 0; i < n; i++ {
		h, err := r.Hash()
		if err != nil {
			return err
		}
		if _, ok := u.ParachainHeaders[h]; ok {
			return fmt.Errorf("duplicate relay block %s", h)
		}
		var proofs ParachainHeaderProofs
		if proofs.StateProof, err = r.VecVecU8(); err != nil {
			return err
		}
		if proofs.ParaIDs, err = decodeParaIDs(r); err != nil {
			return err
		}
		u.ParachainHeaders[h] = proofs
	}
	return nil
}
