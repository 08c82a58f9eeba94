package ethereum

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prysmaticlabs/go-bitfield"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
)

const (
	PubKeyLength    = 48
	SignatureLength = 96
)

// Generalized indices of the light client proofs.
const (
	finalizedRootGindex      = 105
	nextSyncCommitteeGindex  = 55
	executionPayloadGindex   = 25
	payloadStateRootGindex   = 34
	payloadBlockNumberGindex = 38
	payloadTimestampGindex   = 41
)

var domainSyncCommittee = [4]byte{0x07, 0x00, 0x00, 0x00}

// Preset selects the beacon chain constants.
type Preset uint8

const (
	PresetMainnet Preset = iota
	PresetMinimal
)

func (p Preset) SyncCommitteeSize() int {
	if p == PresetMinimal {
		return 32
	}
	return 512
}

func (p Preset) SlotsPerEpoch() uint64 {
	if p == PresetMinimal {
		return 8
	}
	return 32
}

// SlotsPerPeriod is the number of slots one sync committee serves.
func (p Preset) SlotsPerPeriod() uint64 {
	if p == PresetMinimal {
		return p.SlotsPerEpoch() * 8
	}
	return p.SlotsPerEpoch() * 256
}

func (p Preset) period(slot uint64) uint64 { return slot / p.SlotsPerPeriod() }

// participation reads the sync committee bits of a committee of this preset.
func (p Preset) participation(bz []byte) (bitfield.Bitfield, error) {
	size := p.SyncCommitteeSize()
	if len(bz) != size/8 {
		return nil, fmt.Errorf("participation bits: got %d bytes, want %d", len(bz), size/8)
	}
	if p == PresetMinimal {
		return bitfield.Bitvector32(bz), nil
	}
	return bitfield.Bitvector512(bz), nil
}

type BeaconBlockHeader struct {
	Slot          uint64
	ProposerIndex uint64
	ParentRoot    common.Hash
	StateRoot     common.Hash
	BodyRoot      common.Hash
}

func (h *BeaconBlockHeader) encode(w *scale.Writer) {
	w.U64(h.Slot)
	w.U64(h.ProposerIndex)
	w.Hash(h.ParentRoot)
	w.Hash(h.StateRoot)
	w.Hash(h.BodyRoot)
}

func (h *BeaconBlockHeader) decode(r *scale.Reader) error {
	var err error
	if h.Slot, err = r.U64(); err != nil {
		return err
	}
	if h.ProposerIndex, err = r.U64(); err != nil {
		return err
	}
	if h.ParentRoot, err = r.Hash(); err != nil {
		return err
	}
	if h.StateRoot, err = r.Hash(); err != nil {
		return err
	}
	h.BodyRoot, err = r.Hash()
	return err
}

type PubKey [PubKeyLength]byte

type SyncCommittee struct {
	PubKeys         []PubKey
	AggregatePubKey PubKey
}

func (c *SyncCommittee) encode(w *scale.Writer) {
	scale.EncodeVec(w, c.PubKeys, func(w *scale.Writer, pk PubKey) { w.Raw(pk[:]) })
	w.Raw(c.AggregatePubKey[:])
}

func readPubKey(r *scale.Reader) (PubKey, error) {
	var pk PubKey
	bz, err := r.Fixed(PubKeyLength)
	if err != nil {
		return pk, err
	}
	copy(pk[:], bz)
	return pk, nil
}

func (c *SyncCommittee) decode(r *scale.Reader) error {
	var err error
	if c.PubKeys, err = scale.DecodeVec(r, PubKeyLength, readPubKey); err != nil {
		return err
	}
	c.AggregatePubKey, err = readPubKey(r)
	return err
}

func encodeOptionalCommittee(w *scale.Writer, c *SyncCommittee) {
	w.Option(c != nil)
	if c != nil {
		c.encode(w)
	}
}

func decodeOptionalCommittee(r *scale.Reader) (*SyncCommittee, error) {
	some, err := r.Option()
	if err != nil || !some {
		return nil, err
	}
	var c SyncCommittee
	if err := c.decode(r); err != nil {
		return nil, err
	}
	return &c, nil
}

// Fork is a fork version active from Epoch on.
type Fork struct {
	Epoch   uint64
	Version [4]byte
}

// SyncCommitteeConsensusState is the trusted state of a sync committee client.
type SyncCommitteeConsensusState struct {
	FinalizedHeader       BeaconBlockHeader
	CurrentSyncCommittee  SyncCommittee
	NextSyncCommittee     *SyncCommittee
	GenesisValidatorsRoot common.Hash
	// Forks in ascending epoch order.
	Forks   []Fork
	Preset  Preset
	ChainID uint32
}

func (cs *SyncCommitteeConsensusState) EncodeSCALE(w *scale.Writer) {
	cs.FinalizedHeader.encode(w)
	cs.CurrentSyncCommittee.encode(w)
	encodeOptionalCommittee(w, cs.NextSyncCommittee)
	w.Hash(cs.GenesisValidatorsRoot)
	scale.EncodeVec(w, cs.Forks, func(w *scale.Writer, f Fork) {
		w.U64(f.Epoch)
		w.Raw(f.Version[:])
	})
	w.U8(uint8(cs.Preset))
	w.U32(cs.ChainID)
}

func (cs *SyncCommitteeConsensusState) DecodeSCALE(r *scale.Reader) error {
	if err := cs.FinalizedHeader.decode(r); err != nil {
		return err
	}
	if err := cs.CurrentSyncCommittee.decode(r); err != nil {
		return err
	}
	var err error
	if cs.NextSyncCommittee, err = decodeOptionalCommittee(r); err != nil {
		return err
	}
	if cs.GenesisValidatorsRoot, err = r.Hash(); err != nil {
		return err
	}
	cs.Forks, err = scale.DecodeVec(r, 12, func(r *scale.Reader) (Fork, error) {
		var f Fork
		var err error
		if f.Epoch, err = r.U64(); err != nil {
			return f, err
		}
		v, err := r.Fixed(4)
		copy(f.Version[:], v)
		return f, err
	})
	if err != nil {
		return err
	}
	preset, err := r.U8()
	if err != nil {
		return err
	}
	cs.Preset = Preset(preset)
	cs.ChainID, err = r.U32()
	return err
}

// forkVersion is the fork version active at epoch.
func (cs *SyncCommitteeConsensusState) forkVersion(epoch uint64) ([4]byte, bool) {
	var (
		version [4]byte
		found   bool
	)
	for _, f := range cs.Forks {
		if f.Epoch > epoch {
			break
		}
		version, found = f.Version, true
	}
	return version, found
}

// ExecutionPayloadProof proves fields of the execution payload of the
// finalized block against its body root.
type ExecutionPayloadProof struct {
	StateRoot         common.Hash
	BlockNumber       uint64
	Timestamp         uint64
	StateRootBranch   []common.Hash
	BlockNumberBranch []common.Hash
	TimestampBranch   []common.Hash
	PayloadRoot       common.Hash
	PayloadBranch     []common.Hash
}

func encodeHashes(w *scale.Writer, hashes []common.Hash) {
	scale.EncodeVec(w, hashes, (*scale.Writer).Hash)
}

func decodeHashes(r *scale.Reader) ([]common.Hash, error) {
	return scale.DecodeVec(r, common.HashLength, (*scale.Reader).Hash)
}

func (p *ExecutionPayloadProof) encode(w *scale.Writer) {
	w.Hash(p.StateRoot)
	w.U64(p.BlockNumber)
	w.U64(p.Timestamp)
	encodeHashes(w, p.StateRootBranch)
	encodeHashes(w, p.BlockNumberBranch)
	encodeHashes(w, p.TimestampBranch)
	w.Hash(p.PayloadRoot)
	encodeHashes(w, p.PayloadBranch)
}

func (p *ExecutionPayloadProof) decode(r *scale.Reader) error {
	var err error
	if p.StateRoot, err = r.Hash(); err != nil {
		return err
	}
	if p.BlockNumber, err = r.U64(); err != nil {
		return err
	}
	if p.Timestamp, err = r.U64(); err != nil {
		return err
	}
	if p.StateRootBranch, err = decodeHashes(r); err != nil {
		return err
	}
	if p.BlockNumberBranch, err = decodeHashes(r); err != nil {
		return err
	}
	if p.TimestampBranch, err = decodeHashes(r); err != nil {
		return err
	}
	if p.PayloadRoot, err = r.Hash(); err != nil {
		return err
	}
	p.PayloadBranch, err = decodeHashes(r)
	return err
}

type SyncAggregate struct {
	Bits      []byte
	Signature [SignatureLength]byte
}

// SyncCommitteeUpdate is the consensus proof of a sync committee client.
type SyncCommitteeUpdate struct {
	AttestedHeader          BeaconBlockHeader
	NextSyncCommittee       *SyncCommittee
	NextSyncCommitteeBranch []common.Hash
	FinalizedHeader         BeaconBlockHeader
	FinalityBranch          []common.Hash
	ExecutionPayload        ExecutionPayloadProof
	SyncAggregate           SyncAggregate
	SignatureSlot           uint64
}

func (u *SyncCommitteeUpdate) EncodeSCALE(w *scale.Writer) {
	u.AttestedHeader.encode(w)
	encodeOptionalCommittee(w, u.NextSyncCommittee)
	encodeHashes(w, u.NextSyncCommitteeBranch)
	u.FinalizedHeader.encode(w)
	encodeHashes(w, u.FinalityBranch)
	u.ExecutionPayload.encode(w)
	w.VecU8(u.SyncAggregate.Bits)
	w.Raw(u.SyncAggregate.Signature[:])
	w.U64(u.SignatureSlot)
}

func (u *SyncCommitteeUpdate) DecodeSCALE(r *scale.Reader) error {
	if err := u.AttestedHeader.decode(r); err != nil {
		return err
	}
	var err error
	if u.NextSyncCommittee, err = decodeOptionalCommittee(r); err != nil {
		return err
	}
	if u.NextSyncCommitteeBranch, err = decodeHashes(r); err != nil {
		return err
	}
	if err = u.FinalizedHeader.decode(r); err != nil {
		return err
	}
	if u.FinalityBranch, err = decodeHashes(r); err != nil {
		return err
	}
	if err = u.ExecutionPayload.decode(r); err != nil {
		return err
	}
	if u.SyncAggregate.Bits, err = r.VecU8(); err != nil {
		return err
	}
	sig, err := r.Fixed(SignatureLength)
	if err != nil {
		return err
	}
	copy(u.SyncAggregate.Signature[:], sig)
	u.SignatureSlot, err = r.U64()
	return err
}
