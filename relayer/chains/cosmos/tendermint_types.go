package cosmos

import (
	"fmt"
	"time"

	cmtproto "github.com/cometbft/cometbft/proto/tendermint/types"
	"github.com/cometbft/cometbft/types"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

// ConsensusState is the trusted state of a Tendermint light client: the
// last verified header and the validator set it names as next.
type ConsensusState struct {
	ChainID        string
	TrustingPeriod time.Duration
	MaxClockDrift  time.Duration
	TrustedHeader  *types.Header
	NextValidators *types.ValidatorSet
	// StateMachineTag names the Tendermint state machine the client commits to.
	StateMachineTag [4]byte
}

func marshalValidators(vals *types.ValidatorSet) ([]byte, error) {
	pv, err := vals.ToProto()
	if err != nil {
		return nil, err
	}
	return pv.Marshal()
}

func unmarshalValidators(bz []byte) (*types.ValidatorSet, error) {
	var pv cmtproto.ValidatorSet
	if err := pv.Unmarshal(bz); err != nil {
		return nil, err
	}
	return types.ValidatorSetFromProto(&pv)
}

func (cs *ConsensusState) Encode() ([]byte, error) {
	if cs.TrustedHeader == nil || cs.NextValidators == nil {
		return nil, fmt.Errorf("tendermint consensus state is incomplete")
	}
	header, err := cs.TrustedHeader.ToProto().Marshal()
	if err != nil {
		return nil, err
	}
	vals, err := marshalValidators(cs.NextValidators)
	if err != nil {
		return nil, err
	}
	w := scale.NewWriter()
	w.VecU8([]byte(cs.ChainID))
	w.U64(uint64(cs.TrustingPeriod))
	w.U64(uint64(cs.MaxClockDrift))
	w.VecU8(header)
	w.VecU8(vals)
	w.Raw(cs.StateMachineTag[:])
	return w.Bytes()
}

func DecodeConsensusState(bz []byte) (*ConsensusState, error) {
	cs, err := decodeConsensusState(bz)
	if err != nil {
		return nil, fmt.Errorf("%w: tendermint consensus state: %v", ismp.ErrProofDecode, err)
	}
	return cs, nil
}

func decodeConsensusState(bz []byte) (*ConsensusState, error) {
	r := scale.NewReader(bz)
	chainID, err := r.VecU8()
	if err != nil {
		return nil, err
	}
	trusting, err := r.U64()
	if err != nil {
		return nil, err
	}
	drift, err := r.U64()
	if err != nil {
		return nil, err
	}
	rawHeader, err := r.VecU8()
	if err != nil {
		return nil, err
	}
	rawVals, err := r.VecU8()
	if err != nil {
		return nil, err
	}
	tag, err := r.Fixed(4)
	if err != nil {
		return nil, err
	}
	if err := r.Done(); err != nil {
		return nil, err
	}

	var ph cmtproto.Header
	if err := ph.Unmarshal(rawHeader); err != nil {
		return nil, err
	}
	header, err := types.HeaderFromProto(&ph)
	if err != nil {
		return nil, err
	}
	vals, err := unmarshalValidators(rawVals)
	if err != nil {
		return nil, err
	}
	cs := &ConsensusState{
		ChainID:        string(chainID),
		TrustingPeriod: time.Duration(trusting),
		MaxClockDrift:  time.Duration(drift),
		TrustedHeader:  &header,
		NextValidators: vals,
	}
	copy(cs.StateMachineTag[:], tag)
	return cs, nil
}

// Update is a signed header with the validator set that signed it and the
// set it names as next.
type Update struct {
	SignedHeader     *types.SignedHeader
	ValidatorSet     *types.ValidatorSet
	NextValidatorSet *types.ValidatorSet
}

func (u *Update) Encode() ([]byte, error) {
	if u.SignedHeader == nil || u.ValidatorSet == nil || u.NextValidatorSet == nil {
		return nil, fmt.Errorf("tendermint update is incomplete")
	}
	sh, err := u.SignedHeader.ToProto().Marshal()
	if err != nil {
		return nil, err
	}
	vals, err := marshalValidators(u.ValidatorSet)
	if err != nil {
		return nil, err
	}
	next, err := marshalValidators(u.NextValidatorSet)
	if err != nil {
		return nil, err
	}
	w := scale.NewWriter()
	w.VecVecU8([][]byte{sh, vals, next})
	return w.Bytes()
}

func DecodeUpdate(bz []byte) (*Update, error) {
	u, err := decodeUpdate(bz)
	if err != nil {
		return nil, fmt.Errorf("%w: tendermint update: %v", ismp.ErrProofDecode, err)
	}
	return u, nil
}

func decodeUpdate(bz []byte) (*Update, error) {
	r := scale.NewReader(bz)
	parts, err := r.VecVecU8()
	if err != nil {
		return nil, err
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 parts, got %d", len(parts))
	}
	var psh cmtproto.SignedHeader
	if err := psh.Unmarshal(parts[0]); err != nil {
		return nil, err
	}
	sh, err := types.SignedHeaderFromProto(&psh)
	if err != nil {
		return nil, err
	}
	vals, err := unmarshalValidators(parts[1])
	if err != nil {
		return nil, err
	}
	next, err := unmarshalValidators(parts[2])
	if err != nil {
		return nil, err
	}
	return &Update{SignedHeader: sh, ValidatorSet: vals, NextValidatorSet: next}, nil
}
