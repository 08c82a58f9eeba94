package poa

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

const (
	// ExtraVanity is the prefix of extra data reserved for the signer.
	ExtraVanity = 32
	// ExtraSeal is the signature suffix of extra data.
	ExtraSeal = crypto.SignatureLength
)

// ConsensusState is the trusted state of a proof of authority chain.
type ConsensusState struct {
	Validators   []common.Address
	EpochLength  uint64
	LatestHeight uint64
	LatestHash   common.Hash
	ChainID      uint32
}

func DecodeConsensusState(bz []byte) (*ConsensusState, error) {
	var cs ConsensusState
	if err := rlp.DecodeBytes(bz, &cs); err != nil {
		return nil, fmt.Errorf("%w: poa consensus state: %v", ismp.ErrProofDecode, err)
	}
	return &cs, nil
}

func (cs *ConsensusState) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(cs)
}

func (cs *ConsensusState) isValidator(addr common.Address) bool {
	for _, v := range cs.Validators {
		if v == addr {
			return true
		}
	}
	return false
}

// Update is a run of sealed headers extending the trusted head. Later
// headers vote for the earlier ones they build on.
type Update struct {
	Headers []*types.Header
}

func DecodeUpdate(bz []byte) (*Update, error) {
	var u Update
	if err := rlp.DecodeBytes(bz, &u); err != nil {
		return nil, fmt.Errorf("%w: poa update: %v", ismp.ErrProofDecode, err)
	}
	return &u, nil
}

func (u *Update) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(u)
}

// epochValidators reads the validator list of an epoch header's extra data.
func epochValidators(h *types.Header) ([]common.Address, error) {
	list := h.Extra[ExtraVanity : len(h.Extra)-ExtraSeal]
	if len(list) == 0 || len(list)%common.AddressLength != 0 {
		return nil, fmt.Errorf("%w: epoch header %d lists %d validator bytes", ismp.ErrInvalidProof, h.Number, len(list))
	}
	out := make([]common.Address, 0, len(list)/common.AddressLength)
	for i := 0; i < len(list); i += common.AddressLength {
		out = append(out, common.BytesToAddress(list[i:i+common.AddressLength]))
	}
	return out, nil
}
