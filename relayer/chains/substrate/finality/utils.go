package finality

import (
	"fmt"
	"sort"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/substrate"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

// Variants of the GRANDPA consensus log.
const (
	logScheduledChange uint8 = 1
	logForcedChange    uint8 = 2
)

// AuthoritySetChange is a scheduled or forced change of GRANDPA voters.
type AuthoritySetChange struct {
	NextAuthorities []Authority
	Delay           uint32
	Forced          bool
}

// EncodeAuthoritySetChange builds the FRNK consensus log of change.
func EncodeAuthoritySetChange(change AuthoritySetChange, median uint32) []byte {
	w := scale.NewWriter()
	if change.Forced {
		w.U8(logForcedChange)
		w.U32(median)
	} else {
		w.U8(logScheduledChange)
	}
	encodeAuthorities(w, change.NextAuthorities)
	w.U32(change.Delay)
	bz, _ := w.Bytes()
	return bz
}

// findAuthoritySetChange returns the authority set change announced in the
// GRANDPA digest of header, if any. Other log variants are ignored.
func findAuthoritySetChange(header *substrate.Header) (*AuthoritySetChange, error) {
	for _, item := range header.DigestItems(substrate.DigestConsensus, substrate.GrandpaEngineID) {
		r := scale.NewReader(item.Data)
		variant, err := r.U8()
		if err != nil {
			return nil, err
		}
		change := &AuthoritySetChange{}
		switch variant {
		case logForcedChange:
			if _, err := r.U32(); err != nil {
				return nil, err
			}
			change.Forced = true
		case logScheduledChange:
		default:
			continue
		}
		if change.NextAuthorities, err = decodeAuthorities(r); err != nil {
			return nil, fmt.Errorf("failed to decode authority set change: %w", err)
		}
		if change.Delay, err = r.U32(); err != nil {
			return nil, fmt.Errorf("failed to decode authority set change: %w", err)
		}
		if err := r.Done(); err != nil {
			return nil, err
		}
		return change, nil
	}
	return nil, nil
}

// stateMachineCommitment derives the commitment of a finalized header.
func stateMachineCommitment(header *substrate.Header, slotDuration uint64) (ismp.StateCommitmentHeight, error) {
	c, err := header.Commitment(slotDuration)
	if err != nil {
		return ismp.StateCommitmentHeight{}, fmt.Errorf("%w: %v", ismp.ErrInvalidProof, err)
	}
	return ismp.StateCommitmentHeight{Commitment: c, Height: uint64(header.Number)}, nil
}

// sortCommitments orders every state machine's commitments by height.
func sortCommitments(c ismp.StateCommitments) {
	for _, list := range c {
		sort.Slice(list, func(i, j int) bool { return list[i].Height < list[j].Height })
	}
}

// supportedStateMachine returns a trie verifier for the Substrate family.
func supportedStateMachine(client ismp.ConsensusClientID, id ismp.StateMachine) (ismp.StateMachineClient, error) {
	switch id.Kind {
	case ismp.StateMachinePolkadot, ismp.StateMachineKusama, ismp.StateMachineSubstrate:
		return substrate.NewStateMachineClient(id), nil
	}
	return nil, fmt.Errorf("%w: %s does not verify %s", ismp.ErrStateMachineNotSupported, client, id)
}

func trackedPara(ids []uint32, id uint32) bool {
	for _, p := range ids {
		if p == id {
			return true
		}
	}
	return false
}
