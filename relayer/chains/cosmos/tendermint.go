// Package cosmos verifies Tendermint chains: signed headers through the
// cometbft light client rules and application state through ICS23 proofs.
package cosmos

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cometbft/cometbft/light"
	"github.com/cometbft/cometbft/types"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

// DefaultStoreKey is the module store holding ISMP commitments.
const DefaultStoreKey = "ismp"

// Tendermint is the Tendermint consensus client.
type Tendermint struct {
	log      *zap.Logger
	storeKey []byte
}

var (
	_ ismp.ConsensusClient         = (*Tendermint)(nil)
	_ ismp.ConsensusStateValidator = (*Tendermint)(nil)
)

// NewTendermint creates the client. Commitments are read from storeKey, or
// DefaultStoreKey when it is empty.
func NewTendermint(log *zap.Logger, storeKey string) *Tendermint {
	if storeKey == "" {
		storeKey = DefaultStoreKey
	}
	return &Tendermint{
		log:      log.With(zap.String("client", ismp.TendermintClientID.String())),
		storeKey: []byte(storeKey),
	}
}

func (c *Tendermint) ClientID() ismp.ConsensusClientID { return ismp.TendermintClientID }

func (c *Tendermint) StateMachine(id ismp.StateMachine) (ismp.StateMachineClient, error) {
	if id.Kind != ismp.StateMachineTendermint {
		return nil, fmt.Errorf("%w: %s does not verify %s", ismp.ErrStateMachineNotSupported, ismp.TendermintClientID, id)
	}
	return NewIcs23StateMachineClient(id, c.storeKey), nil
}

func (c *Tendermint) ValidateConsensusState(bz []byte) error {
	cs, err := DecodeConsensusState(bz)
	if err != nil {
		return err
	}
	if cs.ChainID == "" || cs.ChainID != cs.TrustedHeader.ChainID {
		return fmt.Errorf("%w: chain id %q, trusted header chain id %q", ismp.ErrInvalidProof, cs.ChainID, cs.TrustedHeader.ChainID)
	}
	if cs.TrustingPeriod <= 0 {
		return fmt.Errorf("%w: trusting period must be positive", ismp.ErrInvalidProof)
	}
	if !bytes.Equal(cs.NextValidators.Hash(), cs.TrustedHeader.NextValidatorsHash) {
		return fmt.Errorf("%w: next validators do not match the trusted header", ismp.ErrInvalidProof)
	}
	return nil
}

// verifyUpdate runs the light client verification of u against cs at the
// host's time.
func verifyUpdate(host ismp.Host, cs *ConsensusState, u *Update) error {
	if host == nil {
		return fmt.Errorf("tendermint verification needs the host clock")
	}
	sh := u.SignedHeader
	if sh.Header == nil || sh.Commit == nil {
		return fmt.Errorf("%w: signed header is incomplete", ismp.ErrInvalidProof)
	}
	if !bytes.Equal(u.NextValidatorSet.Hash(), sh.NextValidatorsHash) {
		return fmt.Errorf("%w: next validator set does not match header %d", ismp.ErrInvalidProof, sh.Height)
	}
	trusted := &types.SignedHeader{Header: cs.TrustedHeader}
	err := light.Verify(trusted, cs.NextValidators, sh, u.ValidatorSet,
		cs.TrustingPeriod, host.Timestamp(), cs.MaxClockDrift, light.DefaultTrustLevel)
	if err == nil {
		return nil
	}
	var untrusted light.ErrNewValSetCantBeTrusted
	if errors.As(err, &untrusted) {
		return fmt.Errorf("%w: header %d: %v", ismp.ErrInsufficientProofs, sh.Height, err)
	}
	return fmt.Errorf("%w: header %d: %v", ismp.ErrInvalidProof, sh.Height, err)
}

func (c *Tendermint) VerifyConsensus(host ismp.Host, id ismp.ConsensusStateID, trusted, proof []byte) ([]byte, ismp.StateCommitments, error) {
	cs, err := DecodeConsensusState(trusted)
	if err != nil {
		return nil, nil, err
	}
	u, err := DecodeUpdate(proof)
	if err != nil {
		return nil, nil, err
	}
	if u.SignedHeader.Header == nil {
		return nil, nil, fmt.Errorf("%w: update has no header", ismp.ErrInvalidProof)
	}
	if u.SignedHeader.Height <= cs.TrustedHeader.Height {
		return nil, nil, fmt.Errorf("%w: header %d, trusted height %d",
			ismp.ErrStaleHeight, u.SignedHeader.Height, cs.TrustedHeader.Height)
	}
	if err := verifyUpdate(host, cs, u); err != nil {
		return nil, nil, err
	}
	header := u.SignedHeader.Header
	if len(header.AppHash) != common.HashLength {
		return nil, nil, fmt.Errorf("%w: app hash of %d bytes", ismp.ErrInvalidProof, len(header.AppHash))
	}

	cs.TrustedHeader, cs.NextValidators = header, u.NextValidatorSet
	smID := ismp.StateMachineID{StateID: ismp.TendermintStateMachine(cs.StateMachineTag), ConsensusStateID: id}
	commitments := ismp.StateCommitments{
		smID: {{
			Commitment: ismp.StateCommitment{
				Timestamp: uint64(header.Time.Unix()),
				StateRoot: common.BytesToHash(header.AppHash),
			},
			Height: uint64(header.Height),
		}},
	}
	enc, err := cs.Encode()
	if err != nil {
		return nil, nil, err
	}
	c.log.Debug("Verified tendermint header",
		zap.String("consensus_state_id", id.String()),
		zap.String("chain_id", header.ChainID),
		zap.Int64("height", header.Height),
	)
	return enc, commitments, nil
}

// VerifyFraudProof accepts two updates that both verify against the trusted
// state and sign different headers at the same height.
func (c *Tendermint) VerifyFraudProof(host ismp.Host, trusted, proof1, proof2 []byte) error {
	cs, err := DecodeConsensusState(trusted)
	if err != nil {
		return err
	}
	var headers [2]*types.Header
	for i, bz := range [][]byte{proof1, proof2} {
		u, err := DecodeUpdate(bz)
		if err != nil {
			return err
		}
		if err := verifyUpdate(host, cs, u); err != nil {
			return fmt.Errorf("fraud proof %d: %w", i+1, err)
		}
		headers[i] = u.SignedHeader.Header
	}
	if headers[0].Height != headers[1].Height {
		return fmt.Errorf("%w: heights %d and %d", ismp.ErrNoConflict, headers[0].Height, headers[1].Height)
	}
	if bytes.Equal(headers[0].Hash(), headers[1].Hash()) {
		return fmt.Errorf("%w: identical headers at %d", ismp.ErrNoConflict, headers[0].Height)
	}
	return nil
}
