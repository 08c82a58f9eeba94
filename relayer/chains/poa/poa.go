// Package poa verifies proof of authority chains whose validators seal
// headers with secp256k1 signatures in the clique extra data layout.
package poa

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/clique"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/ethereum"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

// Client is the proof of authority consensus client.
type Client struct {
	log   *zap.Logger
	hosts ethereum.EvmHosts
}

var (
	_ ismp.ConsensusClient         = (*Client)(nil)
	_ ismp.ConsensusStateValidator = (*Client)(nil)
)

func NewClient(log *zap.Logger, hosts ethereum.EvmHosts) *Client {
	return &Client{
		log:   log.With(zap.String("client", ismp.PoAClientID.String())),
		hosts: hosts,
	}
}

func (c *Client) ClientID() ismp.ConsensusClientID { return ismp.PoAClientID }

func (c *Client) StateMachine(id ismp.StateMachine) (ismp.StateMachineClient, error) {
	return c.hosts.StateMachine(ismp.PoAClientID, id)
}

func (c *Client) ValidateConsensusState(bz []byte) error {
	cs, err := DecodeConsensusState(bz)
	if err != nil {
		return err
	}
	if len(cs.Validators) == 0 {
		return fmt.Errorf("%w: empty validator set", ismp.ErrInvalidProof)
	}
	if cs.EpochLength == 0 {
		return fmt.Errorf("%w: epoch length must be positive", ismp.ErrInvalidProof)
	}
	seen := make(map[common.Address]struct{}, len(cs.Validators))
	for _, v := range cs.Validators {
		if _, ok := seen[v]; ok {
			return fmt.Errorf("%w: duplicate validator %s", ismp.ErrInvalidProof, v)
		}
		seen[v] = struct{}{}
	}
	return nil
}

// Signer recovers the validator that sealed h.
func Signer(h *types.Header) (common.Address, error) {
	if len(h.Extra) < ExtraVanity+ExtraSeal {
		return common.Address{}, fmt.Errorf("%w: %w: header %d", ismp.ErrInvalidProof, ErrMissingSeal, h.Number)
	}
	sig := h.Extra[len(h.Extra)-ExtraSeal:]
	pub, err := crypto.SigToPub(clique.SealHash(h).Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: header %d: %v", ismp.ErrInvalidSignature, h.Number, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// quorum reports whether n distinct validators of a set of size are more
// than two thirds of it.
func quorum(n, size int) bool { return 3*n > 2*size }

// verifySeals recovers the signer of every header and checks it belongs to
// the trusted set.
func verifySeals(cs *ConsensusState, headers []*types.Header) ([]common.Address, error) {
	signers := make([]common.Address, len(headers))
	for i, h := range headers {
		signer, err := Signer(h)
		if err != nil {
			return nil, err
		}
		if !cs.isValidator(signer) {
			return nil, fmt.Errorf("%w: %w: %s sealed header %d", ismp.ErrInvalidSignature, ErrUnknownValidator, signer, h.Number)
		}
		signers[i] = signer
	}
	return signers, nil
}

// finalizedIndex is the highest header whose descendants, itself included,
// are sealed by a quorum of distinct validators. It returns -1 when no
// header reaches quorum.
func finalizedIndex(signers []common.Address, size int) int {
	seen := make(map[common.Address]struct{}, size)
	for i := len(signers) - 1; i >= 0; i-- {
		seen[signers[i]] = struct{}{}
		if quorum(len(seen), size) {
			return i
		}
	}
	return -1
}

// finalize checks that u extends the trusted head, that every header is
// sealed by a trusted validator and returns the highest header a quorum
// of them has built on.
func finalize(cs *ConsensusState, u *Update) (*types.Header, error) {
	if len(u.Headers) == 0 {
		return nil, fmt.Errorf("%w: update has no headers", ismp.ErrInvalidProof)
	}

	parent, number := cs.LatestHash, cs.LatestHeight
	for _, h := range u.Headers {
		if h.Number == nil || !h.Number.IsUint64() {
			return nil, fmt.Errorf("%w: header without a number", ismp.ErrInvalidProof)
		}
		if h.Number.Uint64() <= cs.LatestHeight {
			return nil, fmt.Errorf("%w: header %d, trusted height %d", ismp.ErrStaleHeight, h.Number, cs.LatestHeight)
		}
		if h.ParentHash != parent || h.Number.Uint64() != number+1 {
			return nil, fmt.Errorf("%w: header %d does not extend %s at %d", ismp.ErrBrokenAncestry, h.Number, parent, number)
		}
		parent, number = h.Hash(), h.Number.Uint64()
	}

	signers, err := verifySeals(cs, u.Headers)
	if err != nil {
		return nil, err
	}
	target := finalizedIndex(signers, len(cs.Validators))
	if target < 0 {
		return nil, fmt.Errorf("%w: no header sealed by a quorum of %d validators", ismp.ErrInsufficientProofs, len(cs.Validators))
	}

	finalized := u.Headers[target]
	for _, h := range u.Headers[:target] {
		if h.Number.Uint64()%cs.EpochLength == 0 {
			return nil, fmt.Errorf("%w: %w: epoch header %d precedes finalized header %d",
				ismp.ErrInvalidProof, ErrEpochNotFinal, h.Number, finalized.Number)
		}
	}
	return finalized, nil
}

func (c *Client) VerifyConsensus(_ ismp.Host, id ismp.ConsensusStateID, trusted, proof []byte) ([]byte, ismp.StateCommitments, error) {
	cs, err := DecodeConsensusState(trusted)
	if err != nil {
		return nil, nil, err
	}
	u, err := DecodeUpdate(proof)
	if err != nil {
		return nil, nil, err
	}
	finalized, err := finalize(cs, u)
	if err != nil {
		return nil, nil, err
	}

	height := finalized.Number.Uint64()
	if height%cs.EpochLength == 0 {
		validators, err := epochValidators(finalized)
		if err != nil {
			return nil, nil, err
		}
		cs.Validators = validators
		c.log.Info("Validator set rotated",
			zap.String("consensus_state_id", id.String()),
			zap.Uint64("height", height),
			zap.Int("validators", len(validators)),
		)
	}
	cs.LatestHeight, cs.LatestHash = height, finalized.Hash()

	smID := ismp.StateMachineID{StateID: ismp.EvmStateMachine(cs.ChainID), ConsensusStateID: id}
	commitments := ismp.StateCommitments{
		smID: {{
			Commitment: ismp.StateCommitment{Timestamp: finalized.Time, StateRoot: finalized.Root},
			Height:     height,
		}},
	}
	enc, err := cs.Encode()
	if err != nil {
		return nil, nil, err
	}
	c.log.Debug("Verified poa headers",
		zap.String("consensus_state_id", id.String()),
		zap.Uint64("height", height),
		zap.Int("headers", len(u.Headers)),
	)
	return enc, commitments, nil
}

// VerifyFraudProof accepts two updates that each extend the trusted head to
// a quorum finalized header, where the finalized headers share a height but
// not a hash. Competing headers without quorum are ordinary forks and prove
// nothing.
func (c *Client) VerifyFraudProof(_ ismp.Host, trusted, proof1, proof2 []byte) error {
	cs, err := DecodeConsensusState(trusted)
	if err != nil {
		return err
	}
	var finalized [2]*types.Header
	for i, bz := range [][]byte{proof1, proof2} {
		u, err := DecodeUpdate(bz)
		if err != nil {
			return err
		}
		if finalized[i], err = finalize(cs, u); err != nil {
			return fmt.Errorf("fraud proof %d: %w", i+1, err)
		}
	}
	a, b := finalized[0], finalized[1]
	if a.Number.Cmp(b.Number) != 0 {
		return fmt.Errorf("%w: finalized heights %d and %d", ismp.ErrNoConflict, a.Number, b.Number)
	}
	if a.Hash() == b.Hash() {
		return fmt.Errorf("%w: identical finalized headers at %d", ismp.ErrNoConflict, a.Number)
	}
	return nil
}
