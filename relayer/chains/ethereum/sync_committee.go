package ethereum

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

// SyncCommitteeClient is the beacon chain light client. It follows
// finalized beacon headers signed by the sync committee and commits to the
// execution state root of each finalized block.
type SyncCommitteeClient struct {
	log   *zap.Logger
	hosts EvmHosts
}

var (
	_ ismp.ConsensusClient         = (*SyncCommitteeClient)(nil)
	_ ismp.ConsensusStateValidator = (*SyncCommitteeClient)(nil)
)

func NewSyncCommitteeClient(log *zap.Logger, hosts EvmHosts) *SyncCommitteeClient {
	return &SyncCommitteeClient{
		log:   log.With(zap.String("client", ismp.SyncCommitteeClientID.String())),
		hosts: hosts,
	}
}

func (c *SyncCommitteeClient) ClientID() ismp.ConsensusClientID { return ismp.SyncCommitteeClientID }

func (c *SyncCommitteeClient) StateMachine(id ismp.StateMachine) (ismp.StateMachineClient, error) {
	return c.hosts.StateMachine(ismp.SyncCommitteeClientID, id)
}

func decodeSyncCommitteeState(bz []byte) (*SyncCommitteeConsensusState, error) {
	var cs SyncCommitteeConsensusState
	if err := scale.Unmarshal(bz, &cs); err != nil {
		return nil, fmt.Errorf("%w: sync committee consensus state: %v", ismp.ErrProofDecode, err)
	}
	return &cs, nil
}

func decodeSyncCommitteeUpdate(bz []byte) (*SyncCommitteeUpdate, error) {
	var u SyncCommitteeUpdate
	if err := scale.Unmarshal(bz, &u); err != nil {
		return nil, fmt.Errorf("%w: sync committee update: %v", ismp.ErrProofDecode, err)
	}
	return &u, nil
}

func (c *SyncCommitteeClient) ValidateConsensusState(bz []byte) error {
	cs, err := decodeSyncCommitteeState(bz)
	if err != nil {
		return err
	}
	size := cs.Preset.SyncCommitteeSize()
	if len(cs.CurrentSyncCommittee.PubKeys) != size {
		return fmt.Errorf("%w: current sync committee has %d members, want %d",
			ismp.ErrInvalidProof, len(cs.CurrentSyncCommittee.PubKeys), size)
	}
	if cs.NextSyncCommittee != nil && len(cs.NextSyncCommittee.PubKeys) != size {
		return fmt.Errorf("%w: next sync committee has %d members, want %d",
			ismp.ErrInvalidProof, len(cs.NextSyncCommittee.PubKeys), size)
	}
	if len(cs.Forks) == 0 {
		return fmt.Errorf("%w: empty fork schedule", ismp.ErrInvalidProof)
	}
	for i := 1; i < len(cs.Forks); i++ {
		if cs.Forks[i].Epoch <= cs.Forks[i-1].Epoch {
			return fmt.Errorf("%w: fork schedule is not ascending", ismp.ErrInvalidProof)
		}
	}
	return nil
}

// SigningRoot is the message the sync committee signs for a block root.
func SigningRoot(blockRoot common.Hash, forkVersion [4]byte, genesisValidatorsRoot common.Hash) common.Hash {
	forkDataRoot := containerRoot(forkVersion[:], genesisValidatorsRoot[:])
	var domain common.Hash
	copy(domain[:4], domainSyncCommittee[:])
	copy(domain[4:], forkDataRoot[:28])
	return containerRoot(blockRoot[:], domain[:])
}

func verifyExecutionPayload(p *ExecutionPayloadProof, bodyRoot common.Hash) error {
	checks := []struct {
		name   string
		leaf   common.Hash
		branch []common.Hash
		gindex uint64
		root   common.Hash
	}{
		{"state root", p.StateRoot, p.StateRootBranch, payloadStateRootGindex, p.PayloadRoot},
		{"block number", uint64Leaf(p.BlockNumber), p.BlockNumberBranch, payloadBlockNumberGindex, p.PayloadRoot},
		{"timestamp", uint64Leaf(p.Timestamp), p.TimestampBranch, payloadTimestampGindex, p.PayloadRoot},
		{"execution payload", p.PayloadRoot, p.PayloadBranch, executionPayloadGindex, bodyRoot},
	}
	for _, c := range checks {
		if !VerifyMerkleBranch(c.leaf, c.branch, c.gindex, c.root) {
			return fmt.Errorf("%w: %w: %s", ismp.ErrInvalidProof, ErrInvalidBranch, c.name)
		}
	}
	return nil
}

// verifyUpdate checks everything about u except its freshness: the slot
// order, the finality and next committee branches, the execution payload and
// the aggregate signature of the committee trusted for the signature period.
func (c *SyncCommitteeClient) verifyUpdate(cs *SyncCommitteeConsensusState, u *SyncCommitteeUpdate) error {
	if u.SignatureSlot <= u.AttestedHeader.Slot || u.AttestedHeader.Slot < u.FinalizedHeader.Slot {
		return fmt.Errorf("%w: signature slot %d, attested slot %d, finalized slot %d",
			ismp.ErrInvalidProof, u.SignatureSlot, u.AttestedHeader.Slot, u.FinalizedHeader.Slot)
	}
	preset := cs.Preset
	storePeriod := preset.period(cs.FinalizedHeader.Slot)
	committee := &cs.CurrentSyncCommittee
	switch signaturePeriod := preset.period(u.SignatureSlot); {
	case signaturePeriod == storePeriod:
	case signaturePeriod == storePeriod+1 && cs.NextSyncCommittee != nil:
		committee = cs.NextSyncCommittee
	default:
		return fmt.Errorf("%w: %w: period %d, trusted period %d",
			ismp.ErrInvalidProof, ErrSyncCommitteeUnknown, signaturePeriod, storePeriod)
	}

	size := preset.SyncCommitteeSize()
	bits, err := preset.participation(u.SyncAggregate.Bits)
	if err != nil {
		return fmt.Errorf("%w: %v", ismp.ErrProofDecode, err)
	}
	if len(committee.PubKeys) != size {
		return fmt.Errorf("%w: trusted committee has %d members, want %d", ismp.ErrInvalidProof, len(committee.PubKeys), size)
	}
	participants := make([]int, 0, size)
	for i := 0; i < size; i++ {
		if bits.BitAt(uint64(i)) {
			participants = append(participants, i)
		}
	}
	if 3*len(participants) <= 2*size {
		return fmt.Errorf("%w: %d of %d sync committee members signed", ismp.ErrInsufficientProofs, len(participants), size)
	}

	if !VerifyMerkleBranch(u.FinalizedHeader.HashTreeRoot(), u.FinalityBranch, finalizedRootGindex, u.AttestedHeader.StateRoot) {
		return fmt.Errorf("%w: %w: finalized header", ismp.ErrInvalidProof, ErrInvalidBranch)
	}
	if u.NextSyncCommittee != nil {
		if len(u.NextSyncCommittee.PubKeys) != size {
			return fmt.Errorf("%w: next sync committee has %d members", ismp.ErrInvalidProof, len(u.NextSyncCommittee.PubKeys))
		}
		root := u.NextSyncCommittee.HashTreeRoot()
		if !VerifyMerkleBranch(root, u.NextSyncCommitteeBranch, nextSyncCommitteeGindex, u.AttestedHeader.StateRoot) {
			return fmt.Errorf("%w: %w: next sync committee", ismp.ErrInvalidProof, ErrInvalidBranch)
		}
		if preset.period(u.AttestedHeader.Slot) == storePeriod && cs.NextSyncCommittee != nil &&
			cs.NextSyncCommittee.HashTreeRoot() != root {
			return fmt.Errorf("%w: next sync committee differs from the trusted one", ismp.ErrInvalidProof)
		}
	}
	if err := verifyExecutionPayload(&u.ExecutionPayload, u.FinalizedHeader.BodyRoot); err != nil {
		return err
	}

	slot := u.SignatureSlot
	if slot > 0 {
		slot--
	}
	version, ok := cs.forkVersion(slot / preset.SlotsPerEpoch())
	if !ok {
		return fmt.Errorf("%w: no fork version at slot %d", ismp.ErrInvalidProof, slot)
	}
	msg := SigningRoot(u.AttestedHeader.HashTreeRoot(), version, cs.GenesisValidatorsRoot)
	if err := verifyAggregate(committee, participants, msg[:], u.SyncAggregate.Signature); err != nil {
		return fmt.Errorf("%w: sync aggregate at slot %d: %v", ismp.ErrInvalidSignature, u.SignatureSlot, err)
	}
	return nil
}

func (c *SyncCommitteeClient) VerifyConsensus(_ ismp.Host, id ismp.ConsensusStateID, trusted, proof []byte) ([]byte, ismp.StateCommitments, error) {
	cs, err := decodeSyncCommitteeState(trusted)
	if err != nil {
		return nil, nil, err
	}
	u, err := decodeSyncCommitteeUpdate(proof)
	if err != nil {
		return nil, nil, err
	}
	if u.FinalizedHeader.Slot <= cs.FinalizedHeader.Slot {
		return nil, nil, fmt.Errorf("%w: finalized slot %d, trusted slot %d",
			ismp.ErrStaleHeight, u.FinalizedHeader.Slot, cs.FinalizedHeader.Slot)
	}
	if err := c.verifyUpdate(cs, u); err != nil {
		return nil, nil, err
	}

	storePeriod := cs.Preset.period(cs.FinalizedHeader.Slot)
	finalizedPeriod := cs.Preset.period(u.FinalizedHeader.Slot)
	switch {
	case cs.NextSyncCommittee == nil:
		if finalizedPeriod != storePeriod {
			return nil, nil, fmt.Errorf("%w: %w: finalized period %d skips trusted period %d",
				ismp.ErrInvalidProof, ErrSyncCommitteeUnknown, finalizedPeriod, storePeriod)
		}
		if u.NextSyncCommittee != nil && cs.Preset.period(u.AttestedHeader.Slot) == storePeriod {
			cs.NextSyncCommittee = u.NextSyncCommittee
		}
	case finalizedPeriod == storePeriod+1:
		cs.CurrentSyncCommittee = *cs.NextSyncCommittee
		cs.NextSyncCommittee = nil
		if u.NextSyncCommittee != nil && cs.Preset.period(u.AttestedHeader.Slot) == finalizedPeriod {
			cs.NextSyncCommittee = u.NextSyncCommittee
		}
		c.log.Info("Sync committee rotated",
			zap.String("consensus_state_id", id.String()),
			zap.Uint64("period", finalizedPeriod),
		)
	}
	cs.FinalizedHeader = u.FinalizedHeader

	payload := &u.ExecutionPayload
	smID := ismp.StateMachineID{StateID: ismp.EvmStateMachine(cs.ChainID), ConsensusStateID: id}
	commitments := ismp.StateCommitments{
		smID: {{
			Commitment: ismp.StateCommitment{Timestamp: payload.Timestamp, StateRoot: payload.StateRoot},
			Height:     payload.BlockNumber,
		}},
	}

	enc, err := scale.Marshal(cs)
	if err != nil {
		return nil, nil, err
	}
	c.log.Debug("Verified sync committee update",
		zap.String("consensus_state_id", id.String()),
		zap.Uint64("slot", u.FinalizedHeader.Slot),
		zap.Uint64("height", payload.BlockNumber),
	)
	return enc, commitments, nil
}

// VerifyFraudProof accepts two updates signed by a trusted sync committee
// that finalize different beacon blocks at the same slot.
func (c *SyncCommitteeClient) VerifyFraudProof(_ ismp.Host, trusted, proof1, proof2 []byte) error {
	cs, err := decodeSyncCommitteeState(trusted)
	if err != nil {
		return err
	}
	var headers [2]BeaconBlockHeader
	for i, bz := range [][]byte{proof1, proof2} {
		u, err := decodeSyncCommitteeUpdate(bz)
		if err != nil {
			return err
		}
		if err := c.verifyUpdate(cs, u); err != nil {
			return fmt.Errorf("fraud proof %d: %w", i+1, err)
		}
		headers[i] = u.FinalizedHeader
	}
	if headers[0].Slot != headers[1].Slot {
		return fmt.Errorf("%w: finalized slots %d and %d", ismp.ErrNoConflict, headers[0].Slot, headers[1].Slot)
	}
	if headers[0].HashTreeRoot() == headers[1].HashTreeRoot() {
		return fmt.Errorf("%w: both updates finalize the same block at slot %d", ismp.ErrNoConflict, headers[0].Slot)
	}
	return nil
}
