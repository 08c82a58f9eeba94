package finality

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/substrate"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/trie/mmr"
)

// Beefy is the BEEFY consensus client. It follows the relay chain through
// signed MMR roots and reads parachain heads from the latest MMR leaf.
type Beefy struct {
	log *zap.Logger
}

var (
	_ ismp.ConsensusClient         = (*Beefy)(nil)
	_ ismp.ConsensusStateValidator = (*Beefy)(nil)
)

func NewBeefy(log *zap.Logger) *Beefy {
	return &Beefy{log: log.With(zap.String("client", ismp.BeefyClientID.String()))}
}

func (b *Beefy) ClientID() ismp.ConsensusClientID { return ismp.BeefyClientID }

func (b *Beefy) StateMachine(id ismp.StateMachine) (ismp.StateMachineClient, error) {
	return supportedStateMachine(ismp.BeefyClientID, id)
}

func decodeBeefyState(bz []byte) (*BeefyConsensusState, error) {
	var cs BeefyConsensusState
	if err := scale.Unmarshal(bz, &cs); err != nil {
		return nil, fmt.Errorf("%w: beefy consensus state: %v", ismp.ErrProofDecode, err)
	}
	return &cs, nil
}

func decodeBeefyUpdate(bz []byte) (*BeefyUpdate, error) {
	var u BeefyUpdate
	if err := scale.Unmarshal(bz, &u); err != nil {
		return nil, fmt.Errorf("%w: beefy update: %v", ismp.ErrProofDecode, err)
	}
	return &u, nil
}

func (b *Beefy) ValidateConsensusState(bz []byte) error {
	cs, err := decodeBeefyState(bz)
	if err != nil {
		return err
	}
	if cs.CurrentAuthorities.Len == 0 || cs.NextAuthorities.Len == 0 {
		return fmt.Errorf("%w: empty beefy authority set", ErrAuthoritySetNotFound)
	}
	if len(cs.ParaIDs) > 0 && cs.RelayChain != ismp.StateMachinePolkadot && cs.RelayChain != ismp.StateMachineKusama {
		return fmt.Errorf("%w: parachains need a polkadot or kusama relay chain", ismp.ErrInvalidProof)
	}
	return nil
}

// beefyThreshold is the signature count a commitment needs: 2/3 + 1.
func beefyThreshold(setLen uint32) int {
	return int(2*setLen/3 + 1)
}

// recoverAddress returns the signer address of a BEEFY signature. The
// recovery id may be given in the 27/28 form.
func recoverAddress(hash common.Hash, sig [crypto.SignatureLength]byte) (common.Address, error) {
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash[:], sig[:])
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// AuthorityLeaf is the leaf of an authority in the authority set merkle tree.
func AuthorityLeaf(addr common.Address) common.Hash {
	return crypto.Keccak256Hash(addr[:])
}

// verifySignedCommitment checks the signatures of sc against the current or
// next authority set and returns the set that signed.
func verifySignedCommitment(cs *BeefyConsensusState, sc *SignedCommitment, authorityProof []common.Hash) (BeefyAuthoritySet, error) {
	var set BeefyAuthoritySet
	switch sc.Commitment.ValidatorSetID {
	case cs.CurrentAuthorities.ID:
		set = cs.CurrentAuthorities
	case cs.NextAuthorities.ID:
		set = cs.NextAuthorities
	default:
		return set, fmt.Errorf("%w: %w: set %d, trusted %d and %d", ismp.ErrInvalidProof, ErrUnknownAuthoritySet,
			sc.Commitment.ValidatorSetID, cs.CurrentAuthorities.ID, cs.NextAuthorities.ID)
	}
	if threshold := beefyThreshold(set.Len); len(sc.Signatures) < threshold {
		return set, fmt.Errorf("%w: %d signatures, need %d of %d", ismp.ErrInsufficientProofs, len(sc.Signatures), threshold, set.Len)
	}

	hash, err := sc.Commitment.Hash()
	if err != nil {
		return set, err
	}
	leaves := make([]mmr.Leaf, 0, len(sc.Signatures))
	seen := make(map[uint32]struct{}, len(sc.Signatures))
	for _, s := range sc.Signatures {
		if s.Index >= set.Len {
			return set, fmt.Errorf("%w: authority index %d out of range %d", ismp.ErrInvalidSignature, s.Index, set.Len)
		}
		if _, dup := seen[s.Index]; dup {
			return set, fmt.Errorf("%w: duplicate signature from authority %d", ismp.ErrInvalidProof, s.Index)
		}
		seen[s.Index] = struct{}{}
		addr, err := recoverAddress(hash, s.Signature)
		if err != nil {
			return set, fmt.Errorf("%w: authority %d: %v", ismp.ErrInvalidSignature, s.Index, err)
		}
		leaves = append(leaves, mmr.Leaf{Index: uint64(s.Index), Hash: AuthorityLeaf(addr)})
	}
	proof := mmr.MultiProof{LeafCount: uint64(set.Len), Items: authorityProof}
	if err := proof.Verify(set.Root, leaves); err != nil {
		return set, fmt.Errorf("%w: signers are not in authority set %d: %v", ismp.ErrInvalidSignature, set.ID, err)
	}
	return set, nil
}

func (b *Beefy) VerifyConsensus(_ ismp.Host, id ismp.ConsensusStateID, trusted, proof []byte) ([]byte, ismp.StateCommitments, error) {
	cs, err := decodeBeefyState(trusted)
	if err != nil {
		return nil, nil, err
	}
	u, err := decodeBeefyUpdate(proof)
	if err != nil {
		return nil, nil, err
	}
	commitment := &u.SignedCommitment.Commitment
	if commitment.BlockNumber <= cs.LatestBeefyHeight {
		return nil, nil, fmt.Errorf("%w: commitment #%d, trusted #%d", ismp.ErrStaleHeight, commitment.BlockNumber, cs.LatestBeefyHeight)
	}
	set, err := verifySignedCommitment(cs, &u.SignedCommitment, u.AuthorityProof)
	if err != nil {
		return nil, nil, err
	}

	mmrRoot, ok := commitment.MmrRoot()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %w", ismp.ErrInvalidProof, ErrMissingMmrRoot)
	}
	leaf := &u.LatestMmrLeaf
	if leaf.ParentNumber+1 != commitment.BlockNumber || u.MmrLeafIndex+1 != u.MmrLeafCount {
		return nil, nil, fmt.Errorf("%w: leaf %d of %d with parent #%d is not the latest leaf of #%d",
			ismp.ErrInvalidProof, u.MmrLeafIndex, u.MmrLeafCount, leaf.ParentNumber, commitment.BlockNumber)
	}
	leafHash, err := leaf.Hash()
	if err != nil {
		return nil, nil, err
	}
	mmrProof := mmr.Proof{LeafCount: u.MmrLeafCount, Items: u.MmrProof}
	if err := mmrProof.Verify(mmrRoot, []mmr.Leaf{{Index: u.MmrLeafIndex, Hash: leafHash}}); err != nil {
		return nil, nil, fmt.Errorf("%w: mmr leaf: %v", ismp.ErrInvalidProof, err)
	}

	commitments := make(ismp.StateCommitments)
	if err := b.verifyParachainHeads(cs, id, u, commitments); err != nil {
		return nil, nil, err
	}
	sortCommitments(commitments)

	if set.ID == cs.NextAuthorities.ID {
		cs.CurrentAuthorities = cs.NextAuthorities
		cs.NextAuthorities = leaf.NextAuthoritySet
		b.log.Info("Authority set rotated",
			zap.String("consensus_state_id", id.String()),
			zap.Uint64("set_id", cs.CurrentAuthorities.ID),
		)
	} else if leaf.NextAuthoritySet.ID > cs.NextAuthorities.ID {
		cs.NextAuthorities = leaf.NextAuthoritySet
	}
	cs.LatestBeefyHeight = commitment.BlockNumber
	cs.MmrRootHash = mmrRoot

	enc, err := scale.Marshal(cs)
	if err != nil {
		return nil, nil, err
	}
	b.log.Debug("Verified beefy commitment",
		zap.String("consensus_state_id", id.String()),
		zap.Uint32("height", commitment.BlockNumber),
		zap.Int("signatures", len(u.SignedCommitment.Signatures)),
		zap.Int("parachains", len(u.Heads)),
	)
	return enc, commitments, nil
}

func (b *Beefy) verifyParachainHeads(cs *BeefyConsensusState, id ismp.ConsensusStateID, u *BeefyUpdate, out ismp.StateCommitments) error {
	if len(u.Heads) == 0 {
		return nil
	}
	leaves := make([]mmr.Leaf, 0, len(u.Heads))
	for _, h := range u.Heads {
		if !trackedPara(cs.ParaIDs, h.ParaID) {
			return fmt.Errorf("%w: %w: %d", ismp.ErrInvalidProof, substrate.ErrUnknownParachain, h.ParaID)
		}
		leaves = append(leaves, mmr.Leaf{Index: uint64(h.Index), Hash: h.LeafHash()})
	}
	proof := mmr.MultiProof{LeafCount: uint64(u.HeadsLeafCount), Items: u.HeadsProof}
	if err := proof.Verify(u.LatestMmrLeaf.ParachainHeadsRoot, leaves); err != nil {
		return fmt.Errorf("%w: parachain heads: %v", ismp.ErrInvalidProof, err)
	}
	for _, h := range u.Heads {
		header, err := substrate.DecodeHeader(h.Header)
		if err != nil {
			return fmt.Errorf("%w: para %d: %v", ismp.ErrProofDecode, h.ParaID, err)
		}
		if header.Number == 0 {
			continue
		}
		c, err := stateMachineCommitment(header, cs.SlotDuration)
		if err != nil {
			return err
		}
		smID := ismp.StateMachineID{
			StateID:          ismp.StateMachine{Kind: cs.RelayChain, ID: h.ParaID},
			ConsensusStateID: id,
		}
		out[smID] = append(out[smID], c)
	}
	return nil
}

// VerifyFraudProof accepts two commitments for the same block signed by a
// trusted authority set with different payloads.
func (b *Beefy) VerifyFraudProof(_ ismp.Host, trusted, proof1, proof2 []byte) error {
	cs, err := decodeBeefyState(trusted)
	if err != nil {
		return err
	}
	var (
		numbers [2]uint32
		hashes  [2]common.Hash
	)
	for i, bz := range [][]byte{proof1, proof2} {
		u, err := decodeBeefyUpdate(bz)
		if err != nil {
			return err
		}
		if _, err := verifySignedCommitment(cs, &u.SignedCommitment, u.AuthorityProof); err != nil {
			return fmt.Errorf("fraud proof %d: %w", i+1, err)
		}
		numbers[i] = u.SignedCommitment.Commitment.BlockNumber
		if hashes[i], err = u.SignedCommitment.Commitment.Hash(); err != nil {
			return err
		}
	}
	if numbers[0] != numbers[1] {
		return fmt.Errorf("%w: commitments for #%d and #%d", ismp.ErrNoConflict, numbers[0], numbers[1])
	}
	if hashes[0] == hashes[1] {
		return fmt.Errorf("%w: identical commitments for #%d", ismp.ErrNoConflict, numbers[0])
	}
	return nil
}
