package finality

import (
	"crypto/ed25519"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/substrate"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	trie "github.com/polytope-labs/hyperbridge-sub013/relayer/trie/substrate"
)

// Grandpa is the GRANDPA consensus client.
type Grandpa struct {
	log *zap.Logger
}

var (
	_ ismp.ConsensusClient         = (*Grandpa)(nil)
	_ ismp.ConsensusStateValidator = (*Grandpa)(nil)
)

func NewGrandpa(log *zap.Logger) *Grandpa {
	return &Grandpa{log: log.With(zap.String("client", ismp.GrandpaClientID.String()))}
}

func (g *Grandpa) ClientID() ismp.ConsensusClientID { return ismp.GrandpaClientID }

func (g *Grandpa) StateMachine(id ismp.StateMachine) (ismp.StateMachineClient, error) {
	return supportedStateMachine(ismp.GrandpaClientID, id)
}

func decodeGrandpaState(bz []byte) (*GrandpaConsensusState, error) {
	var cs GrandpaConsensusState
	if err := scale.Unmarshal(bz, &cs); err != nil {
		return nil, fmt.Errorf("%w: grandpa consensus state: %v", ismp.ErrProofDecode, err)
	}
	return &cs, nil
}

func (g *Grandpa) ValidateConsensusState(bz []byte) error {
	cs, err := decodeGrandpaState(bz)
	if err != nil {
		return err
	}
	if len(cs.CurrentAuthorities) == 0 {
		return fmt.Errorf("%w: set %d", ErrAuthoritySetNotFound, cs.CurrentSetID)
	}
	if cs.SlotDuration == 0 {
		return fmt.Errorf("%w: slot duration must be positive", ismp.ErrInvalidProof)
	}
	return nil
}

// voteThreshold is the weight a commit needs: more than two thirds of total.
func voteThreshold(total uint64) uint64 {
	if total == 0 {
		return 0
	}
	return total - (total-1)/3
}

// verifyJustification checks that j finalizes its target under the given
// authority set: every precommit is signed by a distinct voter, votes for a
// descendant of the target proven by the votes ancestries, and the signers
// carry enough weight.
func verifyJustification(j *Justification, setID uint64, authorities []Authority) error {
	if len(j.Commit.Precommits) == 0 {
		return fmt.Errorf("%w: justification has no precommits", ismp.ErrInsufficientProofs)
	}
	weights := make(map[[ed25519.PublicKeySize]byte]uint64, len(authorities))
	var total uint64
	for _, a := range authorities {
		weights[a.Key] += a.Weight
		total += a.Weight
	}

	ancestry, err := NewAncestryChain(j.VotesAncestries)
	if err != nil {
		return err
	}
	seen := make(map[[ed25519.PublicKeySize]byte]struct{}, len(j.Commit.Precommits))
	var signed uint64
	for _, p := range j.Commit.Precommits {
		weight, ok := weights[p.ID]
		if !ok {
			return fmt.Errorf("%w: %x", ErrUnknownAuthority, p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: duplicate precommit from %x", ismp.ErrInvalidProof, p.ID)
		}
		seen[p.ID] = struct{}{}

		msg := PrecommitPayload(p.Precommit, j.Round, setID)
		if !ed25519.Verify(p.ID[:], msg, p.Signature[:]) {
			return fmt.Errorf("%w: precommit from %x in round %d set %d", ismp.ErrInvalidSignature, p.ID, j.Round, setID)
		}
		if p.Precommit.TargetNumber < j.Commit.TargetNumber {
			return fmt.Errorf("%w: precommit for #%d below commit target #%d",
				ismp.ErrBrokenAncestry, p.Precommit.TargetNumber, j.Commit.TargetNumber)
		}
		if p.Precommit.TargetHash != j.Commit.TargetHash {
			if _, err := ancestry.Ancestry(j.Commit.TargetHash, p.Precommit.TargetHash); err != nil {
				return err
			}
		}
		signed += weight
	}
	if unused := ancestry.Unused(); unused != 0 {
		return fmt.Errorf("%w: %d unused votes ancestries", ismp.ErrInvalidProof, unused)
	}
	if threshold := voteThreshold(total); signed < threshold {
		return fmt.Errorf("%w: signed weight %d, need %d of %d", ismp.ErrInsufficientProofs, signed, threshold, total)
	}
	return nil
}

func decodeJustification(bz []byte) (*Justification, error) {
	if len(bz) == 0 {
		return nil, ErrMissingGrandpaJustification
	}
	var j Justification
	if err := scale.Unmarshal(bz, &j); err != nil {
		return nil, fmt.Errorf("%w: justification: %v", ismp.ErrProofDecode, err)
	}
	return &j, nil
}

func decodeGrandpaUpdate(bz []byte) (*GrandpaUpdate, error) {
	var u GrandpaUpdate
	if err := scale.Unmarshal(bz, &u); err != nil {
		return nil, fmt.Errorf("%w: grandpa update: %v", ismp.ErrProofDecode, err)
	}
	return &u, nil
}

// finalizedTarget returns the highest unknown header, which the
// justification must finalize, with its hash.
func finalizedTarget(proof *FinalityProof, j *Justification) (*substrate.Header, common.Hash, error) {
	if len(proof.UnknownHeaders) == 0 {
		return nil, common.Hash{}, fmt.Errorf("%w: no unknown headers", ismp.ErrInvalidProof)
	}
	target := &proof.UnknownHeaders[0]
	for i := range proof.UnknownHeaders {
		if proof.UnknownHeaders[i].Number > target.Number {
			target = &proof.UnknownHeaders[i]
		}
	}
	hash, err := target.Hash()
	if err != nil {
		return nil, common.Hash{}, err
	}
	if hash != j.Commit.TargetHash || target.Number != j.Commit.TargetNumber || hash != proof.Block {
		return nil, common.Hash{}, fmt.Errorf("%w: justification targets %s #%d, highest header is %s #%d",
			ismp.ErrInvalidProof, j.Commit.TargetHash, j.Commit.TargetNumber, hash, target.Number)
	}
	return target, hash, nil
}

func (g *Grandpa) VerifyConsensus(_ ismp.Host, id ismp.ConsensusStateID, trusted, proof []byte) ([]byte, ismp.StateCommitments, error) {
	cs, err := decodeGrandpaState(trusted)
	if err != nil {
		return nil, nil, err
	}
	update, err := decodeGrandpaUpdate(proof)
	if err != nil {
		return nil, nil, err
	}
	j, err := decodeJustification(update.FinalityProof.Justification)
	if err != nil {
		return nil, nil, err
	}
	target, targetHash, err := finalizedTarget(&update.FinalityProof, j)
	if err != nil {
		return nil, nil, err
	}
	if target.Number <= cs.LatestHeight {
		return nil, nil, fmt.Errorf("%w: target #%d, trusted #%d", ismp.ErrStaleHeight, target.Number, cs.LatestHeight)
	}

	chain, err := NewAncestryChain(update.FinalityProof.UnknownHeaders)
	if err != nil {
		return nil, nil, err
	}
	route, err := chain.Ancestry(cs.LatestHash, targetHash)
	if err != nil {
		return nil, nil, err
	}
	if err := verifyJustification(j, cs.CurrentSetID, cs.CurrentAuthorities); err != nil {
		return nil, nil, err
	}

	commitments := make(ismp.StateCommitments)
	if len(cs.ParaIDs) == 0 {
		c, err := stateMachineCommitment(target, cs.SlotDuration)
		if err != nil {
			return nil, nil, err
		}
		smID := ismp.StateMachineID{StateID: cs.StateMachine, ConsensusStateID: id}
		commitments[smID] = append(commitments[smID], c)
	} else if err := g.verifyParachainHeaders(cs, id, chain, route, update.ParachainHeaders, commitments); err != nil {
		return nil, nil, err
	}
	sortCommitments(commitments)

	change, err := findAuthoritySetChange(target)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ismp.ErrInvalidProof, err)
	}
	if change != nil {
		if len(change.NextAuthorities) == 0 {
			return nil, nil, fmt.Errorf("%w: empty next authority set", ErrAuthoritySetNotFound)
		}
		cs.CurrentAuthorities = change.NextAuthorities
		cs.CurrentSetID++
		g.log.Info("Authority set changed",
			zap.String("consensus_state_id", id.String()),
			zap.Uint64("set_id", cs.CurrentSetID),
			zap.Int("authorities", len(cs.CurrentAuthorities)),
			zap.Bool("forced", change.Forced),
		)
	}
	cs.LatestHeight = target.Number
	cs.LatestHash = targetHash

	enc, err := scale.Marshal(cs)
	if err != nil {
		return nil, nil, err
	}
	g.log.Debug("Verified grandpa finality",
		zap.String("consensus_state_id", id.String()),
		zap.Uint32("height", target.Number),
		zap.Int("headers", len(route)),
	)
	return enc, commitments, nil
}

// verifyParachainHeaders reads the heads of tracked parachains from relay
// blocks finalized by this update.
func (g *Grandpa) verifyParachainHeaders(
	cs *GrandpaConsensusState,
	id ismp.ConsensusStateID,
	chain *AncestryChain,
	route []common.Hash,
	proofs map[common.Hash]ParachainHeaderProofs,
	out ismp.StateCommitments,
) error {
	finalized := make(map[common.Hash]struct{}, len(route))
	for _, h := range route {
		finalized[h] = struct{}{}
	}
	for relayHash, p := range proofs {
		if _, ok := finalized[relayHash]; !ok {
			return fmt.Errorf("%w: relay block %s is not finalized by this proof", ismp.ErrInvalidProof, relayHash)
		}
		relay := chain.Header(relayHash)
		keys := make([][]byte, 0, len(p.ParaIDs))
		for _, paraID := range p.ParaIDs {
			if !cs.tracksPara(paraID) {
				return fmt.Errorf("%w: %w: %d", ismp.ErrInvalidProof, substrate.ErrUnknownParachain, paraID)
			}
			keys = append(keys, substrate.ParasHeadsKey(paraID))
		}
		values, err := trie.VerifyProof(trie.Blake2, relay.StateRoot, p.StateProof, keys)
		if err != nil {
			return fmt.Errorf("%w: parachain heads at relay block %s: %v", ismp.ErrInvalidProof, relayHash, err)
		}
		for i, paraID := range p.ParaIDs {
			value := values[string(keys[i])]
			if value == nil {
				return fmt.Errorf("%w: %w: para %d at relay block %s", ismp.ErrInvalidProof, substrate.ErrParachainHeaderNotFound, paraID, relayHash)
			}
			header, err := substrate.DecodeHeadData(value)
			if err != nil {
				return fmt.Errorf("%w: para %d: %v", ismp.ErrProofDecode, paraID, err)
			}
			if header.Number == 0 {
				continue
			}
			c, err := stateMachineCommitment(header, cs.SlotDuration)
			if err != nil {
				return err
			}
			smID := ismp.StateMachineID{
				StateID:          ismp.StateMachine{Kind: cs.StateMachine.Kind, ID: paraID},
				ConsensusStateID: id,
			}
			out[smID] = append(out[smID], c)
		}
	}
	return nil
}

// VerifyFraudProof accepts two valid justifications by the trusted
// authority set that finalize different blocks at the same height.
func (g *Grandpa) VerifyFraudProof(_ ismp.Host, trusted, proof1, proof2 []byte) error {
	cs, err := decodeGrandpaState(trusted)
	if err != nil {
		return err
	}
	var commits [2]Commit
	for i, bz := range [][]byte{proof1, proof2} {
		update, err := decodeGrandpaUpdate(bz)
		if err != nil {
			return err
		}
		j, err := decodeJustification(update.FinalityProof.Justification)
		if err != nil {
			return err
		}
		if err := verifyJustification(j, cs.CurrentSetID, cs.CurrentAuthorities); err != nil {
			return fmt.Errorf("fraud proof %d: %w", i+1, err)
		}
		commits[i] = j.Commit
	}
	if commits[0].TargetNumber != commits[1].TargetNumber {
		return fmt.Errorf("%w: justifications finalize #%d and #%d", ismp.ErrNoConflict, commits[0].TargetNumber, commits[1].TargetNumber)
	}
	if commits[0].TargetHash == commits[1].TargetHash {
		return fmt.Errorf("%w: both justifications finalize %s", ismp.ErrNoConflict, commits[0].TargetHash)
	}
	return nil
}
