package substrate

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	trie "github.com/polytope-labs/hyperbridge-sub013/relayer/trie/substrate"
)

// ProofKind selects the trie a state proof opens.
type ProofKind uint8

const (
	// OverlayProof opens the ISMP child trie committed in the ISMP digest.
	OverlayProof ProofKind = iota
	// MainStateProof opens the block state root.
	MainStateProof
)

// Wire values of the hasher in a state proof.
const (
	hashKeccak uint8 = 0
	hashBlake2 uint8 = 1
)

// StateProof is a trie node proof together with the trie it opens.
type StateProof struct {
	Kind   ProofKind
	Hasher trie.Hasher
	Nodes  [][]byte
}

func (p *StateProof) EncodeSCALE(w *scale.Writer) {
	w.U8(uint8(p.Kind))
	if p.Hasher == trie.Keccak {
		w.U8(hashKeccak)
	} else {
		w.U8(hashBlake2)
	}
	w.VecVecU8(p.Nodes)
}

func (p *StateProof) DecodeSCALE(r *scale.Reader) error {
	kind, err := r.U8()
	if err != nil {
		return err
	}
	if kind > uint8(MainStateProof) {
		return fmt.Errorf("unknown state proof kind %d", kind)
	}
	p.Kind = ProofKind(kind)
	hasher, err := r.U8()
	if err != nil {
		return err
	}
	switch hasher {
	case hashKeccak:
		p.Hasher = trie.Keccak
	case hashBlake2:
		p.Hasher = trie.Blake2
	default:
		return fmt.Errorf("unknown hasher %d", hasher)
	}
	p.Nodes, err = r.VecVecU8()
	return err
}

func DecodeStateProof(bz []byte) (*StateProof, error) {
	var p StateProof
	if err := scale.Unmarshal(bz, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ismp.ErrProofDecode, err)
	}
	return &p, nil
}

func (p *StateProof) root(c ismp.StateCommitment) (common.Hash, error) {
	if p.Kind == MainStateProof {
		return c.StateRoot, nil
	}
	if c.OverlayRoot == nil {
		return common.Hash{}, fmt.Errorf("%w: commitment has no overlay root", ismp.ErrInvalidProof)
	}
	return *c.OverlayRoot, nil
}

func (p *StateProof) read(c ismp.StateCommitment, keys [][]byte) (map[string][]byte, error) {
	root, err := p.root(c)
	if err != nil {
		return nil, err
	}
	values, err := trie.VerifyProof(p.Hasher, root, p.Nodes, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ismp.ErrInvalidProof, err)
	}
	return values, nil
}

// StateMachineClient verifies Substrate trie proofs of ISMP commitments.
type StateMachineClient struct {
	id ismp.StateMachine
}

var _ ismp.StateMachineClient = (*StateMachineClient)(nil)

func NewStateMachineClient(id ismp.StateMachine) *StateMachineClient {
	return &StateMachineClient{id: id}
}

func commitmentKeys(kind ProofKind, item ismp.RequestResponse) [][]byte {
	keys := make([][]byte, 0, len(item.Commitments))
	for _, c := range item.Commitments {
		if kind == MainStateProof {
			keys = append(keys, StateCommitmentKey(item.Kind, c[:]))
		} else {
			keys = append(keys, CommitmentKey(item.Kind, c[:]))
		}
	}
	return keys
}

// StateTrieKey returns the child trie keys of the commitments in item.
func (c *StateMachineClient) StateTrieKey(item ismp.RequestResponse) [][]byte {
	return commitmentKeys(OverlayProof, item)
}

func (c *StateMachineClient) VerifyMembership(_ ismp.Host, item ismp.RequestResponse, root ismp.StateCommitment, proof ismp.Proof) error {
	sp, err := DecodeStateProof(proof.Proof)
	if err != nil {
		return err
	}
	keys := commitmentKeys(sp.Kind, item)
	values, err := sp.read(root, keys)
	if err != nil {
		return err
	}
	for i, k := range keys {
		if values[string(k)] == nil {
			return fmt.Errorf("%w: %s commitment %s on %s", ismp.ErrValueNotFound, item.Kind, item.Commitments[i], c.id)
		}
	}
	return nil
}

func (c *StateMachineClient) VerifyStateProof(_ ismp.Host, keys [][]byte, root ismp.StateCommitment, proof ismp.Proof) (map[string][]byte, error) {
	sp, err := DecodeStateProof(proof.Proof)
	if err != nil {
		return nil, err
	}
	values, err := sp.read(root, keys)
	if err != nil {
		return nil, err
	}
	if len(values) != len(keys) {
		return nil, fmt.Errorf("%w: %d values for %d keys", ismp.ErrKeySetMismatch, len(values), len(keys))
	}
	return values, nil
}
