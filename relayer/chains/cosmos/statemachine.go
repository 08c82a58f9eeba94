package cosmos

import (
	"errors"
	"fmt"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/trie/merkle"
)

// Key prefixes of the commitment entries in the ISMP store.
var (
	RequestCommitmentPrefix  = []byte("requests/")
	ResponseCommitmentPrefix = []byte("responses/")
)

// Ics23StateMachineClient verifies ICS23 proofs of an SDK multistore. The
// state root of a commitment is the app hash.
type Ics23StateMachineClient struct {
	id       ismp.StateMachine
	storeKey []byte
}

var _ ismp.StateMachineClient = (*Ics23StateMachineClient)(nil)

func NewIcs23StateMachineClient(id ismp.StateMachine, storeKey []byte) *Ics23StateMachineClient {
	return &Ics23StateMachineClient{id: id, storeKey: storeKey}
}

func (c *Ics23StateMachineClient) StateTrieKey(item ismp.RequestResponse) [][]byte {
	prefix := RequestCommitmentPrefix
	if item.Kind == ismp.ResponseCommitment {
		prefix = ResponseCommitmentPrefix
	}
	keys := make([][]byte, 0, len(item.Commitments))
	for _, commitment := range item.Commitments {
		keys = append(keys, append(append([]byte(nil), prefix...), commitment[:]...))
	}
	return keys
}

func (c *Ics23StateMachineClient) verify(keys [][]byte, root ismp.StateCommitment, proof ismp.Proof) (map[string][]byte, error) {
	sp, err := merkle.DecodeStateProof(proof.Proof)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ismp.ErrProofDecode, err)
	}
	values, err := sp.VerifyKeys(merkle.SDKSpecs, root.StateRoot[:], c.storeKey, keys)
	switch {
	case err == nil:
		return values, nil
	case errors.Is(err, merkle.ErrProofCount), errors.Is(err, merkle.ErrKeyMismatch):
		return nil, fmt.Errorf("%w: %v", ismp.ErrKeySetMismatch, err)
	default:
		return nil, fmt.Errorf("%w: %v", ismp.ErrInvalidProof, err)
	}
}

func (c *Ics23StateMachineClient) VerifyMembership(_ ismp.Host, item ismp.RequestResponse, root ismp.StateCommitment, proof ismp.Proof) error {
	keys := c.StateTrieKey(item)
	values, err := c.verify(keys, root, proof)
	if err != nil {
		return err
	}
	for i, key := range keys {
		if values[string(key)] == nil {
			return fmt.Errorf("%w: %s commitment %s on %s", ismp.ErrValueNotFound, item.Kind, item.Commitments[i], c.id)
		}
	}
	return nil
}

// VerifyStateProof reads raw keys of the ISMP store.
func (c *Ics23StateMachineClient) VerifyStateProof(_ ismp.Host, keys [][]byte, root ismp.StateCommitment, proof ismp.Proof) (map[string][]byte, error) {
	return c.verify(keys, root, proof)
}
