package ethereum

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/trie/mpt"
)

// Storage slots of the commitment mappings in the host contract.
const (
	RequestCommitmentsSlot  uint64 = 0
	ResponseCommitmentsSlot uint64 = 1
)

// StorageKeyLength is the length of a state proof key: a contract address
// followed by a 32 byte storage slot.
const StorageKeyLength = common.AddressLength + common.HashLength

// EvmHost locates the ISMP host contract of an EVM chain.
type EvmHost struct {
	Address common.Address
	Layout  mpt.SlotLayout
}

// EvmHosts maps chain ids to their host contracts.
type EvmHosts map[uint32]EvmHost

// StateMachine returns the storage verifier of an EVM chain verified by client.
func (h EvmHosts) StateMachine(client ismp.ConsensusClientID, id ismp.StateMachine) (ismp.StateMachineClient, error) {
	if id.Kind != ismp.StateMachineEvm {
		return nil, fmt.Errorf("%w: %s does not verify %s", ismp.ErrStateMachineNotSupported, client, id)
	}
	host, ok := h[id.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", ismp.ErrStateMachineNotSupported, ErrUnknownHost, id)
	}
	return NewEvmStateMachineClient(id, host), nil
}

// EvmStateMachineClient verifies Merkle-Patricia proofs of host contract storage.
type EvmStateMachineClient struct {
	id   ismp.StateMachine
	host EvmHost
}

var _ ismp.StateMachineClient = (*EvmStateMachineClient)(nil)

func NewEvmStateMachineClient(id ismp.StateMachine, host EvmHost) *EvmStateMachineClient {
	return &EvmStateMachineClient{id: id, host: host}
}

// StateTrieKey returns the storage trie keys of the commitments in item.
func (c *EvmStateMachineClient) StateTrieKey(item ismp.RequestResponse) [][]byte {
	slot := RequestCommitmentsSlot
	if item.Kind == ismp.ResponseCommitment {
		slot = ResponseCommitmentsSlot
	}
	keys := make([][]byte, 0, len(item.Commitments))
	for _, commitment := range item.Commitments {
		keys = append(keys, c.host.Layout.MappingTrieKey(commitment[:], slot))
	}
	return keys
}

// storageError classifies a failed contract storage check.
func storageError(err error) error {
	if errors.Is(err, mpt.ErrContractSetMismatch) {
		return fmt.Errorf("%w: %w", ismp.ErrKeySetMismatch, err)
	}
	return fmt.Errorf("%w: %w", ismp.ErrInvalidProof, err)
}

func decodeStateProof(proof ismp.Proof) (*mpt.StateProof, error) {
	sp, err := mpt.DecodeStateProof(proof.Proof)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ismp.ErrProofDecode, err)
	}
	return sp, nil
}

func (c *EvmStateMachineClient) VerifyMembership(_ ismp.Host, item ismp.RequestResponse, root ismp.StateCommitment, proof ismp.Proof) error {
	sp, err := decodeStateProof(proof)
	if err != nil {
		return err
	}
	keys := c.StateTrieKey(item)
	values, err := sp.VerifyContractStorage(root.StateRoot, c.host.Address, keys)
	if err != nil {
		return storageError(err)
	}
	for i, key := range keys {
		if values[string(key)] == nil {
			return fmt.Errorf("%w: %s commitment %s on %s", ismp.ErrValueNotFound, item.Kind, item.Commitments[i], c.id)
		}
	}
	return nil
}

// VerifyStateProof reads keys of the form address ‖ slot. Each slot is
// mapped to its storage trie key with the host's slot layout.
func (c *EvmStateMachineClient) VerifyStateProof(_ ismp.Host, keys [][]byte, root ismp.StateCommitment, proof ismp.Proof) (map[string][]byte, error) {
	sp, err := decodeStateProof(proof)
	if err != nil {
		return nil, err
	}
	trieKeys := make(map[common.Address][][]byte)
	for _, key := range keys {
		if len(key) != StorageKeyLength {
			return nil, fmt.Errorf("%w: key %x is not address and slot", ismp.ErrKeySetMismatch, key)
		}
		addr := common.BytesToAddress(key[:common.AddressLength])
		trieKeys[addr] = append(trieKeys[addr], c.host.Layout.TrieKey(common.BytesToHash(key[common.AddressLength:])))
	}
	values, err := sp.VerifyContracts(root.StateRoot, trieKeys)
	if err != nil {
		return nil, storageError(err)
	}

	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		addr := common.BytesToAddress(key[:common.AddressLength])
		out[string(key)] = values[addr][string(c.host.Layout.TrieKey(common.BytesToHash(key[common.AddressLength:])))]
	}
	if len(out) != len(keys) {
		return nil, fmt.Errorf("%w: %d values for %d keys", ismp.ErrKeySetMismatch, len(out), len(keys))
	}
	return out, nil
}
