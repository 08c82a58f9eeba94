package ismp

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StateReader is the read side of the host persistence.
type StateReader interface {
	ConsensusState(id ConsensusStateID) ([]byte, error)
	ConsensusClientID(id ConsensusStateID) (ConsensusClientID, error)
	ConsensusUpdateTime(id ConsensusStateID) (time.Time, error)
	UnbondingPeriod(id ConsensusStateID) (time.Duration, error)
	ChallengePeriod(id ConsensusStateID) (time.Duration, error)
	IsConsensusClientFrozen(id ConsensusStateID) (bool, error)
	// HasConsensusProofDigest reports whether a consensus proof hashing to
	// digest was accepted for id.
	HasConsensusProofDigest(id ConsensusStateID, digest common.Hash) (bool, error)

	LatestCommitmentHeight(id StateMachineID) (uint64, error)
	StateMachineCommitment(height StateMachineHeight) (StateCommitment, error)
	StateMachineUpdateTime(height StateMachineHeight) (time.Time, error)
	IsStateMachineFrozen(id StateMachineID) (bool, error)

	RequestReceipt(commitment common.Hash) ([]byte, error)
	ResponseReceipt(commitment common.Hash) ([]byte, error)
}

// Batch stages writes that are applied atomically by Commit. Commit fails
// without writing anything if a commitment height or receipt already exists.
type Batch interface {
	SetConsensusState(id ConsensusStateID, state []byte)
	SetConsensusClientID(id ConsensusStateID, client ConsensusClientID)
	SetConsensusUpdateTime(id ConsensusStateID, t time.Time)
	SetUnbondingPeriod(id ConsensusStateID, d time.Duration)
	SetChallengePeriod(id ConsensusStateID, d time.Duration)
	AddConsensusProofDigest(id ConsensusStateID, digest common.Hash)
	FreezeConsensusClient(id ConsensusStateID)

	StoreStateMachineCommitment(height StateMachineHeight, commitment StateCommitment)
	SetLatestCommitmentHeight(id StateMachineID, height uint64)
	SetStateMachineUpdateTime(height StateMachineHeight, t time.Time)
	FreezeStateMachine(id StateMachineID)

	StoreRequestReceipt(commitment common.Hash, relayer []byte)
	StoreResponseReceipt(commitment common.Hash, relayer []byte)

	Commit() error
}

// Store is the persistence a Handler runs on.
type Store interface {
	StateReader
	NewBatch() Batch
}

// Host is the capability handed to verifiers: the host clock, read access
// to stored state and the registered consensus clients.
type Host interface {
	StateReader
	Timestamp() time.Time
	ConsensusClient(id ConsensusClientID) (ConsensusClient, error)
}

// ConsensusClient verifies consensus proofs for one consensus mechanism.
type ConsensusClient interface {
	ClientID() ConsensusClientID
	// VerifyConsensus checks proof against the trusted state and returns the
	// new consensus state with the commitments it finalized.
	VerifyConsensus(host Host, id ConsensusStateID, trusted, proof []byte) ([]byte, StateCommitments, error)
	// VerifyFraudProof succeeds when proof1 and proof2 show the trusted
	// authorities finalized conflicting blocks.
	VerifyFraudProof(host Host, trusted, proof1, proof2 []byte) error
	StateMachine(id StateMachine) (StateMachineClient, error)
}

// ConsensusStateValidator is implemented by clients that can check an
// initial consensus state before it is stored.
type ConsensusStateValidator interface {
	ValidateConsensusState(state []byte) error
}

// StateMachineClient verifies state proofs against a state commitment.
type StateMachineClient interface {
	VerifyMembership(host Host, item RequestResponse, root StateCommitment, proof Proof) error
	StateTrieKey(item RequestResponse) [][]byte
	// VerifyStateProof returns a value for exactly the requested keys; a nil
	// value means the key is proven absent.
	VerifyStateProof(host Host, keys [][]byte, root StateCommitment, proof Proof) (map[string][]byte, error)
}

// Registry maps client kinds to their verifiers.
type Registry struct {
	mu      sync.RWMutex
	clients map[ConsensusClientID]ConsensusClient
}

func NewRegistry(clients ...ConsensusClient) (*Registry, error) {
	r := &Registry{clients: make(map[ConsensusClientID]ConsensusClient)}
	for _, c := range clients {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(c ConsensusClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.ClientID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConsensusClient, c.ClientID())
	}
	r.clients[c.ClientID()] = c
	return nil
}

func (r *Registry) Get(id ConsensusClientID) (ConsensusClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConsensusClientNotFound, id)
	}
	return c, nil
}

// IDs lists the registered kinds in sorted order.
func (r *Registry) IDs() []ConsensusClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ConsensusClientID, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

type host struct {
	StateReader
	registry *Registry
	now      func() time.Time
}

func (h host) Timestamp() time.Time { return h.now() }

func (h host) ConsensusClient(id ConsensusClientID) (ConsensusClient, error) {
	return h.registry.Get(id)
}
