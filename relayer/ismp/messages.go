package ismp

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CreateConsensusState initializes a new consensus state.
type CreateConsensusState struct {
	ConsensusState     []byte              `json:"consensus_state"`
	ConsensusClientID  ConsensusClientID   `json:"consensus_client_id"`
	ConsensusStateID   ConsensusStateID    `json:"consensus_state_id"`
	UnbondingPeriod    time.Duration       `json:"unbonding_period"`
	ChallengePeriod    time.Duration       `json:"challenge_period"`
	InitialCommitments []IntermediateState `json:"initial_commitments"`
}

// ConsensusMessage updates a consensus state with a new consensus proof.
type ConsensusMessage struct {
	ConsensusStateID ConsensusStateID `json:"consensus_state_id"`
	ConsensusProof   []byte           `json:"consensus_proof"`
	Signer           []byte           `json:"signer"`
}

// FraudProofMessage carries two conflicting consensus proofs.
type FraudProofMessage struct {
	ConsensusStateID ConsensusStateID `json:"consensus_state_id"`
	Proof1           []byte           `json:"proof_1"`
	Proof2           []byte           `json:"proof_2"`
	Signer           []byte           `json:"signer"`
}

// Proof is a state proof anchored at a state machine height.
type Proof struct {
	Height StateMachineHeight `json:"height"`
	Proof  []byte             `json:"proof"`
}

// RequestMessage delivers post requests proven against the source chain.
type RequestMessage struct {
	Requests []PostRequest `json:"requests"`
	Proof    Proof         `json:"proof"`
	Signer   []byte        `json:"signer"`
}

// ResponseMessage delivers post responses, or proves the values for get
// requests whose destination is the proof's state machine.
type ResponseMessage struct {
	Responses   []PostResponse `json:"responses,omitempty"`
	GetRequests []GetRequest   `json:"get_requests,omitempty"`
	Proof       Proof          `json:"proof"`
	Signer      []byte         `json:"signer"`
}

// ConsensusStateCreated is returned from a successful create.
type ConsensusStateCreated struct {
	ConsensusStateID ConsensusStateID
	Commitments      []StateMachineHeight
}

// ConsensusUpdated is returned from a successful update. Skipped holds the
// heights the verifier produced that were not stored, with the reason.
type ConsensusUpdated struct {
	ConsensusStateID ConsensusStateID
	Accepted         []StateMachineHeight
	Skipped          []SkippedCommitment
	Redelivered      bool
}

type SkippedCommitment struct {
	Height StateMachineHeight
	Reason error
}

// SkippedItem is a request or response that was not delivered.
type SkippedItem struct {
	Commitment common.Hash
	Reason     error
}

// RequestsHandled reports the result of delivering a batch of requests or responses.
type RequestsHandled struct {
	Delivered    []common.Hash
	Skipped      []SkippedItem
	GetResponses []GetResponse
}
