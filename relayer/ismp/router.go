package ismp

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PostRequest carries an opaque body from a module on Source to a module on Dest.
type PostRequest struct {
	Source           StateMachine `json:"source"`
	Dest             StateMachine `json:"dest"`
	Nonce            uint64       `json:"nonce"`
	From             []byte       `json:"from"`
	To               []byte       `json:"to"`
	TimeoutTimestamp uint64       `json:"timeout_timestamp"`
	Body             []byte       `json:"body"`
}

func be64(v uint64) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], v)
	return out[:]
}

func (r PostRequest) preimage() [][]byte {
	return [][]byte{
		[]byte(r.Source.String()),
		[]byte(r.Dest.String()),
		be64(r.Nonce),
		be64(r.TimeoutTimestamp),
		r.From,
		r.To,
		r.Body,
	}
}

// Commitment is the keccak hash under which the source chain stores the request.
func (r PostRequest) Commitment() common.Hash {
	return crypto.Keccak256Hash(r.preimage()...)
}

// TimedOut reports whether the request expired at now (unix seconds).
// A zero timeout never expires.
func (r PostRequest) TimedOut(now uint64) bool {
	return r.TimeoutTimestamp != 0 && now > r.TimeoutTimestamp
}

// GetRequest asks for the values of Keys on Dest at Height.
type GetRequest struct {
	Source           StateMachine `json:"source"`
	Dest             StateMachine `json:"dest"`
	Nonce            uint64       `json:"nonce"`
	From             []byte       `json:"from"`
	Keys             [][]byte     `json:"keys"`
	Height           uint64       `json:"height"`
	TimeoutTimestamp uint64       `json:"timeout_timestamp"`
}

func (r GetRequest) Commitment() common.Hash {
	parts := [][]byte{
		[]byte(r.Source.String()),
		[]byte(r.Dest.String()),
		be64(r.Nonce),
		be64(r.Height),
		be64(r.TimeoutTimestamp),
		r.From,
	}
	parts = append(parts, r.Keys...)
	return crypto.Keccak256Hash(parts...)
}

func (r GetRequest) TimedOut(now uint64) bool {
	return r.TimeoutTimestamp != 0 && now > r.TimeoutTimestamp
}

// PostResponse answers a PostRequest.
type PostResponse struct {
	Post             PostRequest `json:"post"`
	Response         []byte      `json:"response"`
	TimeoutTimestamp uint64      `json:"timeout_timestamp"`
}

func (r PostResponse) Commitment() common.Hash {
	parts := append(r.Post.preimage(), r.Response, be64(r.TimeoutTimestamp))
	return crypto.Keccak256Hash(parts...)
}

// GetResponse carries the values read for a GetRequest. Absent keys map to nil.
type GetResponse struct {
	Get    GetRequest        `json:"get"`
	Values map[string][]byte `json:"values"`
}

// CommitmentKind selects where a state machine keeps a commitment.
type CommitmentKind uint8

const (
	RequestCommitment CommitmentKind = iota
	ResponseCommitment
)

func (k CommitmentKind) String() string {
	if k == ResponseCommitment {
		return "response"
	}
	return "request"
}

// RequestResponse is the set of commitments a membership proof covers.
type RequestResponse struct {
	Kind        CommitmentKind
	Commitments []common.Hash
}
