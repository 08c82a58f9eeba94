package ismp

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StateMachineKind tags the family of a connected chain.
type StateMachineKind uint8

const (
	StateMachineEvm StateMachineKind = iota
	StateMachinePolkadot
	StateMachineKusama
	StateMachineSubstrate
	StateMachineTendermint
)

var stateMachinePrefixes = map[StateMachineKind]string{
	StateMachineEvm:        "EVM",
	StateMachinePolkadot:   "POLKADOT",
	StateMachineKusama:     "KUSAMA",
	StateMachineSubstrate:  "SUBSTRATE",
	StateMachineTendermint: "TENDERMINT",
}

// StateMachine identifies a connected chain. Evm, Polkadot and Kusama use
// ID (chain id or para id), Substrate and Tendermint use Tag.
type StateMachine struct {
	Kind StateMachineKind
	ID   uint32
	Tag  [4]byte
}

func EvmStateMachine(chainID uint32) StateMachine {
	return StateMachine{Kind: StateMachineEvm, ID: chainID}
}

func PolkadotStateMachine(paraID uint32) StateMachine {
	return StateMachine{Kind: StateMachinePolkadot, ID: paraID}
}

func KusamaStateMachine(paraID uint32) StateMachine {
	return StateMachine{Kind: StateMachineKusama, ID: paraID}
}

func SubstrateStateMachine(tag [4]byte) StateMachine {
	return StateMachine{Kind: StateMachineSubstrate, Tag: tag}
}

func TendermintStateMachine(tag [4]byte) StateMachine {
	return StateMachine{Kind: StateMachineTendermint, Tag: tag}
}

func (s StateMachine) usesTag() bool {
	return s.Kind == StateMachineSubstrate || s.Kind == StateMachineTendermint
}

func (s StateMachine) String() string {
	prefix, ok := stateMachinePrefixes[s.Kind]
	if !ok {
		return fmt.Sprintf("UNKNOWN(%d)", s.Kind)
	}
	if s.usesTag() {
		return prefix + "-" + string(s.Tag[:])
	}
	return prefix + "-" + strconv.FormatUint(uint64(s.ID), 10)
}

// ParseStateMachine parses the String form, e.g. "EVM-1" or "SUBSTRATE-hydr".
func ParseStateMachine(s string) (StateMachine, error) {
	prefix, rest, ok := strings.Cut(s, "-")
	if !ok {
		return StateMachine{}, fmt.Errorf("invalid state machine %q", s)
	}
	for kind, p := range stateMachinePrefixes {
		if p != strings.ToUpper(prefix) {
			continue
		}
		sm := StateMachine{Kind: kind}
		if sm.usesTag() {
			if len(rest) != 4 {
				return StateMachine{}, fmt.Errorf("invalid state machine %q: tag must be 4 bytes", s)
			}
			copy(sm.Tag[:], rest)
			return sm, nil
		}
		id, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return StateMachine{}, fmt.Errorf("invalid state machine %q: %w", s, err)
		}
		sm.ID = uint32(id)
		return sm, nil
	}
	return StateMachine{}, fmt.Errorf("invalid state machine %q: unknown kind", s)
}

func (s StateMachine) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *StateMachine) UnmarshalText(bz []byte) error {
	sm, err := ParseStateMachine(string(bz))
	if err != nil {
		return err
	}
	*s = sm
	return nil
}

// ConsensusStateID is the four byte identifier of a consensus state.
type ConsensusStateID [4]byte

// ParseConsensusStateID accepts four ASCII characters or eight hex digits.
func ParseConsensusStateID(s string) (ConsensusStateID, error) {
	var id ConsensusStateID
	switch len(s) {
	case 4:
		copy(id[:], s)
		return id, nil
	case 8:
		bz, err := hex.DecodeString(s)
		if err != nil {
			return id, fmt.Errorf("invalid consensus state id %q: %w", s, err)
		}
		copy(id[:], bz)
		return id, nil
	}
	return id, fmt.Errorf("invalid consensus state id %q: want 4 characters", s)
}

func (id ConsensusStateID) String() string {
	for _, b := range id {
		if b < 0x20 || b > 0x7e {
			return hex.EncodeToString(id[:])
		}
	}
	return string(id[:])
}

func (id ConsensusStateID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ConsensusStateID) UnmarshalText(bz []byte) error {
	parsed, err := ParseConsensusStateID(string(bz))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ConsensusClientID names a consensus verifier kind.
type ConsensusClientID [4]byte

var (
	GrandpaClientID       = ConsensusClientID{'G', 'R', 'N', 'P'}
	BeefyClientID         = ConsensusClientID{'B', 'E', 'E', 'F'}
	SyncCommitteeClientID = ConsensusClientID{'S', 'Y', 'N', 'C'}
	PoAClientID           = ConsensusClientID{'P', 'O', 'A', 'U'}
	TendermintClientID    = ConsensusClientID{'T', 'N', 'D', 'R'}
)

func ParseConsensusClientID(s string) (ConsensusClientID, error) {
	var id ConsensusClientID
	if len(s) != 4 {
		return id, fmt.Errorf("invalid consensus client id %q: want 4 characters", s)
	}
	copy(id[:], s)
	return id, nil
}

func (id ConsensusClientID) String() string { return string(id[:]) }

// StateMachineID binds a state machine to the consensus state that tracks it.
type StateMachineID struct {
	StateID          StateMachine     `json:"state_id"`
	ConsensusStateID ConsensusStateID `json:"consensus_state_id"`
}

func (id StateMachineID) String() string {
	return fmt.Sprintf("%s/%s", id.StateID, id.ConsensusStateID)
}

// StateMachineHeight is a height of one state machine. Heights are only
// comparable within the same StateMachineID.
type StateMachineHeight struct {
	ID     StateMachineID `json:"id"`
	Height uint64         `json:"height"`
}

func (h StateMachineHeight) String() string {
	return fmt.Sprintf("%s@%d", h.ID, h.Height)
}

// StateCommitment is the finalized state of a state machine at some height.
type StateCommitment struct {
	// Timestamp in unix seconds.
	Timestamp   uint64       `json:"timestamp"`
	OverlayRoot *common.Hash `json:"overlay_root,omitempty"`
	StateRoot   common.Hash  `json:"state_root"`
}

func (c StateCommitment) Time() time.Time {
	return time.Unix(int64(c.Timestamp), 0).UTC()
}

// Equal compares two commitments including the optional overlay root.
func (c StateCommitment) Equal(o StateCommitment) bool {
	if c.Timestamp != o.Timestamp || c.StateRoot != o.StateRoot {
		return false
	}
	if (c.OverlayRoot == nil) != (o.OverlayRoot == nil) {
		return false
	}
	return c.OverlayRoot == nil || *c.OverlayRoot == *o.OverlayRoot
}

func (c StateCommitment) MarshalBinary() ([]byte, error) { return json.Marshal(c) }

func (c *StateCommitment) UnmarshalBinary(bz []byte) error { return json.Unmarshal(bz, c) }

// StateCommitmentHeight pairs a commitment with the height it was taken at.
type StateCommitmentHeight struct {
	Commitment StateCommitment `json:"commitment"`
	Height     uint64          `json:"height"`
}

// StateCommitments is what a consensus verifier hands back after a
// successful update, keyed by the state machine it finalized.
type StateCommitments map[StateMachineID][]StateCommitmentHeight

// IntermediateState seeds a commitment when a consensus state is created.
type IntermediateState struct {
	Height     StateMachineHeight `json:"height"`
	Commitment StateCommitment    `json:"commitment"`
}

// ClientStatus is the lifecycle status of a consensus client.
type ClientStatus string

const (
	StatusActive  ClientStatus = "Active"
	StatusFrozen  ClientStatus = "Frozen"
	StatusExpired ClientStatus = "Expired"
)
