package ismp

import (
	"errors"
)

// Identifier errors.
var (
	ErrConsensusStateIDNotRecognized = errors.New("consensus state id not recognized")
	ErrDuplicateConsensusStateID     = errors.New("consensus state id already exists")
	ErrConsensusClientNotFound       = errors.New("consensus client not found")
	ErrDuplicateConsensusClient      = errors.New("consensus client already registered")
	ErrStateMachineNotSupported      = errors.New("state machine not supported by consensus client")
	ErrInvalidRequestDestination     = errors.New("request is not addressed to this host")
	ErrInvalidRequestSource          = errors.New("request source does not match proof state machine")
)

// Temporal errors.
var (
	ErrChallengePeriodNotElapsed = errors.New("challenge period has not elapsed")
	ErrUnbondingPeriodElapsed    = errors.New("unbonding period has elapsed")
	ErrFrozenConsensusClient     = errors.New("consensus client is frozen")
	ErrFrozenStateMachine        = errors.New("state machine is frozen")
	ErrRequestTimedOut           = errors.New("request has timed out")
)

// Proof errors. Verifiers wrap one of these with the detail of what failed.
var (
	ErrInvalidProof          = errors.New("invalid proof")
	ErrProofDecode           = errors.New("failed to decode proof")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrInsufficientProofs    = errors.New("insufficient signatures or participants")
	ErrBrokenAncestry        = errors.New("headers do not form an ancestry")
	ErrStaleHeight           = errors.New("height is not greater than the trusted height")
	ErrValueNotFound         = errors.New("value not found in state proof")
	ErrKeySetMismatch        = errors.New("proof key set does not match requested keys")
	ErrNoConflict            = errors.New("fraud proofs do not conflict")
)

// Store errors.
var (
	ErrConsensusStateNotFound   = errors.New("consensus state not found")
	ErrStateCommitmentNotFound  = errors.New("state commitment not found")
	ErrStateCommitmentExists    = errors.New("state commitment already stored at height")
	ErrDuplicateRequest         = errors.New("request receipt already exists")
	ErrDuplicateResponse        = errors.New("response receipt already exists")
	ErrReceiptNotFound          = errors.New("receipt not found")
	ErrLatestHeightNotFound     = errors.New("no commitment stored for state machine")
	ErrStateMachineUpdateAbsent = errors.New("state machine update time not found")
)

var temporalErrors = []error{
	ErrChallengePeriodNotElapsed,
	ErrUnbondingPeriodElapsed,
	ErrFrozenConsensusClient,
	ErrFrozenStateMachine,
	ErrRequestTimedOut,
}

var proofErrors = []error{
	ErrInvalidProof,
	ErrProofDecode,
	ErrInvalidSignature,
	ErrInsufficientProofs,
	ErrBrokenAncestry,
	ErrStaleHeight,
	ErrValueNotFound,
	ErrKeySetMismatch,
	ErrNoConflict,
}

var identifierErrors = []error{
	ErrConsensusStateIDNotRecognized,
	ErrDuplicateConsensusStateID,
	ErrConsensusClientNotFound,
	ErrDuplicateConsensusClient,
	ErrStateMachineNotSupported,
	ErrInvalidRequestDestination,
	ErrInvalidRequestSource,
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// IsTemporal reports whether err was caused by a time-based guard.
func IsTemporal(err error) bool { return isAny(err, temporalErrors) }

// IsProofError reports whether err was caused by an invalid proof.
func IsProofError(err error) bool { return isAny(err, proofErrors) }

// IsRetryable reports whether resubmitting the same message later may
// succeed. Only the challenge period resolves itself with time.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrChallengePeriodNotElapsed)
}

// ErrorClass buckets err for metrics labels.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsTemporal(err):
		return "temporal"
	case IsProofError(err):
		return "proof"
	case isAny(err, identifierErrors):
		return "identifier"
	default:
		return "store"
	}
}
