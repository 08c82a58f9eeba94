package ethereum

import "errors"

var (
	ErrSyncCommitteeUnknown = errors.New("no trusted sync committee for signature period")
	ErrInvalidBranch        = errors.New("invalid merkle branch")
	ErrUnknownHost          = errors.New("no host contract configured for state machine")
)
