package finality

import (
	"errors"
)

var (
	ErrParachainSetNotFound        = errors.New("parachain set not found")
	ErrAuthoritySetNotFound        = errors.New("authority set not found")
	ErrUnknownAuthority            = errors.New("signer is not in the authority set")
	ErrMissingGrandpaJustification = errors.New("finality proof has no grandpa justification")
	ErrMissingMmrRoot              = errors.New("commitment has no mmr root payload")
	ErrUnknownAuthoritySet         = errors.New("commitment is signed by an unknown authority set")
)
