package poa

import "errors"

var (
	ErrMissingSeal      = errors.New("header extra data has no seal")
	ErrUnknownValidator = errors.New("header sealed by a validator outside the trusted set")
	ErrEpochNotFinal    = errors.New("epoch header must be the finalized header of an update")
)
