package substrate

import "errors"

var (
	ErrParachainHeaderNotFound = errors.New("parachain header not found")
	ErrUnknownParachain        = errors.New("parachain is not tracked by the consensus state")
)
