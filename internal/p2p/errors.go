package p2p

import "errors"

var (
	ErrSessionInvalid     = errors.New("p2p: session invalid")
	ErrInvalidDataChannel = errors.New("p2p: invalid datachannel")
)
