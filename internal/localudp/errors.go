package localudp

import "errors"

var (
	ErrNotBound = errors.New("localudp: socket has no bound peer")
	ErrClosed   = errors.New("localudp: socket closed")
)
