package bridge

import "errors"

var (
	ErrPortsExhausted = errors.New("bridge: no free local port")
	ErrManagerClosed  = errors.New("bridge: manager closed")
)
