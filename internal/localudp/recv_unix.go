//go:build unix

package localudp

import (
	"errors"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// readBatch uses recvmmsg (Linux) or recvmsg with MSG_DONTWAIT so an empty
// socket returns immediately instead of parking the caller.
func (s *Socket) readBatch(msgs []ipv4.Message) (int, error) {
	n, err := s.pc.ReadBatch(msgs, unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}
