//go:build !unix

package localudp

import (
	"errors"
	"os"
	"time"

	"golang.org/x/net/ipv4"
)

// pollReadWait bounds each read on platforms without MSG_DONTWAIT.
const pollReadWait = 100 * time.Microsecond

func (s *Socket) readBatch(msgs []ipv4.Message) (int, error) {
	n := 0
	for n < len(msgs) {
		_ = s.conn.SetReadDeadline(time.Now().Add(pollReadWait))
		nr, addr, err := s.conn.ReadFromUDP(msgs[n].Buffers[0])
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			return n, err
		}
		msgs[n].N = nr
		msgs[n].Addr = addr
		n++
	}
	return n, nil
}
