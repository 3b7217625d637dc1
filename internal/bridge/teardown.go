package bridge

import (
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/p2p"
)

// teardown releases both transports and removes c from its registry. Only the
// first call has any effect.
func (c *Connection) teardown() {
	c.teardownOnce.Do(func() {
		c.state.Store(int32(StateDeleting))

		if c.socket != nil {
			if err := c.socket.Close(); err != nil {
				c.logger.Debug("failed to close local socket", "err", err)
			}
		}
		if err := c.session.Close(p2p.CloseReasonClosedByPeer, false); err != nil {
			c.logger.Debug("failed to close relay session", "err", err)
		}
		c.registry.Remove(c)

		reason, _ := c.closeReason.Load().(string)
		if reason == "" {
			reason = metrics.CloseReasonRequested
		}
		lifetime := c.clock.Since(c.created)
		c.metrics.ConnectionClosed(reason, lifetime.Seconds())

		if c.registry.Settings().TraceSocketCreation {
			c.logger.Info("closed socket", "port", c.port, "reason", reason, "lifetime", lifetime)
		}

		c.state.Store(int32(StateClosed))
		close(c.done)
	})
}
