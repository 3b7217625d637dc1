package bridge

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/localudp"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/p2p"
)

// pumpBatchSize caps how many datagrams or messages one iteration drains from
// each transport.
const pumpBatchSize = 128

type pumpBuffers struct {
	local *localudp.Batch
	relay []*p2p.Message
}

var pumpBufferPool = sync.Pool{
	New: func() any {
		return &pumpBuffers{
			local: localudp.NewBatch(pumpBatchSize),
			relay: make([]*p2p.Message, pumpBatchSize),
		}
	},
}

func (c *Connection) pump() {
	bufs := pumpBufferPool.Get().(*pumpBuffers)
	defer pumpBufferPool.Put(bufs)

	for !c.deleting.Load() {
		settings := c.registry.Settings()

		if c.socket == nil || !c.session.Valid() {
			c.logger.Warn("relay connection has an invalid socket or session, closing",
				"has_socket", c.socket != nil,
				"session_valid", c.session.Valid(),
			)
			c.markDeleting(c.invalidReason())
			continue
		}

		c.clock.Sleep(settings.PollInterval)

		c.forwardLocalToRelay(bufs.local, settings)
		c.forwardRelayToLocal(bufs.relay, settings)

		if c.LastActivity().Add(settings.IdleTimeout).Before(c.clock.Now()) {
			if settings.TraceSocketCreation {
				c.logger.Info("relay connection idle, closing", "port", c.port, "idle_timeout", settings.IdleTimeout)
			}
			c.markDeleting(metrics.CloseReasonIdleTimeout)
		}
	}
}

func (c *Connection) invalidReason() string {
	if r, ok := c.session.(interface {
		RemoteClosed() (p2p.CloseReason, bool)
	}); ok {
		if _, closed := r.RemoteClosed(); closed {
			return metrics.CloseReasonRemoteClosed
		}
	}
	return metrics.CloseReasonInvalid
}

func (c *Connection) forwardLocalToRelay(batch *localudp.Batch, settings Settings) {
	n, err := c.socket.ReceiveBatch(batch)
	if err != nil {
		c.logger.Debug("local socket receive failed", "err", err)
		c.metrics.IOError(metrics.ErrorLocalReceive)
	}
	c.metrics.LocalOversizeDropped(batch.Dropped())
	for i := 0; i < n; i++ {
		payload := batch.Payload(i)
		if err := c.session.SendUnreliable(payload); err != nil {
			c.logger.Debug("relay send failed", "err", err, "bytes", len(payload))
			c.metrics.IOError(metrics.ErrorRelaySend)
			continue
		}
		c.metrics.Forwarded(metrics.DirectionLocalToRelay, len(payload))
		if settings.TraceSocketTraffic {
			c.logger.Info("local -> relay", "bytes", len(payload))
		}
	}
}

func (c *Connection) forwardRelayToLocal(msgs []*p2p.Message, settings Settings) {
	n := c.session.Receive(msgs)
	if n > 0 || c.registry.EngineConnected() {
		c.touch(c.clock.Now())
	}

	for i := 0; i < n; i++ {
		payload := msgs[i].Data()
		if err := c.socket.Send(payload); err != nil {
			c.logger.Debug("local send failed", "err", err, "bytes", len(payload), "sendback", c.sendback.String())
			c.metrics.IOError(metrics.ErrorLocalSend)
			continue
		}
		c.metrics.Forwarded(metrics.DirectionRelayToLocal, len(payload))
		if settings.TraceSocketTraffic {
			c.logger.Info("relay -> local", "bytes", len(payload))
		}
	}

	for i := 0; i < n; i++ {
		msgs[i].Release()
		msgs[i] = nil
	}
}
