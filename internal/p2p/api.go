package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	transport "github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/config"
)

type APIOptions struct {
	PortRange *config.UDPPortRange
	Logger    *slog.Logger
	// Net replaces the host network stack, e.g. with a pion vnet in tests.
	Net transport.Net
}

func NewAPI(opts APIOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewSlogLoggerFactory(opts.Logger)

	if opts.PortRange != nil {
		if err := se.SetEphemeralUDPPortRange(opts.PortRange.Min, opts.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

// LocalDescriptionAfterGathering waits for ICE gathering so the returned
// description carries every candidate (non-trickle signaling). If the wait is
// cut short by ctx or timeout, whatever was gathered so far is returned.
func LocalDescriptionAfterGathering(ctx context.Context, pc *webrtc.PeerConnection, timeout time.Duration) (*webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-gathered:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	desc := pc.LocalDescription()
	if desc == nil {
		return nil, fmt.Errorf("p2p: missing local description")
	}
	return desc, nil
}
