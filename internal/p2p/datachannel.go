package p2p

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label both peers use for the bridge channel.
const DataChannelLabel = "coplay"

// CreateDataChannel opens the bridge channel on pc: unordered with no
// retransmissions, emulating plain UDP.
func CreateDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	maxRetransmits := uint16(0)
	return pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
}

// ValidateDataChannel checks a remotely opened channel against the settings
// CreateDataChannel uses.
func ValidateDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabel {
		return fmt.Errorf("%w: expected label=%q (got %q)", ErrInvalidDataChannel, DataChannelLabel, dc.Label())
	}
	if dc.Ordered() {
		return fmt.Errorf("%w: must be unordered", ErrInvalidDataChannel)
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("%w: must not set maxPacketLifeTime (use maxRetransmits=0)", ErrInvalidDataChannel)
	}
	if rt := dc.MaxRetransmits(); rt == nil || *rt != 0 {
		return fmt.Errorf("%w: must set maxRetransmits=0", ErrInvalidDataChannel)
	}
	return nil
}
