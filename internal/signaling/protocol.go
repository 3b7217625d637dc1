package signaling

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	// version1 is the current signaling schema version.
	version1 = 1

	// defaultMaxMessageBytes bounds a single signaling message. A non-trickle
	// SDP with a handful of candidates is a few KiB.
	defaultMaxMessageBytes = 64 * 1024
)

var (
	errUnsupportedVersion = errors.New("signaling: unsupported version")
	errInvalidSDPType     = errors.New("signaling: invalid session description type")
	errMissingSDP         = errors.New("signaling: missing session description sdp")
)

// sessionDescription is the JSON form of an SDP offer or answer.
type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func sessionDescriptionFromPion(desc webrtc.SessionDescription) sessionDescription {
	return sessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func (d sessionDescription) toPion() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

// offerRequest is sent by the dialing side.
type offerRequest struct {
	Version int                `json:"version"`
	Offer   sessionDescription `json:"offer"`
}

// answerResponse is the server's reply to an offerRequest.
type answerResponse struct {
	Version int                `json:"version"`
	Answer  sessionDescription `json:"answer"`
}

func (r offerRequest) Validate() error {
	if r.Version != version1 {
		return fmt.Errorf("%w: %d", errUnsupportedVersion, r.Version)
	}
	if r.Offer.Type != "offer" {
		return fmt.Errorf("%w: %q", errInvalidSDPType, r.Offer.Type)
	}
	if r.Offer.SDP == "" {
		return errMissingSDP
	}
	return nil
}

func (r answerResponse) Validate() error {
	if r.Version != version1 {
		return fmt.Errorf("%w: %d", errUnsupportedVersion, r.Version)
	}
	if r.Answer.Type != "answer" {
		return fmt.Errorf("%w: %q", errInvalidSDPType, r.Answer.Type)
	}
	if r.Answer.SDP == "" {
		return errMissingSDP
	}
	return nil
}
