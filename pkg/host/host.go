// Package host describes the boundary between the MGCP agent and the PBX
// that owns call legs.
//
// The PBX hands out Handle values for its channels. A Handle is a weak
// reference: the PBX may destroy the channel at any time, after which every
// lookup with the old Handle fails instead of touching reused state.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/arzzra/mgcp_agent/pkg/media_sdp"
)

var (
	// ErrStaleHandle the channel behind the handle no longer exists
	ErrStaleHandle = errors.New("stale channel handle")
	// ErrNoExtension dialed digits do not match the dialplan
	ErrNoExtension = errors.New("no such extension")
	// ErrBusy the requested destination cannot take another call
	ErrBusy = errors.New("destination busy")
)

// Handle weak reference to a host channel
type Handle struct {
	ID  uint32
	Gen uint32
}

// IsZero reports an unset handle
func (h Handle) IsZero() bool { return h.ID == 0 && h.Gen == 0 }

func (h Handle) String() string { return fmt.Sprintf("%d.%d", h.ID, h.Gen) }

// ChannelState call progress of a host channel
type ChannelState int

const (
	StateDown ChannelState = iota
	StateReserved
	StateOffHook
	StateDialing
	StateRing
	StateRinging
	StateUp
	StateBusy
)

func (s ChannelState) String() string {
	switch s {
	case StateDown:
		return "Down"
	case StateReserved:
		return "Rsrvd"
	case StateOffHook:
		return "OffHook"
	case StateDialing:
		return "Dialing"
	case StateRing:
		return "Ring"
	case StateRinging:
		return "Ringing"
	case StateUp:
		return "Up"
	case StateBusy:
		return "Busy"
	}
	return "Unknown"
}

// Control indications exchanged with the host
type Control int

const (
	ControlNone Control = iota
	ControlHangup
	ControlRing
	ControlRinging
	ControlAnswer
	ControlBusy
	ControlCongestion
	ControlOffHook
	ControlHold
	ControlUnhold
	ControlFlash
)

func (c Control) String() string {
	switch c {
	case ControlNone:
		return "none"
	case ControlHangup:
		return "hangup"
	case ControlRing:
		return "ring"
	case ControlRinging:
		return "ringing"
	case ControlAnswer:
		return "answer"
	case ControlBusy:
		return "busy"
	case ControlCongestion:
		return "congestion"
	case ControlOffHook:
		return "offhook"
	case ControlHold:
		return "hold"
	case ControlUnhold:
		return "unhold"
	case ControlFlash:
		return "flash"
	}
	return fmt.Sprintf("control(%d)", int(c))
}

// FrameType kind of frame
type FrameType int

const (
	FrameVoice FrameType = iota
	FrameDTMF
	FrameControl
)

// Frame one unit of media or signalling passed to or from the host
type Frame struct {
	Type    FrameType
	Digit   rune
	Control Control
	Payload []byte
	Samples uint32
	Codec   media_sdp.Capability
}

// CallerID presentation of the calling party
type CallerID struct {
	Number string
	Name   string
}

// ChannelInfo attributes of a channel created by a technology driver
type ChannelInfo struct {
	Name        string
	Context     string
	Exten       string
	Language    string
	AccountCode string
	CallerID    CallerID
	Codecs      media_sdp.Capability
}

// ExtensionMatch result of matching dialed digits
type ExtensionMatch struct {
	// Exists the digits name a complete extension
	Exists bool
	// CanMatch the digits are a prefix of or equal to some extension
	CanMatch bool
	// MatchMore more digits could still match a longer extension
	MatchMore bool
}

// PBX services the host offers to a technology driver. Queue* methods
// must not block: the driver calls them while holding its own locks.
type PBX interface {
	NewChannel(tech Tech, info ChannelInfo, state ChannelState) (Handle, error)
	QueueFrame(h Handle, f Frame)
	QueueControl(h Handle, c Control)
	QueueHangup(h Handle)
	SetState(h Handle, s ChannelState)
	State(h Handle) (ChannelState, bool)
	SetCallerID(h Handle, cid CallerID)
	CallerID(h Handle) (CallerID, bool)
	Bridged(h Handle) (Handle, bool)
	// Masquerade puts clone in place of original: whatever original was
	// bridged to is now bridged to clone, and original is discarded.
	Masquerade(original, clone Handle) error
	MatchExtension(dialContext, exten string) ExtensionMatch
	// RunPBX executes the dialplan for h and returns when the call ends.
	RunPBX(ctx context.Context, h Handle, dialContext, exten string) error
	HasVoicemail(mailbox string) bool
}

// Tech channel technology implemented by a driver
type Tech interface {
	Type() string
	Request(dest string, caps media_sdp.Capability) (Handle, error)
	Call(h Handle, dest string, cid CallerID) error
	Answer(h Handle) error
	Hangup(h Handle) error
	Write(h Handle, f Frame) error
	Indicate(h Handle, c Control) error
	SendDigit(h Handle, digit rune) error
	Fixup(old, new Handle) error
	// RTPInfo returns where the channel receives media when direct media
	// between endpoints is allowed.
	RTPInfo(h Handle) (addr *net.UDPAddr, caps media_sdp.Capability, ok bool)
	SetRTPPeer(h Handle, peer *net.UDPAddr, caps media_sdp.Capability) error
}
