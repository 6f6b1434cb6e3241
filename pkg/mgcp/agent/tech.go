package agent

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/mgcp_agent/pkg/config"
	"github.com/arzzra/mgcp_agent/pkg/host"
	"github.com/arzzra/mgcp_agent/pkg/media_sdp"
	"github.com/arzzra/mgcp_agent/pkg/rtp"
)

var _ host.Tech = (*Agent)(nil)

// dtmfDuration длительность цифры RFC 2833, отправляемой в сторону шлюза
const dtmfDuration = 100 * time.Millisecond

// Type implements host.Tech
func (a *Agent) Type() string { return TechType }

// Request выделяет подканал конечной точки dest (local@gateway) под
// входящий вызов. Занятая линия дает ErrBusy.
func (a *Agent) Request(dest string, caps media_sdp.Capability) (host.Handle, error) {
	_, ep, err := a.reg.endpoint(dest)
	if err != nil {
		return host.Handle{}, fmt.Errorf("%s: %w", dest, err)
	}

	ep.lock()
	defer ep.unlock()
	if ep.removed {
		return host.Handle{}, fmt.Errorf("%s: %w", dest, ErrUnknownEndpoint)
	}
	if caps != 0 && caps&ep.cfg.Codecs == 0 {
		return host.Handle{}, fmt.Errorf("%s: asked for %s: %w", dest, caps, media_sdp.ErrNoCompatibleCodec)
	}

	sub := ep.activeSub()
	alt := ep.other(sub)
	busy := (ep.callwaiting && !sub.owner.IsZero() && !alt.owner.IsZero()) ||
		(!ep.callwaiting && !sub.owner.IsZero()) ||
		ep.dnd
	if busy {
		if !ep.hook.OffHook() {
			a.refreshMWI(ep)
		}
		return host.Handle{}, fmt.Errorf("%s: %w", dest, ErrBusy)
	}

	if !sub.owner.IsZero() {
		sub = alt
	}
	return a.newChannel(ep, sub, host.StateDown, "")
}

// Call звонит на линию: CRCX/MDCX в recvonly и сигнал вызова с Caller ID.
// На снятой трубке вместо звонка звучит тон call waiting.
func (a *Agent) Call(h host.Handle, dest string, cid host.CallerID) error {
	ep, sub, err := a.lockOwner(h)
	if err != nil {
		return err
	}
	defer ep.unlock()
	log := a.log.WithFields(logrus.Fields{
		"endpoint": ep.subName(sub),
		"dest":     dest,
	})

	tone := "L/rg"
	if ep.hook.OffHook() {
		tone = "L/wt"
	}

	if st, _ := a.pbx.State(h); st != host.StateDown && st != host.StateReserved {
		log.WithField("state", st.String()).Warn("call on a channel that is neither down nor reserved")
		return ErrNotIdle
	}
	if ep.cfg.Type != config.TypeLine {
		log.Info("dialing out on trunks is not supported")
		return ErrTrunkDial
	}

	sub.outgoing = true
	sub.mode = ModeRecvOnly
	a.connectOrModify(ep, sub)

	// Второй разговор не должен слышать сигнал call waiting
	alt := ep.other(sub)
	altLive := !alt.owner.IsZero() && alt.cxident != "" && alt.callid != ""
	if altLive {
		alt.mode = ModeRecvOnly
		a.transmitModify(ep, alt)
	}

	a.transmitNotifyWithCallerID(ep, tone, cid)
	a.pbx.SetState(h, host.StateRinging)

	if altLive {
		alt.mode = ModeSendRecv
		a.transmitModify(ep, alt)
	}
	a.pbx.QueueControl(h, host.ControlRinging)
	log.Debug("ringing endpoint")
	return nil
}

// Answer вызов с линии ответили на той стороне
func (a *Agent) Answer(h host.Handle) error {
	ep, sub, err := a.lockOwner(h)
	if err != nil {
		return err
	}
	defer ep.unlock()

	sub.mode = ModeSendRecv
	a.connectOrModify(ep, sub)
	a.log.WithField("endpoint", ep.subName(sub)).Debug("answer")

	if st, _ := a.pbx.State(h); st != host.StateUp {
		a.pbx.SetState(h, host.StateUp)
		a.transmitNotify(ep, "")
		a.transmitModify(ep, sub)
	}
	return nil
}

// Hangup освобождает подканал канала h. Если на линии есть второй
// вызов, линия переключается на него.
func (a *Agent) Hangup(h host.Handle) error {
	ep, sub, err := a.lockOwner(h)
	if err != nil {
		return err
	}
	defer ep.unlock()
	log := a.log.WithField("endpoint", ep.subName(sub))
	log.Debug("hangup")

	a.forgetOwner(h)
	sub.owner = host.Handle{}
	sub.stopCollector()
	// Команда в полете остается: ее ответ распознается по C:
	if dropped := sub.cx.PurgePending(connectionUpdate); len(dropped) > 0 {
		log.WithField("dropped", len(dropped)).Debug("hangup purged pending connection commands")
	}
	if sub.cxident != "" {
		a.transmitDelete(ep, sub)
		a.obs.ConnectionClosed()
	}
	sub.cxident = ""

	alt := ep.other(sub)
	switch {
	case sub == ep.activeSub() && !alt.owner.IsZero():
		peer, bridged := a.pbx.Bridged(alt.owner)
		var cid host.CallerID
		if bridged {
			cid, _ = a.pbx.CallerID(peer)
		}
		if ep.hook.OffHook() {
			if bridged {
				a.transmitNotifyWithCallerID(ep, "L/wt", cid)
			}
			break
		}
		// Второй вызов становится активным и звонит на линию
		ep.setActive(alt)
		alt.mode = ModeRecvOnly
		a.transmitModify(ep, alt)
		if bridged {
			a.transmitNotifyWithCallerID(ep, "L/rg", cid)
		}
	case sub != ep.activeSub() && ep.hook.OffHook():
		a.transmitNotify(ep, "L/v")
	case ep.hook.OffHook():
		a.transmitNotify(ep, "L/ro")
	default:
		a.transmitNotify(ep, "")
	}

	a.resetSub(ep, sub)
	if !ep.hook.OffHook() && !alt.inUse() {
		a.idle(ep)
	}
	return nil
}

// Write голосовой кадр в RTP сессию подканала
func (a *Agent) Write(h host.Handle, f host.Frame) error {
	ep, sub, err := a.lockOwner(h)
	if err != nil {
		return err
	}
	media := sub.media
	ep.unlock()

	if f.Type != host.FrameVoice {
		a.log.WithField("type", f.Type).Debug("can't send non-voice frame")
		return nil
	}
	if media == nil {
		return nil
	}
	err = media.WritePayload(f.Payload, f.Samples)
	if errors.Is(err, rtp.ErrNoRemote) || errors.Is(err, rtp.ErrSessionClosed) {
		return nil
	}
	return err
}

// Indicate сигнал вызывающей линии
func (a *Agent) Indicate(h host.Handle, c host.Control) error {
	ep, sub, err := a.lockOwner(h)
	if err != nil {
		return err
	}
	defer ep.unlock()
	log := a.log.WithFields(logrus.Fields{
		"endpoint":   ep.subName(sub),
		"indication": c.String(),
	})

	switch c {
	case host.ControlRinging:
		a.transmitNotify(ep, "G/rt")
	case host.ControlBusy:
		a.transmitNotify(ep, "L/bz")
	case host.ControlCongestion:
		a.transmitNotify(ep, "G/cg")
	case host.ControlHold, host.ControlUnhold:
		log.Debug("hold state changed")
	case host.ControlNone:
		a.transmitNotify(ep, "")
	default:
		log.Warn("don't know how to indicate condition")
		return ErrUnsupportedControl
	}
	return nil
}

// SendDigit цифра в сторону линии: сигналом D/ для inband, событием
// RFC 2833 в RTP
func (a *Agent) SendDigit(h host.Handle, digit rune) error {
	ep, sub, err := a.lockOwner(h)
	if err != nil {
		return err
	}
	if ep.inbandDTMF() {
		a.transmitNotify(ep, "D/"+string(digit))
		ep.unlock()
		return nil
	}
	media := sub.media
	rfc2833 := ep.rfc2833()
	ep.unlock()

	if !rfc2833 || media == nil {
		return nil
	}
	err = media.SendDTMF(digit, dtmfDuration)
	if errors.Is(err, rtp.ErrNoRemote) {
		return nil
	}
	return err
}

// Fixup переносит подканал со старого канала хоста на новый
func (a *Agent) Fixup(oldHandle, newHandle host.Handle) error {
	ep, sub, err := a.lockOwner(oldHandle)
	if err != nil {
		return err
	}
	defer ep.unlock()
	a.forgetOwner(oldHandle)
	a.bindOwner(newHandle, ep, sub)
	a.log.WithFields(logrus.Fields{
		"endpoint": ep.subName(sub),
		"old":      oldHandle.String(),
		"new":      newHandle.String(),
	}).Debug("fixup")
	return nil
}

// RTPInfo куда шлюз принимает RTP; только для конечных точек с canreinvite
func (a *Agent) RTPInfo(h host.Handle) (*net.UDPAddr, media_sdp.Capability, bool) {
	ep, sub, err := a.lockOwner(h)
	if err != nil {
		return nil, 0, false
	}
	defer ep.unlock()
	if !ep.cfg.CanReinvite || sub.media == nil {
		return nil, 0, false
	}
	remote := sub.media.Remote()
	if remote == nil {
		return nil, 0, false
	}
	caps := sub.codecs
	if caps == 0 {
		caps = ep.cfg.Codecs
	}
	return remote, caps, true
}

// SetRTPPeer направляет медиа шлюза прямо на peer
func (a *Agent) SetRTPPeer(h host.Handle, peer *net.UDPAddr, caps media_sdp.Capability) error {
	ep, sub, err := a.lockOwner(h)
	if err != nil {
		return err
	}
	defer ep.unlock()
	if sub.alreadygone || peer == nil {
		return nil
	}
	sub.tmpdest = peer
	sub.tmpcaps = caps
	a.transmitModifyWithSDP(ep, sub, nil, 0)
	return nil
}
