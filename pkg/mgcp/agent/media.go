package agent

import (
	pionrtp "github.com/pion/rtp"

	"github.com/arzzra/mgcp_agent/pkg/host"
	"github.com/arzzra/mgcp_agent/pkg/media_sdp"
	"github.com/arzzra/mgcp_agent/pkg/rtp"
)

// startRTP открывает новую RTP сессию подканала, выдает callid и шлет CRCX
func (a *Agent) startRTP(ep *endpoint, sub *subchannel) {
	ep.closeMedia(sub)

	gen := a.settings()
	cfg := rtp.Config{
		LocalIP:         bindIP(gen.BindAddr),
		PortMin:         gen.RTPPortMin,
		PortMax:         gen.RTPPortMax,
		DSCP:            gen.RTPDSCP,
		DTMFPayloadType: media_sdp.DefaultDTMFPayload,
	}
	if codec, ok := ep.cfg.Codecs.Preferred(); ok {
		cfg.PayloadType = codec.Payload
	}

	sess, err := rtp.NewSession(cfg)
	if err != nil {
		a.log.WithError(err).WithField("endpoint", ep.subName(sub)).Warn("unable to allocate RTP session")
	} else {
		sub.media = sess
		a.wireMedia(ep, sub.id, sess)
	}

	sub.callid = newCallID()
	a.transmitConnect(ep, sub)
}

// wireMedia передает принятые RTP пакеты и цифры RFC 2833 владельцу подканала
func (a *Agent) wireMedia(ep *endpoint, id int, sess *rtp.Session) {
	owner := func() (host.Handle, bool) {
		// Цикл приема не должен закрывать сессии, поэтому без ep.unlock
		ep.mu.Lock()
		defer ep.mu.Unlock()
		sub := ep.subs[id]
		if sub.media != sess || sub.owner.IsZero() {
			return host.Handle{}, false
		}
		return sub.owner, true
	}

	sess.OnPacket(func(pkt *pionrtp.Packet) {
		h, ok := owner()
		if !ok {
			return
		}
		frame := host.Frame{
			Type:    host.FrameVoice,
			Payload: pkt.Payload,
			Samples: 160,
		}
		if codec, found := media_sdp.LookupPayload(pkt.PayloadType); found {
			frame.Codec = codec.Cap
			if codec.Cap == media_sdp.CodecULAW || codec.Cap == media_sdp.CodecALAW {
				frame.Samples = uint32(len(pkt.Payload))
			}
		}
		a.pbx.QueueFrame(h, frame)
	})
	sess.OnDTMF(func(digit rune) {
		if h, ok := owner(); ok {
			a.pbx.QueueFrame(h, host.Frame{Type: host.FrameDTMF, Digit: digit})
		}
	})
}

// processSDP применяет SDP шлюза: куда слать RTP и какие кодеки общие
func (a *Agent) processSDP(ep *endpoint, sub *subchannel, body []byte) {
	if len(body) == 0 {
		return
	}
	log := a.log.WithField("endpoint", ep.subName(sub))

	desc, err := media_sdp.Parse(body)
	if err != nil {
		log.WithError(err).Warn("unable to parse gateway SDP")
		return
	}
	codecs, err := media_sdp.Negotiate(desc.Codecs, ep.cfg.Codecs)
	if err != nil {
		log.WithField("offered", desc.Codecs.String()).Warn("no compatible codecs")
		return
	}
	remote, err := desc.Addr()
	if err != nil {
		log.WithError(err).Warn("unusable media address in gateway SDP")
		return
	}
	sub.codecs = codecs

	if sub.media != nil {
		sub.media.SetRemote(remote)
		if codec, ok := codecs.Preferred(); ok {
			sub.media.SetPayloadType(codec.Payload)
		}
	}
}
