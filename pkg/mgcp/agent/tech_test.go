package agent

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mgcp_agent/pkg/config"
	"github.com/arzzra/mgcp_agent/pkg/host"
	"github.com/arzzra/mgcp_agent/pkg/media_sdp"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
)

func TestAgent_RequestBusyRules(t *testing.T) {
	t.Run("call waiting off", func(t *testing.T) {
		cfg := testConfig()
		cfg.Gateways[0].Endpoints[0].CallWaiting = false
		h := newHarness(t, cfg, nil)
		h.offHook()

		_, err := h.a.Request(testEndpoint, 0)
		assert.ErrorIs(t, err, ErrBusy)
	})

	t.Run("call waiting on", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		first := h.offHook()

		second, err := h.a.Request(testEndpoint, 0)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
		h.inspect(testEndpoint, func(ep *endpoint) {
			assert.Equal(t, second, ep.subs[1].owner)
		})

		_, err = h.a.Request(testEndpoint, 0)
		assert.ErrorIs(t, err, ErrBusy)
	})

	t.Run("do not disturb refreshes mwi", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.settle()
		h.inspect(testEndpoint, func(ep *endpoint) { ep.dnd = true })
		h.conn.reset()

		_, err := h.a.Request(testEndpoint, 0)
		assert.ErrorIs(t, err, ErrBusy)
		assert.Equal(t, "L/vmwi(-)", h.conn.last(t, message.VerbRQNT).GetHeader("S"))
	})

	t.Run("codec mismatch", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		_, err := h.a.Request(testEndpoint, media_sdp.CodecALAW)
		assert.ErrorIs(t, err, media_sdp.ErrNoCompatibleCodec)
	})

	t.Run("unknown names", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		_, err := h.a.Request("aaln/7@gw1", 0)
		assert.ErrorIs(t, err, ErrUnknownEndpoint)
		_, err = h.a.Request("aaln/1@gw9", 0)
		assert.ErrorIs(t, err, ErrUnknownGateway)
	})
}

func TestAgent_CallRingsLine(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.settle()
	h.conn.reset()

	owner, err := h.a.Request(testEndpoint, media_sdp.CodecULAW)
	require.NoError(t, err)
	assert.Equal(t, "MGCP/aaln/1@gw1-0", h.pbx.channel(owner).info.Name)

	require.NoError(t, h.a.Call(owner, testEndpoint, host.CallerID{Number: "200", Name: "Bob"}))

	crcx := h.conn.last(t, message.VerbCRCX)
	assert.Equal(t, "recvonly", crcx.GetHeader("M"))
	rqnt := h.conn.last(t, message.VerbRQNT)
	assert.Equal(t, `L/rg,L/ci(01/01/00/00,200,"Bob")`, rqnt.GetHeader("S"))
	assert.Equal(t, "L/hd(N)", rqnt.GetHeader("R"))
	assert.Equal(t, host.StateRinging, h.pbx.channel(owner).state)
	assert.Contains(t, h.pbx.controlsFor(owner), host.ControlRinging)

	// Трубку сняли: вызов отвечен
	h.settle()
	h.conn.reset()
	h.notify(testEndpoint, "L/hd")
	assert.Contains(t, h.pbx.controlsFor(owner), host.ControlAnswer)
	mdcx := h.conn.last(t, message.VerbMDCX)
	assert.Equal(t, "sendrecv", mdcx.GetHeader("M"))
	assert.Empty(t, h.conn.last(t, message.VerbRQNT).GetHeader("S"))
	assert.Empty(t, h.conn.requests(message.VerbCRCX))
}

func TestAgent_CallWithoutName(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.settle()

	owner, err := h.a.Request(testEndpoint, 0)
	require.NoError(t, err)
	require.NoError(t, h.a.Call(owner, testEndpoint, host.CallerID{Number: "555"}))
	assert.Equal(t, "L/rg,L/ci(01/01/00/00,555,)", h.conn.last(t, message.VerbRQNT).GetHeader("S"))
}

func TestAgent_CallRejected(t *testing.T) {
	t.Run("not idle", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		owner, err := h.a.Request(testEndpoint, 0)
		require.NoError(t, err)
		h.pbx.SetState(owner, host.StateUp)
		assert.ErrorIs(t, h.a.Call(owner, testEndpoint, host.CallerID{}), ErrNotIdle)
	})

	t.Run("trunk", func(t *testing.T) {
		ecfg := testEndpointConfig("ds/1")
		ecfg.Type = config.TypeTrunk
		h := newHarness(t, testConfig(ecfg), nil)
		owner, err := h.a.Request("ds/1@gw1", 0)
		require.NoError(t, err)
		assert.ErrorIs(t, h.a.Call(owner, "ds/1@gw1", host.CallerID{}), ErrTrunkDial)
	})

	t.Run("stale handle", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		err := h.a.Call(host.Handle{ID: 42, Gen: 1}, testEndpoint, host.CallerID{})
		assert.ErrorIs(t, err, ErrStaleHandle)
	})
}

func TestAgent_CallWaitingTone(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.offHook()
	h.conn.reset()

	second, err := h.a.Request(testEndpoint, 0)
	require.NoError(t, err)
	require.NoError(t, h.a.Call(second, testEndpoint, host.CallerID{Number: "300"}))

	rqnt := h.conn.last(t, message.VerbRQNT)
	assert.True(t, strings.HasPrefix(rqnt.GetHeader("S"), "L/wt,"))

	// Первый разговор на время сигнала уходит в recvonly и возвращается.
	// Второй MDCX ждет ответа на первый.
	h.settle()
	var modes []string
	for _, req := range h.conn.requests(message.VerbMDCX) {
		modes = append(modes, req.GetHeader("M"))
	}
	assert.Equal(t, []string{"recvonly", "sendrecv"}, modes)
}

func TestAgent_AnswerBringsCallUp(t *testing.T) {
	h := newHarness(t, nil, nil)
	owner := h.offHook()
	h.conn.reset()

	require.NoError(t, h.a.Answer(owner))
	assert.Equal(t, host.StateUp, h.pbx.channel(owner).state)
	assert.Empty(t, h.conn.last(t, message.VerbRQNT).GetHeader("S"))
	h.settle()
	assert.Len(t, h.conn.requests(message.VerbMDCX), 2)

	h.conn.reset()
	require.NoError(t, h.a.Answer(owner))
	assert.Len(t, h.conn.requests(message.VerbMDCX), 1, "already up")
	assert.Empty(t, h.conn.requests(message.VerbRQNT))
}

func TestAgent_HangupOffHookPlaysReorder(t *testing.T) {
	h := newHarness(t, nil, nil)
	owner := h.offHook()
	var cxident string
	h.inspect(testEndpoint, func(ep *endpoint) { cxident = ep.activeSub().cxident })
	h.conn.reset()

	require.NoError(t, h.a.Hangup(owner))
	assert.Equal(t, cxident, h.conn.last(t, message.VerbDLCX).GetHeader("I"))
	assert.Equal(t, "L/ro", h.conn.last(t, message.VerbRQNT).GetHeader("S"))
	h.inspect(testEndpoint, func(ep *endpoint) {
		sub := ep.activeSub()
		assert.True(t, sub.owner.IsZero())
		assert.Empty(t, sub.callid)
		assert.Nil(t, sub.media)
	})

	assert.ErrorIs(t, h.a.Hangup(owner), ErrStaleHandle)
}

func TestAgent_HangupAfterOnHook(t *testing.T) {
	h := newHarness(t, nil, nil)
	owner := h.offHook()

	h.notify(testEndpoint, "L/hu")
	assert.True(t, h.pbx.hungUp(owner))
	h.inspect(testEndpoint, func(ep *endpoint) {
		assert.True(t, ep.activeSub().alreadygone)
		assert.False(t, ep.hook.OffHook())
	})

	h.settle()
	h.conn.reset()
	require.NoError(t, h.a.Hangup(owner))
	assert.Len(t, h.conn.requests(message.VerbDLCX), 1)
	assert.Empty(t, h.conn.last(t, message.VerbRQNT).GetHeader("S"))
	// Линия свободна: обновляется индикатор сообщений
	h.settle()
	assert.Equal(t, "L/vmwi(-)", h.conn.last(t, message.VerbRQNT).GetHeader("S"))
}

func TestAgent_HangupRingsWaitingCall(t *testing.T) {
	cfg := testConfig()
	cfg.Gateways[0].Endpoints[0].Transfer = false
	pbx := newFakePBX()
	h := newHarness(t, cfg, pbx)
	first := h.offHook()

	second, err := h.a.Request(testEndpoint, 0)
	require.NoError(t, err)
	require.NoError(t, h.a.Call(second, testEndpoint, host.CallerID{Number: "300"}))
	h.settle()

	peer, err := pbx.NewChannel(nil, host.ChannelInfo{CallerID: host.CallerID{Number: "300", Name: "Carol"}}, host.StateUp)
	require.NoError(t, err)
	pbx.bridge(second, peer)

	h.notify(testEndpoint, "L/hu")
	assert.True(t, pbx.hungUp(first))
	h.settle()
	h.conn.reset()

	require.NoError(t, h.a.Hangup(first))
	var secondIdent string
	h.inspect(testEndpoint, func(ep *endpoint) {
		assert.Equal(t, 1, ep.active)
		secondIdent = ep.subs[1].cxident
	})

	mdcx := h.conn.last(t, message.VerbMDCX)
	assert.Equal(t, "recvonly", mdcx.GetHeader("M"))
	assert.Equal(t, secondIdent, mdcx.GetHeader("I"))
	assert.Equal(t, `L/rg,L/ci(01/01/00/00,300,"Carol")`, h.conn.last(t, message.VerbRQNT).GetHeader("S"))
}

func TestAgent_Indicate(t *testing.T) {
	tests := []struct {
		control host.Control
		signal  string
	}{
		{host.ControlRinging, "G/rt"},
		{host.ControlBusy, "L/bz"},
		{host.ControlCongestion, "G/cg"},
		{host.ControlNone, ""},
	}

	h := newHarness(t, nil, nil)
	owner := h.offHook()
	for _, tt := range tests {
		t.Run(tt.control.String(), func(t *testing.T) {
			h.settle()
			h.conn.reset()
			require.NoError(t, h.a.Indicate(owner, tt.control))
			assert.Equal(t, tt.signal, h.conn.last(t, message.VerbRQNT).GetHeader("S"))
		})
	}

	h.settle()
	h.conn.reset()
	assert.NoError(t, h.a.Indicate(owner, host.ControlHold))
	assert.Empty(t, h.conn.requests(""))
	assert.ErrorIs(t, h.a.Indicate(owner, host.ControlFlash), ErrUnsupportedControl)
}

func TestAgent_SendDigitInband(t *testing.T) {
	cfg := testConfig()
	cfg.Gateways[0].Endpoints[0].DTMFMode = config.DTMFInband
	h := newHarness(t, cfg, nil)
	owner := h.offHook()

	require.NoError(t, h.a.SendDigit(owner, '5'))
	assert.Equal(t, "D/5", h.conn.last(t, message.VerbRQNT).GetHeader("S"))
}

func TestAgent_SendDigitWithoutRemote(t *testing.T) {
	h := newHarness(t, nil, nil)
	owner := h.offHook()
	h.conn.reset()

	assert.NoError(t, h.a.SendDigit(owner, '5'))
	assert.Empty(t, h.conn.requests(""))
}

func TestAgent_Fixup(t *testing.T) {
	h := newHarness(t, nil, nil)
	owner := h.offHook()
	clone := host.Handle{ID: 99, Gen: 1}

	require.NoError(t, h.a.Fixup(owner, clone))
	h.inspect(testEndpoint, func(ep *endpoint) {
		assert.Equal(t, clone, ep.activeSub().owner)
	})
	assert.ErrorIs(t, h.a.Answer(owner), ErrStaleHandle)
	assert.NoError(t, h.a.Indicate(clone, host.ControlNone))
}

func TestAgent_Write(t *testing.T) {
	h := newHarness(t, nil, nil)
	owner, err := h.a.Request(testEndpoint, 0)
	require.NoError(t, err)

	// Медиа еще нет
	assert.NoError(t, h.a.Write(owner, host.Frame{Type: host.FrameVoice, Payload: make([]byte, 160), Samples: 160}))

	owner = h.offHookSecondLeg(owner)
	assert.NoError(t, h.a.Write(owner, host.Frame{Type: host.FrameVoice, Payload: make([]byte, 160), Samples: 160}))
	assert.NoError(t, h.a.Write(owner, host.Frame{Type: host.FrameDTMF, Digit: '1'}))

	assert.ErrorIs(t, h.a.Write(host.Handle{ID: 77, Gen: 3}, host.Frame{}), ErrStaleHandle)
}

// offHookSecondLeg отвечает на входящий вызов owner снятием трубки
func (h *harness) offHookSecondLeg(owner host.Handle) host.Handle {
	h.t.Helper()
	require.NoError(h.t, h.a.Call(owner, testEndpoint, host.CallerID{}))
	h.settle()
	h.notify(testEndpoint, "L/hd")
	h.settle()
	return owner
}

func TestAgent_DirectMedia(t *testing.T) {
	cfg := testConfig()
	cfg.Gateways[0].Endpoints[0].CanReinvite = true
	h := newHarness(t, cfg, nil)
	h.settle()
	h.notify(testEndpoint, "L/hd")
	crcx := h.conn.last(t, message.VerbCRCX)
	var owner host.Handle
	h.inspect(testEndpoint, func(ep *endpoint) { owner = ep.activeSub().owner })

	_, _, ok := h.a.RTPInfo(owner)
	assert.False(t, ok, "no gateway SDP yet")

	body, err := media_sdp.Build(media_sdp.BuildOptions{Host: "192.0.2.10", Port: 4000, Codecs: media_sdp.CodecULAW})
	require.NoError(t, err)
	resp := message.NewResponse(message.CodeOK, crcx.ID, "")
	resp.AddHeader("I", "DM01")
	resp.SetSDP(body)
	h.conn.markAcked(crcx.ID)
	h.a.HandleDatagram(resp.Bytes(), gatewayAddr)

	addr, caps, ok := h.a.RTPInfo(owner)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.10:4000", addr.String())
	assert.Equal(t, media_sdp.CodecULAW, caps)

	h.settle()
	h.conn.reset()
	peer := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 7), Port: 5004}
	require.NoError(t, h.a.SetRTPPeer(owner, peer, media_sdp.CodecULAW))

	mdcx := h.conn.last(t, message.VerbMDCX)
	assert.Equal(t, "DM01", mdcx.GetHeader("I"))
	sdpText := string(message.SDPBody(mdcx))
	assert.Contains(t, sdpText, "198.51.100.7")
	assert.Contains(t, sdpText, "m=audio 5004")
}

func TestAgent_DirectMediaDisabled(t *testing.T) {
	h := newHarness(t, nil, nil)
	owner := h.offHook()
	_, _, ok := h.a.RTPInfo(owner)
	assert.False(t, ok)
}

func TestProcessSDP_HostNameIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.offHook()

	sdpFor := func(host string) []byte {
		return []byte("v=0\r\no=- 1 1 IN IP4 192.0.2.7\r\ns=-\r\nc=IN IP4 " + host +
			"\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n")
	}
	h.inspect(testEndpoint, func(ep *endpoint) {
		sub := ep.activeSub()
		require.NotNil(t, sub.media)

		h.a.processSDP(ep, sub, sdpFor("192.0.2.10"))
		require.NotNil(t, sub.media.Remote())
		assert.Equal(t, "192.0.2.10:4000", sub.media.Remote().String())

		h.a.processSDP(ep, sub, sdpFor("media.gw.example.net"))
		assert.Equal(t, "192.0.2.10:4000", sub.media.Remote().String(), "no lookup under the endpoint lock")
	})
}
