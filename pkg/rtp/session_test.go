package rtp

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopback(s *Session) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.LocalAddr().Port}
}

func TestSession_VoiceRoundTrip(t *testing.T) {
	a, err := NewSession(Config{LocalIP: net.IPv4(127, 0, 0, 1), PayloadType: 0, DTMFPayloadType: 101})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSession(Config{LocalIP: net.IPv4(127, 0, 0, 1), PayloadType: 0, DTMFPayloadType: 101})
	require.NoError(t, err)
	defer b.Close()

	got := make(chan *rtp.Packet, 4)
	b.OnPacket(func(p *rtp.Packet) { got <- p })

	assert.ErrorIs(t, a.WritePayload([]byte{1}, 160), ErrNoRemote)

	a.SetRemote(loopback(b))
	require.NoError(t, a.WritePayload(make([]byte, 160), 160))
	require.NoError(t, a.WritePayload(make([]byte, 160), 160))

	var first, second *rtp.Packet
	select {
	case first = <-got:
	case <-time.After(time.Second):
		t.Fatal("no packet")
	}
	select {
	case second = <-got:
	case <-time.After(time.Second):
		t.Fatal("no second packet")
	}
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, first.Timestamp+160, second.Timestamp)
	assert.Equal(t, uint8(0), second.PayloadType)
	assert.Equal(t, uint64(2), a.Stats().PacketsSent)
}

func TestSession_DTMF(t *testing.T) {
	a, err := NewSession(Config{LocalIP: net.IPv4(127, 0, 0, 1), DTMFPayloadType: 101})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSession(Config{LocalIP: net.IPv4(127, 0, 0, 1), DTMFPayloadType: 101})
	require.NoError(t, err)
	defer b.Close()

	digits := make(chan rune, 8)
	b.OnDTMF(func(d rune) { digits <- d })
	a.SetRemote(loopback(b))

	require.NoError(t, a.SendDTMF('5', 100*time.Millisecond))
	require.NoError(t, a.SendDTMF('#', 100*time.Millisecond))

	for _, want := range []rune{'5', '#'} {
		select {
		case d := <-digits:
			assert.Equal(t, want, d)
		case <-time.After(time.Second):
			t.Fatalf("digit %q not received", want)
		}
	}
	select {
	case d := <-digits:
		t.Fatalf("unexpected extra digit %q", d)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Error(t, a.SendDTMF('x', time.Millisecond*50))
}

func TestSession_PortRange(t *testing.T) {
	s, err := NewSession(Config{LocalIP: net.IPv4(127, 0, 0, 1), PortMin: 31000, PortMax: 31100})
	require.NoError(t, err)
	defer s.Close()

	port := s.LocalAddr().Port
	assert.GreaterOrEqual(t, port, 31000)
	assert.LessOrEqual(t, port, 31100)
	assert.Zero(t, port%2)
}

func TestSession_Close(t *testing.T) {
	s, err := NewSession(Config{LocalIP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.WritePayload(nil, 0), ErrSessionClosed)
}

func TestDigitFromRune(t *testing.T) {
	d, ok := DigitFromRune('*')
	require.True(t, ok)
	assert.Equal(t, DTMFStar, d)

	d, ok = DigitFromRune('d')
	require.True(t, ok)
	assert.Equal(t, DTMFD, d)
	assert.Equal(t, "D", d.String())

	_, ok = DigitFromRune('z')
	assert.False(t, ok)
}
