package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	data []byte
	from *net.UDPAddr
}

func TestUDPTransport_SendReceive(t *testing.T) {
	ch := make(chan received, 1)
	server := NewUDPTransport(func(data []byte, from *net.UDPAddr) {
		ch <- received{data: data, from: from}
	})
	require.NoError(t, server.Listen(context.Background(), "127.0.0.1:0"))
	defer server.Close()

	client := NewUDPTransport(nil)
	require.NoError(t, client.Listen(context.Background(), "127.0.0.1:0"))
	defer client.Close()

	msg := []byte("NTFY 1 aaln/1@gw MGCP 1.0\r\nO: L/hd\r\n")
	require.NoError(t, client.Send(msg, server.LocalAddr()))

	select {
	case r := <-ch:
		assert.Equal(t, msg, r.data)
		assert.Equal(t, client.LocalAddr().Port, r.from.Port)
	case <-time.After(time.Second):
		t.Fatal("datagram not received")
	}

	assert.Equal(t, uint64(1), client.Stats().MessagesSent)
	assert.Equal(t, uint64(1), server.Stats().MessagesReceived)
}

func TestUDPTransport_ListenTwice(t *testing.T) {
	tr := NewUDPTransport(nil)
	require.NoError(t, tr.Listen(context.Background(), "127.0.0.1:0"))
	defer tr.Close()
	assert.ErrorIs(t, tr.Listen(context.Background(), "127.0.0.1:0"), ErrAlreadyListening)
}

func TestUDPTransport_SendAfterClose(t *testing.T) {
	tr := NewUDPTransport(nil)
	require.NoError(t, tr.Listen(context.Background(), "127.0.0.1:0"))
	require.NoError(t, tr.Close())

	err := tr.Send([]byte("x"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2427})
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.NoError(t, tr.Close())
}

func TestPcapWriter_WritesUDPFrame(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewPcapWriter(&buf)
	require.NoError(t, err)

	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2427}
	dst := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2727}
	payload := []byte("200 42 OK\r\n")
	require.NoError(t, pw.WriteDatagram(time.Now(), src, dst, payload))

	// IPv6 пропускается без ошибки
	v6 := &net.UDPAddr{IP: net.ParseIP("::1"), Port: 2427}
	require.NoError(t, pw.WriteDatagram(time.Now(), v6, dst, payload))

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	data, _, err := r.ReadPacketData()
	require.NoError(t, err)

	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	udpLayer, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(2427), udpLayer.SrcPort)
	assert.Equal(t, layers.UDPPort(2727), udpLayer.DstPort)
	assert.Equal(t, payload, udpLayer.Payload)

	_, _, err = r.ReadPacketData()
	assert.Error(t, err, "only one frame expected")
}
