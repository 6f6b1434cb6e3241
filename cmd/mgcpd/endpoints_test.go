package main

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mgcp_agent/pkg/config"
	"github.com/arzzra/mgcp_agent/pkg/media_sdp"
)

func TestPrintEndpoints(t *testing.T) {
	cfg := &config.Config{
		Gateways: []config.Gateway{
			{
				Name: "gw1",
				Addr: &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 2427},
				Endpoints: []config.Endpoint{{
					Name:         "aaln/1",
					Type:         config.TypeLine,
					Context:      "default",
					DTMFMode:     config.DTMFRFC2833,
					Codecs:       media_sdp.CodecULAW,
					CallerIDName: "Alice",
					CallerIDNum:  "100",
				}},
			},
			{
				Name:      "gw2",
				Dynamic:   true,
				Endpoints: []config.Endpoint{{Name: "ds/1", Type: config.TypeTrunk}},
			},
		},
	}

	var out bytes.Buffer
	require.NoError(t, printEndpoints(&out, cfg))

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "ENDPOINT")
	assert.Contains(t, string(lines[1]), "aaln/1@gw1")
	assert.Contains(t, string(lines[1]), "192.0.2.1:2427")
	assert.Contains(t, string(lines[1]), "Alice <100>")
	assert.Contains(t, string(lines[2]), "ds/1@gw2")
	assert.Contains(t, string(lines[2]), "dynamic")
	assert.Contains(t, string(lines[2]), "trunk")
}
