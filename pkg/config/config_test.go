package config

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mgcp_agent/pkg/media_sdp"
)

const sample = `
[general]
bindaddr = 127.0.0.1
firstdigittimeout = 10000
context = from-phones

[logging]
level = debug

[extensions]
100 = aaln/1@iad1
101 = aaln/2@iad1

[iad1]
host = 192.0.2.10
port = 2727
deny = 0.0.0.0/0.0.0.0
permit = 192.0.2.0/24
permit = 198.51.100.7
wcardep = aaln/*
dtmfmode = rfc2833
callwaiting = no

[iad1:aaln/1]
callerid = "Alice" <100>
mailbox = 100
allow = alaw

[iad1:aaln/2]
callwaiting = yes
disallow = all
allow = g729,ulaw
transfer = no

[dyn]
host = dynamic
defaultip = 203.0.113.5

[dyn:ds/ds1-1/1]
type = trunk
immediate = yes

[broken]
port = 2427

[broken:aaln/1]
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingHost)

	assert.Equal(t, "127.0.0.1:2427", cfg.General.BindAddr)
	assert.Equal(t, 10*time.Second, cfg.General.FirstDigitTimeout)
	assert.Equal(t, 8*time.Second, cfg.General.GenDigitTimeout)
	assert.Equal(t, time.Second, cfg.General.RetransInterval)
	assert.Equal(t, 5, cfg.General.MaxRetrans)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "aaln/2@iad1", cfg.Extensions["101"])

	require.Len(t, cfg.Gateways, 2)
	_, ok := cfg.Gateway("broken")
	assert.False(t, ok)

	gw, ok := cfg.Gateway("iad1")
	require.True(t, ok)
	assert.False(t, gw.Dynamic)
	assert.Equal(t, 2727, gw.Addr.Port)
	assert.Equal(t, "aaln/*", gw.WildcardEndpoint)
	require.Len(t, gw.Endpoints, 2)

	line1 := gw.Endpoints[0]
	assert.Equal(t, "aaln/1", line1.Name)
	assert.Equal(t, "from-phones", line1.Context)
	assert.Equal(t, "Alice", line1.CallerIDName)
	assert.Equal(t, "100", line1.CallerIDNum)
	assert.Equal(t, DTMFRFC2833, line1.DTMFMode)
	assert.False(t, line1.CallWaiting, "inherited from gateway")
	assert.True(t, line1.Transfer)
	assert.Equal(t, media_sdp.CodecULAW|media_sdp.CodecALAW, line1.Codecs)

	line2 := gw.Endpoints[1]
	assert.True(t, line2.CallWaiting, "endpoint overrides gateway")
	assert.False(t, line2.Transfer)
	assert.Equal(t, media_sdp.CodecG729|media_sdp.CodecULAW, line2.Codecs)

	dyn, ok := cfg.Gateway("dyn")
	require.True(t, ok)
	assert.True(t, dyn.Dynamic)
	assert.Equal(t, "203.0.113.5", dyn.Addr.IP.String())
	assert.Equal(t, TypeTrunk, dyn.Endpoints[0].Type)
	assert.True(t, dyn.Endpoints[0].Immediate)
}

func TestACL(t *testing.T) {
	cfg, _ := Parse([]byte(sample))
	gw, ok := cfg.Gateway("iad1")
	require.True(t, ok)

	assert.Equal(t, 3, gw.ACL.Len())
	assert.True(t, gw.ACL.Allowed(net.ParseIP("192.0.2.10")))
	assert.True(t, gw.ACL.Allowed(net.ParseIP("198.51.100.7")))
	assert.False(t, gw.ACL.Allowed(net.ParseIP("198.51.100.8")))

	var empty ACL
	assert.True(t, empty.Allowed(net.ParseIP("10.1.1.1")))

	var acl ACL
	assert.Error(t, acl.Permit("10.0.0.0/255.0.255.0"))
	assert.Error(t, acl.Deny("not-an-ip"))
	require.NoError(t, acl.Deny("10.0.0.0/8"))
	assert.False(t, acl.Allowed(net.ParseIP("10.2.3.4")))
	assert.True(t, acl.Allowed(net.ParseIP("11.2.3.4")))
}

func TestParseCallerID(t *testing.T) {
	tests := []struct {
		in, name, num string
	}{
		{`"Bob Smith" <2001>`, "Bob Smith", "2001"},
		{`Bob <2001>`, "Bob", "2001"},
		{`2001`, "", "2001"},
		{`"Bob"`, "Bob", ""},
		{`asreceived`, "", ""},
		{``, "", ""},
	}
	for _, tt := range tests {
		name, num := ParseCallerID(tt.in)
		assert.Equal(t, tt.name, name, tt.in)
		assert.Equal(t, tt.num, num, tt.in)
	}
}

func TestParseDTMFMode(t *testing.T) {
	m, err := ParseDTMFMode("Hybrid")
	require.NoError(t, err)
	assert.Equal(t, DTMFHybrid, m)
	_, err = ParseDTMFMode("sip-info")
	assert.Error(t, err)
}
