package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Request(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		verb     string
		id       TransactionID
		endpoint string
		headers  map[string]string
		sdp      int
	}{
		{
			name: "NTFY with CRLF",
			msg: "NTFY 1001 aaln/1@gw1.example.net MGCP 1.0\r\n" +
				"X: 0123abcd\r\n" +
				"O: L/hd\r\n",
			verb:     VerbNTFY,
			id:       1001,
			endpoint: "aaln/1@gw1.example.net",
			headers:  map[string]string{"X": "0123abcd", "O": "L/hd"},
		},
		{
			name:     "RSIP with bare LF and lowercase header",
			msg:      "RSIP 7 *@gw1 MGCP 1.0\nrm: restart\n",
			verb:     VerbRSIP,
			id:       7,
			endpoint: "*@gw1",
			headers:  map[string]string{"RM": "restart"},
		},
		{
			name: "CR only terminators with SDP",
			msg: "CRCX 42 aaln/2@gw1 MGCP 1.0\rC: A3C47F21456789F0\rM: recvonly\r\r" +
				"v=0\rc=IN IP4 10.0.0.2\rm=audio 4000 RTP/AVP 0\r",
			verb:     VerbCRCX,
			id:       42,
			endpoint: "aaln/2@gw1",
			headers:  map[string]string{"C": "A3C47F21456789F0", "M": "recvonly"},
			sdp:      3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.msg))
			require.NoError(t, err)

			req, ok := msg.(*Request)
			require.True(t, ok, "expected *Request")
			assert.Equal(t, tt.verb, req.Verb)
			assert.Equal(t, tt.id, req.TID())
			assert.Equal(t, tt.endpoint, req.Endpoint)
			for name, want := range tt.headers {
				assert.Equal(t, want, req.GetHeader(name), "header %s", name)
			}
			assert.Len(t, req.SDP(), tt.sdp)
		})
	}
}

func TestParse_Response(t *testing.T) {
	raw := "200 1234 OK\n" +
		"I: 00A1B2\n" +
		"\n" +
		"v=0\n" +
		"o=- 1 1 IN IP4 10.0.0.2\n" +
		"s=-\n" +
		"c=IN IP4 10.0.0.2\n" +
		"t=0 0\n" +
		"m=audio 16384 RTP/AVP 0 101\n"

	msg, err := Parse([]byte(raw))
	require.NoError(t, err)

	resp, ok := msg.(*Response)
	require.True(t, ok)
	assert.Equal(t, 200, resp.Code)
	assert.Equal(t, TransactionID(1234), resp.ID)
	assert.Equal(t, "OK", resp.Text)
	assert.Equal(t, "00A1B2", resp.GetHeader("i"))
	assert.Len(t, resp.SDP(), 6)
	assert.True(t, resp.IsSuccess())
}

func TestParse_RepeatedHeaders(t *testing.T) {
	raw := "200 55 OK\r\nI: FFEE01\r\nI: 00A1B2\r\nES: hu\r\n"
	msg, err := Parse([]byte(raw))
	require.NoError(t, err)
	resp := msg.(*Response)
	assert.Equal(t, []string{"FFEE01", "00A1B2"}, resp.Headers.GetAll("I"))
	assert.Equal(t, "hu", resp.GetHeader("ES"))
}

func TestParse_UnknownVerb(t *testing.T) {
	tests := map[string]string{
		"XYZ 42 aaln/1@gw MGCP 1.0\r\n":  "XYZ",
		"mesg 43 aaln/1@gw MGCP 1.0\r\n": "MESG",
		"EXTVERB1 44 aaln/1@gw\r\n":      "EXTVERB1",
	}
	for raw, verb := range tests {
		msg, err := Parse([]byte(raw))
		require.NoError(t, err, raw)
		req, ok := msg.(*Request)
		require.True(t, ok)
		assert.Equal(t, verb, req.Verb)
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		err  error
	}{
		{"empty", "", ErrInvalidMessage},
		{"blank lines only", "\r\n\r\n", ErrInvalidMessage},
		{"missing identifier", "NTFY\r\n", ErrMissingIdentifier},
		{"non numeric identifier", "NTFY abc aaln/1@gw MGCP 1.0\r\n", ErrMissingIdentifier},
		{"zero identifier", "NTFY 0 aaln/1@gw MGCP 1.0\r\n", ErrMissingIdentifier},
		{"missing endpoint", "NTFY 12\r\n", ErrMissingEndpoint},
		{"bad version", "NTFY 12 aaln/1@gw SIP/2.0\r\n", ErrInvalidVersion},
		{"response without identifier", "200\r\n", ErrMissingIdentifier},
		{"garbage first line", "hello there world\r\n", ErrMissingIdentifier},
		{"verb with punctuation", "AU-EP 12 aaln/1@gw MGCP 1.0\r\n", ErrInvalidRequestLine},
		{"verb starting with digit", "9NTF 12 aaln/1@gw MGCP 1.0\r\n", ErrInvalidRequestLine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.msg))
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestParse_TooLarge(t *testing.T) {
	data := make([]byte, maxMessageSize+1)
	_, err := Parse(data)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestRequest_Bytes(t *testing.T) {
	req := NewRequest(VerbMDCX, 300, "aaln/1@gw1")
	req.AddHeader("C", "CALL1")
	req.AddHeader("I", "00A1B2")
	req.AddHeader("M", "sendrecv")

	want := "MDCX 300 aaln/1@gw1 MGCP 1.0\r\n" +
		"C: CALL1\r\n" +
		"I: 00A1B2\r\n" +
		"M: sendrecv\r\n"
	assert.Equal(t, want, string(req.Bytes()))

	// The serialized form parses back to the same command
	msg, err := Parse(req.Bytes())
	require.NoError(t, err)
	parsed := msg.(*Request)
	assert.Equal(t, req.Verb, parsed.Verb)
	assert.Equal(t, req.ID, parsed.ID)
	assert.Equal(t, "00A1B2", parsed.GetHeader("I"))
}

func TestRequest_BytesWithSDP(t *testing.T) {
	req := NewRequest(VerbCRCX, 9, "aaln/1@gw1")
	req.AddHeader("M", "recvonly")
	req.SetSDP([]byte("v=0\r\nm=audio 4000 RTP/AVP 0\r\n"))

	want := "CRCX 9 aaln/1@gw1 MGCP 1.0\r\n" +
		"M: recvonly\r\n" +
		"\r\n" +
		"v=0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n"
	assert.Equal(t, want, string(req.Bytes()))
	assert.Equal(t, "v=0\r\nm=audio 4000 RTP/AVP 0\r\n", string(SDPBody(req)))
}

func TestResponse_Bytes(t *testing.T) {
	resp := NewResponse(CodeUnknownVerb, 77, "")
	assert.Equal(t, "510 77 Unknown verb\r\n", string(resp.Bytes()))

	resp = NewResponse(CodeOK, 78, "OK")
	assert.Equal(t, "200 78 OK\r\n", string(resp.Bytes()))
}

func TestSplitEndpoint(t *testing.T) {
	local, domain := SplitEndpoint("aaln/1@gw1.example.net")
	assert.Equal(t, "aaln/1", local)
	assert.Equal(t, "gw1.example.net", domain)

	local, domain = SplitEndpoint("noat")
	assert.Equal(t, "noat", local)
	assert.Equal(t, "", domain)
}

func TestHeaders_SetRemove(t *testing.T) {
	h := NewHeaders()
	h.Add("I", "1")
	h.Add("i", "2")
	h.Add("M", "sendrecv")
	h.Set("I", "3")

	assert.Equal(t, []string{"3"}, h.GetAll("I"))
	assert.True(t, h.Has("m"))
	h.Remove("M")
	assert.False(t, h.Has("M"))
	assert.Equal(t, 1, h.Len())
}
