package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the protocol token written on every request line.
const Version = "MGCP 1.0"

// Verbs understood by the call agent.
const (
	VerbCRCX = "CRCX"
	VerbMDCX = "MDCX"
	VerbDLCX = "DLCX"
	VerbRQNT = "RQNT"
	VerbNTFY = "NTFY"
	VerbAUEP = "AUEP"
	VerbAUCX = "AUCX"
	VerbRSIP = "RSIP"
)

// Result codes used by the call agent.
const (
	CodeOK                 = 200
	CodeOffHook            = 401
	CodeOnHook             = 402
	CodeTransactionTimeout = 406
	CodeTransactionAborted = 407
	CodeEndpointUnknown    = 500
	CodeUnknownVerb        = 510
)

// TransactionID is the numeric MGCP transaction identifier.
type TransactionID uint32

func (t TransactionID) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// Message is the common interface for MGCP requests and responses
type Message interface {
	// IsRequest returns true if this is a request
	IsRequest() bool

	// TID returns the transaction identifier
	TID() TransactionID

	// GetHeader returns the first value of a header
	GetHeader(name string) string

	// SDP returns the session description lines carried after the blank line
	SDP() []string

	// Bytes returns the wire representation
	Bytes() []byte
}

// Request represents an MGCP command
type Request struct {
	Verb     string
	ID       TransactionID
	Endpoint string // local@domain
	Version  string
	Headers  *Headers
	Lines    []string
}

// Response represents an MGCP response
type Response struct {
	Code    int
	ID      TransactionID
	Text    string
	Headers *Headers
	Lines   []string
}

// Header is a single name/value pair in wire order
type Header struct {
	Name  string
	Value string
}

// Headers keeps MGCP parameter lines in wire order with case-insensitive lookup.
// Repeated names are allowed (an AUEP response may list several I: lines).
type Headers struct {
	list []Header
}

// NewHeaders creates an empty header set
func NewHeaders() *Headers {
	return &Headers{list: make([]Header, 0, 8)}
}

// Get returns the first value of a header
func (h *Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	for _, hdr := range h.list {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Has reports whether the header is present, even with an empty value
func (h *Headers) Has(name string) bool {
	if h == nil {
		return false
	}
	for _, hdr := range h.list {
		if strings.EqualFold(hdr.Name, name) {
			return true
		}
	}
	return false
}

// GetAll returns all values of a header
func (h *Headers) GetAll(name string) []string {
	if h == nil {
		return nil
	}
	var values []string
	for _, hdr := range h.list {
		if strings.EqualFold(hdr.Name, name) {
			values = append(values, hdr.Value)
		}
	}
	return values
}

// Add appends a header
func (h *Headers) Add(name, value string) {
	h.list = append(h.list, Header{Name: name, Value: value})
}

// Set replaces all values of a header with a single one
func (h *Headers) Set(name, value string) {
	h.Remove(name)
	h.Add(name, value)
}

// Remove drops all values of a header
func (h *Headers) Remove(name string) {
	kept := h.list[:0]
	for _, hdr := range h.list {
		if !strings.EqualFold(hdr.Name, name) {
			kept = append(kept, hdr)
		}
	}
	h.list = kept
}

// All returns headers in wire order
func (h *Headers) All() []Header {
	if h == nil {
		return nil
	}
	out := make([]Header, len(h.list))
	copy(out, h.list)
	return out
}

// Len returns the number of header lines
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.list)
}

// NewRequest creates a request addressed to endpoint (local@domain).
func NewRequest(verb string, id TransactionID, endpoint string) *Request {
	return &Request{
		Verb:     verb,
		ID:       id,
		Endpoint: endpoint,
		Version:  Version,
		Headers:  NewHeaders(),
	}
}

// NewResponse creates a response to the given transaction.
func NewResponse(code int, id TransactionID, text string) *Response {
	if text == "" {
		text = DefaultResponseText(code)
	}
	return &Response{
		Code:    code,
		ID:      id,
		Text:    text,
		Headers: NewHeaders(),
	}
}

// Request methods

func (r *Request) IsRequest() bool              { return true }
func (r *Request) TID() TransactionID           { return r.ID }
func (r *Request) GetHeader(name string) string { return r.Headers.Get(name) }
func (r *Request) SDP() []string                { return r.Lines }

// AddHeader appends a parameter line
func (r *Request) AddHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = NewHeaders()
	}
	r.Headers.Add(name, value)
}

// SetSDP sets the session description body from raw text
func (r *Request) SetSDP(body []byte) {
	r.Lines = splitLines(body)
}

// LocalName returns the endpoint part before '@'
func (r *Request) LocalName() string {
	local, _ := SplitEndpoint(r.Endpoint)
	return local
}

// Domain returns the gateway part after '@'
func (r *Request) Domain() string {
	_, domain := SplitEndpoint(r.Endpoint)
	return domain
}

// Bytes serializes the request
func (r *Request) Bytes() []byte {
	var sb strings.Builder
	version := r.Version
	if version == "" {
		version = Version
	}
	fmt.Fprintf(&sb, "%s %d %s %s\r\n", r.Verb, r.ID, r.Endpoint, version)
	writeHeadersAndBody(&sb, r.Headers, r.Lines)
	return []byte(sb.String())
}

func (r *Request) String() string { return string(r.Bytes()) }

// Response methods

func (r *Response) IsRequest() bool              { return false }
func (r *Response) TID() TransactionID           { return r.ID }
func (r *Response) GetHeader(name string) string { return r.Headers.Get(name) }
func (r *Response) SDP() []string                { return r.Lines }

// AddHeader appends a parameter line
func (r *Response) AddHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = NewHeaders()
	}
	r.Headers.Add(name, value)
}

// SetSDP sets the session description body from raw text
func (r *Response) SetSDP(body []byte) {
	r.Lines = splitLines(body)
}

// IsSuccess reports a 2xx result
func (r *Response) IsSuccess() bool { return r.Code >= 200 && r.Code < 300 }

// IsFailure reports a 4xx or 5xx result
func (r *Response) IsFailure() bool { return r.Code >= 400 && r.Code < 600 }

// Bytes serializes the response
func (r *Response) Bytes() []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%03d %d %s\r\n", r.Code, r.ID, r.Text)
	writeHeadersAndBody(&sb, r.Headers, r.Lines)
	return []byte(sb.String())
}

func (r *Response) String() string { return string(r.Bytes()) }

func writeHeadersAndBody(sb *strings.Builder, headers *Headers, lines []string) {
	for _, hdr := range headers.All() {
		sb.WriteString(hdr.Name)
		sb.WriteString(": ")
		sb.WriteString(hdr.Value)
		sb.WriteString("\r\n")
	}
	if len(lines) == 0 {
		return
	}
	sb.WriteString("\r\n")
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
}

// SDPBody joins the session description lines back into a CRLF-terminated body.
func SDPBody(m Message) []byte {
	lines := m.SDP()
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

// SplitEndpoint splits "aaln/1@gw.example.net" into its local name and domain.
// The last '@' wins so local names may themselves contain one.
func SplitEndpoint(endpoint string) (local, domain string) {
	idx := strings.LastIndexByte(endpoint, '@')
	if idx < 0 {
		return endpoint, ""
	}
	return endpoint[:idx], endpoint[idx+1:]
}

// DefaultResponseText returns the commentary used when none is supplied.
func DefaultResponseText(code int) string {
	switch code {
	case 100:
		return "Transaction in progress"
	case CodeOK:
		return "OK"
	case 250:
		return "Connection deleted"
	case CodeOffHook:
		return "Phone off hook"
	case CodeOnHook:
		return "Phone on hook"
	case CodeTransactionTimeout:
		return "Transaction time-out"
	case CodeTransactionAborted:
		return "Transaction aborted"
	case CodeEndpointUnknown:
		return "Endpoint unknown"
	case CodeUnknownVerb:
		return "Unknown verb"
	default:
		if code >= 400 && code < 500 {
			return "Transient error"
		}
		if code >= 500 && code < 600 {
			return "Permanent error"
		}
		return ""
	}
}
