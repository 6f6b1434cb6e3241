package message

import (
	"strconv"
	"strings"
)

const (
	// Maximum sizes for security
	maxMessageSize = 65536 // 64KB
	maxHeaders     = 100
	maxVerbLen     = 16

	// MaxTransactionID is the largest identifier RFC 3435 allows.
	MaxTransactionID = 999999999
)

// Parse parses one MGCP datagram into a *Request or *Response.
//
// CR, LF and CRLF line terminators are all accepted. Header lines end at the
// first blank line; everything after it is kept verbatim as session
// description lines. A line holding a single "." ends the message (piggybacked
// messages following it are ignored).
func Parse(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrInvalidMessage
	}
	if len(data) > maxMessageSize {
		return nil, ErrMessageTooLarge
	}

	lines := splitLines(data)
	// Skip leading blank lines
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return nil, ErrInvalidMessage
	}

	first := strings.TrimSpace(lines[0])
	headerLines, sdpLines := splitBlock(lines[1:])

	headers, err := parseHeaders(headerLines)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(first)
	if len(fields) == 0 {
		return nil, ErrInvalidMessage
	}

	if isResultCode(fields[0]) {
		return parseResponse(first, headers, sdpLines)
	}
	return parseRequest(fields, headers, sdpLines)
}

// parseRequest parses: VERB TRANSACTION-ID ENDPOINT MGCP 1.0
func parseRequest(fields []string, headers *Headers, sdpLines []string) (*Request, error) {
	if len(fields) < 2 {
		return nil, ErrMissingIdentifier
	}
	verb := strings.ToUpper(fields[0])
	if !isVerb(verb) {
		return nil, ErrInvalidRequestLine
	}

	id, err := parseTransactionID(fields[1])
	if err != nil {
		return nil, err
	}

	if len(fields) < 3 || fields[2] == "" {
		return nil, ErrMissingEndpoint
	}

	version := Version
	if len(fields) > 3 {
		version = strings.Join(fields[3:], " ")
		if !strings.EqualFold(fields[3], "MGCP") {
			return nil, ErrInvalidVersion
		}
	}

	return &Request{
		Verb:     verb,
		ID:       id,
		Endpoint: fields[2],
		Version:  version,
		Headers:  headers,
		Lines:    sdpLines,
	}, nil
}

// parseResponse parses: RESULT-CODE TRANSACTION-ID [COMMENTARY]
func parseResponse(first string, headers *Headers, sdpLines []string) (*Response, error) {
	parts := strings.SplitN(first, " ", 3)
	code, err := strconv.Atoi(parts[0])
	if err != nil || code < 100 || code > 999 {
		return nil, ErrInvalidStatusCode
	}
	if len(parts) < 2 {
		return nil, ErrMissingIdentifier
	}
	id, err := parseTransactionID(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, err
	}

	text := ""
	if len(parts) > 2 {
		text = strings.TrimSpace(parts[2])
	}

	return &Response{
		Code:    code,
		ID:      id,
		Text:    text,
		Headers: headers,
		Lines:   sdpLines,
	}, nil
}

func parseHeaders(lines []string) (*Headers, error) {
	headers := NewHeaders()
	if len(lines) > maxHeaders {
		return nil, ErrTooManyHeaders
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			// Malformed parameter line, skip it
			continue
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		headers.Add(name, value)
	}
	return headers, nil
}

func parseTransactionID(s string) (TransactionID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 || n > MaxTransactionID {
		return 0, ErrMissingIdentifier
	}
	return TransactionID(n), nil
}

// splitBlock separates header lines from session description lines.
func splitBlock(lines []string) (headerLines, sdpLines []string) {
	for i, line := range lines {
		if line == "." {
			return lines[:i], nil
		}
		if strings.TrimSpace(line) == "" {
			headerLines = lines[:i]
			for _, l := range lines[i+1:] {
				if l == "." {
					break
				}
				if strings.TrimSpace(l) == "" {
					continue
				}
				sdpLines = append(sdpLines, l)
			}
			return headerLines, sdpLines
		}
	}
	return lines, nil
}

// splitLines normalizes CR, LF and CRLF terminators and splits into lines.
func splitLines(data []byte) []string {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func isResultCode(tok string) bool {
	if len(tok) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return false
		}
	}
	return true
}

// isVerb принимает любое слово из букв и цифр: неизвестный глагол
// разбирается, чтобы на него можно было ответить 510
func isVerb(tok string) bool {
	if tok == "" || len(tok) > maxVerbLen {
		return false
	}
	if tok[0] < 'A' || tok[0] > 'Z' {
		return false
	}
	for i := 1; i < len(tok); i++ {
		c := tok[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
