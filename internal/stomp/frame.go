// Package stomp implements the STOMP text framing used over the broker
// WebSocket, plus the subscription bookkeeping the transport drives.
package stomp

import "strings"

// STOMP commands exchanged with the broker.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
	CmdReceipt     = "RECEIPT"
	CmdDisconnect  = "DISCONNECT"

	// CmdUnknown is the sentinel command produced when a frame cannot be
	// parsed. Callers treat UNKNOWN frames as ignorable, never as fatal.
	CmdUnknown = "UNKNOWN"
)

// Standard header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrMessage       = "message"
	HdrContentType   = "content-type"
)

// Frame is one decoded STOMP protocol unit. Frames are immutable values;
// construct a new one rather than mutating after dispatch.
type Frame struct {
	Command string
	Headers map[string]string
	Body    string
}

// NewFrame creates a frame with an initialized header map.
func NewFrame(command string) Frame {
	return Frame{Command: command, Headers: make(map[string]string)}
}

// WithHeader returns the frame with an additional header set.
func (f Frame) WithHeader(key, value string) Frame {
	if f.Headers == nil {
		f.Headers = make(map[string]string)
	}
	f.Headers[key] = value
	return f
}

// WithBody returns the frame with the body set.
func (f Frame) WithBody(body string) Frame {
	f.Body = body
	return f
}

// Header returns the value for key, or "" if absent.
func (f Frame) Header(key string) string {
	return f.Headers[key]
}

// IsUnknown reports whether the frame is the unparseable sentinel.
func (f Frame) IsUnknown() bool {
	return f.Command == CmdUnknown
}

// Encode serializes the frame into STOMP wire text: the command line,
// one key:value line per header, a blank line, the body, and a NUL
// terminator.
func Encode(f Frame) string {
	var b strings.Builder
	b.WriteString(f.Command)
	b.WriteByte('\n')
	for key, value := range f.Headers {
		b.WriteString(key)
		b.WriteByte(':')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(f.Body)
	b.WriteByte('\x00')
	return b.String()
}

// Decode parses raw socket text into a frame. The text up to the first NUL
// is considered; line 0 is the command, key:value lines follow until the
// first blank line, and everything after the blank line is the body with
// embedded newlines preserved. Empty or malformed input yields the UNKNOWN
// sentinel with empty headers and body rather than an error.
func Decode(raw string) Frame {
	if i := strings.IndexByte(raw, '\x00'); i >= 0 {
		raw = raw[:i]
	}
	if strings.TrimSpace(raw) == "" {
		return Frame{Command: CmdUnknown, Headers: map[string]string{}}
	}

	lines := strings.Split(raw, "\n")
	command := strings.TrimSpace(lines[0])
	if command == "" {
		return Frame{Command: CmdUnknown, Headers: map[string]string{}}
	}

	headers := make(map[string]string)
	bodyStart := len(lines)
	for i := 1; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			bodyStart = i + 1
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		// Duplicate header keys keep the first occurrence.
		if _, exists := headers[key]; !exists {
			headers[key] = value
		}
	}

	body := ""
	if bodyStart < len(lines) {
		body = strings.Join(lines[bodyStart:], "\n")
	}

	return Frame{Command: command, Headers: headers, Body: body}
}
