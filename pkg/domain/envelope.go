package domain

import (
	"bufio"
	"bytes"
	"net/textproto"
	"strings"
	"time"
)

// ClientInfo describes the peer that handed a message to an edge.
type ClientInfo struct {
	IP       string `json:"ip"`
	EHLO     string `json:"ehlo,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	// AuthID is the authenticated identity; empty for anonymous sessions.
	AuthID string `json:"auth_id,omitempty"`
}

// Authenticated reports whether the session completed AUTH.
func (c ClientInfo) Authenticated() bool {
	return c.AuthID != ""
}

// Credentials are the values supplied by a client during AUTH.
type Credentials struct {
	AuthcID string
	AuthzID string
	Secret  string
}

// Envelope is a message in flight: the SMTP envelope plus the raw message
// (header block and body, CRLF line endings).
type Envelope struct {
	ID         string     `json:"id"`
	Sender     string     `json:"sender"`
	Recipients []string   `json:"recipients"`
	Message    []byte     `json:"message"`
	Client     ClientInfo `json:"client"`
	// Receiver is the hostname of the edge that accepted the message.
	Receiver  string    `json:"receiver,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	out := *e
	out.Recipients = append([]string(nil), e.Recipients...)
	out.Message = bytes.Clone(e.Message)
	return &out
}

// Header returns the first value of the named header, or "".
func (e *Envelope) Header(name string) string {
	return e.headers().Get(name)
}

// HasHeader reports whether the named header is present.
func (e *Envelope) HasHeader(name string) bool {
	_, ok := e.headers()[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// PrependHeader inserts a header field at the top of the header block.
func (e *Envelope) PrependHeader(name, value string) {
	field := name + ": " + value + "\r\n"
	e.Message = append([]byte(field), e.Message...)
}

// Body returns the message body without the header block.
func (e *Envelope) Body() []byte {
	_, body := splitMessage(e.Message)
	return body
}

func (e *Envelope) headers() textproto.MIMEHeader {
	head, _ := splitMessage(e.Message)
	if len(head) == 0 {
		return textproto.MIMEHeader{}
	}
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(append(bytes.Clone(head), "\r\n\r\n"...))))
	h, err := r.ReadMIMEHeader()
	if err != nil && h == nil {
		return textproto.MIMEHeader{}
	}
	return h
}

// splitMessage separates the header block from the body. A message without
// a blank line is all headers.
func splitMessage(msg []byte) (head, body []byte) {
	if i := bytes.Index(msg, []byte("\r\n\r\n")); i >= 0 {
		return msg[:i], msg[i+4:]
	}
	if i := bytes.Index(msg, []byte("\n\n")); i >= 0 {
		return msg[:i], msg[i+2:]
	}
	return msg, nil
}

// Domain returns the part of address after the last '@', lower-cased.
func Domain(address string) string {
	if i := strings.LastIndexByte(address, '@'); i >= 0 {
		return strings.ToLower(address[i+1:])
	}
	return ""
}

// LocalPart returns the part of address before the last '@'.
func LocalPart(address string) string {
	if i := strings.LastIndexByte(address, '@'); i >= 0 {
		return address[:i]
	}
	return address
}
