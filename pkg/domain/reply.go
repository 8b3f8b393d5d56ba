package domain

import "strconv"

// Reply is the protocol-level answer to one stage of a client session.
// Validators mutate it to reject; the default is acceptance.
type Reply struct {
	Code int
	// Message carries the enhanced status code prefix, e.g. "5.7.1 Access denied".
	Message string
}

// NewReply returns an accepting reply with the given code and message.
func NewReply(code int, message string) *Reply {
	return &Reply{Code: code, Message: message}
}

// Set replaces code and message.
func (r *Reply) Set(code int, message string) {
	r.Code = code
	r.Message = message
}

// Accepted reports whether the reply lets the session continue.
func (r *Reply) Accepted() bool {
	return r.Code < 400
}

func (r *Reply) String() string {
	return strconv.Itoa(r.Code) + " " + r.Message
}
