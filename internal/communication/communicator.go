package communication

import "context"

// Message is one request from a client. Payload holds the decoded request
// struct registered for Type, or nil.
type Message struct {
	From    string
	Type    string
	Payload any
}

type SandCode string

const (
	CodeOK          SandCode = "OK"
	CodeBadRequest  SandCode = "BAD_REQUEST"
	CodeNotFound    SandCode = "NOT_FOUND"
	CodeConflict    SandCode = "CONFLICT"
	CodeForbidden   SandCode = "FORBIDDEN"
	CodeUnavailable SandCode = "UNAVAILABLE"
	CodeInternal    SandCode = "INTERNAL"
)

type Response struct {
	Code    SandCode          `json:"code"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (r *Response) OK() bool {
	return r != nil && r.Code == CodeOK
}

// Communicator carries unary messages and server-pushed streams between
// clients and a cell server.
type Communicator interface {
	Start(handler MessageHandler, streams StreamHandler) error
	Send(ctx context.Context, to string, msg Message) (*Response, error)
	Stream(ctx context.Context, to string, msg Message) (<-chan []byte, <-chan error, error)
	Stop() error
	Address() string
}
