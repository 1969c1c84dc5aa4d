package communication

import "context"

type MessageHandler func(ctx context.Context, msg Message) (*Response, error)

// StreamHandler serves one stream. Every frame passed to send reaches the
// caller in order; the stream ends when the handler returns.
type StreamHandler func(ctx context.Context, msg Message, send func([]byte) error) error
