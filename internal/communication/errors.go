package communication

import "errors"

var (
	ErrServerStartFailed = errors.New("failed to start server")

	ErrClientCreateFailed = errors.New("failed to create client")
	ErrConnectionFailed   = errors.New("failed to connect to server")

	ErrHandlerNotSet       = errors.New("message handler not set")
	ErrMessageSendFailed   = errors.New("failed to send message")
	ErrStreamFailed        = errors.New("stream failed")
	ErrStreamNotFound      = errors.New("stream target not found")
	ErrUnknownMessageType  = errors.New("unknown message type")
	ErrCommunicatorStopped = errors.New("communicator stopped")

	ErrPayloadMarshalFailed   = errors.New("failed to marshal payload")
	ErrPayloadUnmarshalFailed = errors.New("failed to unmarshal payload")
	ErrMessageMarshalFailed   = errors.New("failed to marshal message")

	ErrGRPCListenFailed = errors.New("failed to listen on address")
)
