package server

import "errors"

var (
	ErrServerStartFailed = errors.New("failed to start server")

	ErrInvalidPayloadType = errors.New("invalid payload type for message")
	ErrSessionNotFound    = errors.New("session not found")
	ErrServerStopping     = errors.New("server is stopping")
)
