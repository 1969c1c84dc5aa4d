package session

import "errors"

var (
	ErrUnknownCommand  = errors.New("no matching command found")
	ErrMissingArgument = errors.New("missing argument")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrExclusiveHeld = errors.New("cannot open while holding an exclusive lock on another node")
	ErrSharedHeld    = errors.New("cannot open while holding a shared lock on a node that is not root")
	ErrNotPermitted  = errors.New("client not permitted")
	ErrSessionClosed = errors.New("session closed")
)
