package server

// Server is a cell server bound to a communicator.
type Server interface {
	Start() error
	Stop() error
}
