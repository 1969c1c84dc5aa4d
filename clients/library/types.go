package sandlib

import (
	"context"
	"errors"
	"sync"

	grpccomm "github.com/AnishMulay/sandlock/internal/communication/grpc"
	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/node"
	"github.com/AnishMulay/sandlock/internal/notification"
)

var (
	ErrNotConnected     = errors.New("sandlock client is not connected")
	ErrAlreadyConnected = errors.New("sandlock client is already connected")
	ErrSessionLost      = errors.New("sandlock session lost")
)

// SandlockClient holds one session with a cell server.
//
// mu protects the session fields. Notifications pushed by the server are
// delivered on the channel returned by Notifications until the session
// ends.
type SandlockClient struct {
	ClientID   string
	ServerAddr string
	Comm       *grpccomm.GRPCCommunicator
	ls         log_service.LogService

	mu         sync.Mutex
	sessionID  string
	cell       string
	path       string
	handleType node.HandleType
	lost       bool

	notifications chan notification.Notification
	cancelStream  context.CancelFunc
	wg            sync.WaitGroup
}

// Handle is the client's view of the handle its session holds.
type Handle struct {
	Path string
	Type node.HandleType
}
