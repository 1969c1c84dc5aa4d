package cluster_service

import (
	"context"
	"errors"
	"time"
)

var ErrAlreadyStarted = errors.New("cluster service already started")

// ClusterNode is one cell server as advertised to clients.
type ClusterNode struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Cell      string    `json:"cell"`
	StartedAt time.Time `json:"startedAt"`
}

type ClusterService interface {
	// Start registers self and keeps the registration alive until Stop.
	Start(ctx context.Context, self ClusterNode) error
	Stop(ctx context.Context) error

	// GetHealthyNodes lists servers whose registration is still live,
	// ordered by ID.
	GetHealthyNodes(ctx context.Context) ([]ClusterNode, error)
}
