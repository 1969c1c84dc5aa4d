package cluster_service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/rand"

	"github.com/AnishMulay/sandlock/internal/log_service"
	store "github.com/AnishMulay/sandlock/internal/store_service"
)

const (
	LeaseTTL      = 5 // seconds
	PrefixCluster = "_cluster/"

	reregisterInterval = time.Second
)

// StoreClusterService keeps one lease-bound key per live server under
// _cluster/<cell>/<id>. A server whose lease lapses drops out of the
// listing without any cleanup on its part.
type StoreClusterService struct {
	mu    sync.Mutex
	store store.StoreService
	ls    log_service.LogService
	cell  string

	self    ClusterNode
	leaseID store.LeaseID
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewStoreClusterService(s store.StoreService, cell string, ls log_service.LogService) *StoreClusterService {
	return &StoreClusterService{store: s, cell: cell, ls: ls}
}

func (s *StoreClusterService) prefix() string {
	return PrefixCluster + s.cell + "/"
}

func (s *StoreClusterService) Start(ctx context.Context, self ClusterNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	self.Cell = s.cell
	if self.StartedAt.IsZero() {
		self.StartedAt = time.Now().UTC()
	}
	s.self = self

	id, err := s.register(ctx)
	if err != nil {
		return err
	}
	s.leaseID = id

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.heartbeatLoop(loopCtx, id)

	s.ls.Info(log_service.LogEvent{
		Message:  "Node registered in cluster",
		Metadata: map[string]any{"id": self.ID, "cell": s.cell, "address": self.Address, "lease_id": id.String()},
	})
	return nil
}

func (s *StoreClusterService) register(ctx context.Context) (store.LeaseID, error) {
	id, err := s.store.Grant(ctx, LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to grant cluster lease: %w", err)
	}
	val, err := json.Marshal(s.self)
	if err != nil {
		return 0, fmt.Errorf("failed to encode cluster node: %w", err)
	}
	if err := s.store.PutWithLease(ctx, s.prefix()+s.self.ID, val, id); err != nil {
		_ = s.store.Revoke(ctx, id)
		return 0, fmt.Errorf("failed to put cluster key: %w", err)
	}
	return id, nil
}

// heartbeatLoop renews the lease and registers again under a fresh lease
// whenever the current one is lost.
func (s *StoreClusterService) heartbeatLoop(ctx context.Context, id store.LeaseID) {
	defer s.wg.Done()

	for {
		ch, err := s.store.KeepAlive(ctx, id)
		if err == nil {
			for range ch {
			}
		}
		if ctx.Err() != nil {
			return
		}

		s.ls.Error(log_service.LogEvent{
			Message:  "Cluster keepalive ended unexpectedly",
			Metadata: map[string]any{"id": s.self.ID, "lease_id": id.String()},
		})

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reregisterInterval + time.Duration(rand.Intn(250))*time.Millisecond):
			}
			next, err := s.register(ctx)
			if err != nil {
				s.ls.Warn(log_service.LogEvent{
					Message:  "Failed to re-register in cluster",
					Metadata: map[string]any{"id": s.self.ID, "error": err.Error()},
				})
				continue
			}
			s.mu.Lock()
			s.leaseID = next
			s.mu.Unlock()
			id = next
			break
		}
	}
}

func (s *StoreClusterService) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	s.ls.Info(log_service.LogEvent{Message: "Stopping cluster service", Metadata: map[string]any{"id": s.self.ID}})
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	id := s.leaseID
	s.leaseID = 0
	s.mu.Unlock()

	if err := s.store.Revoke(ctx, id); err != nil {
		s.ls.Warn(log_service.LogEvent{Message: "Failed to revoke lease during shutdown", Metadata: map[string]any{"error": err.Error()}})
		return fmt.Errorf("failed to deregister %s: %w", s.self.ID, err)
	}
	return nil
}

func (s *StoreClusterService) GetHealthyNodes(ctx context.Context) ([]ClusterNode, error) {
	kvs, err := s.store.GetPrefix(ctx, s.prefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster nodes: %w", err)
	}
	nodes := make([]ClusterNode, 0, len(kvs))
	for _, kv := range kvs {
		var n ClusterNode
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			s.ls.Warn(log_service.LogEvent{
				Message:  "Skipping malformed cluster entry",
				Metadata: map[string]any{"key": kv.Key, "error": err.Error()},
			})
			continue
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

var _ ClusterService = (*StoreClusterService)(nil)
