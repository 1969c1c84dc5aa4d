package namespace_service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
	"go.uber.org/multierr"

	"github.com/AnishMulay/sandlock/internal/lease_observer"
	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/metrics"
	"github.com/AnishMulay/sandlock/internal/node"
	store "github.com/AnishMulay/sandlock/internal/store_service"
	"github.com/AnishMulay/sandlock/internal/subscription_service"
)

const (
	LsDir        = "ls"
	ACLDir       = "acl"
	ACLExtension = ".txt"

	stripeCount = 64
)

// DefaultACLNames are bound at the root and inherited by every node that
// does not override them.
var DefaultACLNames = map[node.HandleType]string{
	node.HandleRead:      "read",
	node.HandleWrite:     "write",
	node.HandleChangeACL: "change_acl",
}

// NamespaceService is the authority over one cell's namespace. Node values
// live in the store; the service itself only tracks the observers and
// subscriptions armed for the handles it granted.
type NamespaceService struct {
	store    store.StoreService
	subs     *subscription_service.SubscriptionService
	observer *lease_observer.LeaseObserver
	ls       log_service.LogService
	metrics  *metrics.Metrics

	cell     string
	cellRoot string
	aclDir   string
	defaults map[string]bool
	// lockDelay applies to handle requests that name none.
	lockDelay node.LockDelay

	// stripes serialize read-modify-write cycles issued by this process on
	// the same node.
	stripes [stripeCount]sync.Mutex

	mu      sync.Mutex
	handles map[store.LeaseID]*armed
	// lost holds leases whose loss was observed but whose handle the
	// client has not released yet.
	lost map[store.LeaseID]struct{}
}

func NewNamespaceService(s store.StoreService, cell string, ls log_service.LogService, m *metrics.Metrics) *NamespaceService {
	cellRoot := node.CleanPath("/" + LsDir + "/" + cell)
	aclDir := cellRoot + "/" + ACLDir

	ns := &NamespaceService{
		store:    s,
		subs:     subscription_service.NewSubscriptionService(s, ls, m),
		ls:       ls,
		metrics:  m,
		cell:     cell,
		cellRoot: cellRoot,
		aclDir:   aclDir,
		handles:  make(map[store.LeaseID]*armed),
		lost:     make(map[store.LeaseID]struct{}),

		lockDelay: node.DefaultLockDelay,
	}
	ns.observer = lease_observer.NewLeaseObserver(s, ns, ls, m)

	ns.defaults = make(map[string]bool)
	for _, p := range ns.DefaultNodes() {
		ns.defaults[p] = true
	}
	return ns
}

func (s *NamespaceService) Cell() string { return s.cell }

// SetDefaultLockDelay changes the lease TTL granted when a handle request
// leaves LockDelay at zero. Call it before serving requests.
func (s *NamespaceService) SetDefaultLockDelay(d node.LockDelay) {
	if d <= 0 {
		d = node.DefaultLockDelay
	}
	s.lockDelay = node.NewLockDelay(int64(d))
}

func (s *NamespaceService) Root() string { return node.RootPath }

func (s *NamespaceService) CellRoot() string { return s.cellRoot }

// DefaultNodes lists the bootstrap nodes, parents first.
func (s *NamespaceService) DefaultNodes() []string {
	return []string{
		node.RootPath,
		"/" + LsDir,
		s.cellRoot,
		s.aclDir,
		s.ACLFilePath(DefaultACLNames[node.HandleWrite]),
		s.ACLFilePath(DefaultACLNames[node.HandleRead]),
		s.ACLFilePath(DefaultACLNames[node.HandleChangeACL]),
	}
}

func (s *NamespaceService) IsDefaultNode(p string) bool {
	return s.defaults[node.CleanPath(p)]
}

// ACLFilePath maps an ACL name to the file listing its usernames.
func (s *NamespaceService) ACLFilePath(name string) string {
	return s.aclDir + "/" + name + ACLExtension
}

// GetNode reads the node stored at p.
func (s *NamespaceService) GetNode(ctx context.Context, p string) (*node.Node, error) {
	p = node.CleanPath(p)
	v, err := s.getValue(ctx, p)
	if err != nil {
		return nil, err
	}
	return &node.Node{Path: p, Value: v}, nil
}

// ReadACL returns the ACL names bound to the node at p.
func (s *NamespaceService) ReadACL(ctx context.Context, p string) (map[node.HandleType]string, error) {
	v, err := s.getValue(ctx, node.CleanPath(p))
	if err != nil {
		return nil, err
	}
	return v.Metadata.ACLNames, nil
}

// RemoveClientLock drops client's entry of type h from the node's lock map.
// A node that no longer exists is not an error.
func (s *NamespaceService) RemoveClientLock(ctx context.Context, p, client string, h node.HandleType) error {
	_, err := s.update(ctx, node.CleanPath(p), func(v *node.Value) error {
		v.Metadata.RemoveClientLock(client, h)
		return nil
	})
	if errors.Is(err, ErrNodeNotFound) {
		return nil
	}
	return err
}

// Close stops every observer and subscription armed by this service and
// revokes their leases.
func (s *NamespaceService) Close(ctx context.Context) error {
	s.mu.Lock()
	entries := make(map[store.LeaseID]*armed, len(s.handles))
	for id, e := range s.handles {
		entries[id] = e
		e.detached = true
	}
	s.handles = make(map[store.LeaseID]*armed)
	s.lost = make(map[store.LeaseID]struct{})
	s.mu.Unlock()

	var errs error
	for id, e := range entries {
		e.stop()
		if err := s.store.Revoke(ctx, id); err != nil && !errors.Is(err, store.ErrLeaseNotFound) {
			errs = multierr.Append(errs, err)
		}
	}
	s.ls.Info(log_service.LogEvent{
		Message:  "Namespace service closed",
		Metadata: map[string]any{"cell": s.cell, "released_handles": len(entries)},
	})
	return errs
}

func (s *NamespaceService) getValue(ctx context.Context, p string) (node.Value, error) {
	kv, err := s.store.Get(ctx, p)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return node.Value{}, fmt.Errorf("%w: %s", ErrNodeNotFound, p)
		}
		return node.Value{}, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return node.Decode(kv.Value)
}

func (s *NamespaceService) putValue(ctx context.Context, p string, v node.Value) error {
	data, err := node.Encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p, err)
	}
	if err := s.store.Put(ctx, p, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

func (s *NamespaceService) stripe(p string) *sync.Mutex {
	return &s.stripes[xxh3.HashString(p)%stripeCount]
}

// update runs one read-modify-write cycle on the node at p. fn must not
// call update itself.
func (s *NamespaceService) update(ctx context.Context, p string, fn func(v *node.Value) error) (node.Value, error) {
	mu := s.stripe(p)
	mu.Lock()
	defer mu.Unlock()

	v, err := s.getValue(ctx, p)
	if err != nil {
		return node.Value{}, err
	}
	if err := fn(&v); err != nil {
		return node.Value{}, err
	}
	if err := s.putValue(ctx, p, v); err != nil {
		return node.Value{}, err
	}
	return v, nil
}

func (s *NamespaceService) exists(ctx context.Context, p string) (bool, error) {
	_, err := s.store.Get(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrKeyNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to read %s: %w", p, err)
}

// countChildren counts the immediate children of p present in the store.
func (s *NamespaceService) countChildren(ctx context.Context, p string) (int, error) {
	prefix := node.ChildPrefix(p)
	kvs, err := s.store.GetPrefix(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list children of %s: %w", p, err)
	}
	n := 0
	for _, kv := range kvs {
		rest := strings.TrimPrefix(kv.Key, prefix)
		if !strings.HasPrefix(kv.Key, "/") || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		n++
	}
	return n, nil
}

func (s *NamespaceService) refreshChildCount(ctx context.Context, p string) error {
	_, err := s.update(ctx, p, func(v *node.Value) error {
		count, err := s.countChildren(ctx, p)
		if err != nil {
			return err
		}
		v.Metadata.ChildNodeNumber = count
		return nil
	})
	return err
}
