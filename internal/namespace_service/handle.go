package namespace_service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/AnishMulay/sandlock/internal/lease_observer"
	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/node"
	"github.com/AnishMulay/sandlock/internal/notification"
	store "github.com/AnishMulay/sandlock/internal/store_service"
	"github.com/AnishMulay/sandlock/internal/subscription_service"
)

const lockNamespace = "_lock/"

type HandleRequest struct {
	Path       string
	HandleType node.HandleType
	LockDelay  node.LockDelay
	Events     []node.EventType
	Sink       notification.Sink
}

// Handle is a granted lock on one node. LockKey is set for exclusive
// handles only; FileContent is set for shared handles only.
type Handle struct {
	Path        string
	Type        node.HandleType
	LockKey     string
	LeaseID     store.LeaseID
	FileContent string
	Events      []node.EventType
	GrantedAt   time.Time
}

// armed holds what was started for one lease.
type armed struct {
	observation  *lease_observer.Observation
	subscription *subscription_service.Subscription
	detached     bool
}

func (a *armed) stop() {
	if a.observation != nil {
		a.observation.Stop()
	}
	if a.subscription != nil {
		a.subscription.Close()
	}
}

// LockName is the store lock guarding exclusive handles on p. Encoding the
// path keeps lock names from nesting under one another.
func LockName(p string) string {
	return lockNamespace + base64.RawURLEncoding.EncodeToString([]byte(node.CleanPath(p)))
}

// CreateHandle grants client a handle on an existing node. Exclusive
// requests on a held node bump its lock request number and fail with
// ErrAlreadyLocked.
func (s *NamespaceService) CreateHandle(ctx context.Context, client string, req HandleRequest) (*Handle, error) {
	req.Path = node.CleanPath(req.Path)
	if !req.HandleType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandleType, req.HandleType)
	}
	if err := subscription_service.Validate(node.TypeOf(req.Path), req.HandleType, req.Events); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrObserver, req.Path, err)
	}
	if req.Sink == nil {
		req.Sink = notification.Discard
	}
	if _, err := s.getValue(ctx, req.Path); err != nil {
		return nil, err
	}

	if req.HandleType.IsExclusive() {
		return s.createExclusiveHandle(ctx, client, req)
	}
	return s.createSharedHandle(ctx, client, req)
}

// CreateDefaultHandle grants the READ handle on the root every session
// holds when it has nothing else open.
func (s *NamespaceService) CreateDefaultHandle(ctx context.Context, client string, sink notification.Sink) (*Handle, error) {
	return s.CreateHandle(ctx, client, HandleRequest{
		Path:       node.RootPath,
		HandleType: node.HandleRead,
		LockDelay:  node.MaxLockDelay,
		Sink:       sink,
	})
}

func (s *NamespaceService) createExclusiveHandle(ctx context.Context, client string, req HandleRequest) (*Handle, error) {
	if s.IsDefaultNode(req.Path) {
		return nil, fmt.Errorf("%w: %s", ErrDefaultLock, req.Path)
	}

	name := LockName(req.Path)
	holders, err := s.store.LockHolders(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(holders) > 0 {
		return nil, s.contend(ctx, client, req.Path)
	}

	h := &Handle{Path: req.Path, Type: req.HandleType, Events: req.Events, GrantedAt: time.Now()}
	entry, err := s.arm(ctx, client, req, h)
	if err != nil {
		return nil, err
	}

	h.LockKey, err = s.store.TryLock(ctx, name, h.LeaseID)
	if err != nil {
		s.disarm(ctx, h.LeaseID, entry)
		if errors.Is(err, store.ErrLocked) {
			return nil, s.contend(ctx, client, req.Path)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrLock, req.Path, err)
	}

	if err := s.grant(ctx, client, req, h, entry); err != nil {
		return nil, err
	}
	return h, nil
}

func (s *NamespaceService) createSharedHandle(ctx context.Context, client string, req HandleRequest) (*Handle, error) {
	h := &Handle{Path: req.Path, Type: req.HandleType, Events: req.Events, GrantedAt: time.Now()}
	entry, err := s.arm(ctx, client, req, h)
	if err != nil {
		return nil, err
	}
	if err := s.grant(ctx, client, req, h, entry); err != nil {
		return nil, err
	}
	return h, nil
}

// contend records a refused exclusive request on p.
func (s *NamespaceService) contend(ctx context.Context, client, p string) error {
	s.metrics.LockContention()
	if _, err := s.update(ctx, p, func(v *node.Value) error {
		v.Metadata.IncreaseLockRequestNumber()
		return nil
	}); err != nil {
		return err
	}
	s.ls.Warn(log_service.LogEvent{
		Message:  "Exclusive handle refused, node already locked",
		Metadata: map[string]any{"path": p, "client_id": client},
	})
	return fmt.Errorf("%w: %s", ErrAlreadyLocked, p)
}

// arm grants the lease and starts its observer. The registry entry exists
// before the observer so that an early expiry finds it.
func (s *NamespaceService) arm(ctx context.Context, client string, req HandleRequest, h *Handle) (*armed, error) {
	delay := req.LockDelay
	if delay == 0 {
		delay = s.lockDelay
	}
	id, err := s.store.Grant(ctx, node.NewLockDelay(delay.Seconds()).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLock, req.Path, err)
	}
	h.LeaseID = id

	entry := &armed{}
	s.mu.Lock()
	s.handles[id] = entry
	s.mu.Unlock()

	obs, err := s.observer.Arm(ctx, lease_observer.Request{
		LeaseID:    id,
		ClientID:   client,
		Path:       req.Path,
		HandleType: req.HandleType,
		Events:     req.Events,
		Sink:       req.Sink,
		GrantedAt:  h.GrantedAt,
		OnExpire:   func() { s.release(id) },
	})
	if err != nil {
		s.disarm(ctx, id, entry)
		return nil, fmt.Errorf("%w: %s: %w", ErrObserver, req.Path, err)
	}

	s.mu.Lock()
	entry.observation = obs
	s.mu.Unlock()
	return entry, nil
}

// grant records client in the lock map and installs subscriptions.
func (s *NamespaceService) grant(ctx context.Context, client string, req HandleRequest, h *Handle, entry *armed) error {
	v, err := s.update(ctx, req.Path, func(v *node.Value) error {
		v.Metadata.AddClientLock(client, req.HandleType)
		return nil
	})
	if err != nil {
		s.abandon(ctx, client, h, entry)
		return err
	}

	sub, err := s.subs.Subscribe(ctx, subscription_service.Request{
		Path:       req.Path,
		HandleType: req.HandleType,
		Events:     req.Events,
		Sink:       req.Sink,
	})
	if err != nil {
		s.abandon(ctx, client, h, entry)
		if rerr := s.RemoveClientLock(ctx, req.Path, client, req.HandleType); rerr != nil {
			s.ls.Error(log_service.LogEvent{
				Message:  "Failed to roll back lock entry",
				Metadata: map[string]any{"path": req.Path, "client_id": client, "error": rerr.Error()},
			})
		}
		return fmt.Errorf("%w: %s: %w", ErrObserver, req.Path, err)
	}

	s.mu.Lock()
	if entry.detached {
		s.mu.Unlock()
		sub.Close()
	} else {
		entry.subscription = sub
		s.mu.Unlock()
	}

	if !req.HandleType.IsExclusive() {
		h.FileContent = v.FileContent
	}
	s.metrics.HandleGranted(string(req.HandleType))
	s.ls.Debug(log_service.LogEvent{
		Message: "Handle granted",
		Metadata: map[string]any{
			"path":        req.Path,
			"client_id":   client,
			"handle_type": string(req.HandleType),
			"lease_id":    h.LeaseID.String(),
			"events":      req.Events,
		},
	})
	return nil
}

// abandon undoes arm and, for exclusive handles, the acquired lock.
func (s *NamespaceService) abandon(ctx context.Context, client string, h *Handle, entry *armed) {
	if h.LockKey != "" {
		if err := s.store.Unlock(ctx, h.LockKey); err != nil && !errors.Is(err, store.ErrKeyNotFound) {
			s.ls.Error(log_service.LogEvent{
				Message:  "Failed to release lock during rollback",
				Metadata: map[string]any{"path": h.Path, "client_id": client, "error": err.Error()},
			})
		}
	}
	s.disarm(ctx, h.LeaseID, entry)
}

// disarm removes the registry entry, stops its observer and revokes the
// lease.
func (s *NamespaceService) disarm(ctx context.Context, id store.LeaseID, entry *armed) {
	s.mu.Lock()
	if cur, ok := s.handles[id]; ok && cur == entry {
		delete(s.handles, id)
	}
	entry.detached = true
	s.mu.Unlock()

	entry.stop()
	if err := s.store.Revoke(ctx, id); err != nil && !errors.Is(err, store.ErrLeaseNotFound) {
		s.ls.Error(log_service.LogEvent{
			Message:  "Failed to revoke lease",
			Metadata: map[string]any{"lease_id": id.String(), "error": err.Error()},
		})
	}
}

// detach takes the registry entry for id out of the registry.
func (s *NamespaceService) detach(id store.LeaseID) *armed {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lost, id)
	entry, ok := s.handles[id]
	if !ok {
		return nil
	}
	delete(s.handles, id)
	entry.detached = true
	return entry
}

// release tears down the subscription of a lease that was lost. The
// observer has already exited.
func (s *NamespaceService) release(id store.LeaseID) {
	s.mu.Lock()
	entry, ok := s.handles[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.handles, id)
	entry.detached = true
	s.lost[id] = struct{}{}
	sub := entry.subscription
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// leaseLost reports whether an exclusive handle whose lock key is gone lost
// it with its lease. A handle still registered has not been released, so
// its key can only have gone with the lease.
func (s *NamespaceService) leaseLost(id store.LeaseID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, registered := s.handles[id]
	_, lost := s.lost[id]
	return registered || lost
}

// Unlock releases a handle. Exclusive handles must still own their lock
// key unless their lease was lost, in which case only the lock map entry
// and subscriptions are left to clean up. The root READ handle is only
// released when canUnlockRoot is set.
func (s *NamespaceService) Unlock(ctx context.Context, client string, h *Handle, canUnlockRoot bool) error {
	p := node.CleanPath(h.Path)

	switch {
	case h.Type.IsExclusive():
		if h.LockKey == "" {
			return fmt.Errorf("%w: %s", ErrNotLocked, p)
		}
		ok, err := s.exists(ctx, h.LockKey)
		if err != nil {
			return err
		}
		if !ok && !s.leaseLost(h.LeaseID) {
			return fmt.Errorf("%w: %s", ErrNotLocked, p)
		}
	case h.Type == node.HandleRead:
		if p == node.RootPath && !canUnlockRoot {
			return ErrRootUnlock
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownHandleType, h.Type)
	}

	entry := s.detach(h.LeaseID)
	if entry != nil && entry.observation != nil {
		entry.observation.Stop()
	}

	if h.Type.IsExclusive() {
		if err := s.store.Unlock(ctx, h.LockKey); err != nil && !errors.Is(err, store.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s: %w", ErrLock, p, err)
		}
	}
	if err := s.store.Revoke(ctx, h.LeaseID); err != nil && !errors.Is(err, store.ErrLeaseNotFound) {
		return fmt.Errorf("%w: %s: %w", ErrLock, p, err)
	}
	if err := s.RemoveClientLock(ctx, p, client, h.Type); err != nil {
		return err
	}

	if p != node.RootPath && entry != nil && entry.subscription != nil {
		entry.subscription.Close()
	}

	s.ls.Debug(log_service.LogEvent{
		Message:  "Handle released",
		Metadata: map[string]any{"path": p, "client_id": client, "handle_type": string(h.Type), "lease_id": h.LeaseID.String()},
	})
	return nil
}
