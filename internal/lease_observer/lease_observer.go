package lease_observer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/metrics"
	"github.com/AnishMulay/sandlock/internal/node"
	"github.com/AnishMulay/sandlock/internal/notification"
	store "github.com/AnishMulay/sandlock/internal/store_service"
)

// CleanupTimeout bounds the lock-map cleanup run after a lease is lost.
const CleanupTimeout = 5 * time.Second

// LockRemover drops a client's entry from a node's lock map. A missing node
// must not be reported as an error.
type LockRemover interface {
	RemoveClientLock(ctx context.Context, path, clientID string, handleType node.HandleType) error
}

type Request struct {
	LeaseID    store.LeaseID
	ClientID   string
	Path       string
	HandleType node.HandleType
	Events     []node.EventType
	Sink       notification.Sink
	GrantedAt  time.Time
	// OnExpire runs after cleanup when the lease was lost rather than stopped.
	OnExpire func()
}

type LeaseObserver struct {
	store   store.StoreService
	remover LockRemover
	ls      log_service.LogService
	metrics *metrics.Metrics
}

func NewLeaseObserver(s store.StoreService, remover LockRemover, ls log_service.LogService, m *metrics.Metrics) *LeaseObserver {
	return &LeaseObserver{store: s, remover: remover, ls: ls, metrics: m}
}

// Observation is one armed observer. It lives until the lease ends or Stop
// is called.
type Observation struct {
	req     Request
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
}

func (w *Observation) LeaseID() store.LeaseID { return w.req.LeaseID }

// Stop detaches the observer. Once Stop has been called no HANDLE_INVALID
// is sent for the lease, even when its loss raced with the call.
func (w *Observation) Stop() {
	w.stopped.Store(true)
	w.claim()
	w.cancel()
	<-w.done
}

// claim reports whether the caller is first to end the observation.
func (w *Observation) claim() bool {
	won := false
	w.once.Do(func() { won = true })
	return won
}

// Done is closed once the observer goroutine has exited.
func (w *Observation) Done() <-chan struct{} {
	return w.done
}

// Arm starts keeping the lease alive and watches for its loss.
func (o *LeaseObserver) Arm(ctx context.Context, req Request) (*Observation, error) {
	if req.GrantedAt.IsZero() {
		req.GrantedAt = time.Now()
	}
	if req.Sink == nil {
		req.Sink = notification.Discard
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := o.store.KeepAlive(kctx, req.LeaseID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to arm lease observer: %w", err)
	}

	w := &Observation{req: req, cancel: cancel, done: make(chan struct{})}
	go o.observe(w, ch)

	o.ls.Debug(log_service.LogEvent{
		Message:  "Lease observer armed",
		Metadata: map[string]any{"lease_id": req.LeaseID.String(), "path": req.Path, "client_id": req.ClientID},
	})
	return w, nil
}

func (o *LeaseObserver) observe(w *Observation, ch <-chan store.KeepAliveResponse) {
	defer close(w.done)
	defer w.cancel()

	for ka := range ch {
		o.ls.Debug(log_service.LogEvent{
			Message:  "Lease kept alive",
			Metadata: map[string]any{"lease_id": ka.ID.String(), "ttl": ka.TTL},
		})
	}

	if !w.claim() {
		return
	}
	o.expire(w)
}

func (o *LeaseObserver) expire(w *Observation) {
	req := w.req
	o.metrics.LeaseFailure()
	o.ls.Warn(log_service.LogEvent{
		Message:  "Lease lost, releasing handle",
		Metadata: map[string]any{"lease_id": req.LeaseID.String(), "path": req.Path, "client_id": req.ClientID},
	})

	ctx, cancel := context.WithTimeout(context.Background(), CleanupTimeout)
	defer cancel()

	if err := o.remover.RemoveClientLock(ctx, req.Path, req.ClientID, req.HandleType); err != nil {
		o.ls.Error(log_service.LogEvent{
			Message:  "Failed to release lock entry after lease loss",
			Metadata: map[string]any{"path": req.Path, "client_id": req.ClientID, "error": err.Error()},
		})
	}

	if w.stopped.Load() {
		return
	}

	if node.HasEvent(req.Events, node.EventHandleInvalid) {
		msg := fmt.Sprintf("handle over '%s' node (obtained at '%s') has become invalid", req.Path, req.GrantedAt.Format("2006-01-02 15:04:05"))
		req.Sink.Notify(notification.New(req.Path, node.EventHandleInvalid, msg))
		o.metrics.Notification(string(node.EventHandleInvalid))
	}

	if req.OnExpire != nil {
		req.OnExpire()
	}
}
