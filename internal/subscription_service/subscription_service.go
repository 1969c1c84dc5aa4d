package subscription_service

import (
	"context"
	"fmt"
	"sync"

	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/metrics"
	"github.com/AnishMulay/sandlock/internal/node"
	"github.com/AnishMulay/sandlock/internal/notification"
	store "github.com/AnishMulay/sandlock/internal/store_service"
)

type Request struct {
	Path       string
	HandleType node.HandleType
	Events     []node.EventType
	Sink       notification.Sink
}

type SubscriptionService struct {
	store   store.StoreService
	ls      log_service.LogService
	metrics *metrics.Metrics
}

func NewSubscriptionService(s store.StoreService, ls log_service.LogService, m *metrics.Metrics) *SubscriptionService {
	return &SubscriptionService{store: s, ls: ls, metrics: m}
}

// Subscription owns the watchers installed for one handle.
type Subscription struct {
	path   string
	events []node.EventType
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *Subscription) Path() string { return s.path }

// Events lists the watched event kinds.
func (s *Subscription) Events() []node.EventType {
	return append([]node.EventType(nil), s.events...)
}

// Close stops every watcher and waits for them to exit.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// Subscribe installs one watcher per requested event kind that has a watch
// policy. HANDLE_INVALID and NONE install nothing here.
func (s *SubscriptionService) Subscribe(ctx context.Context, req Request) (*Subscription, error) {
	path := node.CleanPath(req.Path)
	if err := Validate(node.TypeOf(path), req.HandleType, req.Events); err != nil {
		return nil, err
	}

	sink := req.Sink
	if sink == nil {
		sink = notification.Discard
	}

	wctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{path: path, cancel: cancel}

	for _, e := range req.Events {
		p, ok := policies[e]
		if !ok {
			continue
		}

		events := s.store.Watch(wctx, path)
		snapshot, err := s.snapshot(ctx, path)
		if err != nil {
			sub.Close()
			return nil, err
		}

		sub.events = append(sub.events, e)
		sub.wg.Add(1)
		go s.run(&sub.wg, path, p, snapshot, events, sink)
	}

	s.ls.Debug(log_service.LogEvent{
		Message:  "Subscriptions installed",
		Metadata: map[string]any{"path": path, "events": sub.events},
	})
	return sub, nil
}

func (s *SubscriptionService) snapshot(ctx context.Context, path string) (node.Metadata, error) {
	kv, err := s.store.Get(ctx, path)
	if err != nil {
		return node.Metadata{}, fmt.Errorf("%w: %s: %w", ErrSnapshotFailed, path, err)
	}
	v, err := node.Decode(kv.Value)
	if err != nil {
		return node.Metadata{}, fmt.Errorf("%w: %w", ErrSnapshotFailed, err)
	}
	return v.Metadata, nil
}

func (s *SubscriptionService) run(wg *sync.WaitGroup, path string, p policy, old node.Metadata, events <-chan store.WatchEvent, sink notification.Sink) {
	defer wg.Done()

	delivered := false
	for ev := range events {
		if ev.Type != store.EventPut || (p.once && delivered) {
			continue
		}

		v, err := node.Decode(ev.Value)
		if err != nil {
			s.ls.Warn(log_service.LogEvent{
				Message:  "Skipping undecodable node value",
				Metadata: map[string]any{"path": path, "error": err.Error()},
			})
			continue
		}

		fire, msg := p.evaluate(old, v.Metadata)
		if !fire {
			if p.refresh {
				old = v.Metadata
			}
			continue
		}

		if p.rearm {
			old = v.Metadata
		}
		delivered = true
		sink.Notify(notification.New(path, p.event, msg))
		s.metrics.Notification(string(p.event))
		s.ls.Debug(log_service.LogEvent{
			Message:  "Notification sent",
			Metadata: map[string]any{"path": path, "event": string(p.event)},
		})
	}
}

func fmtEventErr(e node.EventType, err error) error {
	return fmt.Errorf("%s: %w", e, err)
}
