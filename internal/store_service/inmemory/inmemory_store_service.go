package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AnishMulay/sandlock/internal/log_service"
	store "github.com/AnishMulay/sandlock/internal/store_service"
)

type lease struct {
	ttl        int64
	keys       map[string]struct{}
	keepAlives []chan store.KeepAliveResponse
}

type watcher struct {
	key    string
	mu     sync.Mutex
	queue  []store.WatchEvent
	notify chan struct{}
}

// InMemoryStoreService keeps every key in a map. Leases never expire on
// their own; ExpireLease simulates a lost keepalive.
type InMemoryStoreService struct {
	mu       sync.Mutex
	data     map[string][]byte
	leases   map[store.LeaseID]*lease
	watchers map[*watcher]struct{}
	nextID   store.LeaseID
	closed   bool
	ls       log_service.LogService
}

func NewInMemoryStoreService(ls log_service.LogService) *InMemoryStoreService {
	return &InMemoryStoreService{
		data:     make(map[string][]byte),
		leases:   make(map[store.LeaseID]*lease),
		watchers: make(map[*watcher]struct{}),
		nextID:   0x1000,
		ls:       ls,
	}
}

func (s *InMemoryStoreService) Get(ctx context.Context, key string) (*store.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, store.ErrKeyNotFound)
	}
	return &store.KeyValue{Key: key, Value: clone(v)}, nil
}

func (s *InMemoryStoreService) GetPrefix(ctx context.Context, prefix string) ([]store.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	keys := make([]string, 0)
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]store.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, store.KeyValue{Key: k, Value: clone(s.data[k])})
	}
	return out, nil
}

func (s *InMemoryStoreService) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	s.putLocked(key, value)
	return nil
}

func (s *InMemoryStoreService) PutWithLease(ctx context.Context, key string, value []byte, id store.LeaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	l, ok := s.leases[id]
	if !ok {
		return fmt.Errorf("lease %s: %w", id, store.ErrLeaseNotFound)
	}
	s.putLocked(key, value)
	l.keys[key] = struct{}{}
	return nil
}

func (s *InMemoryStoreService) putLocked(key string, value []byte) {
	s.data[key] = clone(value)
	s.publishLocked(store.WatchEvent{Type: store.EventPut, Key: key, Value: clone(value)})
}

func (s *InMemoryStoreService) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrStoreClosed
	}
	return s.deleteLocked(key), nil
}

func (s *InMemoryStoreService) deleteLocked(key string) bool {
	if _, ok := s.data[key]; !ok {
		return false
	}
	delete(s.data, key)
	for _, l := range s.leases {
		delete(l.keys, key)
	}
	s.publishLocked(store.WatchEvent{Type: store.EventDelete, Key: key})
	return true
}

func (s *InMemoryStoreService) Grant(ctx context.Context, ttlSeconds int64) (store.LeaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrStoreClosed
	}
	s.nextID++
	id := s.nextID
	s.leases[id] = &lease{ttl: ttlSeconds, keys: make(map[string]struct{})}
	return id, nil
}

// KeepAlive emits one response immediately, then stays quiet until the
// lease ends or ctx is done.
func (s *InMemoryStoreService) KeepAlive(ctx context.Context, id store.LeaseID) (<-chan store.KeepAliveResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	l, ok := s.leases[id]
	if !ok {
		return nil, fmt.Errorf("lease %s: %w", id, store.ErrLeaseNotFound)
	}

	raw := make(chan store.KeepAliveResponse, 1)
	raw <- store.KeepAliveResponse{ID: id, TTL: l.ttl}
	l.keepAlives = append(l.keepAlives, raw)

	out := make(chan store.KeepAliveResponse)
	go func() {
		defer close(out)
		for {
			select {
			case ka, ok := <-raw:
				if !ok {
					return
				}
				select {
				case out <- ka:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *InMemoryStoreService) Revoke(ctx context.Context, id store.LeaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	if !s.endLeaseLocked(id) {
		return fmt.Errorf("lease %s: %w", id, store.ErrLeaseNotFound)
	}
	return nil
}

// ExpireLease ends the lease as if its keepalive had failed: attached keys
// are removed and keepalive channels close.
func (s *InMemoryStoreService) ExpireLease(id store.LeaseID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endLeaseLocked(id)
}

func (s *InMemoryStoreService) endLeaseLocked(id store.LeaseID) bool {
	l, ok := s.leases[id]
	if !ok {
		return false
	}
	delete(s.leases, id)
	for k := range l.keys {
		s.deleteLocked(k)
	}
	for _, ch := range l.keepAlives {
		close(ch)
	}
	return true
}

// HasLease reports whether the lease is still live.
func (s *InMemoryStoreService) HasLease(id store.LeaseID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.leases[id]
	return ok
}

func (s *InMemoryStoreService) TryLock(ctx context.Context, name string, id store.LeaseID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", store.ErrStoreClosed
	}
	l, ok := s.leases[id]
	if !ok {
		return "", fmt.Errorf("lease %s: %w", id, store.ErrLeaseNotFound)
	}

	key := store.LockKey(name, id)
	prefix := store.LockPrefix(name)
	for k := range s.data {
		if strings.HasPrefix(k, prefix) && k != key {
			return "", fmt.Errorf("%s: %w", name, store.ErrLocked)
		}
	}
	s.putLocked(key, nil)
	l.keys[key] = struct{}{}
	return key, nil
}

func (s *InMemoryStoreService) LockHolders(ctx context.Context, name string) ([]string, error) {
	kvs, err := s.GetPrefix(ctx, store.LockPrefix(name))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, kv.Key)
	}
	return out, nil
}

func (s *InMemoryStoreService) Unlock(ctx context.Context, lockKey string) error {
	deleted, err := s.Delete(ctx, lockKey)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("lock %s: %w", lockKey, store.ErrKeyNotFound)
	}
	return nil
}

func (s *InMemoryStoreService) Watch(ctx context.Context, key string) <-chan store.WatchEvent {
	out := make(chan store.WatchEvent)
	w := &watcher{key: key, notify: make(chan struct{}, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(out)
		return out
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.watchers, w)
			s.mu.Unlock()
		}()
		for {
			w.mu.Lock()
			pending := w.queue
			w.queue = nil
			w.mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-w.notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *InMemoryStoreService) publishLocked(ev store.WatchEvent) {
	for w := range s.watchers {
		if w.key != ev.Key {
			continue
		}
		w.mu.Lock()
		w.queue = append(w.queue, ev)
		w.mu.Unlock()
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

// WatcherCount reports how many watches are currently open.
func (s *InMemoryStoreService) WatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *InMemoryStoreService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id := range s.leases {
		s.endLeaseLocked(id)
	}
	s.ls.Debug(log_service.LogEvent{Message: "In-memory store closed"})
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var _ store.StoreService = (*InMemoryStoreService)(nil)
