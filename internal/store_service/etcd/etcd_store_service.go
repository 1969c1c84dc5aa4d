package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/client/v3/namespace"

	"github.com/AnishMulay/sandlock/internal/log_service"
	store "github.com/AnishMulay/sandlock/internal/store_service"
)

const (
	EtcdDialTimeout = 5 * time.Second
)

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Namespace prefixes every key, lease-bound lock included.
	Namespace string
}

type EtcdStoreService struct {
	mu        sync.RWMutex
	client    *clientv3.Client
	endpoints []string
	ls        log_service.LogService
	closed    bool
}

func NewEtcdStoreService(cfg Config, ls log_service.LogService) (*EtcdStoreService, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = EtcdDialTimeout
	}

	ls.Info(log_service.LogEvent{
		Message:  "Connecting to etcd",
		Metadata: map[string]any{"endpoints": cfg.Endpoints, "namespace": cfg.Namespace},
	})

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return newWithClient(cli, cfg, ls), nil
}

// NewWithClient wraps an existing client. The client is owned by the store
// from then on and closed by Close.
func NewWithClient(cli *clientv3.Client, cfg Config, ls log_service.LogService) *EtcdStoreService {
	return newWithClient(cli, cfg, ls)
}

func newWithClient(cli *clientv3.Client, cfg Config, ls log_service.LogService) *EtcdStoreService {
	if cfg.Namespace != "" {
		cli.KV = namespace.NewKV(cli.KV, cfg.Namespace)
		cli.Watcher = namespace.NewWatcher(cli.Watcher, cfg.Namespace)
		cli.Lease = namespace.NewLease(cli.Lease, cfg.Namespace)
	}
	return &EtcdStoreService{
		client:    cli,
		endpoints: cfg.Endpoints,
		ls:        ls,
	}
}

func (s *EtcdStoreService) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	return nil
}

func (s *EtcdStoreService) Get(ctx context.Context, key string) (*store.KeyValue, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%s: %w", key, store.ErrKeyNotFound)
	}
	kv := resp.Kvs[0]
	return &store.KeyValue{Key: string(kv.Key), Value: kv.Value}, nil
}

func (s *EtcdStoreService) GetPrefix(ctx context.Context, prefix string) ([]store.KeyValue, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
	}
	out := make([]store.KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, store.KeyValue{Key: string(kv.Key), Value: kv.Value})
	}
	return out, nil
}

func (s *EtcdStoreService) Put(ctx context.Context, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *EtcdStoreService) PutWithLease(ctx context.Context, key string, value []byte, id store.LeaseID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, key, string(value), clientv3.WithLease(clientv3.LeaseID(id))); err != nil {
		return mapLeaseErr(fmt.Errorf("failed to put %s: %w", key, err), err)
	}
	return nil
}

func (s *EtcdStoreService) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	resp, err := s.client.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return resp.Deleted > 0, nil
}

func (s *EtcdStoreService) Grant(ctx context.Context, ttlSeconds int64) (store.LeaseID, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	resp, err := s.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return 0, fmt.Errorf("failed to grant lease: %w", err)
	}
	s.ls.Debug(log_service.LogEvent{
		Message:  "Lease granted",
		Metadata: map[string]any{"lease_id": store.LeaseID(resp.ID).String(), "ttl": resp.TTL},
	})
	return store.LeaseID(resp.ID), nil
}

func (s *EtcdStoreService) KeepAlive(ctx context.Context, id store.LeaseID) (<-chan store.KeepAliveResponse, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ch, err := s.client.KeepAlive(ctx, clientv3.LeaseID(id))
	if err != nil {
		return nil, mapLeaseErr(fmt.Errorf("failed to start keepalive: %w", err), err)
	}

	out := make(chan store.KeepAliveResponse)
	go func() {
		defer close(out)
		for ka := range ch {
			if ka == nil {
				return
			}
			select {
			case out <- store.KeepAliveResponse{ID: store.LeaseID(ka.ID), TTL: ka.TTL}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *EtcdStoreService) Revoke(ctx context.Context, id store.LeaseID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.client.Revoke(ctx, clientv3.LeaseID(id)); err != nil {
		return mapLeaseErr(fmt.Errorf("failed to revoke lease %s: %w", id, err), err)
	}
	return nil
}

func mapLeaseErr(wrapped, cause error) error {
	if errors.Is(cause, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("%w: %w", store.ErrLeaseNotFound, wrapped)
	}
	return wrapped
}

// TryLock uses an etcd mutex bound to the caller's lease. The session is
// orphaned once the attempt completes so that the lease lifetime stays with
// the caller's own keepalive.
func (s *EtcdStoreService) TryLock(ctx context.Context, name string, id store.LeaseID) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	session, err := concurrency.NewSession(s.client,
		concurrency.WithLease(clientv3.LeaseID(id)),
		concurrency.WithContext(ctx))
	if err != nil {
		return "", mapLeaseErr(fmt.Errorf("failed to open lock session: %w", err), err)
	}
	defer session.Orphan()

	mutex := concurrency.NewMutex(session, name)
	if err := mutex.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			return "", fmt.Errorf("%s: %w", name, store.ErrLocked)
		}
		return "", fmt.Errorf("failed to lock %s: %w", name, err)
	}
	return mutex.Key(), nil
}

func (s *EtcdStoreService) LockHolders(ctx context.Context, name string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, store.LockPrefix(name), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list lock holders of %s: %w", name, err)
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, string(kv.Key))
	}
	return out, nil
}

func (s *EtcdStoreService) Unlock(ctx context.Context, lockKey string) error {
	deleted, err := s.Delete(ctx, lockKey)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("lock %s: %w", lockKey, store.ErrKeyNotFound)
	}
	return nil
}

func (s *EtcdStoreService) Watch(ctx context.Context, key string) <-chan store.WatchEvent {
	out := make(chan store.WatchEvent)
	if err := s.checkOpen(); err != nil {
		close(out)
		return out
	}

	wch := s.client.Watch(ctx, key)
	go func() {
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				s.ls.Warn(log_service.LogEvent{
					Message:  "Watch terminated",
					Metadata: map[string]any{"key": key, "error": err.Error()},
				})
				return
			}
			for _, ev := range resp.Events {
				we := store.WatchEvent{Key: string(ev.Kv.Key), Value: ev.Kv.Value}
				if ev.Type == mvccpb.DELETE {
					we.Type = store.EventDelete
				}
				select {
				case out <- we:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *EtcdStoreService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ls.Info(log_service.LogEvent{Message: "Closing etcd store", Metadata: map[string]any{"endpoints": s.endpoints}})
	return s.client.Close()
}

var _ store.StoreService = (*EtcdStoreService)(nil)
