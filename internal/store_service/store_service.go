package store_service

import (
	"context"
	"fmt"
)

// LeaseID identifies a TTL lease granted by the store.
type LeaseID int64

func (id LeaseID) String() string {
	return fmt.Sprintf("%x", int64(id))
}

type KeyValue struct {
	Key   string
	Value []byte
}

type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	if t == EventDelete {
		return "DELETE"
	}
	return "PUT"
}

type WatchEvent struct {
	Type  EventType
	Key   string
	Value []byte
}

type KeepAliveResponse struct {
	ID  LeaseID
	TTL int64
}

// StoreService is the narrow view of the key-value substrate the namespace
// engine needs.
type StoreService interface {
	// Get returns ErrKeyNotFound when key is absent.
	Get(ctx context.Context, key string) (*KeyValue, error)
	// GetPrefix returns every key starting with prefix in ascending order.
	GetPrefix(ctx context.Context, prefix string) ([]KeyValue, error)
	Put(ctx context.Context, key string, value []byte) error
	// PutWithLease writes key so that it is removed when the lease ends.
	PutWithLease(ctx context.Context, key string, value []byte, id LeaseID) error
	// Delete reports whether a key was removed.
	Delete(ctx context.Context, key string) (bool, error)

	Grant(ctx context.Context, ttlSeconds int64) (LeaseID, error)
	// KeepAlive renews the lease until ctx ends. The channel is closed when
	// the lease can no longer be renewed or ctx is done.
	KeepAlive(ctx context.Context, id LeaseID) (<-chan KeepAliveResponse, error)
	Revoke(ctx context.Context, id LeaseID) error

	// TryLock acquires the cooperative lock name bound to the lease without
	// waiting. It returns the lock key, or ErrLocked if another holder exists.
	TryLock(ctx context.Context, name string, id LeaseID) (string, error)
	// LockHolders lists the lock keys currently held under name.
	LockHolders(ctx context.Context, name string) ([]string, error)
	Unlock(ctx context.Context, lockKey string) error

	// Watch streams mutations of a single key until ctx ends.
	Watch(ctx context.Context, key string) <-chan WatchEvent

	Close() error
}
