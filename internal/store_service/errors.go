package store_service

import "errors"

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrLocked        = errors.New("lock is held by another session")
	ErrLeaseNotFound = errors.New("lease not found")
	ErrStoreClosed   = errors.New("store is closed")
)
