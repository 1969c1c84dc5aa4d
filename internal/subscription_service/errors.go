package subscription_service

import "errors"

var (
	ErrFileOnlyEvent      = errors.New("event can only be requested on file nodes")
	ErrDirectoryOnlyEvent = errors.New("event can only be requested on directory nodes")
	ErrExclusiveOnlyEvent = errors.New("event can only be requested with an exclusive handle")
	ErrSnapshotFailed     = errors.New("failed to read node snapshot")
)
