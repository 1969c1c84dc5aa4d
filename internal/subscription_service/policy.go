package subscription_service

import "github.com/AnishMulay/sandlock/internal/node"

// policy decides whether a node mutation produces a notification.
type policy struct {
	event node.EventType
	// once stops the watcher from delivering after its first notification.
	once bool
	// evaluate compares the snapshot with the new value. refresh replaces the
	// snapshot with next when no notification is produced; fired snapshots are
	// replaced only when rearm is set.
	evaluate func(old, next node.Metadata) (fire bool, message string)
	refresh  bool
	rearm    bool
}

var policies = map[node.EventType]policy{
	node.EventFileContentsModified: {
		event: node.EventFileContentsModified,
		once:  true,
		evaluate: func(old, next node.Metadata) (bool, string) {
			return old.Checksum != next.Checksum, "file content just changed, consider reloading it"
		},
	},
	node.EventChildNodeAdded: {
		event:   node.EventChildNodeAdded,
		once:    true,
		refresh: true,
		evaluate: func(old, next node.Metadata) (bool, string) {
			return next.ChildNodeNumber > old.ChildNodeNumber, "number of children of the held node has increased"
		},
	},
	node.EventChildNodeRemoved: {
		event:   node.EventChildNodeRemoved,
		once:    true,
		refresh: true,
		evaluate: func(old, next node.Metadata) (bool, string) {
			return next.ChildNodeNumber < old.ChildNodeNumber, "number of children of the held node has decreased"
		},
	},
	node.EventChildNodeModified: {
		event:   node.EventChildNodeModified,
		once:    true,
		refresh: true,
		evaluate: func(old, next node.Metadata) (bool, string) {
			return next.ChildNodeNumber != old.ChildNodeNumber, "number of children of the held node has changed"
		},
	},
	node.EventConflictingLock: {
		event: node.EventConflictingLock,
		rearm: true,
		evaluate: func(old, next node.Metadata) (bool, string) {
			return next.LockRequestNumber != old.LockRequestNumber, "another client just tried to exclusively lock this node"
		},
	},
}

// Validate checks that every requested event applies to the node and handle.
func Validate(nodeType node.NodeType, handleType node.HandleType, events []node.EventType) error {
	for _, e := range events {
		switch e {
		case node.EventFileContentsModified:
			if nodeType != node.TypeFile {
				return fmtEventErr(e, ErrFileOnlyEvent)
			}
		case node.EventChildNodeAdded, node.EventChildNodeRemoved, node.EventChildNodeModified:
			if nodeType != node.TypeDirectory {
				return fmtEventErr(e, ErrDirectoryOnlyEvent)
			}
		case node.EventConflictingLock:
			if !handleType.IsExclusive() {
				return fmtEventErr(e, ErrExclusiveOnlyEvent)
			}
		}
	}
	return nil
}
