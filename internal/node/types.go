package node

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HandleType is the kind of lock a client holds on a node.
type HandleType string

const (
	HandleRead      HandleType = "READ"
	HandleWrite     HandleType = "WRITE"
	HandleChangeACL HandleType = "CHANGE_ACL"
)

var HandleTypes = []HandleType{HandleRead, HandleWrite, HandleChangeACL}

// IsExclusive reports whether at most one client may hold the handle type.
func (h HandleType) IsExclusive() bool {
	return h == HandleWrite || h == HandleChangeACL
}

func (h HandleType) Valid() bool {
	switch h {
	case HandleRead, HandleWrite, HandleChangeACL:
		return true
	}
	return false
}

func ParseHandleType(s string) (HandleType, error) {
	h := HandleType(strings.ToUpper(strings.TrimSpace(s)))
	if !h.Valid() {
		return "", fmt.Errorf("unknown handle type %q", s)
	}
	return h, nil
}

// EventType is a notification kind a handle may subscribe to.
type EventType string

const (
	EventFileContentsModified EventType = "FILE_CONTENTS_MODIFIED"
	EventChildNodeAdded       EventType = "CHILD_NODE_ADDED"
	EventChildNodeRemoved     EventType = "CHILD_NODE_REMOVED"
	EventChildNodeModified    EventType = "CHILD_NODE_MODIFIED"
	EventHandleInvalid        EventType = "HANDLE_INVALID"
	EventConflictingLock      EventType = "CONFLICTING_LOCK"
	EventNone                 EventType = "NONE"
)

var EventTypes = []EventType{
	EventFileContentsModified,
	EventChildNodeAdded,
	EventChildNodeRemoved,
	EventChildNodeModified,
	EventHandleInvalid,
	EventConflictingLock,
}

// ParseEventTypes normalizes a list of requested event names. Names are
// case-insensitive and deduplicated; unknown names become EventNone.
// CHILD_NODE_MODIFIED supersedes CHILD_NODE_ADDED and CHILD_NODE_REMOVED.
func ParseEventTypes(names ...string) []EventType {
	upper := make([]string, 0, len(names))
	modified := false
	for _, n := range names {
		u := strings.ToUpper(strings.TrimSpace(n))
		if u == "" {
			continue
		}
		if EventType(u) == EventChildNodeModified {
			modified = true
		}
		upper = append(upper, u)
	}

	seen := make(map[EventType]bool)
	out := make([]EventType, 0, len(upper))
	for _, u := range upper {
		e := EventType(u)
		if modified && (e == EventChildNodeAdded || e == EventChildNodeRemoved) {
			continue
		}
		if !isKnownEvent(e) {
			e = EventNone
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func isKnownEvent(e EventType) bool {
	for _, k := range EventTypes {
		if k == e {
			return true
		}
	}
	return e == EventNone
}

// HasEvent reports whether e is present in events.
func HasEvent(events []EventType, e EventType) bool {
	for _, ev := range events {
		if ev == e {
			return true
		}
	}
	return false
}

type NodeType string

const (
	TypeFile      NodeType = "FILE"
	TypeDirectory NodeType = "DIRECTORY"
)

type Attribute string

const (
	Permanent Attribute = "PERMANENT"
	Ephemeral Attribute = "EPHEMERAL"
)

func ParseAttribute(s string) (Attribute, error) {
	a := Attribute(strings.ToUpper(strings.TrimSpace(s)))
	if a != Permanent && a != Ephemeral {
		return "", fmt.Errorf("unknown node attribute %q", s)
	}
	return a, nil
}

// LockDelay is the lease TTL in seconds granted with a handle.
type LockDelay int64

const (
	MinLockDelay     LockDelay = 0
	MaxLockDelay     LockDelay = 60
	DefaultLockDelay LockDelay = 30
)

// NewLockDelay clamps seconds into [MinLockDelay, MaxLockDelay].
func NewLockDelay(seconds int64) LockDelay {
	switch {
	case seconds < int64(MinLockDelay):
		return MinLockDelay
	case seconds > int64(MaxLockDelay):
		return MaxLockDelay
	default:
		return LockDelay(seconds)
	}
}

// ParseLockDelay parses a decimal number of seconds and clamps it. Values
// too large for an int64 clamp as well.
func ParseLockDelay(s string) (LockDelay, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, err
	}
	return NewLockDelay(v), nil
}

func (d LockDelay) Seconds() int64 { return int64(d) }
