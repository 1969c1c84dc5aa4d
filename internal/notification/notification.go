package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AnishMulay/sandlock/internal/node"
)

var ErrMailboxClosed = errors.New("mailbox closed")

type Notification struct {
	Time    time.Time      `json:"time"`
	Path    string         `json:"path"`
	Event   node.EventType `json:"event"`
	Message string         `json:"message"`
}

func New(path string, event node.EventType, message string) Notification {
	return Notification{Time: time.Now(), Path: path, Event: event, Message: message}
}

// Format renders the notification as a single client-facing line.
func (n Notification) Format() string {
	return fmt.Sprintf("[%s] sandlock-notification:%s> %s\n", n.Time.Format("2006-01-02 15:04:05"), n.Path, n.Message)
}

// Sink receives notifications for one client session. Implementations must
// not block the caller.
type Sink interface {
	Notify(n Notification)
}

type SinkFunc func(Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Sink = SinkFunc(func(Notification) {})

// Mailbox is an unbounded, append-only queue of notifications drained by a
// single reader.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Notification
	signal chan struct{}
	closed bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{signal: make(chan struct{}, 1)}
}

func (m *Mailbox) Notify(n Notification) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, n)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Next blocks until a notification is available, ctx ends, or the mailbox
// is closed and drained.
func (m *Mailbox) Next(ctx context.Context) (Notification, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			n := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return n, nil
		}
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return Notification{}, ErrMailboxClosed
		}

		select {
		case <-m.signal:
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		}
	}
}

// Drain removes and returns everything currently queued.
func (m *Mailbox) Drain() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

var _ Sink = (*Mailbox)(nil)
