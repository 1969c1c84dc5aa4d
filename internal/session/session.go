package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/metrics"
	"github.com/AnishMulay/sandlock/internal/namespace_service"
	"github.com/AnishMulay/sandlock/internal/node"
	"github.com/AnishMulay/sandlock/internal/notification"
	"github.com/AnishMulay/sandlock/internal/subscription_service"
)

// Session is one connected client. It owns the client's current handle and
// the mailbox its notifications are queued in. A session always holds
// exactly one handle, the root READ handle when nothing else is open.
type Session struct {
	id      string
	client  string
	ns      *namespace_service.NamespaceService
	ls      log_service.LogService
	metrics *metrics.Metrics
	mailbox *notification.Mailbox

	mu     sync.Mutex
	handle *namespace_service.Handle
	closed bool
}

// New opens a session for client and grants it the root READ handle.
func New(ctx context.Context, id, client string, ns *namespace_service.NamespaceService, ls log_service.LogService, m *metrics.Metrics) (*Session, error) {
	s := &Session{
		id:      id,
		client:  client,
		ns:      ns,
		ls:      ls,
		metrics: m,
		mailbox: notification.NewMailbox(),
	}
	h, err := ns.CreateDefaultHandle(ctx, client, s.mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to open session for %s: %w", client, err)
	}
	s.handle = h
	m.SessionOpened()

	ls.Info(log_service.LogEvent{
		Message:  "Session opened",
		Metadata: map[string]any{"session_id": id, "client_id": client},
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Client() string { return s.client }

// Notifications is where the session's notifications are queued.
func (s *Session) Notifications() *notification.Mailbox { return s.mailbox }

// Handle returns a copy of the handle currently held.
func (s *Session) Handle() namespace_service.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.handle
}

// Close releases the current handle, the root one included. Calling it on
// a closed session does nothing.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(ctx)
}

func (s *Session) closeLocked(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.mailbox.Close()
	s.metrics.SessionClosed()

	err := s.ns.Unlock(ctx, s.client, s.handle, true)
	s.ls.Info(log_service.LogEvent{
		Message:  "Session closed",
		Metadata: map[string]any{"session_id": s.id, "client_id": s.client},
	})
	return err
}

// Execute runs one request against the namespace. Requests from one
// session are applied one at a time.
func (s *Session) Execute(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Response{}, ErrSessionClosed
	}

	s.ls.Debug(log_service.LogEvent{
		Message:  "Executing request",
		Metadata: map[string]any{"session_id": s.id, "client_id": s.client, "kind": req.Kind.String(), "path": s.handle.Path},
	})

	msg, err := s.dispatch(ctx, req)
	if err != nil {
		s.ls.Warn(log_service.LogEvent{
			Message:  "Request failed",
			Metadata: map[string]any{"session_id": s.id, "client_id": s.client, "kind": req.Kind.String(), "error": err.Error()},
		})
		return Response{}, err
	}
	return Response{
		Message:    msg,
		Path:       s.handle.Path,
		HandleType: s.handle.Type,
		Exit:       req.Kind == KindExit,
	}, nil
}

func (s *Session) dispatch(ctx context.Context, req Request) (string, error) {
	h := s.handle
	switch req.Kind {
	case KindEcho:
		return req.Text, nil
	case KindOpen:
		return s.open(ctx, req)
	case KindClose:
		return s.close(ctx)
	case KindRemove:
		return s.remove(ctx)
	case KindWriteContent:
		if err := s.ns.Write(ctx, h.Path, h.Type, req.Text); err != nil {
			return "", err
		}
		return "file content written", nil
	case KindWriteACL:
		if err := s.ns.ChangeACLNames(ctx, s.client, h.Path, h.Type, req.ACLType, req.ACLName); err != nil {
			return "", err
		}
		return fmt.Sprintf("acl '%s' of '%s' is now '%s'", strings.ToLower(string(req.ACLType)), h.Path, req.ACLName), nil
	case KindWriteAddClient:
		if err := s.ns.AddACLClient(ctx, h.Path, req.ACLType, h.Type, req.Usernames...); err != nil {
			return "", err
		}
		return fmt.Sprintf("clients added to acl '%s' of '%s'", strings.ToLower(string(req.ACLType)), h.Path), nil
	case KindReadContent:
		if node.TypeOf(h.Path) != node.TypeFile {
			return "", fmt.Errorf("%w: cannot read file content of directory %s", namespace_service.ErrNotFile, h.Path)
		}
		n, err := s.ns.GetNode(ctx, h.Path)
		if err != nil {
			return "", err
		}
		return n.Value.FileContent, nil
	case KindReadACL:
		names, err := s.ns.ReadACL(ctx, h.Path)
		if err != nil {
			return "", err
		}
		return formatACLNames(names), nil
	case KindNodeData:
		n, err := s.ns.GetNode(ctx, h.Path)
		if err != nil {
			return "", err
		}
		return n.Path + ":" + n.Value.String(), nil
	case KindNodeMetadata:
		n, err := s.ns.GetNode(ctx, h.Path)
		if err != nil {
			return "", err
		}
		return n.Path + ":" + n.Value.Metadata.String(), nil
	case KindLs:
		entries, err := s.ns.GetLs(ctx, h.Path, req.Depth)
		if err != nil {
			return "", err
		}
		return "\n" + strings.Join(entries, "\n"), nil
	case KindCurrHandle:
		return fmt.Sprintf("lock type: '%s' on path: '%s'", h.Type, h.Path), nil
	case KindListEvents:
		return bulletList(eventNames()), nil
	case KindListDefaultNodes:
		return bulletList(s.ns.DefaultNodes()), nil
	case KindListCommands:
		return commandsFor(h), nil
	case KindHelp:
		return helpText, nil
	case KindExit:
		if err := s.closeLocked(ctx); err != nil {
			return "", err
		}
		return "goodbye!", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownCommand, req.Kind)
}

func (s *Session) open(ctx context.Context, req Request) (string, error) {
	cur := s.handle
	if cur.Type.IsExclusive() {
		return "", ErrExclusiveHeld
	}
	if cur.Path != node.RootPath {
		return "", ErrSharedHeld
	}

	p := node.CleanPath(req.Path)
	if p == node.RootPath {
		return "", fmt.Errorf("%w: the root node is already held", ErrInvalidArgument)
	}
	if !req.HandleType.Valid() {
		return "", fmt.Errorf("%w: %q", namespace_service.ErrUnknownHandleType, req.HandleType)
	}
	// Refused subscriptions must not leave a freshly created node behind.
	if err := subscription_service.Validate(node.TypeOf(p), req.HandleType, req.Events); err != nil {
		return "", fmt.Errorf("%w: %s: %w", namespace_service.ErrObserver, p, err)
	}

	created := false
	if !s.ns.IsDefaultNode(p) {
		var err error
		created, err = s.ns.CreateNode(ctx, p, req.Attribute, false)
		if err != nil {
			return "", err
		}
	}

	if created {
		if err := s.ns.InheritACLNames(ctx, p); err != nil {
			return "", err
		}
	} else {
		ok, err := s.ns.IsClientPermittedAccess(ctx, s.client, req.HandleType, p)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: '%s' may not take '%s' on '%s'", ErrNotPermitted, s.client, strings.ToLower(string(req.HandleType)), p)
		}
	}

	h, err := s.ns.CreateHandle(ctx, s.client, namespace_service.HandleRequest{
		Path:       p,
		HandleType: req.HandleType,
		LockDelay:  req.LockDelay,
		Events:     req.Events,
		Sink:       s.mailbox,
	})
	if err != nil {
		return "", err
	}

	s.handle = h
	if err := s.ns.Unlock(ctx, s.client, cur, true); err != nil {
		return "", fmt.Errorf("opened %s but failed to release %s: %w", p, cur.Path, err)
	}
	return "successfully opened node", nil
}

func (s *Session) close(ctx context.Context) (string, error) {
	cur := s.handle
	removed, err := s.ns.TryRemoveIfEphemeral(ctx, s.client, cur)
	if err != nil && !errors.Is(err, namespace_service.ErrCannotRemoveHeld) {
		return "", err
	}
	if !removed {
		if err := s.ns.Unlock(ctx, s.client, cur, false); err != nil {
			return "", err
		}
	}
	if err := s.reopenRoot(ctx); err != nil {
		return "", err
	}
	return "lock released, successfully acquired shared lock on root node", nil
}

func (s *Session) remove(ctx context.Context) (string, error) {
	if err := s.ns.RemoveNode(ctx, s.client, s.handle, false); err != nil {
		return "", err
	}
	if err := s.reopenRoot(ctx); err != nil {
		return "", err
	}
	return "node removed, successfully acquired shared lock on root node", nil
}

func (s *Session) reopenRoot(ctx context.Context) error {
	root, err := s.ns.CreateDefaultHandle(ctx, s.client, s.mailbox)
	if err != nil {
		return fmt.Errorf("failed to reacquire root handle: %w", err)
	}
	s.handle = root
	return nil
}
