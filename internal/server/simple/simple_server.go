package simple

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/AnishMulay/sandlock/internal/cluster_service"
	"github.com/AnishMulay/sandlock/internal/communication"
	grpccomm "github.com/AnishMulay/sandlock/internal/communication/grpc"
	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/metrics"
	ns "github.com/AnishMulay/sandlock/internal/namespace_service"
	"github.com/AnishMulay/sandlock/internal/notification"
	ps "github.com/AnishMulay/sandlock/internal/server"
	"github.com/AnishMulay/sandlock/internal/session"
)

const (
	// StopTimeout bounds the release of every open session during Stop.
	StopTimeout = 10 * time.Second
	// DefaultSessionGrace is how long a session outlives its dropped
	// notification stream.
	DefaultSessionGrace = 10 * time.Second
)

type entry struct {
	sess       *session.Session
	streaming  bool
	generation int
	expiry     *time.Timer
}

type Option func(*SimpleServer)

func WithSessionGrace(d time.Duration) Option {
	return func(s *SimpleServer) { s.grace = d }
}

// SimpleServer serves one cell. Every client connection is a session; its
// commands are routed through a single handler and its notifications are
// pushed over a server stream.
type SimpleServer struct {
	comm     *grpccomm.GRPCCommunicator
	ns       *ns.NamespaceService
	cluster  cluster_service.ClusterService
	ls       log_service.LogService
	metrics  *metrics.Metrics
	validate *validator.Validate
	grace    time.Duration

	mu       sync.Mutex
	sessions map[string]*entry
	stopping bool
}

func NewSimpleServer(
	comm *grpccomm.GRPCCommunicator,
	namespace *ns.NamespaceService,
	cluster cluster_service.ClusterService,
	ls log_service.LogService,
	m *metrics.Metrics,
	opts ...Option,
) *SimpleServer {
	s := &SimpleServer{
		comm:     comm,
		ns:       namespace,
		cluster:  cluster,
		ls:       ls,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		grace:    DefaultSessionGrace,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SimpleServer) Start() error {
	s.ls.Info(log_service.LogEvent{Message: "Starting Simple Cell Server", Metadata: map[string]any{"cell": s.ns.Cell()}})
	s.registerPayloads()
	if err := s.comm.Start(s.handleMessage, s.handleStream); err != nil {
		return fmt.Errorf("%w: %w", ps.ErrServerStartFailed, err)
	}
	return nil
}

// Stop releases every session, then stops the communicator.
func (s *SimpleServer) Stop() error {
	s.ls.Info(log_service.LogEvent{Message: "Stopping Simple Cell Server"})

	s.mu.Lock()
	s.stopping = true
	open := make([]*session.Session, 0, len(s.sessions))
	for id, e := range s.sessions {
		if e.expiry != nil {
			e.expiry.Stop()
		}
		open = append(open, e.sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
	defer cancel()

	var err error
	for _, sess := range open {
		if cerr := sess.Close(ctx); cerr != nil {
			s.ls.Error(log_service.LogEvent{
				Message:  "Failed to close session",
				Metadata: map[string]any{"session_id": sess.ID(), "error": cerr.Error()},
			})
			err = multierr.Append(err, cerr)
		}
	}
	return multierr.Append(err, s.comm.Stop())
}

// SessionCount reports how many sessions are open.
func (s *SimpleServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SimpleServer) registerPayloads() {
	s.comm.RegisterPayloadType(ps.MsgConnect, reflect.TypeOf(ps.ConnectRequest{}))
	s.comm.RegisterPayloadType(ps.MsgCommand, reflect.TypeOf(ps.CommandRequest{}))
	s.comm.RegisterPayloadType(ps.MsgDisconnect, reflect.TypeOf(ps.DisconnectRequest{}))
	s.comm.RegisterPayloadType(ps.MsgNotifications, reflect.TypeOf(ps.NotificationsRequest{}))
	s.comm.RegisterPayloadType(ps.MsgListServers, reflect.TypeOf(ps.ListServersRequest{}))
}

// Central Router for all incoming messages
func (s *SimpleServer) handleMessage(ctx context.Context, msg communication.Message) (*communication.Response, error) {
	switch msg.Type {
	case ps.MsgConnect:
		req, err := payload[ps.ConnectRequest](s.validate, msg)
		if err != nil {
			return s.respond(nil, err)
		}
		return s.respond(s.connect(ctx, req))

	case ps.MsgCommand:
		req, err := payload[ps.CommandRequest](s.validate, msg)
		if err != nil {
			return s.respond(nil, err)
		}
		return s.respond(s.command(ctx, req))

	case ps.MsgDisconnect:
		req, err := payload[ps.DisconnectRequest](s.validate, msg)
		if err != nil {
			return s.respond(nil, err)
		}
		return s.respond(nil, s.disconnect(ctx, req.SessionID))

	case ps.MsgListServers:
		return s.respond(s.listServers(ctx))

	default:
		return &communication.Response{
			Code: communication.CodeBadRequest,
			Body: []byte("unknown message type: " + msg.Type),
		}, nil
	}
}

// payload asserts and validates the payload of a known message type.
func payload[T any](v *validator.Validate, msg communication.Message) (T, error) {
	req, ok := msg.Payload.(T)
	if !ok {
		return req, fmt.Errorf("%w: %s carries %T", ps.ErrInvalidPayloadType, msg.Type, msg.Payload)
	}
	if err := v.Struct(req); err != nil {
		return req, fmt.Errorf("%w: %w", ps.ErrInvalidPayloadType, err)
	}
	return req, nil
}

func (s *SimpleServer) connect(ctx context.Context, req ps.ConnectRequest) (*ps.ConnectResponse, error) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return nil, ps.ErrServerStopping
	}

	id := uuid.NewString()
	sess, err := session.New(ctx, id, req.ClientID, s.ns, s.ls, s.metrics)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, multierr.Append(ps.ErrServerStopping, sess.Close(ctx))
	}
	s.sessions[id] = &entry{sess: sess}
	s.mu.Unlock()

	h := sess.Handle()
	return &ps.ConnectResponse{SessionID: id, Cell: s.ns.Cell(), Path: h.Path, HandleType: h.Type}, nil
}

func (s *SimpleServer) lookup(id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ps.ErrSessionNotFound, id)
	}
	return e.sess, nil
}

func (s *SimpleServer) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[id]; ok && e.expiry != nil {
		e.expiry.Stop()
	}
	delete(s.sessions, id)
}

func (s *SimpleServer) command(ctx context.Context, req ps.CommandRequest) (*session.Response, error) {
	sess, err := s.lookup(req.SessionID)
	if err != nil {
		return nil, err
	}
	resp, err := sess.Execute(ctx, req.Request)
	if err != nil {
		return nil, err
	}
	if resp.Exit {
		s.forget(req.SessionID)
	}
	return &resp, nil
}

func (s *SimpleServer) disconnect(ctx context.Context, id string) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.forget(id)
	return sess.Close(ctx)
}

func (s *SimpleServer) listServers(ctx context.Context) (*ps.ListServersResponse, error) {
	out := &ps.ListServersResponse{Cell: s.ns.Cell(), Members: []ps.Member{}}
	if s.cluster == nil {
		out.Members = append(out.Members, ps.Member{ID: s.ns.Cell(), Address: s.comm.Address()})
		return out, nil
	}
	nodes, err := s.cluster.GetHealthyNodes(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		out.Members = append(out.Members, ps.Member{ID: n.ID, Address: n.Address})
	}
	return out, nil
}

// handleStream pushes a session's notifications until the mailbox closes.
func (s *SimpleServer) handleStream(ctx context.Context, msg communication.Message, send func([]byte) error) error {
	if msg.Type != ps.MsgNotifications {
		return fmt.Errorf("%w: %s", communication.ErrUnknownMessageType, msg.Type)
	}
	req, err := payload[ps.NotificationsRequest](s.validate, msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.sessions[req.SessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w: %s", communication.ErrStreamNotFound, ps.ErrSessionNotFound, req.SessionID)
	}
	if e.streaming {
		s.mu.Unlock()
		return fmt.Errorf("session %s already has a notification stream", req.SessionID)
	}
	e.streaming = true
	e.generation++
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
	s.mu.Unlock()

	sess := e.sess
	s.ls.Debug(log_service.LogEvent{
		Message:  "Notification stream opened",
		Metadata: map[string]any{"session_id": sess.ID(), "client_id": sess.Client()},
	})

	err = s.pump(ctx, sess.Notifications(), send)
	if errors.Is(err, notification.ErrMailboxClosed) {
		return nil
	}

	s.ls.Info(log_service.LogEvent{
		Message:  "Notification stream dropped",
		Metadata: map[string]any{"session_id": sess.ID(), "client_id": sess.Client(), "grace": s.grace.String(), "error": err.Error()},
	})
	s.detachStream(sess.ID(), e)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// detachStream gives the client the grace period to reattach before its
// session is closed.
func (s *SimpleServer) detachStream(id string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[id] != e {
		return
	}
	e.streaming = false
	e.generation++
	gen := e.generation
	e.expiry = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		if s.sessions[id] != e || e.streaming || e.generation != gen {
			s.mu.Unlock()
			return
		}
		delete(s.sessions, id)
		s.mu.Unlock()

		s.ls.Warn(log_service.LogEvent{
			Message:  "Session grace period expired",
			Metadata: map[string]any{"session_id": id, "client_id": e.sess.Client()},
		})
		ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
		defer cancel()
		if err := e.sess.Close(ctx); err != nil {
			s.ls.Error(log_service.LogEvent{
				Message:  "Failed to close expired session",
				Metadata: map[string]any{"session_id": id, "error": err.Error()},
			})
		}
	})
}

func (s *SimpleServer) pump(ctx context.Context, mb *notification.Mailbox, send func([]byte) error) error {
	for {
		n, err := mb.Next(ctx)
		if err != nil {
			return err
		}
		frame, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to encode notification: %w", err)
		}
		if err := send(frame); err != nil {
			return err
		}
	}
}

// respond is a helper to standardize JSON responses and error codes
func (s *SimpleServer) respond(data any, err error) (*communication.Response, error) {
	if err != nil {
		code, kind := classify(err)
		return &communication.Response{
			Code:    code,
			Body:    []byte(err.Error()),
			Headers: map[string]string{ps.HeaderErrorKind: kind},
		}, nil
	}

	if data == nil || (reflect.ValueOf(data).Kind() == reflect.Ptr && reflect.ValueOf(data).IsNil()) {
		return &communication.Response{Code: communication.CodeOK}, nil
	}

	bytes, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		return &communication.Response{
			Code: communication.CodeInternal,
			Body: []byte("failed to marshal response: " + marshalErr.Error()),
		}, nil
	}

	return &communication.Response{
		Code: communication.CodeOK,
		Body: bytes,
	}, nil
}

// classify maps an error onto a response code and the error kind reported
// to the client.
func classify(err error) (communication.SandCode, string) {
	switch {
	case errors.Is(err, ns.ErrNodeNotFound):
		return communication.CodeNotFound, "node"
	case errors.Is(err, ns.ErrNode):
		return communication.CodeBadRequest, "node"
	case errors.Is(err, ns.ErrLock), errors.Is(err, ns.ErrCannotRemoveHeld):
		return communication.CodeConflict, "lock"
	case errors.Is(err, ns.ErrACL):
		return communication.CodeBadRequest, "acl"
	case errors.Is(err, ns.ErrHandle):
		return communication.CodeBadRequest, "handle"
	case errors.Is(err, ns.ErrObserver):
		return communication.CodeBadRequest, "observer"
	case errors.Is(err, session.ErrNotPermitted):
		return communication.CodeForbidden, "permission"
	case errors.Is(err, session.ErrExclusiveHeld), errors.Is(err, session.ErrSharedHeld):
		return communication.CodeConflict, "session"
	case errors.Is(err, session.ErrUnknownCommand),
		errors.Is(err, session.ErrMissingArgument),
		errors.Is(err, session.ErrInvalidArgument),
		errors.Is(err, ps.ErrInvalidPayloadType):
		return communication.CodeBadRequest, "command"
	case errors.Is(err, ps.ErrSessionNotFound), errors.Is(err, session.ErrSessionClosed):
		return communication.CodeNotFound, "session"
	case errors.Is(err, ps.ErrServerStopping):
		return communication.CodeUnavailable, "server"
	default:
		return communication.CodeInternal, "internal"
	}
}

var _ ps.Server = (*SimpleServer)(nil)
