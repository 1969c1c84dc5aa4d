package grpccomm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/AnishMulay/sandlock/internal/communication"
	"github.com/AnishMulay/sandlock/internal/log_service"
)

const (
	serviceName         = "sandlock.Cell"
	sendMethod          = "/" + serviceName + "/Send"
	notificationsMethod = "/" + serviceName + "/Notifications"

	// GracefulStopTimeout bounds how long Stop waits for open streams.
	GracefulStopTimeout = 5 * time.Second
)

// envelope is the JSON body carried inside every BytesValue request.
type envelope struct {
	From    string          `json:"from,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type GRPCCommunicator struct {
	listenAddress string
	handler       communication.MessageHandler
	streams       communication.StreamHandler
	grpcServer    *grpc.Server
	ls            log_service.LogService

	clientLock   sync.RWMutex
	clients      map[string]*grpc.ClientConn
	payloadLock  sync.RWMutex
	payloadTypes map[string]reflect.Type
	stopped      bool
	stopMutex    sync.RWMutex
}

func NewGRPCCommunicator(addr string, ls log_service.LogService) *GRPCCommunicator {
	return &GRPCCommunicator{
		listenAddress: addr,
		ls:            ls,
		clients:       make(map[string]*grpc.ClientConn),
		payloadTypes:  make(map[string]reflect.Type),
	}
}

func (c *GRPCCommunicator) Address() string {
	return c.listenAddress
}

// RegisterPayloadType tells the server side which struct to decode the
// payload of msgType into.
func (c *GRPCCommunicator) RegisterPayloadType(msgType string, payloadType reflect.Type) {
	c.payloadLock.Lock()
	defer c.payloadLock.Unlock()
	c.payloadTypes[msgType] = payloadType
}

func (c *GRPCCommunicator) Start(handler communication.MessageHandler, streams communication.StreamHandler) error {
	c.ls.Info(log_service.LogEvent{
		Message:  "Starting GRPC communicator",
		Metadata: map[string]any{"address": c.listenAddress},
	})

	c.handler = handler
	c.streams = streams
	c.grpcServer = grpc.NewServer()
	c.grpcServer.RegisterService(&serviceDesc, &grpcServer{comm: c})

	lis, err := net.Listen("tcp", c.listenAddress)
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to listen on address",
			Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
		})
		return fmt.Errorf("%w: %s: %w", communication.ErrGRPCListenFailed, c.listenAddress, err)
	}
	c.listenAddress = lis.Addr().String()

	c.ls.Info(log_service.LogEvent{
		Message:  "GRPC communicator started successfully",
		Metadata: map[string]any{"address": c.listenAddress},
	})

	go func() {
		if err := c.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			c.ls.Error(log_service.LogEvent{
				Message:  "GRPC server error",
				Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
			})
		}
	}()
	return nil
}

func (c *GRPCCommunicator) Stop() error {
	c.stopMutex.Lock()
	defer c.stopMutex.Unlock()

	if c.stopped {
		c.ls.Debug(log_service.LogEvent{
			Message:  "GRPC communicator already stopped, skipping",
			Metadata: map[string]any{"address": c.listenAddress},
		})
		return nil
	}

	c.ls.Info(log_service.LogEvent{
		Message:  "Stopping GRPC communicator",
		Metadata: map[string]any{"address": c.listenAddress},
	})

	if c.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			c.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(GracefulStopTimeout):
			c.ls.Warn(log_service.LogEvent{
				Message:  "Graceful stop timed out, forcing",
				Metadata: map[string]any{"address": c.listenAddress},
			})
			c.grpcServer.Stop()
			<-done
		}
	}

	var err error
	c.clientLock.Lock()
	for to, conn := range c.clients {
		err = multierr.Append(err, conn.Close())
		delete(c.clients, to)
	}
	c.clientLock.Unlock()

	c.stopped = true
	c.ls.Info(log_service.LogEvent{
		Message:  "GRPC communicator stopped successfully",
		Metadata: map[string]any{"address": c.listenAddress},
	})
	return err
}

func (c *GRPCCommunicator) conn(to string) (*grpc.ClientConn, error) {
	c.stopMutex.RLock()
	stopped := c.stopped
	c.stopMutex.RUnlock()
	if stopped {
		return nil, communication.ErrCommunicatorStopped
	}

	c.clientLock.RLock()
	conn, ok := c.clients[to]
	c.clientLock.RUnlock()
	if ok {
		return conn, nil
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "Creating new GRPC client",
		Metadata: map[string]any{"to": to},
	})

	conn, err := grpc.NewClient(to, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to create GRPC client",
			Metadata: map[string]any{"to": to, "error": err.Error()},
		})
		return nil, fmt.Errorf("%w: %w", communication.ErrClientCreateFailed, err)
	}

	c.clientLock.Lock()
	defer c.clientLock.Unlock()
	if existing, ok := c.clients[to]; ok {
		_ = conn.Close()
		return existing, nil
	}
	c.clients[to] = conn
	return conn, nil
}

func encodeRequest(msg communication.Message) (*wrapperspb.BytesValue, error) {
	env := envelope{From: msg.From, Type: msg.Type}
	if msg.Payload != nil {
		payloadBytes, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", communication.ErrPayloadMarshalFailed, err)
		}
		env.Payload = payloadBytes
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", communication.ErrMessageMarshalFailed, err)
	}
	return wrapperspb.Bytes(b), nil
}

func (c *GRPCCommunicator) Send(ctx context.Context, to string, msg communication.Message) (*communication.Response, error) {
	c.ls.Debug(log_service.LogEvent{
		Message:  "Sending GRPC message",
		Metadata: map[string]any{"to": to, "type": msg.Type, "from": msg.From},
	})

	conn, err := c.conn(to)
	if err != nil {
		return nil, err
	}
	req, err := encodeRequest(msg)
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to marshal payload",
			Metadata: map[string]any{"to": to, "type": msg.Type, "error": err.Error()},
		})
		return nil, err
	}

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, sendMethod, req, out); err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to send GRPC message",
			Metadata: map[string]any{"to": to, "type": msg.Type, "error": err.Error()},
		})
		return nil, fmt.Errorf("%w: %w", communication.ErrMessageSendFailed, err)
	}

	var resp communication.Response
	if err := json.Unmarshal(out.GetValue(), &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", communication.ErrPayloadUnmarshalFailed, err)
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "GRPC message sent successfully",
		Metadata: map[string]any{"to": to, "type": msg.Type, "responseCode": resp.Code},
	})
	return &resp, nil
}

// Stream opens a server-pushed stream. Frames arrive on the first channel,
// which closes when the stream ends; a non-EOF failure is delivered on the
// error channel first.
func (c *GRPCCommunicator) Stream(ctx context.Context, to string, msg communication.Message) (<-chan []byte, <-chan error, error) {
	conn, err := c.conn(to)
	if err != nil {
		return nil, nil, err
	}
	req, err := encodeRequest(msg)
	if err != nil {
		return nil, nil, err
	}

	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], notificationsMethod)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", communication.ErrStreamFailed, err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", communication.ErrStreamFailed, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", communication.ErrStreamFailed, err)
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "GRPC stream opened",
		Metadata: map[string]any{"to": to, "type": msg.Type},
	})

	frames := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		defer close(frames)
		defer close(errs)
		for {
			in := new(wrapperspb.BytesValue)
			if err := stream.RecvMsg(in); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					if status.Code(err) == codes.NotFound {
						errs <- fmt.Errorf("%w: %w", communication.ErrStreamNotFound, err)
					} else {
						errs <- fmt.Errorf("%w: %w", communication.ErrStreamFailed, err)
					}
				}
				return
			}
			select {
			case frames <- in.GetValue():
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, errs, nil
}

type cellServer interface {
	Send(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Notifications(in *wrapperspb.BytesValue, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*cellServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Notifications", Handler: notificationsHandler, ServerStreams: true},
	},
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(cellServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(cellServer).Send(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func notificationsHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(cellServer).Notifications(in, stream)
}

type grpcServer struct {
	comm *GRPCCommunicator
}

func (s *grpcServer) decode(raw []byte) (communication.Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return communication.Message{}, fmt.Errorf("%w: %w", communication.ErrPayloadUnmarshalFailed, err)
	}
	msg := communication.Message{From: env.From, Type: env.Type}

	s.comm.payloadLock.RLock()
	payloadType, ok := s.comm.payloadTypes[env.Type]
	s.comm.payloadLock.RUnlock()
	if !ok {
		return msg, fmt.Errorf("%w: %s", communication.ErrUnknownMessageType, env.Type)
	}

	payload := reflect.New(payloadType).Interface()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return msg, fmt.Errorf("%w: %w", communication.ErrPayloadUnmarshalFailed, err)
		}
	}
	msg.Payload = reflect.ValueOf(payload).Elem().Interface()
	return msg, nil
}

func reply(resp *communication.Response) (*wrapperspb.BytesValue, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(b), nil
}

func (s *grpcServer) Send(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s.comm.handler == nil {
		return nil, status.Error(codes.Unavailable, communication.ErrHandlerNotSet.Error())
	}

	msg, err := s.decode(in.GetValue())
	if err != nil {
		return reply(&communication.Response{Code: communication.CodeBadRequest, Body: []byte(err.Error())})
	}

	resp, err := s.comm.handler(ctx, msg)
	if err != nil {
		s.comm.ls.Error(log_service.LogEvent{
			Message:  "Message handler failed",
			Metadata: map[string]any{"type": msg.Type, "error": err.Error()},
		})
		return reply(&communication.Response{Code: communication.CodeInternal, Body: []byte(err.Error())})
	}
	if resp == nil {
		return reply(&communication.Response{Code: communication.CodeInternal, Body: []byte("handler returned nil response")})
	}
	return reply(resp)
}

func (s *grpcServer) Notifications(in *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	if s.comm.streams == nil {
		return status.Error(codes.Unavailable, communication.ErrHandlerNotSet.Error())
	}

	msg, err := s.decode(in.GetValue())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	send := func(frame []byte) error {
		return stream.SendMsg(wrapperspb.Bytes(frame))
	}
	if err := s.comm.streams(stream.Context(), msg, send); err != nil {
		s.comm.ls.Warn(log_service.LogEvent{
			Message:  "Stream handler ended with error",
			Metadata: map[string]any{"type": msg.Type, "error": err.Error()},
		})
		if errors.Is(err, communication.ErrStreamNotFound) {
			return status.Error(codes.NotFound, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
	return nil
}

var _ communication.Communicator = (*GRPCCommunicator)(nil)
