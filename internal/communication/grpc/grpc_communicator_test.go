package grpccomm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
	"go.uber.org/goleak"

	"github.com/AnishMulay/sandlock/internal/communication"
	"github.com/AnishMulay/sandlock/internal/log_service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoRequest struct {
	Text string `json:"text"`
}

type tickRequest struct {
	Count int `json:"count"`
}

func startPair(t *testing.T, handler communication.MessageHandler, streams communication.StreamHandler) (*GRPCCommunicator, *GRPCCommunicator) {
	t.Helper()
	ports := dynaport.Get(1)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(ports[0]))

	server := NewGRPCCommunicator(addr, log_service.NopLogService{})
	server.RegisterPayloadType("echo", reflect.TypeOf(echoRequest{}))
	server.RegisterPayloadType("tick", reflect.TypeOf(tickRequest{}))
	require.NoError(t, server.Start(handler, streams))

	client := NewGRPCCommunicator("", log_service.NopLogService{})
	t.Cleanup(func() {
		assert.NoError(t, client.Stop())
		assert.NoError(t, server.Stop())
	})
	return server, client
}

func echo(_ context.Context, msg communication.Message) (*communication.Response, error) {
	switch req := msg.Payload.(type) {
	case echoRequest:
		if req.Text == "boom" {
			return nil, errors.New("boom")
		}
		return &communication.Response{
			Code:    communication.CodeOK,
			Body:    []byte(msg.From + ":" + req.Text),
			Headers: map[string]string{"type": msg.Type},
		}, nil
	default:
		return &communication.Response{Code: communication.CodeBadRequest}, nil
	}
}

func ticks(ctx context.Context, msg communication.Message, send func([]byte) error) error {
	req := msg.Payload.(tickRequest)
	for i := 0; i < req.Count; i++ {
		if err := send([]byte(fmt.Sprintf("tick-%d", i))); err != nil {
			return err
		}
	}
	if req.Count < 0 {
		<-ctx.Done()
	}
	return nil
}

func TestGRPCCommunicator_Send(t *testing.T) {
	server, client := startPair(t, echo, ticks)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name string
		msg  communication.Message
		code communication.SandCode
		body string
	}{
		{
			name: "decoded payload",
			msg:  communication.Message{From: "alice", Type: "echo", Payload: echoRequest{Text: "hi"}},
			code: communication.CodeOK,
			body: "alice:hi",
		},
		{
			name: "handler error becomes internal",
			msg:  communication.Message{Type: "echo", Payload: echoRequest{Text: "boom"}},
			code: communication.CodeInternal,
			body: "boom",
		},
		{
			name: "unknown type",
			msg:  communication.Message{Type: "nope"},
			code: communication.CodeBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Send(ctx, server.Address(), tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.Code)
			if tt.body != "" {
				assert.Contains(t, string(resp.Body), tt.body)
			}
		})
	}
}

func TestGRPCCommunicator_Stream(t *testing.T) {
	server, client := startPair(t, echo, ticks)

	t.Run("frames in order then close", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		frames, errs, err := client.Stream(ctx, server.Address(), communication.Message{Type: "tick", Payload: tickRequest{Count: 3}})
		require.NoError(t, err)

		var got []string
		for f := range frames {
			got = append(got, string(f))
		}
		assert.Equal(t, []string{"tick-0", "tick-1", "tick-2"}, got)
		assert.NoError(t, <-errs)
	})

	t.Run("cancel ends an open stream", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		frames, errs, err := client.Stream(ctx, server.Address(), communication.Message{Type: "tick", Payload: tickRequest{Count: -1}})
		require.NoError(t, err)

		cancel()
		for range frames {
		}
		assert.NoError(t, <-errs)
	})

	t.Run("unknown type fails", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		frames, errs, err := client.Stream(ctx, server.Address(), communication.Message{Type: "nope"})
		require.NoError(t, err)
		for range frames {
		}
		assert.ErrorIs(t, <-errs, communication.ErrStreamFailed)
	})
}

func TestGRPCCommunicator_StopTwice(t *testing.T) {
	comm := NewGRPCCommunicator("127.0.0.1:0", log_service.NopLogService{})
	require.NoError(t, comm.Start(echo, ticks))
	assert.NotEqual(t, "127.0.0.1:0", comm.Address())

	require.NoError(t, comm.Stop())
	require.NoError(t, comm.Stop())

	_, err := comm.Send(context.Background(), "127.0.0.1:1", communication.Message{Type: "echo"})
	assert.ErrorIs(t, err, communication.ErrCommunicatorStopped)
}
