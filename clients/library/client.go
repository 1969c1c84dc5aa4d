package sandlib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/rand"

	"github.com/AnishMulay/sandlock/internal/communication"
	grpccomm "github.com/AnishMulay/sandlock/internal/communication/grpc"
	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/notification"
	ps "github.com/AnishMulay/sandlock/internal/server"
	"github.com/AnishMulay/sandlock/internal/session"
)

const (
	notificationBuffer = 64

	streamRetryBase  = 100 * time.Millisecond
	streamRetryMax   = 5 * time.Second
	MaxStreamRetries = 8
)

func NewSandlockClient(clientID, serverAddr string, comm *grpccomm.GRPCCommunicator, ls log_service.LogService) *SandlockClient {
	return &SandlockClient{
		ClientID:   clientID,
		ServerAddr: serverAddr,
		Comm:       comm,
		ls:         ls,
	}
}

// Connect opens a session and starts receiving its notifications.
func (c *SandlockClient) Connect(ctx context.Context) error {
	if c.Comm == nil {
		return fmt.Errorf("sandlock communicator is nil")
	}
	if c.ServerAddr == "" {
		return fmt.Errorf("sandlock server address is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		return ErrAlreadyConnected
	}

	resp, err := c.send(ctx, ps.MsgConnect, ps.ConnectRequest{ClientID: c.ClientID})
	if err != nil {
		return fmt.Errorf("connect to %s failed: %w", c.ServerAddr, err)
	}
	if !resp.OK() {
		return responseError("connect", resp)
	}
	var out ps.ConnectResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return fmt.Errorf("failed to decode connect response: %w", err)
	}

	c.sessionID = out.SessionID
	c.cell = out.Cell
	c.path = out.Path
	c.handleType = out.HandleType
	c.lost = false
	c.notifications = make(chan notification.Notification, notificationBuffer)

	sctx, cancel := context.WithCancel(context.Background())
	c.cancelStream = cancel
	c.wg.Add(1)
	go c.streamLoop(sctx, out.SessionID, c.notifications)

	c.ls.Info(log_service.LogEvent{
		Message:  "Connected to cell",
		Metadata: map[string]any{"client_id": c.ClientID, "cell": out.Cell, "session_id": out.SessionID, "server": c.ServerAddr},
	})
	return nil
}

// Notifications delivers notifications for the current session. The
// channel closes when the session ends.
func (c *SandlockClient) Notifications() <-chan notification.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifications
}

func (c *SandlockClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Lost reports whether the server dropped the session after its
// notification stream could not be reattached.
func (c *SandlockClient) Lost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

func (c *SandlockClient) Cell() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cell
}

// Handle reports the handle held after the last successful command.
func (c *SandlockClient) Handle() Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Handle{Path: c.path, Type: c.handleType}
}

// Run parses one command line and executes it.
func (c *SandlockClient) Run(ctx context.Context, line string) (*session.Response, error) {
	req, err := session.Parse(line)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, req)
}

func (c *SandlockClient) Execute(ctx context.Context, req session.Request) (*session.Response, error) {
	c.mu.Lock()
	id, lost := c.sessionID, c.lost
	c.mu.Unlock()
	if lost {
		return nil, ErrSessionLost
	}
	if id == "" {
		return nil, ErrNotConnected
	}

	resp, err := c.send(ctx, ps.MsgCommand, ps.CommandRequest{SessionID: id, Request: req})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", req.Kind, err)
	}
	if !resp.OK() {
		return nil, responseError(req.Kind.String(), resp)
	}

	var out session.Response
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", req.Kind, err)
	}

	c.mu.Lock()
	c.path = out.Path
	c.handleType = out.HandleType
	c.mu.Unlock()

	if out.Exit {
		c.reset()
	}
	return &out, nil
}

// ListServers lists the live servers of the connected cell.
func (c *SandlockClient) ListServers(ctx context.Context) (*ps.ListServersResponse, error) {
	resp, err := c.send(ctx, ps.MsgListServers, ps.ListServersRequest{})
	if err != nil {
		return nil, fmt.Errorf("list servers failed: %w", err)
	}
	if !resp.OK() {
		return nil, responseError("list servers", resp)
	}
	var out ps.ListServersResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode list servers response: %w", err)
	}
	return &out, nil
}

// Close ends the session, releasing every handle it holds.
func (c *SandlockClient) Close(ctx context.Context) error {
	c.mu.Lock()
	id, lost := c.sessionID, c.lost
	c.mu.Unlock()
	if id == "" {
		return nil
	}

	var err error
	if !lost {
		resp, sendErr := c.send(ctx, ps.MsgDisconnect, ps.DisconnectRequest{SessionID: id})
		switch {
		case sendErr != nil:
			err = fmt.Errorf("disconnect failed: %w", sendErr)
		case !resp.OK() && resp.Code != communication.CodeNotFound:
			err = responseError("disconnect", resp)
		}
	}
	c.reset()
	return err
}

func (c *SandlockClient) reset() {
	c.mu.Lock()
	cancel := c.cancelStream
	c.cancelStream = nil
	c.sessionID = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// streamLoop receives notifications for session id and reattaches with a
// jittered backoff when the stream fails. It gives up once the server no
// longer knows the session.
func (c *SandlockClient) streamLoop(ctx context.Context, id string, out chan<- notification.Notification) {
	defer c.wg.Done()
	defer close(out)

	attempt := 0
	for {
		frames, errs, err := c.Comm.Stream(ctx, c.ServerAddr, communication.Message{
			From:    c.ClientID,
			Type:    ps.MsgNotifications,
			Payload: ps.NotificationsRequest{SessionID: id},
		})
		if err == nil {
			for frame := range frames {
				attempt = 0
				var n notification.Notification
				if jerr := json.Unmarshal(frame, &n); jerr != nil {
					c.ls.Warn(log_service.LogEvent{
						Message:  "Dropping malformed notification",
						Metadata: map[string]any{"session_id": id, "error": jerr.Error()},
					})
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
			err = <-errs
			if err == nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, communication.ErrStreamNotFound) || attempt >= MaxStreamRetries {
			c.ls.Error(log_service.LogEvent{
				Message:  "Notification stream lost",
				Metadata: map[string]any{"session_id": id, "attempts": attempt, "error": err.Error()},
			})
			c.mu.Lock()
			if c.sessionID == id {
				c.lost = true
			}
			c.mu.Unlock()
			return
		}

		delay := backoff(attempt)
		attempt++
		c.ls.Warn(log_service.LogEvent{
			Message:  "Notification stream failed, retrying",
			Metadata: map[string]any{"session_id": id, "attempt": attempt, "delay": delay.String(), "error": err.Error()},
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// backoff doubles from streamRetryBase up to streamRetryMax, with up to
// half of the step added as jitter.
func backoff(attempt int) time.Duration {
	d := streamRetryBase << attempt
	if d <= 0 || d > streamRetryMax {
		d = streamRetryMax
	}
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (c *SandlockClient) send(ctx context.Context, msgType string, payload any) (*communication.Response, error) {
	return c.Comm.Send(ctx, c.ServerAddr, communication.Message{
		From:    c.ClientID,
		Type:    msgType,
		Payload: payload,
	})
}

// ResponseError is a refused request as reported by the server.
type ResponseError struct {
	Op   string
	Code communication.SandCode
	Kind string
	Msg  string
}

func (e *ResponseError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s failed (%s, %s): %s", e.Op, e.Code, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s failed (%s): %s", e.Op, e.Code, e.Msg)
}

func responseError(op string, resp *communication.Response) error {
	if resp == nil {
		return fmt.Errorf("%s failed: empty response", op)
	}

	body := strings.TrimSpace(string(resp.Body))
	if body == "" {
		body = string(resp.Code)
	}
	return &ResponseError{Op: op, Code: resp.Code, Kind: resp.Headers[ps.HeaderErrorKind], Msg: body}
}
