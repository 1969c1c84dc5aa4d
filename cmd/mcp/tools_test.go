package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
	"go.uber.org/goleak"

	grpccomm "github.com/AnishMulay/sandlock/internal/communication/grpc"
	"github.com/AnishMulay/sandlock/internal/log_service"
	ns "github.com/AnishMulay/sandlock/internal/namespace_service"
	"github.com/AnishMulay/sandlock/internal/server/simple"
	"github.com/AnishMulay/sandlock/internal/store_service/inmemory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRegistry(t *testing.T) *ServerRegistry {
	t.Helper()
	ctx := context.Background()

	st := inmemory.NewInMemoryStoreService(log_service.NopLogService{})
	namespace := ns.NewNamespaceService(st, "local", log_service.NopLogService{}, nil)
	namespace.SetDefaultLockDelay(5)
	require.NoError(t, namespace.CreateDefaultNodes(ctx))

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(dynaport.Get(1)[0]))
	srvComm := grpccomm.NewGRPCCommunicator(addr, log_service.NopLogService{})
	srv := simple.NewSimpleServer(srvComm, namespace, nil, log_service.NopLogService{}, nil)
	require.NoError(t, srv.Start())

	comm := grpccomm.NewGRPCCommunicator("", log_service.NopLogService{})
	cfg := &MCPConfig{
		ClientID:      "mcp-test",
		Servers:       []ServerEntry{{ID: "s1", Address: addr}},
		DefaultServer: "missing",
	}
	r := NewServerRegistry(cfg, comm, log_service.NopLogService{})

	t.Cleanup(func() {
		assert.NoError(t, r.Close(ctx))
		assert.NoError(t, comm.Stop())
		assert.NoError(t, srv.Stop())
		assert.NoError(t, namespace.Close(ctx))
		assert.NoError(t, st.Close())
	})
	return r
}

func call(t *testing.T, r *ServerRegistry, name string, args map[string]any) (string, bool) {
	t.Helper()
	for _, def := range tools(r) {
		if def.tool.Name != name {
			continue
		}
		var req mcp.CallToolRequest
		req.Params.Name = name
		req.Params.Arguments = args
		res, err := def.handler(context.Background(), req)
		require.NoError(t, err)
		var text []string
		for _, c := range res.Content {
			if tc, ok := c.(mcp.TextContent); ok {
				text = append(text, tc.Text)
			}
		}
		return strings.Join(text, "\n"), res.IsError
	}
	t.Fatalf("no tool %s", name)
	return "", false
}

func TestTools_OpenWriteRead(t *testing.T) {
	r := newRegistry(t)
	assert.Equal(t, "s1", r.DefaultServer)

	out, isErr := call(t, r, "open", map[string]any{"path": "/ls/local/x.txt", "handle_type": "write"})
	require.False(t, isErr, out)
	assert.Equal(t, "successfully opened node", out)

	out, isErr = call(t, r, "write_content", map[string]any{"content": "hello mcp"})
	require.False(t, isErr, out)

	out, isErr = call(t, r, "read_content", nil)
	require.False(t, isErr, out)
	assert.Equal(t, "hello mcp", out)

	out, isErr = call(t, r, "current_handle", nil)
	require.False(t, isErr, out)
	assert.Contains(t, out, "/ls/local/x.txt")

	out, isErr = call(t, r, "close", nil)
	require.False(t, isErr, out)

	out, isErr = call(t, r, "command", map[string]any{"line": "ls 3"})
	require.False(t, isErr, out)
	assert.Contains(t, out, "x.txt")
}

func TestTools_Refusals(t *testing.T) {
	r := newRegistry(t)

	tests := []struct {
		name string
		tool string
		args map[string]any
	}{
		{"missing path", "open", map[string]any{"handle_type": "read"}},
		{"bad handle type", "open", map[string]any{"path": "/ls/local/a.txt", "handle_type": "exclusive"}},
		{"bad attribute", "open", map[string]any{"path": "/ls/local/a.txt", "handle_type": "read", "attribute": "sticky"}},
		{"write without handle", "write_content", map[string]any{"content": "x"}},
		{"unknown command", "command", map[string]any{"line": "frobnicate"}},
		{"empty clients", "add_clients", map[string]any{"acl_type": "read", "clients": " , "}},
		{"unknown server", "use_server", map[string]any{"server": "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, isErr := call(t, r, tt.tool, tt.args)
			assert.True(t, isErr, out)
		})
	}
}

func TestTools_NotificationsAndServers(t *testing.T) {
	r := newRegistry(t)

	out, _ := call(t, r, "notifications", nil)
	assert.Equal(t, "no notifications", out)

	out, isErr := call(t, r, "list_servers", nil)
	require.False(t, isErr)
	assert.Contains(t, out, "- s1: ")
	assert.Contains(t, out, "Live members of cell local")

	out, isErr = call(t, r, "command", map[string]any{"line": "exit"})
	require.False(t, isErr, out)
	assert.Equal(t, "goodbye!", out)

	// A new session is opened on demand after exit.
	out, isErr = call(t, r, "node", map[string]any{"view": "metadata"})
	require.False(t, isErr, out)
}

func TestOpenRequest(t *testing.T) {
	var req mcp.CallToolRequest
	req.Params.Arguments = map[string]any{
		"path":        "/ls/local//dir/",
		"handle_type": "read",
		"attribute":   "ephemeral",
		"lock_delay":  float64(90),
		"events":      "child_node_added, file_contents_modified",
	}
	got, err := openRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "/ls/local/dir", got.Path)
	assert.EqualValues(t, "EPHEMERAL", got.Attribute)
	assert.EqualValues(t, 60, got.LockDelay)
	assert.Len(t, got.Events, 2)

	req.Params.Arguments = map[string]any{"path": "/ls/local/a.txt", "handle_type": "write"}
	got, err = openRequest(req)
	require.NoError(t, err)
	assert.Zero(t, got.LockDelay)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp", "mcp.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "server1", cfg.DefaultServer)
	_, err = os.Stat(path)
	require.NoError(t, err)

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ClientID, again.ClientID)

	require.NoError(t, os.WriteFile(path, []byte("servers: []\n"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}
