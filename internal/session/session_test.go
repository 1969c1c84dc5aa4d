package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/namespace_service"
	"github.com/AnishMulay/sandlock/internal/node"
	"github.com/AnishMulay/sandlock/internal/store_service/inmemory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	st *inmemory.InMemoryStoreService
	ns *namespace_service.NamespaceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := inmemory.NewInMemoryStoreService(log_service.NopLogService{})
	ns := namespace_service.NewNamespaceService(st, "local", log_service.NopLogService{}, nil)
	require.NoError(t, ns.CreateDefaultNodes(context.Background()))
	t.Cleanup(func() {
		_ = ns.Close(context.Background())
		_ = st.Close()
	})
	return &fixture{st: st, ns: ns}
}

func (f *fixture) session(t *testing.T, client string) *Session {
	t.Helper()
	s, err := New(context.Background(), client+"-session", client, f.ns, log_service.NopLogService{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func (f *fixture) holders(t *testing.T, p string) map[string]node.HandleType {
	t.Helper()
	n, err := f.ns.GetNode(context.Background(), p)
	require.NoError(t, err)
	return n.Value.Metadata.LockClientMap
}

func run(t *testing.T, s *Session, line string) (Response, error) {
	t.Helper()
	req, err := Parse(line)
	require.NoError(t, err)
	return s.Execute(context.Background(), req)
}

func mustRun(t *testing.T, s *Session, line string) Response {
	t.Helper()
	resp, err := run(t, s, line)
	require.NoError(t, err, line)
	return resp
}

func TestSession_OpenWriteReadClose(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")

	assert.Equal(t, node.RootPath, alice.Handle().Path)
	assert.Equal(t, node.HandleRead, f.holders(t, "/")["alice"])

	resp := mustRun(t, alice, "open /ls/local/x.txt write")
	assert.Equal(t, "/ls/local/x.txt", resp.Path)
	assert.Equal(t, node.HandleWrite, resp.HandleType)
	assert.NotContains(t, f.holders(t, "/"), "alice")

	mustRun(t, alice, "write filecontent hello there")
	assert.Equal(t, "hello there", mustRun(t, alice, "read filecontent").Message)

	_, err := run(t, alice, "open /ls/local/y.txt read")
	assert.ErrorIs(t, err, ErrExclusiveHeld)

	resp = mustRun(t, alice, "close")
	assert.Equal(t, node.RootPath, resp.Path)
	assert.Equal(t, node.HandleRead, resp.HandleType)
	assert.Empty(t, f.holders(t, "/ls/local/x.txt"))
	assert.Equal(t, node.HandleRead, f.holders(t, "/")["alice"])
}

func TestSession_SharedHandleBlocksOpen(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")

	mustRun(t, alice, "open /ls/local/d read")
	_, err := run(t, alice, "open /ls/local/e read")
	assert.ErrorIs(t, err, ErrSharedHeld)

	_, err = run(t, alice, "write filecontent nope")
	assert.ErrorIs(t, err, namespace_service.ErrNotFile)

	_, err = run(t, alice, "read filecontent")
	assert.ErrorIs(t, err, namespace_service.ErrNotFile)
}

func TestSession_OpenRespectsACL(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")
	bob := f.session(t, "bob")

	mustRun(t, alice, "open /ls/local/p change_acl")
	mustRun(t, alice, "write acl write owners")
	assert.Contains(t, mustRun(t, alice, "read acl").Message, "WRITE=owners")
	mustRun(t, alice, "close")

	_, err := run(t, bob, "open /ls/local/p write")
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.Equal(t, node.RootPath, bob.Handle().Path)

	mustRun(t, bob, "open /ls/local/p read")
	mustRun(t, bob, "close")

	mustRun(t, alice, "open /ls/local/p change_acl")
	mustRun(t, alice, "write add_client write bob")
	mustRun(t, alice, "close")

	mustRun(t, bob, "open /ls/local/p write")
}

func TestSession_ContendedOpen(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")
	bob := f.session(t, "bob")

	mustRun(t, alice, "open /ls/local/c.txt write")
	_, err := run(t, bob, "open /ls/local/c.txt write")
	assert.ErrorIs(t, err, namespace_service.ErrAlreadyLocked)
	assert.Equal(t, node.RootPath, bob.Handle().Path)
	assert.Equal(t, node.HandleRead, f.holders(t, "/")["bob"])
}

func TestSession_EphemeralClose(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")

	mustRun(t, alice, "open /ls/local/tmp/e.txt write ephemeral")
	mustRun(t, alice, "close")

	_, err := f.ns.GetNode(context.Background(), "/ls/local/tmp/e.txt")
	assert.ErrorIs(t, err, namespace_service.ErrNodeNotFound)
	_, err = f.ns.GetNode(context.Background(), "/ls/local/tmp")
	assert.NoError(t, err, "materialized ancestors are permanent")
}

func TestSession_EphemeralCloseWithOtherHolder(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")
	bob := f.session(t, "bob")

	mustRun(t, alice, "open /ls/local/e read ephemeral")
	mustRun(t, bob, "open /ls/local/e read")

	mustRun(t, alice, "close")
	assert.Equal(t, map[string]node.HandleType{"bob": node.HandleRead}, f.holders(t, "/ls/local/e"))

	mustRun(t, bob, "close")
	_, err := f.ns.GetNode(context.Background(), "/ls/local/e")
	assert.ErrorIs(t, err, namespace_service.ErrNodeNotFound)
}

func TestSession_Remove(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")

	mustRun(t, alice, "open /ls/local/r.txt read")
	_, err := run(t, alice, "remove")
	assert.ErrorIs(t, err, namespace_service.ErrWrongHandleType)
	mustRun(t, alice, "close")

	mustRun(t, alice, "open /ls/local/r.txt write")
	resp := mustRun(t, alice, "remove")
	assert.Equal(t, node.RootPath, resp.Path)
	_, err = f.ns.GetNode(context.Background(), "/ls/local/r.txt")
	assert.ErrorIs(t, err, namespace_service.ErrNodeNotFound)
}

func TestSession_Informational(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")

	assert.Equal(t, "hi there", mustRun(t, alice, "echo hi there").Message)
	assert.Equal(t, "lock type: 'READ' on path: '/'", mustRun(t, alice, "curr_handle").Message)
	assert.Equal(t, "\nls", mustRun(t, alice, "ls").Message)
	assert.Contains(t, mustRun(t, alice, "ls 3").Message, "ls/local/acl")
	assert.Contains(t, mustRun(t, alice, "list event").Message, "- CONFLICTING_LOCK\n")
	assert.Contains(t, mustRun(t, alice, "list defnode").Message, "- /ls/local/acl/change_acl.txt\n")
	assert.Contains(t, mustRun(t, alice, "list cmd").Message, "open absolutePath")
	assert.Contains(t, mustRun(t, alice, "help").Message, "list of all commands available")
	assert.Contains(t, mustRun(t, alice, "node metadata").Message, "/:checksum=0")
	assert.Contains(t, mustRun(t, alice, "node data").Message, `/:file_content=""`)

	_, err := run(t, alice, "close")
	assert.ErrorIs(t, err, namespace_service.ErrRootUnlock)

	_, err = run(t, alice, "open / read")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = run(t, alice, "open /elsewhere/x read")
	assert.ErrorIs(t, err, namespace_service.ErrIllegalPath)
}

func TestSession_Notifications(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")
	bob := f.session(t, "bob")

	mustRun(t, alice, "open /ls/local/dir read child_node_added")
	mustRun(t, bob, "open /ls/local/dir/c.txt write")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := alice.Notifications().Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, node.EventChildNodeAdded, n.Event)
	assert.Contains(t, n.Format(), "sandlock-notification:/ls/local/dir> number of children of the held node has increased")
}

func TestSession_Exit(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")

	resp := mustRun(t, alice, "exit")
	assert.True(t, resp.Exit)
	assert.Equal(t, "goodbye!", resp.Message)
	assert.NotContains(t, f.holders(t, "/"), "alice")

	_, err := run(t, alice, "echo still there")
	assert.ErrorIs(t, err, ErrSessionClosed)
	require.NoError(t, alice.Close(context.Background()))
}

func TestSession_CloseAfterLeaseLoss(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		path    string
		removed bool
	}{
		{"permanent write", "open /ls/local/x.txt write handle_invalid", "/ls/local/x.txt", false},
		{"ephemeral change acl", "open /ls/local/eph change_acl ephemeral", "/ls/local/eph", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			alice := f.session(t, "alice")

			mustRun(t, alice, tt.line)
			require.True(t, f.st.ExpireLease(alice.Handle().LeaseID))

			resp := mustRun(t, alice, "close")
			assert.Equal(t, node.RootPath, resp.Path)
			assert.Equal(t, node.HandleRead, resp.HandleType)
			if tt.removed {
				_, err := f.ns.GetNode(context.Background(), tt.path)
				assert.ErrorIs(t, err, namespace_service.ErrNodeNotFound)
			} else {
				assert.NotContains(t, f.holders(t, tt.path), "alice")
			}

			resp = mustRun(t, alice, "open /ls/local/y.txt read")
			assert.Equal(t, "/ls/local/y.txt", resp.Path)

			_, err := run(t, alice, "exit")
			assert.NoError(t, err)
		})
	}
}

func TestSession_RemoveAfterLeaseLoss(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")

	mustRun(t, alice, "open /ls/local/r.txt write")
	require.True(t, f.st.ExpireLease(alice.Handle().LeaseID))

	mustRun(t, alice, "remove")
	_, err := f.ns.GetNode(context.Background(), "/ls/local/r.txt")
	assert.ErrorIs(t, err, namespace_service.ErrNodeNotFound)
}

func TestSession_RefusedEventsCreateNothing(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")

	_, err := run(t, alice, "open /ls/local/d read permanent 10 file_contents_modified")
	assert.ErrorIs(t, err, namespace_service.ErrObserver)

	_, err = f.ns.GetNode(context.Background(), "/ls/local/d")
	assert.ErrorIs(t, err, namespace_service.ErrNodeNotFound)
	assert.Equal(t, node.RootPath, alice.Handle().Path)
}
