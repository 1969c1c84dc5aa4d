package namespace_service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/node"
	"github.com/AnishMulay/sandlock/internal/store_service/inmemory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	store *inmemory.InMemoryStoreService
	ns    *NamespaceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := inmemory.NewInMemoryStoreService(log_service.NopLogService{})
	ns := NewNamespaceService(st, "local", log_service.NopLogService{}, nil)
	require.NoError(t, ns.CreateDefaultNodes(context.Background()))
	t.Cleanup(func() {
		_ = ns.Close(context.Background())
		_ = st.Close()
	})
	return &fixture{store: st, ns: ns}
}

func (f *fixture) node(t *testing.T, p string) node.Value {
	t.Helper()
	n, err := f.ns.GetNode(context.Background(), p)
	require.NoError(t, err)
	return n.Value
}

func (f *fixture) create(t *testing.T, p string, attr node.Attribute) {
	t.Helper()
	ctx := context.Background()
	created, err := f.ns.CreateNode(ctx, p, attr, false)
	require.NoError(t, err)
	require.True(t, created, "expected %s to be created", p)
	require.NoError(t, f.ns.InheritACLNames(ctx, p))
}

func TestCreateDefaultNodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, p := range []string{"/", "/ls", "/ls/local", "/ls/local/acl", "/ls/local/acl/write.txt", "/ls/local/acl/read.txt", "/ls/local/acl/change_acl.txt"} {
		assert.True(t, f.ns.IsDefaultNode(p), p)
		v := f.node(t, p)
		assert.Equal(t, DefaultACLNames, v.Metadata.ACLNames, p)
	}
	assert.Equal(t, "[]", f.node(t, "/ls/local/acl/read.txt").FileContent)
	assert.Equal(t, 3, f.node(t, "/ls/local/acl").Metadata.ChildNodeNumber)
	assert.Equal(t, 1, f.node(t, "/").Metadata.ChildNodeNumber)

	before := f.node(t, "/ls/local/acl/read.txt")
	require.NoError(t, f.ns.CreateDefaultNodes(ctx))
	assert.Equal(t, before, f.node(t, "/ls/local/acl/read.txt"))
}

func TestCreateNode_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.ns.CreateNode(ctx, "/ls/local/a/b.txt", node.Permanent, false)
	require.NoError(t, err)
	assert.True(t, created)
	first := f.node(t, "/ls/local/a/b.txt")

	created, err = f.ns.CreateNode(ctx, "/ls/local/a/b.txt", node.Ephemeral, false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, f.node(t, "/ls/local/a/b.txt"))

	assert.Equal(t, node.Permanent, first.Metadata.NodeAttribute)
	assert.Equal(t, node.TypeFile, first.Metadata.NodeType)
	assert.Equal(t, node.Sentinel, first.Metadata.ContentGenerationNumber)

	parent := f.node(t, "/ls/local/a")
	assert.Equal(t, node.TypeDirectory, parent.Metadata.NodeType)
	assert.Equal(t, node.Permanent, parent.Metadata.NodeAttribute)
	assert.Equal(t, 1, parent.Metadata.ChildNodeNumber)
	assert.Equal(t, 2, f.node(t, "/ls/local").Metadata.ChildNodeNumber)
}

func TestCreateNode_SiblingPrefixes(t *testing.T) {
	f := newFixture(t)

	f.create(t, "/ls/local/b/x", node.Permanent)
	f.create(t, "/ls/local/bc/y", node.Permanent)

	assert.Equal(t, 1, f.node(t, "/ls/local/b").Metadata.ChildNodeNumber)
	assert.Equal(t, 1, f.node(t, "/ls/local/bc").Metadata.ChildNodeNumber)
}

func TestCreateNode_IllegalPaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		path string
		want error
	}{
		{"root", "/", ErrDefaultNode},
		{"cell root", "/ls/local", ErrDefaultNode},
		{"acl file", "/ls/local/acl/write.txt", ErrDefaultNode},
		{"child of acl directory", "/ls/local/acl/mine.txt", ErrIllegalPath},
		{"outside ls", "/tmp/x", ErrIllegalPath},
		{"other cell", "/ls/remote/x", ErrIllegalPath},
		{"child of a file", "/ls/local/f.txt/inner", ErrIllegalPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			created, err := f.ns.CreateNode(ctx, tt.path, node.Permanent, false)
			assert.False(t, created)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrNode)
		})
	}

	_, err := f.ns.GetNode(ctx, "/ls/remote/x")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestInheritACLNames_Custom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, "/ls/local/p", node.Permanent)
	h, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: "/ls/local/p", HandleType: node.HandleChangeACL})
	require.NoError(t, err)
	require.NoError(t, f.ns.ChangeACLNames(ctx, "alice", "/ls/local/p", h.Type, node.HandleWrite, "custom"))

	f.create(t, "/ls/local/p/c.txt", node.Permanent)

	names := f.node(t, "/ls/local/p/c.txt").Metadata.ACLNames
	assert.Equal(t, "custom", names[node.HandleWrite])
	assert.Equal(t, "read", names[node.HandleRead])
	assert.Equal(t, "change_acl", names[node.HandleChangeACL])

	ok, err := f.ns.IsClientPermittedAccess(ctx, "alice", node.HandleWrite, "/ls/local/p/c.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.ns.IsClientPermittedAccess(ctx, "bob", node.HandleWrite, "/ls/local/p/c.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.ns.IsClientPermittedAccess(ctx, "bob", node.HandleRead, "/ls/local/p/c.txt")
	require.NoError(t, err)
	assert.True(t, ok, "default acl files grant access to everyone")

	_, err = f.ns.IsClientPermittedAccess(ctx, "bob", node.HandleRead, "/ls/local/missing")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestChangeACLNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, "/ls/local/p", node.Permanent)
	h, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: "/ls/local/p", HandleType: node.HandleChangeACL})
	require.NoError(t, err)

	err = f.ns.ChangeACLNames(ctx, "alice", "/ls/local/p", node.HandleRead, node.HandleWrite, "custom")
	assert.ErrorIs(t, err, ErrWrongHandleType)
	assert.ErrorIs(t, err, ErrHandle)

	err = f.ns.ChangeACLNames(ctx, "alice", "/ls/local/p", h.Type, node.HandleWrite, "bad.name")
	assert.ErrorIs(t, err, ErrIllegalACLName)

	before := f.node(t, "/ls/local/p").Metadata.ACLGenerationNumber
	require.NoError(t, f.ns.ChangeACLNames(ctx, "alice", "/ls/local/p", h.Type, node.HandleWrite, "custom"))
	after := f.node(t, "/ls/local/p").Metadata
	assert.Equal(t, before+1, after.ACLGenerationNumber)
	assert.Equal(t, "custom", after.ACLNames[node.HandleWrite])
	assert.Equal(t, `["alice"]`, f.node(t, "/ls/local/acl/custom.txt").FileContent)
	assert.Equal(t, 4, f.node(t, "/ls/local/acl").Metadata.ChildNodeNumber)

	err = f.ns.ChangeACLNames(ctx, "alice", "/ls/local/p", h.Type, node.HandleRead, "custom")
	assert.ErrorIs(t, err, ErrACLNameTaken)
	assert.ErrorIs(t, err, ErrACL)
	assert.Equal(t, "read", f.node(t, "/ls/local/p").Metadata.ACLNames[node.HandleRead])

	require.NoError(t, f.ns.ChangeACLNames(ctx, "alice", "/ls/local/p", h.Type, node.HandleWrite, "custom2"))
	_, err = f.ns.GetNode(ctx, "/ls/local/acl/custom.txt")
	assert.ErrorIs(t, err, ErrNodeNotFound, "the replaced acl file is removed")
	assert.Equal(t, 4, f.node(t, "/ls/local/acl").Metadata.ChildNodeNumber)
}

func TestAddACLClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, "/ls/local/p", node.Permanent)
	h, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: "/ls/local/p", HandleType: node.HandleChangeACL})
	require.NoError(t, err)

	err = f.ns.AddACLClient(ctx, "/ls/local/p", node.HandleWrite, h.Type, "bob")
	assert.ErrorIs(t, err, ErrDefaultACL)

	require.NoError(t, f.ns.ChangeACLNames(ctx, "alice", "/ls/local/p", h.Type, node.HandleWrite, "writers"))

	assert.ErrorIs(t, f.ns.AddACLClient(ctx, "/ls/local/p", node.HandleWrite, h.Type), ErrNoUsernames)
	assert.ErrorIs(t, f.ns.AddACLClient(ctx, "/ls/local/p", node.HandleWrite, node.HandleWrite, "bob"), ErrWrongHandleType)

	require.NoError(t, f.ns.AddACLClient(ctx, "/ls/local/p", node.HandleWrite, h.Type, "bob", "alice", "carol"))
	require.NoError(t, f.ns.AddACLClient(ctx, "/ls/local/p", node.HandleWrite, h.Type, "bob"))

	users, err := f.ns.ReadACLUsernames(ctx, "/ls/local/p", node.HandleWrite)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, users)

	ok, err := f.ns.IsClientPermittedAccess(ctx, "carol", node.HandleWrite, "/ls/local/p")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetLs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, "/ls/local/a/b/c.txt", node.Permanent)
	_, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: "/ls/local/a/b/c.txt", HandleType: node.HandleWrite})
	require.NoError(t, err)

	tests := []struct {
		name  string
		path  string
		depth int
		want  []string
	}{
		{"root default depth", "/", 0, []string{"ls"}},
		{"cell root depth one", "/ls/local", 1, []string{"a", "acl"}},
		{"cell root depth two", "/ls/local", 2, []string{"a", "a/b", "acl", "acl/change_acl.txt", "acl/read.txt", "acl/write.txt"}},
		{"leaf", "/ls/local/a/b/c.txt", 3, []string{}},
		{"deep", "/ls/local/a", 5, []string{"b", "b/c.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.ns.GetLs(ctx, tt.path, tt.depth)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	all, err := f.ns.GetLs(ctx, "/", 10)
	require.NoError(t, err)
	for _, p := range all {
		assert.NotContains(t, p, "_lock")
	}

	_, err = f.ns.GetLs(ctx, "/ls/local/nope", 1)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}
