package namespace_service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AnishMulay/sandlock/internal/node"
	"github.com/AnishMulay/sandlock/internal/notification"
)

func TestCreateHandle_MutualExclusion(t *testing.T) {
	for _, h := range []node.HandleType{node.HandleWrite, node.HandleChangeACL} {
		t.Run(string(h), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.create(t, "/ls/local/m.txt", node.Permanent)

			clients := []string{"alice", "bob"}
			errs := make([]error, len(clients))
			var g errgroup.Group
			for i, c := range clients {
				g.Go(func() error {
					_, errs[i] = f.ns.CreateHandle(ctx, c, HandleRequest{Path: "/ls/local/m.txt", HandleType: h})
					return nil
				})
			}
			require.NoError(t, g.Wait())

			var granted, refused int
			var winner string
			for i, err := range errs {
				if err == nil {
					granted++
					winner = clients[i]
					continue
				}
				assert.ErrorIs(t, err, ErrAlreadyLocked)
				assert.ErrorIs(t, err, ErrLock)
				refused++
			}
			assert.Equal(t, 1, granted)
			assert.Equal(t, 1, refused)

			md := f.node(t, "/ls/local/m.txt").Metadata
			assert.Equal(t, node.Sentinel+1, md.LockRequestNumber)
			assert.Equal(t, map[string]node.HandleType{winner: h}, md.LockClientMap)

			holders, err := f.store.LockHolders(ctx, LockName("/ls/local/m.txt"))
			require.NoError(t, err)
			assert.Len(t, holders, 1)
		})
	}
}

func TestCreateHandle_SharedReaders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "/ls/local/s.txt", node.Permanent)

	const n = 5
	var g errgroup.Group
	for i := 0; i < n; i++ {
		client := string(rune('a' + i))
		g.Go(func() error {
			_, err := f.ns.CreateHandle(ctx, client, HandleRequest{Path: "/ls/local/s.txt", HandleType: node.HandleRead})
			return err
		})
	}
	require.NoError(t, g.Wait())

	md := f.node(t, "/ls/local/s.txt").Metadata
	assert.Len(t, md.LockClientMap, n)
	assert.Equal(t, node.Sentinel+1, md.LockGenerationNumber)
}

func TestCreateHandle_Refusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "/ls/local/d", node.Permanent)
	f.create(t, "/ls/local/f.txt", node.Permanent)

	tests := []struct {
		name string
		req  HandleRequest
		want error
	}{
		{"default node exclusive", HandleRequest{Path: "/ls/local", HandleType: node.HandleWrite}, ErrDefaultLock},
		{"unknown handle type", HandleRequest{Path: "/ls/local/d", HandleType: "OWNER"}, ErrUnknownHandleType},
		{"missing node", HandleRequest{Path: "/ls/local/none", HandleType: node.HandleRead}, ErrNodeNotFound},
		{"file event on directory", HandleRequest{Path: "/ls/local/d", HandleType: node.HandleRead, Events: []node.EventType{node.EventFileContentsModified}}, ErrObserver},
		{"child event on file", HandleRequest{Path: "/ls/local/f.txt", HandleType: node.HandleRead, Events: []node.EventType{node.EventChildNodeAdded}}, ErrObserver},
		{"conflicting lock on shared handle", HandleRequest{Path: "/ls/local/f.txt", HandleType: node.HandleRead, Events: []node.EventType{node.EventConflictingLock}}, ErrObserver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ns.CreateHandle(ctx, "alice", tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Empty(t, f.node(t, "/ls/local/d").Metadata.LockClientMap)
	assert.Empty(t, f.node(t, "/ls/local/f.txt").Metadata.LockClientMap)

	shared, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: "/", HandleType: node.HandleRead})
	require.NoError(t, err, "default nodes accept shared handles")
	assert.Empty(t, shared.LockKey)
}

func TestEndToEnd_OpenWriteClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := "/ls/local/x.txt"

	created, err := f.ns.CreateNode(ctx, p, node.Permanent, false)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.ns.InheritACLNames(ctx, p))

	h, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: p, HandleType: node.HandleWrite})
	require.NoError(t, err)
	assert.NotEmpty(t, h.LockKey)
	assert.NotZero(t, h.LeaseID)

	require.NoError(t, f.ns.Write(ctx, p, h.Type, "hello"))
	v := f.node(t, p)
	assert.Equal(t, "hello", v.FileContent)
	assert.Equal(t, node.Sentinel+1, v.Metadata.ContentGenerationNumber)
	assert.Equal(t, node.Checksum("hello"), v.Metadata.Checksum)

	removed, err := f.ns.TryRemoveIfEphemeral(ctx, "alice", h)
	require.NoError(t, err)
	assert.False(t, removed)
	require.NoError(t, f.ns.Unlock(ctx, "alice", h, false))

	v = f.node(t, p)
	assert.Empty(t, v.Metadata.LockClientMap)
	holders, err := f.store.LockHolders(ctx, LockName(p))
	require.NoError(t, err)
	assert.Empty(t, holders)
	assert.False(t, f.store.HasLease(h.LeaseID))

	root, err := f.ns.CreateDefaultHandle(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, node.RootPath, root.Path)
	assert.Equal(t, node.HandleRead, f.node(t, "/").Metadata.LockClientMap["alice"])

	assert.ErrorIs(t, f.ns.Unlock(ctx, "alice", h, false), ErrNotLocked)
	assert.ErrorIs(t, f.ns.Unlock(ctx, "alice", root, false), ErrRootUnlock)
	require.NoError(t, f.ns.Unlock(ctx, "alice", root, true))
	assert.NotContains(t, f.node(t, "/").Metadata.LockClientMap, "alice")
}

func TestWrite_Refusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "/ls/local/dir", node.Permanent)
	f.create(t, "/ls/local/w.txt", node.Permanent)

	err := f.ns.Write(ctx, "/ls/local/dir", node.HandleWrite, "x")
	assert.ErrorIs(t, err, ErrNotFile)
	assert.ErrorIs(t, err, ErrNode)

	err = f.ns.Write(ctx, "/ls/local/w.txt", node.HandleRead, "x")
	assert.ErrorIs(t, err, ErrWrongHandleType)

	err = f.ns.Write(ctx, "/ls/local/gone.txt", node.HandleWrite, "x")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestRemoveNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		f.create(t, "/ls/local/gone.txt", node.Permanent)
		h, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: "/ls/local/gone.txt", HandleType: node.HandleWrite})
		require.NoError(t, err)
		parentBefore := f.node(t, "/ls/local").Metadata.ChildNodeNumber

		require.NoError(t, f.ns.RemoveNode(ctx, "alice", h, false))
		_, err = f.ns.GetNode(ctx, "/ls/local/gone.txt")
		assert.ErrorIs(t, err, ErrNodeNotFound)
		assert.Equal(t, parentBefore-1, f.node(t, "/ls/local").Metadata.ChildNodeNumber)
		assert.False(t, f.store.HasLease(h.LeaseID))
	})

	t.Run("requires write handle", func(t *testing.T) {
		f.create(t, "/ls/local/r.txt", node.Permanent)
		h, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: "/ls/local/r.txt", HandleType: node.HandleRead})
		require.NoError(t, err)
		assert.ErrorIs(t, f.ns.RemoveNode(ctx, "alice", h, false), ErrWrongHandleType)
	})

	t.Run("has children", func(t *testing.T) {
		f.create(t, "/ls/local/d", node.Permanent)
		h, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: "/ls/local/d", HandleType: node.HandleWrite})
		require.NoError(t, err)
		f.create(t, "/ls/local/d/e", node.Permanent)

		err = f.ns.RemoveNode(ctx, "alice", h, false)
		assert.ErrorIs(t, err, ErrHasChildren)
		assert.ErrorIs(t, err, ErrNode)
	})

	t.Run("held by two clients", func(t *testing.T) {
		f.create(t, "/ls/local/shared", node.Ephemeral)
		ha, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: "/ls/local/shared", HandleType: node.HandleRead})
		require.NoError(t, err)
		_, err = f.ns.CreateHandle(ctx, "bob", HandleRequest{Path: "/ls/local/shared", HandleType: node.HandleRead})
		require.NoError(t, err)

		assert.ErrorIs(t, f.ns.RemoveNode(ctx, "alice", ha, true), ErrCannotRemoveHeld)
		removed, err := f.ns.TryRemoveIfEphemeral(ctx, "alice", ha)
		assert.False(t, removed)
		assert.ErrorIs(t, err, ErrCannotRemoveHeld)
	})

	t.Run("default node", func(t *testing.T) {
		err := f.ns.RemoveNode(ctx, "alice", &Handle{Path: "/ls/local/acl", Type: node.HandleWrite}, false)
		assert.ErrorIs(t, err, ErrDefaultNode)
	})
}

func TestTryRemoveIfEphemeral_Cascade(t *testing.T) {
	ctx := context.Background()

	t.Run("permanent ancestors stay", func(t *testing.T) {
		f := newFixture(t)
		f.create(t, "/ls/local/a/b/c", node.Ephemeral)

		h, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: "/ls/local/a/b/c", HandleType: node.HandleRead})
		require.NoError(t, err)

		removed, err := f.ns.TryRemoveIfEphemeral(ctx, "alice", h)
		require.NoError(t, err)
		assert.True(t, removed)

		_, err = f.ns.GetNode(ctx, "/ls/local/a/b/c")
		assert.ErrorIs(t, err, ErrNodeNotFound)
		assert.Equal(t, 0, f.node(t, "/ls/local/a/b").Metadata.ChildNodeNumber)
		assert.Equal(t, 1, f.node(t, "/ls/local/a").Metadata.ChildNodeNumber)
	})

	t.Run("empty ephemeral ancestors go", func(t *testing.T) {
		f := newFixture(t)
		f.create(t, "/ls/local/a", node.Permanent)
		f.create(t, "/ls/local/a/b", node.Ephemeral)
		f.create(t, "/ls/local/a/b/c", node.Ephemeral)

		h, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: "/ls/local/a/b/c", HandleType: node.HandleWrite})
		require.NoError(t, err)

		removed, err := f.ns.TryRemoveIfEphemeral(ctx, "alice", h)
		require.NoError(t, err)
		assert.True(t, removed)

		for _, p := range []string{"/ls/local/a/b/c", "/ls/local/a/b"} {
			_, err = f.ns.GetNode(ctx, p)
			assert.ErrorIs(t, err, ErrNodeNotFound, p)
		}
		assert.Equal(t, 0, f.node(t, "/ls/local/a").Metadata.ChildNodeNumber)
	})

	t.Run("ancestor with other children stays", func(t *testing.T) {
		f := newFixture(t)
		f.create(t, "/ls/local/a", node.Ephemeral)
		f.create(t, "/ls/local/a/keep", node.Permanent)
		f.create(t, "/ls/local/a/c", node.Ephemeral)

		h, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{Path: "/ls/local/a/c", HandleType: node.HandleRead})
		require.NoError(t, err)

		removed, err := f.ns.TryRemoveIfEphemeral(ctx, "alice", h)
		require.NoError(t, err)
		assert.True(t, removed)
		assert.Equal(t, 1, f.node(t, "/ls/local/a").Metadata.ChildNodeNumber)
	})

	t.Run("permanent node", func(t *testing.T) {
		f := newFixture(t)
		f.create(t, "/ls/local/p", node.Permanent)
		removed, err := f.ns.TryRemoveIfEphemeral(ctx, "alice", &Handle{Path: "/ls/local/p", Type: node.HandleRead})
		require.NoError(t, err)
		assert.False(t, removed)

		removed, err = f.ns.TryRemoveIfEphemeral(ctx, "alice", &Handle{Path: "/ls/local/absent", Type: node.HandleRead})
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestLeaseFailure(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		events []node.EventType
		want   int
	}{
		{"with handle invalid", []node.EventType{node.EventHandleInvalid}, 1},
		{"without subscription", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.create(t, "/ls/local/l.txt", node.Permanent)
			box := notification.NewMailbox()

			h, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{
				Path:       "/ls/local/l.txt",
				HandleType: node.HandleWrite,
				Events:     tt.events,
				Sink:       box,
			})
			require.NoError(t, err)
			require.True(t, f.store.ExpireLease(h.LeaseID))

			require.Eventually(t, func() bool {
				return len(f.node(t, "/ls/local/l.txt").Metadata.LockClientMap) == 0
			}, time.Second, 10*time.Millisecond)
			time.Sleep(50 * time.Millisecond)

			got := box.Drain()
			require.Len(t, got, tt.want)
			for _, n := range got {
				assert.Equal(t, node.EventHandleInvalid, n.Event)
				assert.Equal(t, "/ls/local/l.txt", n.Path)
			}

			holders, err := f.store.LockHolders(ctx, LockName("/ls/local/l.txt"))
			require.NoError(t, err)
			assert.Empty(t, holders, "lock keys vanish with their lease")

			_, err = f.ns.CreateHandle(ctx, "bob", HandleRequest{Path: "/ls/local/l.txt", HandleType: node.HandleWrite})
			assert.NoError(t, err)
		})
	}
}

func TestSubscriptions_ThroughHandles(t *testing.T) {
	ctx := context.Background()

	t.Run("file contents delivered once", func(t *testing.T) {
		f := newFixture(t)
		f.create(t, "/ls/local/c.txt", node.Permanent)
		box := notification.NewMailbox()

		_, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{
			Path:       "/ls/local/c.txt",
			HandleType: node.HandleRead,
			Events:     []node.EventType{node.EventFileContentsModified},
			Sink:       box,
		})
		require.NoError(t, err)

		w, err := f.ns.CreateHandle(ctx, "bob", HandleRequest{Path: "/ls/local/c.txt", HandleType: node.HandleWrite})
		require.NoError(t, err)
		require.NoError(t, f.ns.Write(ctx, "/ls/local/c.txt", w.Type, "one"))
		require.NoError(t, f.ns.Write(ctx, "/ls/local/c.txt", w.Type, "two"))

		require.Eventually(t, func() bool { return box.Len() >= 1 }, time.Second, 10*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		got := box.Drain()
		require.Len(t, got, 1)
		assert.Equal(t, node.EventFileContentsModified, got[0].Event)
	})

	t.Run("conflicting lock every attempt", func(t *testing.T) {
		f := newFixture(t)
		f.create(t, "/ls/local/k.txt", node.Permanent)
		box := notification.NewMailbox()

		_, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{
			Path:       "/ls/local/k.txt",
			HandleType: node.HandleWrite,
			Events:     []node.EventType{node.EventConflictingLock},
			Sink:       box,
		})
		require.NoError(t, err)

		var refused atomic.Int32
		for i := 0; i < 2; i++ {
			if _, err := f.ns.CreateHandle(ctx, "bob", HandleRequest{Path: "/ls/local/k.txt", HandleType: node.HandleChangeACL}); err != nil {
				refused.Add(1)
			}
		}
		assert.Equal(t, int32(2), refused.Load())

		require.Eventually(t, func() bool { return box.Len() == 2 }, time.Second, 10*time.Millisecond)
	})

	t.Run("child events stop after unlock", func(t *testing.T) {
		f := newFixture(t)
		f.create(t, "/ls/local/dir", node.Permanent)
		box := notification.NewMailbox()

		h, err := f.ns.CreateHandle(ctx, "alice", HandleRequest{
			Path:       "/ls/local/dir",
			HandleType: node.HandleRead,
			Events:     []node.EventType{node.EventChildNodeAdded},
			Sink:       box,
		})
		require.NoError(t, err)
		require.NoError(t, f.ns.Unlock(ctx, "alice", h, false))

		f.create(t, "/ls/local/dir/child", node.Permanent)
		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, box.Len())
	})
}
