package namespace_service

import (
	"context"
	"errors"
	"fmt"

	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/node"
)

// RemoveNode deletes the node held by h. Without override the caller must
// hold a WRITE handle. The node must have no children and no holder other
// than client.
func (s *NamespaceService) RemoveNode(ctx context.Context, client string, h *Handle, override bool) error {
	p := node.CleanPath(h.Path)
	if !override && h.Type != node.HandleWrite {
		return fmt.Errorf("%w: removing %s requires %s, holding %s", ErrWrongHandleType, p, node.HandleWrite, h.Type)
	}
	if s.IsDefaultNode(p) {
		return fmt.Errorf("%w: %s", ErrDefaultNode, p)
	}

	v, err := s.getValue(ctx, p)
	if err != nil {
		return err
	}
	if heldByOthers(v.Metadata, client) {
		return fmt.Errorf("%w: %s", ErrCannotRemoveHeld, p)
	}
	if v.Metadata.ChildNodeNumber > 0 {
		return fmt.Errorf("%w: %s has %d", ErrHasChildren, p, v.Metadata.ChildNodeNumber)
	}

	if h.LeaseID != 0 {
		if err := s.Unlock(ctx, client, h, false); err != nil {
			return err
		}
	}

	if _, err := s.store.Delete(ctx, p); err != nil {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	s.metrics.NodeRemoved()

	if parent, ok := node.Parent(p); ok {
		if err := s.refreshChildCount(ctx, parent); err != nil {
			return err
		}
		if err := s.RemoveClientLock(ctx, parent, client, h.Type); err != nil {
			return err
		}
	}

	s.ls.Debug(log_service.LogEvent{
		Message:  "Node removed",
		Metadata: map[string]any{"path": p, "client_id": client},
	})
	return nil
}

// TryRemoveIfEphemeral removes the node held by h when it is ephemeral, then
// removes each ancestor in turn while it is ephemeral, childless, and held
// by nobody but client. It reports false for permanent or missing nodes.
func (s *NamespaceService) TryRemoveIfEphemeral(ctx context.Context, client string, h *Handle) (bool, error) {
	p := node.CleanPath(h.Path)
	v, err := s.getValue(ctx, p)
	if errors.Is(err, ErrNodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if v.Metadata.NodeAttribute != node.Ephemeral {
		return false, nil
	}

	if err := s.RemoveNode(ctx, client, h, true); err != nil {
		return false, err
	}

	ancestors := node.Ancestors(p)
	for i := len(ancestors) - 1; i >= 0; i-- {
		a := ancestors[i]
		if s.IsDefaultNode(a) {
			break
		}
		av, err := s.getValue(ctx, a)
		if errors.Is(err, ErrNodeNotFound) {
			break
		}
		if err != nil {
			return true, err
		}
		md := av.Metadata
		if md.NodeAttribute != node.Ephemeral || md.ChildNodeNumber > 0 || heldByOthers(md, client) {
			break
		}
		if err := s.RemoveNode(ctx, client, &Handle{Path: a, Type: h.Type}, true); err != nil {
			return true, err
		}
	}
	return true, nil
}

func heldByOthers(md node.Metadata, client string) bool {
	for c := range md.LockClientMap {
		if c != client {
			return true
		}
	}
	return false
}
