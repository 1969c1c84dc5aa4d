package namespace_service

import (
	"context"
	"fmt"

	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/node"
)

// CreateNode writes an empty node at p and materializes its missing
// ancestors as permanent directories. It reports false without touching
// anything when the node already exists. Path rules are skipped during
// bootstrap.
func (s *NamespaceService) CreateNode(ctx context.Context, p string, attr node.Attribute, isBootstrap bool) (bool, error) {
	p = node.CleanPath(p)
	if !isBootstrap {
		if err := s.checkCreatable(p); err != nil {
			s.ls.Warn(log_service.LogEvent{
				Message:  "Refused to create node",
				Metadata: map[string]any{"path": p, "error": err.Error()},
			})
			return false, err
		}
	}

	ok, err := s.exists(ctx, p)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}

	n := node.New(p, attr)
	if err := s.putValue(ctx, p, n.Value); err != nil {
		return false, err
	}
	s.metrics.NodeCreated()
	s.ls.Debug(log_service.LogEvent{
		Message:  "Node created",
		Metadata: map[string]any{"path": p, "node_type": string(n.Value.Metadata.NodeType), "node_attribute": string(attr)},
	})

	if err := s.materializeAncestors(ctx, p); err != nil {
		return true, err
	}
	return true, nil
}

func (s *NamespaceService) checkCreatable(p string) error {
	if s.IsDefaultNode(p) {
		return fmt.Errorf("%w: %s", ErrDefaultNode, p)
	}
	if !node.IsWithin(p, s.cellRoot) {
		return fmt.Errorf("%w: %s is outside %s", ErrIllegalPath, p, s.cellRoot)
	}
	if parent, ok := node.Parent(p); ok && s.IsDefaultNode(parent) && parent != s.cellRoot {
		return fmt.Errorf("%w: %s cannot hold new children", ErrIllegalPath, parent)
	}
	for _, a := range node.Ancestors(p) {
		if node.IsFile(a) {
			return fmt.Errorf("%w: file %s cannot hold children", ErrIllegalPath, a)
		}
	}
	return nil
}

// materializeAncestors walks from the parent of p up to the root, creating
// missing directories and recounting each ancestor's children.
func (s *NamespaceService) materializeAncestors(ctx context.Context, p string) error {
	ancestors := node.Ancestors(p)
	for i := len(ancestors) - 1; i >= 0; i-- {
		a := ancestors[i]
		ok, err := s.exists(ctx, a)
		if err != nil {
			return err
		}
		if !ok {
			if err := s.putValue(ctx, a, node.New(a, node.Permanent).Value); err != nil {
				return err
			}
			s.metrics.NodeCreated()
			s.ls.Debug(log_service.LogEvent{
				Message:  "Ancestor materialized",
				Metadata: map[string]any{"path": a},
			})
		}
		if err := s.refreshChildCount(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// InheritACLNames walks from the root to p and fills every node's ACL
// bindings from the nearest ancestor that defines them. Bindings a node
// defines itself are kept.
func (s *NamespaceService) InheritACLNames(ctx context.Context, p string) error {
	p = node.CleanPath(p)
	chain := append(node.Ancestors(p), p)

	resolved := make(map[node.HandleType]string)
	for i, cur := range chain {
		if i == 0 {
			v, err := s.getValue(ctx, cur)
			if err != nil {
				return err
			}
			mergeACLNames(resolved, v.Metadata.ACLNames)
			continue
		}

		inherited := copyACLNames(resolved)
		v, err := s.update(ctx, cur, func(v *node.Value) error {
			merged := copyACLNames(inherited)
			mergeACLNames(merged, v.Metadata.ACLNames)
			v.Metadata.SetACLNames(merged)
			return nil
		})
		if err != nil {
			return err
		}
		resolved = copyACLNames(v.Metadata.ACLNames)
	}

	s.ls.Debug(log_service.LogEvent{
		Message:  "ACL names inherited",
		Metadata: map[string]any{"path": p, "acl_names": resolved},
	})
	return nil
}

// CreateDefaultNodes builds the bootstrap layout, binds the default ACL
// names and seeds the default ACL files. It is safe to run on a namespace
// that was already bootstrapped.
func (s *NamespaceService) CreateDefaultNodes(ctx context.Context) error {
	for _, p := range s.DefaultNodes() {
		created, err := s.CreateNode(ctx, p, node.Permanent, true)
		if err != nil {
			return fmt.Errorf("failed to create default node %s: %w", p, err)
		}
		if created && node.IsFile(p) {
			if _, err := s.update(ctx, p, func(v *node.Value) error {
				return v.SetFileContent(encodeUsernames(nil))
			}); err != nil {
				return err
			}
		}
	}

	for _, p := range []string{node.RootPath, "/" + LsDir} {
		if _, err := s.update(ctx, p, func(v *node.Value) error {
			merged := copyACLNames(DefaultACLNames)
			mergeACLNames(merged, v.Metadata.ACLNames)
			v.Metadata.SetACLNames(merged)
			return nil
		}); err != nil {
			return err
		}
	}

	for _, p := range s.DefaultNodes() {
		if err := s.InheritACLNames(ctx, p); err != nil {
			return err
		}
	}

	s.ls.Info(log_service.LogEvent{
		Message:  "Default nodes ready",
		Metadata: map[string]any{"cell": s.cell, "cell_root": s.cellRoot},
	})
	return nil
}

func copyACLNames(in map[node.HandleType]string) map[node.HandleType]string {
	out := make(map[node.HandleType]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// mergeACLNames overlays the non-empty bindings of src onto dst.
func mergeACLNames(dst, src map[node.HandleType]string) {
	for k, v := range src {
		if v != "" {
			dst[k] = v
		}
	}
}
