package namespace_service

import (
	"context"
	"fmt"
	"strings"

	"github.com/AnishMulay/sandlock/internal/node"
)

// GetLs lists the nodes below p down to depth levels, relative to p.
// A depth below one lists immediate children only.
func (s *NamespaceService) GetLs(ctx context.Context, p string, depth int) ([]string, error) {
	p = node.CleanPath(p)
	if depth < 1 {
		depth = 1
	}
	if _, err := s.getValue(ctx, p); err != nil {
		return nil, err
	}

	prefix := node.ChildPrefix(p)
	kvs, err := s.store.GetPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", p, err)
	}

	start := node.Depth(p)
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		if !strings.HasPrefix(kv.Key, "/") || kv.Key == p {
			continue
		}
		d := node.Depth(kv.Key)
		if d <= start || d > start+depth {
			continue
		}
		out = append(out, strings.TrimPrefix(kv.Key, prefix))
	}
	return out, nil
}
