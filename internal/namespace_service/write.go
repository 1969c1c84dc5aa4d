package namespace_service

import (
	"context"
	"fmt"

	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/node"
)

// Write replaces the content of the file at p. The caller must hold a WRITE
// handle on it.
func (s *NamespaceService) Write(ctx context.Context, p string, held node.HandleType, content string) error {
	p = node.CleanPath(p)
	if node.TypeOf(p) != node.TypeFile {
		return fmt.Errorf("%w: %s", ErrNotFile, p)
	}
	if held != node.HandleWrite {
		return fmt.Errorf("%w: writing %s requires %s, holding %s", ErrWrongHandleType, p, node.HandleWrite, held)
	}

	v, err := s.update(ctx, p, func(v *node.Value) error {
		if err := v.SetFileContent(content); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrNode, p, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.ls.Debug(log_service.LogEvent{
		Message:  "File content written",
		Metadata: map[string]any{"path": p, "content_generation_number": v.Metadata.ContentGenerationNumber},
	})
	return nil
}
