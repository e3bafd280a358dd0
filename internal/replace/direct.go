package replace

import (
	"bytes"
	"context"

	"bomp/internal/logging"
	"bomp/shared/types"

	"go.uber.org/zap"
)

// DirectStrategy replaces every literal occurrence of the old version.
type DirectStrategy struct {
	Path   string
	Logger *zap.Logger
}

// ReplaceAll substitutes every non-overlapping occurrence of old with new,
// scanning left to right once.
func ReplaceAll(content []byte, r shared.VersionReplacement) []byte {
	return bytes.ReplaceAll(content, []byte(r.OldVersion), []byte(r.NewVersion))
}

// Plan always produces one edit; a file without matches yields a no-op
// edit identical to the original.
func (s *DirectStrategy) Plan(ctx context.Context, root string, r shared.VersionReplacement) ([]*shared.PendingEdit, error) {
	if err := validateReplacement(s.Path, r); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, perm, err := ReadTarget(root, s.Path)
	if err != nil {
		return nil, err
	}

	replaced := ReplaceAll(content, r)
	logging.OrNop(s.Logger).Debug("planned direct substitution",
		zap.String("path", s.Path),
		zap.Int("matches", bytes.Count(content, []byte(r.OldVersion))))

	return []*shared.PendingEdit{{
		Path:    s.Path,
		Content: replaced,
		Perm:    perm,
	}}, nil
}

func (s *DirectStrategy) Targets() []string {
	return []string{s.Path}
}

func (s *DirectStrategy) String() string {
	return "direct:" + s.Path
}
