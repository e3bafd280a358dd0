package replace

import (
	"context"
	"fmt"
	"runtime"

	bomperr "bomp/internal/errors"
	"bomp/internal/logging"
	"bomp/shared/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Strategy computes the pending edits of one target. Implementations must
// not touch the filesystem beyond reading.
type Strategy interface {
	Plan(ctx context.Context, root string, r shared.VersionReplacement) ([]*shared.PendingEdit, error)
}

// Targeted is implemented by strategies that know which files they read
// before planning.
type Targeted interface {
	Targets() []string
}

// Targets collects the known target files of strategies, deduplicated,
// in first-seen order.
func Targets(strategies []Strategy) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range strategies {
		t, ok := s.(Targeted)
		if !ok {
			continue
		}
		for _, p := range t.Targets() {
			p = shared.CleanPath(p)
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// ForSpec selects the strategy declared by a target file spec.
func ForSpec(spec shared.TargetFileSpec, logger *zap.Logger) (Strategy, error) {
	path := shared.CleanPath(spec.Path)
	switch spec.Mode {
	case shared.Direct:
		return &DirectStrategy{Path: path, Logger: logger}, nil
	case shared.ContextVerified:
		return NewVerifiedStrategy(path, spec.VerificationPattern, logger)
	default:
		return nil, bomperr.Planning(path, fmt.Sprintf("unknown replacement mode %d", spec.Mode), nil)
	}
}

// Planner runs strategies for unrelated targets in parallel and collects
// their edits in strategy order.
type Planner struct {
	Root        string
	Logger      *zap.Logger
	Concurrency int
}

func NewPlanner(root string, logger *zap.Logger) *Planner {
	return &Planner{
		Root:        root,
		Logger:      logger,
		Concurrency: runtime.GOMAXPROCS(0),
	}
}

// Plan returns every edit or the first error; no partial plan is returned.
func (p *Planner) Plan(ctx context.Context, strategies []Strategy, r shared.VersionReplacement) ([]*shared.PendingEdit, error) {
	results := make([][]*shared.PendingEdit, len(strategies))

	g, ctx := errgroup.WithContext(ctx)
	if p.Concurrency > 0 {
		g.SetLimit(p.Concurrency)
	}
	for i, s := range strategies {
		g.Go(func() error {
			edits, err := s.Plan(ctx, p.Root, r)
			if err != nil {
				return err
			}
			results[i] = edits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var edits []*shared.PendingEdit
	for _, res := range results {
		edits = append(edits, res...)
	}
	if err := CheckUnique(edits); err != nil {
		return nil, err
	}

	logging.OrNop(p.Logger).Debug("planning complete",
		zap.Int("strategies", len(strategies)),
		zap.Int("edits", len(edits)))
	return edits, nil
}

// CheckUnique rejects a plan holding two edits for the same path.
func CheckUnique(edits []*shared.PendingEdit) error {
	seen := make(map[string]bool, len(edits))
	for _, e := range edits {
		p := shared.CleanPath(e.Path)
		if seen[p] {
			return bomperr.Planning(p, "more than one pending edit for the same path", nil)
		}
		seen[p] = true
	}
	return nil
}
