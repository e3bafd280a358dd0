// internal/apply/apply.go
package apply

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"bomp/internal/diff"
	bomperr "bomp/internal/errors"
	"bomp/internal/logging"
	"bomp/internal/replace"
	"bomp/shared/types"
	"bomp/shared/utils"

	"go.uber.org/zap"
)

// Observer is told about every existing file right before and after it is
// replaced. A BeforePersist error aborts the apply before that file is
// touched.
type Observer interface {
	BeforePersist(path string, original []byte, perm fs.FileMode) error
	AfterPersist(path string, content []byte) error
}

// Guard reports target files that changed on disk since planning.
type Guard interface {
	Changed(path string) bool
}

// Stale returns a StaleTarget error for the first edit whose file g saw
// change.
func Stale(g Guard, edits []*shared.PendingEdit) error {
	for _, edit := range edits {
		if g.Changed(edit.Path) {
			return bomperr.StaleTarget(edit.Path, "file changed on disk since planning")
		}
	}
	return nil
}

// Proposal is the dry-run view of one edit.
type Proposal struct {
	Path string
	Diff *diff.DiffResult
}

// Outcome carries either proposed diffs (dry run) or applied paths.
type Outcome struct {
	DryRun   bool
	Proposed []Proposal
	Applied  []string
}

type Engine struct {
	Root         string
	Logger       *zap.Logger
	Observer     Observer
	Guard        Guard
	ContextLines int
	// CreateMissing lets persist recreate targets that no longer exist.
	// Only restores set it; otherwise a missing target is stale.
	CreateMissing bool
}

func NewEngine(root string, logger *zap.Logger) *Engine {
	return &Engine{
		Root:         root,
		Logger:       logger,
		ContextLines: diff.DefaultContext,
	}
}

// Apply consumes edits: each one is released once rendered or persisted.
// Duplicate paths are rejected before anything is read or written.
func (e *Engine) Apply(ctx context.Context, edits []*shared.PendingEdit, dryRun bool) (*Outcome, error) {
	if err := replace.CheckUnique(edits); err != nil {
		return nil, err
	}
	for _, edit := range edits {
		if edit.Released() {
			return nil, bomperr.Apply(edit.Path, "pending edit was already consumed", nil)
		}
	}
	if dryRun {
		return e.dryRun(edits)
	}
	return e.persistAll(ctx, edits)
}

func (e *Engine) dryRun(edits []*shared.PendingEdit) (*Outcome, error) {
	log := logging.OrNop(e.Logger)
	engine := diff.NewEngine(e.ContextLines)

	out := &Outcome{DryRun: true}
	for _, edit := range edits {
		current, err := os.ReadFile(e.abs(edit.Path))
		switch {
		case os.IsNotExist(err) && !e.CreateMissing:
			return nil, bomperr.StaleTarget(edit.Path, "file no longer exists")
		case err != nil && !os.IsNotExist(err):
			return nil, bomperr.Planning(edit.Path, "reading current content", err)
		}
		d, err := engine.Diff(current, edit.Content)
		if err != nil {
			return nil, bomperr.Planning(edit.Path, "computing diff", err)
		}
		log.Debug("Proposed edit",
			zap.String("path", edit.Path),
			zap.Int("additions", d.Stats.Additions),
			zap.Int("deletions", d.Stats.Deletions))
		out.Proposed = append(out.Proposed, Proposal{Path: edit.Path, Diff: d})
		edit.Release()
	}
	return out, nil
}

func (e *Engine) persistAll(ctx context.Context, edits []*shared.PendingEdit) (*Outcome, error) {
	log := logging.OrNop(e.Logger)

	if e.Guard != nil {
		if err := Stale(e.Guard, edits); err != nil {
			return nil, err
		}
	}

	out := &Outcome{}
	for i, edit := range edits {
		var err error
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case e.Guard != nil && e.Guard.Changed(edit.Path):
			err = bomperr.StaleTarget(edit.Path, "file changed on disk since planning")
		default:
			err = e.persist(edit)
		}
		if err != nil {
			if len(out.Applied) == 0 {
				return nil, err
			}
			pending := utils.EditPaths(edits[i:])
			log.Error("Apply stopped partway",
				zap.Strings("applied", out.Applied),
				zap.Strings("pending", pending),
				zap.Error(err))
			return out, bomperr.PartialApply(out.Applied, pending, err)
		}
		out.Applied = append(out.Applied, edit.Path)
		edit.Release()
		log.Info("Persisted file", zap.String("path", edit.Path))
	}
	return out, nil
}

// persist replaces one file through a temp file in the target's real
// directory, so readers see either the old or the new content.
func (e *Engine) persist(edit *shared.PendingEdit) error {
	target := e.abs(edit.Path)
	perm := edit.Perm

	var original []byte
	existed := false
	real, err := filepath.EvalSymlinks(target)
	switch {
	case err == nil:
		existed = true
		info, err := os.Stat(real)
		if err != nil {
			return bomperr.Apply(edit.Path, "reading target metadata", err)
		}
		if !info.Mode().IsRegular() {
			return bomperr.Apply(edit.Path, "target is not a regular file", nil)
		}
		perm = info.Mode().Perm()
		if e.Observer != nil {
			if original, err = os.ReadFile(real); err != nil {
				return bomperr.Apply(edit.Path, "reading original content", err)
			}
		}
	case os.IsNotExist(err):
		if !e.CreateMissing {
			return bomperr.StaleTarget(edit.Path, "file no longer exists")
		}
		real = target
	default:
		return bomperr.Apply(edit.Path, "resolving target path", err)
	}
	if perm == 0 {
		perm = 0o644
	}

	if e.Observer != nil && existed {
		if err := e.Observer.BeforePersist(edit.Path, original, perm); err != nil {
			return bomperr.Apply(edit.Path, "recording pre-image", err)
		}
	}

	if err := writeAtomic(real, edit.Content, perm); err != nil {
		return bomperr.Apply(edit.Path, "replacing file", err)
	}

	if e.Observer != nil && existed {
		if err := e.Observer.AfterPersist(edit.Path, edit.Content); err != nil {
			logging.OrNop(e.Logger).Warn("Observer failed after persist",
				zap.String("path", edit.Path), zap.Error(err))
		}
	}
	return nil
}

func writeAtomic(path string, content []byte, perm fs.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".bomp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(content); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (e *Engine) abs(path string) string {
	return filepath.Join(e.Root, filepath.FromSlash(path))
}
