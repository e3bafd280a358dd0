// internal/project/project.go
package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"bomp/internal/apply"
	"bomp/internal/config"
	"bomp/internal/guard"
	"bomp/internal/journal"
	"bomp/internal/logging"
	"bomp/internal/replace"
	"bomp/internal/treebuild"
	"bomp/internal/vcs"
	"bomp/internal/versioning"
	"bomp/internal/workspace"
	"bomp/shared/types"
	"bomp/shared/utils"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// Context is everything a flow needs from the environment. The CLI builds
// it once; nothing below reads the working directory or environment.
type Context struct {
	Root   string
	Config *config.Config
	Logger *zap.Logger
}

// Report describes what a flow did, or would do in a dry run.
type Report struct {
	Replacement shared.VersionReplacement
	Outcome     *apply.Outcome
	Commit      plumbing.Hash
	Tag         string
	RunID       string
}

func (c *Context) logger() *zap.Logger {
	return logging.OrNop(c.Logger)
}

// strategies turns the config into planning strategies: one per expanded
// file entry, plus the workspace propagator when cargo is configured.
func (c *Context) strategies() ([]replace.Strategy, error) {
	specs, err := c.Config.TargetSpecs(os.DirFS(c.Root))
	if err != nil {
		return nil, fmt.Errorf("expanding files: %w", err)
	}

	strategies := make([]replace.Strategy, 0, len(specs)+1)
	for _, spec := range specs {
		s, err := replace.ForSpec(spec, c.Logger)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}

	if c.Config.Cargo != nil {
		snap, err := workspace.Inspect(c.Root, ".")
		if err != nil {
			return nil, fmt.Errorf("inspecting cargo workspace: %w", err)
		}
		strategies = append(strategies, workspace.NewPropagator(snap, c.Config.ReplacementMode(), c.Logger))
	}
	return strategies, nil
}

// plan computes every pending edit for r without writing anything. With
// watch set and the drift guard enabled, the targets are watched before
// the first one is read; the caller closes the returned guard.
func (c *Context) plan(ctx context.Context, r shared.VersionReplacement, watch bool) ([]*shared.PendingEdit, *guard.Guard, error) {
	list, err := c.strategies()
	if err != nil {
		return nil, nil, err
	}

	var g *guard.Guard
	if watch && c.Config.DriftGuardEnabled() {
		if g, err = guard.New(c.Root, replace.Targets(list), c.Logger); err != nil {
			return nil, nil, fmt.Errorf("starting drift guard: %w", err)
		}
	}

	edits, err := replace.NewPlanner(c.Root, c.Logger).Plan(ctx, list, r)
	if err != nil {
		if g != nil {
			g.Close()
		}
		return nil, nil, err
	}
	return edits, g, nil
}

// RawBump replaces r.OldVersion with r.NewVersion in the configured files
// without touching version control.
func (c *Context) RawBump(ctx context.Context, r shared.VersionReplacement, dryRun bool) (*Report, error) {
	edits, g, err := c.plan(ctx, r, !dryRun)
	if err != nil {
		return nil, err
	}
	if g != nil {
		defer g.Close()
	}
	report := &Report{Replacement: r}

	out, runID, err := c.apply(ctx, nil, g, "raw-bump", r.NewVersion, edits, dryRun)
	report.Outcome = out
	report.RunID = runID
	return report, err
}

// BumpOptions selects the next version. Version is used with
// versioning.Manual; Automatic derives the increment from commit messages.
type BumpOptions struct {
	Increment versioning.Increment
	Version   string
	Automatic bool
	DryRun    bool
}

// Bump derives the next version from the latest tag, commits the edited
// files on top of HEAD without staging, tags that commit, then writes the
// same edits to the worktree and points the index at the new blobs.
func (c *Context) Bump(ctx context.Context, opts BumpOptions) (*Report, error) {
	log := c.logger()
	repo, err := c.openRepository()
	if err != nil {
		return nil, err
	}

	prefix := c.Config.Commit.TagPrefix
	latest, err := repo.LatestTag(prefix)
	if err != nil {
		return nil, err
	}
	current, since := "0.0.0", plumbing.ZeroHash
	if latest != nil {
		current, since = latest.Version, latest.Commit
	}

	inc := opts.Increment
	if opts.Automatic {
		msgs, err := repo.CommitMessages(since)
		if err != nil {
			return nil, err
		}
		inc = versioning.Automatic(current, msgs)
		log.Debug("Derived increment", zap.String("increment", inc.String()), zap.Int("commits", len(msgs)))
	}
	next, err := versioning.Next(current, inc, opts.Version)
	if err != nil {
		return nil, err
	}

	tag := prefix + next
	if exists, err := repo.TagExists(tag); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %s", vcs.ErrTagExists, tag)
	}

	r := shared.VersionReplacement{OldVersion: current, NewVersion: next}
	log.Info("Bumping version", zap.String("from", current), zap.String("to", next))

	edits, g, err := c.plan(ctx, r, !opts.DryRun)
	if err != nil {
		return nil, err
	}
	if g != nil {
		defer g.Close()
	}
	report := &Report{Replacement: r}

	if opts.DryRun {
		report.Tag = tag
		out, _, err := c.apply(ctx, repo, nil, "bump", next, edits, true)
		report.Outcome = out
		return report, err
	}

	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	treeEdits, err := c.repoRelative(repo, edits)
	if err != nil {
		return nil, err
	}
	builder, err := treebuild.New(repo.Objects(), c.Logger)
	if err != nil {
		return nil, err
	}
	built, err := builder.Build(ctx, head.Tree, treeEdits)
	if err != nil {
		return nil, fmt.Errorf("building tree: %w", err)
	}

	if g != nil {
		if err := apply.Stale(g, edits); err != nil {
			return nil, err
		}
	}

	sig := repo.Signature(c.Config.Commit.AuthorName, c.Config.Commit.AuthorEmail)
	commit, err := repo.Commit(head, built.Tree, c.Config.CommitMessage(next), sig)
	if err != nil {
		return nil, err
	}
	report.Commit = commit
	if err := repo.CreateTag(tag, commit); err != nil {
		return report, err
	}
	report.Tag = tag

	out, runID, err := c.apply(ctx, repo, g, "bump", next, edits, false)
	report.Outcome = out
	report.RunID = runID
	if err != nil {
		return report, err
	}
	if err := repo.SyncIndex(built.Blobs); err != nil {
		return report, err
	}
	return report, nil
}

// apply runs the engine, journaling a persisting run when the config asks
// for it. g, when set, is the drift guard started before planning; repo
// may be nil and is only used to place the journal.
func (c *Context) apply(ctx context.Context, repo *vcs.Repository, g *guard.Guard, kind, version string, edits []*shared.PendingEdit, dryRun bool) (*apply.Outcome, string, error) {
	engine := apply.NewEngine(c.Root, c.Logger)
	if dryRun || len(edits) == 0 {
		out, err := engine.Apply(ctx, edits, dryRun)
		return out, "", err
	}
	if g != nil {
		engine.Guard = g
	}

	if !c.Config.JournalEnabled() {
		out, err := engine.Apply(ctx, edits, false)
		return out, "", err
	}

	j, err := c.openJournal(repo)
	if err != nil {
		return nil, "", err
	}
	defer j.Close()

	rec, err := j.Begin(kind, version, utils.EditPaths(edits))
	if err != nil {
		return nil, "", err
	}
	engine.Observer = rec
	out, applyErr := engine.Apply(ctx, edits, false)
	if _, err := rec.Finish(applyErr); err != nil {
		c.logger().Warn("Could not finish journal run", zap.String("run", rec.RunID()), zap.Error(err))
	}
	return out, rec.RunID(), applyErr
}

// repoRelative maps edits to paths relative to the repository root. The
// returned edits share content with the originals.
func (c *Context) repoRelative(repo *vcs.Repository, edits []*shared.PendingEdit) ([]*shared.PendingEdit, error) {
	rel, err := relativeDir(repo.Root(), c.Root)
	if err != nil {
		return nil, err
	}
	if rel == "." {
		return edits, nil
	}
	out := make([]*shared.PendingEdit, len(edits))
	for i, e := range edits {
		out[i] = &shared.PendingEdit{Path: path.Join(rel, e.Path), Content: e.Content, Perm: e.Perm}
	}
	return out, nil
}

func relativeDir(base, target string) (string, error) {
	b, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", err
	}
	t, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(b, t)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("project root %s is outside repository %s", target, base)
	}
	return filepath.ToSlash(rel), nil
}

func (c *Context) openRepository() (*vcs.Repository, error) {
	repo, err := vcs.Open(c.Root, c.Logger)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s is not inside a git repository: %w", c.Root, err)
	}
	return repo, err
}

// JournalDir is where runs are recorded: the configured directory, else
// bomp/ inside the git directory, else .bomp/ under the root.
func (c *Context) JournalDir(repo *vcs.Repository) string {
	if dir := c.Config.Journal.Dir; dir != "" {
		if filepath.IsAbs(dir) {
			return dir
		}
		return filepath.Join(c.Root, dir)
	}
	if repo != nil && repo.GitDir() != "" {
		return filepath.Join(repo.GitDir(), "bomp")
	}
	return filepath.Join(c.Root, ".bomp")
}

// optionalRepository opens the repository holding the root, or returns
// nil when there is none. Any other open failure is returned.
func (c *Context) optionalRepository() (*vcs.Repository, error) {
	repo, err := vcs.Open(c.Root, c.Logger)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, nil
	}
	return repo, err
}

// openJournal opens the journal for repo, looking the repository up when
// repo is nil.
func (c *Context) openJournal(repo *vcs.Repository) (*journal.Journal, error) {
	if repo == nil {
		var err error
		if repo, err = c.optionalRepository(); err != nil {
			return nil, err
		}
	}
	j, err := journal.Open(c.JournalDir(repo), c.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return j, nil
}

// Runs lists journaled apply runs, newest first.
func (c *Context) Runs() ([]*journal.Run, error) {
	j, err := c.openJournal(nil)
	if err != nil {
		return nil, err
	}
	defer j.Close()
	return j.List()
}

// Restore writes a journaled run's pre-images back to the worktree.
func (c *Context) Restore(ctx context.Context, runID string, dryRun bool) (*apply.Outcome, error) {
	j, err := c.openJournal(nil)
	if err != nil {
		return nil, err
	}
	defer j.Close()
	return j.Restore(ctx, runID, apply.NewEngine(c.Root, c.Logger), dryRun)
}

// Prune drops finished journal runs started before cutoff.
func (c *Context) Prune(cutoff time.Time) (int, error) {
	j, err := c.openJournal(nil)
	if err != nil {
		return 0, err
	}
	defer j.Close()
	return j.Prune(cutoff)
}
