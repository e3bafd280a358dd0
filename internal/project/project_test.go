package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bomp/internal/apply"
	"bomp/internal/config"
	bomperr "bomp/internal/errors"
	"bomp/internal/journal"
	"bomp/internal/vcs"
	"bomp/internal/versioning"
	"bomp/shared/types"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const projectConfig = `
files:
  - path: README.md
  - path: deploy/*.yaml
  - path: Cargo.lock
    search: 'name = "app"'
`

const appLock = `version = 3

[[package]]
name = "app"
version = "0.1.0"

[[package]]
name = "dep"
version = "0.1.0"
`

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	require.NoError(t, err)
	return string(data)
}

func setupProject(t *testing.T, yaml string) *Context {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"README.md":         "# app\n\nInstall version 0.1.0.\n",
		"deploy/prod.yaml":  "image: app:0.1.0\n",
		"deploy/stage.yaml": "image: app:0.1.0\n",
		"Cargo.lock":        appLock,
	})
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return &Context{Root: dir, Config: cfg, Logger: zaptest.NewLogger(t)}
}

func initRepo(t *testing.T, dir string) *git.Repository {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	commitAll(t, repo, "chore: initial")
	return repo
}

func commitAll(t *testing.T, repo *git.Repository, message string) plumbing.Hash {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	h, err := wt.Commit(message, &git.CommitOptions{
		Author:            &object.Signature{Name: "Dev", Email: "dev@example.com", When: time.Now()},
		AllowEmptyCommits: true,
	})
	require.NoError(t, err)
	return h
}

func TestRawBumpPersistsAndJournals(t *testing.T) {
	c := setupProject(t, projectConfig)
	r := shared.VersionReplacement{OldVersion: "0.1.0", NewVersion: "0.2.0"}

	report, err := c.RawBump(context.Background(), r, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "deploy/prod.yaml", "deploy/stage.yaml", "Cargo.lock"}, report.Outcome.Applied)
	assert.NotEmpty(t, report.RunID)

	assert.Equal(t, "# app\n\nInstall version 0.2.0.\n", readFile(t, c.Root, "README.md"))
	assert.Equal(t, "image: app:0.2.0\n", readFile(t, c.Root, "deploy/stage.yaml"))
	lock := readFile(t, c.Root, "Cargo.lock")
	assert.Contains(t, lock, "name = \"app\"\nversion = \"0.2.0\"\n")
	assert.Contains(t, lock, "name = \"dep\"\nversion = \"0.1.0\"\n")

	runs, err := c.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.StatusComplete, runs[0].Status)
	assert.Equal(t, "0.2.0", runs[0].Version)
	assert.DirExists(t, filepath.Join(c.Root, ".bomp"))

	_, err = c.Restore(context.Background(), report.RunID, false)
	require.NoError(t, err)
	assert.Equal(t, "# app\n\nInstall version 0.1.0.\n", readFile(t, c.Root, "README.md"))
	assert.Equal(t, appLock, readFile(t, c.Root, "Cargo.lock"))
}

func TestRawBumpDryRunIsPure(t *testing.T) {
	c := setupProject(t, projectConfig)

	report, err := c.RawBump(context.Background(), shared.VersionReplacement{OldVersion: "0.1.0", NewVersion: "0.2.0"}, true)
	require.NoError(t, err)
	assert.True(t, report.Outcome.DryRun)
	assert.Len(t, report.Outcome.Proposed, 4)
	assert.Empty(t, report.RunID)

	assert.Equal(t, "# app\n\nInstall version 0.1.0.\n", readFile(t, c.Root, "README.md"))
	assert.Equal(t, appLock, readFile(t, c.Root, "Cargo.lock"))
	assert.NoDirExists(t, filepath.Join(c.Root, ".bomp"))
}

func TestRawBumpPlanningErrorWritesNothing(t *testing.T) {
	c := setupProject(t, `
files:
  - path: README.md
  - path: Cargo.lock
    search: 'name = "missing"'
`)

	_, err := c.RawBump(context.Background(), shared.VersionReplacement{OldVersion: "0.1.0", NewVersion: "0.2.0"}, false)
	assert.True(t, bomperr.IsType(err, bomperr.ErrorTypeAmbiguousMatchCount))
	assert.Equal(t, "# app\n\nInstall version 0.1.0.\n", readFile(t, c.Root, "README.md"))
}

func TestRawBumpCargoWorkspace(t *testing.T) {
	c := setupProject(t, `
files:
  - path: README.md
cargo:
  mode: autodetect
`)
	writeFiles(t, c.Root, map[string]string{
		"Cargo.toml": "[workspace]\nmembers = [\"crates/*\"]\n\n[workspace.package]\nversion = \"0.1.0\"\n",
		"crates/app/Cargo.toml": "[package]\nname = \"app\"\nversion.workspace = true\n",
		"crates/dep/Cargo.toml": "[package]\nname = \"dep\"\nversion = \"0.1.0\"\n",
	})

	report, err := c.RawBump(context.Background(), shared.VersionReplacement{OldVersion: "0.1.0", NewVersion: "0.2.0"}, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"README.md", "Cargo.lock", "crates/dep/Cargo.toml", "Cargo.toml"}, report.Outcome.Applied)

	assert.Contains(t, readFile(t, c.Root, "Cargo.toml"), "version = \"0.2.0\"")
	assert.Equal(t, "[package]\nname = \"app\"\nversion.workspace = true\n", readFile(t, c.Root, "crates/app/Cargo.toml"))
	assert.NotContains(t, readFile(t, c.Root, "Cargo.lock"), "0.1.0")
}

func TestBumpCommitsTagsAndSyncsWorktree(t *testing.T) {
	c := setupProject(t, projectConfig)
	repo := initRepo(t, c.Root)
	head, err := repo.Head()
	require.NoError(t, err)
	_, err = repo.CreateTag("0.1.0", head.Hash(), nil)
	require.NoError(t, err)

	report, err := c.Bump(context.Background(), BumpOptions{Increment: versioning.Minor})
	require.NoError(t, err)
	assert.Equal(t, "0.2.0", report.Replacement.NewVersion)
	assert.Equal(t, "0.2.0", report.Tag)
	assert.Len(t, report.Outcome.Applied, 4)

	newHead, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, report.Commit, newHead.Hash())

	commit, err := repo.CommitObject(report.Commit)
	require.NoError(t, err)
	assert.Equal(t, "chore(version): 0.2.0", commit.Message)
	assert.Equal(t, []plumbing.Hash{head.Hash()}, commit.ParentHashes)

	f, err := commit.File("deploy/prod.yaml")
	require.NoError(t, err)
	content, err := f.Contents()
	require.NoError(t, err)
	assert.Equal(t, "image: app:0.2.0\n", content)

	tag, err := repo.Tag("0.2.0")
	require.NoError(t, err)
	assert.Equal(t, report.Commit, tag.Hash())

	assert.Equal(t, "image: app:0.2.0\n", readFile(t, c.Root, "deploy/prod.yaml"))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	status, err := wt.Status()
	require.NoError(t, err)
	assert.True(t, status.IsClean(), status.String())

	runs, err := c.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "bump", runs[0].Kind)
}

func TestBumpDryRunLeavesRepositoryAlone(t *testing.T) {
	c := setupProject(t, projectConfig)
	repo := initRepo(t, c.Root)
	head, err := repo.Head()
	require.NoError(t, err)
	_, err = repo.CreateTag("0.1.0", head.Hash(), nil)
	require.NoError(t, err)

	report, err := c.Bump(context.Background(), BumpOptions{Increment: versioning.Patch, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "0.1.1", report.Replacement.NewVersion)
	assert.True(t, report.Outcome.DryRun)
	assert.True(t, report.Commit.IsZero())

	after, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, head.Hash(), after.Hash())
	_, err = repo.Tag("0.1.1")
	assert.ErrorIs(t, err, git.ErrTagNotFound)
	assert.Equal(t, "image: app:0.1.0\n", readFile(t, c.Root, "deploy/prod.yaml"))
}

func TestBumpRefusesExistingTag(t *testing.T) {
	c := setupProject(t, projectConfig)
	repo := initRepo(t, c.Root)
	head, err := repo.Head()
	require.NoError(t, err)
	_, err = repo.CreateTag("0.1.0", head.Hash(), nil)
	require.NoError(t, err)

	_, err = c.Bump(context.Background(), BumpOptions{Increment: versioning.Manual, Version: "0.1.0"})
	assert.ErrorIs(t, err, vcs.ErrTagExists)

	after, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, head.Hash(), after.Hash())
}

func TestBumpAutomaticWithoutTags(t *testing.T) {
	c := setupProject(t, `
files:
  - path: VERSION
`)
	writeFiles(t, c.Root, map[string]string{"VERSION": "0.0.0\n"})
	repo := initRepo(t, c.Root)
	commitAll(t, repo, "feat: first feature")

	report, err := c.Bump(context.Background(), BumpOptions{Automatic: true})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0", report.Replacement.OldVersion)
	assert.Equal(t, "0.1.0", report.Replacement.NewVersion)
	assert.Equal(t, "0.1.0\n", readFile(t, c.Root, "VERSION"))
}

func TestBumpFromSubdirectory(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"svc/VERSION": "1.0.0\n",
		"other.txt":   "1.0.0\n",
	})
	repo := initRepo(t, dir)
	head, err := repo.Head()
	require.NoError(t, err)
	_, err = repo.CreateTag("svc-1.0.0", head.Hash(), nil)
	require.NoError(t, err)

	cfg, err := config.Parse([]byte("files:\n  - path: VERSION\ncommit:\n  tag_prefix: svc-\n"))
	require.NoError(t, err)
	c := &Context{Root: filepath.Join(dir, "svc"), Config: cfg}

	report, err := c.Bump(context.Background(), BumpOptions{Increment: versioning.Major})
	require.NoError(t, err)
	assert.Equal(t, "svc-2.0.0", report.Tag)

	commit, err := repo.CommitObject(report.Commit)
	require.NoError(t, err)
	f, err := commit.File("svc/VERSION")
	require.NoError(t, err)
	content, err := f.Contents()
	require.NoError(t, err)
	assert.Equal(t, "2.0.0\n", content)

	other, err := commit.File("other.txt")
	require.NoError(t, err)
	otherContent, err := other.Contents()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0\n", otherContent)
}

func TestPruneJournal(t *testing.T) {
	c := setupProject(t, projectConfig)
	_, err := c.RawBump(context.Background(), shared.VersionReplacement{OldVersion: "0.1.0", NewVersion: "0.2.0"}, false)
	require.NoError(t, err)

	n, err := c.Prune(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = c.Prune(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runs, err := c.Runs()
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestGuardCoversPlanning(t *testing.T) {
	c := setupProject(t, projectConfig)
	r := shared.VersionReplacement{OldVersion: "0.1.0", NewVersion: "0.2.0"}

	edits, g, err := c.plan(context.Background(), r, true)
	require.NoError(t, err)
	require.NotNil(t, g)
	defer g.Close()

	// a write after the targets were read, before anything is committed
	writeFiles(t, c.Root, map[string]string{"deploy/prod.yaml": "image: app:0.1.0\nreplicas: 2\n"})
	require.Eventually(t, func() bool {
		return bomperr.IsType(apply.Stale(g, edits), bomperr.ErrorTypeStaleTarget)
	}, 2*time.Second, 10*time.Millisecond)

	_, _, err = c.apply(context.Background(), nil, g, "raw-bump", "0.2.0", edits, false)
	assert.True(t, bomperr.IsType(err, bomperr.ErrorTypeStaleTarget))
	assert.Equal(t, "# app\n\nInstall version 0.1.0.\n", readFile(t, c.Root, "README.md"))
}

func TestPlanWithoutGuard(t *testing.T) {
	c := setupProject(t, projectConfig+"drift_guard: false\n")
	edits, g, err := c.plan(context.Background(), shared.VersionReplacement{OldVersion: "0.1.0", NewVersion: "0.2.0"}, true)
	require.NoError(t, err)
	assert.Nil(t, g)
	assert.Len(t, edits, 4)
}

func TestBrokenRepositoryIsReported(t *testing.T) {
	c := setupProject(t, projectConfig)
	writeFiles(t, c.Root, map[string]string{".git": "not a git file\n"})

	_, err := c.Runs()
	require.Error(t, err)
	assert.NotErrorIs(t, err, git.ErrRepositoryNotExists)

	_, err = c.RawBump(context.Background(), shared.VersionReplacement{OldVersion: "0.1.0", NewVersion: "0.2.0"}, false)
	require.Error(t, err)
	assert.Equal(t, "# app\n\nInstall version 0.1.0.\n", readFile(t, c.Root, "README.md"))
	assert.NoDirExists(t, filepath.Join(c.Root, ".bomp"))
}
