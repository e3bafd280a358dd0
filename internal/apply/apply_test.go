package apply

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	bomperr "bomp/internal/errors"
	"bomp/shared/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("version 0.1.0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "run.sh"), []byte("#!/bin/sh\necho 0.1.0\n"), 0o755))
	require.NoError(t, os.Chmod(filepath.Join(dir, "sub", "run.sh"), 0o755))
	return dir
}

// snapshot captures every regular file and its mode under dir.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		out[rel] = info.Mode().String() + ":" + string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func edits() []*shared.PendingEdit {
	return []*shared.PendingEdit{
		{Path: "README.md", Content: []byte("version 0.2.0\n"), Perm: 0o644},
		{Path: "sub/run.sh", Content: []byte("#!/bin/sh\necho 0.2.0\n"), Perm: 0o755},
	}
}

type recorder struct {
	before map[string]string
	after  []string
	fail   string
}

func (r *recorder) BeforePersist(path string, original []byte, _ fs.FileMode) error {
	if path == r.fail {
		return os.ErrPermission
	}
	if r.before == nil {
		r.before = make(map[string]string)
	}
	r.before[path] = string(original)
	return nil
}

func (r *recorder) AfterPersist(path string, _ []byte) error {
	r.after = append(r.after, path)
	return nil
}

type staleGuard map[string]bool

func (g staleGuard) Changed(path string) bool { return g[path] }

func TestDryRunIsPure(t *testing.T) {
	dir := setupTree(t)
	before := snapshot(t, dir)

	e := NewEngine(dir, zaptest.NewLogger(t))
	batch := edits()
	out, err := e.Apply(context.Background(), batch, true)
	require.NoError(t, err)

	assert.True(t, out.DryRun)
	assert.Empty(t, out.Applied)
	require.Len(t, out.Proposed, 2)
	assert.Equal(t, "README.md", out.Proposed[0].Path)
	assert.Equal(t, "@@ -1,1 +1,1 @@\n-version 0.1.0\n+version 0.2.0\n", out.Proposed[0].Diff.Format())
	assert.True(t, batch[0].Released())

	assert.Equal(t, before, snapshot(t, dir))
}

func TestPersistPreservesPermissions(t *testing.T) {
	dir := setupTree(t)

	out, err := NewEngine(dir, nil).Apply(context.Background(), edits(), false)
	require.NoError(t, err)
	assert.False(t, out.DryRun)
	assert.Equal(t, []string{"README.md", "sub/run.sh"}, out.Applied)

	data, err := os.ReadFile(filepath.Join(dir, "sub", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho 0.2.0\n", string(data))

	info, err := os.Stat(filepath.Join(dir, "sub", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestPersistFollowsSymlinks(t *testing.T) {
	dir := setupTree(t)
	require.NoError(t, os.Symlink("README.md", filepath.Join(dir, "LINK.md")))

	_, err := NewEngine(dir, nil).Apply(context.Background(), []*shared.PendingEdit{
		{Path: "LINK.md", Content: []byte("linked\n"), Perm: 0o644},
	}, false)
	require.NoError(t, err)

	info, err := os.Lstat(filepath.Join(dir, "LINK.md"))
	require.NoError(t, err)
	assert.Equal(t, fs.ModeSymlink, info.Mode().Type())

	data, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "linked\n", string(data))
}

func TestApplyRejectsDuplicatePaths(t *testing.T) {
	dir := setupTree(t)
	before := snapshot(t, dir)

	_, err := NewEngine(dir, nil).Apply(context.Background(), []*shared.PendingEdit{
		{Path: "README.md", Content: []byte("a\n")},
		{Path: "./README.md", Content: []byte("b\n")},
	}, false)
	assert.True(t, bomperr.IsType(err, bomperr.ErrorTypePlanning))
	assert.Equal(t, before, snapshot(t, dir))
}

func TestApplyRejectsConsumedEdit(t *testing.T) {
	dir := setupTree(t)
	edit := &shared.PendingEdit{Path: "README.md"}

	_, err := NewEngine(dir, nil).Apply(context.Background(), []*shared.PendingEdit{edit}, false)
	assert.True(t, bomperr.IsType(err, bomperr.ErrorTypeApply))
}

func TestPersistPartialApply(t *testing.T) {
	dir := setupTree(t)
	batch := append(edits(), &shared.PendingEdit{Path: "missing/dir/file.txt", Content: []byte("x\n")})

	out, err := NewEngine(dir, nil).Apply(context.Background(), batch, false)
	require.Error(t, err)

	e, ok := bomperr.As(err)
	require.True(t, ok)
	assert.Equal(t, bomperr.ErrorTypePartialApply, e.Type)
	assert.Equal(t, []string{"README.md", "sub/run.sh"}, e.Paths)
	assert.Equal(t, []string{"missing/dir/file.txt"}, e.Pending)
	assert.True(t, bomperr.IsType(e.Err, bomperr.ErrorTypeStaleTarget))
	assert.Equal(t, []string{"README.md", "sub/run.sh"}, out.Applied)

	data, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "version 0.2.0\n", string(data))
}

func TestPersistFirstFileFailure(t *testing.T) {
	dir := setupTree(t)
	out, err := NewEngine(dir, nil).Apply(context.Background(), []*shared.PendingEdit{
		{Path: "sub", Content: []byte("x\n")},
	}, false)
	assert.Nil(t, out)
	assert.True(t, bomperr.IsType(err, bomperr.ErrorTypeApply))
	assert.False(t, bomperr.IsType(err, bomperr.ErrorTypePartialApply))
}

func TestPersistMissingTargetIsStale(t *testing.T) {
	dir := setupTree(t)
	before := snapshot(t, dir)

	out, err := NewEngine(dir, nil).Apply(context.Background(), []*shared.PendingEdit{
		{Path: "deleted-after-plan.txt", Content: []byte("version 0.2.0\n"), Perm: 0o644},
	}, false)
	assert.Nil(t, out)
	assert.True(t, bomperr.IsType(err, bomperr.ErrorTypeStaleTarget))
	assert.NoFileExists(t, filepath.Join(dir, "deleted-after-plan.txt"))
	assert.Equal(t, before, snapshot(t, dir))

	_, err = NewEngine(dir, nil).Apply(context.Background(), []*shared.PendingEdit{
		{Path: "deleted-after-plan.txt", Content: []byte("version 0.2.0\n")},
	}, true)
	assert.True(t, bomperr.IsType(err, bomperr.ErrorTypeStaleTarget))
}

func TestPersistCreateMissing(t *testing.T) {
	dir := setupTree(t)
	rec := &recorder{}

	e := NewEngine(dir, nil)
	e.CreateMissing = true
	e.Observer = rec
	out, err := e.Apply(context.Background(), []*shared.PendingEdit{
		{Path: "sub/restored.sh", Content: []byte("echo 0.1.0\n"), Perm: 0o755},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/restored.sh"}, out.Applied)

	info, err := os.Stat(filepath.Join(dir, "sub", "restored.sh"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())
	assert.Empty(t, rec.before, "a recreated file has no pre-image")
}

func TestPersistNotifiesObserver(t *testing.T) {
	dir := setupTree(t)
	rec := &recorder{}

	e := NewEngine(dir, nil)
	e.Observer = rec
	_, err := e.Apply(context.Background(), edits(), false)
	require.NoError(t, err)

	assert.Equal(t, "version 0.1.0\n", rec.before["README.md"])
	assert.Equal(t, "#!/bin/sh\necho 0.1.0\n", rec.before["sub/run.sh"])
	assert.Equal(t, []string{"README.md", "sub/run.sh"}, rec.after)
}

func TestObserverFailureStopsBeforeWrite(t *testing.T) {
	dir := setupTree(t)

	e := NewEngine(dir, nil)
	e.Observer = &recorder{fail: "sub/run.sh"}
	_, err := e.Apply(context.Background(), edits(), false)
	require.True(t, bomperr.IsType(err, bomperr.ErrorTypePartialApply))

	data, err := os.ReadFile(filepath.Join(dir, "sub", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho 0.1.0\n", string(data))
}

func TestGuardAbortsBeforeAnyWrite(t *testing.T) {
	dir := setupTree(t)
	before := snapshot(t, dir)

	e := NewEngine(dir, nil)
	e.Guard = staleGuard{"sub/run.sh": true}
	_, err := e.Apply(context.Background(), edits(), false)
	assert.True(t, bomperr.IsType(err, bomperr.ErrorTypeStaleTarget))
	assert.Equal(t, before, snapshot(t, dir))
}
