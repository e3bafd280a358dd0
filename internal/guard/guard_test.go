package guard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestGuardFlagsModifiedTargets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "b.txt"), []byte("b"), 0o644))

	g, err := New(dir, []string{"a.txt", "pkg/b.txt"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer g.Close()

	assert.False(t, g.Changed("a.txt"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "b.txt"), []byte("changed"), 0o644))
	require.Eventually(t, func() bool { return g.Changed("pkg/b.txt") }, 2*time.Second, 10*time.Millisecond)

	// unrelated siblings are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, g.Changed("a.txt"))
	assert.False(t, g.Changed("other.txt"))
}

func TestGuardFlagsRemovedTarget(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))

	g, err := New(dir, []string{"a.txt"}, nil)
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, os.Remove(filepath.Join(dir, "a.txt")))
	require.Eventually(t, func() bool { return g.Changed("a.txt") }, 2*time.Second, 10*time.Millisecond)
}

func TestGuardSkipsMissingTarget(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))

	g, err := New(dir, []string{"nope.txt", "a.txt"}, nil)
	require.NoError(t, err)
	defer g.Close()
	assert.False(t, g.Changed("nope.txt"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("b"), 0o644))
	require.Eventually(t, func() bool { return g.Changed("a.txt") }, 2*time.Second, 10*time.Millisecond)
}
