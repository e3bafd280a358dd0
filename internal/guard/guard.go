// internal/guard/guard.go
package guard

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"bomp/internal/logging"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Guard watches planned target files and remembers which of them were
// written, replaced or removed after planning.
type Guard struct {
	watcher *fsnotify.Watcher
	targets map[string]string // real absolute path -> logical path
	changed map[string]bool
	mu      sync.RWMutex
	done    chan struct{}
	logger  *zap.Logger
}

// New starts watching the directories holding paths, relative to root.
// Symlinked targets are watched at their real location. Paths that do not
// exist are skipped; planning reports them.
func New(root string, paths []string, logger *zap.Logger) (*Guard, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	g := &Guard{
		watcher: watcher,
		targets: make(map[string]string, len(paths)),
		changed: make(map[string]bool),
		done:    make(chan struct{}),
		logger:  logging.OrNop(logger),
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		abs := filepath.Join(root, filepath.FromSlash(p))
		real, err := filepath.EvalSymlinks(abs)
		if os.IsNotExist(err) {
			g.logger.Debug("Not watching missing target", zap.String("path", p))
			continue
		}
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		g.targets[real] = p
		dirs[filepath.Dir(real)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("adding directory to watcher: %w", err)
		}
	}

	go g.watchLoop()
	return g, nil
}

func (g *Guard) watchLoop() {
	defer close(g.done)
	for {
		select {
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			g.handleEvent(event)
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (g *Guard) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	logical, ok := g.targets[filepath.Clean(event.Name)]
	if !ok {
		return
	}

	g.mu.Lock()
	g.changed[logical] = true
	g.mu.Unlock()

	g.logger.Debug("Target changed since planning",
		zap.String("path", logical),
		zap.String("op", event.Op.String()))
}

// Changed reports whether path was touched since the guard started.
func (g *Guard) Changed(path string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.changed[path]
}

// Close stops watching and waits for the event loop to exit.
func (g *Guard) Close() error {
	err := g.watcher.Close()
	<-g.done
	return err
}
