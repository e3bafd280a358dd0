// internal/journal/journal.go
package journal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"bomp/internal/apply"
	"bomp/internal/logging"
	"bomp/internal/safe"
	"bomp/internal/storage"
	"bomp/shared/types"
	"bomp/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
	StatusRestored Status = "restored"
)

var ErrAmbiguousID = errors.New("run id prefix matches more than one run")

// Entry is one replaced file of a run.
type Entry struct {
	Path        string      `json:"path"`
	Perm        fs.FileMode `json:"perm"`
	BackupHash  string      `json:"backup_hash"`
	NewHash     string      `json:"new_hash,omitempty"`
	PersistedAt *time.Time  `json:"persisted_at,omitempty"`
}

type Run struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Version    string    `json:"version,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Status     Status    `json:"status"`
	Planned    []string  `json:"planned"`
	Entries    []Entry   `json:"entries"`
	Error      string    `json:"error,omitempty"`
}

func (r *Run) GetID() string { return r.ID }

// Persisted counts the entries whose new content reached the disk.
func (r *Run) Persisted() int {
	n := 0
	for _, e := range r.Entries {
		if e.PersistedAt != nil {
			n++
		}
	}
	return n
}

type Journal struct {
	db     *badger.DB
	ownsDB bool
	runs   *storage.BadgerStore[*Run]
	safe   *safe.Safe
	logger *zap.Logger
}

// Open opens the journal kept under dir: a badger database for runs and
// metadata and a safe for pre-images.
func Open(dir string, logger *zap.Logger) (*Journal, error) {
	db, err := storage.Open(filepath.Join(dir, "db"), logger)
	if err != nil {
		return nil, err
	}
	s, err := safe.New(db, safe.Options{Root: filepath.Join(dir, "objects")})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening safe: %w", err)
	}
	j := New(db, s, logger)
	j.ownsDB = true
	return j, nil
}

func New(db *badger.DB, s *safe.Safe, logger *zap.Logger) *Journal {
	return &Journal{
		db:     db,
		runs:   storage.NewBadgerStore[*Run](db, "run"),
		safe:   s,
		logger: logging.OrNop(logger),
	}
}

func (j *Journal) Close() error {
	j.safe.Close()
	if j.ownsDB {
		return j.db.Close()
	}
	return nil
}

// Begin records a new run over the planned paths. The returned recorder is
// meant to be installed as the apply engine's observer.
func (j *Journal) Begin(kind, version string, planned []string) (*Recorder, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		Version:   version,
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
		Planned:   planned,
	}
	if err := j.runs.Create(run); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	j.logger.Debug("Journal run started", zap.String("run", run.ID), zap.String("kind", kind))
	return &Recorder{journal: j, run: run}, nil
}

// List returns every run, newest first.
func (j *Journal) List() ([]*Run, error) {
	runs, err := j.runs.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(a, b int) bool { return runs[a].StartedAt.After(runs[b].StartedAt) })
	return runs, nil
}

// Get finds a run by its id or a unique id prefix.
func (j *Journal) Get(id string) (*Run, error) {
	if run, err := j.runs.Get(id); err == nil {
		return run, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	runs, err := j.runs.List()
	if err != nil {
		return nil, err
	}
	var found *Run
	for _, r := range runs {
		if !strings.HasPrefix(r.ID, id) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguousID, id)
		}
		found = r
	}
	if found == nil {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return found, nil
}

// Restore writes the recorded pre-images of a run back through engine.
// In dry-run mode the outcome only carries the proposed diffs.
func (j *Journal) Restore(ctx context.Context, id string, engine *apply.Engine, dryRun bool) (*apply.Outcome, error) {
	run, err := j.Get(id)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, e := range run.Entries {
		ok, err := j.safe.Exists(e.BackupHash)
		if err != nil {
			return nil, fmt.Errorf("checking pre-image of %s: %w", e.Path, err)
		}
		if !ok {
			missing = append(missing, e.Path)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("run %s has no stored pre-image for %s", run.ID, strings.Join(missing, ", "))
	}

	edits := make([]*shared.PendingEdit, 0, len(run.Entries))
	for _, e := range run.Entries {
		content, err := j.safe.Get(e.BackupHash)
		if err != nil {
			return nil, fmt.Errorf("loading pre-image of %s: %w", e.Path, err)
		}
		edits = append(edits, &shared.PendingEdit{Path: e.Path, Content: content, Perm: e.Perm})
	}
	if len(edits) == 0 {
		return &apply.Outcome{DryRun: dryRun}, nil
	}

	restorer := *engine
	restorer.CreateMissing = true
	out, err := restorer.Apply(ctx, edits, dryRun)
	if err != nil {
		return out, fmt.Errorf("restoring run %s: %w", run.ID, err)
	}
	if !dryRun {
		run.Status = StatusRestored
		if err := j.runs.Update(run); err != nil {
			return out, fmt.Errorf("updating run: %w", err)
		}
		j.logger.Info("Restored run", zap.String("run", run.ID), zap.Int("files", len(out.Applied)))
	}
	return out, nil
}

// Prune drops finished runs older than cutoff together with their
// pre-images. Running and partial runs are kept.
func (j *Journal) Prune(cutoff time.Time) (int, error) {
	runs, err := j.runs.List()
	if err != nil {
		return 0, err
	}
	pruned := 0
	var freed int64
	for _, r := range runs {
		if r.Status == StatusRunning || r.Status == StatusPartial || r.StartedAt.After(cutoff) {
			continue
		}
		for _, e := range r.Entries {
			if meta, err := j.safe.Meta(e.BackupHash); err == nil && meta.RefCount == 1 {
				freed += meta.Size
			}
			if err := j.safe.Release(e.BackupHash); err != nil && !errors.Is(err, safe.ErrContentNotFound) {
				return pruned, fmt.Errorf("releasing pre-image of %s: %w", e.Path, err)
			}
		}
		if err := j.runs.Delete(r.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		j.logger.Info("Pruned journal", zap.Int("runs", pruned), zap.Int64("freed_bytes", freed))
	}
	return pruned, nil
}

// Recorder journals one run. It implements apply.Observer.
type Recorder struct {
	journal *Journal
	run     *Run
	mu      sync.Mutex
}

func (r *Recorder) RunID() string { return r.run.ID }

func (r *Recorder) BeforePersist(path string, original []byte, perm fs.FileMode) error {
	hash, err := r.journal.safe.Store(original)
	if err != nil {
		return fmt.Errorf("storing pre-image: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.Entries = append(r.run.Entries, Entry{Path: path, Perm: perm, BackupHash: hash})
	return r.journal.runs.Update(r.run)
}

func (r *Recorder) AfterPersist(path string, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.run.Entries {
		e := &r.run.Entries[i]
		if e.Path == path && e.PersistedAt == nil {
			now := time.Now().UTC()
			e.PersistedAt = &now
			e.NewHash = utils.HashContent(content)
			break
		}
	}
	return r.journal.runs.Update(r.run)
}

// Finish closes the run with the apply result.
func (r *Recorder) Finish(applyErr error) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.run.FinishedAt = time.Now().UTC()
	switch {
	case applyErr == nil:
		r.run.Status = StatusComplete
	case r.run.Persisted() > 0:
		r.run.Status = StatusPartial
	default:
		r.run.Status = StatusFailed
	}
	if applyErr != nil {
		r.run.Error = applyErr.Error()
	}
	if err := r.journal.runs.Update(r.run); err != nil {
		return nil, fmt.Errorf("finishing run: %w", err)
	}
	r.journal.logger.Debug("Journal run finished",
		zap.String("run", r.run.ID),
		zap.String("status", string(r.run.Status)))
	return r.run, nil
}
