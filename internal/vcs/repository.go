// internal/vcs/repository.go
package vcs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bomp/internal/logging"
	"bomp/internal/versioning"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"go.uber.org/zap"
)

var ErrTagExists = errors.New("tag already exists")

// Repository is the slice of a git repository the bump flow needs.
type Repository struct {
	repo   *git.Repository
	root   string
	logger *zap.Logger
}

// Head is the current branch tip, or the detached HEAD commit.
type Head struct {
	Ref    *plumbing.Reference
	Commit plumbing.Hash
	Tree   plumbing.Hash
}

// Tag is a version tag resolved to the commit it points at.
type Tag struct {
	Name    string
	Version string
	Commit  plumbing.Hash
}

// Open finds the repository containing path.
func Open(path string, logger *zap.Logger) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("repository has no worktree: %w", err)
	}
	return FromRepository(repo, wt.Filesystem.Root(), logger), nil
}

func FromRepository(repo *git.Repository, root string, logger *zap.Logger) *Repository {
	return &Repository{
		repo:   repo,
		root:   root,
		logger: logging.OrNop(logger),
	}
}

// Root is the worktree root directory.
func (r *Repository) Root() string {
	return r.root
}

// GitDir is the repository's .git directory, or "" for non-disk storage.
func (r *Repository) GitDir() string {
	if fs, ok := r.repo.Storer.(*filesystem.Storage); ok {
		return fs.Filesystem().Root()
	}
	return ""
}

func (r *Repository) Objects() storer.EncodedObjectStorer {
	return r.repo.Storer
}

func (r *Repository) Head() (*Head, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("reading HEAD commit: %w", err)
	}
	return &Head{Ref: ref, Commit: commit.Hash, Tree: commit.TreeHash}, nil
}

// LatestTag returns the highest semver tag carrying prefix, or nil when
// there is none. Annotated tags are resolved to their commit.
func (r *Repository) LatestTag(prefix string) (*Tag, error) {
	iter, err := r.repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	defer iter.Close()

	var latest *Tag
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		version, ok := strings.CutPrefix(name, prefix)
		if !ok || !versioning.Valid(version) {
			return nil
		}
		if latest != nil && versioning.Compare(version, latest.Version) <= 0 {
			return nil
		}
		commit, err := r.peel(ref)
		if err != nil {
			return fmt.Errorf("resolving tag %s: %w", name, err)
		}
		latest = &Tag{Name: name, Version: version, Commit: commit}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

func (r *Repository) peel(ref *plumbing.Reference) (plumbing.Hash, error) {
	tag, err := r.repo.TagObject(ref.Hash())
	switch {
	case err == nil:
		c, err := tag.Commit()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return c.Hash, nil
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return ref.Hash(), nil
	default:
		return plumbing.ZeroHash, err
	}
}

// CommitMessages lists the messages of commits reachable from HEAD and not
// from since, newest first. A zero since walks the whole history.
func (r *Repository) CommitMessages(since plumbing.Hash) ([]string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}
	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("walking history: %w", err)
	}
	defer iter.Close()

	var out []string
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == since {
			return storer.ErrStop
		}
		out = append(out, c.Message)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) TagExists(name string) (bool, error) {
	_, err := r.repo.Tag(name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, git.ErrTagNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Signature resolves the commit author: explicit values first, then the
// user section of the git config, then a fixed fallback.
func (r *Repository) Signature(name, email string) object.Signature {
	if name == "" || email == "" {
		if cfg, err := r.repo.ConfigScoped(config.GlobalScope); err == nil {
			if name == "" {
				name = cfg.User.Name
			}
			if email == "" {
				email = cfg.User.Email
			}
		}
	}
	if name == "" {
		name = "bomp"
	}
	if email == "" {
		email = "bomp@localhost"
	}
	return object.Signature{Name: name, Email: email, When: time.Now()}
}

// Commit writes a commit of tree on top of head and moves head's ref to it.
// The ref update fails if the ref moved since head was read.
func (r *Repository) Commit(head *Head, tree plumbing.Hash, message string, sig object.Signature) (plumbing.Hash, error) {
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: []plumbing.Hash{head.Commit},
	}
	obj := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encoding commit: %w", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("writing commit: %w", err)
	}

	name := head.Ref.Name()
	if err := r.repo.Storer.CheckAndSetReference(plumbing.NewHashReference(name, hash), head.Ref); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("updating %s: %w", name, err)
	}
	r.logger.Info("Created commit",
		zap.String("commit", hash.String()),
		zap.String("ref", name.String()))
	return hash, nil
}

// CreateTag adds a lightweight tag at commit.
func (r *Repository) CreateTag(name string, commit plumbing.Hash) error {
	_, err := r.repo.CreateTag(name, commit, nil)
	if errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("%w: %s", ErrTagExists, name)
	}
	if err != nil {
		return fmt.Errorf("creating tag %s: %w", name, err)
	}
	r.logger.Info("Created tag", zap.String("tag", name), zap.String("commit", commit.String()))
	return nil
}

// SyncIndex points the index entries of the given paths at their new
// blobs, using the files' current stat data, so the worktree matches the
// new commit without re-staging.
func (r *Repository) SyncIndex(blobs map[string]plumbing.Hash) error {
	if len(blobs) == 0 {
		return nil
	}
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return fmt.Errorf("reading index: %w", err)
	}

	for _, e := range idx.Entries {
		blob, ok := blobs[e.Name]
		if !ok {
			continue
		}
		info, err := os.Stat(filepath.Join(r.root, filepath.FromSlash(e.Name)))
		if err != nil {
			return fmt.Errorf("stat %s: %w", e.Name, err)
		}
		e.Hash = blob
		e.Size = uint32(info.Size())
		e.ModifiedAt = info.ModTime()
	}

	if err := r.repo.Storer.SetIndex(idx); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}
