// internal/treebuild/builder.go
package treebuild

import (
	"context"
	"fmt"
	"path"
	"strings"

	bomperr "bomp/internal/errors"
	"bomp/internal/logging"
	"bomp/internal/replace"
	"bomp/shared/types"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const defaultCacheSize = 256

// Builder derives new trees from a reference tree, writing only the blobs
// and trees on the path from an edited leaf to the root. Decoded trees are
// cached by hash and never mutated.
type Builder struct {
	store  storer.EncodedObjectStorer
	cache  *lru.Cache[plumbing.Hash, *object.Tree]
	logger *zap.Logger
}

// Result is the rebuilt tree and the blob written for each edited path.
type Result struct {
	Tree  plumbing.Hash
	Blobs map[string]plumbing.Hash
}

func New(store storer.EncodedObjectStorer, logger *zap.Logger) (*Builder, error) {
	cache, err := lru.New[plumbing.Hash, *object.Tree](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating tree cache: %w", err)
	}
	return &Builder{
		store:  store,
		cache:  cache,
		logger: logging.OrNop(logger),
	}, nil
}

// build holds the state of one Build call.
type build struct {
	*Builder
	ctx      context.Context
	edits    map[string]*shared.PendingEdit
	consumed map[string]bool
	blobs    map[string]plumbing.Hash
}

// Build returns reference with every edited leaf replaced by a blob of the
// edit's content, keeping each leaf's file mode. The edits are only read.
// An edit whose path is not a regular or executable file in the reference
// tree aborts the build with a stale target error.
func (b *Builder) Build(ctx context.Context, reference plumbing.Hash, edits []*shared.PendingEdit) (*Result, error) {
	if err := replace.CheckUnique(edits); err != nil {
		return nil, err
	}
	if len(edits) == 0 {
		return &Result{Tree: reference, Blobs: map[string]plumbing.Hash{}}, nil
	}

	st := &build{
		Builder:  b,
		ctx:      ctx,
		edits:    make(map[string]*shared.PendingEdit, len(edits)),
		consumed: make(map[string]bool, len(edits)),
		blobs:    make(map[string]plumbing.Hash, len(edits)),
	}
	for _, e := range edits {
		if e.Released() {
			return nil, bomperr.Apply(e.Path, "pending edit was already consumed", nil)
		}
		st.edits[shared.CleanPath(e.Path)] = e
	}

	root, err := st.rebuild(reference, "")
	if err != nil {
		return nil, err
	}
	for _, e := range edits {
		p := shared.CleanPath(e.Path)
		if !st.consumed[p] {
			return nil, bomperr.StaleTarget(p, "no regular file at this path in the reference tree")
		}
	}

	b.logger.Debug("Built tree",
		zap.String("reference", reference.String()),
		zap.String("tree", root.String()),
		zap.Int("edits", len(edits)))
	return &Result{Tree: root, Blobs: st.blobs}, nil
}

// touches reports whether any edit lies below the directory prefix.
func (st *build) touches(prefix string) bool {
	if prefix == "" {
		return true
	}
	for p := range st.edits {
		if strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

func (st *build) rebuild(hash plumbing.Hash, prefix string) (plumbing.Hash, error) {
	if !st.touches(prefix) {
		return hash, nil
	}
	if err := st.ctx.Err(); err != nil {
		return plumbing.ZeroHash, err
	}

	tree, err := st.tree(hash)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("reading tree %s: %w", prefix, err)
	}

	entries := make([]object.TreeEntry, len(tree.Entries))
	copy(entries, tree.Entries)
	changed := false

	for i, entry := range entries {
		full := path.Join(prefix, entry.Name)
		switch {
		case entry.Mode == filemode.Dir:
			sub, err := st.rebuild(entry.Hash, full)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			if sub != entry.Hash {
				entries[i].Hash = sub
				changed = true
			}
		case isFile(entry.Mode):
			edit, ok := st.edits[full]
			if !ok {
				continue
			}
			blob, err := st.writeBlob(edit.Content)
			if err != nil {
				return plumbing.ZeroHash, fmt.Errorf("writing blob for %s: %w", full, err)
			}
			st.consumed[full] = true
			st.blobs[full] = blob
			if blob != entry.Hash {
				entries[i].Hash = blob
				changed = true
			}
		}
		// submodules and symlinks pass through untouched
	}

	if !changed {
		return hash, nil
	}
	return st.writeTree(entries)
}

func isFile(m filemode.FileMode) bool {
	return m == filemode.Regular || m == filemode.Executable || m == filemode.Deprecated
}

func (b *Builder) tree(hash plumbing.Hash) (*object.Tree, error) {
	if t, ok := b.cache.Get(hash); ok {
		return t, nil
	}
	t, err := object.GetTree(b.store, hash)
	if err != nil {
		return nil, err
	}
	b.cache.Add(hash, t)
	return t, nil
}

func (b *Builder) writeBlob(content []byte) (plumbing.Hash, error) {
	obj := b.store.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))

	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return b.store.SetEncodedObject(obj)
}

func (b *Builder) writeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	obj := b.store.NewEncodedObject()
	if err := (&object.Tree{Entries: entries}).Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encoding tree: %w", err)
	}
	return b.store.SetEncodedObject(obj)
}
