// internal/safe/safe.go
package safe

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bomp/internal/storage"
	"bomp/shared/utils"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrContentNotFound = errors.New("content not found")
	ErrInvalidHash     = errors.New("invalid content hash")
)

// ContentMeta stores metadata about stored content
type ContentMeta struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	RefCount   uint32    `json:"ref_count"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
}

func (m *ContentMeta) GetID() string { return m.Hash }

// Safe is a content-addressed store for file pre-images. Content lives in
// files named by its sha256 under Root; metadata and reference counts live
// in badger.
type Safe struct {
	root  string
	meta  *storage.BadgerStore[*ContentMeta]
	cache *lru.Cache[string, []byte]
	codec *codec
	mu    sync.Mutex
}

// Options configures Safe behavior
type Options struct {
	Root        string // Root directory path
	CacheSize   int    // Number of items to cache
	Compression CompressionOptions
}

func New(db *badger.DB, opts Options) (*Safe, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	if opts.Compression == (CompressionOptions{}) {
		opts.Compression = DefaultCompressionOptions()
	}

	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	c, err := newCodec(opts.Compression)
	if err != nil {
		return nil, err
	}

	return &Safe{
		root:  opts.Root,
		meta:  storage.NewBadgerStore[*ContentMeta](db, "content"),
		cache: cache,
		codec: c,
	}, nil
}

// Store saves content and returns its hash. Storing the same bytes again
// only bumps the reference count.
func (s *Safe) Store(content []byte) (string, error) {
	if content == nil {
		content = []byte{}
	}
	hash := utils.HashContent(content)

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.meta.Get(hash)
	switch {
	case err == nil:
		meta.RefCount++
		if err := s.meta.Update(meta); err != nil {
			return "", fmt.Errorf("incrementing ref count: %w", err)
		}
		return hash, nil
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("checking existence: %w", err)
	}

	stored, compressed := s.codec.compress(content)
	contentPath := s.contentPath(hash)
	if err := os.MkdirAll(filepath.Dir(contentPath), 0o755); err != nil {
		return "", fmt.Errorf("creating content directory: %w", err)
	}
	if err := os.WriteFile(contentPath, stored, 0o644); err != nil {
		return "", fmt.Errorf("writing content file: %w", err)
	}

	meta = &ContentMeta{
		Hash:       hash,
		Size:       int64(len(content)),
		RefCount:   1,
		Compressed: compressed,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.meta.Create(meta); err != nil {
		os.Remove(contentPath)
		return "", fmt.Errorf("storing metadata: %w", err)
	}

	s.cache.Add(hash, content)
	return hash, nil
}

// Get retrieves content by hash and verifies it against the hash.
func (s *Safe) Get(hash string) ([]byte, error) {
	if !isValidHash(hash) {
		return nil, ErrInvalidHash
	}
	if content, ok := s.cache.Get(hash); ok {
		return content, nil
	}

	meta, err := s.meta.Get(hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting metadata: %w", err)
	}

	content, err := os.ReadFile(s.contentPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrContentNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if meta.Compressed {
		if content, err = s.codec.decompress(content); err != nil {
			return nil, fmt.Errorf("decompressing content: %w", err)
		}
	}
	if utils.HashContent(content) != hash {
		return nil, fmt.Errorf("content hash mismatch for %s", hash)
	}

	s.cache.Add(hash, content)
	return content, nil
}

// Release drops one reference and removes the content with the last one.
func (s *Safe) Release(hash string) error {
	if !isValidHash(hash) {
		return ErrInvalidHash
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.meta.Get(hash)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrContentNotFound
	}
	if err != nil {
		return fmt.Errorf("getting metadata: %w", err)
	}

	meta.RefCount--
	if meta.RefCount > 0 {
		return s.meta.Update(meta)
	}

	if err := os.Remove(s.contentPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing content file: %w", err)
	}
	if err := s.meta.Delete(hash); err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	s.cache.Remove(hash)
	return nil
}

func (s *Safe) Exists(hash string) (bool, error) {
	if !isValidHash(hash) {
		return false, ErrInvalidHash
	}
	if s.cache.Contains(hash) {
		return true, nil
	}
	_, err := s.meta.Get(hash)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Meta returns the stored metadata for hash.
func (s *Safe) Meta(hash string) (*ContentMeta, error) {
	meta, err := s.meta.Get(hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrContentNotFound
	}
	return meta, err
}

func (s *Safe) Close() {
	s.codec.close()
}

func (s *Safe) contentPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:])
}

func isValidHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}
