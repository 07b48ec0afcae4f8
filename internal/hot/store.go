// Package hot stores the primary on-disk copies of objects that have not been archived yet.
package hot

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/zombar/coldstore/internal/meta"
)

// ErrMissing is returned when no hot copy exists for an object.
var ErrMissing = errors.New("hot copy missing")

// Store is a directory of object files laid out as <root>/<bucket>/<digest>.obj.
type Store struct {
	root   string
	logger zerolog.Logger
	locks  [64]sync.Mutex
}

// New creates the root directory if needed.
func New(root string, logger zerolog.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("hot: path required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create hot dir: %w", err)
	}
	return &Store{root: root, logger: logger.With().Str("component", "hot").Logger()}, nil
}

func (s *Store) path(id meta.ObjectID) string {
	return filepath.Join(s.root, id.Bucket, id.Digest()+".obj")
}

// Lock serialises writers of id's hot copy and its metadata. Callers that publish content or
// commit it elsewhere hold it across the metadata update.
func (s *Store) Lock(id meta.ObjectID) (unlock func()) {
	n, _ := strconv.ParseUint(id.Digest()[:2], 16, 8)
	mu := &s.locks[n%uint64(len(s.locks))]
	mu.Lock()
	return mu.Unlock
}

// Staged is content written next to its destination but not yet visible.
type Staged struct {
	ID       meta.ObjectID
	Size     int64
	Checksum string
	tmp      string
	dst      string
}

// Stage streams r into a temporary file beside the object's file and returns its size and
// blake3 checksum. Nothing is visible until Publish.
func (s *Store) Stage(ctx context.Context, id meta.ObjectID, r io.Reader) (*Staged, error) {
	dst := s.path(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, fmt.Errorf("create bucket dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".obj-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (*Staged, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return nil, err
	}

	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return fail(fmt.Errorf("write object: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync object: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return &Staged{ID: id, Size: n, Checksum: hex.EncodeToString(h.Sum(nil)), tmp: tmpPath, dst: dst}, nil
}

// Publish atomically replaces the object's file with the staged content.
func (s *Store) Publish(st *Staged) error {
	if err := os.Rename(st.tmp, st.dst); err != nil {
		_ = os.Remove(st.tmp)
		return fmt.Errorf("rename object: %w", err)
	}
	return nil
}

// Discard removes staged content that will not be published.
func (s *Store) Discard(st *Staged) {
	if err := os.Remove(st.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Err(err).Str("object", st.ID.String()).Msg("failed to remove staged copy")
	}
}

// Put stages r and publishes it at once, replacing any existing copy.
func (s *Store) Put(ctx context.Context, id meta.ObjectID, r io.Reader) (int64, string, error) {
	st, err := s.Stage(ctx, id, r)
	if err != nil {
		return 0, "", err
	}
	if err := s.Publish(st); err != nil {
		return 0, "", err
	}
	return st.Size, st.Checksum, nil
}

// Open returns a reader over the hot copy.
func (s *Store) Open(id meta.ObjectID) (*os.File, error) {
	f, err := os.Open(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrMissing)
	}
	return f, err
}

// Get reads the whole hot copy.
func (s *Store) Get(id meta.ObjectID) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrMissing)
	}
	return data, err
}

// Exists reports whether a hot copy is present.
func (s *Store) Exists(id meta.ObjectID) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Delete removes the hot copy. Deleting a missing copy is not an error.
func (s *Store) Delete(id meta.ObjectID) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete hot copy: %w", err)
	}
	if err == nil {
		s.logger.Debug().Str("object", id.String()).Msg("hot copy reclaimed")
	}
	return nil
}

// ctxReader stops a copy once the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
