package hot

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zombar/coldstore/internal/meta"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := meta.ObjectID{Bucket: "b", Key: "dir/k"}

	n, sum, err := s.Put(ctx, id, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, meta.Checksum([]byte("hello")), sum)
	assert.True(t, s.Exists(id))

	data, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	f, err := s.Open(id)
	require.NoError(t, err)
	streamed, err := io.ReadAll(f)
	require.NoError(t, err)
	_ = f.Close()
	assert.Equal(t, data, streamed)

	require.NoError(t, s.Delete(id))
	require.NoError(t, s.Delete(id), "delete is idempotent")
	assert.False(t, s.Exists(id))

	_, err = s.Get(id)
	assert.ErrorIs(t, err, ErrMissing)
	_, err = s.Open(id)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestPutReplacesAndVersionsAreDistinct(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v1 := meta.ObjectID{Bucket: "b", Key: "k", Version: "1"}
	v2 := meta.ObjectID{Bucket: "b", Key: "k", Version: "2"}

	_, _, err := s.Put(ctx, v1, strings.NewReader("one"))
	require.NoError(t, err)
	_, _, err = s.Put(ctx, v2, strings.NewReader("two"))
	require.NoError(t, err)
	_, _, err = s.Put(ctx, v1, strings.NewReader("uno"))
	require.NoError(t, err)

	got, err := s.Get(v1)
	require.NoError(t, err)
	assert.Equal(t, "uno", string(got))
	got, err = s.Get(v2)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestPutZeroLength(t *testing.T) {
	s := newTestStore(t)
	n, sum, err := s.Put(context.Background(), meta.ObjectID{Bucket: "b", Key: "empty"}, bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, meta.Checksum(nil), sum)
}

func TestPutCancelledLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id := meta.ObjectID{Bucket: "b", Key: "k"}
	_, _, err := s.Put(ctx, id, strings.NewReader("data"))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Exists(id))

	entries, err := os.ReadDir(filepath.Join(s.root, "b"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStageIsInvisibleUntilPublished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := meta.ObjectID{Bucket: "b", Key: "k"}
	_, _, err := s.Put(ctx, id, strings.NewReader("old"))
	require.NoError(t, err)

	st, err := s.Stage(ctx, id, strings.NewReader("new content"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), st.Size)
	assert.Equal(t, meta.Checksum([]byte("new content")), st.Checksum)
	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))

	require.NoError(t, s.Publish(st))
	got, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(got))

	discarded, err := s.Stage(ctx, id, strings.NewReader("dropped"))
	require.NoError(t, err)
	s.Discard(discarded)
	got, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(got))
	entries, err := os.ReadDir(filepath.Dir(s.path(id)))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLockSerializesObject(t *testing.T) {
	s := newTestStore(t)
	id := meta.ObjectID{Bucket: "b", Key: "k"}
	unlock := s.Lock(id)

	acquired := make(chan struct{})
	go func() {
		u := s.Lock(id)
		close(acquired)
		u()
	}()
	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first is held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second lock never acquired")
	}
}
