package objects

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zombar/coldstore/internal/cache"
	"github.com/zombar/coldstore/internal/hot"
	"github.com/zombar/coldstore/internal/lifecycle"
	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/meta/sqlstore"
	"github.com/zombar/coldstore/internal/notify"
	"github.com/zombar/coldstore/internal/scheduler"
	"github.com/zombar/coldstore/internal/tape"
	"github.com/zombar/coldstore/testutil"
)

type events struct {
	mu  sync.Mutex
	got []notify.Event
}

func (e *events) Emit(ev notify.Event) {
	e.mu.Lock()
	e.got = append(e.got, ev)
	e.mu.Unlock()
}

func (e *events) count(typ notify.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.got {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// faultyDriver fails the Nth write and counts reads.
type faultyDriver struct {
	tape.Driver
	writes atomic.Int32
	failAt int32
	reads  atomic.Int32
}

func (f *faultyDriver) Write(ctx context.Context, driveID string, data []byte) (int64, error) {
	if n := f.writes.Add(1); f.failAt > 0 && n == f.failAt {
		return 0, errors.New("simulated write error")
	}
	return f.Driver.Write(ctx, driveID, data)
}

func (f *faultyDriver) Read(ctx context.Context, driveID string, offset, length int64) ([]byte, error) {
	f.reads.Add(1)
	return f.Driver.Read(ctx, driveID, offset, length)
}

type env struct {
	store    *sqlstore.Store
	lib      *tape.FileLibrary
	drv      *faultyDriver
	tapes    *tape.Manager
	lc       *lifecycle.Machine
	hot      *hot.Store
	cache    *cache.Cache
	svc      *Service
	archiver *scheduler.Archiver
	recaller *scheduler.Recaller
	janitor  *Janitor
	events   *events
	clock    *testutil.Clock
}

type envOptions struct {
	cacheTTL time.Duration
	timeout  time.Duration
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	ctx := context.Background()
	if opts.cacheTTL == 0 {
		opts.cacheTTL = 24 * time.Hour
	}
	if opts.timeout == 0 {
		opts.timeout = time.Minute
	}
	clock := testutil.NewClock(time.Now())
	carts := []tape.Cartridge{{ID: "T1", Format: "LTO-9", CapacityBytes: 1 << 20}}

	store := testutil.NewStore(t)
	lib, err := tape.NewFileLibrary(tape.LibraryConfig{Path: t.TempDir(), Drives: 1, Cartridges: carts, Logger: zerolog.Nop()})
	require.NoError(t, err)
	drv := &faultyDriver{Driver: lib}
	mgr := tape.NewManager(tape.ManagerConfig{Driver: drv, Store: store, Drives: 1, SupportedFormats: []string{"LTO-9"}, Logger: zerolog.Nop(), Now: clock.Now})
	require.NoError(t, mgr.Register(ctx, carts))
	hs, err := hot.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	c, err := cache.Open(cache.Config{Path: t.TempDir(), MaxSizeBytes: 1 << 20, TTL: opts.cacheTTL, Logger: zerolog.Nop(), Now: clock.Now})
	require.NoError(t, err)
	lc := lifecycle.New(lifecycle.Config{Store: store, Now: clock.Now})
	ev := &events{}

	e := &env{store: store, lib: lib, drv: drv, tapes: mgr, lc: lc, hot: hs, cache: c, events: ev, clock: clock}
	e.archiver = scheduler.NewArchiver(scheduler.ArchiverConfig{
		Store: store, Lifecycle: lc, Tapes: mgr, Hot: hs, Notifier: ev, Logger: zerolog.Nop(), Now: clock.Now,
		BatchSize: 100, BundleCapBytes: 1 << 19,
	})
	e.recaller = scheduler.NewRecaller(scheduler.RecallerConfig{
		Store: store, Lifecycle: lc, Tapes: mgr, Cache: c, Notifier: ev, Logger: zerolog.Nop(), Now: clock.Now,
		RestoreTimeout: opts.timeout, TapePollInterval: 10 * time.Millisecond, ReloadInterval: 50 * time.Millisecond,
		ReadBackoff: time.Millisecond, CacheTTL: opts.cacheTTL,
	})
	e.svc = New(Config{Store: store, Lifecycle: lc, Hot: hs, Cache: c, Recaller: e.recaller, Logger: zerolog.Nop(), Now: clock.Now})
	e.janitor = NewJanitor(JanitorConfig{Store: store, Lifecycle: lc, Cache: c, Interval: time.Minute, Logger: zerolog.Nop(), Now: clock.Now})
	return e
}

func (e *env) put(t *testing.T, key, body string) meta.ObjectID {
	t.Helper()
	id := meta.ObjectID{Bucket: "b", Key: key}
	_, err := e.svc.Put(context.Background(), id, strings.NewReader(body))
	require.NoError(t, err)
	return id
}

func (e *env) archive(t *testing.T, keys ...string) map[string]meta.ObjectID {
	t.Helper()
	ids := map[string]meta.ObjectID{}
	for _, k := range keys {
		ids[k] = e.put(t, k, "content of "+k)
		_, err := e.svc.Demote(context.Background(), ids[k])
		require.NoError(t, err)
	}
	res, err := e.archiver.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(keys), res.Objects)
	return ids
}

func (e *env) state(t *testing.T, id meta.ObjectID) meta.State {
	t.Helper()
	o, err := e.store.GetObject(context.Background(), id)
	require.NoError(t, err)
	return o.State()
}

func (e *env) read(t *testing.T, id meta.ObjectID) (string, error) {
	t.Helper()
	_, body, err := e.svc.Get(context.Background(), id)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	return string(data), nil
}

func (e *env) waitCompleted(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.events.count(notify.RestoreCompleted) >= n
	}, 5*time.Second, 5*time.Millisecond)
}

var restoreReady = meta.State{Class: meta.ClassCold, Restore: meta.RestoreCompleted}

func TestScenario_ArchiveRestoreRead(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{})
	id := e.put(t, "k", "hello")
	_, err := e.svc.Demote(ctx, id)
	require.NoError(t, err)

	body, err := e.read(t, id)
	require.NoError(t, err, "cold-pending objects are served from the hot tier")
	assert.Equal(t, "hello", body)

	res, err := e.archiver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Objects)

	_, err = e.read(t, id)
	require.ErrorIs(t, err, meta.ErrInvalidObjectState)
	assert.Contains(t, err.Error(), "restore required")

	adm, err := e.svc.Restore(ctx, id, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, adm.Task.ID)

	e.recaller.Start()
	defer e.recaller.Stop()
	e.waitCompleted(t, 1)

	body, err = e.read(t, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", body)
	obj, err := e.svc.Head(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, meta.RestoreCompleted, obj.RestoreStatus)
	assert.Equal(t, meta.Checksum([]byte("hello")), obj.Checksum)
}

func TestScenario_OfflineTapeDeferral(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{})
	ids := e.archive(t, "k")
	require.NoError(t, e.lib.SetStatus("T1", meta.TapeOffline))

	adm, err := e.svc.Restore(ctx, ids["k"], 1)
	require.NoError(t, err)
	assert.NotEmpty(t, adm.Task.ID)

	e.recaller.Start()
	defer e.recaller.Stop()
	require.Eventually(t, func() bool {
		return e.events.count(notify.TapeOffline) == 1
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, e.events.count(notify.TapeOffline), "notified once")

	require.NoError(t, e.lib.SetStatus("T1", meta.TapeOnline))
	e.waitCompleted(t, 1)
	assert.Equal(t, restoreReady, e.state(t, ids["k"]))
	task, err := e.store.GetRecallTask(ctx, adm.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.RestoreCompleted, task.Status)
}

func TestScenario_CoalescedReads(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{})
	ids := e.archive(t, "a", "b")
	reads := e.drv.reads.Load()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Restore(ctx, id, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	e.recaller.Start()
	defer e.recaller.Stop()
	e.waitCompleted(t, 2)
	for _, id := range ids {
		assert.Equal(t, restoreReady, e.state(t, id))
	}
	assert.Equal(t, int32(1), e.drv.reads.Load()-reads)
}

func TestScenario_CacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{cacheTTL: time.Second})
	ids := e.archive(t, "k")
	id := ids["k"]

	_, err := e.svc.Restore(ctx, id, 1)
	require.NoError(t, err)
	e.recaller.Start()
	e.waitCompleted(t, 1)
	e.recaller.Stop()

	_, ok, err := e.cache.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	e.clock.Advance(2 * time.Second)
	_, ok, err = e.cache.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := e.janitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, meta.State{Class: meta.ClassCold, Restore: meta.RestoreExpired}, e.state(t, id))

	_, err = e.read(t, id)
	assert.ErrorIs(t, err, meta.ErrInvalidObjectState)

	// One interval later the expired status is cleared.
	e.clock.Advance(2 * time.Minute)
	res, err = e.janitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cleared)
	assert.Equal(t, meta.StateCold, e.state(t, id))
}

func TestScenario_ConflictingDemote(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{})
	id := e.put(t, "k", "data")

	var (
		wg        sync.WaitGroup
		ok, clash atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.svc.Demote(ctx, id)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, meta.ErrConflictingState):
				clash.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), clash.Load())
	assert.Equal(t, meta.StateColdPending, e.state(t, id))
}

func TestScenario_ArchivePartialFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{})
	// Frames are header, one record per object, trailer: the fourth write is the third record.
	e.drv.failAt = 4
	var ids []meta.ObjectID
	for _, k := range []string{"a", "b", "c"} {
		id := e.put(t, k, "content of "+k)
		_, err := e.svc.Demote(ctx, id)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	res, err := e.archiver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	for _, id := range ids {
		assert.Equal(t, meta.StateColdPending, e.state(t, id))
		assert.True(t, e.hot.Exists(id))
	}
	failed, err := e.store.ListBundlesByStatus(ctx, meta.BundleFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Len(t, failed[0].ObjectKeys, 3)
	assert.Equal(t, 1, e.events.count(notify.BundleFailed))

	// The torn bytes are overwritten by the next successful bundle.
	res, err = e.archiver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Objects)
	tp, err := e.store.GetTape(ctx, "T1")
	require.NoError(t, err)
	indexed, err := e.tapes.Reindex(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, indexed, 1)
	assert.Equal(t, tp.UsedBytes, indexed[0].Offset+indexed[0].Length)
}

func TestService_PutRules(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{})
	id := e.put(t, "k", "v1")
	obj, err := e.svc.Put(ctx, id, strings.NewReader("version two"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("version two")), obj.Size)
	body, err := e.read(t, id)
	require.NoError(t, err)
	assert.Equal(t, "version two", body)

	_, err = e.svc.Demote(ctx, id)
	require.NoError(t, err)
	_, err = e.svc.Put(ctx, id, strings.NewReader("v3"))
	assert.ErrorIs(t, err, meta.ErrInvalidObjectState)

	_, err = e.svc.Put(ctx, meta.ObjectID{Bucket: "b"}, strings.NewReader("x"))
	assert.Error(t, err)
}

func TestService_DeleteRules(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{})

	hotID := e.put(t, "hot", "x")
	require.NoError(t, e.svc.Delete(ctx, hotID))
	assert.False(t, e.hot.Exists(hotID))
	_, err := e.svc.Head(ctx, hotID)
	assert.ErrorIs(t, err, meta.ErrObjectNotFound)
	assert.ErrorIs(t, e.svc.Delete(ctx, hotID), meta.ErrObjectNotFound)

	pending := e.put(t, "pending", "x")
	_, err = e.svc.Demote(ctx, pending)
	require.NoError(t, err)
	assert.ErrorIs(t, e.svc.Delete(ctx, pending), meta.ErrInvalidObjectState)
	_, err = e.svc.CancelDemotion(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, meta.StateHot, e.state(t, pending))
	require.NoError(t, e.svc.Delete(ctx, pending))

	ids := e.archive(t, "cold")
	_, err = e.svc.Restore(ctx, ids["cold"], 1)
	require.NoError(t, err)
	assert.ErrorIs(t, e.svc.Delete(ctx, ids["cold"]), meta.ErrInvalidObjectState, "restore in flight")
	_, err = e.read(t, ids["cold"])
	assert.ErrorIs(t, err, meta.ErrInvalidObjectState)

	e.recaller.Start()
	defer e.recaller.Stop()
	e.waitCompleted(t, 1)
	require.NoError(t, e.svc.Delete(ctx, ids["cold"]))
	assert.False(t, e.cache.Contains(ids["cold"]))
}

func TestService_ReadyWithoutCacheEntryExpires(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{})
	ids := e.archive(t, "k")
	_, err := e.svc.Restore(ctx, ids["k"], 1)
	require.NoError(t, err)
	e.recaller.Start()
	e.waitCompleted(t, 1)
	e.recaller.Stop()

	require.NoError(t, e.cache.Evict(ids["k"]))
	_, err = e.read(t, ids["k"])
	assert.ErrorIs(t, err, meta.ErrInvalidObjectState)
	assert.Equal(t, meta.State{Class: meta.ClassCold, Restore: meta.RestoreExpired}, e.state(t, ids["k"]))
}

func TestService_RestoresDisabled(t *testing.T) {
	e := newEnv(t, envOptions{})
	svc := New(Config{Store: e.store, Lifecycle: e.lc, Hot: e.hot, Logger: zerolog.Nop()})
	ids := e.archive(t, "k")
	_, err := svc.Restore(context.Background(), ids["k"], 1)
	assert.ErrorIs(t, err, meta.ErrInvalidObjectState)
}

func TestService_List(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.put(t, "logs/1", "a")
	e.put(t, "logs/2", "b")
	e.put(t, "data/1", "c")
	objs, err := e.svc.List(context.Background(), "b", "logs/", 10)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "logs/1", objs[0].Key)
}

func TestService_ConcurrentPutsKeepContentAndMetadataAligned(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{})

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		id := meta.ObjectID{Bucket: "b", Key: fmt.Sprintf("k%02d", i)}
		for _, body := range []string{"first writer", "the second writer"} {
			wg.Add(1)
			go func(body string) {
				defer wg.Done()
				_, err := e.svc.Put(ctx, id, strings.NewReader(body))
				errs <- err
			}(body)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < 20; i++ {
		id := meta.ObjectID{Bucket: "b", Key: fmt.Sprintf("k%02d", i)}
		obj, err := e.store.GetObject(ctx, id)
		require.NoError(t, err)
		data, err := e.hot.Get(id)
		require.NoError(t, err)
		assert.Equal(t, meta.Checksum(data), obj.Checksum, id.String())
		assert.Equal(t, int64(len(data)), obj.Size, id.String())
	}
}
