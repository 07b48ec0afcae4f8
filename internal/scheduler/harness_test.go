package scheduler

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zombar/coldstore/internal/cache"
	"github.com/zombar/coldstore/internal/hot"
	"github.com/zombar/coldstore/internal/lifecycle"
	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/meta/sqlstore"
	"github.com/zombar/coldstore/internal/notify"
	"github.com/zombar/coldstore/internal/tape"
	"github.com/zombar/coldstore/testutil"
)

// recorder collects emitted notifications.
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Emit(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) of(typ notify.EventType) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// hookDriver wraps a driver to count reads and inject faults.
type hookDriver struct {
	tape.Driver

	mu      sync.Mutex
	reads   int
	onRead  func(ctx context.Context, data []byte, err error) ([]byte, error)
	onWrite func(tapeID string) error
	mounted map[string]string
}

func (h *hookDriver) Mount(ctx context.Context, tapeID string) (string, error) {
	driveID, err := h.Driver.Mount(ctx, tapeID)
	if err == nil {
		h.mu.Lock()
		h.mounted[driveID] = tapeID
		h.mu.Unlock()
	}
	return driveID, err
}

func (h *hookDriver) Write(ctx context.Context, driveID string, data []byte) (int64, error) {
	h.mu.Lock()
	hook, tapeID := h.onWrite, h.mounted[driveID]
	h.mu.Unlock()
	if hook != nil {
		if err := hook(tapeID); err != nil {
			return 0, err
		}
	}
	return h.Driver.Write(ctx, driveID, data)
}

func (h *hookDriver) Read(ctx context.Context, driveID string, offset, length int64) ([]byte, error) {
	data, err := h.Driver.Read(ctx, driveID, offset, length)
	h.mu.Lock()
	h.reads++
	hook := h.onRead
	h.mu.Unlock()
	if hook != nil {
		return hook(ctx, data, err)
	}
	return data, err
}

func (h *hookDriver) readCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads
}

func (h *hookDriver) resetReads() {
	h.mu.Lock()
	h.reads = 0
	h.mu.Unlock()
}

type harness struct {
	store  *sqlstore.Store
	lib    *tape.FileLibrary
	drv    *hookDriver
	tapes  *tape.Manager
	lc     *lifecycle.Machine
	hot    *hot.Store
	cache  *cache.Cache
	events *recorder
}

func newHarness(t *testing.T, tapeIDs ...string) *harness {
	t.Helper()
	if len(tapeIDs) == 0 {
		tapeIDs = []string{"T1"}
	}
	var carts []tape.Cartridge
	for _, id := range tapeIDs {
		carts = append(carts, tape.Cartridge{ID: id, Format: "LTO-9", CapacityBytes: 1 << 20})
	}
	store := testutil.NewStore(t)
	lib, err := tape.NewFileLibrary(tape.LibraryConfig{Path: t.TempDir(), Drives: 2, Cartridges: carts, Logger: zerolog.Nop()})
	require.NoError(t, err)
	drv := &hookDriver{Driver: lib, mounted: make(map[string]string)}
	mgr := tape.NewManager(tape.ManagerConfig{Driver: drv, Store: store, Drives: 2, SupportedFormats: []string{"LTO-9"}, Logger: zerolog.Nop()})
	require.NoError(t, mgr.Register(context.Background(), carts))
	hs, err := hot.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	c, err := cache.Open(cache.Config{Path: t.TempDir(), MaxSizeBytes: 1 << 20, TTL: 24 * time.Hour, Logger: zerolog.Nop()})
	require.NoError(t, err)

	return &harness{
		store:  store,
		lib:    lib,
		drv:    drv,
		tapes:  mgr,
		lc:     lifecycle.New(lifecycle.Config{Store: store}),
		hot:    hs,
		cache:  c,
		events: &recorder{},
	}
}

// seed stores data hot and demotes it to ColdPending.
func (h *harness) seed(t *testing.T, key string, data []byte) meta.ObjectID {
	t.Helper()
	ctx := context.Background()
	id := meta.ObjectID{Bucket: "b", Key: key}
	size, sum, err := h.hot.Put(ctx, id, bytes.NewReader(data))
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, h.store.CreateObject(ctx, &meta.Object{
		ObjectID:     id,
		StorageClass: meta.ClassHot,
		Size:         size,
		Checksum:     sum,
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
	_, err = h.lc.DemoteObject(ctx, id)
	require.NoError(t, err)
	return id
}

func (h *harness) archiver(cfg ArchiverConfig) *Archiver {
	cfg.Store = h.store
	cfg.Lifecycle = h.lc
	cfg.Tapes = h.tapes
	cfg.Hot = h.hot
	cfg.Notifier = h.events
	cfg.Logger = zerolog.Nop()
	if cfg.BundleCapBytes == 0 {
		cfg.BundleCapBytes = 1 << 19
	}
	return NewArchiver(cfg)
}

func (h *harness) recaller(cfg RecallerConfig) *Recaller {
	cfg.Store = h.store
	cfg.Lifecycle = h.lc
	cfg.Tapes = h.tapes
	cfg.Cache = h.cache
	cfg.Notifier = h.events
	cfg.Logger = zerolog.Nop()
	if cfg.TapePollInterval == 0 {
		cfg.TapePollInterval = 10 * time.Millisecond
	}
	if cfg.ReadBackoff == 0 {
		cfg.ReadBackoff = time.Millisecond
	}
	if cfg.ReloadInterval == 0 {
		cfg.ReloadInterval = 50 * time.Millisecond
	}
	return NewRecaller(cfg)
}

// archive seeds objects and archives them into one bundle.
func (h *harness) archive(t *testing.T, rf int, objs map[string][]byte) map[string]meta.ObjectID {
	t.Helper()
	ids := make(map[string]meta.ObjectID, len(objs))
	for k, data := range objs {
		ids[k] = h.seed(t, k, data)
	}
	res, err := h.archiver(ArchiverConfig{ReplicationFactor: rf}).RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Bundles)
	require.Equal(t, len(objs), res.Objects)
	h.drv.resetReads()
	return ids
}

func (h *harness) object(t *testing.T, id meta.ObjectID) *meta.Object {
	t.Helper()
	o, err := h.store.GetObject(context.Background(), id)
	require.NoError(t, err)
	return o
}
