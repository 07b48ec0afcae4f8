package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/notify"
	"github.com/zombar/coldstore/internal/tape"
)

func sized(sizes ...int64) []*meta.Object {
	out := make([]*meta.Object, len(sizes))
	for i, s := range sizes {
		out[i] = &meta.Object{ObjectID: meta.ObjectID{Bucket: "b", Key: string(rune('a' + i))}, Size: s}
	}
	return out
}

func keys(objs []*meta.Object) []string {
	var out []string
	for _, o := range objs {
		out = append(out, o.Key)
	}
	return out
}

func TestPack(t *testing.T) {
	tests := []struct {
		name     string
		sizes    []int64
		min, cap int64
		bundles  [][]string
		deferred []string
	}{
		{"exactly cap", []int64{50, 50}, 10, 100, [][]string{{"a", "b"}}, nil},
		{"split at cap", []int64{60, 50, 40}, 10, 100, [][]string{{"a"}, {"b", "c"}}, nil},
		{"oversize is solo", []int64{10, 500, 20}, 5, 100, [][]string{{"b"}, {"a", "c"}}, nil},
		{"trailing below min deferred", []int64{90, 5}, 50, 100, [][]string{{"a"}}, []string{"b"}},
		{"below min before overflow deferred", []int64{20, 90}, 50, 100, [][]string{{"b"}}, []string{"a"}},
		{"exactly min", []int64{25, 25}, 50, 100, [][]string{{"a", "b"}}, nil},
		{"nothing", nil, 50, 100, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plans, deferred := pack(sized(tt.sizes...), tt.min, tt.cap)
			var got [][]string
			for _, p := range plans {
				got = append(got, keys(p))
			}
			assert.Equal(t, tt.bundles, got)
			assert.Equal(t, tt.deferred, keys(deferred))
		})
	}
}

func TestBundleCap(t *testing.T) {
	assert.Equal(t, int64(1024), bundleCap(1500, 512))
	assert.Equal(t, int64(512), bundleCap(100, 512), "at least one block")
	assert.Equal(t, int64(1500), bundleCap(1500, 0))
	assert.Equal(t, int64(1<<30), bundleCap(0, 0))
}

func TestArchiver_RoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "T1", "T2")
	data := map[string][]byte{
		"k1": []byte("first object"),
		"k2": []byte("second object, a little longer"),
		"k3": {},
	}
	ids := map[string]meta.ObjectID{}
	for _, k := range []string{"k1", "k2", "k3"} {
		ids[k] = h.seed(t, k, data[k])
	}

	a := h.archiver(ArchiverConfig{ReplicationFactor: 2, VerifyReadability: true, Compression: true})
	res, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Bundles: 1, Objects: 3, Bytes: int64(len(data["k1"]) + len(data["k2"]))}, res)

	first := h.object(t, ids["k1"])
	bundle, err := h.store.GetBundle(ctx, first.ArchiveID)
	require.NoError(t, err)
	assert.Equal(t, meta.BundleCompleted, bundle.Status)
	require.Len(t, bundle.Copies, 2)
	assert.ElementsMatch(t, []string{"T1", "T2"}, bundle.TapeIDs())

	for k, id := range ids {
		o := h.object(t, id)
		assert.Equal(t, meta.StateCold, o.State(), k)
		assert.Equal(t, bundle.ID, o.ArchiveID)
		assert.Equal(t, bundle.TapeIDs(), o.TapeSet)
		assert.False(t, h.hot.Exists(id), "hot copy of %s reclaimed", k)
	}

	task, err := h.store.GetArchiveTask(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ArchiveCompleted, task.Status)

	for _, c := range bundle.Copies {
		raw, err := h.tapes.ReadBundle(ctx, c.TapeID, tape.Extent{Offset: c.Offset, Length: c.Length})
		require.NoError(t, err)
		d, err := tape.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, bundle.Checksum, d.Checksum)
		for k, id := range ids {
			obj, ok := d.Find(id)
			require.True(t, ok)
			assert.Equal(t, meta.Checksum(data[k]), obj.Checksum)
			assert.Equal(t, string(data[k]), string(obj.Data))
		}
	}

	tp, err := h.store.GetTape(ctx, "T1")
	require.NoError(t, err)
	assert.NotNil(t, tp.LastVerifiedAt)
}

func TestArchiver_DefersBelowMinimum(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, "small", []byte("tiny"))

	res, err := h.archiver(ArchiverConfig{MinBundleBytes: 1024}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Bundles)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, meta.StateColdPending, h.object(t, id).State())
	assert.True(t, h.hot.Exists(id))
}

func TestArchiver_WriteFailureKeepsMembersColdPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.seed(t, "k", []byte("payload"))
	h.drv.onWrite = func(tapeID string) error {
		_ = h.lib.SetStatus(tapeID, meta.TapeOffline)
		return errors.New("drive fault")
	}

	res, err := h.archiver(ArchiverConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, meta.StateColdPending, h.object(t, id).State())
	assert.True(t, h.hot.Exists(id))

	failed, err := h.store.ListBundlesByStatus(ctx, meta.BundleFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	task, err := h.store.GetArchiveTask(ctx, failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ArchiveFailed, task.Status)

	offline := h.events.of(notify.TapeOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, "T1", offline[0].TapeID)
	assert.Equal(t, []string{failed[0].ID}, offline[0].BundleIDs)
	require.Len(t, h.events.of(notify.BundleFailed), 1)

	// The tape comes back and the next tick archives the same objects.
	h.drv.onWrite = nil
	require.NoError(t, h.lib.SetStatus("T1", meta.TapeOnline))
	res, err = h.archiver(ArchiverConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Bundles)
	assert.Equal(t, meta.StateCold, h.object(t, id).State())
}

func TestArchiver_ContentChangedWhileWritingIsNotCommitted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.seed(t, "k", []byte("framed content"))

	// An overwrite that raced the demotion lands while the bundle is on its way to tape.
	var once sync.Once
	h.drv.onWrite = func(string) error {
		once.Do(func() {
			st, err := h.hot.Stage(ctx, id, bytes.NewReader([]byte("newer content")))
			if !assert.NoError(t, err) {
				return
			}
			unlock := h.hot.Lock(id)
			defer unlock()
			_, err = h.store.UpdateObject(ctx, id, meta.StateColdPending, func(o *meta.Object) {
				o.Size = st.Size
				o.Checksum = st.Checksum
			})
			assert.NoError(t, err)
			assert.NoError(t, h.hot.Publish(st))
		})
		return nil
	}

	res, err := h.archiver(ArchiverConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	obj := h.object(t, id)
	assert.Equal(t, meta.StateColdPending, obj.State())
	assert.Equal(t, meta.Checksum([]byte("newer content")), obj.Checksum)
	data, err := h.hot.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "newer content", string(data))

	// The next tick archives what the metadata describes.
	res, err = h.archiver(ArchiverConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Objects)
	obj = h.object(t, id)
	bundle, err := h.store.GetBundle(ctx, obj.ArchiveID)
	require.NoError(t, err)
	raw, err := h.tapes.ReadBundle(ctx, bundle.TapeID, tape.Extent{Offset: bundle.Copies[0].Offset, Length: bundle.Copies[0].Length})
	require.NoError(t, err)
	d, err := tape.Decode(raw)
	require.NoError(t, err)
	rec, ok := d.Find(id)
	require.True(t, ok)
	assert.Equal(t, "newer content", string(rec.Data))
}

// stuckBundles refuses to move bundles out of PENDING.
type stuckBundles struct {
	meta.Store
}

func (s *stuckBundles) UpdateBundleStatus(ctx context.Context, id string, expected, next meta.BundleStatus) error {
	if expected == meta.BundlePending && next == meta.BundleWriting {
		return fmt.Errorf("%w: connection reset", meta.ErrMetadataUnavailable)
	}
	return s.Store.UpdateBundleStatus(ctx, id, expected, next)
}

func TestArchiver_BundleStartFailureFailsBundle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.seed(t, "k", []byte("payload"))
	a := h.archiver(ArchiverConfig{})
	a.cfg.Store = &stuckBundles{Store: h.store}

	res, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, meta.StateColdPending, h.object(t, id).State())

	failed, err := h.store.ListBundlesByStatus(ctx, meta.BundleFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	task, err := h.store.GetArchiveTask(ctx, failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ArchiveFailed, task.Status)
	pending, err := h.store.ListBundlesByStatus(ctx, meta.BundlePending)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Len(t, h.events.of(notify.BundleFailed), 1)
}

func TestFrameReleasesMemberData(t *testing.T) {
	members := []member{
		{obj: &meta.Object{ObjectID: meta.ObjectID{Bucket: "b", Key: "a"}}, data: []byte("alpha")},
		{obj: &meta.Object{ObjectID: meta.ObjectID{Bucket: "b", Key: "b"}}, data: []byte("beta")},
	}
	frames, _, length, err := frame(uuid.New(), members, time.Now(), true)
	require.NoError(t, err)
	assert.Len(t, frames, 4)
	assert.Positive(t, length)
	for _, m := range members {
		assert.Nil(t, m.data)
	}
}

func TestArchiver_NoTapeFailsBundle(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, "k", []byte("payload"))

	res, err := h.archiver(ArchiverConfig{ReplicationFactor: 2}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, meta.StateColdPending, h.object(t, id).State())
	assert.Len(t, h.events.of(notify.BundleFailed), 1)
	assert.Empty(t, h.events.of(notify.TapeOffline))
}

func TestArchiver_SkipsObjectsThatLeftColdPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	keep := h.seed(t, "keep", []byte("stays"))
	gone := h.seed(t, "gone", []byte("cancelled"))
	snapshot, err := h.store.ListObjectsByClass(ctx, meta.ClassColdPending, 10)
	require.NoError(t, err)

	_, err = h.lc.CancelArchive(ctx, gone)
	require.NoError(t, err)

	a := h.archiver(ArchiverConfig{})
	n, _, err := a.archiveBundle(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, meta.StateCold, h.object(t, keep).State())
	assert.Equal(t, meta.StateHot, h.object(t, gone).State())
	assert.True(t, h.hot.Exists(gone))
}

func TestArchiver_TicksDoNotOverlap(t *testing.T) {
	h := newHarness(t)
	a := h.archiver(ArchiverConfig{})
	a.running.Store(true)
	_, err := a.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)
	a.running.Store(false)
	_, err = a.RunOnce(context.Background())
	assert.NoError(t, err)
}

func TestArchiver_RecoverFailsInterruptedBundles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	now := time.Now().UTC()
	for _, b := range []*meta.Bundle{
		{ID: "pending", Status: meta.BundlePending, CreatedAt: now, UpdatedAt: now},
		{ID: "writing", Status: meta.BundleWriting, CreatedAt: now, UpdatedAt: now},
		{ID: "done", Status: meta.BundleCompleted, CreatedAt: now, UpdatedAt: now},
	} {
		require.NoError(t, h.store.PutBundle(ctx, b))
	}
	require.NoError(t, h.store.PutArchiveTask(ctx, &meta.ArchiveTask{ID: "writing", BundleID: "writing", Status: meta.ArchiveInProgress, CreatedAt: now}))

	require.NoError(t, h.archiver(ArchiverConfig{}).Recover(ctx))

	for id, want := range map[string]meta.BundleStatus{"pending": meta.BundleFailed, "writing": meta.BundleFailed, "done": meta.BundleCompleted} {
		b, err := h.store.GetBundle(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, b.Status, id)
	}
	task, err := h.store.GetArchiveTask(ctx, "writing")
	require.NoError(t, err)
	assert.Equal(t, meta.ArchiveFailed, task.Status)
}

func TestArchiver_StartStop(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, "k", []byte("payload"))
	a := h.archiver(ArchiverConfig{ScanInterval: 10 * time.Millisecond})
	a.Start()
	require.Eventually(t, func() bool {
		return h.object(t, id).State() == meta.StateCold
	}, 5*time.Second, 10*time.Millisecond)
	a.Stop()
}

func TestPacer(t *testing.T) {
	assert.Nil(t, newPacer(0))
	var nilPacer *pacer
	nilPacer.charge(100)
	assert.NoError(t, nilPacer.wait(context.Background()))
	assert.Zero(t, nilPacer.delay())

	now := time.Unix(1000, 0)
	p := newPacer(100)
	p.now = func() time.Time { return now }
	p.charge(100)
	assert.Zero(t, p.delay(), "first burst is free")
	p.charge(300)
	assert.Equal(t, 3*time.Second, p.delay())

	now = now.Add(2 * time.Second)
	assert.Equal(t, time.Second, p.delay())
	now = now.Add(2 * time.Second)
	assert.Zero(t, p.delay())

	ctx, cancel := context.WithCancel(context.Background())
	p.charge(1000)
	cancel()
	assert.ErrorIs(t, p.wait(ctx), context.Canceled)
}
