// Package scheduler runs the archive and recall schedulers that move objects between the hot
// tier, tape and the restore cache.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zombar/coldstore/internal/lifecycle"
	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/metrics"
	"github.com/zombar/coldstore/internal/notify"
	"github.com/zombar/coldstore/internal/tape"
)

// ErrTickInProgress is returned by RunOnce while another tick is running.
var ErrTickInProgress = errors.New("archive tick already in progress")

// HotStore is the hot tier as seen by the archiver.
type HotStore interface {
	Get(id meta.ObjectID) ([]byte, error)
	Delete(id meta.ObjectID) error
	Lock(id meta.ObjectID) (unlock func())
}

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	Store     meta.Store
	Lifecycle *lifecycle.Machine
	Tapes     *tape.Manager
	Hot       HotStore
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time

	ScanInterval      time.Duration
	BatchSize         int
	MinBundleBytes    int64
	BundleCapBytes    int64
	BlockSize         int64 // the cap is rounded down to a multiple of this
	ReplicationFactor int
	VerifyReadability bool
	Compression       bool
	// ThroughputBytesPerSec paces tape writes; zero means unpaced.
	ThroughputBytesPerSec int64
}

// TickResult summarises one archive tick.
type TickResult struct {
	Bundles  int   `json:"bundles"`
	Objects  int   `json:"objects"`
	Bytes    int64 `json:"bytes"`
	Failed   int   `json:"failed"`
	Deferred int   `json:"deferred"`
}

// Archiver drains ColdPending objects into bundles on tape.
type Archiver struct {
	cfg    ArchiverConfig
	cap    int64
	pace   *pacer
	logger zerolog.Logger

	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewArchiver creates an Archiver.
func NewArchiver(cfg ArchiverConfig) *Archiver {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{Logger: cfg.Logger}
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Archiver{
		cfg:    cfg,
		cap:    bundleCap(cfg.BundleCapBytes, cfg.BlockSize),
		pace:   newPacer(cfg.ThroughputBytesPerSec),
		logger: cfg.Logger.With().Str("component", "archiver").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// defaultBundleCap bounds a bundle, which is framed in memory before it is written.
const defaultBundleCap = 1 << 30

// bundleCap rounds capBytes down to a whole number of blocks, keeping at least one block.
func bundleCap(capBytes, block int64) int64 {
	if capBytes <= 0 {
		capBytes = defaultBundleCap
	}
	if block <= 0 {
		return capBytes
	}
	if c := capBytes / block * block; c > 0 {
		return c
	}
	return block
}

// Start recovers bundles interrupted by a crash and begins ticking every ScanInterval.
func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.run()
	a.logger.Info().Dur("interval", a.cfg.ScanInterval).Str("bundle_cap", humanize.IBytes(uint64(a.cap))).Msg("archiver started")
}

// Stop cancels the current tick and waits for the loop to exit.
func (a *Archiver) Stop() {
	a.cancel()
	a.wg.Wait()
	a.logger.Info().Msg("archiver stopped")
}

func (a *Archiver) run() {
	defer a.wg.Done()
	if err := a.Recover(a.ctx); err != nil {
		a.logger.Error().Err(err).Msg("archive recovery failed")
	}

	ticker := time.NewTicker(a.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			res, err := a.RunOnce(a.ctx)
			switch {
			case errors.Is(err, ErrTickInProgress):
				a.logger.Debug().Msg("archive tick skipped, previous tick still running")
			case err != nil && a.ctx.Err() == nil:
				a.logger.Error().Err(err).Msg("archive tick failed")
			case res.Bundles > 0 || res.Failed > 0:
				a.logger.Info().Int("bundles", res.Bundles).Int("objects", res.Objects).
					Str("bytes", humanize.IBytes(uint64(res.Bytes))).Int("failed", res.Failed).
					Int("deferred", res.Deferred).Msg("archive tick complete")
			}
		}
	}
}

// Recover marks bundles left PENDING or WRITING by an interrupted process as FAILED. Their
// members are still ColdPending and are picked up by the next tick.
func (a *Archiver) Recover(ctx context.Context) error {
	for _, status := range []meta.BundleStatus{meta.BundlePending, meta.BundleWriting} {
		bundles, err := a.cfg.Store.ListBundlesByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, b := range bundles {
			if err := a.cfg.Store.UpdateBundleStatus(ctx, b.ID, status, meta.BundleFailed); err != nil {
				a.logger.Warn().Err(err).Str("bundle", b.ID).Msg("failed to mark interrupted bundle")
				continue
			}
			a.finishTask(ctx, b.ID, meta.ArchiveFailed, "interrupted")
			a.logger.Warn().Str("bundle", b.ID).Str("was", string(status)).Msg("interrupted bundle marked FAILED")
		}
	}
	return nil
}

// RunOnce performs one archive tick. Ticks never overlap.
func (a *Archiver) RunOnce(ctx context.Context) (TickResult, error) {
	if !a.running.CompareAndSwap(false, true) {
		return TickResult{}, ErrTickInProgress
	}
	defer a.running.Store(false)
	start := time.Now()
	defer func() {
		if a.cfg.Metrics != nil {
			a.cfg.Metrics.ArchiveTickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	var res TickResult
	snapshot, err := a.cfg.Store.ListObjectsByClass(ctx, meta.ClassColdPending, a.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("snapshot cold-pending objects: %w", err)
	}
	plans, deferred := pack(snapshot, a.cfg.MinBundleBytes, a.cap)
	res.Deferred = len(deferred)

	for _, members := range plans {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := a.pace.wait(ctx); err != nil {
			return res, err
		}
		n, size, err := a.archiveBundle(ctx, members)
		switch {
		case err != nil:
			res.Failed++
			a.logger.Error().Err(err).Int("members", len(members)).Msg("bundle not archived")
		case n > 0:
			res.Bundles++
			res.Objects += n
			res.Bytes += size
		}
	}
	return res, nil
}

// pack groups objects, in order, into bundles of at least min and at most cap bytes. An object
// larger than cap forms its own bundle. A partial bundle that cannot grow to min before the next
// object overflows it is deferred, as is the trailing partial bundle.
func pack(objs []*meta.Object, min, cap int64) (plans [][]*meta.Object, deferred []*meta.Object) {
	var (
		cur  []*meta.Object
		size int64
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		if size >= min {
			plans = append(plans, cur)
		} else {
			deferred = append(deferred, cur...)
		}
		cur, size = nil, 0
	}
	for _, o := range objs {
		if o.Size > cap {
			plans = append(plans, []*meta.Object{o})
			continue
		}
		if size+o.Size > cap {
			flush()
		}
		cur = append(cur, o)
		size += o.Size
	}
	flush()
	return plans, deferred
}

type member struct {
	obj  *meta.Object
	data []byte
}

// archiveBundle writes one bundle and commits its members. It returns the number of committed
// objects and their bytes.
func (a *Archiver) archiveBundle(ctx context.Context, planned []*meta.Object) (int, int64, error) {
	members := a.reload(ctx, planned)
	if len(members) == 0 {
		return 0, 0, nil
	}

	bundleID := uuid.New()
	now := a.cfg.Now().UTC()
	bundle := &meta.Bundle{
		ID:        bundleID.String(),
		Status:    meta.BundlePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, m := range members {
		bundle.ObjectKeys = append(bundle.ObjectKeys, m.obj.ObjectID)
		bundle.TotalSize += m.obj.Size
	}
	task := &meta.ArchiveTask{
		ID:         bundle.ID,
		ObjectKeys: bundle.ObjectKeys,
		BundleID:   bundle.ID,
		Status:     meta.ArchivePending,
		CreatedAt:  now,
	}
	if err := a.cfg.Store.PutBundle(ctx, bundle); err != nil {
		return 0, 0, fmt.Errorf("persist bundle: %w", err)
	}
	if err := a.cfg.Store.PutArchiveTask(ctx, task); err != nil {
		return 0, 0, a.failBundle(ctx, bundle, meta.BundlePending, "", fmt.Errorf("persist archive task: %w", err))
	}
	log := a.logger.With().Str("bundle", bundle.ID).Int("members", len(members)).Logger()

	frames, checksum, length, err := frame(bundleID, members, now, a.cfg.Compression)
	if err != nil {
		return 0, 0, a.failBundle(ctx, bundle, meta.BundlePending, "", err)
	}
	tapes, err := a.cfg.Tapes.SelectTapes(ctx, length, a.cfg.ReplicationFactor)
	if err != nil {
		return 0, 0, a.failBundle(ctx, bundle, meta.BundlePending, "", err)
	}
	if err := a.cfg.Store.UpdateBundleStatus(ctx, bundle.ID, meta.BundlePending, meta.BundleWriting); err != nil {
		return 0, 0, a.failBundle(ctx, bundle, meta.BundlePending, "", fmt.Errorf("start bundle: %w", err))
	}
	started := a.cfg.Now().UTC()
	task.Status = meta.ArchiveInProgress
	task.StartedAt = &started
	if err := a.cfg.Store.PutArchiveTask(ctx, task); err != nil {
		log.Warn().Err(err).Msg("failed to update archive task")
	}

	copies := make([]meta.BundleCopy, len(tapes))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tapes {
		g.Go(func() error {
			ext, err := a.cfg.Tapes.WriteBundle(gctx, t.ID, bundle.ID, frames)
			if a.cfg.Metrics != nil {
				a.cfg.Metrics.TapeWrites.WithLabelValues(metrics.Result(err)).Inc()
			}
			if err != nil {
				return &tapeError{tapeID: t.ID, err: err}
			}
			copies[i] = meta.BundleCopy{TapeID: t.ID, Offset: ext.Offset, Length: ext.Length}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, a.failBundle(ctx, bundle, meta.BundleWriting, tapeOf(err), err)
	}
	a.pace.charge(length * int64(len(tapes)))

	if a.cfg.VerifyReadability {
		for _, c := range copies {
			err := a.cfg.Tapes.Verify(ctx, c.TapeID, tape.Extent{Offset: c.Offset, Length: c.Length}, checksum)
			if errors.Is(err, tape.ErrChecksum) {
				if merr := a.cfg.Tapes.MarkError(ctx, c.TapeID); merr != nil {
					log.Error().Err(merr).Str("tape", c.TapeID).Msg("failed to mark tape ERROR")
				}
			}
			if err != nil {
				return 0, 0, a.failBundle(ctx, bundle, meta.BundleWriting, c.TapeID, fmt.Errorf("verify copy on %s: %w", c.TapeID, err))
			}
		}
	}

	bundle.Status = meta.BundleWriting
	bundle.Copies = copies
	bundle.TapeID = copies[0].TapeID
	bundle.Checksum = checksum
	bundle.UpdatedAt = a.cfg.Now().UTC()
	if err := a.cfg.Store.PutBundle(ctx, bundle); err != nil {
		return 0, 0, a.failBundle(ctx, bundle, meta.BundleWriting, "", fmt.Errorf("record bundle copies: %w", err))
	}
	if err := a.cfg.Store.UpdateBundleStatus(ctx, bundle.ID, meta.BundleWriting, meta.BundleCompleted); err != nil {
		return 0, 0, a.failBundle(ctx, bundle, meta.BundleWriting, "", err)
	}

	tapeSet := bundle.TapeIDs()
	var committed []meta.ObjectID
	for _, m := range members {
		if err := a.commit(ctx, m.obj, bundle.ID, tapeSet); err != nil {
			a.revert(ctx, committed)
			return 0, 0, a.failBundle(ctx, bundle, meta.BundleCompleted, "",
				fmt.Errorf("commit %s: %w", m.obj.ObjectID, err))
		}
		committed = append(committed, m.obj.ObjectID)
	}

	// Every member is Cold with a full tape set: the hot copies are redundant now.
	var size int64
	for _, m := range members {
		size += m.obj.Size
		if err := a.cfg.Hot.Delete(m.obj.ObjectID); err != nil {
			log.Warn().Err(err).Str("object", m.obj.ObjectID.String()).Msg("failed to reclaim hot copy")
		}
	}
	a.finishTask(ctx, bundle.ID, meta.ArchiveCompleted, "")
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.ArchiveBundles.WithLabelValues("completed").Inc()
		a.cfg.Metrics.ArchiveObjects.Add(float64(len(members)))
		a.cfg.Metrics.ArchiveBytes.Add(float64(size))
	}
	log.Info().Strs("tapes", tapeSet).Str("size", humanize.IBytes(uint64(size))).Msg("bundle archived")
	return len(members), size, nil
}

// commit makes a member Cold unless its content changed after it was framed. It holds the
// member's hot lock so an overwrite cannot land between the check and the transition.
func (a *Archiver) commit(ctx context.Context, framed *meta.Object, bundleID string, tapeSet []string) error {
	unlock := a.cfg.Hot.Lock(framed.ObjectID)
	defer unlock()
	cur, err := a.cfg.Store.GetObject(ctx, framed.ObjectID)
	if err != nil {
		return err
	}
	if cur.Checksum != framed.Checksum || cur.Size != framed.Size {
		return fmt.Errorf("content changed while archiving: %w", meta.ErrConflictingState)
	}
	_, err = a.cfg.Lifecycle.CommitArchive(ctx, framed.ObjectID, bundleID, tapeSet)
	return err
}

// reload re-reads planned members and loads their hot copies. Objects that left ColdPending
// since the snapshot are skipped.
func (a *Archiver) reload(ctx context.Context, planned []*meta.Object) []member {
	var out []member
	for _, p := range planned {
		unlock := a.cfg.Hot.Lock(p.ObjectID)
		obj, err := a.cfg.Store.GetObject(ctx, p.ObjectID)
		if err != nil {
			unlock()
			if !errors.Is(err, meta.ErrObjectNotFound) {
				a.logger.Warn().Err(err).Str("object", p.ObjectID.String()).Msg("failed to re-read bundle member")
			}
			continue
		}
		if obj.State() != meta.StateColdPending {
			unlock()
			continue
		}
		data, err := a.cfg.Hot.Get(obj.ObjectID)
		unlock()
		if err != nil {
			a.logger.Error().Err(err).Str("object", obj.ObjectID.String()).Msg("cold-pending object has no readable hot copy")
			continue
		}
		if int64(len(data)) != obj.Size || meta.Checksum(data) != obj.Checksum {
			a.logger.Warn().Str("object", obj.ObjectID.String()).Int("hot_size", len(data)).
				Int64("size", obj.Size).Msg("hot copy does not match metadata, deferring")
			continue
		}
		out = append(out, member{obj: obj, data: data})
	}
	return out
}

// frame encodes members in declared order and returns the frames, the bundle checksum and the
// total on-tape length. Each member's raw data is released once its record is built.
func frame(id uuid.UUID, members []member, created time.Time, compressed bool) ([][]byte, string, int64, error) {
	w, header := tape.NewBundleWriter(id, len(members), created, compressed)
	frames := [][]byte{header}
	length := int64(len(header))
	for i, m := range members {
		rec, err := w.Record(m.obj.ObjectID, m.data)
		if err != nil {
			return nil, "", 0, fmt.Errorf("frame %s: %w", m.obj.ObjectID, err)
		}
		members[i].data = nil
		frames = append(frames, rec)
		length += int64(len(rec))
	}
	trailer, sum, err := w.Trailer()
	if err != nil {
		return nil, "", 0, err
	}
	frames = append(frames, trailer)
	length += int64(len(trailer))
	return frames, fmt.Sprintf("%x", sum), length, nil
}

// revert returns already committed members to ColdPending.
func (a *Archiver) revert(ctx context.Context, ids []meta.ObjectID) {
	for _, id := range ids {
		if _, err := a.cfg.Lifecycle.RevertArchive(context.WithoutCancel(ctx), id); err != nil {
			a.logger.Error().Err(err).Str("object", id.String()).Msg("failed to revert archive commit")
		}
	}
}

// failBundle marks the bundle and its task FAILED, checks the tape that failed and notifies.
// It returns cause.
func (a *Archiver) failBundle(ctx context.Context, b *meta.Bundle, from meta.BundleStatus, tapeID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := a.cfg.Store.UpdateBundleStatus(ctx, b.ID, from, meta.BundleFailed); err != nil {
		a.logger.Error().Err(err).Str("bundle", b.ID).Msg("failed to mark bundle FAILED")
	}
	a.finishTask(ctx, b.ID, meta.ArchiveFailed, cause.Error())
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.ArchiveBundles.WithLabelValues("failed").Inc()
	}

	if tapeID != "" {
		status, _, err := a.cfg.Tapes.Observe(ctx, tapeID)
		if err != nil || status == meta.TapeOffline || status == meta.TapeUnknown || status == meta.TapeError {
			if a.cfg.Tapes.ClaimOfflineNotice(tapeID) {
				a.cfg.Notifier.Emit(notify.Event{Type: notify.TapeOffline, TapeID: tapeID, BundleIDs: []string{b.ID}})
			}
		}
	}
	a.cfg.Notifier.Emit(notify.Event{Type: notify.BundleFailed, TapeID: tapeID, BundleIDs: []string{b.ID}, Error: cause.Error()})
	return fmt.Errorf("bundle %s: %w", b.ID, cause)
}

func (a *Archiver) finishTask(ctx context.Context, id string, status meta.ArchiveTaskStatus, reason string) {
	t, err := a.cfg.Store.GetArchiveTask(ctx, id)
	if err != nil {
		if !errors.Is(err, meta.ErrNotFound) {
			a.logger.Warn().Err(err).Str("task", id).Msg("failed to load archive task")
		}
		return
	}
	done := a.cfg.Now().UTC()
	t.Status = status
	t.CompletedAt = &done
	t.Error = reason
	if err := a.cfg.Store.PutArchiveTask(ctx, t); err != nil {
		a.logger.Warn().Err(err).Str("task", id).Msg("failed to update archive task")
	}
}

type tapeError struct {
	tapeID string
	err    error
}

func (e *tapeError) Error() string { return fmt.Sprintf("tape %s: %v", e.tapeID, e.err) }
func (e *tapeError) Unwrap() error { return e.err }

func tapeOf(err error) string {
	var te *tapeError
	if errors.As(err, &te) {
		return te.tapeID
	}
	return ""
}
