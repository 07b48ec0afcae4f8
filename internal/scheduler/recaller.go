package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/zombar/coldstore/internal/lifecycle"
	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/metrics"
	"github.com/zombar/coldstore/internal/notify"
	"github.com/zombar/coldstore/internal/tape"
)

// RestoreCache is the cache as seen by the recaller.
type RestoreCache interface {
	Put(ctx context.Context, id meta.ObjectID, data []byte) error
	Evict(id meta.ObjectID) error
}

// RecallerConfig configures a Recaller.
type RecallerConfig struct {
	Store     meta.Store
	Lifecycle *lifecycle.Machine
	Tapes     *tape.Manager
	Cache     RestoreCache
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time

	QueueSize          int
	MaxConcurrent      int
	RestoreTimeout     time.Duration
	MinRestoreInterval time.Duration
	TapePollInterval   time.Duration
	// ReloadInterval is how often PENDING tasks are reloaded from the store.
	ReloadInterval time.Duration
	// CacheTTL caps the restore window; zero means uncapped.
	CacheTTL    time.Duration
	ReadRetries int
	ReadBackoff time.Duration
}

// Admission is the answer to a restore request.
type Admission struct {
	Task *meta.RecallTask
	// Ready is set when the object is already restored; ExpireAt is its new expiry.
	Ready    bool
	ExpireAt *time.Time
	// Created is set when this request created the task.
	Created bool
}

// RecallStats is a snapshot of the recall queue.
type RecallStats struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Suspended int `json:"suspended"`
}

type admitted struct {
	taskID string
	at     time.Time
}

// Recaller admits restore requests and reads the bundles they need, one worker per tape.
type Recaller struct {
	cfg    RecallerConfig
	logger zerolog.Logger
	intake chan *meta.RecallTask
	admit  singleflight.Group

	memMu  sync.Mutex
	memory map[string]admitted

	queued    atomic.Int64
	active    atomic.Int64
	suspended atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecaller creates a Recaller.
func NewRecaller(cfg RecallerConfig) *Recaller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{Logger: cfg.Logger}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.RestoreTimeout <= 0 {
		cfg.RestoreTimeout = time.Hour
	}
	if cfg.TapePollInterval <= 0 {
		cfg.TapePollInterval = 30 * time.Second
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = time.Minute
	}
	if cfg.ReadRetries <= 0 {
		cfg.ReadRetries = 3
	}
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recaller{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "recaller").Logger(),
		intake: make(chan *meta.RecallTask, cfg.QueueSize),
		memory: make(map[string]admitted),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start recovers interrupted restores and starts the dispatcher.
func (r *Recaller) Start() {
	if err := r.Recover(r.ctx); err != nil {
		r.logger.Error().Err(err).Msg("recall recovery failed")
	}
	r.wg.Add(1)
	go r.dispatch()
	r.logger.Info().Int("workers", r.cfg.MaxConcurrent).Int("queue_size", r.cfg.QueueSize).Msg("recaller started")
}

// Stop cancels running workers and waits for them. Pending tasks stay in the store.
func (r *Recaller) Stop() {
	r.cancel()
	r.wg.Wait()
	r.logger.Info().Msg("recaller stopped")
}

// Stats returns the current queue counters.
func (r *Recaller) Stats() RecallStats {
	return RecallStats{
		Queued:    int(r.queued.Load()),
		Active:    int(r.active.Load()),
		Suspended: int(r.suspended.Load()),
	}
}

// Recover returns objects left InProgress by an interrupted process to Cold and fails their tasks.
func (r *Recaller) Recover(ctx context.Context) error {
	objs, err := r.cfg.Store.ListObjectsByRestore(ctx, meta.RestoreInProgress, 0)
	if err != nil {
		return err
	}
	for _, o := range objs {
		if _, err := r.cfg.Lifecycle.AbortRestore(ctx, o.ObjectID); err != nil {
			r.logger.Warn().Err(err).Str("object", o.ObjectID.String()).Msg("failed to abort interrupted restore")
		}
	}
	tasks, err := r.cfg.Store.ListRecallTasks(ctx, meta.RestoreInProgress)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		r.finish(ctx, t, meta.RestoreFailed, meta.ErrCancelled.Error())
	}
	if len(objs) > 0 || len(tasks) > 0 {
		r.logger.Warn().Int("objects", len(objs)).Int("tasks", len(tasks)).Msg("interrupted restores aborted")
	}
	return r.releaseOrphans(ctx)
}

// releaseOrphans fails pending restores whose task has already ended, so they can be requested
// again.
func (r *Recaller) releaseOrphans(ctx context.Context) error {
	objs, err := r.cfg.Store.ListObjectsByRestore(ctx, meta.RestorePending, 0)
	if err != nil {
		return err
	}
	n := 0
	for _, o := range objs {
		if !r.orphaned(ctx, o) {
			continue
		}
		if _, err := r.release(ctx, o); err != nil {
			r.logger.Warn().Err(err).Str("object", o.ObjectID.String()).Msg("failed to release orphaned restore")
			continue
		}
		n++
	}
	if n > 0 {
		r.logger.Warn().Int("objects", n).Msg("orphaned restores released")
	}
	return nil
}

// orphaned reports whether a restoring object points at a task that can no longer complete it.
func (r *Recaller) orphaned(ctx context.Context, obj *meta.Object) bool {
	if !obj.RestoreStatus.Live() || obj.RestoreTaskID == "" {
		return false
	}
	t, err := r.cfg.Store.GetRecallTask(ctx, obj.RestoreTaskID)
	if errors.Is(err, meta.ErrNotFound) {
		return true
	}
	return err == nil && !t.Status.Live()
}

// release moves a restoring object to Cold(Failed).
func (r *Recaller) release(ctx context.Context, obj *meta.Object) (*meta.Object, error) {
	if obj.RestoreStatus == meta.RestorePending {
		if _, err := r.cfg.Lifecycle.Pick(ctx, obj.ObjectID); err != nil {
			return nil, err
		}
	}
	return r.cfg.Lifecycle.FailRestore(ctx, obj.ObjectID)
}

// window is the restore period granted for days, capped by the cache TTL.
func (r *Recaller) window(days int) time.Duration {
	w := time.Duration(days) * 24 * time.Hour
	if r.cfg.CacheTTL > 0 && w > r.cfg.CacheTTL {
		return r.cfg.CacheTTL
	}
	return w
}

// priority favours small objects.
func priority(size int64) uint32 {
	if size < 0 {
		size = 0
	}
	return uint32(64 - bits.Len64(uint64(size)))
}

// Submit admits a restore of id for days. Concurrent submissions for one object share a single
// admission, which outlives any one caller's context.
func (r *Recaller) Submit(ctx context.Context, id meta.ObjectID, days int) (*Admission, error) {
	if days <= 0 {
		days = 1
	}
	shared := context.WithoutCancel(ctx)
	ch := r.admit.DoChan(id.Encode(), func() (any, error) {
		return r.submit(shared, id, days)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Admission), nil
	}
}

func (r *Recaller) remembered(ctx context.Context, id meta.ObjectID) *meta.RecallTask {
	if r.cfg.MinRestoreInterval <= 0 {
		return nil
	}
	now := r.cfg.Now()
	r.memMu.Lock()
	for k, a := range r.memory {
		if now.Sub(a.at) >= r.cfg.MinRestoreInterval {
			delete(r.memory, k)
		}
	}
	a, ok := r.memory[id.Encode()]
	r.memMu.Unlock()
	if !ok {
		return nil
	}
	t, err := r.cfg.Store.GetRecallTask(ctx, a.taskID)
	if err != nil || !t.Status.Live() {
		return nil
	}
	return t
}

func (r *Recaller) remember(id meta.ObjectID, taskID string) {
	if r.cfg.MinRestoreInterval <= 0 {
		return
	}
	r.memMu.Lock()
	r.memory[id.Encode()] = admitted{taskID: taskID, at: r.cfg.Now()}
	r.memMu.Unlock()
}

func (r *Recaller) submit(ctx context.Context, id meta.ObjectID, days int) (*Admission, error) {
	if t := r.remembered(ctx, id); t != nil {
		return &Admission{Task: t}, nil
	}
	obj, err := r.cfg.Store.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}

	switch obj.State().Phase() {
	case "Hot", "ColdPending":
		return nil, fmt.Errorf("restore %s: object is not archived: %w", id, meta.ErrInvalidObjectState)
	case "Restoring":
		if !r.orphaned(ctx, obj) {
			return r.existing(ctx, obj)
		}
		r.logger.Warn().Str("object", id.String()).Str("task", obj.RestoreTaskID).Msg("restore task ended without the object, requesting again")
		if obj, err = r.release(ctx, obj); err != nil {
			return nil, err
		}
	case "RestoreReady":
		now := r.cfg.Now()
		if obj.RestoreExpireAt != nil && obj.RestoreExpireAt.After(now) {
			updated, err := r.cfg.Lifecycle.ExtendRestore(ctx, id, now.Add(r.window(days)))
			if err != nil {
				return nil, err
			}
			adm, err := r.existing(ctx, updated)
			if err != nil {
				return nil, err
			}
			adm.Ready = true
			adm.ExpireAt = updated.RestoreExpireAt
			return adm, nil
		}
		if obj, err = r.cfg.Lifecycle.ExpireRestore(ctx, id); err != nil {
			return nil, err
		}
		if err := r.cfg.Cache.Evict(id); err != nil {
			r.logger.Warn().Err(err).Str("object", id.String()).Msg("failed to evict expired restore")
		}
	}
	return r.request(ctx, obj, days)
}

// existing returns the task bound to obj.
func (r *Recaller) existing(ctx context.Context, obj *meta.Object) (*Admission, error) {
	if obj.RestoreTaskID == "" {
		return &Admission{Task: &meta.RecallTask{Object: obj.ObjectID, ArchiveID: obj.ArchiveID, TapeID: obj.TapeID, Status: obj.RestoreStatus}}, nil
	}
	t, err := r.cfg.Store.GetRecallTask(ctx, obj.RestoreTaskID)
	if errors.Is(err, meta.ErrNotFound) {
		return &Admission{Task: &meta.RecallTask{ID: obj.RestoreTaskID, Object: obj.ObjectID, ArchiveID: obj.ArchiveID, TapeID: obj.TapeID, Status: obj.RestoreStatus}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Admission{Task: t}, nil
}

// request creates and enqueues a task. The task is persisted before the object points at it.
func (r *Recaller) request(ctx context.Context, obj *meta.Object, days int) (*Admission, error) {
	task := &meta.RecallTask{
		ID:        uuid.NewString(),
		Object:    obj.ObjectID,
		ArchiveID: obj.ArchiveID,
		TapeID:    obj.TapeID,
		Status:    meta.RestorePending,
		Priority:  priority(obj.Size),
		Days:      days,
		CreatedAt: r.cfg.Now().UTC(),
	}
	if err := r.cfg.Store.PutRecallTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist recall task: %w", err)
	}
	if _, err := r.cfg.Lifecycle.RequestRestore(ctx, obj.ObjectID, obj.State(), task.ID); err != nil {
		r.finish(ctx, task, meta.RestoreFailed, "superseded")
		if !errors.Is(err, meta.ErrConflictingState) {
			return nil, err
		}
		// Another request won the race.
		cur, gerr := r.cfg.Store.GetObject(ctx, obj.ObjectID)
		if gerr != nil {
			return nil, gerr
		}
		switch cur.State().Phase() {
		case "Restoring":
			return r.existing(ctx, cur)
		case "RestoreReady":
			adm, err := r.existing(ctx, cur)
			if err != nil {
				return nil, err
			}
			adm.Ready = true
			adm.ExpireAt = cur.RestoreExpireAt
			return adm, nil
		}
		return nil, err
	}

	r.remember(obj.ObjectID, task.ID)
	select {
	case r.intake <- task:
	default:
		r.logger.Warn().Str("task", task.ID).Msg("recall intake full, task left for reload")
	}
	r.logger.Info().Str("task", task.ID).Str("object", obj.ObjectID.String()).Str("tape", task.TapeID).
		Str("bundle", task.ArchiveID).Int("days", days).Msg("restore requested")
	return &Admission{Task: task, Created: true}, nil
}

type tapeGroup struct {
	tape  string
	tasks []*meta.RecallTask
}

func (g *tapeGroup) score(now time.Time) float64 {
	oldest := g.tasks[0].CreatedAt
	for _, t := range g.tasks[1:] {
		if t.CreatedAt.Before(oldest) {
			oldest = t.CreatedAt
		}
	}
	age := now.Sub(oldest).Seconds()
	if age < 0 {
		age = 0
	}
	return (age + 1) * (1 + float64(len(g.tasks))/4)
}

type groupDone struct {
	tape string
	ids  []string
}

// dispatch owns the queue. It hands whole tape groups to workers, at most one per tape.
func (r *Recaller) dispatch() {
	defer r.wg.Done()
	groups := make(map[string]*tapeGroup)
	busy := make(map[string]bool)
	seen := make(map[string]bool)
	done := make(chan groupDone, r.cfg.MaxConcurrent)

	add := func(t *meta.RecallTask) {
		if seen[t.ID] {
			return
		}
		seen[t.ID] = true
		g, ok := groups[t.TapeID]
		if !ok {
			g = &tapeGroup{tape: t.TapeID}
			groups[t.TapeID] = g
		}
		g.tasks = append(g.tasks, t)
	}
	reload := func() {
		tasks, err := r.cfg.Store.ListRecallTasks(r.ctx, meta.RestorePending)
		if err != nil {
			if r.ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("failed to reload pending recall tasks")
			}
			return
		}
		for _, t := range tasks {
			add(t)
		}
		if err := r.releaseOrphans(r.ctx); err != nil && r.ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("failed to release orphaned restores")
		}
	}
	depth := func() {
		n := 0
		for _, g := range groups {
			n += len(g.tasks)
		}
		r.queued.Store(int64(n))
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RecallQueueDepth.Set(float64(n))
			r.cfg.Metrics.RecallActive.Set(float64(r.active.Load()))
		}
	}

	reload()
	ticker := time.NewTicker(r.cfg.ReloadInterval)
	defer ticker.Stop()
	for {
		for int(r.active.Load()) < r.cfg.MaxConcurrent {
			g := r.choose(groups, busy)
			if g == nil {
				break
			}
			delete(groups, g.tape)
			busy[g.tape] = true
			r.active.Add(1)
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.work(r.ctx, g.tape, g.tasks)
				ids := make([]string, len(g.tasks))
				for i, t := range g.tasks {
					ids[i] = t.ID
				}
				done <- groupDone{tape: g.tape, ids: ids}
			}()
		}
		depth()

		select {
		case <-r.ctx.Done():
			return
		case t := <-r.intake:
			add(t)
		case d := <-done:
			r.active.Add(-1)
			delete(busy, d.tape)
			for _, id := range d.ids {
				delete(seen, id)
			}
		case <-ticker.C:
			reload()
		}
	}
}

// choose returns the idle tape group with the highest age-weighted score.
func (r *Recaller) choose(groups map[string]*tapeGroup, busy map[string]bool) *tapeGroup {
	now := r.cfg.Now()
	var (
		best      *tapeGroup
		bestScore float64
	)
	for _, g := range groups {
		if busy[g.tape] || len(g.tasks) == 0 {
			continue
		}
		s := g.score(now)
		if best == nil || s > bestScore || s == bestScore && g.tape < best.tape {
			best, bestScore = g, s
		}
	}
	return best
}

type batch struct {
	bundle *meta.Bundle
	offset int64
	tasks  []*meta.RecallTask
}

// work executes every task queued for one tape, one bundle read per batch in tape order.
func (r *Recaller) work(ctx context.Context, tapeID string, tasks []*meta.RecallTask) {
	log := r.logger.With().Str("tape", tapeID).Logger()
	byBundle := make(map[string]*batch)
	var batches []*batch
	for _, t := range tasks {
		b, ok := byBundle[t.ArchiveID]
		if !ok {
			bundle, err := r.cfg.Store.GetBundle(ctx, t.ArchiveID)
			if errors.Is(err, meta.ErrNotFound) {
				log.Error().Err(err).Str("bundle", t.ArchiveID).Msg("bundle record missing")
				r.failAll(ctx, r.pick(ctx, []*meta.RecallTask{t}), err)
				continue
			}
			if err != nil {
				// The task stays PENDING and is retried on the next reload.
				log.Warn().Err(err).Str("bundle", t.ArchiveID).Str("task", t.ID).Msg("bundle record unavailable")
				continue
			}
			b = &batch{bundle: bundle}
			if c, ok := bundle.Copy(tapeID); ok {
				b.offset = c.Offset
			}
			byBundle[t.ArchiveID] = b
			batches = append(batches, b)
		}
		b.tasks = append(b.tasks, t)
	}
	sort.SliceStable(batches, func(i, j int) bool { return batches[i].offset < batches[j].offset })

	blocked := make([]string, len(batches))
	for i, b := range batches {
		blocked[i] = b.bundle.ID
	}
	for _, b := range batches {
		if ctx.Err() != nil {
			return
		}
		r.runBatch(ctx, tapeID, b, blocked)
	}
}

// pick validates each task against its object and applies the picked transition.
func (r *Recaller) pick(ctx context.Context, tasks []*meta.RecallTask) []*meta.RecallTask {
	var live []*meta.RecallTask
	for _, t := range tasks {
		if cur, err := r.cfg.Store.GetRecallTask(ctx, t.ID); err != nil || cur.Status != meta.RestorePending {
			continue
		}
		obj, err := r.cfg.Store.GetObject(ctx, t.Object)
		if errors.Is(err, meta.ErrObjectNotFound) {
			r.finish(ctx, t, meta.RestoreFailed, "object deleted")
			continue
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("task", t.ID).Msg("failed to load restore target")
			continue
		}
		if obj.RestoreTaskID != t.ID || obj.RestoreStatus != meta.RestorePending {
			// A task younger than a reload interval may not be bound to its object yet.
			claimed := obj.RestoreStatus.Live() || obj.RestoreStatus == meta.RestoreCompleted
			if claimed || r.cfg.Now().Sub(t.CreatedAt) > r.cfg.ReloadInterval {
				r.finish(ctx, t, meta.RestoreFailed, "superseded")
				r.outcome("superseded")
			}
			continue
		}
		if _, err := r.cfg.Lifecycle.Pick(ctx, t.Object); err != nil {
			r.logger.Warn().Err(err).Str("task", t.ID).Msg("failed to pick restore")
			continue
		}
		started := r.cfg.Now().UTC()
		t.Status = meta.RestoreInProgress
		t.StartedAt = &started
		if err := r.cfg.Store.PutRecallTask(ctx, t); err != nil {
			r.logger.Warn().Err(err).Str("task", t.ID).Msg("failed to update recall task")
		}
		live = append(live, t)
	}
	return live
}

func (r *Recaller) runBatch(ctx context.Context, tapeID string, b *batch, blocked []string) {
	live := r.pick(ctx, b.tasks)
	if len(live) == 0 {
		return
	}
	log := r.logger.With().Str("tape", tapeID).Str("bundle", b.bundle.ID).Int("tasks", len(live)).Logger()

	data, src, err := r.fetch(ctx, tapeID, b.bundle, live, blocked)
	if err != nil {
		if ctx.Err() != nil {
			r.abort(ctx, live)
			return
		}
		log.Error().Err(err).Msg("bundle read failed")
		r.failAll(ctx, live, err)
		return
	}
	decoded, err := tape.Decode(data)
	if err == nil && b.bundle.Checksum != "" && decoded.Checksum != b.bundle.Checksum {
		err = tape.ErrChecksum
	}
	if err != nil {
		if merr := r.cfg.Tapes.MarkError(context.WithoutCancel(ctx), src); merr != nil {
			log.Error().Err(merr).Msg("failed to mark tape ERROR")
		}
		r.failAll(ctx, live, fmt.Errorf("%w: bundle %s on %s: %w", meta.ErrTapeIO, b.bundle.ID, src, err))
		return
	}

	live = append(live, r.latecomers(ctx, b.bundle.ID, live)...)
	for _, t := range live {
		if ctx.Err() != nil {
			r.abort(ctx, []*meta.RecallTask{t})
			continue
		}
		if err := r.complete(ctx, t, decoded); err != nil {
			log.Error().Err(err).Str("task", t.ID).Msg("restore failed")
			r.fail(ctx, t, err)
		}
	}
	log.Info().Str("source", src).Msg("bundle recalled")
}

// latecomers picks pending tasks for the bundle that were admitted while it was being read, so
// they are served from the same read.
func (r *Recaller) latecomers(ctx context.Context, bundleID string, have []*meta.RecallTask) []*meta.RecallTask {
	pending, err := r.cfg.Store.ListRecallTasks(ctx, meta.RestorePending)
	if err != nil {
		r.logger.Warn().Err(err).Str("bundle", bundleID).Msg("failed to list pending recall tasks")
		return nil
	}
	in := make(map[string]bool, len(have))
	for _, t := range have {
		in[t.ID] = true
	}
	var extra []*meta.RecallTask
	for _, t := range pending {
		if t.ArchiveID == bundleID && !in[t.ID] {
			extra = append(extra, t)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return r.pick(ctx, extra)
}

func (r *Recaller) complete(ctx context.Context, t *meta.RecallTask, d *tape.Decoded) error {
	obj, ok := d.Find(t.Object)
	if !ok {
		return fmt.Errorf("%w: %s missing from bundle %s", meta.ErrTapeIO, t.Object, t.ArchiveID)
	}
	if err := r.cfg.Cache.Put(ctx, t.Object, obj.Data); err != nil {
		return err
	}
	expireAt := r.cfg.Now().Add(r.window(t.Days))
	if _, err := r.cfg.Lifecycle.CompleteRestore(ctx, t.Object, expireAt); err != nil {
		return err
	}
	r.finish(ctx, t, meta.RestoreCompleted, "")
	r.outcome("completed")
	r.cfg.Notifier.Emit(notify.Event{Type: notify.RestoreCompleted, TaskID: t.ID, Object: t.Object.String(), TapeID: t.TapeID})
	return nil
}

// candidates lists the primary tape followed by the other replicas of the bundle.
func candidates(tapeID string, b *meta.Bundle) []meta.BundleCopy {
	var out []meta.BundleCopy
	if c, ok := b.Copy(tapeID); ok {
		out = append(out, c)
	}
	for _, c := range b.Copies {
		if c.TapeID != tapeID {
			out = append(out, c)
		}
	}
	return out
}

// fetch reads the bundle from the first online copy. While no copy is online the tasks are
// suspended and the tape is polled until it returns or the restore timeout passes.
func (r *Recaller) fetch(ctx context.Context, tapeID string, b *meta.Bundle, tasks []*meta.RecallTask, blocked []string) ([]byte, string, error) {
	copies := candidates(tapeID, b)
	if len(copies) == 0 {
		return nil, "", fmt.Errorf("bundle %s has no copy: %w", b.ID, meta.ErrInternal)
	}
	var deadline <-chan time.Time
	suspended := false
	defer func() {
		if suspended {
			r.suspend(ctx, tasks, false)
		}
	}()

	for {
		src, status := r.online(ctx, copies)
		switch status {
		case meta.TapeOnline:
			if suspended {
				r.suspend(ctx, tasks, false)
				suspended = false
			}
			data, err := r.read(ctx, src)
			if errors.Is(err, meta.ErrTapeOffline) {
				break
			}
			return data, src.TapeID, err
		case meta.TapeError:
			return nil, tapeID, fmt.Errorf("%w: tape %s is in ERROR", meta.ErrTapeIO, tapeID)
		}

		if !suspended {
			if r.cfg.Tapes.ClaimOfflineNotice(tapeID) {
				r.cfg.Notifier.Emit(notify.Event{Type: notify.TapeOffline, TapeID: tapeID, BundleIDs: blocked})
			}
			r.suspend(ctx, tasks, true)
			suspended = true
			if deadline == nil {
				timer := time.NewTimer(r.cfg.RestoreTimeout)
				defer timer.Stop()
				deadline = timer.C
			}
		}
		poll := time.NewTimer(r.cfg.TapePollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, tapeID, ctx.Err()
		case <-deadline:
			poll.Stop()
			return nil, tapeID, fmt.Errorf("%w: tape %s offline for %s", meta.ErrTimeout, tapeID, r.cfg.RestoreTimeout)
		case <-poll.C:
		}
	}
}

// online checks the copies in order and returns the first online one. Otherwise it reports the
// primary's status, or ERROR when every copy is in ERROR.
func (r *Recaller) online(ctx context.Context, copies []meta.BundleCopy) (meta.BundleCopy, meta.TapeStatus) {
	primary := meta.TapeUnknown
	errored := 0
	for i, c := range copies {
		status, _, err := r.cfg.Tapes.Observe(ctx, c.TapeID)
		if err != nil {
			r.logger.Warn().Err(err).Str("tape", c.TapeID).Msg("tape status check failed")
			status = meta.TapeUnknown
		}
		if status == meta.TapeOnline {
			return c, status
		}
		if status == meta.TapeError {
			errored++
		}
		if i == 0 {
			primary = status
		}
	}
	if errored == len(copies) {
		return meta.BundleCopy{}, meta.TapeError
	}
	if primary == meta.TapeError {
		return meta.BundleCopy{}, meta.TapeOffline
	}
	return meta.BundleCopy{}, primary
}

// read reads one copy, retrying I/O errors with backoff.
func (r *Recaller) read(ctx context.Context, c meta.BundleCopy) ([]byte, error) {
	delay := r.cfg.ReadBackoff
	var err error
	for attempt := 1; attempt <= r.cfg.ReadRetries; attempt++ {
		var data []byte
		data, err = r.cfg.Tapes.ReadBundle(ctx, c.TapeID, tape.Extent{Offset: c.Offset, Length: c.Length})
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.TapeReads.WithLabelValues(metrics.Result(err)).Inc()
		}
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil || errors.Is(err, meta.ErrTapeOffline) {
			return nil, err
		}
		r.logger.Warn().Err(err).Str("tape", c.TapeID).Int("attempt", attempt).Msg("bundle read failed")
		if attempt == r.cfg.ReadRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if errors.Is(err, meta.ErrTapeIO) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", meta.ErrTapeIO, err)
}

func (r *Recaller) suspend(ctx context.Context, tasks []*meta.RecallTask, on bool) {
	ctx = context.WithoutCancel(ctx)
	for _, t := range tasks {
		if t.Suspended == on {
			continue
		}
		t.Suspended = on
		if err := r.cfg.Store.PutRecallTask(ctx, t); err != nil {
			r.logger.Warn().Err(err).Str("task", t.ID).Msg("failed to update recall task")
		}
	}
	delta := int64(len(tasks))
	if !on {
		delta = -delta
	}
	n := r.suspended.Add(delta)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecallSuspended.Set(float64(n))
	}
}

func (r *Recaller) failAll(ctx context.Context, tasks []*meta.RecallTask, err error) {
	for _, t := range tasks {
		r.fail(ctx, t, err)
	}
}

func (r *Recaller) fail(ctx context.Context, t *meta.RecallTask, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := r.cfg.Lifecycle.FailRestore(ctx, t.Object); err != nil {
		r.logger.Error().Err(err).Str("task", t.ID).Msg("failed to record restore failure")
	}
	r.finish(ctx, t, meta.RestoreFailed, cause.Error())
	r.outcome("failed")
	r.cfg.Notifier.Emit(notify.Event{Type: notify.RestoreFailed, TaskID: t.ID, Object: t.Object.String(),
		TapeID: t.TapeID, BundleIDs: []string{t.ArchiveID}, Error: cause.Error()})
}

// abort returns in-progress objects to Cold after a cancellation.
func (r *Recaller) abort(ctx context.Context, tasks []*meta.RecallTask) {
	ctx = context.WithoutCancel(ctx)
	for _, t := range tasks {
		if _, err := r.cfg.Lifecycle.AbortRestore(ctx, t.Object); err != nil {
			r.logger.Warn().Err(err).Str("task", t.ID).Msg("failed to abort restore")
		}
		r.finish(ctx, t, meta.RestoreFailed, meta.ErrCancelled.Error())
		r.outcome("cancelled")
	}
}

func (r *Recaller) finish(ctx context.Context, t *meta.RecallTask, status meta.RestoreStatus, reason string) {
	done := r.cfg.Now().UTC()
	t.Status = status
	t.CompletedAt = &done
	t.Error = reason
	t.Suspended = false
	if err := r.cfg.Store.PutRecallTask(context.WithoutCancel(ctx), t); err != nil {
		r.logger.Warn().Err(err).Str("task", t.ID).Msg("failed to update recall task")
	}
}

func (r *Recaller) outcome(o string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecallTasks.WithLabelValues(o).Inc()
	}
}
