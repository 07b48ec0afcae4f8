// Package lifecycle is the object state machine. Every change of storage_class or restore_status
// goes through Machine.Apply, which validates the event against the transition table and commits
// it with the store's conditional update.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zombar/coldstore/internal/logging/audit"
	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/metrics"
)

// Event names a lifecycle transition.
type Event string

const (
	Demote         Event = "demote"
	ArchiveCommit  Event = "archive_commit"
	ArchiveFail    Event = "archive_fail"
	ArchiveRevert  Event = "archive_revert"
	RestoreRequest Event = "restore_request"
	Picked         Event = "picked"
	RestoreOK      Event = "restore_ok"
	RestoreFail    Event = "restore_fail"
	RestoreAbort   Event = "restore_abort"
	RestoreExtend  Event = "restore_extend"
	Expire         Event = "expire"
	ExpireClear    Event = "expire_clear"
)

var (
	restoring    = meta.State{Class: meta.ClassCold, Restore: meta.RestorePending}
	inProgress   = meta.State{Class: meta.ClassCold, Restore: meta.RestoreInProgress}
	restoreReady = meta.State{Class: meta.ClassCold, Restore: meta.RestoreCompleted}
	coldExpired  = meta.State{Class: meta.ClassCold, Restore: meta.RestoreExpired}
	coldFailed   = meta.State{Class: meta.ClassCold, Restore: meta.RestoreFailed}
)

type edge struct {
	event Event
	from  meta.State
}

// table maps (event, from) to the target state. Anything absent is illegal.
var table = map[edge]meta.State{
	{Demote, meta.StateHot}:                meta.StateColdPending,
	{ArchiveCommit, meta.StateColdPending}: meta.StateCold,
	{ArchiveFail, meta.StateColdPending}:   meta.StateHot,
	{ArchiveRevert, meta.StateCold}:        meta.StateColdPending,
	{RestoreRequest, meta.StateCold}:       restoring,
	{RestoreRequest, coldExpired}:          restoring,
	{RestoreRequest, coldFailed}:           restoring,
	{Picked, restoring}:                    inProgress,
	{RestoreOK, inProgress}:                restoreReady,
	{RestoreFail, inProgress}:              coldFailed,
	{RestoreAbort, inProgress}:             meta.StateCold,
	{RestoreExtend, restoreReady}:          restoreReady,
	{Expire, restoreReady}:                 coldExpired,
	{ExpireClear, coldExpired}:             meta.StateCold,
}

// Next returns the target state of event applied in from.
func Next(event Event, from meta.State) (meta.State, bool) {
	to, ok := table[edge{event, from}]
	return to, ok
}

// Config configures a Machine.
type Config struct {
	Store meta.Store
	Audit *audit.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// Retries bounds attempts on ErrMetadataUnavailable.
	Retries int
	Backoff time.Duration
	Metrics *metrics.Metrics
}

// Machine applies lifecycle transitions.
type Machine struct {
	store   meta.Store
	audit   *audit.Logger
	now     func() time.Time
	retries int
	backoff time.Duration
	metrics *metrics.Metrics
}

// New creates a Machine.
func New(cfg Config) *Machine {
	m := &Machine{
		store:   cfg.Store,
		audit:   cfg.Audit,
		now:     cfg.Now,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		metrics: cfg.Metrics,
	}
	if m.audit == nil {
		m.audit = audit.Nop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.retries <= 0 {
		m.retries = 3
	}
	if m.backoff <= 0 {
		m.backoff = 50 * time.Millisecond
	}
	return m
}

// Now returns the machine's clock reading.
func (m *Machine) Now() time.Time {
	return m.now()
}

// Apply performs event on the object, which the caller believes to be in state from. mutate
// may set additional fields; the target state and the field invariants are enforced afterwards.
// An illegal (event, from) pair fails with meta.ErrInvalidObjectState without touching the store;
// a stale from fails with meta.ErrConflictingState.
func (m *Machine) Apply(ctx context.Context, id meta.ObjectID, event Event, from meta.State, mutate func(*meta.Object)) (*meta.Object, error) {
	to, ok := Next(event, from)
	if !ok {
		m.audit.LogRejected(id.String(), string(event), from.String(), "illegal transition")
		return nil, fmt.Errorf("%s on %s (%s): %w", event, id, from.Phase(), meta.ErrInvalidObjectState)
	}

	var obj *meta.Object
	err := meta.Retry(ctx, m.retries, m.backoff, func() error {
		var err error
		obj, err = m.store.UpdateObject(ctx, id, from, func(o *meta.Object) {
			if mutate != nil {
				mutate(o)
			}
			enforce(o, to)
			o.UpdatedAt = m.now().UTC()
		})
		return err
	})
	if m.metrics != nil {
		m.metrics.Transitions.WithLabelValues(string(event), metrics.Result(err)).Inc()
	}
	if err != nil {
		if errors.Is(err, meta.ErrConflictingState) {
			m.audit.LogRejected(id.String(), string(event), from.String(), "state changed concurrently")
		}
		return nil, fmt.Errorf("%s: %w", event, err)
	}
	m.audit.LogTransition(id.String(), string(event), from.String(), to.String(), details(obj))
	return obj, nil
}

// enforce sets the target state and clears fields that must not survive in it.
func enforce(o *meta.Object, to meta.State) {
	o.StorageClass = to.Class
	o.RestoreStatus = to.Restore
	if to.Class != meta.ClassCold {
		o.ArchiveID = ""
		o.TapeID = ""
		o.TapeSet = nil
		o.RestoreTaskID = ""
	}
	if to.Restore != meta.RestoreCompleted {
		o.RestoreExpireAt = nil
	}
}

func details(o *meta.Object) string {
	switch {
	case o.RestoreTaskID != "" && o.RestoreStatus != meta.RestoreNone:
		return "task=" + o.RestoreTaskID
	case o.ArchiveID != "":
		return "bundle=" + o.ArchiveID
	}
	return ""
}

// DemoteObject moves a Hot object to ColdPending.
func (m *Machine) DemoteObject(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	return m.Apply(ctx, id, Demote, meta.StateHot, nil)
}

// CommitArchive records the bundle and tape set of a ColdPending object and makes it Cold.
func (m *Machine) CommitArchive(ctx context.Context, id meta.ObjectID, bundleID string, tapeSet []string) (*meta.Object, error) {
	if bundleID == "" || len(tapeSet) == 0 {
		return nil, fmt.Errorf("archive commit of %s without bundle or tapes: %w", id, meta.ErrInternal)
	}
	return m.Apply(ctx, id, ArchiveCommit, meta.StateColdPending, func(o *meta.Object) {
		o.ArchiveID = bundleID
		o.TapeID = tapeSet[0]
		o.TapeSet = append([]string(nil), tapeSet...)
	})
}

// RevertArchive undoes CommitArchive for an object whose bundle failed to commit as a whole.
func (m *Machine) RevertArchive(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	return m.Apply(ctx, id, ArchiveRevert, meta.StateCold, nil)
}

// CancelArchive returns a ColdPending object to Hot.
func (m *Machine) CancelArchive(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	return m.Apply(ctx, id, ArchiveFail, meta.StateColdPending, nil)
}

// RequestRestore moves a Cold object into Restoring(Pending) bound to taskID.
func (m *Machine) RequestRestore(ctx context.Context, id meta.ObjectID, from meta.State, taskID string) (*meta.Object, error) {
	return m.Apply(ctx, id, RestoreRequest, from, func(o *meta.Object) {
		o.RestoreTaskID = taskID
	})
}

// Pick marks a pending restore as in progress.
func (m *Machine) Pick(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	return m.Apply(ctx, id, Picked, restoring, nil)
}

// CompleteRestore makes the object readable from cache until expireAt.
func (m *Machine) CompleteRestore(ctx context.Context, id meta.ObjectID, expireAt time.Time) (*meta.Object, error) {
	return m.Apply(ctx, id, RestoreOK, inProgress, func(o *meta.Object) {
		t := expireAt.UTC()
		o.RestoreExpireAt = &t
	})
}

// FailRestore returns the object to Cold with restore_status FAILED.
func (m *Machine) FailRestore(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	return m.Apply(ctx, id, RestoreFail, inProgress, nil)
}

// AbortRestore returns an in-progress object to plain Cold, used on shutdown and crash recovery.
func (m *Machine) AbortRestore(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	return m.Apply(ctx, id, RestoreAbort, inProgress, func(o *meta.Object) {
		o.RestoreTaskID = ""
	})
}

// ExtendRestore pushes the expiry of a RestoreReady object to at least expireAt. It never shortens it.
func (m *Machine) ExtendRestore(ctx context.Context, id meta.ObjectID, expireAt time.Time) (*meta.Object, error) {
	return m.Apply(ctx, id, RestoreExtend, restoreReady, func(o *meta.Object) {
		if o.RestoreExpireAt == nil || expireAt.After(*o.RestoreExpireAt) {
			t := expireAt.UTC()
			o.RestoreExpireAt = &t
		}
	})
}

// ExpireRestore ends the restore window of a RestoreReady object.
func (m *Machine) ExpireRestore(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	return m.Apply(ctx, id, Expire, restoreReady, nil)
}

// ClearExpired resets an expired restore status to null.
func (m *Machine) ClearExpired(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	return m.Apply(ctx, id, ExpireClear, coldExpired, nil)
}
