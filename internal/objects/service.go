// Package objects implements the object verbs on top of the hot tier, the restore cache and
// the lifecycle state machine.
package objects

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/zombar/coldstore/internal/hot"
	"github.com/zombar/coldstore/internal/lifecycle"
	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/scheduler"
)

// Recaller admits restore requests.
type Recaller interface {
	Submit(ctx context.Context, id meta.ObjectID, days int) (*scheduler.Admission, error)
}

// Cache is the read side of the restore cache.
type Cache interface {
	Get(ctx context.Context, id meta.ObjectID) ([]byte, bool, error)
	Contains(id meta.ObjectID) bool
	Evict(id meta.ObjectID) error
	Sweep() (int, error)
}

// Config configures a Service. Cache and Recaller are nil when restores are disabled.
type Config struct {
	Store     meta.Store
	Lifecycle *lifecycle.Machine
	Hot       *hot.Store
	Cache     Cache
	Recaller  Recaller
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Service maps object verbs to core operations.
type Service struct {
	store    meta.Store
	lc       *lifecycle.Machine
	hot      *hot.Store
	cache    Cache
	recaller Recaller
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:    cfg.Store,
		lc:       cfg.Lifecycle,
		hot:      cfg.Hot,
		cache:    cfg.Cache,
		recaller: cfg.Recaller,
		logger:   cfg.Logger.With().Str("component", "objects").Logger(),
		now:      cfg.Now,
	}
}

// Put writes the object to the hot tier. Overwriting is only allowed while the object is Hot.
// The content is staged first and becomes visible together with its metadata.
func (s *Service) Put(ctx context.Context, id meta.ObjectID, r io.Reader) (*meta.Object, error) {
	if id.Bucket == "" || id.Key == "" {
		return nil, fmt.Errorf("bucket and key required: %w", meta.ErrInvalidObjectState)
	}
	existing, err := s.store.GetObject(ctx, id)
	switch {
	case errors.Is(err, meta.ErrObjectNotFound):
		existing = nil
	case err != nil:
		return nil, err
	case existing.StorageClass != meta.ClassHot:
		return nil, fmt.Errorf("overwrite %s in %s: %w", id, existing.State(), meta.ErrInvalidObjectState)
	}

	st, err := s.hot.Stage(ctx, id, r)
	if err != nil {
		return nil, err
	}
	unlock := s.hot.Lock(id)
	defer unlock()
	obj, err := s.commit(ctx, st)
	if err != nil {
		s.hot.Discard(st)
		return nil, err
	}
	return obj, nil
}

// commit records staged content and publishes it. The caller holds the object's hot lock.
func (s *Service) commit(ctx context.Context, st *hot.Staged) (*meta.Object, error) {
	id := st.ID
	now := s.now().UTC()
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := s.store.GetObject(ctx, id)
		if errors.Is(err, meta.ErrObjectNotFound) {
			obj := &meta.Object{
				ObjectID:     id,
				StorageClass: meta.ClassHot,
				Size:         st.Size,
				Checksum:     st.Checksum,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := s.store.CreateObject(ctx, obj); err != nil {
				if errors.Is(err, meta.ErrConflictingState) {
					continue
				}
				return nil, err
			}
			if err := s.hot.Publish(st); err != nil {
				if derr := s.store.DeleteObject(context.WithoutCancel(ctx), id, meta.StateHot); derr != nil {
					s.logger.Error().Err(derr).Str("object", id.String()).Msg("failed to roll back object after publish error")
				}
				return nil, err
			}
			return obj, nil
		}
		if err != nil {
			return nil, err
		}

		// A demotion that slipped in after the first read still archives the newest content.
		from := cur.State()
		if from != meta.StateHot && from != meta.StateColdPending {
			return nil, fmt.Errorf("overwrite %s in %s: %w", id, from, meta.ErrInvalidObjectState)
		}
		obj, err := s.store.UpdateObject(ctx, id, from, func(o *meta.Object) {
			o.Size = st.Size
			o.Checksum = st.Checksum
			o.UpdatedAt = now
		})
		if errors.Is(err, meta.ErrConflictingState) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := s.hot.Publish(st); err != nil {
			_, rerr := s.store.UpdateObject(context.WithoutCancel(ctx), id, obj.State(), func(o *meta.Object) {
				o.Size = cur.Size
				o.Checksum = cur.Checksum
				o.UpdatedAt = cur.UpdatedAt
			})
			if rerr != nil {
				s.logger.Error().Err(rerr).Str("object", id.String()).Msg("failed to roll back object after publish error")
			}
			return nil, err
		}
		return obj, nil
	}
	return nil, fmt.Errorf("overwrite %s: state keeps changing: %w", id, meta.ErrConflictingState)
}

// Get opens the object's content. Cold objects need a completed restore.
func (s *Service) Get(ctx context.Context, id meta.ObjectID) (*meta.Object, io.ReadCloser, error) {
	obj, err := s.store.GetObject(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	switch obj.State().Phase() {
	case "Hot", "ColdPending":
		f, err := s.hot.Open(id)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: hot copy of %s: %v", meta.ErrInternal, id, err)
		}
		return obj, f, nil
	case "RestoreReady":
		if obj.RestoreExpireAt != nil && !s.now().Before(*obj.RestoreExpireAt) {
			s.expire(ctx, id)
			return obj, nil, restoreRequired(id)
		}
		if s.cache == nil {
			return obj, nil, restoreRequired(id)
		}
		data, ok, err := s.cache.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			s.expire(ctx, id)
			return obj, nil, restoreRequired(id)
		}
		return obj, io.NopCloser(bytes.NewReader(data)), nil
	case "Restoring":
		return obj, nil, fmt.Errorf("%s: restore in progress: %w", id, meta.ErrInvalidObjectState)
	}
	return obj, nil, restoreRequired(id)
}

func restoreRequired(id meta.ObjectID) error {
	return fmt.Errorf("%s: restore required: %w", id, meta.ErrInvalidObjectState)
}

// expire ends a restore window that has passed or whose cache entry is gone.
func (s *Service) expire(ctx context.Context, id meta.ObjectID) {
	if _, err := s.lc.ExpireRestore(ctx, id); err != nil && !errors.Is(err, meta.ErrConflictingState) {
		s.logger.Warn().Err(err).Str("object", id.String()).Msg("lazy expiry failed")
	}
	if s.cache != nil {
		if err := s.cache.Evict(id); err != nil {
			s.logger.Warn().Err(err).Str("object", id.String()).Msg("cache eviction failed")
		}
	}
}

// Head returns the object's metadata.
func (s *Service) Head(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	return s.store.GetObject(ctx, id)
}

// List returns up to maxKeys objects of bucket under prefix.
func (s *Service) List(ctx context.Context, bucket, prefix string, maxKeys int) ([]*meta.Object, error) {
	return s.store.ListObjects(ctx, bucket, prefix, maxKeys)
}

// Delete removes the object. Objects with archive or restore work in flight cannot be deleted.
func (s *Service) Delete(ctx context.Context, id meta.ObjectID) error {
	obj, err := s.store.GetObject(ctx, id)
	if err != nil {
		return err
	}
	switch obj.State().Phase() {
	case "ColdPending", "Restoring":
		return fmt.Errorf("delete %s in %s: %w", id, obj.State(), meta.ErrInvalidObjectState)
	}
	if err := s.store.DeleteObject(ctx, id, obj.State()); err != nil {
		return err
	}
	if err := s.hot.Delete(id); err != nil {
		s.logger.Warn().Err(err).Str("object", id.String()).Msg("failed to remove hot copy")
	}
	if s.cache != nil {
		if err := s.cache.Evict(id); err != nil {
			s.logger.Warn().Err(err).Str("object", id.String()).Msg("failed to evict cache entry")
		}
	}
	return nil
}

// Restore requests a recall of a cold object for days.
func (s *Service) Restore(ctx context.Context, id meta.ObjectID, days int) (*scheduler.Admission, error) {
	if s.recaller == nil {
		return nil, fmt.Errorf("restore %s: restores disabled: %w", id, meta.ErrInvalidObjectState)
	}
	return s.recaller.Submit(ctx, id, days)
}

// Demote schedules a Hot object for archival.
func (s *Service) Demote(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	return s.lc.DemoteObject(ctx, id)
}

// CancelDemotion returns a ColdPending object to Hot.
func (s *Service) CancelDemotion(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	if !s.hot.Exists(id) {
		return nil, fmt.Errorf("%w: %s has no hot copy", meta.ErrInternal, id)
	}
	return s.lc.CancelArchive(ctx, id)
}
