package objects

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zombar/coldstore/internal/lifecycle"
	"github.com/zombar/coldstore/internal/meta"
)

// JanitorConfig configures a Janitor.
type JanitorConfig struct {
	Store     meta.Store
	Lifecycle *lifecycle.Machine
	Cache     Cache
	Interval  time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

// SweepResult counts the work of one janitor pass.
type SweepResult struct {
	Expired int `json:"expired"`
	Cleared int `json:"cleared"`
	Evicted int `json:"evicted"`
}

// Janitor ends passed restore windows and clears expired restore statuses.
type Janitor struct {
	cfg    JanitorConfig
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor creates a Janitor.
func NewJanitor(cfg JanitorConfig) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "janitor").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs a pass every interval.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.ctx.Done():
				return
			case <-ticker.C:
				res, err := j.RunOnce(j.ctx)
				if err != nil && j.ctx.Err() == nil {
					j.logger.Warn().Err(err).Msg("janitor pass failed")
				}
				if res.Expired+res.Cleared+res.Evicted > 0 {
					j.logger.Info().Int("expired", res.Expired).Int("cleared", res.Cleared).
						Int("evicted", res.Evicted).Msg("janitor pass complete")
				}
			}
		}
	}()
}

// Stop ends the loop.
func (j *Janitor) Stop() {
	j.cancel()
	j.wg.Wait()
}

// RunOnce performs one pass.
func (j *Janitor) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := j.cfg.Now()

	ready, err := j.cfg.Store.ListObjectsByRestore(ctx, meta.RestoreCompleted, 0)
	if err != nil {
		return res, err
	}
	for _, o := range ready {
		passed := o.RestoreExpireAt == nil || !now.Before(*o.RestoreExpireAt)
		if !passed && j.cfg.Cache != nil && j.cfg.Cache.Contains(o.ObjectID) {
			continue
		}
		if _, err := j.cfg.Lifecycle.ExpireRestore(ctx, o.ObjectID); err != nil {
			if !errors.Is(err, meta.ErrConflictingState) {
				j.logger.Warn().Err(err).Str("object", o.ObjectID.String()).Msg("failed to expire restore")
			}
			continue
		}
		if j.cfg.Cache != nil {
			if err := j.cfg.Cache.Evict(o.ObjectID); err != nil {
				j.logger.Warn().Err(err).Str("object", o.ObjectID.String()).Msg("failed to evict expired restore")
			}
		}
		res.Expired++
	}

	expired, err := j.cfg.Store.ListObjectsByRestore(ctx, meta.RestoreExpired, 0)
	if err != nil {
		return res, err
	}
	for _, o := range expired {
		if now.Sub(o.UpdatedAt) < j.cfg.Interval {
			continue
		}
		if _, err := j.cfg.Lifecycle.ClearExpired(ctx, o.ObjectID); err != nil {
			if !errors.Is(err, meta.ErrConflictingState) {
				j.logger.Warn().Err(err).Str("object", o.ObjectID.String()).Msg("failed to clear expired restore")
			}
			continue
		}
		res.Cleared++
	}

	if j.cfg.Cache != nil {
		n, err := j.cfg.Cache.Sweep()
		res.Evicted = n
		if err != nil {
			return res, err
		}
	}
	return res, nil
}
