package scheduler

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// pacer holds archive writes near a target byte rate. Bytes are charged after they are written
// and the accumulated delay is paid before the next bundle starts, so records inside one bundle
// stream back to back.
type pacer struct {
	lim   *rate.Limiter
	burst int
	until time.Time
	now   func() time.Time
}

// newPacer returns nil when bytesPerSec is zero; a nil pacer never waits.
func newPacer(bytesPerSec int64) *pacer {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := bytesPerSec
	if burst > math.MaxInt32 {
		burst = math.MaxInt32
	}
	return &pacer{
		lim:   rate.NewLimiter(rate.Limit(bytesPerSec), int(burst)),
		burst: int(burst),
		now:   time.Now,
	}
}

// charge records n written bytes.
func (p *pacer) charge(n int64) {
	if p == nil {
		return
	}
	now := p.now()
	for n > 0 {
		chunk := n
		if chunk > int64(p.burst) {
			chunk = int64(p.burst)
		}
		r := p.lim.ReserveN(now, int(chunk))
		if !r.OK() {
			return
		}
		if at := now.Add(r.DelayFrom(now)); at.After(p.until) {
			p.until = at
		}
		n -= chunk
	}
}

// wait blocks until the charged bytes have been paid for.
func (p *pacer) wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	d := p.until.Sub(p.now())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// delay reports how long wait would block.
func (p *pacer) delay() time.Duration {
	if p == nil {
		return 0
	}
	if d := p.until.Sub(p.now()); d > 0 {
		return d
	}
	return 0
}
