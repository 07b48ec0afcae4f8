package meta

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Pinger is the part of Store the watchdog needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Watch pings the store every interval and returns ErrMetadataUnavailable
// once threshold consecutive pings have failed. It returns nil when ctx is done.
func Watch(ctx context.Context, p Pinger, interval time.Duration, threshold int, log zerolog.Logger) error {
	if threshold < 1 {
		threshold = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := p.Ping(pingCtx)
		cancel()
		if err == nil {
			if failures > 0 {
				log.Info().Int("failures", failures).Msg("metadata store reachable again")
			}
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		failures++
		log.Warn().Err(err).Int("failures", failures).Int("threshold", threshold).Msg("metadata store ping failed")
		if failures >= threshold {
			return fmt.Errorf("%w: %d consecutive ping failures: %v", ErrMetadataUnavailable, failures, err)
		}
	}
}
