package meta

import (
	"context"
	"errors"
	"time"
)

// Error kinds shared by every coldstore subsystem.
var (
	ErrObjectNotFound      = errors.New("object not found")
	ErrInvalidObjectState  = errors.New("invalid object state")
	ErrConflictingState    = errors.New("conflicting state")
	ErrTapeOffline         = errors.New("tape offline")
	ErrTapeIO              = errors.New("tape i/o error")
	ErrCacheIO             = errors.New("cache i/o error")
	ErrCacheTooSmall       = errors.New("cache too small")
	ErrMetadataUnavailable = errors.New("metadata unavailable")
	ErrTimeout             = errors.New("timeout")
	ErrCancelled           = errors.New("cancelled")
	ErrInternal            = errors.New("internal error")

	ErrNotFound  = errors.New("record not found")
	ErrQueueFull = errors.New("queue full")
)

// Kind returns the error kind name used in logs, metrics and wire responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrObjectNotFound):
		return "ObjectNotFound"
	case errors.Is(err, ErrInvalidObjectState):
		return "InvalidObjectState"
	case errors.Is(err, ErrConflictingState):
		return "ConflictingState"
	case errors.Is(err, ErrTapeOffline):
		return "TapeOffline"
	case errors.Is(err, ErrTapeIO):
		return "TapeIo"
	case errors.Is(err, ErrCacheTooSmall):
		return "CacheTooSmall"
	case errors.Is(err, ErrCacheIO):
		return "CacheIo"
	case errors.Is(err, ErrMetadataUnavailable):
		return "MetadataUnavailable"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "Cancelled"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrQueueFull):
		return "QueueFull"
	}
	return "Internal"
}

// Retry runs fn until it succeeds, returns a non-transient error, or attempts are exhausted.
// Only ErrMetadataUnavailable is considered transient.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !errors.Is(err, ErrMetadataUnavailable) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(ErrCancelled, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
