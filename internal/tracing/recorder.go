// Package tracing keeps a rolling runtime trace that operators can download after a stall.
package tracing

import (
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferBytes bounds the trace ring buffer when no size is given.
const DefaultBufferBytes = 10 << 20

// ErrNotEnabled is returned by Snapshot on a nil or stopped Recorder.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder wraps a runtime flight recorder. Only one may run per process.
type Recorder struct {
	mu sync.Mutex
	fr *trace.FlightRecorder
}

// Start begins recording the last minAge of execution into a ring of at most bufferBytes.
func Start(bufferBytes int, minAge time.Duration) (*Recorder, error) {
	if bufferBytes <= 0 {
		bufferBytes = DefaultBufferBytes
	}
	if minAge <= 0 {
		minAge = 30 * time.Second
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(bufferBytes),
	})
	if err := fr.Start(); err != nil {
		return nil, err
	}
	return &Recorder{fr: fr}, nil
}

// Snapshot writes the buffered trace in `go tool trace` format.
func (r *Recorder) Snapshot(w io.Writer) error {
	if r == nil {
		return ErrNotEnabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return ErrNotEnabled
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop ends recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}
