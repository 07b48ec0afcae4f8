// Package loki ships zerolog output to a Grafana Loki push endpoint.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const pushPath = "/loki/api/v1/push"

// Config configures a Writer.
type Config struct {
	URL           string            // base URL, e.g. http://loki:3100
	Labels        map[string]string // static stream labels; job defaults to coldstore
	BatchSize     int               // entries buffered before an early flush (default 100)
	FlushInterval time.Duration     // default 5s
	Timeout       time.Duration     // per push (default 10s)
	// ErrorLog receives the first few push failures. Defaults to stderr.
	ErrorLog io.Writer
	Now      func() time.Time
}

// Writer is an io.Writer that batches JSON log lines into Loki streams, one stream per level.
// Write never fails so logging keeps working while Loki is down.
type Writer struct {
	url      string
	client   *http.Client
	errorLog io.Writer
	now      func() time.Time
	interval time.Duration

	mu        sync.Mutex
	labels    map[string]string
	buffer    []entry
	batchSize int

	flushing atomic.Bool
	trigger  chan struct{}
	failures atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type entry struct {
	at    time.Time
	level string
	line  string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a Writer. Call Start to begin periodic flushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ErrorLog == nil {
		cfg.ErrorLog = os.Stderr
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	labels := map[string]string{"job": "coldstore"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		url:       strings.TrimRight(cfg.URL, "/") + pushPath,
		client:    &http.Client{Timeout: cfg.Timeout},
		errorLog:  cfg.ErrorLog,
		now:       cfg.Now,
		interval:  cfg.FlushInterval,
		labels:    labels,
		buffer:    make([]entry, 0, cfg.BatchSize),
		batchSize: cfg.BatchSize,
		trigger:   make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Write buffers one log line.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}
	e := entry{at: w.now(), level: levelOf(line), line: line}

	w.mu.Lock()
	w.buffer = append(w.buffer, e)
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// levelOf extracts the zerolog level field; non-JSON lines are "unknown".
func levelOf(line string) string {
	var rec struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Level == "" {
		return "unknown"
	}
	return rec.Level
}

// Start flushes every interval and whenever a batch fills.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.Flush()
			case <-w.trigger:
				w.Flush()
			}
		}
	}()
}

// Stop ends the flush loop and pushes whatever is still buffered.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
	w.Flush()
}

// Flush pushes the buffered entries. Concurrent calls collapse into one.
func (w *Writer) Flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	labels := make(map[string]string, len(w.labels)+1)
	for k, v := range w.labels {
		labels[k] = v
	}
	w.mu.Unlock()

	body, err := json.Marshal(buildRequest(labels, entries))
	if err != nil {
		w.fail("marshal payload: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.fail("build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.fail("push: %v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		w.fail("push: server returned status %d", resp.StatusCode)
	}
}

// buildRequest groups entries into one stream per level, in a stable order.
func buildRequest(labels map[string]string, entries []entry) pushRequest {
	byLevel := make(map[string][][]string)
	for _, e := range entries {
		byLevel[e.level] = append(byLevel[e.level], []string{strconv.FormatInt(e.at.UnixNano(), 10), e.line})
	}
	levels := make([]string, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Strings(levels)

	req := pushRequest{Streams: make([]stream, 0, len(levels))}
	for _, l := range levels {
		s := make(map[string]string, len(labels)+1)
		for k, v := range labels {
			s[k] = v
		}
		s["level"] = l
		req.Streams = append(req.Streams, stream{Stream: s, Values: byLevel[l]})
	}
	return req
}

// fail counts a push failure and reports the first three.
func (w *Writer) fail(format string, args ...any) {
	if n := w.failures.Add(1); n <= 3 {
		_, _ = fmt.Fprintf(w.errorLog, "loki: "+format+"\n", args...)
	}
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.failures.Load()
}

// SetLabels merges labels into the stream labels of future pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}
