package loki

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sink is a fake Loki push endpoint.
type sink struct {
	mu       sync.Mutex
	requests []pushRequest
	status   int
}

func newSink(t *testing.T, status int) (*sink, *httptest.Server) {
	s := &sink{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pushPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			s.mu.Lock()
			s.requests = append(s.requests, req)
			s.mu.Unlock()
		}
		w.WriteHeader(s.status)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *sink) first() pushRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[0]
}

func (w *Writer) buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

func TestNewWriter_Defaults(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100/"})
	assert.Equal(t, 100, w.batchSize)
	assert.Equal(t, 5*time.Second, w.interval)
	assert.Equal(t, "coldstore", w.labels["job"])
	assert.Equal(t, "http://localhost:3100"+pushPath, w.url)
}

func TestNewWriter_LabelsOverrideJob(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100", Labels: map[string]string{"job": "cs", "host": "a"}})
	assert.Equal(t, "cs", w.labels["job"])
	assert.Equal(t, "a", w.labels["host"])
}

func TestWriter_SkipsEmptyLines(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100", BatchSize: 10})
	for _, line := range []string{"", "   ", "\n", `{"level":"info","message":"x"}`} {
		n, err := w.Write([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, len(line), n)
	}
	assert.Equal(t, 1, w.buffered())
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, "warn", levelOf(`{"level":"warn","message":"tape offline"}`))
	assert.Equal(t, "unknown", levelOf(`{"message":"no level"}`))
	assert.Equal(t, "unknown", levelOf("10:00 INF plain console line"))
}

func TestWriter_FlushGroupsByLevel(t *testing.T) {
	s, srv := newSink(t, http.StatusNoContent)
	at := time.Unix(1700000000, 5)
	w := NewWriter(Config{URL: srv.URL, Now: func() time.Time { return at }, Labels: map[string]string{"host": "n1"}})

	_, _ = w.Write([]byte(`{"level":"info","message":"a"}`))
	_, _ = w.Write([]byte(`{"level":"error","message":"b"}`))
	_, _ = w.Write([]byte(`{"level":"info","message":"c"}`))
	w.Flush()

	require.Equal(t, 1, s.count())
	req := s.first()
	require.Len(t, req.Streams, 2)
	assert.Equal(t, "error", req.Streams[0].Stream["level"])
	assert.Equal(t, "info", req.Streams[1].Stream["level"])
	assert.Equal(t, "n1", req.Streams[1].Stream["host"])
	assert.Equal(t, "coldstore", req.Streams[1].Stream["job"])
	require.Len(t, req.Streams[1].Values, 2)
	assert.Equal(t, []string{"1700000000000000005", `{"level":"info","message":"a"}`}, req.Streams[1].Values[0])
	assert.Equal(t, 0, w.buffered())

	w.Flush()
	assert.Equal(t, 1, s.count(), "empty buffer is not pushed")
}

func TestWriter_FlushesWhenBatchFull(t *testing.T) {
	s, srv := newSink(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL, BatchSize: 3, FlushInterval: time.Hour})
	w.Start()
	defer w.Stop()

	for i := 0; i < 3; i++ {
		_, _ = w.Write([]byte(`{"level":"info"}`))
	}
	assert.Eventually(t, func() bool { return s.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_PeriodicFlush(t *testing.T) {
	s, srv := newSink(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL, FlushInterval: 20 * time.Millisecond})
	w.Start()
	defer w.Stop()

	_, _ = w.Write([]byte(`{"level":"debug"}`))
	assert.Eventually(t, func() bool { return s.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_StopFlushesRemainder(t *testing.T) {
	s, srv := newSink(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL, FlushInterval: time.Hour})
	w.Start()
	_, _ = w.Write([]byte(`{"level":"info"}`))
	w.Stop()
	assert.Equal(t, 1, s.count())
}

func TestWriter_SetLabels(t *testing.T) {
	s, srv := newSink(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL})
	w.SetLabels(map[string]string{"instance": "cs-2"})
	_, _ = w.Write([]byte(`{"level":"info"}`))
	w.Flush()
	require.Equal(t, 1, s.count())
	assert.Equal(t, "cs-2", s.first().Streams[0].Stream["instance"])
}

func TestWriter_CountsFailures(t *testing.T) {
	_, srv := newSink(t, http.StatusServiceUnavailable)
	var errLog bytes.Buffer
	w := NewWriter(Config{URL: srv.URL, ErrorLog: &errLog})
	for i := 0; i < 5; i++ {
		_, _ = w.Write([]byte(`{"level":"info"}`))
		w.Flush()
	}
	assert.Equal(t, uint64(5), w.FlushErrors())
	assert.Equal(t, 3, bytes.Count(errLog.Bytes(), []byte("loki:")), "only the first failures are reported")
}

func TestWriter_ConnectionRefused(t *testing.T) {
	var errLog bytes.Buffer
	w := NewWriter(Config{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond, ErrorLog: &errLog})
	_, _ = w.Write([]byte(`{"level":"info"}`))
	w.Flush()
	assert.Equal(t, uint64(1), w.FlushErrors())
}

func TestWriter_ConcurrentWrites(t *testing.T) {
	s, srv := newSink(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL, BatchSize: 1000})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = w.Write([]byte(`{"level":"info"}`))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, w.buffered())
	w.Flush()
	require.Equal(t, 1, s.count())
	assert.Len(t, s.first().Streams[0].Values, 400)
}
