package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zombar/coldstore/internal/admin"
	"github.com/zombar/coldstore/internal/config"
	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/metrics"
)

func testConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`
server:
  listen: "127.0.0.1:0"
  admin_listen: "127.0.0.1:0"
metadata:
  sqlite:
    path: %s
hot:
  path: %s
scheduler:
  archive:
    scan_interval_secs: 3600
    min_archive_size_mb: 0
    bundle_size_cap_mb: 16
    target_throughput_mbps: 0
cache:
  path: %s
  max_size_gb: 1
tape:
  supported_formats: [LTO-9]
  replication_factor: 1
  library:
    path: %s
    drives: 1
    tapes:
      - {id: T1, format: LTO-9, capacity: 1GB}
notification:
  enabled: false
admin:
  token_secret: test-secret
`,
		filepath.Join(dir, "db", "meta.db"), filepath.Join(dir, "hot"),
		filepath.Join(dir, "cache"), filepath.Join(dir, "library"))
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) (*daemon, string) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	d, err := newDaemon(context.Background(), cfg, m, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(d.close)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return d, "http://" + ln.Addr().String()
}

func request(t *testing.T, method, url, body string) (int, string, http.Header) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data), resp.Header
}

func TestDaemon_ArchiveAndRestore(t *testing.T) {
	d, base := startDaemon(t, testConfig(t, nil))
	ctx := context.Background()
	url := base + "/photos/2024/cat.jpg"

	code, _, hdr := request(t, http.MethodPut, url, "meow")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, hdr.Get("ETag"))

	code, body, _ := request(t, http.MethodGet, url, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "meow", body)

	id := meta.ObjectID{Bucket: "photos", Key: "2024/cat.jpg"}
	_, err := d.objects.Demote(ctx, id)
	require.NoError(t, err)
	res, err := d.archiver.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Objects)

	code, _, hdr = request(t, http.MethodHead, url, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "GLACIER", hdr.Get("X-Amz-Storage-Class"))

	code, _, _ = request(t, http.MethodGet, url, "")
	assert.Equal(t, http.StatusForbidden, code)

	code, _, hdr = request(t, http.MethodPost, url+"?restore", "")
	require.Equal(t, http.StatusAccepted, code)
	assert.NotEmpty(t, hdr.Get("X-Coldstore-Task-Id"))

	require.Eventually(t, func() bool {
		code, body, _ := request(t, http.MethodGet, url, "")
		return code == http.StatusOK && body == "meow"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemon_AdminAPI(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) { c.Admin.TraceBufferMB = 1 })
	d, _ := startDaemon(t, cfg)
	var addr string
	require.Eventually(t, func() bool {
		addr = d.admin.Addr()
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)

	code, _, _ := request(t, http.MethodGet, "http://"+addr+"/health", "")
	assert.Equal(t, http.StatusOK, code)

	tok, err := admin.IssueToken([]byte(cfg.Admin.TokenSecret), "test", time.Minute, time.Now())
	require.NoError(t, err)
	c := admin.NewClient(addr, tok)
	tapes, err := c.Tapes(context.Background())
	require.NoError(t, err)
	require.Len(t, tapes, 1)
	assert.Equal(t, "T1", tapes[0].ID)
	assert.Equal(t, meta.TapeOnline, tapes[0].Status)

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/admin/debug/trace", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDaemon_CacheDisabled(t *testing.T) {
	d, base := startDaemon(t, testConfig(t, func(c *config.Config) { c.Cache.Enabled = false }))
	assert.Nil(t, d.recaller)
	assert.Nil(t, d.cache)

	url := base + "/b/k"
	code, _, _ := request(t, http.MethodPut, url, "x")
	require.Equal(t, http.StatusOK, code)
	_, err := d.objects.Demote(context.Background(), meta.ObjectID{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	_, err = d.archiver.RunOnce(context.Background())
	require.NoError(t, err)

	code, _, _ = request(t, http.MethodPost, url+"?restore", "")
	assert.NotEqual(t, http.StatusAccepted, code)
}

func TestRunReindex(t *testing.T) {
	cfg := testConfig(t, nil)
	d, base := startDaemon(t, cfg)
	code, _, _ := request(t, http.MethodPut, base+"/b/k", "payload")
	require.Equal(t, http.StatusOK, code)
	_, err := d.objects.Demote(context.Background(), meta.ObjectID{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	_, err = d.archiver.RunOnce(context.Background())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runReindex(context.Background(), cfg, "T1", &out))
	assert.Contains(t, out.String(), "COMPLETED")
	assert.Contains(t, out.String(), "1 bundles on T1")
}

func TestSetupLogging(t *testing.T) {
	defer func(l zerolog.Logger, lvl zerolog.Level) {
		log.Logger = l
		zerolog.SetGlobalLevel(lvl)
		logLevel, logFormat = "", ""
	}(log.Logger, zerolog.GlobalLevel())

	var buf bytes.Buffer
	logLevel, logFormat = "warn", "json"
	setupLogging(&buf)
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)

	buf.Reset()
	logLevel, logFormat = "", ""
	stop := applyLoggingConfig(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	defer stop()
	log.Debug().Msg("debug line")
	assert.Contains(t, buf.String(), `"level":"debug"`)
}

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd(false)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "coldstore "+Version)
}
