package s3

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zombar/coldstore/internal/hot"
	"github.com/zombar/coldstore/internal/lifecycle"
	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/metrics"
	"github.com/zombar/coldstore/internal/objects"
	"github.com/zombar/coldstore/internal/scheduler"
	"github.com/zombar/coldstore/testutil"
)

type fakeRecaller struct {
	adm  *scheduler.Admission
	err  error
	days int
}

func (f *fakeRecaller) Submit(_ context.Context, _ meta.ObjectID, days int) (*scheduler.Admission, error) {
	f.days = days
	return f.adm, f.err
}

type testServer struct {
	store    meta.Store
	recaller *fakeRecaller
	metrics  *metrics.Metrics
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := testutil.NewStore(t)
	hs, err := hot.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	rec := &fakeRecaller{}
	svc := objects.New(objects.Config{
		Store:     store,
		Lifecycle: lifecycle.New(lifecycle.Config{Store: store}),
		Hot:       hs,
		Recaller:  rec,
		Logger:    zerolog.Nop(),
	})
	m := metrics.New(prometheus.NewRegistry())
	srv := NewServer(Config{Objects: svc, Metrics: m, Logger: zerolog.Nop()})
	return &testServer{store: store, recaller: rec, metrics: m, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

// coldify moves a Hot object straight to Cold with the given restore fields.
func (ts *testServer) coldify(t *testing.T, key string, mutate func(o *meta.Object)) {
	t.Helper()
	_, err := ts.store.UpdateObject(context.Background(), meta.ObjectID{Bucket: "b", Key: key}, meta.StateHot, func(o *meta.Object) {
		o.StorageClass = meta.ClassCold
		o.ArchiveID = "bundle-1"
		o.TapeID = "T1"
		o.TapeSet = []string{"T1"}
		if mutate != nil {
			mutate(o)
		}
	})
	require.NoError(t, err)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestServer_PutGetHeadDelete(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPut, "/b/dir/k", "hello")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fmt.Sprintf("%q", meta.Checksum([]byte("hello"))), w.Header().Get("ETag"))

	w = ts.do(t, http.MethodGet, "/b/dir/k", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "STANDARD", w.Header().Get("X-Amz-Storage-Class"))
	assert.Equal(t, "5", w.Header().Get("Content-Length"))

	w = ts.do(t, http.MethodHead, "/b/dir/k", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = ts.do(t, http.MethodDelete, "/b/dir/k", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, "/b/dir/k", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NoSuchKey", decodeError(t, w).Code)

	w = ts.do(t, http.MethodHead, "/b/dir/k", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Body.String())

	w = ts.do(t, http.MethodDelete, "/b/dir/k", "")
	assert.Equal(t, http.StatusNoContent, w.Code, "deleting a missing key succeeds")

	assert.Equal(t, 1.0, promtest.ToFloat64(ts.metrics.S3Requests.WithLabelValues("PutObject", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(ts.metrics.S3Requests.WithLabelValues("GetObject", "not_found")))
	assert.Equal(t, 5.0, promtest.ToFloat64(ts.metrics.S3BytesIn))
	assert.Equal(t, 5.0, promtest.ToFloat64(ts.metrics.S3BytesOut))
}

func TestServer_VersionID(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/b/k?versionId=v1", "one").Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/b/k", "null version").Code)

	w := ts.do(t, http.MethodGet, "/b/k?versionId=v1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "one", w.Body.String())
	assert.Equal(t, "v1", w.Header().Get("X-Amz-Version-Id"))

	w = ts.do(t, http.MethodGet, "/b/k?versionId=null", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null version", w.Body.String())
}

func TestServer_ColdObject(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/b/k", "hello").Code)
	ts.coldify(t, "k", nil)

	w := ts.do(t, http.MethodGet, "/b/k", "")
	require.Equal(t, http.StatusForbidden, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "InvalidObjectState", resp.Code)
	assert.Contains(t, resp.Message, "restore required")
	assert.Equal(t, "GLACIER", w.Header().Get("X-Amz-Storage-Class"))

	w = ts.do(t, http.MethodHead, "/b/k", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "GLACIER", w.Header().Get("X-Amz-Storage-Class"))
	assert.Empty(t, w.Header().Get("X-Amz-Restore"))

	w = ts.do(t, http.MethodPut, "/b/k", "overwrite")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_RestoreHeaders(t *testing.T) {
	ts := newTestServer(t)
	expiry := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/b/restoring", "x").Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/b/ready", "y").Code)
	ts.coldify(t, "restoring", func(o *meta.Object) {
		o.RestoreStatus = meta.RestoreInProgress
		o.RestoreTaskID = "task-1"
	})
	ts.coldify(t, "ready", func(o *meta.Object) {
		o.RestoreStatus = meta.RestoreCompleted
		o.RestoreExpireAt = &expiry
		o.RestoreTaskID = "task-2"
	})

	w := ts.do(t, http.MethodHead, "/b/restoring", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `ongoing-request="true"`, w.Header().Get("X-Amz-Restore"))
	assert.Equal(t, "task-1", w.Header().Get("X-Coldstore-Task-Id"))

	w = ts.do(t, http.MethodGet, "/b/restoring", "")
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, decodeError(t, w).Message, "restore in progress")

	w = ts.do(t, http.MethodHead, "/b/ready", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `ongoing-request="false", expiry-date="Wed, 02 Jan 2030 03:04:05 GMT"`, w.Header().Get("X-Amz-Restore"))
}

func TestServer_Restore(t *testing.T) {
	expiry := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name       string
		body       string
		adm        *scheduler.Admission
		err        error
		wantStatus int
		wantCode   string
		wantDays   int
		wantHeader string
	}{
		{
			name:       "new task",
			body:       `<RestoreRequest><Days>3</Days></RestoreRequest>`,
			adm:        &scheduler.Admission{Task: &meta.RecallTask{ID: "t1"}, Created: true},
			wantStatus: http.StatusAccepted,
			wantDays:   3,
			wantHeader: `ongoing-request="true"`,
		},
		{
			name:       "empty body defaults to one day",
			adm:        &scheduler.Admission{Task: &meta.RecallTask{ID: "t1"}},
			wantStatus: http.StatusAccepted,
			wantDays:   1,
			wantHeader: `ongoing-request="true"`,
		},
		{
			name:       "already restored",
			body:       `<RestoreRequest><Days>2</Days></RestoreRequest>`,
			adm:        &scheduler.Admission{Task: &meta.RecallTask{ID: "t1"}, Ready: true, ExpireAt: &expiry},
			wantStatus: http.StatusOK,
			wantDays:   2,
			wantHeader: `ongoing-request="false", expiry-date="Wed, 02 Jan 2030 03:04:05 GMT"`,
		},
		{
			name:       "not archived",
			err:        fmt.Errorf("restore: %w", meta.ErrInvalidObjectState),
			wantStatus: http.StatusForbidden,
			wantCode:   "InvalidObjectState",
			wantDays:   1,
		},
		{
			name:       "missing object",
			err:        meta.ErrObjectNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   "NoSuchKey",
			wantDays:   1,
		},
		{
			name:       "lost race",
			err:        meta.ErrConflictingState,
			wantStatus: http.StatusConflict,
			wantCode:   "OperationAborted",
			wantDays:   1,
		},
		{
			name:       "metadata down",
			err:        meta.ErrMetadataUnavailable,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "ServiceUnavailable",
			wantDays:   1,
		},
		{
			name:       "malformed body",
			body:       `<RestoreRequest><Days>`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "MalformedXML",
		},
		{
			name:       "negative days",
			body:       `<RestoreRequest><Days>-1</Days></RestoreRequest>`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "InvalidRequest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.recaller.adm, ts.recaller.err = tt.adm, tt.err

			w := ts.do(t, http.MethodPost, "/b/k?restore", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantDays, ts.recaller.days)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
				return
			}
			assert.Equal(t, "t1", w.Header().Get("X-Coldstore-Task-Id"))
			assert.Equal(t, tt.wantHeader, w.Header().Get("X-Amz-Restore"))
		})
	}
}

func TestServer_List(t *testing.T) {
	ts := newTestServer(t)
	for _, k := range []string{"a/1", "a/2", "a/3", "b/1"} {
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/bkt/"+k, k).Code)
	}

	w := ts.do(t, http.MethodGet, "/bkt?prefix=a/&max-keys=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var v1 ListBucketResult
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &v1))
	assert.True(t, v1.IsTruncated)
	require.Len(t, v1.Contents, 2)
	assert.Equal(t, "a/1", v1.Contents[0].Key)
	assert.Equal(t, "STANDARD", v1.Contents[0].StorageClass)

	w = ts.do(t, http.MethodGet, "/bkt?list-type=2&prefix=a/", "")
	require.Equal(t, http.StatusOK, w.Code)
	var v2 ListBucketResultV2
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &v2))
	assert.False(t, v2.IsTruncated)
	assert.Equal(t, 3, v2.KeyCount)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodGet, "/", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodPost, "/b/k", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodPatch, "/b/k", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/b", "").Code)
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{meta.ErrObjectNotFound, http.StatusNotFound, "NoSuchKey"},
		{meta.ErrInvalidObjectState, http.StatusForbidden, "InvalidObjectState"},
		{meta.ErrConflictingState, http.StatusConflict, "OperationAborted"},
		{meta.ErrCacheTooSmall, http.StatusBadRequest, "EntityTooLarge"},
		{meta.ErrTapeOffline, http.StatusServiceUnavailable, "ServiceUnavailable"},
		{meta.ErrMetadataUnavailable, http.StatusServiceUnavailable, "ServiceUnavailable"},
		{meta.ErrQueueFull, http.StatusServiceUnavailable, "SlowDown"},
		{meta.ErrTapeIO, http.StatusInternalServerError, "InternalError"},
		{fmt.Errorf("wrapped: %w", meta.ErrObjectNotFound), http.StatusNotFound, "NoSuchKey"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			ae := toAPIError(tt.err)
			assert.Equal(t, tt.status, ae.Status)
			assert.Equal(t, tt.code, ae.Code)
		})
	}
}
