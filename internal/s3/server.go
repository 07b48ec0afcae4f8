// Package s3 serves the object verbs over a path-style S3 subset.
package s3

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zombar/coldstore/internal/logging/audit"
	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/metrics"
	"github.com/zombar/coldstore/internal/scheduler"
)

const (
	headerStorageClass = "X-Amz-Storage-Class"
	headerRestore      = "X-Amz-Restore"
	headerTaskID       = "X-Coldstore-Task-Id"

	defaultMaxKeys     = 1000
	defaultRestoreDays = 1
	maxRestoreBody     = 64 << 10
)

// Objects is the core the server exposes.
type Objects interface {
	Put(ctx context.Context, id meta.ObjectID, r io.Reader) (*meta.Object, error)
	Get(ctx context.Context, id meta.ObjectID) (*meta.Object, io.ReadCloser, error)
	Head(ctx context.Context, id meta.ObjectID) (*meta.Object, error)
	Delete(ctx context.Context, id meta.ObjectID) error
	List(ctx context.Context, bucket, prefix string, maxKeys int) ([]*meta.Object, error)
	Restore(ctx context.Context, id meta.ObjectID, days int) (*scheduler.Admission, error)
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Config configures a Server.
type Config struct {
	Objects Objects
	Metrics *metrics.Metrics
	Audit   *audit.Logger
	Logger  zerolog.Logger
}

// Server provides the S3-compatible HTTP interface.
type Server struct {
	objects Objects
	metrics *metrics.Metrics
	audit   *audit.Logger
	logger  zerolog.Logger
}

// NewServer creates a Server.
func NewServer(cfg Config) *Server {
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	return &Server{
		objects: cfg.Objects,
		metrics: cfg.Metrics,
		audit:   cfg.Audit,
		logger:  cfg.Logger.With().Str("component", "s3").Logger(),
	}
}

// Handler returns the HTTP handler for S3 requests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleRequest)
}

// handleRequest routes on /{bucket} and /{bucket}/{key...}.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket, key := parts[0], ""
	if len(parts) == 2 {
		key = parts[1]
	}

	s.logger.Debug().Str("method", r.Method).Str("bucket", bucket).Str("key", key).Msg("S3 request")

	switch {
	case bucket == "":
		s.writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not allowed")
	case key == "":
		s.handleBucket(w, r, bucket)
	default:
		s.handleObject(w, r, bucket, key)
	}
}

// handleBucket handles bucket-level operations. Buckets are implicit: they exist once an object does.
func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	switch r.Method {
	case http.MethodGet:
		s.instrument("ListObjects", w, func(rec *statusRecorder) error {
			return s.listObjects(rec, r, bucket)
		})
	case http.MethodPut, http.MethodHead:
		w.WriteHeader(http.StatusOK)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not allowed")
	}
}

// handleObject handles object-level operations.
func (s *Server) handleObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	id := meta.ObjectID{Bucket: bucket, Key: key, Version: r.URL.Query().Get("versionId")}
	if id.Version == "null" {
		id.Version = ""
	}

	var op string
	var fn func(rec *statusRecorder) error
	switch r.Method {
	case http.MethodGet:
		op, fn = "GetObject", func(rec *statusRecorder) error { return s.getObject(rec, r, id) }
	case http.MethodHead:
		op, fn = "HeadObject", func(rec *statusRecorder) error { return s.headObject(rec, r, id) }
	case http.MethodPut:
		op, fn = "PutObject", func(rec *statusRecorder) error { return s.putObject(rec, r, id) }
	case http.MethodDelete:
		op, fn = "DeleteObject", func(rec *statusRecorder) error { return s.deleteObject(rec, r, id) }
	case http.MethodPost:
		if _, ok := r.URL.Query()["restore"]; !ok {
			s.writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not allowed")
			return
		}
		op, fn = "RestoreObject", func(rec *statusRecorder) error { return s.restoreObject(rec, r, id) }
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not allowed")
		return
	}

	s.instrument(op, w, func(rec *statusRecorder) error {
		err := fn(rec)
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			result := "ok"
			if err != nil {
				result = meta.Kind(err)
			}
			s.audit.LogS3Op(op, bucket, key, result, sourceIP(r))
		}
		return err
	})
}

// instrument runs fn, writes its error and records request metrics.
func (s *Server) instrument(op string, w http.ResponseWriter, fn func(rec *statusRecorder) error) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	err := fn(rec)
	if err != nil {
		ae := toAPIError(err)
		if ae.Status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("operation", op).Msg("S3 request failed")
		}
		s.writeError(rec, ae.Status, ae.Code, err.Error())
	}
	if s.metrics != nil {
		status := classifyStatus(rec.getStatus())
		s.metrics.S3Requests.WithLabelValues(op, status).Inc()
		s.metrics.S3RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// listObjects handles GET /{bucket} for both list versions.
func (s *Server) listObjects(w http.ResponseWriter, r *http.Request, bucket string) error {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	maxKeys := defaultMaxKeys
	if mk := q.Get("max-keys"); mk != "" {
		if parsed, err := strconv.Atoi(mk); err == nil && parsed > 0 && parsed <= defaultMaxKeys {
			maxKeys = parsed
		}
	}

	objs, err := s.objects.List(r.Context(), bucket, prefix, maxKeys+1)
	if err != nil {
		return err
	}
	truncated := len(objs) > maxKeys
	if truncated {
		objs = objs[:maxKeys]
	}

	contents := make([]ObjectInfo, 0, len(objs))
	for _, o := range objs {
		contents = append(contents, ObjectInfo{
			Key:          o.Key,
			LastModified: o.UpdatedAt.UTC().Format(time.RFC3339),
			ETag:         etag(o),
			Size:         o.Size,
			StorageClass: storageClass(o),
		})
	}

	if q.Get("list-type") == "2" {
		s.writeXML(w, http.StatusOK, ListBucketResultV2{
			Name:        bucket,
			Prefix:      prefix,
			MaxKeys:     maxKeys,
			KeyCount:    len(contents),
			IsTruncated: truncated,
			Contents:    contents,
		})
		return nil
	}
	s.writeXML(w, http.StatusOK, ListBucketResult{
		Name:        bucket,
		Prefix:      prefix,
		MaxKeys:     maxKeys,
		IsTruncated: truncated,
		Contents:    contents,
	})
	return nil
}

// getObject handles GET /{bucket}/{key}.
func (s *Server) getObject(w http.ResponseWriter, r *http.Request, id meta.ObjectID) error {
	obj, body, err := s.objects.Get(r.Context(), id)
	if err != nil {
		if obj != nil {
			setObjectHeaders(w, obj)
		}
		return err
	}
	defer func() { _ = body.Close() }()

	setObjectHeaders(w, obj)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, body)
	if err != nil {
		s.logger.Error().Err(err).Str("object", id.String()).Msg("Failed to stream object")
	}
	if s.metrics != nil && n > 0 {
		s.metrics.S3BytesOut.Add(float64(n))
	}
	return nil
}

// headObject handles HEAD /{bucket}/{key}. Errors carry no body.
func (s *Server) headObject(w http.ResponseWriter, r *http.Request, id meta.ObjectID) error {
	obj, err := s.objects.Head(r.Context(), id)
	if err != nil {
		w.WriteHeader(toAPIError(err).Status)
		return nil
	}
	setObjectHeaders(w, obj)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)
	return nil
}

// putObject handles PUT /{bucket}/{key}.
func (s *Server) putObject(w http.ResponseWriter, r *http.Request, id meta.ObjectID) error {
	obj, err := s.objects.Put(r.Context(), id, r.Body)
	if err != nil {
		return err
	}
	w.Header().Set("ETag", etag(obj))
	w.WriteHeader(http.StatusOK)
	if s.metrics != nil && obj.Size > 0 {
		s.metrics.S3BytesIn.Add(float64(obj.Size))
	}
	return nil
}

// deleteObject handles DELETE /{bucket}/{key}. Deleting a missing object succeeds.
func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request, id meta.ObjectID) error {
	if err := s.objects.Delete(r.Context(), id); err != nil && !errors.Is(err, meta.ErrObjectNotFound) {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// restoreObject handles POST /{bucket}/{key}?restore.
func (s *Server) restoreObject(w http.ResponseWriter, r *http.Request, id meta.ObjectID) error {
	days, err := restoreDays(r.Body)
	if err != nil {
		return err
	}
	adm, err := s.objects.Restore(r.Context(), id, days)
	if err != nil {
		return err
	}
	if adm.Task != nil && adm.Task.ID != "" {
		w.Header().Set(headerTaskID, adm.Task.ID)
	}
	if adm.Ready {
		if adm.ExpireAt != nil {
			w.Header().Set(headerRestore, restoreHeader(false, adm.ExpireAt))
		}
		w.WriteHeader(http.StatusOK)
		return nil
	}
	w.Header().Set(headerRestore, restoreHeader(true, nil))
	w.WriteHeader(http.StatusAccepted)
	return nil
}

// restoreDays reads the Days of a RestoreRequest body. An empty body restores for one day.
func restoreDays(body io.Reader) (int, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxRestoreBody))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return defaultRestoreDays, nil
	}
	var req RestoreRequest
	if err := xml.Unmarshal(data, &req); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedXML, err)
	}
	if req.Days == 0 {
		return defaultRestoreDays, nil
	}
	if req.Days < 0 {
		return 0, fmt.Errorf("%w: Days must be positive", ErrInvalidRequest)
	}
	return req.Days, nil
}

func setObjectHeaders(w http.ResponseWriter, obj *meta.Object) {
	h := w.Header()
	h.Set("ETag", etag(obj))
	h.Set("Last-Modified", obj.UpdatedAt.UTC().Format(http.TimeFormat))
	h.Set(headerStorageClass, storageClass(obj))
	if obj.Version != "" {
		h.Set("X-Amz-Version-Id", obj.Version)
	}
	switch obj.State().Phase() {
	case "Restoring":
		h.Set(headerRestore, restoreHeader(true, nil))
	case "RestoreReady":
		h.Set(headerRestore, restoreHeader(false, obj.RestoreExpireAt))
	}
	if obj.RestoreTaskID != "" {
		h.Set(headerTaskID, obj.RestoreTaskID)
	}
}

func restoreHeader(ongoing bool, expireAt *time.Time) string {
	if ongoing {
		return `ongoing-request="true"`
	}
	if expireAt == nil {
		return `ongoing-request="false"`
	}
	return fmt.Sprintf(`ongoing-request="false", expiry-date="%s"`, expireAt.UTC().Format(http.TimeFormat))
}

// storageClass reports STANDARD while the authoritative copy is on disk.
func storageClass(obj *meta.Object) string {
	if obj.StorageClass == meta.ClassHot {
		return "STANDARD"
	}
	return "GLACIER"
}

func etag(obj *meta.Object) string {
	return `"` + obj.Checksum + `"`
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError writes an S3-style XML error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if err := xml.NewEncoder(w).Encode(ErrorResponse{Code: code, Message: message}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeXML writes an XML response.
func (s *Server) writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode XML response")
	}
}

// XML types

// ErrorResponse represents an S3 error.
type ErrorResponse struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

// RestoreRequest is the body of POST ?restore.
type RestoreRequest struct {
	XMLName xml.Name `xml:"RestoreRequest"`
	Days    int      `xml:"Days"`
}

// ListBucketResult is the response for listing objects (V1).
type ListBucketResult struct {
	XMLName     xml.Name     `xml:"ListBucketResult"`
	Name        string       `xml:"Name"`
	Prefix      string       `xml:"Prefix"`
	MaxKeys     int          `xml:"MaxKeys"`
	IsTruncated bool         `xml:"IsTruncated"`
	Contents    []ObjectInfo `xml:"Contents"`
}

// ListBucketResultV2 is the response for listing objects (V2).
type ListBucketResultV2 struct {
	XMLName     xml.Name     `xml:"ListBucketResult"`
	Name        string       `xml:"Name"`
	Prefix      string       `xml:"Prefix"`
	MaxKeys     int          `xml:"MaxKeys"`
	KeyCount    int          `xml:"KeyCount"`
	IsTruncated bool         `xml:"IsTruncated"`
	Contents    []ObjectInfo `xml:"Contents"`
}

// ObjectInfo represents an object in a listing.
type ObjectInfo struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}
