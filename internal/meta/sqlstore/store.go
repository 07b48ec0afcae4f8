// Package sqlstore implements meta.Store on a SQL database. The sqlite dialect serves embedded
// single-node deployments and tests; the postgres dialect serves shared deployments.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/zombar/coldstore/internal/meta"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the driver and connection.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	Logger       zerolog.Logger
}

// Store is a SQL-backed metadata store.
type Store struct {
	db       *sql.DB
	postgres bool
	logger   zerolog.Logger
}

var _ meta.Store = (*Store)(nil)

// Open connects, applies pragmas and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("sqlstore: dsn required")
	}
	var driverName string
	switch cfg.Driver {
	case DriverSQLite, "":
		driverName = "sqlite"
	case DriverPostgres:
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}
	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:       db,
		postgres: driverName == "postgres",
		logger:   cfg.Logger.With().Str("component", "sqlstore").Logger(),
	}
	if s.postgres {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	} else {
		// A single connection serialises writers and keeps :memory: databases coherent.
		db.SetMaxOpenConns(1)
		if err := s.applyPragmas(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	s.logger.Debug().Str("driver", driverName).Msg("metadata store opened")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.wrap(err)
	}
	return nil
}

func (s *Store) applyPragmas(ctx context.Context) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders into $n for postgres.
func (s *Store) rebind(q string) string {
	if !s.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// wrap maps driver failures onto store error kinds.
func (s *Store) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", meta.ErrCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", meta.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", meta.ErrMetadataUnavailable, err)
}

func escapeLike(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- objects ---

const objectColumns = `bucket, object_key, version, storage_class, archive_id, tape_id, tape_set, checksum,
size, restore_status, restore_expire_at, restore_task_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(row scanner) (*meta.Object, error) {
	var (
		o                meta.Object
		class, restore   string
		tapeSet          string
		expire           sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&o.Bucket, &o.Key, &o.Version, &class, &o.ArchiveID, &o.TapeID, &tapeSet,
		&o.Checksum, &o.Size, &restore, &expire, &o.RestoreTaskID, &created, &updated); err != nil {
		return nil, err
	}
	o.StorageClass = meta.StorageClass(class)
	o.RestoreStatus = meta.RestoreStatus(restore)
	o.RestoreExpireAt = timePtr(expire)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	if tapeSet != "" && tapeSet != "[]" && tapeSet != "null" {
		if err := json.Unmarshal([]byte(tapeSet), &o.TapeSet); err != nil {
			return nil, fmt.Errorf("decode tape_set: %w", err)
		}
	}
	return &o, nil
}

func objectArgs(o *meta.Object) ([]any, error) {
	tapeSet, err := encodeJSON(o.TapeSet)
	if err != nil {
		return nil, err
	}
	if o.TapeSet == nil {
		tapeSet = "[]"
	}
	return []any{
		o.Bucket, o.Key, o.Version, string(o.StorageClass), o.ArchiveID, o.TapeID, tapeSet, o.Checksum,
		o.Size, string(o.RestoreStatus), nullTime(o.RestoreExpireAt), o.RestoreTaskID,
		toNanos(o.CreatedAt), toNanos(o.UpdatedAt),
	}, nil
}

// GetObject returns the object or meta.ErrObjectNotFound.
func (s *Store) GetObject(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+objectColumns+` FROM objects
WHERE bucket=? AND object_key=? AND version=?`), id.Bucket, id.Key, id.Version)
	o, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, meta.ErrObjectNotFound)
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	return o, nil
}

// CreateObject inserts obj; meta.ErrConflictingState if the identity is taken.
func (s *Store) CreateObject(ctx context.Context, obj *meta.Object) error {
	args, err := objectArgs(obj)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO objects (`+objectColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (bucket, object_key, version) DO NOTHING`), args...)
	if err != nil {
		return s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err)
	}
	if n == 0 {
		return fmt.Errorf("%s already exists: %w", obj.ObjectID, meta.ErrConflictingState)
	}
	return nil
}

// UpdateObject applies mutate when the stored state equals expected. The write is guarded by
// the same predicate so a concurrent transition between read and write is detected.
func (s *Store) UpdateObject(ctx context.Context, id meta.ObjectID, expected meta.State, mutate func(*meta.Object)) (_ *meta.Object, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+objectColumns+` FROM objects
WHERE bucket=? AND object_key=? AND version=?`), id.Bucket, id.Key, id.Version)
	cur, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, meta.ErrObjectNotFound)
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	if cur.State() != expected {
		return nil, fmt.Errorf("%s is %s, expected %s: %w", id, cur.State(), expected, meta.ErrConflictingState)
	}

	next := cur.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.ObjectID = id
	next.CreatedAt = cur.CreatedAt
	if next.UpdatedAt.Equal(cur.UpdatedAt) || next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}

	tapeSet, err := encodeJSON(next.TapeSet)
	if err != nil {
		return nil, err
	}
	if next.TapeSet == nil {
		tapeSet = "[]"
	}
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE objects SET storage_class=?, archive_id=?, tape_id=?,
tape_set=?, checksum=?, size=?, restore_status=?, restore_expire_at=?, restore_task_id=?, updated_at=?
WHERE bucket=? AND object_key=? AND version=? AND storage_class=? AND restore_status=?`),
		string(next.StorageClass), next.ArchiveID, next.TapeID, tapeSet, next.Checksum, next.Size,
		string(next.RestoreStatus), nullTime(next.RestoreExpireAt), next.RestoreTaskID, toNanos(next.UpdatedAt),
		id.Bucket, id.Key, id.Version, string(expected.Class), string(expected.Restore))
	if err != nil {
		return nil, s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, s.wrap(err)
	}
	if n != 1 {
		err = fmt.Errorf("%s changed concurrently: %w", id, meta.ErrConflictingState)
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, s.wrap(err)
	}
	return next, nil
}

// DeleteObject removes the object if its state equals expected.
func (s *Store) DeleteObject(ctx context.Context, id meta.ObjectID, expected meta.State) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM objects
WHERE bucket=? AND object_key=? AND version=? AND storage_class=? AND restore_status=?`),
		id.Bucket, id.Key, id.Version, string(expected.Class), string(expected.Restore))
	if err != nil {
		return s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetObject(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", id, meta.ErrConflictingState)
}

func (s *Store) queryObjects(ctx context.Context, query string, args ...any) ([]*meta.Object, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*meta.Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, s.wrap(err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err)
	}
	return out, nil
}

// ListObjects returns objects in bucket whose key starts with prefix, ordered by key and version.
func (s *Store) ListObjects(ctx context.Context, bucket, prefix string, maxKeys int) ([]*meta.Object, error) {
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	return s.queryObjects(ctx, `SELECT `+objectColumns+` FROM objects
WHERE bucket=? AND object_key LIKE ? ESCAPE '\'
ORDER BY object_key, version
LIMIT ?`, bucket, escapeLike(prefix)+"%", maxKeys)
}

// ListObjectsByClass returns up to limit objects of class, oldest update first.
func (s *Store) ListObjectsByClass(ctx context.Context, class meta.StorageClass, limit int) ([]*meta.Object, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryObjects(ctx, `SELECT `+objectColumns+` FROM objects
WHERE storage_class=?
ORDER BY updated_at, bucket, object_key, version
LIMIT ?`, string(class), limit)
}

// ListObjectsByRestore returns up to limit objects with the given restore status.
func (s *Store) ListObjectsByRestore(ctx context.Context, status meta.RestoreStatus, limit int) ([]*meta.Object, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryObjects(ctx, `SELECT `+objectColumns+` FROM objects
WHERE restore_status=?
ORDER BY updated_at, bucket, object_key, version
LIMIT ?`, string(status), limit)
}

// ListObjectsByTape returns every object whose tape set includes tapeID.
func (s *Store) ListObjectsByTape(ctx context.Context, tapeID string) ([]*meta.Object, error) {
	return s.queryObjects(ctx, `SELECT `+objectColumns+` FROM objects
WHERE tape_id=? OR archive_id IN (SELECT bundle_id FROM bundle_copies WHERE tape_id=?)
ORDER BY bucket, object_key, version`, tapeID, tapeID)
}

// --- bundles ---

// PutBundle inserts or replaces a bundle and its copy extents.
func (s *Store) PutBundle(ctx context.Context, b *meta.Bundle) (err error) {
	keys, err := encodeJSON(b.ObjectKeys)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO bundles (id, tape_id, status, total_size, checksum, object_keys, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET tape_id=excluded.tape_id, status=excluded.status, total_size=excluded.total_size,
checksum=excluded.checksum, object_keys=excluded.object_keys, updated_at=excluded.updated_at`),
		b.ID, b.TapeID, string(b.Status), b.TotalSize, b.Checksum, keys, toNanos(b.CreatedAt), toNanos(b.UpdatedAt)); err != nil {
		return s.wrap(err)
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM bundle_copies WHERE bundle_id=?`), b.ID); err != nil {
		return s.wrap(err)
	}
	for i, c := range b.Copies {
		if _, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO bundle_copies (bundle_id, tape_id, tape_offset, length, position)
VALUES (?, ?, ?, ?, ?)`), b.ID, c.TapeID, c.Offset, c.Length, i); err != nil {
			return s.wrap(err)
		}
	}
	if err = tx.Commit(); err != nil {
		return s.wrap(err)
	}
	return nil
}

func (s *Store) loadCopies(ctx context.Context, bundles []*meta.Bundle) error {
	if len(bundles) == 0 {
		return nil
	}
	byID := make(map[string]*meta.Bundle, len(bundles))
	args := make([]any, 0, len(bundles))
	marks := make([]string, 0, len(bundles))
	for _, b := range bundles {
		byID[b.ID] = b
		args = append(args, b.ID)
		marks = append(marks, "?")
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT bundle_id, tape_id, tape_offset, length FROM bundle_copies
WHERE bundle_id IN (`+strings.Join(marks, ",")+`)
ORDER BY bundle_id, position`), args...)
	if err != nil {
		return s.wrap(err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		var c meta.BundleCopy
		if err := rows.Scan(&id, &c.TapeID, &c.Offset, &c.Length); err != nil {
			return s.wrap(err)
		}
		if b := byID[id]; b != nil {
			b.Copies = append(b.Copies, c)
		}
	}
	return s.wrap(rows.Err())
}

const bundleColumns = `id, tape_id, status, total_size, checksum, object_keys, created_at, updated_at`

func scanBundle(row scanner) (*meta.Bundle, error) {
	var (
		b                meta.Bundle
		status, keys     string
		created, updated int64
	)
	if err := row.Scan(&b.ID, &b.TapeID, &status, &b.TotalSize, &b.Checksum, &keys, &created, &updated); err != nil {
		return nil, err
	}
	b.Status = meta.BundleStatus(status)
	b.CreatedAt = fromNanos(created)
	b.UpdatedAt = fromNanos(updated)
	if err := json.Unmarshal([]byte(keys), &b.ObjectKeys); err != nil {
		return nil, fmt.Errorf("decode object_keys: %w", err)
	}
	return &b, nil
}

// GetBundle returns the bundle or meta.ErrNotFound.
func (s *Store) GetBundle(ctx context.Context, id string) (*meta.Bundle, error) {
	b, err := scanBundle(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+bundleColumns+` FROM bundles WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bundle %s: %w", id, meta.ErrNotFound)
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	if err := s.loadCopies(ctx, []*meta.Bundle{b}); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateBundleStatus moves a bundle from expected to next.
func (s *Store) UpdateBundleStatus(ctx context.Context, id string, expected, next meta.BundleStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE bundles SET status=?, updated_at=? WHERE id=? AND status=?`),
		string(next), time.Now().UnixNano(), id, string(expected))
	if err != nil {
		return s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetBundle(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("bundle %s not %s: %w", id, expected, meta.ErrConflictingState)
}

func (s *Store) queryBundles(ctx context.Context, query string, args ...any) ([]*meta.Bundle, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.wrap(err)
	}
	var out []*meta.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			_ = rows.Close()
			return nil, s.wrap(err)
		}
		out = append(out, b)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, s.wrap(err)
	}
	if err := s.loadCopies(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListBundlesByTape returns bundles with a copy on tapeID ordered by offset on that tape.
func (s *Store) ListBundlesByTape(ctx context.Context, tapeID string) ([]*meta.Bundle, error) {
	return s.queryBundles(ctx, `SELECT b.id, b.tape_id, b.status, b.total_size, b.checksum, b.object_keys, b.created_at, b.updated_at
FROM bundles b JOIN bundle_copies c ON c.bundle_id = b.id
WHERE c.tape_id=?
ORDER BY c.tape_offset`, tapeID)
}

// ListBundlesByStatus returns bundles in status, oldest first.
func (s *Store) ListBundlesByStatus(ctx context.Context, status meta.BundleStatus) ([]*meta.Bundle, error) {
	return s.queryBundles(ctx, `SELECT `+bundleColumns+` FROM bundles WHERE status=? ORDER BY created_at, id`, string(status))
}

// --- tapes ---

// PutTape inserts or replaces a tape record.
func (s *Store) PutTape(ctx context.Context, t *meta.Tape) error {
	bundles, err := encodeJSON(t.Bundles)
	if err != nil {
		return err
	}
	if t.Bundles == nil {
		bundles = "[]"
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO tapes (id, format, status, location, capacity_bytes, used_bytes, bundles, last_verified_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET format=excluded.format, status=excluded.status, location=excluded.location,
capacity_bytes=excluded.capacity_bytes, used_bytes=excluded.used_bytes, bundles=excluded.bundles,
last_verified_at=excluded.last_verified_at`),
		t.ID, t.Format, string(t.Status), t.Location, t.CapacityBytes, t.UsedBytes, bundles, nullTime(t.LastVerifiedAt))
	return s.wrap(err)
}

func scanTape(row scanner) (*meta.Tape, error) {
	var (
		t               meta.Tape
		status, bundles string
		verified        sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Format, &status, &t.Location, &t.CapacityBytes, &t.UsedBytes, &bundles, &verified); err != nil {
		return nil, err
	}
	t.Status = meta.TapeStatus(status)
	t.LastVerifiedAt = timePtr(verified)
	if bundles != "" && bundles != "[]" && bundles != "null" {
		if err := json.Unmarshal([]byte(bundles), &t.Bundles); err != nil {
			return nil, fmt.Errorf("decode bundles: %w", err)
		}
	}
	return &t, nil
}

const tapeColumns = `id, format, status, location, capacity_bytes, used_bytes, bundles, last_verified_at`

// GetTape returns the tape or meta.ErrNotFound.
func (s *Store) GetTape(ctx context.Context, id string) (*meta.Tape, error) {
	t, err := scanTape(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+tapeColumns+` FROM tapes WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tape %s: %w", id, meta.ErrNotFound)
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	return t, nil
}

// ListTapes returns all tapes ordered by id.
func (s *Store) ListTapes(ctx context.Context) ([]*meta.Tape, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tapeColumns+` FROM tapes ORDER BY id`)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer func() { _ = rows.Close() }()
	var out []*meta.Tape
	for rows.Next() {
		t, err := scanTape(rows)
		if err != nil {
			return nil, s.wrap(err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err)
	}
	return out, nil
}

// --- recall tasks ---

const recallColumns = `id, bucket, object_key, version, archive_id, tape_id, status, priority, days, suspended,
created_at, started_at, completed_at, error`

// PutRecallTask inserts or replaces a recall task.
func (s *Store) PutRecallTask(ctx context.Context, t *meta.RecallTask) error {
	suspended := 0
	if t.Suspended {
		suspended = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO recall_tasks (`+recallColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET archive_id=excluded.archive_id, tape_id=excluded.tape_id, status=excluded.status,
priority=excluded.priority, days=excluded.days, suspended=excluded.suspended, started_at=excluded.started_at,
completed_at=excluded.completed_at, error=excluded.error`),
		t.ID, t.Object.Bucket, t.Object.Key, t.Object.Version, t.ArchiveID, t.TapeID, string(t.Status),
		int64(t.Priority), t.Days, suspended, toNanos(t.CreatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt), t.Error)
	return s.wrap(err)
}

func scanRecall(row scanner) (*meta.RecallTask, error) {
	var (
		t                  meta.RecallTask
		status             string
		priority           int64
		suspended          int
		created            int64
		started, completed sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Object.Bucket, &t.Object.Key, &t.Object.Version, &t.ArchiveID, &t.TapeID, &status,
		&priority, &t.Days, &suspended, &created, &started, &completed, &t.Error); err != nil {
		return nil, err
	}
	t.Status = meta.RestoreStatus(status)
	t.Priority = uint32(priority)
	t.Suspended = suspended != 0
	t.CreatedAt = fromNanos(created)
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	return &t, nil
}

// GetRecallTask returns the task or meta.ErrNotFound.
func (s *Store) GetRecallTask(ctx context.Context, id string) (*meta.RecallTask, error) {
	t, err := scanRecall(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+recallColumns+` FROM recall_tasks WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recall task %s: %w", id, meta.ErrNotFound)
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	return t, nil
}

// ListRecallTasks returns tasks in any of statuses (all tasks when none given), oldest first.
func (s *Store) ListRecallTasks(ctx context.Context, statuses ...meta.RestoreStatus) ([]*meta.RecallTask, error) {
	query := `SELECT ` + recallColumns + ` FROM recall_tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, 0, len(statuses))
		for _, st := range statuses {
			marks = append(marks, "?")
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer func() { _ = rows.Close() }()
	var out []*meta.RecallTask
	for rows.Next() {
		t, err := scanRecall(rows)
		if err != nil {
			return nil, s.wrap(err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err)
	}
	return out, nil
}

// --- archive tasks ---

// PutArchiveTask inserts or replaces an archive task.
func (s *Store) PutArchiveTask(ctx context.Context, t *meta.ArchiveTask) error {
	keys, err := encodeJSON(t.ObjectKeys)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO archive_tasks (id, bundle_id, object_keys, status, created_at, started_at, completed_at, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET bundle_id=excluded.bundle_id, object_keys=excluded.object_keys, status=excluded.status,
started_at=excluded.started_at, completed_at=excluded.completed_at, error=excluded.error`),
		t.ID, t.BundleID, keys, string(t.Status), toNanos(t.CreatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt), t.Error)
	return s.wrap(err)
}

// GetArchiveTask returns the task or meta.ErrNotFound.
func (s *Store) GetArchiveTask(ctx context.Context, id string) (*meta.ArchiveTask, error) {
	var (
		t                  meta.ArchiveTask
		status, keys       string
		created            int64
		started, completed sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, bundle_id, object_keys, status, created_at, started_at, completed_at, error
FROM archive_tasks WHERE id=?`), id).Scan(&t.ID, &t.BundleID, &keys, &status, &created, &started, &completed, &t.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archive task %s: %w", id, meta.ErrNotFound)
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	t.Status = meta.ArchiveTaskStatus(status)
	t.CreatedAt = fromNanos(created)
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	if err := json.Unmarshal([]byte(keys), &t.ObjectKeys); err != nil {
		return nil, fmt.Errorf("decode object_keys: %w", err)
	}
	return &t, nil
}
