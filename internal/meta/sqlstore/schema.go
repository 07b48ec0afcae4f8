package sqlstore

import (
	"context"
	"database/sql"
	"time"
)

func (s *Store) migrate(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at BIGINT NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		if err = applyV1(ctx, tx); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, s.rebind("INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)"), time.Now().UnixNano()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			bucket TEXT NOT NULL,
			object_key TEXT NOT NULL,
			version TEXT NOT NULL,
			storage_class TEXT NOT NULL,
			archive_id TEXT NOT NULL DEFAULT '',
			tape_id TEXT NOT NULL DEFAULT '',
			tape_set TEXT NOT NULL DEFAULT '[]',
			checksum TEXT NOT NULL,
			size BIGINT NOT NULL,
			restore_status TEXT NOT NULL DEFAULT '',
			restore_expire_at BIGINT,
			restore_task_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY(bucket, object_key, version)
		)`,
		`CREATE INDEX IF NOT EXISTS objects_class_idx ON objects(storage_class, updated_at)`,
		`CREATE INDEX IF NOT EXISTS objects_restore_idx ON objects(restore_status)`,
		`CREATE INDEX IF NOT EXISTS objects_tape_idx ON objects(tape_id)`,
		`CREATE TABLE IF NOT EXISTS bundles (
			id TEXT PRIMARY KEY,
			tape_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			total_size BIGINT NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			object_keys TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS bundles_status_idx ON bundles(status)`,
		`CREATE TABLE IF NOT EXISTS bundle_copies (
			bundle_id TEXT NOT NULL,
			tape_id TEXT NOT NULL,
			tape_offset BIGINT NOT NULL,
			length BIGINT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY(bundle_id, tape_id)
		)`,
		`CREATE INDEX IF NOT EXISTS bundle_copies_tape_idx ON bundle_copies(tape_id, tape_offset)`,
		`CREATE TABLE IF NOT EXISTS tapes (
			id TEXT PRIMARY KEY,
			format TEXT NOT NULL,
			status TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			capacity_bytes BIGINT NOT NULL,
			used_bytes BIGINT NOT NULL,
			bundles TEXT NOT NULL DEFAULT '[]',
			last_verified_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS recall_tasks (
			id TEXT PRIMARY KEY,
			bucket TEXT NOT NULL,
			object_key TEXT NOT NULL,
			version TEXT NOT NULL,
			archive_id TEXT NOT NULL,
			tape_id TEXT NOT NULL,
			status TEXT NOT NULL,
			priority BIGINT NOT NULL,
			days INTEGER NOT NULL,
			suspended INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS recall_tasks_status_idx ON recall_tasks(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS archive_tasks (
			id TEXT PRIMARY KEY,
			bundle_id TEXT NOT NULL,
			object_keys TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			error TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
