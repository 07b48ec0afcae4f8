package meta

import "context"

// Store is the metadata backend contract. Implementations must provide linearizable
// per-record reads and writes and translate driver failures into the error kinds of
// this package (ErrMetadataUnavailable, ErrObjectNotFound, ErrNotFound, ErrConflictingState).
type Store interface {
	GetObject(ctx context.Context, id ObjectID) (*Object, error)
	// CreateObject inserts a new object; ErrConflictingState if the identity exists.
	CreateObject(ctx context.Context, obj *Object) error
	// UpdateObject is the conditional-update primitive. It fails with ErrConflictingState
	// unless the stored state equals expected, then applies mutate to a copy of the row and
	// writes it guarded by the same predicate. mutate may change any mutable column.
	UpdateObject(ctx context.Context, id ObjectID, expected State, mutate func(*Object)) (*Object, error)
	// DeleteObject removes the object if its state equals expected.
	DeleteObject(ctx context.Context, id ObjectID, expected State) error
	ListObjects(ctx context.Context, bucket, prefix string, maxKeys int) ([]*Object, error)
	// ListObjectsByClass returns up to limit objects of the class ordered by updated_at ascending.
	ListObjectsByClass(ctx context.Context, class StorageClass, limit int) ([]*Object, error)
	ListObjectsByRestore(ctx context.Context, status RestoreStatus, limit int) ([]*Object, error)
	ListObjectsByTape(ctx context.Context, tapeID string) ([]*Object, error)

	PutBundle(ctx context.Context, b *Bundle) error
	GetBundle(ctx context.Context, id string) (*Bundle, error)
	// UpdateBundleStatus moves a bundle from expected to next; ErrConflictingState otherwise.
	UpdateBundleStatus(ctx context.Context, id string, expected, next BundleStatus) error
	ListBundlesByTape(ctx context.Context, tapeID string) ([]*Bundle, error)
	ListBundlesByStatus(ctx context.Context, status BundleStatus) ([]*Bundle, error)

	PutTape(ctx context.Context, t *Tape) error
	GetTape(ctx context.Context, id string) (*Tape, error)
	ListTapes(ctx context.Context) ([]*Tape, error)

	PutRecallTask(ctx context.Context, t *RecallTask) error
	GetRecallTask(ctx context.Context, id string) (*RecallTask, error)
	ListRecallTasks(ctx context.Context, statuses ...RestoreStatus) ([]*RecallTask, error)

	PutArchiveTask(ctx context.Context, t *ArchiveTask) error
	GetArchiveTask(ctx context.Context, id string) (*ArchiveTask, error)

	Ping(ctx context.Context) error
	Close() error
}
