// Package meta defines the coldstore data model and the metadata store contract.
package meta

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// StorageClass is the tier that holds the authoritative copy of an object.
type StorageClass string

const (
	ClassHot         StorageClass = "HOT"
	ClassColdPending StorageClass = "COLD_PENDING"
	ClassCold        StorageClass = "COLD"
)

// Valid reports whether c is a known storage class.
func (c StorageClass) Valid() bool {
	switch c {
	case ClassHot, ClassColdPending, ClassCold:
		return true
	}
	return false
}

// RestoreStatus tracks the recall of a cold object. The zero value means no restore.
type RestoreStatus string

const (
	RestoreNone       RestoreStatus = ""
	RestorePending    RestoreStatus = "PENDING"
	RestoreInProgress RestoreStatus = "IN_PROGRESS"
	RestoreCompleted  RestoreStatus = "COMPLETED"
	RestoreExpired    RestoreStatus = "EXPIRED"
	RestoreFailed     RestoreStatus = "FAILED"
)

// Live reports whether the status belongs to a restore that still has work queued or running.
func (s RestoreStatus) Live() bool {
	return s == RestorePending || s == RestoreInProgress
}

// State is the pair of columns guarded by every conditional update.
type State struct {
	Class   StorageClass  `json:"storage_class"`
	Restore RestoreStatus `json:"restore_status,omitempty"`
}

// Common lifecycle states.
var (
	StateHot         = State{Class: ClassHot}
	StateColdPending = State{Class: ClassColdPending}
	StateCold        = State{Class: ClassCold}
)

func (s State) String() string {
	if s.Restore == RestoreNone {
		return string(s.Class)
	}
	return string(s.Class) + "/" + string(s.Restore)
}

// Phase names the lifecycle phase derived from the state pair.
func (s State) Phase() string {
	switch s.Class {
	case ClassHot:
		return "Hot"
	case ClassColdPending:
		return "ColdPending"
	case ClassCold:
		switch s.Restore {
		case RestorePending, RestoreInProgress:
			return "Restoring"
		case RestoreCompleted:
			return "RestoreReady"
		}
		return "Cold"
	}
	return "Unknown"
}

// ObjectID is the composite identity of an object. An empty Version is the null version.
type ObjectID struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	Version string `json:"version,omitempty"`
}

// String renders the identity for logs.
func (id ObjectID) String() string {
	if id.Version == "" {
		return id.Bucket + "/" + id.Key
	}
	return id.Bucket + "/" + id.Key + "?versionId=" + id.Version
}

// Encode returns the NUL-separated form used in tape records, bundle member lists and hashes.
func (id ObjectID) Encode() string {
	return id.Bucket + "\x00" + id.Key + "\x00" + id.Version
}

// Digest is the blake3-256 hex of the encoded identity, used to name files for the object.
func (id ObjectID) Digest() string {
	sum := blake3.Sum256([]byte(id.Encode()))
	return hex.EncodeToString(sum[:])
}

// Checksum returns the blake3-256 hex of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParseObjectID reverses Encode.
func ParseObjectID(s string) (ObjectID, error) {
	parts := strings.Split(s, "\x00")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return ObjectID{}, fmt.Errorf("malformed object identity %q", s)
	}
	return ObjectID{Bucket: parts[0], Key: parts[1], Version: parts[2]}, nil
}

// Object is the metadata record for a stored object.
type Object struct {
	ObjectID
	StorageClass    StorageClass  `json:"storage_class"`
	ArchiveID       string        `json:"archive_id,omitempty"`
	TapeID          string        `json:"tape_id,omitempty"`
	TapeSet         []string      `json:"tape_set,omitempty"`
	Checksum        string        `json:"checksum"`
	Size            int64         `json:"size"`
	RestoreStatus   RestoreStatus `json:"restore_status,omitempty"`
	RestoreExpireAt *time.Time    `json:"restore_expire_at,omitempty"`
	RestoreTaskID   string        `json:"restore_task_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// State returns the guarded state pair of the object.
func (o *Object) State() State {
	return State{Class: o.StorageClass, Restore: o.RestoreStatus}
}

// Clone returns a deep copy.
func (o *Object) Clone() *Object {
	c := *o
	if o.TapeSet != nil {
		c.TapeSet = append([]string(nil), o.TapeSet...)
	}
	if o.RestoreExpireAt != nil {
		t := *o.RestoreExpireAt
		c.RestoreExpireAt = &t
	}
	return &c
}

// BundleStatus is the state of an archive bundle.
type BundleStatus string

const (
	BundlePending   BundleStatus = "PENDING"
	BundleWriting   BundleStatus = "WRITING"
	BundleCompleted BundleStatus = "COMPLETED"
	BundleFailed    BundleStatus = "FAILED"
)

// BundleCopy locates one replica of a bundle on tape.
type BundleCopy struct {
	TapeID string `json:"tape_id"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// Bundle is an immutable group of objects written contiguously to tape.
type Bundle struct {
	ID         string       `json:"id"`
	TapeID     string       `json:"tape_id"`
	ObjectKeys []ObjectID   `json:"object_keys"`
	TotalSize  int64        `json:"total_size"`
	Status     BundleStatus `json:"status"`
	Copies     []BundleCopy `json:"copies,omitempty"`
	Checksum   string       `json:"checksum,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Copy returns the replica on the given tape.
func (b *Bundle) Copy(tapeID string) (BundleCopy, bool) {
	for _, c := range b.Copies {
		if c.TapeID == tapeID {
			return c, true
		}
	}
	return BundleCopy{}, false
}

// TapeIDs lists the tapes holding a replica, primary first.
func (b *Bundle) TapeIDs() []string {
	ids := make([]string, 0, len(b.Copies))
	for _, c := range b.Copies {
		ids = append(ids, c.TapeID)
	}
	return ids
}

// TapeStatus is the availability of a cartridge as observed from the library.
type TapeStatus string

const (
	TapeOnline  TapeStatus = "ONLINE"
	TapeOffline TapeStatus = "OFFLINE"
	TapeUnknown TapeStatus = "UNKNOWN"
	TapeError   TapeStatus = "ERROR"
)

// Valid reports whether s is a known tape status.
func (s TapeStatus) Valid() bool {
	switch s {
	case TapeOnline, TapeOffline, TapeUnknown, TapeError:
		return true
	}
	return false
}

// Tape describes a cartridge.
type Tape struct {
	ID             string     `json:"id"`
	Format         string     `json:"format"`
	Status         TapeStatus `json:"status"`
	Location       string     `json:"location,omitempty"`
	CapacityBytes  int64      `json:"capacity_bytes"`
	UsedBytes      int64      `json:"used_bytes"`
	Bundles        []string   `json:"bundles,omitempty"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
}

// Remaining returns the unwritten capacity of the tape.
func (t *Tape) Remaining() int64 {
	if t.CapacityBytes <= t.UsedBytes {
		return 0
	}
	return t.CapacityBytes - t.UsedBytes
}

// RecallTask is a queued or finished restore of one object.
type RecallTask struct {
	ID          string        `json:"id"`
	Object      ObjectID      `json:"object"`
	ArchiveID   string        `json:"archive_id"`
	TapeID      string        `json:"tape_id"`
	Status      RestoreStatus `json:"status"`
	Priority    uint32        `json:"priority"`
	Days        int           `json:"days"`
	Suspended   bool          `json:"suspended,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ArchiveTaskStatus is the state of an archive task.
type ArchiveTaskStatus string

const (
	ArchivePending    ArchiveTaskStatus = "PENDING"
	ArchiveInProgress ArchiveTaskStatus = "IN_PROGRESS"
	ArchiveCompleted  ArchiveTaskStatus = "COMPLETED"
	ArchiveFailed     ArchiveTaskStatus = "FAILED"
)

// ArchiveTask records the write of one bundle.
type ArchiveTask struct {
	ID          string            `json:"id"`
	ObjectKeys  []ObjectID        `json:"object_keys"`
	BundleID    string            `json:"archive_bundle_id"`
	Status      ArchiveTaskStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
}
