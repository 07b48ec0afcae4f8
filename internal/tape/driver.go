// Package tape drives cartridges: the driver contract, a file-backed library, the on-tape bundle
// framing and the Manager that serialises access to drives and tapes.
package tape

import (
	"context"
	"errors"

	"github.com/zombar/coldstore/internal/meta"
)

// Driver is the block-level tape contract. Writes append at the drive position; reads are positioned.
type Driver interface {
	Mount(ctx context.Context, tapeID string) (driveID string, err error)
	Unmount(ctx context.Context, driveID string) error
	// Write appends data at the drive position and returns the offset it was written at.
	// Anything previously recorded after that position is discarded.
	Write(ctx context.Context, driveID string, data []byte) (offset int64, err error)
	Read(ctx context.Context, driveID string, offset, length int64) ([]byte, error)
	// Seek sets the drive position for the next write.
	Seek(ctx context.Context, driveID string, offset int64) error
	Status(ctx context.Context, tapeID string) (meta.TapeStatus, error)
}

// StatusSetter is implemented by drivers whose cartridge availability can be changed by operators.
type StatusSetter interface {
	SetStatus(tapeID string, status meta.TapeStatus) error
}

// Driver errors.
var (
	ErrTapeFull     = errors.New("tape full")
	ErrNoDrive      = errors.New("no free drive")
	ErrTapeBusy     = errors.New("tape already mounted")
	ErrUnknownTape  = errors.New("unknown tape")
	ErrUnknownDrive = errors.New("unknown drive")
)
