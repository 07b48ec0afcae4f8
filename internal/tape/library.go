package tape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zombar/coldstore/internal/meta"
)

// Cartridge describes a tape loaded in the library.
type Cartridge struct {
	ID            string
	Format        string
	CapacityBytes int64
	Location      string
}

// LibraryConfig configures a FileLibrary.
type LibraryConfig struct {
	Path       string
	Drives     int
	Cartridges []Cartridge
	Logger     zerolog.Logger
}

// FileLibrary emulates an autoloader on a directory: one <id>.tape file per cartridge and a
// library.json holding operator-set statuses.
type FileLibrary struct {
	mu     sync.Mutex
	dir    string
	drives []*drive
	tapes  map[string]*cartridge
	logger zerolog.Logger
}

type cartridge struct {
	Cartridge
	status  meta.TapeStatus
	mounted bool
}

type drive struct {
	id     string
	tapeID string
	file   *os.File
	pos    int64
}

type libraryState struct {
	Statuses map[string]meta.TapeStatus `json:"statuses"`
}

var _ Driver = (*FileLibrary)(nil)

// NewFileLibrary opens the library directory and restores persisted statuses. Cartridges without
// a persisted status start ONLINE.
func NewFileLibrary(cfg LibraryConfig) (*FileLibrary, error) {
	if cfg.Path == "" {
		return nil, errors.New("tape library: path required")
	}
	if cfg.Drives <= 0 {
		cfg.Drives = 1
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("create library dir: %w", err)
	}
	l := &FileLibrary{
		dir:    cfg.Path,
		tapes:  make(map[string]*cartridge, len(cfg.Cartridges)),
		logger: cfg.Logger.With().Str("component", "tape-library").Logger(),
	}
	for i := 0; i < cfg.Drives; i++ {
		l.drives = append(l.drives, &drive{id: "drive-" + strconv.Itoa(i)})
	}

	var state libraryState
	if data, err := os.ReadFile(l.statePath()); err == nil {
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("parse library state: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read library state: %w", err)
	}

	for _, c := range cfg.Cartridges {
		if c.ID == "" {
			return nil, errors.New("tape library: cartridge id required")
		}
		status := meta.TapeOnline
		if s, ok := state.Statuses[c.ID]; ok && s.Valid() {
			status = s
		}
		l.tapes[c.ID] = &cartridge{Cartridge: c, status: status}
	}
	return l, nil
}

func (l *FileLibrary) statePath() string {
	return filepath.Join(l.dir, "library.json")
}

func (l *FileLibrary) tapePath(id string) string {
	return filepath.Join(l.dir, id+".tape")
}

// persist writes library.json atomically. Caller holds l.mu.
func (l *FileLibrary) persist() error {
	state := libraryState{Statuses: make(map[string]meta.TapeStatus, len(l.tapes))}
	for id, t := range l.tapes {
		state.Statuses[id] = t.status
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(l.dir, ".library-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write library state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), l.statePath())
}

// Cartridges lists the configured cartridges.
func (l *FileLibrary) Cartridges() []Cartridge {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Cartridge, 0, len(l.tapes))
	for _, t := range l.tapes {
		out = append(out, t.Cartridge)
	}
	return out
}

// SetStatus changes a cartridge's availability and persists it.
func (l *FileLibrary) SetStatus(tapeID string, status meta.TapeStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid tape status %q", status)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tapes[tapeID]
	if !ok {
		return fmt.Errorf("%s: %w", tapeID, ErrUnknownTape)
	}
	t.status = status
	l.logger.Info().Str("tape", tapeID).Str("status", string(status)).Msg("tape status set")
	return l.persist()
}

// Status reports the cartridge status; tapes the library does not hold are UNKNOWN.
func (l *FileLibrary) Status(_ context.Context, tapeID string) (meta.TapeStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tapes[tapeID]
	if !ok {
		return meta.TapeUnknown, nil
	}
	return t.status, nil
}

// Mount loads tapeID into a free drive.
func (l *FileLibrary) Mount(ctx context.Context, tapeID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tapes[tapeID]
	if !ok {
		return "", fmt.Errorf("%s: %w", tapeID, ErrUnknownTape)
	}
	if t.status != meta.TapeOnline {
		return "", fmt.Errorf("%s is %s: %w", tapeID, t.status, meta.ErrTapeOffline)
	}
	if t.mounted {
		return "", fmt.Errorf("%s: %w", tapeID, ErrTapeBusy)
	}
	for _, d := range l.drives {
		if d.file != nil {
			continue
		}
		f, err := os.OpenFile(l.tapePath(tapeID), os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return "", fmt.Errorf("%w: open %s: %v", meta.ErrTapeIO, tapeID, err)
		}
		d.file, d.tapeID, d.pos = f, tapeID, 0
		t.mounted = true
		return d.id, nil
	}
	return "", ErrNoDrive
}

// Unmount ejects the tape in driveID.
func (l *FileLibrary) Unmount(_ context.Context, driveID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, err := l.drive(driveID)
	if err != nil {
		return err
	}
	if d.file == nil {
		return nil
	}
	err = d.file.Close()
	if t, ok := l.tapes[d.tapeID]; ok {
		t.mounted = false
	}
	d.file, d.tapeID, d.pos = nil, "", 0
	if err != nil {
		return fmt.Errorf("%w: %v", meta.ErrTapeIO, err)
	}
	return nil
}

// drive returns a loaded or empty drive. Caller holds l.mu.
func (l *FileLibrary) drive(id string) (*drive, error) {
	for _, d := range l.drives {
		if d.id == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrUnknownDrive)
}

// loaded returns the drive and its cartridge, failing when the cartridge went offline while mounted.
// Caller holds l.mu.
func (l *FileLibrary) loaded(id string) (*drive, *cartridge, error) {
	d, err := l.drive(id)
	if err != nil {
		return nil, nil, err
	}
	if d.file == nil {
		return nil, nil, fmt.Errorf("%s is empty: %w", id, ErrUnknownDrive)
	}
	t := l.tapes[d.tapeID]
	if t.status != meta.TapeOnline {
		return nil, nil, fmt.Errorf("%s is %s: %w", d.tapeID, t.status, meta.ErrTapeOffline)
	}
	return d, t, nil
}

// Seek positions the drive for the next write.
func (l *FileLibrary) Seek(ctx context.Context, driveID string, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if offset < 0 {
		return fmt.Errorf("negative offset %d", offset)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	d, _, err := l.loaded(driveID)
	if err != nil {
		return err
	}
	d.pos = offset
	return nil
}

// Write records data at the drive position, discarding anything after it.
func (l *FileLibrary) Write(ctx context.Context, driveID string, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	d, t, err := l.loaded(driveID)
	if err != nil {
		return 0, err
	}
	if d.pos+int64(len(data)) > t.CapacityBytes {
		return 0, fmt.Errorf("%s: %w", d.tapeID, ErrTapeFull)
	}
	if err := d.file.Truncate(d.pos); err != nil {
		return 0, fmt.Errorf("%w: %v", meta.ErrTapeIO, err)
	}
	if _, err := d.file.WriteAt(data, d.pos); err != nil {
		return 0, fmt.Errorf("%w: %v", meta.ErrTapeIO, err)
	}
	if err := d.file.Sync(); err != nil {
		return 0, fmt.Errorf("%w: %v", meta.ErrTapeIO, err)
	}
	off := d.pos
	d.pos += int64(len(data))
	return off, nil
}

// Read returns length bytes at offset. Reading at or past the end of data returns io.EOF.
func (l *FileLibrary) Read(ctx context.Context, driveID string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	d, _, err := l.loaded(driveID)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	f := d.file
	l.mu.Unlock()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.EOF) && n == 0:
		return nil, io.EOF
	case errors.Is(err, io.EOF):
		return buf[:n], io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("%w: %v", meta.ErrTapeIO, err)
}
