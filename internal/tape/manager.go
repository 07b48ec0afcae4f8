package tape

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zombar/coldstore/internal/meta"
)

// ErrNoTape is returned when fewer suitable tapes are available than requested.
var ErrNoTape = errors.New("no suitable tape")

// Extent locates a written bundle on a tape.
type Extent struct {
	Offset int64
	Length int64
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Driver           Driver
	Store            meta.Store
	Drives           int
	SupportedFormats []string
	Logger           zerolog.Logger
	Now              func() time.Time
}

// Manager serialises tape access: at most Drives concurrent mounts and one session per tape.
// It owns the Tape records in the metadata store.
type Manager struct {
	drv     Driver
	store   meta.Store
	slots   chan struct{}
	formats map[string]bool
	logger  zerolog.Logger
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	// recMu serialises read-modify-write of Tape records.
	recMu sync.Mutex

	noticeMu sync.Mutex
	noticed  map[string]bool
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Drives <= 0 {
		cfg.Drives = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		drv:     cfg.Driver,
		store:   cfg.Store,
		slots:   make(chan struct{}, cfg.Drives),
		formats: make(map[string]bool, len(cfg.SupportedFormats)),
		logger:  cfg.Logger.With().Str("component", "tape-manager").Logger(),
		now:     cfg.Now,
		locks:   make(map[string]chan struct{}),
		noticed: make(map[string]bool),
	}
	for _, f := range cfg.SupportedFormats {
		m.formats[f] = true
	}
	return m
}

// Driver returns the underlying driver.
func (m *Manager) Driver() Driver {
	return m.drv
}

func (m *Manager) tapeLock(tapeID string) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[tapeID]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[tapeID] = l
	}
	return l
}

// session locks the tape, takes a drive slot, mounts, runs fn and unmounts.
func (m *Manager) session(ctx context.Context, tapeID string, fn func(driveID string) error) error {
	lock := m.tapeLock(tapeID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.slots }()

	driveID, err := m.drv.Mount(ctx, tapeID)
	if err != nil {
		return fmt.Errorf("mount %s: %w", tapeID, err)
	}
	defer func() {
		if err := m.drv.Unmount(context.WithoutCancel(ctx), driveID); err != nil {
			m.logger.Warn().Err(err).Str("tape", tapeID).Str("drive", driveID).Msg("unmount failed")
		}
	}()
	return fn(driveID)
}

// Register seeds Tape records for the library's cartridges, keeping usage of known tapes.
func (m *Manager) Register(ctx context.Context, carts []Cartridge) error {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	for _, c := range carts {
		status, err := m.drv.Status(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("status %s: %w", c.ID, err)
		}
		t, err := m.store.GetTape(ctx, c.ID)
		switch {
		case errors.Is(err, meta.ErrNotFound):
			t = &meta.Tape{ID: c.ID}
		case err != nil:
			return err
		}
		t.Format = c.Format
		t.CapacityBytes = c.CapacityBytes
		t.Location = c.Location
		if t.Status != meta.TapeError {
			t.Status = status
		}
		if err := m.store.PutTape(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Tapes lists all tape records.
func (m *Manager) Tapes(ctx context.Context) ([]*meta.Tape, error) {
	return m.store.ListTapes(ctx)
}

// Supported reports whether the tape format is accepted for writes.
func (m *Manager) Supported(format string) bool {
	return len(m.formats) == 0 || m.formats[format]
}

// SelectTapes returns n distinct online tapes of a supported format with at least size bytes left,
// tightest fit first.
func (m *Manager) SelectTapes(ctx context.Context, size int64, n int) ([]*meta.Tape, error) {
	tapes, err := m.store.ListTapes(ctx)
	if err != nil {
		return nil, err
	}
	var fit []*meta.Tape
	for _, t := range tapes {
		if t.Status == meta.TapeError || !m.Supported(t.Format) || t.Remaining() < size {
			continue
		}
		status, _, err := m.Observe(ctx, t.ID)
		if err != nil {
			m.logger.Warn().Err(err).Str("tape", t.ID).Msg("tape status check failed")
			continue
		}
		if status != meta.TapeOnline {
			continue
		}
		fit = append(fit, t)
	}
	sort.SliceStable(fit, func(i, j int) bool {
		if fit[i].Remaining() != fit[j].Remaining() {
			return fit[i].Remaining() < fit[j].Remaining()
		}
		return fit[i].ID < fit[j].ID
	})
	if len(fit) < n {
		return nil, fmt.Errorf("need %d tapes with %d bytes free, found %d: %w", n, size, len(fit), ErrNoTape)
	}
	return fit[:n], nil
}

// Observe reads the driver status of a tape and persists it when it changed. A tape marked ERROR
// stays in ERROR until an operator resets it.
func (m *Manager) Observe(ctx context.Context, tapeID string) (meta.TapeStatus, bool, error) {
	status, err := m.drv.Status(ctx, tapeID)
	if err != nil {
		return meta.TapeUnknown, false, fmt.Errorf("%w: status %s: %v", meta.ErrTapeIO, tapeID, err)
	}
	m.recMu.Lock()
	defer m.recMu.Unlock()
	t, err := m.store.GetTape(ctx, tapeID)
	if errors.Is(err, meta.ErrNotFound) {
		return status, false, nil
	}
	if err != nil {
		return meta.TapeUnknown, false, err
	}
	if t.Status == meta.TapeError {
		return meta.TapeError, false, nil
	}
	if status == meta.TapeOnline {
		m.resetNotice(tapeID)
	}
	if t.Status == status {
		return status, false, nil
	}
	m.logger.Info().Str("tape", tapeID).Str("from", string(t.Status)).Str("to", string(status)).Msg("tape status changed")
	t.Status = status
	if err := m.store.PutTape(ctx, t); err != nil {
		return status, true, err
	}
	return status, true, nil
}

// SetStatus applies an operator status change to the driver (when supported) and the tape record.
func (m *Manager) SetStatus(ctx context.Context, tapeID string, status meta.TapeStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid tape status %q", status)
	}
	if s, ok := m.drv.(StatusSetter); ok && status != meta.TapeError {
		if err := s.SetStatus(tapeID, status); err != nil {
			return err
		}
	}
	m.recMu.Lock()
	defer m.recMu.Unlock()
	t, err := m.store.GetTape(ctx, tapeID)
	if err != nil {
		return err
	}
	t.Status = status
	if status == meta.TapeOnline {
		m.resetNotice(tapeID)
	}
	return m.store.PutTape(ctx, t)
}

// MarkError flags a tape whose data failed verification.
func (m *Manager) MarkError(ctx context.Context, tapeID string) error {
	m.logger.Error().Str("tape", tapeID).Msg("tape marked ERROR")
	return m.SetStatus(ctx, tapeID, meta.TapeError)
}

// ClaimOfflineNotice returns true for exactly one caller per offline episode of a tape.
func (m *Manager) ClaimOfflineNotice(tapeID string) bool {
	m.noticeMu.Lock()
	defer m.noticeMu.Unlock()
	if m.noticed[tapeID] {
		return false
	}
	m.noticed[tapeID] = true
	return true
}

func (m *Manager) resetNotice(tapeID string) {
	m.noticeMu.Lock()
	delete(m.noticed, tapeID)
	m.noticeMu.Unlock()
}

// WriteBundle appends the frames of one bundle at the tape's committed extent and records the
// new extent on the tape. A failed session leaves the record untouched so the next session
// overwrites the torn bytes.
func (m *Manager) WriteBundle(ctx context.Context, tapeID, bundleID string, frames [][]byte) (Extent, error) {
	var ext Extent
	err := m.session(ctx, tapeID, func(driveID string) error {
		t, err := m.store.GetTape(ctx, tapeID)
		if err != nil {
			return err
		}
		if err := m.drv.Seek(ctx, driveID, t.UsedBytes); err != nil {
			return err
		}
		ext.Offset = t.UsedBytes
		for i, f := range frames {
			off, err := m.drv.Write(ctx, driveID, f)
			if err != nil {
				return fmt.Errorf("write frame %d of bundle %s: %w", i, bundleID, err)
			}
			if off != ext.Offset+ext.Length {
				return fmt.Errorf("%w: frame %d landed at %d, expected %d", meta.ErrTapeIO, i, off, ext.Offset+ext.Length)
			}
			ext.Length += int64(len(f))
		}

		m.recMu.Lock()
		defer m.recMu.Unlock()
		t, err = m.store.GetTape(ctx, tapeID)
		if err != nil {
			return err
		}
		t.UsedBytes = ext.Offset + ext.Length
		t.Bundles = append(t.Bundles, bundleID)
		return m.store.PutTape(ctx, t)
	})
	if err != nil {
		return Extent{}, err
	}
	m.logger.Debug().Str("tape", tapeID).Str("bundle", bundleID).Int64("offset", ext.Offset).Int64("length", ext.Length).Msg("bundle written")
	return ext, nil
}

// ReadBundle reads the extent from the tape.
func (m *Manager) ReadBundle(ctx context.Context, tapeID string, ext Extent) ([]byte, error) {
	var data []byte
	err := m.session(ctx, tapeID, func(driveID string) error {
		var err error
		data, err = m.drv.Read(ctx, driveID, ext.Offset, ext.Length)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Verify reads the extent back, decodes it and compares the bundle checksum. On success the
// tape's last_verified_at is updated.
func (m *Manager) Verify(ctx context.Context, tapeID string, ext Extent, checksum string) error {
	data, err := m.ReadBundle(ctx, tapeID, ext)
	if err != nil {
		return err
	}
	d, err := Decode(data)
	if err != nil {
		return fmt.Errorf("%w: verify %s: %w", meta.ErrTapeIO, tapeID, err)
	}
	if d.Checksum != checksum {
		return fmt.Errorf("%w: verify %s: %w", meta.ErrTapeIO, tapeID, ErrChecksum)
	}
	m.recMu.Lock()
	defer m.recMu.Unlock()
	t, err := m.store.GetTape(ctx, tapeID)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	t.LastVerifiedAt = &now
	return m.store.PutTape(ctx, t)
}

// Reindex scans the tape under a session.
func (m *Manager) Reindex(ctx context.Context, tapeID string) ([]IndexedBundle, error) {
	var out []IndexedBundle
	err := m.session(ctx, tapeID, func(driveID string) error {
		var err error
		out, err = scan(ctx, m.drv, driveID)
		return err
	})
	return out, err
}
