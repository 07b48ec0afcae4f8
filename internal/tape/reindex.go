package tape

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/zombar/coldstore/internal/meta"
)

// IndexedBundle is a bundle found by scanning a tape.
type IndexedBundle struct {
	ID       string
	Offset   int64
	Length   int64
	Checksum string
	Objects  []meta.ObjectID
}

// Reindex mounts tapeID on drv and decodes bundles from offset 0 until the end of recorded data.
// A torn bundle at the end of the tape ends the scan without error.
func Reindex(ctx context.Context, drv Driver, tapeID string) ([]IndexedBundle, error) {
	driveID, err := drv.Mount(ctx, tapeID)
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", tapeID, err)
	}
	defer func() { _ = drv.Unmount(context.WithoutCancel(ctx), driveID) }()
	return scan(ctx, drv, driveID)
}

const scanChunk = 1 << 20

func scan(ctx context.Context, drv Driver, driveID string) ([]IndexedBundle, error) {
	tr := &tapeReader{ctx: ctx, drv: drv, drive: driveID}
	br := bufio.NewReaderSize(tr, scanChunk)
	var (
		out    []IndexedBundle
		offset int64
	)
	for {
		d, err := ReadBundle(br)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			if tr.err != nil && !errors.Is(tr.err, io.EOF) && !errors.Is(tr.err, io.ErrUnexpectedEOF) {
				return out, tr.err
			}
			if errors.Is(err, ErrBadFrame) && tr.eof {
				return out, nil
			}
			return out, fmt.Errorf("bundle at offset %d: %w", offset, err)
		}
		ib := IndexedBundle{ID: d.ID.String(), Offset: offset, Length: d.Length, Checksum: d.Checksum}
		for _, o := range d.Objects {
			ib.Objects = append(ib.Objects, o.ID)
		}
		out = append(out, ib)
		offset += d.Length
	}
}

// tapeReader adapts positioned driver reads to io.Reader.
type tapeReader struct {
	ctx   context.Context
	drv   Driver
	drive string
	off   int64
	eof   bool
	err   error
}

func (r *tapeReader) Read(p []byte) (int, error) {
	if r.eof {
		return 0, io.EOF
	}
	data, err := r.drv.Read(r.ctx, r.drive, r.off, int64(len(p)))
	n := copy(p, data)
	r.off += int64(n)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		r.eof = true
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	r.err = err
	return n, err
}
