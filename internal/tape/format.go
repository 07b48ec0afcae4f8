package tape

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/zombar/coldstore/internal/meta"
)

// On-tape bundle layout, little-endian:
//
//	header  : "CSBH" | version u16 | flags u16 | bundle id [16] | count u32 | created unix-nano i64
//	record  : "CSBR" | id len u16 | id bytes | raw size u64 | stored size u64 | blake3(raw) [32] | stored bytes
//	trailer : "CSBT" | count u32 | payload len u64 | blake3(header+records) [32]
const (
	headerMagic  = "CSBH"
	recordMagic  = "CSBR"
	trailerMagic = "CSBT"

	formatVersion = 1
	flagZstd      = 1 << 0

	headerLen       = 4 + 2 + 2 + 16 + 4 + 8
	recordPrefixLen = 4 + 2
	recordFixedLen  = 8 + 8 + 32
	trailerLen      = 4 + 4 + 8 + 32

	maxIdentityLen = 64 << 10
	maxRecordSize  = 16 << 30
)

// Framing errors.
var (
	ErrBadFrame = errors.New("malformed bundle frame")
	ErrChecksum = errors.New("bundle checksum mismatch")
)

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
)

func compress(data []byte) []byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func decompress(data []byte) ([]byte, error) {
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// BundleWriter frames one bundle. Frames must be written to tape in the order they are produced.
type BundleWriter struct {
	compress bool
	count    uint32
	written  uint32
	payload  uint64
	hasher   *blake3.Hasher
}

// NewBundleWriter returns a writer and the encoded header frame.
func NewBundleWriter(id uuid.UUID, count int, created time.Time, compressed bool) (*BundleWriter, []byte) {
	w := &BundleWriter{compress: compressed, count: uint32(count), hasher: blake3.New()}
	var flags uint16
	if compressed {
		flags |= flagZstd
	}
	buf := make([]byte, headerLen)
	copy(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint16(buf[4:6], formatVersion)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	copy(buf[8:24], id[:])
	binary.LittleEndian.PutUint32(buf[24:28], uint32(count))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(created.UnixNano()))
	w.account(buf)
	return w, buf
}

func (w *BundleWriter) account(b []byte) {
	_, _ = w.hasher.Write(b)
	w.payload += uint64(len(b))
}

// Record frames one object.
func (w *BundleWriter) Record(id meta.ObjectID, data []byte) ([]byte, error) {
	if w.written >= w.count {
		return nil, fmt.Errorf("bundle declared %d objects: %w", w.count, ErrBadFrame)
	}
	ident := id.Encode()
	if len(ident) > maxIdentityLen {
		return nil, fmt.Errorf("identity of %s too long: %w", id, ErrBadFrame)
	}
	stored := data
	if w.compress {
		stored = compress(data)
	}
	sum := blake3.Sum256(data)

	buf := make([]byte, 0, recordPrefixLen+len(ident)+recordFixedLen+len(stored))
	buf = append(buf, recordMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ident)))
	buf = append(buf, ident...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(data)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(stored)))
	buf = append(buf, sum[:]...)
	buf = append(buf, stored...)
	w.account(buf)
	w.written++
	return buf, nil
}

// Trailer closes the bundle and returns the trailer frame and the bundle checksum.
func (w *BundleWriter) Trailer() ([]byte, [32]byte, error) {
	var sum [32]byte
	if w.written != w.count {
		return nil, sum, fmt.Errorf("bundle has %d of %d records: %w", w.written, w.count, ErrBadFrame)
	}
	copy(sum[:], w.hasher.Sum(nil))
	buf := make([]byte, trailerLen)
	copy(buf[0:4], trailerMagic)
	binary.LittleEndian.PutUint32(buf[4:8], w.count)
	binary.LittleEndian.PutUint64(buf[8:16], w.payload)
	copy(buf[16:48], sum[:])
	return buf, sum, nil
}

// Object is one decoded bundle member.
type Object struct {
	ID       meta.ObjectID
	Data     []byte
	Checksum string
}

// Decoded is a parsed and verified bundle.
type Decoded struct {
	ID       uuid.UUID
	Created  time.Time
	Objects  []Object
	Length   int64
	Checksum string
}

// Find returns the member with the given identity.
func (d *Decoded) Find(id meta.ObjectID) (Object, bool) {
	for _, o := range d.Objects {
		if o.ID == id {
			return o, true
		}
	}
	return Object{}, false
}

// Decode parses exactly one bundle from data.
func Decode(data []byte) (*Decoded, error) {
	d, err := ReadBundle(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if d.Length != int64(len(data)) {
		return nil, fmt.Errorf("%d trailing bytes after bundle: %w", int64(len(data))-d.Length, ErrBadFrame)
	}
	return d, nil
}

// ReadBundle parses the next bundle from r and verifies every object hash and the trailer checksum.
// io.EOF is returned only when r is exhausted before any header byte.
func ReadBundle(r io.Reader) (*Decoded, error) {
	hasher := blake3.New()
	var consumed int64
	read := func(n int) ([]byte, error) {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		consumed += int64(n)
		return buf, nil
	}

	hdr, err := read(headerLen)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read header: %w", ErrBadFrame)
	}
	if string(hdr[0:4]) != headerMagic {
		return nil, fmt.Errorf("header magic: %w", ErrBadFrame)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != formatVersion {
		return nil, fmt.Errorf("unsupported bundle version %d: %w", v, ErrBadFrame)
	}
	_, _ = hasher.Write(hdr)
	flags := binary.LittleEndian.Uint16(hdr[6:8])
	d := &Decoded{Created: time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[28:36]))).UTC()}
	copy(d.ID[:], hdr[8:24])
	count := binary.LittleEndian.Uint32(hdr[24:28])

	for i := uint32(0); i < count; i++ {
		prefix, err := read(recordPrefixLen)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, ErrBadFrame)
		}
		if string(prefix[0:4]) != recordMagic {
			return nil, fmt.Errorf("record %d magic: %w", i, ErrBadFrame)
		}
		ident, err := read(int(binary.LittleEndian.Uint16(prefix[4:6])))
		if err != nil {
			return nil, fmt.Errorf("record %d identity: %w", i, ErrBadFrame)
		}
		fixed, err := read(recordFixedLen)
		if err != nil {
			return nil, fmt.Errorf("record %d sizes: %w", i, ErrBadFrame)
		}
		rawSize := binary.LittleEndian.Uint64(fixed[0:8])
		storedSize := binary.LittleEndian.Uint64(fixed[8:16])
		if storedSize > maxRecordSize {
			return nil, fmt.Errorf("record %d size %d: %w", i, storedSize, ErrBadFrame)
		}
		stored, err := read(int(storedSize))
		if err != nil {
			return nil, fmt.Errorf("record %d data: %w", i, ErrBadFrame)
		}
		_, _ = hasher.Write(prefix)
		_, _ = hasher.Write(ident)
		_, _ = hasher.Write(fixed)
		_, _ = hasher.Write(stored)

		id, err := meta.ParseObjectID(string(ident))
		if err != nil {
			return nil, fmt.Errorf("record %d: %v: %w", i, err, ErrBadFrame)
		}
		raw := stored
		if flags&flagZstd != 0 {
			if raw, err = decompress(stored); err != nil {
				return nil, fmt.Errorf("record %d decompress: %w", i, ErrChecksum)
			}
		}
		if uint64(len(raw)) != rawSize {
			return nil, fmt.Errorf("record %d size mismatch: %w", i, ErrChecksum)
		}
		sum := blake3.Sum256(raw)
		if !bytes.Equal(sum[:], fixed[16:48]) {
			return nil, fmt.Errorf("object %s: %w", id, ErrChecksum)
		}
		d.Objects = append(d.Objects, Object{ID: id, Data: raw, Checksum: meta.Checksum(raw)})
	}

	payload := consumed
	tr, err := read(trailerLen)
	if err != nil {
		return nil, fmt.Errorf("read trailer: %w", ErrBadFrame)
	}
	if string(tr[0:4]) != trailerMagic {
		return nil, fmt.Errorf("trailer magic: %w", ErrBadFrame)
	}
	if binary.LittleEndian.Uint32(tr[4:8]) != count || binary.LittleEndian.Uint64(tr[8:16]) != uint64(payload) {
		return nil, fmt.Errorf("trailer does not match records: %w", ErrBadFrame)
	}
	sum := hasher.Sum(nil)
	if !bytes.Equal(sum, tr[16:48]) {
		return nil, fmt.Errorf("bundle %s: %w", d.ID, ErrChecksum)
	}
	d.Length = consumed
	d.Checksum = fmt.Sprintf("%x", sum)
	return d, nil
}
