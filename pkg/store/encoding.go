package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// Canonical encoding v1. The integrity tag is computed over exactly these
// bytes, so the layout is part of the on-disk format: any change is a
// version bump and requires a migration event.
//
//	[1]  version (0x01)
//	[8]  sequence, big endian
//	[2+n] event_id, u16 length prefix
//	[2+n] event_type
//	[2+n] aggregate_id
//	[2+n] agent_id
//	[8]  timestamp, unix nanoseconds, big endian
//	[2+n] causation_id (zero length encodes null)
//	[4+n] payload, u32 length prefix
const (
	encodingVersion = 0x01

	// TagSize is the length of the integrity tag (HMAC-SHA256).
	TagSize = sha256.Size

	maxFieldLen   = 1<<16 - 1
	maxPayloadLen = 1<<31 - 1
	// maxFrameLen bounds a whole frame read during recovery so a corrupt
	// length prefix cannot trigger a huge allocation.
	maxFrameLen = maxPayloadLen + 9*maxFieldLen
)

// EncodeCanonical serializes the event into its canonical byte form.
// The integrity tag is not part of the canonical bytes; it is computed over
// them and stored alongside in the frame.
func EncodeCanonical(e *models.Event) ([]byte, error) {
	for _, f := range []struct {
		name  string
		value string
	}{
		{"event_id", e.EventID},
		{"event_type", string(e.EventType)},
		{"aggregate_id", e.AggregateID},
		{"agent_id", e.AgentID},
		{"causation_id", e.CausationID},
	} {
		if len(f.value) > maxFieldLen {
			return nil, fmt.Errorf("%w: %s exceeds %d bytes", models.ErrSchemaInvalid, f.name, maxFieldLen)
		}
	}
	if len(e.Payload) > maxPayloadLen {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", models.ErrSchemaInvalid, maxPayloadLen)
	}

	size := 1 + 8 +
		2 + len(e.EventID) +
		2 + len(e.EventType) +
		2 + len(e.AggregateID) +
		2 + len(e.AgentID) +
		8 +
		2 + len(e.CausationID) +
		4 + len(e.Payload)

	buf := make([]byte, 0, size)
	buf = append(buf, encodingVersion)
	buf = binary.BigEndian.AppendUint64(buf, e.Sequence)
	buf = appendString(buf, e.EventID)
	buf = appendString(buf, string(e.EventType))
	buf = appendString(buf, e.AggregateID)
	buf = appendString(buf, e.AgentID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.Timestamp.UnixNano()))
	buf = appendString(buf, e.CausationID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)

	return buf, nil
}

// DecodeCanonical parses canonical bytes back into an event. The returned
// event has no integrity tag; the frame reader attaches it.
func DecodeCanonical(b []byte) (*models.Event, error) {
	r := &byteReader{buf: b}

	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != encodingVersion {
		return nil, fmt.Errorf("%w: unsupported encoding version 0x%02x", models.ErrSchemaInvalid, version)
	}

	e := &models.Event{}
	if e.Sequence, err = r.uint64(); err != nil {
		return nil, err
	}
	if e.EventID, err = r.string(); err != nil {
		return nil, err
	}
	typ, err := r.string()
	if err != nil {
		return nil, err
	}
	e.EventType = models.EventType(typ)
	if e.AggregateID, err = r.string(); err != nil {
		return nil, err
	}
	if e.AgentID, err = r.string(); err != nil {
		return nil, err
	}
	nanos, err := r.uint64()
	if err != nil {
		return nil, err
	}
	e.Timestamp = time.Unix(0, int64(nanos)).UTC()
	if e.CausationID, err = r.string(); err != nil {
		return nil, err
	}
	payload, err := r.payload()
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after payload", models.ErrSchemaInvalid, r.remaining())
	}

	return e, nil
}

// ComputeTag chains the event into the log:
// tag_i = HMAC-SHA256(secret, tag_{i-1} || canonical_bytes(event_i)).
func ComputeTag(secret, prevTag, canonical []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(prevTag)
	mac.Write(canonical)
	return mac.Sum(nil)
}

// zeroTag is tag_0, the chain anchor before the first event.
var zeroTag = make([]byte, TagSize)

// writeFrame appends one frame to w:
// [u32 BE canonical length][canonical bytes][tag].
func writeFrame(w io.Writer, canonical, tag []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(canonical)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(canonical); err != nil {
		return err
	}
	_, err := w.Write(tag)
	return err
}

// frameSize returns the on-disk size of a frame for n canonical bytes
func frameSize(n int) int64 {
	return int64(4 + n + TagSize)
}

// readFrame reads one frame from r. io.EOF at a frame boundary is returned
// as-is; a short read inside a frame comes back as io.ErrUnexpectedEOF so
// recovery can distinguish a clean tail from a torn write.
func readFrame(r io.Reader) (canonical, tag []byte, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameLen {
		return nil, nil, fmt.Errorf("%w: implausible frame length %d", models.ErrIntegrityViolation, n)
	}

	canonical = make([]byte, n)
	if _, err := io.ReadFull(r, canonical); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}
	tag = make([]byte, TagSize)
	if _, err := io.ReadFull(r, tag); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}
	return canonical, tag, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// byteReader is a bounds-checked cursor over canonical bytes
type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *byteReader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, errTruncatedCanonical()
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *byteReader) uint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, errTruncatedCanonical()
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *byteReader) string() (string, error) {
	if r.remaining() < 2 {
		return "", errTruncatedCanonical()
	}
	n := int(binary.BigEndian.Uint16(r.buf[r.off:]))
	r.off += 2
	if r.remaining() < n {
		return "", errTruncatedCanonical()
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s, nil
}

func (r *byteReader) payload() ([]byte, error) {
	if r.remaining() < 4 {
		return nil, errTruncatedCanonical()
	}
	n := int(binary.BigEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	if r.remaining() < n {
		return nil, errTruncatedCanonical()
	}
	p := make([]byte, n)
	copy(p, r.buf[r.off:r.off+n])
	r.off += n
	return p, nil
}

func errTruncatedCanonical() error {
	return fmt.Errorf("%w: truncated canonical bytes", models.ErrSchemaInvalid)
}
