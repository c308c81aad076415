package store

import (
	"bufio"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// RecoveryReport describes what opening the log found and did. A truncated
// report means a torn tail was cut off and a store.recovered event was
// appended.
type RecoveryReport struct {
	HeadSequence uint64 `json:"head_sequence"`
	Truncated    bool   `json:"truncated"`
	TornSegment  uint32 `json:"torn_segment,omitempty"`
	TornOffset   int64  `json:"torn_offset,omitempty"`
}

// scanResult carries everything a full log scan learns
type scanResult struct {
	index       *indexSet
	headSeq     uint64
	headTag     []byte
	lastSegment uint32
	torn        *position
}

// scanLog walks every segment in order, rebuilding the index and verifying
// the integrity chain. With an anchor checkpoint, events up to the anchor
// are decoded but their tags are trusted; the anchor's head tag is compared
// against the log and the chain is recomputed from there. Without one, the
// chain is recomputed from the zero tag.
//
// A torn frame at the very tail of the last segment is reported for
// truncation. Anything unreadable before that point is corruption and
// fails the scan with an integrity violation.
func scanLog(logDir string, secret []byte, anchor *checkpointRecord) (*scanResult, error) {
	segments, err := listSegments(logDir)
	if err != nil {
		return nil, err
	}
	for i, n := range segments {
		if n != uint32(i+1) {
			return nil, fmt.Errorf("%w: segment %s missing from log", models.ErrIntegrityViolation, segmentName(uint32(i+1)))
		}
	}

	result := &scanResult{
		index:       newIndexSet(),
		headTag:     append([]byte(nil), zeroTag...),
		lastSegment: 1,
	}
	if len(segments) > 0 {
		result.lastSegment = segments[len(segments)-1]
	}

	var anchorTag []byte
	verifying := true
	if anchor != nil {
		if anchorTag, err = anchor.headTagBytes(); err != nil {
			return nil, err
		}
		verifying = false
	}

	seq := uint64(0)
	tag := result.headTag
	for _, segment := range segments {
		torn, err := scanSegment(logDir, segment, segment == result.lastSegment, func(canonical, storedTag []byte, pos position) error {
			event, err := DecodeCanonical(canonical)
			if err != nil {
				return err
			}
			if event.Sequence != seq+1 {
				return fmt.Errorf("%w: sequence %d at %04d:%d, want %d",
					models.ErrIntegrityViolation, event.Sequence, pos.Segment, pos.Offset, seq+1)
			}

			if verifying {
				want := ComputeTag(secret, tag, canonical)
				if !hmac.Equal(want, storedTag) {
					return fmt.Errorf("%w: integrity tag mismatch at sequence %d",
						models.ErrIntegrityViolation, event.Sequence)
				}
			} else if event.Sequence == anchor.Sequence {
				if !hmac.Equal(anchorTag, storedTag) {
					return fmt.Errorf("%w: checkpoint %d disagrees with log head tag",
						models.ErrIntegrityViolation, anchor.Sequence)
				}
				verifying = true
			}

			tag = storedTag
			seq = event.Sequence
			result.index.add(event, pos)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if torn != nil {
			result.torn = torn
			break
		}
	}

	if anchor != nil && seq < anchor.Sequence {
		return nil, fmt.Errorf("%w: log ends at sequence %d but checkpoint covers %d",
			models.ErrIntegrityViolation, seq, anchor.Sequence)
	}

	result.headSeq = seq
	result.headTag = append([]byte(nil), tag...)
	return result, nil
}

// scanSegment reads frames from one segment, invoking visit per frame.
// Returns the torn position when the segment ends in a partially persisted
// frame and tearing is allowed here (the last segment only).
//
// A frame counts as torn when the bytes in question reach the physical end
// of the file: a short read, an unparsable length header at the tail, or a
// final frame that fails validation. A bad frame with settled frames after
// it is corruption and fails the scan.
func scanSegment(logDir string, segment uint32, allowTorn bool, visit func(canonical, tag []byte, pos position) error) (*position, error) {
	path := filepath.Join(logDir, segmentName(segment))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening segment %s: %v", models.ErrIO, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat segment %s: %v", models.ErrIO, path, err)
	}
	fileSize := info.Size()

	r := bufio.NewReaderSize(f, 1<<20)
	offset := int64(0)
	for {
		canonical, storedTag, err := readFrame(r)
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			// Short reads and garbage length headers leave no way to find
			// the next frame, so the segment effectively ends here.
			if allowTorn && (errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, models.ErrIntegrityViolation)) {
				return &position{Segment: segment, Offset: offset}, nil
			}
			return nil, fmt.Errorf("%w: unreadable frame at %04d:%d: %v",
				models.ErrIntegrityViolation, segment, offset, err)
		}

		pos := position{Segment: segment, Offset: offset}
		atTail := offset+frameSize(len(canonical)) == fileSize
		if err := visit(canonical, storedTag, pos); err != nil {
			if allowTorn && atTail {
				return &pos, nil
			}
			return nil, err
		}
		offset += frameSize(len(canonical))
	}
}

// truncateTorn cuts the torn tail off the segment file
func truncateTorn(logDir string, torn position) error {
	path := filepath.Join(logDir, segmentName(torn.Segment))
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening %s for truncation: %v", models.ErrIO, path, err)
	}
	defer f.Close()
	if err := f.Truncate(torn.Offset); err != nil {
		return fmt.Errorf("%w: truncating %s: %v", models.ErrIO, path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync after truncation: %v", models.ErrIO, err)
	}
	return nil
}
