package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

const (
	logDirName        = "log"
	indexDirName      = "index"
	checkpointDirName = "checkpoints"

	segmentSuffix = ".dat"
)

// position locates a frame inside the segmented log
type position struct {
	Segment uint32 `json:"segment"`
	Offset  int64  `json:"offset"`
}

// segmentName formats the file name of segment n (log/0001.dat, ...)
func segmentName(n uint32) string {
	return fmt.Sprintf("%04d%s", n, segmentSuffix)
}

// parseSegmentName extracts the segment number from a file name
func parseSegmentName(name string) (uint32, bool) {
	base, ok := strings.CutSuffix(name, segmentSuffix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(base, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint32(n), true
}

// listSegments returns the segment numbers present under dir in ascending order
func listSegments(logDir string) ([]uint32, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", models.ErrIO, logDir, err)
	}

	var segments []uint32
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if n, ok := parseSegmentName(entry.Name()); ok {
			segments = append(segments, n)
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	return segments, nil
}

// segmentWriter owns the currently active segment file. Only the append
// goroutine touches it.
type segmentWriter struct {
	logDir  string
	number  uint32
	file    *os.File
	size    int64
	maxSize int64
}

// openSegmentWriter opens segment number for appending, creating it if needed
func openSegmentWriter(logDir string, number uint32, maxSize int64) (*segmentWriter, error) {
	path := filepath.Join(logDir, segmentName(number))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening segment %s: %v", models.ErrIO, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat segment %s: %v", models.ErrIO, path, err)
	}
	if _, err := f.Seek(info.Size(), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: seek segment %s: %v", models.ErrIO, path, err)
	}
	return &segmentWriter{
		logDir:  logDir,
		number:  number,
		file:    f,
		size:    info.Size(),
		maxSize: maxSize,
	}, nil
}

// writeFrame appends a frame, rotating to a fresh segment first when the
// current one is full. Returns the position the frame was written at.
func (w *segmentWriter) writeFrame(canonical, tag []byte) (position, error) {
	if w.size > 0 && w.size+frameSize(len(canonical)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return position{}, err
		}
	}

	pos := position{Segment: w.number, Offset: w.size}
	if err := writeFrame(w.file, canonical, tag); err != nil {
		return position{}, fmt.Errorf("%w: writing frame: %v", models.ErrIO, err)
	}
	w.size += frameSize(len(canonical))
	return pos, nil
}

// sync flushes the active segment to stable storage
func (w *segmentWriter) sync() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync segment %04d: %v", models.ErrIO, w.number, err)
	}
	return nil
}

func (w *segmentWriter) rotate() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync before rotation: %v", models.ErrIO, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: closing segment %04d: %v", models.ErrIO, w.number, err)
	}

	next, err := openSegmentWriter(w.logDir, w.number+1, w.maxSize)
	if err != nil {
		return err
	}
	*w = *next
	return nil
}

func (w *segmentWriter) close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// segmentReaders caches read-only handles per segment. ReadAt is safe for
// concurrent use, so one handle serves all readers.
type segmentReaders struct {
	logDir string
	mu     sync.RWMutex
	files  map[uint32]*os.File
}

func newSegmentReaders(logDir string) *segmentReaders {
	return &segmentReaders{
		logDir: logDir,
		files:  make(map[uint32]*os.File),
	}
}

func (r *segmentReaders) get(segment uint32) (*os.File, error) {
	r.mu.RLock()
	f, ok := r.files[segment]
	r.mu.RUnlock()
	if ok {
		return f, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[segment]; ok {
		return f, nil
	}
	path := filepath.Join(r.logDir, segmentName(segment))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening segment %s: %v", models.ErrIO, path, err)
	}
	r.files[segment] = f
	return f, nil
}

// readEventAt decodes the frame at pos and attaches its integrity tag
func (r *segmentReaders) readEventAt(pos position) (*models.Event, error) {
	f, err := r.get(pos.Segment)
	if err != nil {
		return nil, err
	}

	var hdr [4]byte
	if _, err := f.ReadAt(hdr[:], pos.Offset); err != nil {
		return nil, fmt.Errorf("%w: reading frame header: %v", models.ErrIO, err)
	}
	n := int64(uint32(hdr[0])<<24 | uint32(hdr[1])<<16 | uint32(hdr[2])<<8 | uint32(hdr[3]))
	if n == 0 || n > maxFrameLen {
		return nil, fmt.Errorf("%w: implausible frame length %d at %04d:%d",
			models.ErrIntegrityViolation, n, pos.Segment, pos.Offset)
	}

	body := make([]byte, n+TagSize)
	if _, err := f.ReadAt(body, pos.Offset+4); err != nil {
		return nil, fmt.Errorf("%w: reading frame body: %v", models.ErrIO, err)
	}

	event, err := DecodeCanonical(body[:n])
	if err != nil {
		return nil, err
	}
	event.IntegrityTag = body[n:]
	return event, nil
}

func (r *segmentReaders) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		f.Close()
	}
	r.files = make(map[uint32]*os.File)
}
