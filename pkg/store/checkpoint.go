package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// checkpointRecord is a recovery snapshot: the chain state at a sequence
// plus the resume position in the log. Projection states ride along so
// read models can restart without refolding from sequence one.
//
// Checkpoints are caches. Deleting every file under checkpoints/ only
// makes the next open slower.
type checkpointRecord struct {
	Version     int                        `json:"version"`
	Sequence    uint64                     `json:"sequence"`
	HeadTag     string                     `json:"head_tag"`
	Resume      position                   `json:"resume"`
	Projections map[string]json.RawMessage `json:"projections,omitempty"`
}

const checkpointVersion = 1

func (c *checkpointRecord) headTagBytes() ([]byte, error) {
	tag, err := hex.DecodeString(c.HeadTag)
	if err != nil || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: malformed checkpoint head tag", models.ErrIntegrityViolation)
	}
	return tag, nil
}

func checkpointName(seq uint64) string {
	return fmt.Sprintf("%04d", seq)
}

// writeCheckpoint persists a checkpoint atomically
func writeCheckpoint(dir string, rec *checkpointRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding checkpoint: %v", models.ErrIO, err)
	}
	return atomicWrite(filepath.Join(dir, checkpointName(rec.Sequence)), data)
}

// listCheckpoints returns checkpoint sequences in ascending order
func listCheckpoints(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", models.ErrIO, dir, err)
	}
	var seqs []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil || n == 0 {
			continue
		}
		seqs = append(seqs, n)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// readCheckpoint loads and validates one checkpoint file, nil on any defect
func readCheckpoint(dir string, seq uint64) *checkpointRecord {
	data, err := os.ReadFile(filepath.Join(dir, checkpointName(seq)))
	if err != nil {
		return nil
	}
	var rec checkpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	if rec.Version != checkpointVersion || rec.Sequence != seq {
		return nil
	}
	return &rec
}

// loadLatestCheckpoint returns the newest readable checkpoint, walking
// backwards past corrupt files. Returns nil when none is usable.
func loadLatestCheckpoint(dir string) (*checkpointRecord, error) {
	return loadCheckpointAtOrBefore(dir, 0)
}

// loadCheckpointAtOrBefore returns the newest readable checkpoint whose
// sequence does not exceed bound. A zero bound means unbounded.
func loadCheckpointAtOrBefore(dir string, bound uint64) (*checkpointRecord, error) {
	seqs, err := listCheckpoints(dir)
	if err != nil {
		return nil, err
	}
	for i := len(seqs) - 1; i >= 0; i-- {
		if bound != 0 && seqs[i] > bound {
			continue
		}
		if rec := readCheckpoint(dir, seqs[i]); rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

// pruneCheckpoints removes all but the newest retain checkpoints
func pruneCheckpoints(dir string, retain int) error {
	if retain < 1 {
		retain = 1
	}
	seqs, err := listCheckpoints(dir)
	if err != nil {
		return err
	}
	if len(seqs) <= retain {
		return nil
	}
	for _, seq := range seqs[:len(seqs)-retain] {
		if err := os.Remove(filepath.Join(dir, checkpointName(seq))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: pruning checkpoint %d: %v", models.ErrIO, seq, err)
		}
	}
	return nil
}
