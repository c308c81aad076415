package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

const (
	aggregateIndexFile = "aggregate"
	typeIndexFile      = "type"

	indexFileVersion = 1
)

// indexSet is the derived lookup structure over the log: the position of
// every event plus sequence lists per aggregate and per event type. It is
// rebuilt from the log at open, so losing the persisted copies is never
// fatal.
type indexSet struct {
	positions   []position // positions[seq-1] locates sequence seq
	byAggregate map[string][]uint64
	byType      map[models.EventType][]uint64
	byEventID   map[string]uint64
}

func newIndexSet() *indexSet {
	return &indexSet{
		byAggregate: make(map[string][]uint64),
		byType:      make(map[models.EventType][]uint64),
		byEventID:   make(map[string]uint64),
	}
}

// add records an event. Events arrive in sequence order, so the per-key
// lists stay sorted without extra work.
func (ix *indexSet) add(event *models.Event, pos position) {
	ix.positions = append(ix.positions, pos)
	ix.byAggregate[event.AggregateID] = append(ix.byAggregate[event.AggregateID], event.Sequence)
	ix.byType[event.EventType] = append(ix.byType[event.EventType], event.Sequence)
	ix.byEventID[event.EventID] = event.Sequence
}

// seqOfEventID resolves an event id to its sequence
func (ix *indexSet) seqOfEventID(eventID string) (uint64, bool) {
	seq, ok := ix.byEventID[eventID]
	return seq, ok
}

// positionOf returns the location of sequence seq
func (ix *indexSet) positionOf(seq uint64) (position, bool) {
	if seq == 0 || seq > uint64(len(ix.positions)) {
		return position{}, false
	}
	return ix.positions[seq-1], true
}

func (ix *indexSet) head() uint64 {
	return uint64(len(ix.positions))
}

// candidates returns the sorted sequences that may match filter. Callers
// still re-check the decoded event against the filter; this only narrows
// the read set.
func (ix *indexSet) candidates(filter models.EventFilter) []uint64 {
	head := ix.head()
	from := filter.FromSequence
	if from == 0 {
		from = 1
	}
	to := filter.ToSequence
	if to == 0 || to > head {
		to = head
	}
	if from > to {
		return nil
	}

	var base []uint64
	switch {
	case filter.AggregateID != "":
		base = ix.byAggregate[filter.AggregateID]
	case len(filter.EventTypes) > 0:
		base = mergeSorted(ix.typeLists(filter.EventTypes))
	default:
		base = make([]uint64, 0, to-from+1)
		for seq := from; seq <= to; seq++ {
			base = append(base, seq)
		}
		return base
	}

	lo := sort.Search(len(base), func(i int) bool { return base[i] >= from })
	hi := sort.Search(len(base), func(i int) bool { return base[i] > to })
	return base[lo:hi]
}

func (ix *indexSet) typeLists(types []models.EventType) [][]uint64 {
	lists := make([][]uint64, 0, len(types))
	for _, t := range types {
		if seqs, ok := ix.byType[t]; ok {
			lists = append(lists, seqs)
		}
	}
	return lists
}

// mergeSorted merges ascending sequence lists into one ascending list.
// Lists are disjoint (an event has one type), so no dedup is needed.
func mergeSorted(lists [][]uint64) []uint64 {
	switch len(lists) {
	case 0:
		return nil
	case 1:
		return lists[0]
	}

	total := 0
	for _, l := range lists {
		total += len(l)
	}
	out := make([]uint64, 0, total)
	cursors := make([]int, len(lists))
	for {
		best := -1
		var bestSeq uint64
		for i, l := range lists {
			if cursors[i] >= len(l) {
				continue
			}
			if best == -1 || l[cursors[i]] < bestSeq {
				best = i
				bestSeq = l[cursors[i]]
			}
		}
		if best == -1 {
			return out
		}
		out = append(out, bestSeq)
		cursors[best]++
	}
}

// indexFile is the on-disk form of one lookup map. The files under index/
// are caches: refreshed at checkpoint time and rebuilt from the log when
// missing or stale.
type indexFile struct {
	Version      int                 `json:"version"`
	LastSequence uint64              `json:"last_sequence"`
	Entries      map[string][]uint64 `json:"entries"`
}

// save atomically rewrites both index files
func (ix *indexSet) save(indexDir string) error {
	head := ix.head()
	if err := writeIndexFile(filepath.Join(indexDir, aggregateIndexFile), head, ix.byAggregate); err != nil {
		return err
	}
	types := make(map[string][]uint64, len(ix.byType))
	for t, seqs := range ix.byType {
		types[string(t)] = seqs
	}
	return writeIndexFile(filepath.Join(indexDir, typeIndexFile), head, types)
}

func writeIndexFile(path string, lastSeq uint64, entries map[string][]uint64) error {
	data, err := json.Marshal(indexFile{
		Version:      indexFileVersion,
		LastSequence: lastSeq,
		Entries:      entries,
	})
	if err != nil {
		return fmt.Errorf("%w: encoding index %s: %v", models.ErrIO, filepath.Base(path), err)
	}
	return atomicWrite(path, data)
}

// indexFilesFresh reports whether the persisted index files match head.
// Stale or unreadable files just mean a rewrite is due.
func indexFilesFresh(indexDir string, head uint64) bool {
	for _, name := range []string{aggregateIndexFile, typeIndexFile} {
		data, err := os.ReadFile(filepath.Join(indexDir, name))
		if err != nil {
			return false
		}
		var f indexFile
		if err := json.Unmarshal(data, &f); err != nil {
			return false
		}
		if f.Version != indexFileVersion || f.LastSequence != head {
			return false
		}
	}
	return true
}

// atomicWrite writes data via a temp file and rename so readers never see
// a partial file.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", models.ErrIO, tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: writing %s: %v", models.ErrIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: fsync %s: %v", models.ErrIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: closing %s: %v", models.ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: renaming %s: %v", models.ErrIO, tmp, err)
	}
	return nil
}
