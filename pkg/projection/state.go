package projection

import (
	"fmt"
	"slices"
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// FileEntry is the latest shadow state of one path
type FileEntry struct {
	Path           string    `json:"path"`
	ContentHash    string    `json:"content_hash"`
	SizeBytes      int64     `json:"size_bytes,omitempty"`
	LatestSequence uint64    `json:"latest_sequence"`
	UpdatedBy      string    `json:"updated_by,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Annotation is one review note anchored to a line of a shadow file
type Annotation struct {
	Line     int    `json:"line"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
	Author   string `json:"author"`
	Sequence uint64 `json:"sequence"`
}

// Snapshot names the tree as of a specific sequence. The view itself is
// materialized on demand by refolding up to AtSequence; storing only the
// name and the bound keeps checkpoints small and the view reproducible.
type Snapshot struct {
	Name       string `json:"name"`
	AtSequence uint64 `json:"at_sequence"`
	CreatedBy  string `json:"created_by,omitempty"`
	Sequence   uint64 `json:"sequence"`
}

// Suggestion is one pair-session code suggestion
type Suggestion struct {
	Line     int    `json:"line,omitempty"`
	Text     string `json:"text"`
	Author   string `json:"author"`
	Sequence uint64 `json:"sequence"`
}

// Comment is one pair-session discussion message
type Comment struct {
	Text     string `json:"text"`
	Author   string `json:"author"`
	Sequence uint64 `json:"sequence"`
}

// PairThread is the folded view of one pair session: who is in it, its
// lifecycle state, and the ordered chain of suggestions and comments
type PairThread struct {
	PairID      string           `json:"pair_id"`
	BuilderID   string           `json:"builder_id,omitempty"`
	ExpertID    string           `json:"expert_id,omitempty"`
	Task        string           `json:"task,omitempty"`
	State       models.PairState `json:"state"`
	RequestID   string           `json:"request_id,omitempty"`
	Suggestions []Suggestion     `json:"suggestions,omitempty"`
	Comments    []Comment        `json:"comments,omitempty"`
	CloseReason string           `json:"close_reason,omitempty"`
}

// FoldEventTypes lists the event families the project aggregate folds.
// Subscriptions and historical queries filter on these.
var FoldEventTypes = []models.EventType{
	models.EventFileWritten,
	models.EventAnnotationAdded,
	models.EventSnapshotCreated,
	models.EventPairRequested,
	models.EventPairAccepted,
	models.EventPairSuggestion,
	models.EventPairComment,
	models.EventPairClosed,
}

func foldable(t models.EventType) bool {
	return slices.Contains(FoldEventTypes, t)
}

// State is the folded project aggregate. Every field is derived from the
// log and rebuildable by refolding; Applied is the idempotency watermark,
// events at or below it are no-ops.
type State struct {
	Applied     uint64                  `json:"applied"`
	Files       map[string]*FileEntry   `json:"files"`
	Annotations map[string][]Annotation `json:"annotations"`
	Snapshots   map[string]*Snapshot    `json:"snapshots"`
	Pairs       map[string]*PairThread  `json:"pairs"`
}

func NewState() *State {
	return &State{
		Files:       make(map[string]*FileEntry),
		Annotations: make(map[string][]Annotation),
		Snapshots:   make(map[string]*Snapshot),
		Pairs:       make(map[string]*PairThread),
	}
}

func (s *State) ensure() {
	if s.Files == nil {
		s.Files = make(map[string]*FileEntry)
	}
	if s.Annotations == nil {
		s.Annotations = make(map[string][]Annotation)
	}
	if s.Snapshots == nil {
		s.Snapshots = make(map[string]*Snapshot)
	}
	if s.Pairs == nil {
		s.Pairs = make(map[string]*PairThread)
	}
}

// Apply folds one event into the state. Sequences at or below the watermark
// are no-ops. The watermark advances even when the payload is unreadable,
// so one bad event cannot wedge the fold; the error reports what was
// skipped.
func (s *State) Apply(e *models.Event) error {
	if e == nil || e.Sequence == 0 || e.Sequence <= s.Applied {
		return nil
	}
	s.ensure()
	s.Applied = e.Sequence
	if !foldable(e.EventType) {
		return nil
	}

	decoded, err := models.DecodePayload(e.EventType, e.Payload)
	if err != nil {
		return fmt.Errorf("sequence %d: %w", e.Sequence, err)
	}
	switch p := decoded.(type) {
	case *models.FileWrittenPayload:
		s.applyFileWritten(e, p)
	case *models.AnnotationAddedPayload:
		s.applyAnnotation(e, p)
	case *models.SnapshotCreatedPayload:
		s.applySnapshot(e, p)
	case *models.PairRequestedPayload:
		s.applyPairRequested(e, p)
	case *models.PairAcceptedPayload:
		s.applyPairAccepted(p)
	case *models.PairSuggestionPayload:
		s.applyPairSuggestion(e, p)
	case *models.PairCommentPayload:
		s.applyPairComment(e, p)
	case *models.PairClosedPayload:
		s.applyPairClosed(p)
	}
	return nil
}

func (s *State) applyFileWritten(e *models.Event, p *models.FileWrittenPayload) {
	s.Files[p.Path] = &FileEntry{
		Path:           p.Path,
		ContentHash:    p.ContentHash,
		SizeBytes:      p.SizeBytes,
		LatestSequence: e.Sequence,
		UpdatedBy:      e.AgentID,
		UpdatedAt:      e.Timestamp,
	}
}

func (s *State) applyAnnotation(e *models.Event, p *models.AnnotationAddedPayload) {
	author := p.Author
	if author == "" {
		author = e.AgentID
	}
	s.Annotations[p.Path] = append(s.Annotations[p.Path], Annotation{
		Line:     p.Line,
		Category: p.Category,
		Message:  p.Message,
		Author:   author,
		Sequence: e.Sequence,
	})
}

func (s *State) applySnapshot(e *models.Event, p *models.SnapshotCreatedPayload) {
	at := p.AtSequence
	// A snapshot cannot cover sequences the log had not reached when it
	// was taken
	if at == 0 || at > e.Sequence {
		at = e.Sequence
	}
	s.Snapshots[p.Name] = &Snapshot{
		Name:       p.Name,
		AtSequence: at,
		CreatedBy:  e.AgentID,
		Sequence:   e.Sequence,
	}
}

func (s *State) pair(id string) *PairThread {
	thread, ok := s.Pairs[id]
	if !ok {
		thread = &PairThread{PairID: id, State: models.PairRequested}
		s.Pairs[id] = thread
	}
	return thread
}

func (s *State) applyPairRequested(e *models.Event, p *models.PairRequestedPayload) {
	thread := s.pair(p.PairID)
	thread.BuilderID = p.BuilderID
	thread.Task = p.Task
	thread.State = models.PairRequested
	thread.RequestID = e.EventID
}

func (s *State) applyPairAccepted(p *models.PairAcceptedPayload) {
	thread := s.pair(p.PairID)
	thread.ExpertID = p.ExpertID
	if thread.State != models.PairClosed {
		thread.State = models.PairActive
	}
}

func (s *State) applyPairSuggestion(e *models.Event, p *models.PairSuggestionPayload) {
	thread := s.pair(p.PairID)
	author := p.Author
	if author == "" {
		author = e.AgentID
	}
	thread.Suggestions = append(thread.Suggestions, Suggestion{
		Line:     p.Line,
		Text:     p.Text,
		Author:   author,
		Sequence: e.Sequence,
	})
}

func (s *State) applyPairComment(e *models.Event, p *models.PairCommentPayload) {
	thread := s.pair(p.PairID)
	author := p.Author
	if author == "" {
		author = e.AgentID
	}
	thread.Comments = append(thread.Comments, Comment{
		Text:     p.Text,
		Author:   author,
		Sequence: e.Sequence,
	})
}

func (s *State) applyPairClosed(p *models.PairClosedPayload) {
	thread := s.pair(p.PairID)
	thread.State = models.PairClosed
	thread.CloseReason = p.Reason
}
