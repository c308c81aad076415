package projection

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

var foldBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func foldEvent(t *testing.T, seq uint64, eventType models.EventType, aggregateID string, payload models.Payload) *models.Event {
	t.Helper()
	raw, err := models.EncodePayload(payload)
	require.NoError(t, err)
	return &models.Event{
		Sequence:    seq,
		EventID:     fmt.Sprintf("evt-%d", seq),
		EventType:   eventType,
		AggregateID: aggregateID,
		AgentID:     "alice",
		Timestamp:   foldBase.Add(time.Duration(seq) * time.Second),
		Payload:     raw,
	}
}

func writeEvent(t *testing.T, seq uint64, path, hash string) *models.Event {
	t.Helper()
	return foldEvent(t, seq, models.EventFileWritten, "file:"+path, &models.FileWrittenPayload{
		Path:        path,
		ContentHash: hash,
		SizeBytes:   int64(100 + seq),
	})
}

func annotateEvent(t *testing.T, seq uint64, path string, line int, message string) *models.Event {
	t.Helper()
	return foldEvent(t, seq, models.EventAnnotationAdded, "file:"+path, &models.AnnotationAddedPayload{
		Path:     path,
		Line:     line,
		Category: "style",
		Message:  message,
	})
}

func snapshotEvent(t *testing.T, seq uint64, name string, at uint64) *models.Event {
	t.Helper()
	return foldEvent(t, seq, models.EventSnapshotCreated, "snapshot:"+name, &models.SnapshotCreatedPayload{
		Name:       name,
		AtSequence: at,
	})
}

func TestFoldFileWritten(t *testing.T) {
	state := NewState()
	require.NoError(t, state.Apply(writeEvent(t, 1, "src/main.go", "h1")))
	require.NoError(t, state.Apply(writeEvent(t, 2, "docs/readme.md", "h2")))
	require.NoError(t, state.Apply(writeEvent(t, 3, "src/main.go", "h3")))

	require.Len(t, state.Files, 2)
	entry := state.Files["src/main.go"]
	require.NotNil(t, entry)
	assert.Equal(t, "h3", entry.ContentHash)
	assert.Equal(t, uint64(3), entry.LatestSequence)
	assert.Equal(t, "alice", entry.UpdatedBy)
	assert.Equal(t, uint64(3), state.Applied)
}

func TestFoldIsIdempotent(t *testing.T) {
	events := []*models.Event{
		writeEvent(t, 1, "a.go", "h1"),
		annotateEvent(t, 2, "a.go", 10, "unused import"),
		writeEvent(t, 3, "b.go", "h2"),
	}

	once := NewState()
	for _, e := range events {
		require.NoError(t, once.Apply(e))
	}

	twice := NewState()
	for _, e := range events {
		require.NoError(t, twice.Apply(e))
		require.NoError(t, twice.Apply(e))
	}

	assert.Equal(t, once, twice)
	assert.Len(t, twice.Annotations["a.go"], 1)
}

func TestFoldAnnotationsKeepEventOrder(t *testing.T) {
	state := NewState()
	require.NoError(t, state.Apply(writeEvent(t, 1, "a.go", "h1")))
	require.NoError(t, state.Apply(annotateEvent(t, 2, "a.go", 30, "third line note")))
	require.NoError(t, state.Apply(annotateEvent(t, 3, "a.go", 5, "early line note")))

	notes := state.Annotations["a.go"]
	require.Len(t, notes, 2)
	assert.Equal(t, 30, notes[0].Line)
	assert.Equal(t, 5, notes[1].Line)
	assert.Equal(t, "alice", notes[0].Author, "author defaults to the appending agent")
}

func TestFoldSnapshotBounds(t *testing.T) {
	state := NewState()
	require.NoError(t, state.Apply(writeEvent(t, 1, "a.go", "h1")))
	require.NoError(t, state.Apply(snapshotEvent(t, 2, "explicit", 1)))
	require.NoError(t, state.Apply(snapshotEvent(t, 3, "implicit", 0)))
	require.NoError(t, state.Apply(snapshotEvent(t, 4, "future", 99)))

	assert.Equal(t, uint64(1), state.Snapshots["explicit"].AtSequence)
	assert.Equal(t, uint64(3), state.Snapshots["implicit"].AtSequence, "zero means the snapshot's own sequence")
	assert.Equal(t, uint64(4), state.Snapshots["future"].AtSequence, "a snapshot cannot cover the future")
}

func TestFoldPairLifecycle(t *testing.T) {
	state := NewState()
	require.NoError(t, state.Apply(foldEvent(t, 1, models.EventPairRequested, "pair:p1", &models.PairRequestedPayload{
		PairID:    "p1",
		BuilderID: "builder-1",
		Task:      "review auth flow",
	})))
	thread := state.Pairs["p1"]
	require.NotNil(t, thread)
	assert.Equal(t, models.PairRequested, thread.State)
	assert.Equal(t, "evt-1", thread.RequestID)

	require.NoError(t, state.Apply(foldEvent(t, 2, models.EventPairAccepted, "pair:p1", &models.PairAcceptedPayload{
		PairID:   "p1",
		ExpertID: "expert-1",
	})))
	assert.Equal(t, models.PairActive, thread.State)
	assert.Equal(t, "expert-1", thread.ExpertID)

	require.NoError(t, state.Apply(foldEvent(t, 3, models.EventPairSuggestion, "pair:p1", &models.PairSuggestionPayload{
		PairID: "p1",
		Line:   42,
		Text:   "extract this into a helper",
		Author: "expert-1",
	})))
	require.NoError(t, state.Apply(foldEvent(t, 4, models.EventPairComment, "pair:p1", &models.PairCommentPayload{
		PairID: "p1",
		Text:   "good catch",
		Author: "builder-1",
	})))
	require.Len(t, thread.Suggestions, 1)
	require.Len(t, thread.Comments, 1)
	assert.Equal(t, uint64(3), thread.Suggestions[0].Sequence)

	require.NoError(t, state.Apply(foldEvent(t, 5, models.EventPairClosed, "pair:p1", &models.PairClosedPayload{
		PairID: "p1",
		Reason: "done",
	})))
	assert.Equal(t, models.PairClosed, thread.State)
	assert.Equal(t, "done", thread.CloseReason)

	// a stray accept after close must not reopen the thread
	require.NoError(t, state.Apply(foldEvent(t, 6, models.EventPairAccepted, "pair:p1", &models.PairAcceptedPayload{
		PairID:   "p1",
		ExpertID: "expert-2",
	})))
	assert.Equal(t, models.PairClosed, thread.State)
}

func TestFoldUnreadablePayloadAdvancesWatermark(t *testing.T) {
	state := NewState()
	bad := writeEvent(t, 1, "a.go", "h1")
	bad.Payload = json.RawMessage(`{"not":"a file payload"}`)

	require.Error(t, state.Apply(bad))
	assert.Equal(t, uint64(1), state.Applied)
	assert.Empty(t, state.Files)

	require.NoError(t, state.Apply(writeEvent(t, 2, "b.go", "h2")))
	assert.Len(t, state.Files, 1)
}

func TestFoldIgnoresForeignEventTypes(t *testing.T) {
	state := NewState()
	identity := foldEvent(t, 1, models.EventIdentityCreated, "agent:bob", &models.IdentityCreatedPayload{
		AgentID:       "bob",
		Role:          models.RoleAgent,
		CredentialMAC: "00ff",
	})
	require.NoError(t, state.Apply(identity))
	assert.Equal(t, uint64(1), state.Applied)
	assert.Empty(t, state.Files)
	assert.Empty(t, state.Pairs)
}

func TestStateSurvivesCheckpointRoundTrip(t *testing.T) {
	state := NewState()
	require.NoError(t, state.Apply(writeEvent(t, 1, "a.go", "h1")))
	require.NoError(t, state.Apply(annotateEvent(t, 2, "a.go", 3, "naming")))
	require.NoError(t, state.Apply(snapshotEvent(t, 3, "v1", 2)))

	raw, err := json.Marshal(state)
	require.NoError(t, err)

	restored := NewState()
	require.NoError(t, json.Unmarshal(raw, restored))
	assert.Equal(t, state, restored)

	require.NoError(t, restored.Apply(writeEvent(t, 4, "b.go", "h2")))
	assert.Len(t, restored.Files, 2)
}
