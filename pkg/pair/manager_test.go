package pair

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/projection"
)

// pairAppender records appended events and serves them back as the fold
// source, standing in for the store on both sides.
type pairAppender struct {
	mu     sync.Mutex
	seq    uint64
	drafts []*models.EventDraft
	events []*models.Event
}

func (a *pairAppender) Append(_ context.Context, draft *models.EventDraft) (*models.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	a.drafts = append(a.drafts, draft)
	event := &models.Event{
		Sequence:    a.seq,
		EventID:     fmt.Sprintf("evt-%d", a.seq),
		EventType:   draft.EventType,
		AggregateID: draft.AggregateID,
		AgentID:     draft.AgentID,
		Timestamp:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC).Add(time.Duration(a.seq) * time.Second),
		CausationID: draft.CausationID,
		Payload:     draft.Payload,
	}
	a.events = append(a.events, event)
	return event, nil
}

func (a *pairAppender) Query(_ context.Context, filter models.EventFilter, cursor uint64, limit int) (*models.EventPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	page := &models.EventPage{}
	for _, event := range a.events {
		if event.Sequence <= cursor || !filter.Matches(event) {
			continue
		}
		page.Events = append(page.Events, event)
		if limit > 0 && len(page.Events) == limit {
			page.NextCursor = event.Sequence
			break
		}
	}
	return page, nil
}

func (a *pairAppender) last(t *testing.T) *models.EventDraft {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.drafts)
	return a.drafts[len(a.drafts)-1]
}

func newTestPair(t *testing.T) (*Manager, *pairAppender, *projection.Aggregate) {
	t.Helper()
	appender := &pairAppender{}
	view := projection.NewAggregate(appender, nil, slog.Default())
	return NewManager(appender, view, slog.Default()), appender, view
}

func acceptedPair(t *testing.T) (*Manager, *pairAppender, *projection.Aggregate, string) {
	t.Helper()
	manager, appender, view := newTestPair(t)
	pairID, err := manager.Request(t.Context(), "builder-1", "review token codec", []string{"security"})
	require.NoError(t, err)
	require.NoError(t, manager.Accept(t.Context(), pairID, "expert-1"))
	return manager, appender, view, pairID
}

func TestRequestOpensPair(t *testing.T) {
	manager, appender, view := newTestPair(t)

	pairID, err := manager.Request(t.Context(), "builder-1", "review token codec", []string{"security"})
	require.NoError(t, err)
	require.NotEmpty(t, pairID)

	draft := appender.last(t)
	assert.Equal(t, models.EventPairRequested, draft.EventType)
	assert.Equal(t, "pair:"+pairID, draft.AggregateID)
	assert.Equal(t, "builder-1", draft.AgentID)

	thread, err := view.Pair(pairID)
	require.NoError(t, err)
	assert.Equal(t, models.PairRequested, thread.State)
	assert.Equal(t, "builder-1", thread.BuilderID)
}

func TestAcceptReferencesRequestByCausation(t *testing.T) {
	manager, appender, view := newTestPair(t)
	pairID, err := manager.Request(t.Context(), "builder-1", "review", nil)
	require.NoError(t, err)

	require.NoError(t, manager.Accept(t.Context(), pairID, "expert-1"))

	draft := appender.last(t)
	assert.Equal(t, models.EventPairAccepted, draft.EventType)
	assert.Equal(t, "evt-1", draft.CausationID, "accept must point at the request event")
	assert.Equal(t, "expert-1", draft.AgentID)

	thread, err := view.Pair(pairID)
	require.NoError(t, err)
	assert.Equal(t, models.PairActive, thread.State)
	assert.Equal(t, "expert-1", thread.ExpertID)
}

func TestAcceptRejectsOwnRequest(t *testing.T) {
	manager, _, _ := newTestPair(t)
	pairID, err := manager.Request(t.Context(), "builder-1", "review", nil)
	require.NoError(t, err)

	err = manager.Accept(t.Context(), pairID, "builder-1")
	require.ErrorIs(t, err, models.ErrConflict)
}

func TestAcceptTwiceConflicts(t *testing.T) {
	manager, _, _, pairID := acceptedPair(t)
	err := manager.Accept(t.Context(), pairID, "expert-2")
	require.ErrorIs(t, err, models.ErrConflict)
}

func TestAcceptUnknownPair(t *testing.T) {
	manager, _, _ := newTestPair(t)
	err := manager.Accept(t.Context(), "no-such-pair", "expert-1")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSuggestRequiresAcceptedPair(t *testing.T) {
	manager, _, _ := newTestPair(t)
	pairID, err := manager.Request(t.Context(), "builder-1", "review", nil)
	require.NoError(t, err)

	err = manager.Suggest(t.Context(), pairID, "builder-1", 3, "use subtle.ConstantTimeCompare")
	require.ErrorIs(t, err, models.ErrConflict)
}

func TestSuggestionsAndCommentsFlow(t *testing.T) {
	manager, _, view, pairID := acceptedPair(t)

	require.NoError(t, manager.Suggest(t.Context(), pairID, "expert-1", 90, "split this function"))
	require.NoError(t, manager.Comment(t.Context(), pairID, "builder-1", "done, take another look"))

	thread, err := view.Pair(pairID)
	require.NoError(t, err)
	require.Len(t, thread.Suggestions, 1)
	require.Len(t, thread.Comments, 1)
	assert.Equal(t, "expert-1", thread.Suggestions[0].Author)
	assert.Equal(t, "builder-1", thread.Comments[0].Author)
}

func TestOutsiderCannotPost(t *testing.T) {
	manager, _, _, pairID := acceptedPair(t)

	err := manager.Suggest(t.Context(), pairID, "mallory", 1, "looks fine")
	require.ErrorIs(t, err, models.ErrScopeViolation)

	err = manager.Comment(t.Context(), pairID, "mallory", "ship it")
	require.ErrorIs(t, err, models.ErrScopeViolation)
}

func TestCloseByEitherParticipant(t *testing.T) {
	manager, _, view, pairID := acceptedPair(t)

	require.NoError(t, manager.Close(t.Context(), pairID, "expert-1", "review complete"))
	thread, err := view.Pair(pairID)
	require.NoError(t, err)
	assert.Equal(t, models.PairClosed, thread.State)
	assert.Equal(t, "review complete", thread.CloseReason)

	err = manager.Close(t.Context(), pairID, "builder-1", "again")
	require.ErrorIs(t, err, models.ErrConflict)
}

func TestBuilderMayWithdrawUnacceptedPair(t *testing.T) {
	manager, _, view := newTestPair(t)
	pairID, err := manager.Request(t.Context(), "builder-1", "review", nil)
	require.NoError(t, err)

	require.ErrorIs(t, manager.Close(t.Context(), pairID, "someone-else", "nope"), models.ErrScopeViolation)
	require.NoError(t, manager.Close(t.Context(), pairID, "builder-1", "withdrawn"))

	thread, err := view.Pair(pairID)
	require.NoError(t, err)
	assert.Equal(t, models.PairClosed, thread.State)
}

func TestClosedPairRejectsPosts(t *testing.T) {
	manager, _, _, pairID := acceptedPair(t)
	require.NoError(t, manager.Close(t.Context(), pairID, "builder-1", "done"))

	err := manager.Comment(t.Context(), pairID, "expert-1", "one more thing")
	require.ErrorIs(t, err, models.ErrConflict)
}

func TestAuthorize(t *testing.T) {
	manager, _, _, pairID := acceptedPair(t)

	assert.NoError(t, manager.Authorize(pairID, "builder-1"))
	assert.NoError(t, manager.Authorize(pairID, "expert-1"))
	assert.ErrorIs(t, manager.Authorize(pairID, "mallory"), models.ErrScopeViolation)
	assert.ErrorIs(t, manager.Authorize("ghost", "builder-1"), models.ErrNotFound)
}
