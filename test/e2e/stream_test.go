package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/events"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

func TestStreamRequiresToken(t *testing.T) {
	app := NewTestApp(t)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, app.WSURL+"/ws", nil)
	if conn != nil {
		conn.CloseNow()
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
}

func TestStreamDeliversLiveAppends(t *testing.T) {
	app := NewTestApp(t, WithBootstrap("alice", models.RoleAgent, "wonderland"))
	token := app.Login(t, "alice", "wonderland")

	ws := NewWSClient(t, app, token)
	ws.Subscribe(t, "events:global", 0)

	// The identity and session events already on the log are privileged and
	// never reach an agent viewer, so the write below is the first delivery.
	appended := app.AppendFileWritten(t, token, "src/live.go", "h-live")

	frame := ws.WaitForEvent(t, "event", 10*time.Second)
	var envelope struct {
		Channel string        `json:"channel"`
		Event   *models.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(frame.Raw, &envelope))
	assert.Equal(t, "events:global", envelope.Channel)
	require.NotNil(t, envelope.Event)
	assert.Equal(t, appended.Sequence, envelope.Event.Sequence)
	assert.Equal(t, models.EventFileWritten, envelope.Event.EventType)
	assert.Equal(t, "alice", envelope.Event.AgentID)

	ws.Send(t, &events.ClientMessage{Action: "ping"})
	ws.WaitForEvent(t, "pong", 5*time.Second)
}

func TestStreamReplaysChannelHistory(t *testing.T) {
	app := NewTestApp(t, WithBootstrap("alice", models.RoleAgent, "wonderland"))
	token := app.Login(t, "alice", "wonderland")

	appended := app.AppendFileWritten(t, token, "src/replay.go", "h-replay")

	// Subscribing after the write replays it from the log before going live.
	ws := NewWSClient(t, app, token)
	ws.Subscribe(t, "events:file:src/replay.go", 1)

	frame := ws.WaitForEvent(t, "event", 10*time.Second)
	var envelope struct {
		Channel string        `json:"channel"`
		Event   *models.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(frame.Raw, &envelope))
	assert.Equal(t, "events:file:src/replay.go", envelope.Channel)
	require.NotNil(t, envelope.Event)
	assert.Equal(t, appended.Sequence, envelope.Event.Sequence)
	assert.Equal(t, "file:src/replay.go", envelope.Event.AggregateID)
}
