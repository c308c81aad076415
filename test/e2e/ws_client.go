package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/events"
)

// WSEvent is one frame received from the event stream.
type WSEvent struct {
	Type     string
	Raw      json.RawMessage
	Received time.Time
}

// WSClient drives the websocket stream the way a live dashboard does: one
// background reader collecting frames, with polling waits on top.
type WSClient struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	frames []WSEvent
	next   int
	err    error

	closeOnce sync.Once
}

// NewWSClient dials the stream with the session token and starts reading.
// The dial presents the same user agent the session was bound with.
func NewWSClient(t *testing.T, app *TestApp, token string) *WSClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	conn, resp, err := websocket.Dial(dialCtx, app.WSURL+"/ws?token="+token, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{testUserAgent}},
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)

	c := &WSClient{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.readLoop(ctx)
	t.Cleanup(c.Close)
	return c
}

func (c *WSClient) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		c.mu.Lock()
		c.frames = append(c.frames, WSEvent{Type: envelope.Type, Raw: data, Received: time.Now()})
		c.mu.Unlock()
	}
}

// Send writes one JSON frame to the server.
func (c *WSClient) Send(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.conn.Write(ctx, websocket.MessageText, raw))
}

// Subscribe requests a channel and waits for the confirmation frame.
func (c *WSClient) Subscribe(t *testing.T, channel string, fromSequence uint64) {
	t.Helper()
	c.Send(t, &events.ClientMessage{Action: "subscribe", Channel: channel, FromSequence: fromSequence})
	frame := c.WaitForEvent(t, "subscription.confirmed", 5*time.Second)
	var confirmed struct {
		Channel string `json:"channel"`
	}
	require.NoError(t, json.Unmarshal(frame.Raw, &confirmed))
	require.Equal(t, channel, confirmed.Channel)
}

// WaitForEvent blocks until a frame of the given type arrives, consuming
// everything up to and including it.
func (c *WSClient) WaitForEvent(t *testing.T, eventType string, timeout time.Duration) WSEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		for i := c.next; i < len(c.frames); i++ {
			if c.frames[i].Type == eventType {
				c.next = i + 1
				frame := c.frames[i]
				c.mu.Unlock()
				return frame
			}
		}
		err := c.err
		c.mu.Unlock()

		require.NoError(t, err, "stream closed while waiting for %q", eventType)
		require.False(t, time.Now().After(deadline), "no %q frame within %s", eventType, timeout)
		time.Sleep(25 * time.Millisecond)
	}
}

// Close tears the connection down and waits for the reader to exit.
func (c *WSClient) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.CloseNow()
		<-c.done
	})
}
