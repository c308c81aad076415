// Package events delivers committed log events to WebSocket clients.
//
// A client subscribes to one or more channels. For each subscription the
// server replays history from the requested sequence and then streams live
// appends, in order, with no gaps or duplicates. A subscriber that falls
// too far behind is cut off with a catchup.overflow notice and must reload
// over REST before re-subscribing.
package events

import (
	"fmt"
	"strings"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// GlobalChannel streams every event the viewer is allowed to see.
const GlobalChannel = "events:global"

const channelPrefix = "events:"

// AggregateChannel returns the channel name for one aggregate's events.
// Format: "events:{aggregate_id}".
func AggregateChannel(aggregateID string) string {
	return channelPrefix + aggregateID
}

// channelFilter translates a channel name into a log filter.
func channelFilter(channel string) (models.EventFilter, error) {
	if channel == GlobalChannel {
		return models.EventFilter{}, nil
	}
	aggregateID := strings.TrimPrefix(channel, channelPrefix)
	if aggregateID == channel || aggregateID == "" {
		return models.EventFilter{}, fmt.Errorf("unknown channel %q", channel)
	}
	return models.EventFilter{AggregateID: aggregateID}, nil
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action       string `json:"action"`                  // "subscribe", "unsubscribe", "ping"
	Channel      string `json:"channel,omitempty"`       // e.g. "events:global", "events:file:src/main.go"
	FromSequence uint64 `json:"from_sequence,omitempty"` // replay start for subscribe
}

// serverEvent wraps one log event for the wire.
type serverEvent struct {
	Type    string        `json:"type"`
	Channel string        `json:"channel"`
	Event   *models.Event `json:"event"`
}
