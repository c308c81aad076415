package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// DefaultSubscribeBuffer is the per-subscriber backlog limit when the
// caller does not choose one.
const DefaultSubscribeBuffer = 256

// Subscription is a live feed of events. Events() yields history from the
// filter's FromSequence followed by live appends, in sequence order with no
// gaps or duplicates. After the channel closes, Err() explains why: nil for
// a clean close, a lagging error when the subscriber fell too far behind.
type Subscription struct {
	id     uint64
	filter models.EventFilter
	buffer int

	ch     chan *models.Event
	quit   chan struct{}
	failCh chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*models.Event
	failure error
	done    bool

	closeOnce sync.Once
	failOnce  sync.Once
	hub       *subscriberHub
}

// Events returns the delivery channel
func (sub *Subscription) Events() <-chan *models.Event {
	return sub.ch
}

// Err reports why the subscription ended. Valid after Events() closes.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.failure
}

// Close detaches the subscription. Idempotent.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		sub.mu.Lock()
		sub.done = true
		sub.cond.Signal()
		sub.mu.Unlock()
		close(sub.quit)
		sub.hub.remove(sub.id)
	})
}

// fail marks the subscription broken and wakes the pump, including a pump
// blocked mid-delivery
func (sub *Subscription) fail(err error) {
	sub.mu.Lock()
	if sub.failure == nil && !sub.done {
		sub.failure = err
		sub.pending = nil
	}
	sub.cond.Signal()
	sub.mu.Unlock()
	sub.failOnce.Do(func() { close(sub.failCh) })
}

// offer enqueues matching live events, cutting the subscriber off when its
// backlog would exceed the buffer. Never blocks the append path.
func (sub *Subscription) offer(events []*models.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.done || sub.failure != nil {
		return
	}
	for _, event := range events {
		if sub.filter.ToSequence > 0 && event.Sequence > sub.filter.ToSequence {
			sub.done = true
			break
		}
		if !sub.filter.Matches(event) {
			continue
		}
		if len(sub.pending) >= sub.buffer {
			sub.failure = fmt.Errorf("%w: subscriber %d behind by more than %d events",
				models.ErrLagging, sub.id, sub.buffer)
			sub.pending = nil
			sub.failOnce.Do(func() { close(sub.failCh) })
			break
		}
		sub.pending = append(sub.pending, event)
	}
	sub.cond.Signal()
}

// subscriberHub fans appended events out to subscriptions
type subscriberHub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func newSubscriberHub(logger *slog.Logger) *subscriberHub {
	return &subscriberHub{
		logger: logger,
		subs:   make(map[uint64]*Subscription),
	}
}

func (h *subscriberHub) subscribe(ctx context.Context, s *Store, filter models.EventFilter, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultSubscribeBuffer
	}

	sub := &Subscription{
		filter: filter,
		buffer: buffer,
		ch:     make(chan *models.Event),
		quit:   make(chan struct{}),
		failCh: make(chan struct{}),
		hub:    h,
	}
	sub.cond = sync.NewCond(&sub.mu)

	// Register before snapshotting the head so nothing appended in between
	// is missed; the pump deduplicates the overlap by sequence.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: store closed", models.ErrIO)
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	h.mu.Unlock()

	catchupTo := s.Head()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.quit:
		}
	}()
	go sub.pump(ctx, s, catchupTo)

	return sub, nil
}

func (h *subscriberHub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// publish hands freshly committed events to every subscription
func (h *subscriberHub) publish(events []*models.Event) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.offer(events)
	}
}

// closeAll ends every subscription with a store-closed failure
func (h *subscriberHub) closeAll() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[uint64]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.fail(fmt.Errorf("%w: store closed", models.ErrIO))
	}
}

// pump drives one subscription: replay history up to catchupTo, then relay
// live events from the pending queue. Runs until the subscription closes,
// fails, or reaches the filter's ToSequence.
func (sub *Subscription) pump(ctx context.Context, s *Store, catchupTo uint64) {
	defer close(sub.ch)
	defer sub.Close()

	lastSent := uint64(0)
	if sub.filter.FromSequence > 0 {
		lastSent = sub.filter.FromSequence - 1
	}

	replayTo := catchupTo
	if sub.filter.ToSequence > 0 && sub.filter.ToSequence < replayTo {
		replayTo = sub.filter.ToSequence
	}
	if replayTo > lastSent {
		historical := sub.filter
		historical.ToSequence = replayTo
		cursor := lastSent
		for {
			page, err := s.Query(ctx, historical, cursor, defaultQueryLimit)
			if err != nil {
				sub.fail(err)
				return
			}
			for _, event := range page.Events {
				if !sub.deliver(event) {
					return
				}
			}
			if page.NextCursor == 0 {
				break
			}
			cursor = page.NextCursor
		}
		lastSent = replayTo
	}
	if sub.filter.ToSequence > 0 && lastSent >= sub.filter.ToSequence {
		return
	}

	for {
		sub.mu.Lock()
		for len(sub.pending) == 0 && sub.failure == nil && !sub.done {
			sub.cond.Wait()
		}
		if sub.done && len(sub.pending) == 0 {
			sub.mu.Unlock()
			return
		}
		if sub.failure != nil {
			sub.mu.Unlock()
			return
		}
		batch := sub.pending
		sub.pending = nil
		sub.mu.Unlock()

		for _, event := range batch {
			if event.Sequence <= lastSent {
				continue
			}
			if sub.filter.ToSequence > 0 && event.Sequence > sub.filter.ToSequence {
				return
			}
			if !sub.deliver(event) {
				return
			}
			lastSent = event.Sequence
			if sub.filter.ToSequence > 0 && event.Sequence == sub.filter.ToSequence {
				return
			}
		}
	}
}

// deliver blocks until the consumer takes the event or the subscription
// ends
func (sub *Subscription) deliver(event *models.Event) bool {
	select {
	case sub.ch <- event:
		return true
	case <-sub.quit:
		return false
	case <-sub.failCh:
		return false
	}
}
