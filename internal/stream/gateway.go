package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"orbita/internal/domain"
	"orbita/internal/observability"
	"orbita/internal/platform/logger"
)

// EventType distinguishes frames on a mission stream.
type EventType string

const (
	// EventSync is the first event every subscriber receives.
	EventSync EventType = "sync"
	// EventTelemetry carries an accepted sample and, when anomalous, its decision.
	EventTelemetry EventType = "telemetry"
	// EventOverride is terminal: the mission was stopped by an operator.
	EventOverride EventType = "override"
)

// ErrClosed is returned by Next once a subscription is closed and drained.
var ErrClosed = errors.New("subscription closed")

// Event is one ordered frame on a mission stream. Missed counts events
// dropped for this subscriber since the previous delivered frame.
type Event struct {
	Type      EventType               `json:"type"`
	Seq       uint64                  `json:"seq"`
	MissionID string                  `json:"mission_id"`
	Status    domain.Severity         `json:"status,omitempty"`
	Active    bool                    `json:"active"`
	Telemetry *domain.TelemetrySample `json:"telemetry,omitempty"`
	Decision  *domain.Decision        `json:"decision,omitempty"`
	Missed    uint64                  `json:"missed,omitempty"`
}

type topic struct {
	seq  uint64
	subs map[string]*Subscription
}

// Gateway fans events out to per-mission subscribers. Publish never blocks:
// each subscriber has its own bounded queue that drops its oldest entry on
// overflow.
type Gateway struct {
	mu        sync.Mutex
	topics    map[string]*topic
	queueSize int
	metrics   *observability.Metrics
	log       *logger.Logger
}

func NewGateway(queueSize int, metrics *observability.Metrics, log *logger.Logger) *Gateway {
	if queueSize < 2 {
		queueSize = 2
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Gateway{
		topics:    make(map[string]*topic),
		queueSize: queueSize,
		metrics:   metrics,
		log:       log.With("component", "StreamGateway"),
	}
}

// Subscribe registers a subscriber and queues initial as its first event. Its
// Seq is set to the last sequence published on the mission, so live events
// continue from Seq+1.
func (g *Gateway) Subscribe(missionID string, initial Event) *Subscription {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.topic(missionID)
	sub := &Subscription{
		ID:        uuid.NewString(),
		MissionID: missionID,
		buf:       make([]Event, g.queueSize),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		gateway:   g,
	}
	initial.Type = EventSync
	initial.MissionID = missionID
	initial.Seq = t.seq
	sub.enqueue(initial)
	t.subs[sub.ID] = sub
	g.metrics.AddSubscribers(1)
	g.log.Debug("stream subscriber added", "mission_id", missionID, "subscriber_id", sub.ID)
	return sub
}

// Publish assigns the next sequence number and queues ev for every current
// subscriber. An override event finishes every subscription after delivery.
func (g *Gateway) Publish(missionID string, ev Event) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.topic(missionID)
	t.seq++
	ev.Seq = t.seq
	ev.MissionID = missionID
	for id, sub := range t.subs {
		if sub.enqueue(ev) {
			g.metrics.StreamDropped()
			g.log.Warn("stream queue full; dropped oldest event", "mission_id", missionID, "subscriber_id", id)
		}
		if ev.Type == EventOverride {
			sub.finish()
			delete(t.subs, id)
			g.metrics.AddSubscribers(-1)
		}
	}
	return t.seq
}

// Count returns the number of open subscriptions for a mission.
func (g *Gateway) Count(missionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.topics[missionID]; ok {
		return len(t.subs)
	}
	return 0
}

// CloseMission closes every subscription for a mission and forgets its sequence.
func (g *Gateway) CloseMission(missionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.topics[missionID]
	if !ok {
		return
	}
	for id, sub := range t.subs {
		sub.finish()
		delete(t.subs, id)
		g.metrics.AddSubscribers(-1)
	}
	delete(g.topics, missionID)
}

func (g *Gateway) remove(sub *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.topics[sub.MissionID]
	if !ok {
		return
	}
	if _, ok := t.subs[sub.ID]; ok {
		delete(t.subs, sub.ID)
		g.metrics.AddSubscribers(-1)
		g.log.Debug("stream subscriber removed", "mission_id", sub.MissionID, "subscriber_id", sub.ID)
	}
}

func (g *Gateway) topic(missionID string) *topic {
	t, ok := g.topics[missionID]
	if !ok {
		t = &topic{subs: make(map[string]*Subscription)}
		g.topics[missionID] = t
	}
	return t
}

// Subscription is a handle on one subscriber's ordered queue.
type Subscription struct {
	ID        string
	MissionID string

	mu       sync.Mutex
	buf      []Event
	head     int
	n        int
	missed   uint64
	finished bool
	notify   chan struct{}
	done     chan struct{}
	once     sync.Once
	gateway  *Gateway
}

// enqueue appends ev, dropping the oldest queued event when full. It reports
// whether an event was dropped.
func (s *Subscription) enqueue(ev Event) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if s.n == len(s.buf) {
		s.head = (s.head + 1) % len(s.buf)
		s.n--
		s.missed++
		dropped = true
	}
	s.buf[(s.head+s.n)%len(s.buf)] = ev
	s.n++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// finish stops further enqueues; queued events stay readable.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscription ends or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.n > 0 {
			ev := s.buf[s.head]
			s.buf[s.head] = Event{}
			s.head = (s.head + 1) % len(s.buf)
			s.n--
			ev.Missed = s.missed
			s.missed = 0
			s.mu.Unlock()
			return ev, nil
		}
		finished := s.finished
		s.mu.Unlock()
		if finished {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
			return Event{}, ErrClosed
		case <-s.notify:
		}
	}
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.gateway.remove(s)
		s.mu.Lock()
		s.finished = true
		s.n = 0
		s.mu.Unlock()
		close(s.done)
	})
}
