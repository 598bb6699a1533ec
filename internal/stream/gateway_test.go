package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbita/internal/domain"
	"orbita/internal/observability"
)

func telemetry(battery float64) Event {
	return Event{Type: EventTelemetry, Telemetry: &domain.TelemetrySample{BatteryLevel: battery}}
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestSubscribeDeliversSyncThenOrderedEvents(t *testing.T) {
	g := NewGateway(8, nil, nil)
	g.Publish("m-1", telemetry(1))

	sub := g.Subscribe("m-1", Event{Status: domain.SeverityWarning})
	defer sub.Close()

	sync := next(t, sub)
	assert.Equal(t, EventSync, sync.Type)
	assert.Equal(t, uint64(1), sync.Seq)
	assert.Equal(t, domain.SeverityWarning, sync.Status)

	for i := 2; i <= 5; i++ {
		g.Publish("m-1", telemetry(float64(i)))
	}
	for i := 2; i <= 5; i++ {
		ev := next(t, sub)
		assert.Equal(t, uint64(i), ev.Seq)
		assert.Equal(t, float64(i), ev.Telemetry.BatteryLevel)
		assert.Zero(t, ev.Missed)
	}
}

func TestMissionsAreIsolated(t *testing.T) {
	g := NewGateway(4, nil, nil)
	a := g.Subscribe("a", Event{})
	b := g.Subscribe("b", Event{})
	defer a.Close()
	defer b.Close()
	next(t, a)
	next(t, b)

	g.Publish("a", telemetry(10))
	assert.Equal(t, 1, a.Pending())
	assert.Equal(t, 0, b.Pending())
}

func TestSlowSubscriberDropsOldestAndDoesNotBlockOthers(t *testing.T) {
	m := observability.New()
	g := NewGateway(4, m, nil)
	slow := g.Subscribe("m-1", Event{})
	fast := g.Subscribe("m-1", Event{})
	defer slow.Close()
	defer fast.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	received := make(chan Event, 128)
	go func() {
		for {
			ev, err := fast.Next(ctx)
			if err != nil {
				close(received)
				return
			}
			received <- ev
		}
	}()

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 50; i++ {
			g.Publish("m-1", telemetry(float64(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a subscriber that never reads")
	}

	var last Event
	for ev := range received {
		last = ev
		if ev.Seq == 50 {
			break
		}
	}
	assert.Equal(t, uint64(50), last.Seq, "reading subscriber should see the newest event")

	assert.Equal(t, 4, slow.Pending())
	first := next(t, slow)
	assert.Equal(t, uint64(47), first.Seq, "slow subscriber keeps the newest events")
	assert.Equal(t, uint64(47), first.Missed, "sync plus 46 telemetry events were dropped")
	assert.Zero(t, next(t, slow).Missed)
}

func TestOverrideIsTerminal(t *testing.T) {
	g := NewGateway(8, nil, nil)
	sub := g.Subscribe("m-1", Event{})
	next(t, sub)

	g.Publish("m-1", telemetry(50))
	g.Publish("m-1", Event{Type: EventOverride})
	g.Publish("m-1", telemetry(60))

	assert.Equal(t, EventTelemetry, next(t, sub).Type)
	assert.Equal(t, EventOverride, next(t, sub).Type)
	_, err := sub.Next(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Equal(t, 0, g.Count("m-1"))
}

func TestCloseUnblocksNext(t *testing.T) {
	g := NewGateway(4, nil, nil)
	sub := g.Subscribe("m-1", Event{})
	next(t, sub)
	assert.Equal(t, 1, g.Count("m-1"))

	errc := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errc <- err
	}()
	sub.Close()
	sub.Close()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.Equal(t, 0, g.Count("m-1"))
}

func TestNextHonoursContext(t *testing.T) {
	g := NewGateway(4, nil, nil)
	sub := g.Subscribe("m-1", Event{})
	defer sub.Close()
	next(t, sub)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCloseMission(t *testing.T) {
	g := NewGateway(4, nil, nil)
	sub := g.Subscribe("m-1", Event{})
	g.CloseMission("m-1")
	assert.Equal(t, EventSync, next(t, sub).Type, "queued events stay readable")
	_, err := sub.Next(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}
