package recorder

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"orbita/internal/config"
	"orbita/internal/domain"
	"orbita/internal/events"
	"orbita/internal/observability"
	"orbita/internal/platform/logger"
	"orbita/internal/repo"
)

const maxBatch = 256

var ErrClosed = errors.New("recorder closed")

type kind int

const (
	kindTelemetry kind = iota
	kindDecision
	kindEvent
	kindFlush
)

type record struct {
	kind      kind
	telemetry domain.TelemetrySample
	decision  domain.Decision
	eventType string
	missionID string
	payload   map[string]any
	flushed   chan struct{}
}

func (r record) bounded() bool {
	return r.kind == kindTelemetry || r.kind == kindDecision
}

// Recorder persists samples, decisions and lifecycle events off the ingest
// path. Records are written in the order they were enqueued and enqueueing
// never waits for the writer. At most cap telemetry and decision records are
// queued; when full, "drop" discards the incoming record and "drop_oldest"
// evicts the oldest queued one. Lifecycle events and flush markers are always
// queued.
type Recorder struct {
	repo    repo.Repo
	events  events.Writer
	policy  string
	cap     int
	metrics *observability.Metrics
	log     *logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []record
	dataLen int
	closed  bool
}

func New(r repo.Repo, w events.Writer, cfg config.PersistenceConfig, metrics *observability.Metrics, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.NewNop()
	}
	capacity := cfg.QueueSize
	if capacity <= 0 {
		capacity = 4096
	}
	rec := &Recorder{
		repo:    r,
		events:  w,
		policy:  cfg.OnQueueFull,
		cap:     capacity,
		metrics: metrics,
		log:     log.With("component", "Recorder"),
	}
	rec.cond = sync.NewCond(&rec.mu)
	return rec
}

func (r *Recorder) RecordTelemetry(s domain.TelemetrySample) {
	r.enqueue(record{kind: kindTelemetry, telemetry: s, missionID: s.MissionID})
}

func (r *Recorder) RecordDecision(d domain.Decision) {
	r.enqueue(record{kind: kindDecision, decision: d, missionID: d.MissionID})
}

func (r *Recorder) RecordEvent(eventType, missionID string, payload map[string]any) {
	r.enqueue(record{kind: kindEvent, eventType: eventType, missionID: missionID, payload: payload})
}

// Pending reports whether records for missionID are still queued.
func (r *Recorder) Pending(missionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.queue {
		if rec.missionID == missionID {
			return true
		}
	}
	return false
}

// Len returns the number of queued records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Recorder) enqueue(rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.metrics.RecorderDropped()
		r.log.Warn("recorder closed; record dropped", "mission_id", rec.missionID)
		return
	}
	if rec.bounded() {
		if r.dataLen >= r.cap && !(r.policy == config.QueueFullDropOldest && r.evictOldest()) {
			r.metrics.RecorderDropped()
			r.log.Warn("persistence queue full; record dropped", "mission_id", rec.missionID, "capacity", r.cap)
			return
		}
		r.dataLen++
	}
	r.queue = append(r.queue, rec)
	r.metrics.SetRecorderQueue(len(r.queue))
	r.cond.Broadcast()
}

// evictOldest removes the oldest telemetry or decision record. The caller
// holds r.mu.
func (r *Recorder) evictOldest() bool {
	for i, q := range r.queue {
		if !q.bounded() {
			continue
		}
		r.queue = append(r.queue[:i], r.queue[i+1:]...)
		r.dataLen--
		r.metrics.RecorderDropped()
		r.log.Warn("persistence queue full; oldest record evicted", "mission_id", q.missionID, "capacity", r.cap)
		return true
	}
	return false
}

// Flush waits until every record enqueued before the call is written.
func (r *Recorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.queue = append(r.queue, record{kind: kindFlush, flushed: done})
	r.cond.Broadcast()
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run writes queued records until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.closed = true
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 && r.closed {
			r.mu.Unlock()
			return nil
		}
		n := len(r.queue)
		if n > maxBatch {
			n = maxBatch
		}
		batch := make([]record, n)
		copy(batch, r.queue[:n])
		r.queue = append(r.queue[:0], r.queue[n:]...)
		for _, rec := range batch {
			if rec.bounded() {
				r.dataLen--
			}
		}
		r.metrics.SetRecorderQueue(len(r.queue))
		r.mu.Unlock()

		// Writes use a detached context so a shutdown still drains the queue.
		r.write(context.WithoutCancel(ctx), batch)
	}
}

func (r *Recorder) write(ctx context.Context, batch []record) {
	tx, err := r.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		r.log.Error("begin persistence batch", "error", err, "records", len(batch))
		for range batch {
			r.metrics.RecorderError()
		}
		r.release(batch)
		return
	}
	for _, rec := range batch {
		if err := r.apply(ctx, tx, rec); err != nil {
			r.metrics.RecorderError()
			r.log.Error("persist record", "mission_id", rec.missionID, "kind", int(rec.kind), "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		r.metrics.RecorderError()
		r.log.Error("commit persistence batch", "error", err, "records", len(batch))
	}
	r.release(batch)
}

func (r *Recorder) apply(ctx context.Context, tx *sql.Tx, rec record) error {
	switch rec.kind {
	case kindTelemetry:
		return r.repo.InsertTelemetry(ctx, tx, rec.telemetry)
	case kindDecision:
		return r.repo.InsertDecision(ctx, tx, rec.decision)
	case kindEvent:
		if err := r.events.Append(ctx, tx, rec.eventType, rec.missionID, events.EntityMission, rec.missionID, events.ActorSystem, rec.payload); err != nil {
			return err
		}
		switch rec.eventType {
		case domain.EventMissionStopped, domain.EventMissionStarted:
			status, _ := rec.payload["status"].(string)
			if status == "" {
				status = string(domain.SeverityNominal)
			}
			err := r.repo.UpdateMissionState(ctx, tx, rec.missionID, domain.Severity(status), rec.eventType == domain.EventMissionStarted)
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (r *Recorder) release(batch []record) {
	for _, rec := range batch {
		if rec.kind == kindFlush {
			close(rec.flushed)
		}
	}
}
