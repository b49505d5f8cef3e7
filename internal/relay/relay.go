// Package relay forwards workspace events to external sinks: webhooks from
// planline.yml and an AMQP topic exchange. Each sink keeps its own cursor over
// the events table; an optional Redis deduper stops two relays from pushing
// the same event twice.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"planline/internal/domain"
	"planline/internal/metrics"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Source is the event log the relay reads. repo.Repo satisfies it.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, planID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context, planID string) (int64, error)
}

type Sink interface {
	Name() string
	Accepts(evtType string) bool
	Send(ctx context.Context, msg Message) error
}

// connectionChecker is implemented by sinks holding a broker connection.
type connectionChecker interface {
	Connected() bool
}

type Deduper interface {
	AcquireOnce(ctx context.Context, sink string, eventID int64) bool
	Release(ctx context.Context, sink string, eventID int64)
}

// Message is the JSON body pushed to every sink.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	PlanID     string          `json:"plan_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func messageOf(evt domain.Event) Message {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	return Message{
		ID:         evt.ID,
		Type:       evt.Type,
		PlanID:     evt.PlanID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
}

type Relay struct {
	source  Source
	planID  string
	sinks   []Sink
	dedup   Deduper
	logger  *zap.Logger
	metrics *metrics.Metrics

	interval time.Duration
	batch    int
	replay   bool

	mu      sync.Mutex
	cursors map[string]int64
}

// New relays events of planID (every plan when empty) to sinks.
func New(source Source, planID string, sinks []Sink, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		source:   source,
		planID:   planID,
		sinks:    sinks,
		logger:   logger,
		interval: defaultInterval,
		batch:    defaultBatch,
		cursors:  make(map[string]int64),
	}
}

func (r *Relay) WithDeduper(d Deduper) *Relay {
	r.dedup = d
	return r
}

func (r *Relay) WithMetrics(m *metrics.Metrics) *Relay {
	r.metrics = m
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batch = n
	}
	return r
}

// WithReplay starts every sink at the first event instead of the latest one.
func (r *Relay) WithReplay() *Relay {
	r.replay = true
	return r
}

// Run dispatches on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	if len(r.sinks) == 0 {
		return
	}
	r.logger.Info("relay started",
		zap.Int("sinks", len(r.sinks)),
		zap.Duration("interval", r.interval),
		zap.Int("batch_size", r.batch),
	)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce pushes one batch to each sink.
func (r *Relay) DispatchOnce(ctx context.Context) {
	for _, sink := range r.sinks {
		r.dispatch(ctx, sink)
	}
}

func (r *Relay) dispatch(ctx context.Context, sink Sink) {
	if c, ok := sink.(connectionChecker); ok && !c.Connected() {
		r.metrics.RelayDelivery(sink.Name(), "disconnected", 0)
		r.logger.Warn("relay: sink disconnected, holding cursor", zap.String("sink", sink.Name()))
		return
	}
	cursor, err := r.cursorFor(ctx, sink.Name())
	if err != nil {
		r.logger.Warn("relay: init cursor failed", zap.String("sink", sink.Name()), zap.Error(err))
		return
	}
	evts, err := r.source.EventsAfter(ctx, r.batch, cursor, r.planID)
	if err != nil {
		r.logger.Error("relay: fetch events failed", zap.Error(err))
		return
	}
	for _, evt := range evts {
		if !sink.Accepts(evt.Type) {
			r.setCursor(sink.Name(), evt.ID)
			continue
		}
		if r.dedup != nil && !r.dedup.AcquireOnce(ctx, sink.Name(), evt.ID) {
			r.metrics.RelayDelivery(sink.Name(), "duplicate", 0)
			r.setCursor(sink.Name(), evt.ID)
			continue
		}
		start := time.Now()
		if err := sink.Send(ctx, messageOf(evt)); err != nil {
			r.metrics.RelayDelivery(sink.Name(), "error", time.Since(start))
			if r.dedup != nil {
				r.dedup.Release(ctx, sink.Name(), evt.ID)
			}
			r.logger.Warn("relay: deliver failed",
				zap.String("sink", sink.Name()),
				zap.Int64("event_id", evt.ID),
				zap.String("type", evt.Type),
				zap.Error(err),
			)
			return
		}
		r.metrics.RelayDelivery(sink.Name(), "ok", time.Since(start))
		r.setCursor(sink.Name(), evt.ID)
	}
}

// cursor reports the last event id handled by a sink.
func (r *Relay) cursor(sink string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[sink]
}

func (r *Relay) cursorFor(ctx context.Context, sink string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.cursors[sink]; ok {
		return cur, nil
	}
	var cur int64
	if !r.replay {
		var err error
		if cur, err = r.source.LatestEventID(ctx, r.planID); err != nil {
			return 0, err
		}
	}
	r.cursors[sink] = cur
	return cur, nil
}

func (r *Relay) setCursor(sink string, value int64) {
	r.mu.Lock()
	r.cursors[sink] = value
	r.mu.Unlock()
}
