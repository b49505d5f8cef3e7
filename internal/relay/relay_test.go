package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/config"
	"planline/internal/domain"
)

type fakeSource struct {
	events []domain.Event
}

func (f *fakeSource) EventsAfter(_ context.Context, limit int, cursor int64, planID string) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range f.events {
		if e.ID <= cursor || (planID != "" && e.PlanID != planID) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) LatestEventID(_ context.Context, planID string) (int64, error) {
	var id int64
	for _, e := range f.events {
		if planID == "" || e.PlanID == planID {
			id = e.ID
		}
	}
	return id, nil
}

type fakeSink struct {
	name   string
	accept func(string) bool
	failOn int64
	got    []Message
}

func (s *fakeSink) Name() string { return s.name }
func (s *fakeSink) Accepts(t string) bool {
	return s.accept == nil || s.accept(t)
}
func (s *fakeSink) Send(_ context.Context, msg Message) error {
	if msg.ID == s.failOn {
		return errors.New("boom")
	}
	s.got = append(s.got, msg)
	return nil
}

type memDeduper struct {
	seen     map[string]bool
	released []int64
}

func (d *memDeduper) AcquireOnce(_ context.Context, sink string, id int64) bool {
	k := dedupKey(sink, id)
	if d.seen[k] {
		return false
	}
	d.seen[k] = true
	return true
}

func (d *memDeduper) Release(_ context.Context, sink string, id int64) {
	delete(d.seen, dedupKey(sink, id))
	d.released = append(d.released, id)
}

func sampleEvents() []domain.Event {
	return []domain.Event{
		{ID: 1, Type: "plan.created", PlanID: "demo", EntityKind: "plan", Payload: `{"milestones":5}`},
		{ID: 2, Type: "milestone.transitioned", PlanID: "demo", EntityKind: "milestone", EntityID: "3"},
		{ID: 3, Type: "communication.delivered", PlanID: "other", EntityKind: "communication"},
		{ID: 4, Type: "communication.delivered", PlanID: "demo", EntityKind: "communication", Payload: "not json"},
	}
}

func ids(msgs []Message) []int64 {
	var out []int64
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestRelayStartsAtLatestEvent(t *testing.T) {
	src := &fakeSource{events: sampleEvents()}
	sink := &fakeSink{name: "s"}
	r := New(src, "demo", []Sink{sink}, nil)

	r.DispatchOnce(context.Background())
	assert.Empty(t, sink.got)
	assert.Equal(t, int64(4), r.cursor("s"))

	src.events = append(src.events, domain.Event{ID: 5, Type: "plan.reset", PlanID: "demo"})
	r.DispatchOnce(context.Background())
	assert.Equal(t, []int64{5}, ids(sink.got))
}

type brokerSink struct {
	fakeSink
	up bool
}

func (s *brokerSink) Connected() bool { return s.up }

func TestRelayHoldsCursorWhileSinkDisconnected(t *testing.T) {
	src := &fakeSource{events: sampleEvents()}
	sink := &brokerSink{fakeSink: fakeSink{name: "amqp"}}
	r := New(src, "demo", []Sink{sink}, nil).WithReplay()

	r.DispatchOnce(context.Background())
	assert.Empty(t, sink.got)
	assert.Equal(t, int64(0), r.cursor("amqp"))

	sink.up = true
	r.DispatchOnce(context.Background())
	assert.Equal(t, []int64{1, 2, 4}, ids(sink.got))
	assert.Equal(t, int64(4), r.cursor("amqp"))
}

func TestRelayReplayFiltersAndStopsOnFailure(t *testing.T) {
	src := &fakeSource{events: sampleEvents()}
	sink := &fakeSink{name: "s", failOn: 4, accept: newEventFilter([]string{"plan.created", "communication.*"}).match}
	r := New(src, "demo", []Sink{sink}, nil).WithReplay()

	r.DispatchOnce(context.Background())
	assert.Equal(t, []int64{1}, ids(sink.got))
	// Event 2 is filtered out and advances the cursor; event 4 fails and is retried.
	assert.Equal(t, int64(2), r.cursor("s"))

	sink.failOn = 0
	r.DispatchOnce(context.Background())
	assert.Equal(t, []int64{1, 4}, ids(sink.got))
	assert.Equal(t, "not json", sink.got[1].PayloadRaw)
	assert.JSONEq(t, `{}`, string(sink.got[1].Payload))
}

func TestRelayDeduplicatesAcrossRelays(t *testing.T) {
	src := &fakeSource{events: sampleEvents()}
	dedup := &memDeduper{seen: map[string]bool{}}
	a := &fakeSink{name: "s"}
	b := &fakeSink{name: "s", failOn: 2}

	New(src, "demo", []Sink{b}, nil).WithReplay().WithDeduper(dedup).DispatchOnce(context.Background())
	assert.Equal(t, []int64{1}, ids(b.got))
	assert.Equal(t, []int64{2}, dedup.released)

	New(src, "demo", []Sink{a}, nil).WithReplay().WithDeduper(dedup).DispatchOnce(context.Background())
	assert.Equal(t, []int64{2, 4}, ids(a.got))
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{events: sampleEvents()}
	sink := &fakeSink{name: "s"}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(src, "", []Sink{sink}, nil).WithReplay().WithInterval(time.Millisecond).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestWebhookSink(t *testing.T) {
	var got Message
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	disabled := false
	sinks := WebhookSinks([]config.WebhookConfig{
		{URL: srv.URL, Secret: "s3cret", Events: []string{"communication.delivered"}},
		{URL: srv.URL, Enabled: &disabled},
		{URL: ""},
	})
	require.Len(t, sinks, 1)
	sink := sinks[0]
	assert.Equal(t, "webhook-0", sink.Name())
	assert.True(t, sink.Accepts("communication.delivered"))
	assert.False(t, sink.Accepts("plan.created"))

	msg := messageOf(domain.Event{ID: 7, Type: "communication.delivered", PlanID: "demo", Payload: `{"type":"Plan Started"}`})
	require.NoError(t, sink.Send(context.Background(), msg))
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, "communication.delivered", headers.Get("X-Planline-Event"))
	assert.Equal(t, "7", headers.Get("X-Planline-Delivery"))
	assert.Equal(t, "demo", headers.Get("X-Planline-Plan"))
	assert.Equal(t, "s3cret", headers.Get("X-Planline-Secret"))
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhookSink("w", config.WebhookConfig{URL: srv.URL}).Send(context.Background(), Message{ID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
}

func (p *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.exchange, p.key, p.msg = exchange, key, msg
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func TestAMQPSinkRoutesByEventType(t *testing.T) {
	pub := &fakePublisher{}
	sink := &AMQPSink{exchange: DefaultExchange, channel: pub}
	require.NoError(t, sink.Send(context.Background(), Message{ID: 9, Type: "milestone.transitioned", PlanID: "demo"}))
	assert.Equal(t, "planline.events", pub.exchange)
	assert.Equal(t, "milestone.transitioned", pub.key)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)
	assert.Equal(t, "9", pub.msg.MessageId)
	assert.Contains(t, string(pub.msg.Body), `"plan_id":"demo"`)
	assert.True(t, sink.Connected())
}

func TestRedisDeduperAllowsWhenUnavailable(t *testing.T) {
	rdb := NewRedisClient("127.0.0.1:1", "", 0)
	defer rdb.Close()
	d := NewRedisDeduper(rdb, time.Minute, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, d.AcquireOnce(ctx, "webhook-0", 1))
	d.Release(ctx, "webhook-0", 1)
}
