package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceplane/liteflow/internal/ctxlog"
	"github.com/sourceplane/liteflow/internal/scheduler"
)

func events(at time.Time) []scheduler.Event {
	return []scheduler.Event{
		{RunID: "r1", Node: "build", From: scheduler.Pending, To: scheduler.Ready, Time: at},
		{RunID: "r1", Node: "build", From: scheduler.Ready, To: scheduler.Running, Time: at},
		{RunID: "r1", Node: "build", From: scheduler.Running, To: scheduler.Failed, Time: at.Add(2 * time.Second), Err: errors.New("exit status 1")},
	}
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	obs := Multi(a, nil, b)
	for _, ev := range events(time.Now()) {
		obs.Observe(ev)
	}
	assert.Len(t, a.Events(), 3)
	assert.Equal(t, a.Events(), b.Events())
	assert.Equal(t, []scheduler.State{scheduler.Ready, scheduler.Running, scheduler.Failed}, a.Path("build"))
	assert.Empty(t, a.Path("deploy"))
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	ctx := ctxlog.WithLogger(context.Background(), ctxlog.New("info", "json", &buf))
	obs := NewLog(ctx)
	for _, ev := range events(time.Now()) {
		obs.Observe(ev)
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "node failed", rec["msg"])
	assert.Equal(t, "build", rec["node"])
	assert.Equal(t, "failed", rec["state"])
	assert.Equal(t, "r1", rec["run_id"])
	assert.Equal(t, "exit status 1", rec["error"])
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	evs := events(time.Now())

	m.Observe(evs[0])
	m.Observe(evs[1])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))
	m.Observe(evs[2])
	assert.Equal(t, 0.0, testutil.ToFloat64(m.running))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
	assert.Empty(t, m.started)

	// Registering twice on one registry fails
	assert.Panics(t, func() { NewMetrics(reg) })
}

type fakeChannel struct {
	err       error
	published []amqp.Publishing
	keys      []string
	exchange  string
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.exchange = exchange
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func TestAMQPPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p := NewAMQPPublisher(context.Background(), ch, "")
	for _, ev := range events(time.Now()) {
		p.Observe(ev)
	}

	require.Len(t, ch.published, 3)
	assert.Equal(t, DefaultExchange, ch.exchange)
	assert.Equal(t, []string{"ready", "running", "failed"}, ch.keys)

	last := ch.published[2]
	assert.Equal(t, "application/json", last.ContentType)
	assert.Equal(t, amqp.Persistent, last.DeliveryMode)

	var msg struct {
		ID      string            `json:"id"`
		Type    string            `json:"type"`
		Payload TransitionPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(last.Body, &msg))
	assert.Equal(t, last.MessageId, msg.ID)
	assert.Equal(t, MessageTypeTransition, msg.Type)
	assert.Equal(t, TransitionPayload{RunID: "r1", Node: "build", From: "running", To: "failed", Error: "exit status 1"}, msg.Payload)
	assert.NoError(t, p.Close())
}

func TestAMQPPublisherErrors(t *testing.T) {
	var buf bytes.Buffer
	ctx := ctxlog.WithLogger(context.Background(), ctxlog.New("warn", "text", &buf))
	p := NewAMQPPublisher(ctx, &fakeChannel{err: amqp.ErrClosed}, "events")

	err := p.Publish(context.Background(), "failed", &Message{ID: "1"})
	assert.ErrorIs(t, err, amqp.ErrClosed)

	p.Observe(events(time.Now())[0])
	assert.Contains(t, buf.String(), "failed to publish event")
}
