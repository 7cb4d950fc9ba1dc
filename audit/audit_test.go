package audit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/gachar/hierarchy"
)

func testEntry() hierarchy.AuditEntry {
	return hierarchy.AuditEntry{
		Action:      "reparent",
		EntityType:  hierarchy.EntityTypeLocation,
		EntityID:    "bin-1",
		PerformedBy: "alice",
		Details:     map[string]any{"from_parent_id": "shelf-1", "to_parent_id": "shelf-2"},
		At:          time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
}

// recordingSink collects entries, optionally blocking until release is closed.
type recordingSink struct {
	mu      sync.Mutex
	entries []hierarchy.AuditEntry
	err     error
	release chan struct{}
}

func (r *recordingSink) Record(_ context.Context, e hierarchy.AuditEntry) error {
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	sink := NewLogSink(&logger)

	require.NoError(t, sink.Record(context.Background(), testEntry()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["message"])
	assert.Equal(t, "reparent", line["action"])
	assert.Equal(t, "bin-1", line["entity_id"])
	assert.Equal(t, "shelf-2", line["to_parent_id"])
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("down")}

	err := Multi{bad, ok}.Record(context.Background(), testEntry())
	require.Error(t, err)
	assert.Equal(t, 1, ok.count(), "a failing sink must not stop the others")

	assert.NoError(t, Multi{}.Record(context.Background(), testEntry()))
}

func TestAsync_ForwardsAndDrains(t *testing.T) {
	next := &recordingSink{}
	a := NewAsync(next, 16, time.Second)

	for range 10 {
		require.NoError(t, a.Record(context.Background(), testEntry()))
	}
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, 10, next.count())

	assert.ErrorIs(t, a.Record(context.Background(), testEntry()), ErrClosed)
}

func TestAsync_QueueFull(t *testing.T) {
	next := &recordingSink{release: make(chan struct{})}
	a := NewAsync(next, 1, time.Second)

	// The worker takes the first entry and blocks, the second fills the queue.
	require.NoError(t, a.Record(context.Background(), testEntry()))
	require.Eventually(t, func() bool {
		return a.Record(context.Background(), testEntry()) == nil
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, a.Record(context.Background(), testEntry()), ErrQueueFull)

	close(next.release)
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, 2, next.count())
}

func TestAsync_CloseHonoursContext(t *testing.T) {
	next := &recordingSink{release: make(chan struct{})}
	a := NewAsync(next, 4, time.Second)
	require.NoError(t, a.Record(context.Background(), testEntry()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Close(ctx), context.DeadlineExceeded)

	close(next.release)
}

func TestPublisherSink_PublishesJSON(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, DefaultTopic)
	require.NoError(t, err)

	sink := NewPublisherSink(pubSub, "", DefaultBreakerConfig())
	require.NoError(t, sink.Record(ctx, testEntry()))

	var msg *message.Message
	select {
	case msg = <-messages:
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("no message published")
	}

	var event Event
	require.NoError(t, json.Unmarshal(msg.Payload, &event))
	assert.Equal(t, msg.UUID, event.ID)
	assert.Equal(t, "reparent", event.Action)
	assert.Equal(t, "alice", event.PerformedBy)
	assert.Equal(t, "shelf-1", event.Details["from_parent_id"])
	assert.Equal(t, "bin-1", msg.Metadata.Get("entity_id"))
	assert.Equal(t, msg.UUID, msg.Metadata.Get(natsgo.MsgIdHdr))
}

type failingPublisher struct {
	calls int
}

func (f *failingPublisher) Publish(string, ...*message.Message) error {
	f.calls++
	return errors.New("broker unreachable")
}

func (f *failingPublisher) Close() error { return nil }

func TestPublisherSink_BreakerOpens(t *testing.T) {
	pub := &failingPublisher{}
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 3
	sink := NewPublisherSink(pub, "audit", cfg)

	for range 3 {
		require.Error(t, sink.Record(context.Background(), testEntry()))
	}
	assert.Equal(t, gobreaker.StateOpen, sink.BreakerState())

	err := sink.Record(context.Background(), testEntry())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, pub.calls, "an open breaker must not reach the broker")
}

type fakePutItem struct {
	inputs []*dynamodb.PutItemInput
	err    error
}

func (f *fakePutItem) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.inputs = append(f.inputs, in)
	return &dynamodb.PutItemOutput{}, f.err
}

func TestDynamoSink(t *testing.T) {
	client := &fakePutItem{}
	sink := NewDynamoSink(client, "")

	require.NoError(t, sink.Record(context.Background(), testEntry()))
	require.Len(t, client.inputs, 1)
	assert.Equal(t, DefaultTable, aws.ToString(client.inputs[0].TableName))

	var rec auditRecord
	require.NoError(t, attributevalue.UnmarshalMap(client.inputs[0].Item, &rec))
	assert.Equal(t, "bin-1", rec.EntityID)
	assert.Equal(t, "reparent", rec.Action)
	assert.Equal(t, "2026-04-01T09:00:00Z", rec.At)
	assert.Equal(t, rec.At+"#"+rec.ID, rec.SK)
	assert.JSONEq(t, `{"from_parent_id":"shelf-1","to_parent_id":"shelf-2"}`, rec.Details)

	client.err = errors.New("throttled")
	assert.Error(t, sink.Record(context.Background(), testEntry()))
}

func TestWatermillLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	wl := NewWatermillLogger(&logger).With(watermill.LogFields{"topic": "audit"})

	wl.Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "publish failed", line["message"])
	assert.Equal(t, "audit", line["topic"])
	assert.Equal(t, "boom", line["error"])
	assert.EqualValues(t, 2, line["attempt"])
}
