package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/jacentio/gachar/hierarchy"
)

// DefaultTopic is the topic audit events are published to.
const DefaultTopic = "gachar.locations.audit"

// BreakerConfig configures the publisher circuit breaker.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig returns a breaker that opens after 5 consecutive
// failures and probes again after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "audit-publisher",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// NewCircuitBreaker creates a circuit breaker with the given configuration.
func NewCircuitBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker[interface{}] {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(float64(to))
		},
	}
	return gobreaker.NewCircuitBreaker[interface{}](settings)
}

// PublisherSink publishes entries as JSON messages on a watermill publisher,
// guarded by a circuit breaker so an unreachable broker fails fast.
type PublisherSink struct {
	publisher message.Publisher
	topic     string
	breaker   *gobreaker.CircuitBreaker[interface{}]
}

var _ hierarchy.AuditSink = (*PublisherSink)(nil)

// NewPublisherSink wraps pub. An empty topic uses DefaultTopic.
func NewPublisherSink(pub message.Publisher, topic string, breaker BreakerConfig) *PublisherSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &PublisherSink{
		publisher: pub,
		topic:     topic,
		breaker:   NewCircuitBreaker(breaker),
	}
}

// Record publishes e. Returns gobreaker.ErrOpenState while the breaker is open.
func (p *PublisherSink) Record(ctx context.Context, e hierarchy.AuditEntry) error {
	id := watermill.NewUUID()
	payload, err := json.Marshal(NewEvent(id, e))
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	msg := message.NewMessage(id, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("action", e.Action)
	msg.Metadata.Set("entity_type", e.EntityType)
	msg.Metadata.Set("entity_id", e.EntityID)
	// Nats-Msg-Id lets JetStream deduplicate redeliveries.
	msg.Metadata.Set(natsgo.MsgIdHdr, id)

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(p.topic, msg)
	})
	countEntry("publisher", err)
	if err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

// BreakerState reports the circuit breaker state.
func (p *PublisherSink) BreakerState() gobreaker.State {
	return p.breaker.State()
}

// Close closes the underlying publisher.
func (p *PublisherSink) Close() error {
	return p.publisher.Close()
}
