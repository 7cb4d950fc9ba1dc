package audit

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
)

// NATSConfig configures the JetStream audit publisher.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int

	// AutoProvision creates the stream on first publish.
	AutoProvision bool
}

// DefaultNATSConfig returns defaults for a local NATS server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             natsgo.DefaultURL,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectBuffer: 8 * 1024 * 1024,
		AutoProvision:   true,
	}
}

// NewNATSPublisher creates a watermill JetStream publisher with
// reconnection handling and message id tracking.
func NewNATSPublisher(cfg NATSConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if logger == nil {
		logger = NewWatermillLogger(nil)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: cfg.AutoProvision,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	return pub, nil
}
