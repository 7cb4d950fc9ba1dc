// Package app builds the hierarchy service and its collaborators from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"

	"github.com/jacentio/gachar/audit"
	"github.com/jacentio/gachar/authz"
	"github.com/jacentio/gachar/hierarchy"
	"github.com/jacentio/gachar/internal/config"
	"github.com/jacentio/gachar/internal/logging"
	"github.com/jacentio/gachar/sqlstore"
	"github.com/jacentio/gachar/store"
	"github.com/jacentio/gachar/stream"
)

// closeTimeout bounds draining sinks on shutdown.
const closeTimeout = 10 * time.Second

// App holds the wired components.
type App struct {
	Config          *config.Config
	HierarchyConfig hierarchy.Config
	Persistence     hierarchy.Persistence
	Service         *hierarchy.Service
	Audit           hierarchy.AuditSink

	// DynamoDB is set when the backend or an audit sink uses DynamoDB.
	DynamoDB *dynamodb.Client

	log     zerolog.Logger
	closers []func(context.Context) error
}

// Option customizes New.
type Option func(*options)

type options struct {
	logOutput io.Writer
	access    hierarchy.AccessControl
}

// WithLogOutput sends logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithAccessControl overrides the configured access control.
func WithAccessControl(ac hierarchy.AccessControl) Option {
	return func(o *options) { o.access = ac }
}

// New wires persistence, audit sinks, access control and the service. On
// failure everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: o.logOutput,
	})

	a := &App{
		Config: cfg,
		log:    logging.WithComponent("app"),
	}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	if err := a.openPersistence(ctx); err != nil {
		return nil, err
	}
	if err := a.buildAudit(ctx); err != nil {
		return nil, err
	}

	access := o.access
	if access == nil {
		if access, err = a.buildAccess(); err != nil {
			return nil, err
		}
	}

	a.HierarchyConfig = hierarchyConfig(cfg)
	svc, err := hierarchy.New(a.Persistence, a.HierarchyConfig,
		hierarchy.WithAccessControl(access),
		hierarchy.WithAuditSink(a.Audit),
		hierarchy.WithLogger(logging.WithComponent("hierarchy")),
	)
	if err != nil {
		return nil, fmt.Errorf("create hierarchy service: %w", err)
	}
	a.Service = svc
	a.closers = append(a.closers, func(context.Context) error {
		svc.Close()
		return nil
	})

	a.log.Debug().
		Str("backend", cfg.Backend).
		Strs("audit_sinks", cfg.Audit.Sinks).
		Msg("application wired")
	return a, nil
}

func hierarchyConfig(cfg *config.Config) hierarchy.Config {
	h := hierarchy.Config{
		MaxDepth:            cfg.Hierarchy.MaxDepth,
		CacheSize:           cfg.Hierarchy.CacheSize,
		ReadRetries:         cfg.Hierarchy.ReadRetries,
		ReadRetryMaxElapsed: cfg.Hierarchy.ReadRetryMaxElapsed,
		Concurrency:         cfg.Hierarchy.Concurrency,
	}
	// A reparent pins every ancestor in one DynamoDB transaction.
	if cfg.Backend == config.BackendDynamoDB && h.MaxDepth > store.MaxAncestorGuards {
		h.MaxDepth = store.MaxAncestorGuards
	}
	return h
}

func (a *App) openPersistence(ctx context.Context) error {
	switch a.Config.Backend {
	case config.BackendSQLite:
		s, err := sqlstore.Open(a.Config.SQLite.Path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.Persistence = s
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return nil

	case config.BackendDynamoDB:
		client, err := a.dynamoClient(ctx)
		if err != nil {
			return err
		}
		a.Persistence = store.New(client, a.StoreConfig())
		return nil
	}
	return fmt.Errorf("unknown backend %q", a.Config.Backend)
}

// StoreConfig returns the DynamoDB store configuration.
func (a *App) StoreConfig() store.Config {
	d := a.Config.DynamoDB
	return store.Config{
		NodeTable:         d.NodeTable,
		RelationshipTable: d.RelationshipTable,
		UniqueTable:       d.UniqueTable,
		NumShards:         d.NumShards,
	}
}

// dynamoClient lazily creates the shared DynamoDB client.
func (a *App) dynamoClient(ctx context.Context) (*dynamodb.Client, error) {
	if a.DynamoDB != nil {
		return a.DynamoDB, nil
	}
	d := a.Config.DynamoDB
	var loadOpts []func(*awsconfig.LoadOptions) error
	if d.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(d.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.DynamoDB = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if d.Endpoint != "" {
			o.BaseEndpoint = aws.String(d.Endpoint)
		}
	})
	return a.DynamoDB, nil
}

func (a *App) buildAudit(ctx context.Context) error {
	var sinks audit.Multi
	for _, name := range a.Config.Audit.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, audit.NewLogSink(nil))

		case config.SinkDynamoDB:
			client, err := a.dynamoClient(ctx)
			if err != nil {
				return err
			}
			sinks = append(sinks, audit.NewDynamoSink(client, a.Config.Audit.Table))

		case config.SinkNATS:
			natsCfg := audit.DefaultNATSConfig()
			natsCfg.URL = a.Config.Audit.NATSURL
			pub, err := audit.NewNATSPublisher(natsCfg, audit.NewWatermillLogger(nil))
			if err != nil {
				return fmt.Errorf("audit nats sink: %w", err)
			}
			sink := audit.NewPublisherSink(pub, a.Config.Audit.Topic, audit.DefaultBreakerConfig())
			sinks = append(sinks, sink)
			a.closers = append(a.closers, func(context.Context) error { return sink.Close() })

		default:
			return fmt.Errorf("unknown audit sink %q", name)
		}
	}

	var sink hierarchy.AuditSink
	switch len(sinks) {
	case 0:
		sink = audit.Discard
	case 1:
		sink = sinks[0]
	default:
		sink = sinks
	}

	if a.Config.AsyncAudit() && len(sinks) > 0 {
		async := audit.NewAsync(sink, a.Config.Audit.BufferSize, 0)
		// Drain before the sinks behind it close.
		a.closers = append(a.closers, async.Close)
		sink = async
	}
	a.Audit = sink
	return nil
}

func (a *App) buildAccess() (hierarchy.AccessControl, error) {
	if a.Config.Authz.AllowAll {
		a.log.Warn().Msg("access control disabled, every caller is authorized")
		return hierarchy.AllowAll, nil
	}
	e, err := authz.NewEnforcer(authz.Config{
		ModelPath:  a.Config.Authz.ModelPath,
		PolicyPath: a.Config.Authz.PolicyPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}
	return e, nil
}

// StreamHandler returns a stream handler completing cascades through the
// service and auditing through the configured sinks.
func (a *App) StreamHandler() *stream.Handler {
	l := logging.WithComponent("stream")
	return stream.NewHandler(a.Service, a.Audit, &l)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
