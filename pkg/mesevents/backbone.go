package mesevents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yusliao/mesevents/pkg/mesevents/bus"
	"github.com/yusliao/mesevents/pkg/mesevents/config"
	"github.com/yusliao/mesevents/pkg/mesevents/deadletter"
	"github.com/yusliao/mesevents/pkg/mesevents/event"
	"github.com/yusliao/mesevents/pkg/mesevents/observability"
	"github.com/yusliao/mesevents/pkg/mesevents/registry"
	"github.com/yusliao/mesevents/pkg/mesevents/stats"
	"github.com/yusliao/mesevents/pkg/mesevents/store"
	"github.com/yusliao/mesevents/pkg/mesevents/transport"
)

// Backbone owns every component built from a configuration.
type Backbone struct {
	Bus         *bus.Bus
	Store       store.Store
	Transport   transport.Transport // nil when transport.driver is "none"
	DeadLetters *deadletter.Manager
	Counters    *stats.Counters

	// Prometheus is set when metrics.exporter is "prometheus".
	Prometheus *observability.PrometheusMetrics

	cfg    *config.Config
	logger *slog.Logger
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	logger    *slog.Logger
	catalog   *event.Catalog
	store     store.Store
	transport transport.Transport
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *openOptions) {
		o.logger = l
	}
}

// WithCatalog replaces event.DefaultCatalog for decoding.
func WithCatalog(c *event.Catalog) Option {
	return func(o *openOptions) {
		o.catalog = c
	}
}

// WithStore uses s instead of the configured store driver. The backbone
// closes it on Close.
func WithStore(s store.Store) Option {
	return func(o *openOptions) {
		o.store = s
	}
}

// WithTransport uses t instead of the configured transport driver.
func WithTransport(t transport.Transport) Option {
	return func(o *openOptions) {
		o.transport = t
	}
}

// Open builds the store, transport, dead-letter manager, counters, metrics
// recorder and bus described by cfg. On error everything already opened is
// closed again.
func Open(cfg *config.Config, reg *registry.Registry, opts ...Option) (_ *Backbone, err error) {
	if cfg == nil {
		return nil, errors.New("mesevents: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mesevents: %w", err)
	}

	o := openOptions{
		logger:  slog.Default(),
		catalog: event.DefaultCatalog(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	bb := &Backbone{cfg: cfg, logger: o.logger}
	defer func() {
		if err != nil {
			_ = bb.closeComponents()
		}
	}()

	bb.Store = o.store
	if bb.Store == nil {
		if bb.Store, err = openStore(cfg.Store, o.logger); err != nil {
			return nil, err
		}
	}

	bb.Transport = o.transport
	if bb.Transport == nil {
		if bb.Transport, err = openTransport(cfg.Transport, o.logger); err != nil {
			return nil, err
		}
	}

	var metrics observability.MetricsRecorder = observability.NoopMetrics{}
	switch cfg.Metrics.Exporter {
	case "prometheus":
		bb.Prometheus = observability.NewPrometheusMetrics()
		metrics = bb.Prometheus
	case "otel":
		metrics = observability.NewMetricsRecorder()
	}

	backend, err := openDeadLetterBackend(cfg.DeadLetter)
	if err != nil {
		return nil, err
	}
	dlqOpts := []deadletter.Option{
		deadletter.WithCatalog(o.catalog),
		deadletter.WithLogger(o.logger),
		deadletter.WithMetrics(metrics),
		deadletter.WithRetention(cfg.DeadLetter.RetentionDuration()),
	}
	if bb.Transport != nil {
		dlqOpts = append(dlqOpts, deadletter.WithTransport(bb.Transport))
	}
	bb.DeadLetters = deadletter.NewManager(backend, dlqOpts...)

	bb.Counters = stats.New(stats.WithRetention(cfg.Stats.RetentionDuration()))

	busOpts := []bus.Option{
		bus.WithConfig(cfg.Dispatch.BusConfig()),
		bus.WithDeadLetters(bb.DeadLetters),
		bus.WithCounters(bb.Counters),
		bus.WithCatalog(o.catalog),
		bus.WithLogger(o.logger),
		bus.WithMetrics(metrics),
		bus.WithSpans(observability.NewSpanManager()),
	}
	if bb.Transport != nil {
		busOpts = append(busOpts, bus.WithTransport(bb.Transport))
	}
	if bb.Bus, err = bus.New(bb.Store, reg, busOpts...); err != nil {
		return nil, err
	}

	o.logger.Info("event backbone ready",
		slog.String("store", cfg.Store.Driver),
		slog.String("transport", cfg.Transport.Driver),
		slog.String("dead_letter", cfg.DeadLetter.Driver),
		slog.String("metrics", cfg.Metrics.Exporter),
		slog.Int("event_types", bb.Bus.Registry().Len()))
	return bb, nil
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := store.NewPostgresStore(store.PostgresConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetimeDuration(),
			AutoMigrate:     cfg.AutoMigrate,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func openTransport(cfg config.TransportConfig, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "memory":
		return transport.NewMemoryTransport(transport.MemoryConfig{
			BufferSize:  cfg.BufferSize,
			NonBlocking: cfg.NonBlocking,
			OnDrop: func(channel, subscriberID string) {
				logger.Warn("broadcast dropped",
					slog.String("channel", channel),
					slog.String("subscriber", subscriberID))
			},
		}), nil
	case "kafka":
		t, err := transport.NewKafkaTransport(transport.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			ClientID:     cfg.Kafka.ClientID,
			GroupID:      cfg.Kafka.GroupID,
			StartOffset:  cfg.Kafka.StartOffset,
			WriteTimeout: cfg.Kafka.WriteTimeoutDuration(),
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open kafka transport: %w", err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown transport driver %q", cfg.Driver)
}

func openDeadLetterBackend(cfg config.DeadLetterConfig) (deadletter.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return deadletter.NewMemoryBackend(), nil
	case "sqlite":
		b, err := deadletter.NewSQLiteBackend(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite dead-letter backend: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown dead-letter driver %q", cfg.Driver)
}

// Run expires dead letters and prunes statistics on the configured
// intervals until ctx is done.
func (bb *Backbone) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bb.DeadLetters.RunJanitor(ctx, bb.cfg.DeadLetter.JanitorIntervalDuration())
	})
	g.Go(func() error {
		return bb.runPruner(ctx, bb.cfg.Stats.PruneIntervalDuration())
	})
	return g.Wait()
}

func (bb *Backbone) runPruner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := bb.Counters.Prune(); n > 0 {
				bb.logger.Debug("pruned statistics buckets", slog.Int("removed", n))
			}
		}
	}
}

// Close drains in-flight handlers until ctx is done, then closes the
// transport, the dead-letter backend and the store.
func (bb *Backbone) Close(ctx context.Context) error {
	var errs []error
	if bb.Bus != nil {
		if err := bb.Bus.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := bb.closeComponents(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (bb *Backbone) closeComponents() error {
	var errs []error
	if bb.Transport != nil {
		if err := bb.Transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if bb.DeadLetters != nil {
		if err := bb.DeadLetters.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dead letters: %w", err))
		}
	}
	if bb.Store != nil {
		if err := bb.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
