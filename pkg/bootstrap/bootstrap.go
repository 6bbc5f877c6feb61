// Package bootstrap assembles the orchestrator and its collaborators from
// configuration. Both front-ends start from here.
package bootstrap

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vyvo/hairstyle-transfer/pkg/config"
	"github.com/vyvo/hairstyle-transfer/pkg/events"
	"github.com/vyvo/hairstyle-transfer/pkg/offline"
	"github.com/vyvo/hairstyle-transfer/pkg/pipeline"
	"github.com/vyvo/hairstyle-transfer/pkg/remotetask"
	"github.com/vyvo/hairstyle-transfer/pkg/runstore"
	"github.com/vyvo/hairstyle-transfer/pkg/stage"
	"github.com/vyvo/hairstyle-transfer/pkg/storage"
	"github.com/vyvo/hairstyle-transfer/pkg/telemetry"
)

// Services is a fully wired process.
type Services struct {
	Config       config.Pipeline
	Orchestrator *pipeline.Orchestrator
	Tracker      runstore.Store
	Publisher    events.Publisher
	Metrics      *telemetry.Metrics
	Registry     *prometheus.Registry
	// Memory holds inputs and results in offline mode; nil otherwise.
	Memory *storage.MemoryStore

	closers []func() error
}

// Build validates cfg and wires every collaborator. The mode decides once
// which adapter and client pair serves the stages.
func Build(cfg config.Pipeline, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Services{Config: cfg, Registry: prometheus.NewRegistry()}
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = telemetry.NewMetrics(s.Registry)

	var (
		bindings map[stage.Kind]pipeline.Binding
		uploader *storage.Uploader
	)
	switch cfg.Mode {
	case config.ModeOffline:
		mem := storage.NewMemoryStoreWithTTL(cfg.Redis.TTL)
		s.Memory = mem
		uploader = storage.NewUploaderFromConfig(mem, cfg.Storage, logger)
		client := offline.NewClient(mem, uploader, logger)
		bindings = pipeline.Bind(offline.Table(), client, cfg.DashScope.PollInterval, cfg.DashScope.MaxWait)
		logger.Warn("bootstrap.offline_mode", "reason", "stages run on local image operations")
	default:
		store, err := storage.FromConfig(cfg.Storage, cfg.Credentials)
		if err != nil {
			return nil, err
		}
		uploader = storage.NewUploaderFromConfig(store, cfg.Storage, logger)
		client, err := remotetask.NewClient(remotetask.Config{
			BaseURL:    cfg.DashScope.BaseURL,
			APIKey:     cfg.Credentials.APIKey,
			HTTPClient: &http.Client{Timeout: cfg.DashScope.RequestTimeout},
			Retry: remotetask.RetryPolicy{
				BaseDelay:   cfg.Retry.BaseDelay,
				Multiplier:  cfg.Retry.Multiplier,
				MaxDelay:    cfg.Retry.MaxDelay,
				MaxAttempts: cfg.Retry.MaxAttempts,
			},
			Logger:   logger,
			Observer: s.Metrics,
		})
		if err != nil {
			return nil, err
		}
		bindings = pipeline.RemoteBindings(cfg, client)
	}

	if cfg.Redis.URL != "" {
		rs, err := runstore.NewRedisStore(cfg.Redis.URL, cfg.Redis.TTL)
		if err != nil {
			return nil, err
		}
		s.Tracker = rs
		s.closers = append(s.closers, rs.Close)
	} else {
		s.Tracker = runstore.NewMemStoreWithTTL(cfg.Redis.TTL)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Publisher = kp
	} else {
		s.Publisher = events.NewLogPublisher(logger)
	}
	s.closers = append(s.closers, s.Publisher.Close)

	orch, err := pipeline.New(pipeline.NewConfig(cfg, bindings), uploader,
		pipeline.WithTracker(s.Tracker),
		pipeline.WithPublisher(s.Publisher),
		pipeline.WithMetrics(s.Metrics),
		pipeline.WithLogger(logger),
		pipeline.WithTracer(telemetry.Tracer()),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Orchestrator = orch
	return s, nil
}

// Close releases connections in reverse order of creation.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
