// Package brain wires the decision components into one service: the
// feature store, policy registry, exploration governor, revenue split
// optimizer and apex route distributor, plus their event, hive and
// scheduler collaborators.
package brain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fractal-lba/policyhive/internal/apex"
	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/internal/config"
	"github.com/fractal-lba/policyhive/internal/events"
	"github.com/fractal-lba/policyhive/internal/exploration"
	"github.com/fractal-lba/policyhive/internal/featurestore"
	"github.com/fractal-lba/policyhive/internal/hive"
	"github.com/fractal-lba/policyhive/internal/metrics"
	"github.com/fractal-lba/policyhive/internal/policy"
	"github.com/fractal-lba/policyhive/internal/revsplit"
	"github.com/fractal-lba/policyhive/internal/scheduler"
)

// Scheduled job names.
const (
	JobExpireFeatures = "feature-expiry"
	JobPublishRoutes  = "apex-publish"
	JobSyncRoutes     = "apex-sync"
)

type Options struct {
	Config  *config.Config
	Metrics *metrics.Metrics

	// Channel overrides the hive backend named in Config.
	Channel hive.Channel
	// Sinks are attached to the event dispatcher in addition to the
	// configured ones.
	Sinks []events.Sink

	Now    func() time.Time
	Logger logrus.FieldLogger
}

// Brain owns every decision component and its lifecycle.
type Brain struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	dispatcher *events.Dispatcher
	ledger     *events.PostgresSink
	journal    *events.JournalSink
	channel    hive.Channel

	features *featurestore.Store
	policies *policy.Registry
	governor *exploration.Governor
	splits   *revsplit.Optimizer
	routes   *apex.Distributor
	sched    *scheduler.Scheduler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	watchWG sync.WaitGroup
}

// Stats is a snapshot of every component.
type Stats struct {
	NodeID      string                 `json:"node_id"`
	Features    featurestore.Stats     `json:"features"`
	Policies    []policy.Metrics       `json:"policies"`
	Exploration exploration.Stats      `json:"exploration"`
	RevSplit    revsplit.Stats         `json:"revsplit"`
	Apex        apex.Stats             `json:"apex"`
	Events      events.DispatcherStats `json:"events"`
	Jobs        []scheduler.JobInfo    `json:"jobs"`
}

// New builds all components from opts.Config. Nothing runs until Start.
func New(ctx context.Context, opts Options) (*Brain, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.RequireSigningKey(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := metrics.OrDiscard(opts.Metrics)

	b := &Brain{
		cfg:     cfg,
		log:     opts.Logger.WithFields(logrus.Fields{"component": "brain", "node_id": cfg.NodeID}),
		metrics: m,
	}

	b.dispatcher = events.NewDispatcher(events.DispatcherConfig{
		QueueSize:  cfg.Events.QueueSize,
		Workers:    cfg.Events.Workers,
		HistoryCap: cfg.Events.HistoryCap,
		RatePerSec: cfg.Events.RatePerSec,
		Burst:      cfg.Events.Burst,
		Sinks:      opts.Sinks,
		Now:        opts.Now,
		Logger:     opts.Logger,
		Metrics:    m,
	})
	if cfg.Events.LogSink {
		b.dispatcher.AddSink(events.NewLogSink(opts.Logger, logrus.DebugLevel))
	}
	if cfg.Events.PostgresURL != "" {
		ledger, err := events.NewPostgresSink(ctx, cfg.Events.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("event ledger: %w", err)
		}
		b.ledger = ledger
		b.dispatcher.AddSink(ledger)
	}

	if cfg.Events.JournalDir != "" {
		journal, err := events.NewJournalSink(cfg.Events.JournalDir, opts.Now)
		if err != nil {
			b.closeResources()
			return nil, fmt.Errorf("event journal: %w", err)
		}
		b.journal = journal
		b.dispatcher.AddSink(journal)
	}

	channel, err := openChannel(cfg, opts, m)
	if err != nil {
		b.closeResources()
		return nil, err
	}
	b.channel = channel
	if cfg.Events.ForwardToHive {
		b.dispatcher.AddSink(events.NewHiveSink(channel, cfg.NodeID))
	}

	b.features, err = featurestore.New(featurestore.Options{
		MaxRecords:  cfg.FeatureStore.MaxRecords,
		MaxVersions: cfg.FeatureStore.MaxVersions,
		DefaultTTL:  cfg.FeatureStore.DefaultTTL,
		Now:         opts.Now,
		Logger:      opts.Logger,
		Metrics:     m,
		Events:      b.dispatcher,
	})
	if err != nil {
		b.closeResources()
		return nil, err
	}

	b.policies = policy.NewRegistry(policy.Options{
		LearningRate:    cfg.Policy.LearningRate,
		ExplorationRate: cfg.Policy.ExplorationRate,
		HistoryCap:      cfg.Policy.HistoryCap,
		Seed:            cfg.Policy.Seed,
		Now:             opts.Now,
		Logger:          opts.Logger,
		Metrics:         m,
		Events:          b.dispatcher,
	})

	b.governor = exploration.NewGovernor(exploration.Options{
		Thresholds: cfg.Exploration,
		Now:        opts.Now,
		Logger:     opts.Logger,
		Metrics:    m,
		Events:     b.dispatcher,
	})

	b.splits, err = revsplit.New(revsplit.Options{
		Catalogue:  cfg.RevSplit.Catalogue,
		Floors:     &revsplit.Floors{PlatformMin: cfg.RevSplit.PlatformMin, PoolMin: cfg.RevSplit.PoolMin},
		HistoryCap: cfg.RevSplit.HistoryCap,
		Seed:       cfg.RevSplit.Seed,
		Now:        opts.Now,
		Logger:     opts.Logger,
		Metrics:    m,
		Events:     b.dispatcher,
	})
	if err != nil {
		b.closeResources()
		return nil, err
	}

	b.routes, err = apex.New(apex.Options{
		Policies:         b.policies,
		Channel:          channel,
		SigningKey:       []byte(cfg.Apex.SigningKey),
		MinProvenSamples: cfg.Apex.MinProvenSamples,
		MinLift:          cfg.Apex.MinLift,
		TopK:             cfg.Apex.TopK,
		ShadowSamples:    cfg.Apex.ShadowSamples,
		ShadowWindow:     cfg.Apex.ShadowWindow,
		Scope:            cfg.Apex.Scope,
		Guardrails:       cfg.Apex.Guardrails,
		Now:              opts.Now,
		Logger:           opts.Logger,
		Metrics:          m,
		Events:           b.dispatcher,
	})
	if err != nil {
		b.closeResources()
		return nil, err
	}
	b.routes.Subscribe(cfg.Apex.Subscriptions...)

	b.sched = scheduler.New(scheduler.Options{Logger: opts.Logger, Metrics: m})
	if err := b.addJobs(); err != nil {
		b.routes.Close()
		b.closeResources()
		return nil, err
	}

	b.wireHandlers()
	return b, nil
}

func openChannel(cfg *config.Config, opts Options, m *metrics.Metrics) (hive.Channel, error) {
	if opts.Channel != nil {
		return opts.Channel, nil
	}
	switch cfg.Hive.Backend {
	case "redis":
		ch, err := hive.NewRedisChannel(hive.RedisConfig{
			Addr:          cfg.Hive.RedisAddr,
			Password:      cfg.Hive.RedisPassword,
			DB:            cfg.Hive.RedisDB,
			PubSubChannel: cfg.Hive.PubSubChannel,
			StoreKey:      cfg.Hive.StoreKey,
			PublishRate:   cfg.Hive.PublishRate,
			PublishBurst:  cfg.Hive.PublishBurst,
			Logger:        opts.Logger,
			Metrics:       m,
		})
		if err != nil {
			return nil, fmt.Errorf("hive channel: %w", err)
		}
		return ch, nil
	default:
		return hive.NewMemoryChannel(), nil
	}
}

func (b *Brain) addJobs() error {
	jobs := []scheduler.Job{
		{
			Name: JobExpireFeatures,
			Spec: b.cfg.Scheduler.ExpireSpec,
			Run: func(context.Context) error {
				b.features.ExpireOld()
				return nil
			},
		},
		{
			Name: JobPublishRoutes,
			Spec: b.cfg.Scheduler.PublishSpec,
			Run: func(ctx context.Context) error {
				res := b.routes.Publish(ctx, nil)
				b.log.WithField("published", res.Published).Debug("route publication tick")
				return nil
			},
		},
		{
			Name: JobSyncRoutes,
			Spec: b.cfg.Scheduler.SyncSpec,
			Run: func(ctx context.Context) error {
				_, err := b.routes.Sync(ctx)
				return err
			},
		},
	}
	for _, j := range jobs {
		if err := b.sched.Add(j); err != nil {
			return fmt.Errorf("schedule %s: %w", j.Name, err)
		}
	}
	return nil
}

// Start launches event delivery, the scheduler (when enabled) and the
// route watcher. It is an error to start twice.
func (b *Brain) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return api.Conflict(api.ReasonDuplicateID, "brain %s already started", b.cfg.NodeID)
	}
	b.started = true

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.dispatcher.Start(ctx)
	if b.cfg.Scheduler.Enabled {
		b.sched.Start(ctx)
	}

	b.watchWG.Add(1)
	go func() {
		defer b.watchWG.Done()
		if err := b.routes.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.log.WithError(err).Warn("route watch stopped")
		}
	}()

	b.log.Info("brain started")
	return nil
}

// Close stops background work, flushes queued events and releases
// external connections.
func (b *Brain) Close() error {
	b.mu.Lock()
	started := b.started
	cancel := b.cancel
	b.mu.Unlock()

	if started {
		if b.cfg.Scheduler.Enabled {
			b.sched.Stop()
		}
		cancel()
		b.watchWG.Wait()
	}

	b.routes.Close()
	b.dispatcher.Stop()
	err := b.closeResources()
	b.log.Info("brain stopped")
	return err
}

func (b *Brain) closeResources() error {
	var errs []error
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close hive channel: %w", err))
		}
	}
	if b.ledger != nil {
		if err := b.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event ledger: %w", err))
		}
	}
	if b.journal != nil {
		if err := b.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event journal: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of every component.
func (b *Brain) Stats() Stats {
	return Stats{
		NodeID:      b.cfg.NodeID,
		Features:    b.features.Stats(),
		Policies:    b.policies.AllMetrics(),
		Exploration: b.governor.Stats(),
		RevSplit:    b.splits.Stats(),
		Apex:        b.routes.Stats(),
		Events:      b.dispatcher.Stats(),
		Jobs:        b.sched.Jobs(),
	}
}
