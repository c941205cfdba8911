package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/obanteq/open-mmb-go/internal/config"
	"github.com/obanteq/open-mmb-go/internal/core/money"
	"github.com/obanteq/open-mmb-go/internal/heal"
	"github.com/obanteq/open-mmb-go/internal/ledger"
	"github.com/obanteq/open-mmb-go/internal/offline"
	"github.com/obanteq/open-mmb-go/internal/platform/audit"
	"github.com/obanteq/open-mmb-go/internal/platform/auth"
	"github.com/obanteq/open-mmb-go/internal/platform/bus"
	"github.com/obanteq/open-mmb-go/internal/platform/clock"
	"github.com/obanteq/open-mmb-go/internal/platform/outbox"
	"github.com/obanteq/open-mmb-go/internal/platform/server"
	"github.com/obanteq/open-mmb-go/internal/platform/store"
	"github.com/obanteq/open-mmb-go/internal/stream"
	"github.com/obanteq/open-mmb-go/internal/tenant"
)

// backend is the storage surface the daemon needs. Both the Postgres store
// and the in-memory dev store satisfy it.
type backend interface {
	ledger.Store
	outbox.Source
	offline.Store
}

// fanout delivers one decoded event to every consumer in order.
type fanout []bus.Handler

func (f fanout) HandleLedgerEvent(ctx context.Context, ev ledger.Event) error {
	for _, h := range f {
		if err := h.HandleLedgerEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func newServeCmd() *cobra.Command {
	var cfgPath string
	var dev bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath, dev)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().BoolVar(&dev, "dev", false, "run with an in-memory store and generated secrets")
	return cmd
}

func loadConfig(path string, dev bool) (*config.Config, error) {
	if dev {
		// validate() waives the secret requirements in dev mode; set the
		// flag before loading so a bare `mmbd serve --dev` starts.
		if err := setDevEnv(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dev {
		cfg.Dev = true
	}
	return cfg, nil
}

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg.Dev)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting mmbd",
		zap.String("version", version),
		zap.String("region", cfg.Region),
		zap.Bool("dev", cfg.Dev))

	clk := clock.RealClock{}
	audits := audit.NewInMemoryStore()
	metrics := server.NewMetrics()

	storeCfg := store.Config{
		Region:         cfg.Region,
		EventTopic:     cfg.Kafka.Topic,
		IdempotencyTTL: cfg.Ledger.IdempotencyTTL,
	}

	var (
		st backend
		pg *store.Postgres
	)
	if cfg.Dev {
		mem := store.NewMemory(storeCfg, clk)
		seedDev(mem)
		st = mem
		logger.Info("using in-memory store with demo seed data")
	} else {
		db, err := store.Open(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		if err := store.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		pg = store.NewPostgres(db, storeCfg, clk)
		st = pg
	}

	jwtSecret, rootKey := cfg.Auth.JWTSecret, cfg.Offline.RootKey
	if cfg.Dev {
		if jwtSecret == "" {
			jwtSecret = "dev-jwt-secret"
		}
		if rootKey == "" {
			rootKey = "dev-root-key"
		}
	}
	verifier := auth.NewJWTVerifier(jwtSecret)
	if cfg.Dev {
		tok, err := verifier.IssueToken(tenant.Scope{
			Tenant:    devTenant,
			ActorID:   "usr-demo",
			ActorType: tenant.ActorUser,
		}, 24*time.Hour)
		if err == nil {
			logger.Info("dev token issued", zap.String("tenant", string(devTenant)), zap.String("token", tok))
		}
	}

	ledgerSvc := ledger.NewService(st, ledger.Config{
		MaxRetries: cfg.Ledger.MaxRetries,
		RetryBase:  cfg.Ledger.RetryBase,
		Currencies: money.NewCurrencySet(cfg.Ledger.Currencies...),
	}, logger)

	signer := offline.NewHMACVerifier(offline.NewDerivedKeySource([]byte(rootKey)))
	queue := offline.NewQueue(st, signer, ledgerSvc, clk, audits, logger)

	hub := stream.NewHub(logger)
	consumers := fanout{hub}

	var healer *heal.Healer
	if cfg.Heal.Enabled {
		counters := heal.NewCounters(cfg.Region, cfg.Heal.PeerRegion)
		consumers = append(consumers, counters)
		// Only the local ledger is registered: each region's daemon heals
		// its own lagging side, the peer daemon heals the other.
		router := heal.NewRegionRouter(map[string]*ledger.Service{cfg.Region: ledgerSvc})
		healer = heal.NewHealer(counters, router, heal.Config{
			Period:         cfg.Heal.Period,
			StaleAfter:     cfg.Heal.StaleAfter,
			MaxAbsMinor:    cfg.Heal.MaxAbsMinor,
			RegionA:        cfg.Region,
			RegionB:        cfg.Heal.PeerRegion,
			SuspensePrefix: money.AccountID(cfg.Heal.SuspenseAccount),
		}, clk, audits, metrics, logger)
	}

	var sink outbox.Sink
	if cfg.Kafka.Enabled {
		kafkaSink := bus.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() { _ = kafkaSink.Close() }()
		sink = kafkaSink
	} else {
		inproc := bus.NewInProc()
		inproc.Subscribe(consumers)
		sink = inproc
	}

	dispatcher := outbox.NewDispatcher(st, sink, outbox.DispatcherConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
	}, logger, metrics)

	wsServer := stream.NewServer(hub, logger)
	wsServer.Observer = metrics

	handler := server.NewHandler(server.Options{
		Handlers: server.NewHandlers(ledgerSvc, queue, metrics, logger),
		Stream:   wsServer,
		Verifier: verifier,
		Metrics:  metrics,
		Logger:   logger,
	})
	tlsCfg := server.TLSConfig{
		Enabled:           cfg.TLS.Enabled,
		CertFile:          cfg.TLS.CertFile,
		KeyFile:           cfg.TLS.KeyFile,
		ClientCAFile:      cfg.TLS.ClientCAFile,
		RequireClientCert: cfg.TLS.RequireClientCert,
		MinVersionTLS12:   true,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx, cfg.HTTP.Addr, handler, tlsCfg, logger)
	})
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	if cfg.Kafka.Enabled {
		source := bus.NewKafkaSource(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, logger)
		g.Go(func() error {
			return source.Run(ctx, consumers)
		})
	}
	if healer != nil {
		g.Go(func() error {
			return healer.Run(ctx)
		})
	}
	if pg != nil {
		g.Go(func() error {
			return pg.RunIdempotencyCleanup(ctx, time.Hour, 1000, metrics.ObserveIdempotencyCleanup)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("shutdown complete")
		return nil
	}
	return err
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
