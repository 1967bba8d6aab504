// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Command dispatchd runs the job dispatcher: lane workers, provider
// failover, the HTTP API, and optionally a gRPC health service.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/config"
	"github.com/olivere/jobdispatch/export"
	"github.com/olivere/jobdispatch/ingest"
	"github.com/olivere/jobdispatch/item"
	"github.com/olivere/jobdispatch/mongodb"
	"github.com/olivere/jobdispatch/mysql"
	"github.com/olivere/jobdispatch/postgres"
	"github.com/olivere/jobdispatch/provider"
	"github.com/olivere/jobdispatch/redis"
	"github.com/olivere/jobdispatch/schedule"
	"github.com/olivere/jobdispatch/server"
	"github.com/olivere/jobdispatch/sqlite"
	"github.com/olivere/jobdispatch/tasks"
)

// store is what every backend implements.
type store interface {
	jobdispatch.Store
	item.Store
	io.Closer
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// run returns startup errors instead of exiting, so deferred closes of
// stores and clients still run.
func run() error {
	cfg := config.Load()
	var (
		addr            = flag.String("addr", cfg.Server.HTTPAddr, "HTTP bind address")
		grpcAddr        = flag.String("grpc-addr", cfg.Server.GRPCAddr, "gRPC health bind address (empty to disable)")
		storeKind       = flag.String("store", cfg.Store.Kind, "Storage type (memory, sqlite, mysql, postgres, or mongodb)")
		storeURL        = flag.String("store-url", cfg.Store.URL, "SQLite path, MySQL DSN, or PostgreSQL/MongoDB URL")
		brokerKind      = flag.String("broker", cfg.Broker.Kind, "Broker type (memory or redis)")
		redisURL        = flag.String("redis-url", cfg.Broker.RedisURL, "Redis URL for the redis broker")
		probeInterval   = flag.Duration("probe-interval", cfg.Providers.ProbeInterval, "Provider re-probe interval (0 to probe at startup only)")
		enableSchedule  = flag.Bool("schedule", cfg.Schedule, "Submit periodic maintenance and backfill jobs")
		shutdownTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "timeout to wait for running jobs on shutdown (negative to wait forever)")
	)
	flag.Parse()

	cfg.Server.HTTPAddr = *addr
	cfg.Server.GRPCAddr = *grpcAddr
	cfg.Store.Kind = *storeKind
	cfg.Store.URL = *storeURL
	cfg.Broker.Kind = *brokerKind
	cfg.Broker.RedisURL = *redisURL
	cfg.Providers.ProbeInterval = *probeInterval
	cfg.Schedule = *enableSchedule
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics are served at GET /metrics
	mp, metricsHandler, err := server.NewPrometheus()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() { _ = mp.Shutdown(context.Background()) }()
	otel.SetMeterProvider(mp)

	// Initialize the store
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Initialize the broker
	var options []jobdispatch.ManagerOption
	switch cfg.Broker.Kind {
	case config.BrokerRedis:
		opts, err := goredis.ParseURL(cfg.Broker.RedisURL)
		if err != nil {
			return err
		}
		client := goredis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		broker := redis.New(client, redis.WithLogger(logger), redis.WithLeaseTimeout(cfg.Broker.LeaseTimeout))
		defer broker.Close()
		options = append(options, jobdispatch.SetBroker(broker))
	default:
		b := jobdispatch.NewInMemoryBroker(jobdispatch.SetLeaseTimeout(cfg.Broker.LeaseTimeout))
		defer b.Close()
		options = append(options, jobdispatch.SetBroker(b), jobdispatch.SetRecoverPending(cfg.Broker.RecoverPending))
	}

	// Providers: probe both before accepting jobs
	roles, err := provider.NewRoles(cfg.Providers.Primary, cfg.Providers.Secondary)
	if err != nil {
		return err
	}
	monitor := provider.NewMonitor(roles,
		provider.ProbeInterval(cfg.Providers.ProbeInterval),
		provider.ProbeTimeout(cfg.Providers.ProbeTimeout),
		provider.ProbeLogger(logger),
	)
	monitor.Check(ctx)
	if cfg.Providers.ProbeInterval > 0 {
		go func() {
			_ = monitor.Run(ctx)
		}()
	}
	counters := provider.NewCounters()
	router := provider.NewRouter(roles,
		provider.WithTimeout(cfg.Providers.RouterTimeout),
		provider.WithMetrics(provider.Tee(
			provider.NewOTelMetricsWithMeter(mp.Meter(provider.MeterName)),
			counters,
		)),
		provider.WithLogger(logger),
	)

	// Initialize the manager
	qr, err := cfg.QueueRouter()
	if err != nil {
		return err
	}
	validator, err := jobdispatch.NewPayloadValidator(tasks.Schemas())
	if err != nil {
		return err
	}
	options = append(options,
		jobdispatch.SetLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo)),
		jobdispatch.SetStore(st),
		jobdispatch.SetQueueRouter(qr),
		jobdispatch.SetPayloadValidator(validator),
		jobdispatch.SetHealthReporter(roles.WithCounters(counters)),
	)
	m := jobdispatch.New(options...)
	err = tasks.Register(m, tasks.Deps{
		Chat:   router,
		Items:  st,
		Jobs:   st,
		Submit: m,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}
	defer func() {
		if err := m.CloseWithTimeout(*shutdownTimeout); err != nil {
			logger.Error("dispatchd.shutdown.failed", "err", err)
		}
	}()

	if cfg.Schedule {
		s := schedule.New(m, schedule.WithLogger(logger))
		for _, e := range schedule.DefaultEntries() {
			if err := s.Add(e); err != nil {
				return err
			}
		}
		if err := s.Start(); err != nil {
			return err
		}
		defer s.Stop()
	}

	errc := make(chan error, 2)

	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		grpcServer := grpc.NewServer()
		hs := health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, hs)
		reflection.Register(grpcServer)
		go func() {
			_ = server.NewHealthPublisher(m, hs, 5*time.Second, logger).Run(ctx)
		}()
		go func() {
			logger.Info("dispatchd.grpc.listening", "addr", cfg.Server.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
		defer grpcServer.GracefulStop()
	}

	go func() {
		logger.Info("dispatchd.http.listening", "addr", cfg.Server.HTTPAddr)
		srv := server.New(m,
			server.WithLogger(logger),
			server.WithIngestor(ingest.New(st, m, ingest.WithJobs(st), ingest.WithLogger(logger))),
			server.WithExporter(export.NewService(m, st, logger)),
			server.WithAPIKeys(cfg.Server.APIKeys),
			server.WithMeterProvider(mp),
			server.WithMetricsHandler(metricsHandler),
		)
		errc <- srv.Serve(ctx, cfg.Server.HTTPAddr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		logger.Info("dispatchd.shutdown", "reason", fmt.Sprint(ctx.Err()))
		return nil
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.Store.Kind {
	case config.StoreMemory:
		return &memoryStore{
			InMemoryStore: jobdispatch.NewInMemoryStore(),
			items:         item.NewInMemoryStore(),
		}, nil
	case config.StoreSQLite:
		return sqlite.Open(ctx, cfg.Store.URL)
	case config.StoreMySQL:
		return mysql.NewStore(ctx, cfg.Store.URL)
	case config.StorePostgres:
		return postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Store.URL,
			MaxConns:        cfg.Store.MaxConns,
			MaxConnLifetime: cfg.Store.MaxConnLifetime,
			DialTimeout:     cfg.Store.DialTimeout,
		})
	case config.StoreMongoDB:
		return mongodb.NewStore(cfg.Store.URL)
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store.Kind)
	}
}

// memoryStore keeps jobs and items in memory.
type memoryStore struct {
	*jobdispatch.InMemoryStore
	items *item.InMemoryStore
}

func (s *memoryStore) UpsertItem(ctx context.Context, it *item.Item) (bool, error) {
	return s.items.UpsertItem(ctx, it)
}

func (s *memoryStore) LookupItem(ctx context.Context, id string) (*item.Item, error) {
	return s.items.LookupItem(ctx, id)
}

func (s *memoryStore) SetSummary(ctx context.Context, id, summary string) error {
	return s.items.SetSummary(ctx, id, summary)
}

func (s *memoryStore) SetEmbedding(ctx context.Context, id, embeddingID string, vector []float32) error {
	return s.items.SetEmbedding(ctx, id, embeddingID, vector)
}

func (s *memoryStore) ListItems(ctx context.Context, req *item.ListRequest) ([]*item.Item, error) {
	return s.items.ListItems(ctx, req)
}

func (s *memoryStore) AddEdges(ctx context.Context, edges []*item.Edge) error {
	return s.items.AddEdges(ctx, edges)
}

func (s *memoryStore) Edges(ctx context.Context, sourceID string) ([]*item.Edge, error) {
	return s.items.Edges(ctx, sourceID)
}

func (s *memoryStore) Close() error { return nil }

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
