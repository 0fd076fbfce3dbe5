package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dmehra2102/surplus-exchange/internal/config"
	listingapp "github.com/dmehra2102/surplus-exchange/internal/listing/application"
	listingpg "github.com/dmehra2102/surplus-exchange/internal/listing/infrastructure/postgres"
	requestpg "github.com/dmehra2102/surplus-exchange/internal/request/infrastructure/postgres"
	"github.com/dmehra2102/surplus-exchange/internal/reservation/application"
	"github.com/dmehra2102/surplus-exchange/internal/storage/memory"
	exchangegrpc "github.com/dmehra2102/surplus-exchange/internal/transport/grpc"
	transport "github.com/dmehra2102/surplus-exchange/internal/transport/http"
	"github.com/dmehra2102/surplus-exchange/pkg/idempotency"
	"github.com/dmehra2102/surplus-exchange/pkg/logging"
	"github.com/dmehra2102/surplus-exchange/pkg/metrics"
	"github.com/dmehra2102/surplus-exchange/pkg/outbox"
	"github.com/dmehra2102/surplus-exchange/pkg/shutdown"
	"github.com/dmehra2102/surplus-exchange/pkg/tracing"
)

// backend is the storage the services run on.
type backend struct {
	ledger   application.Ledger
	listings listingapp.ListingStore
	requests interface {
		application.RequestRepository
		listingapp.RequestStore
	}
	ready  func(ctx context.Context) error
	outbox outbox.Store
	close  func()
}

func openBackend(ctx context.Context, log *slog.Logger, cfg *config.Config) (*backend, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory store, data is lost on restart")
		store := memory.NewStore()
		return &backend{ledger: store, listings: store, requests: store.Requests(), close: func() {}}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		return nil, errors.Wrap(err, "pg connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pg ping")
	}
	ledger := listingpg.NewLedger(log, pool)
	return &backend{
		ledger:   ledger,
		listings: ledger,
		requests: requestpg.NewRepository(log, pool),
		ready:    ledger.Ping,
		outbox:   outbox.NewPGStore(log, pool),
		close:    pool.Close,
	}, nil
}

func openSink(log *slog.Logger, cfg *config.Config) (outbox.Sink, func(), error) {
	switch cfg.OutboxSink {
	case config.SinkKafka:
		writer := outbox.NewKafkaWriter(cfg.KafkaAddr)
		return outbox.NewKafkaDispatcher(log, writer, cfg.OutboxTopic), func() { _ = writer.Close() }, nil
	case config.SinkNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("exchange-service"))
		if err != nil {
			return nil, nil, errors.Wrap(err, "nats connect")
		}
		return outbox.NewNATSDispatcher(log, nc, cfg.OutboxTopic), nc.Close, nil
	}
	return outbox.Discard{}, func() {}, nil
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(c.Context)
	defer cancel()

	tp, err := tracing.Init(ctx, "exchange-service", cfg.OTLPEndpoint, log)
	if err != nil {
		return err
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	be, err := openBackend(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var (
		idem          *idempotency.Store
		claims        application.Claims
		listingClaims listingapp.Claims
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		idem = idempotency.NewStore(rdb, cfg.IdempotencyTTL).WithClaimTTL(cfg.ClaimTTL)
		claims, listingClaims = idem, idem
	} else {
		local := idempotency.NewLocalClaims()
		claims, listingClaims = local, local
		log.Warn("redis not configured, idempotency keys disabled and resolution claims kept in process")
	}

	listings := listingapp.NewService(log, be.listings, be.requests, listingClaims, nil)
	coord := application.NewCoordinator(log, be.ledger, be.requests, application.Options{
		Claims:             claims,
		Metrics:            m,
		StatusWriteRetries: cfg.StatusWriteRetries,
		RetryBackoff:       cfg.RetryBackoff,
	})
	handler := transport.NewHandler(log, listings, coord, transport.Options{
		Auth:        transport.NewAuthenticator(log, cfg.JWTSecret),
		Idempotency: idem,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Ready:       be.ready,
	})

	var relay *outbox.Relay
	if be.outbox != nil && cfg.OutboxSink != config.SinkNone {
		sink, closeSink, err := openSink(log, cfg)
		if err != nil {
			return err
		}
		defer closeSink()
		relay = outbox.NewRelay(log, be.outbox, sink, "exchange-service-relay")
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return exchangegrpc.NewServer(log, be.ready, 5*time.Second).Run(gctx, cfg.GRPCAddr)
	})

	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}

	err = g.Wait()
	log.Info("exchange-service shutdown complete")
	return err
}
