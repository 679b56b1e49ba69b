package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"MarginLedger/internal/config"
	"MarginLedger/internal/core"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/query"
	"MarginLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout       = 30 * time.Second
	channelMetricsPeriod  = 5 * time.Second
	metricsServerShutdown = 5 * time.Second
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("MLEDGER_CONFIG_DIR"))
	if err != nil {
		boot := observability.NewLogger("marginledger")
		boot.Fatal().Err(err).Msg("load config")
	}

	log := observability.NewLoggerWithLevel("marginledger", observability.ParseLogLevel(cfg.Log.Level))
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("marginledger exited")
	}
	log.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startTime := time.Now()
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	ratio, err := cfg.MaintenanceMarginRatio()
	if err != nil {
		return err
	}

	ledgerCfg := core.Config{
		MaintenanceMarginRatio: ratio,
		LRUCapacity:            cfg.Idempotency.LRUCapacity,
		Metrics:                metrics,
		Logger:                 log.With().Str("component", "ledger").Logger(),
	}

	// --- Postgres ---
	var (
		db          *sql.DB
		persistChan chan core.CoreOutput
	)
	if cfg.Postgres.Enabled {
		db, err = openPostgres(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer db.Close()

		migrator := persistence.NewMigrator(db, cfg.Migrations.Dir, log.With().Str("component", "migrator").Logger())
		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}

		persistChan = make(chan core.CoreOutput, cfg.Persist.ChanSize)
		ledgerCfg.PersistChan = persistChan
		ledgerCfg.DBChecker = persistence.NewPostgresIdempotencyChecker(db)
	} else {
		log.Warn().Msg("postgres disabled, ledger state is memory-only")
	}

	// --- NATS ---
	var (
		js          jetstream.JetStream
		publishChan chan core.CoreOutput
	)
	if cfg.NATS.Enabled {
		nc, stream, err := ingestion.ConnectNATS(cfg.NATS.URL, log.With().Str("component", "nats").Logger())
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, stream); err != nil {
			return fmt.Errorf("ensure streams: %w", err)
		}
		js = stream
		publishChan = make(chan core.CoreOutput, cfg.Publish.ChanSize)
		ledgerCfg.PublishChan = publishChan
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	}

	ledger, err := core.NewLedger(ledgerCfg)
	if err != nil {
		return err
	}

	// --- Recovery and durable workers ---
	admin := server.AdminDeps{Ledger: ledger, StartTime: startTime}
	drain, drainCtx := errgroup.WithContext(context.Background())
	snapCtx, stopSnapshots := context.WithCancel(context.Background())
	defer stopSnapshots()
	snapDone := make(chan struct{})
	close(snapDone)

	if db != nil {
		snapMgr := persistence.NewSnapshotManager(db)
		if _, err := persistence.Recover(ctx, ledger, snapMgr, log.With().Str("component", "recovery").Logger()); err != nil {
			return fmt.Errorf("recover: %w", err)
		}

		worker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics,
			log.With().Str("component", "persistence").Logger())
		drain.Go(func() error { return worker.Run(drainCtx) })

		snapshotter := persistence.NewSnapshotter(ledger, snapMgr, cfg.Snapshot.Interval, metrics,
			log.With().Str("component", "snapshotter").Logger())
		snapDone = make(chan struct{})
		go func() {
			defer close(snapDone)
			snapshotter.Run(snapCtx)
		}()

		admin.Audit = query.NewQueryService(db)
		admin.Snapshots = snapshotter
		admin.EventLog = snapMgr
	}
	if js != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, log.With().Str("component", "publisher").Logger())
		drain.Go(func() error { return publisher.Run(drainCtx) })
	}

	// --- Ingress ---
	srv, err := server.NewGRPCServer(cfg.GRPC.Addr, cfg.HTTP.Addr, &server.ServerDeps{
		Ledger:        ledger,
		Admin:         admin,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        log.With().Str("component", "server").Logger(),
	})
	if err != nil {
		return err
	}

	ingress, ingressCtx := errgroup.WithContext(ctx)
	ingress.Go(func() error { return srv.StartGRPC(ingressCtx) })
	ingress.Go(func() error { return srv.StartHTTPGateway(ingressCtx) })
	ingress.Go(func() error { return serveMetrics(ingressCtx, cfg.Metrics.Addr, log) })
	ingress.Go(func() error {
		watchChannels(ingressCtx, metrics, persistChan, publishChan)
		return nil
	})

	if cfg.Liquidation.SweepInterval > 0 {
		sweeper := core.NewSweeper(ledger, cfg.Liquidation.SweepInterval, metrics, log.With().Str("component", "sweeper").Logger())
		ingress.Go(func() error {
			sweeper.Run(ingressCtx)
			return nil
		})
	}

	if js != nil {
		dispatcher := ingestion.NewDispatcher(ledger, metrics, log.With().Str("component", "dispatcher").Logger())
		subscriber := ingestion.NewNATSSubscriber(js, dispatcher, log.With().Str("component", "subscriber").Logger())
		if err := subscriber.Subscribe(ingressCtx, ingestion.DefaultSubjects()); err != nil {
			stop()
			_ = ingress.Wait()
			return fmt.Errorf("subscribe: %w", err)
		}
		ingress.Go(func() error {
			<-ingressCtx.Done()
			subscriber.Stop()
			return nil
		})
	}

	healthChecker.SetReady(true)
	log.Info().
		Int64("next_sequence", ledger.Sequence()).
		Str("grpc", cfg.GRPC.Addr).
		Str("http", cfg.HTTP.Addr).
		Str("metrics", cfg.Metrics.Addr).
		Msg("marginledger ready")

	// Blocks until a signal arrives or an ingress goroutine fails.
	<-ingressCtx.Done()
	healthChecker.SetReady(false)
	log.Info().Msg("shutting down")

	runErr := ingress.Wait()

	// Close returns once no mutation is left emitting, so the output
	// channels have no senders after it.
	ledger.Close()
	if persistChan != nil {
		close(persistChan)
	}
	if publishChan != nil {
		close(publishChan)
	}

	drained := make(chan error, 1)
	go func() { drained <- drain.Wait() }()

	select {
	case err := <-drained:
		if err != nil && runErr == nil {
			runErr = fmt.Errorf("drain: %w", err)
		}
	case <-time.After(shutdownTimeout):
		log.Error().Dur("timeout", shutdownTimeout).Msg("output drain timed out")
	}

	// The final snapshot is taken only after the event log has caught up.
	stopSnapshots()
	<-snapDone

	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return runErr
}

func openPostgres(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("postgres connected")
	return db, nil
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), metricsServerShutdown)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// watchChannels samples output channel depth until ctx is done.
func watchChannels(ctx context.Context, metrics *observability.Metrics, persist, publish chan core.CoreOutput) {
	ticker := time.NewTicker(channelMetricsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if persist != nil {
				metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			}
			if publish != nil {
				metrics.SetChannelMetrics("publish", len(publish), cap(publish))
			}
		}
	}
}
