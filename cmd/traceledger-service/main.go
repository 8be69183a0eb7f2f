package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/traceledger/internal/auth"
	"github.com/ILLUVRSE/traceledger/internal/config"
	"github.com/ILLUVRSE/traceledger/internal/custody"
	"github.com/ILLUVRSE/traceledger/internal/evidence"
	"github.com/ILLUVRSE/traceledger/internal/httpserver"
	"github.com/ILLUVRSE/traceledger/internal/ledger"
	"github.com/ILLUVRSE/traceledger/internal/lock"
	"github.com/ILLUVRSE/traceledger/internal/logging"
	"github.com/ILLUVRSE/traceledger/internal/models"
	"github.com/ILLUVRSE/traceledger/internal/service"
	"github.com/ILLUVRSE/traceledger/internal/store"
)

const (
	demoProductID = "0b7e6c1e-5a7f-4a8e-9d0c-2f1d3c4b5a60"
	demoFarmerID  = "5f3d2a10-8c4b-4e21-a7d9-1b6e0c9f8a32"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config load")
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("logger init")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	lc, closeLedger, err := ledger.NewFromConfig(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("ledger init")
	}
	defer closeLedger()
	lc = ledger.Instrument(lc, ledger.NewMetrics(reg))

	dispatcher := evidence.NewDispatcher(log, 15*time.Second, buildSinks(ctx, cfg, log)...)

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rl := lock.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rl.Ping(pingCtx)
		pingCancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
		}
		defer rl.Close()
		locker = rl
	}

	svc := service.New(st, lc, log, service.Options{
		Emitter:        dispatcher,
		Locker:         locker,
		Metrics:        service.NewMetrics(reg),
		ConfirmTimeout: cfg.ConfirmTimeout,
	})
	traces := custody.NewAssembler(st, cfg.ParticipantCacheSize, log)
	verifier := auth.NewVerifier(cfg.JWTSecret)
	if !verifier.Enabled() {
		log.Warn().Msg("JWT_SECRET not set; authentication disabled")
	}

	server := httpserver.New(cfg, st, svc, traces, verifier, reg, log)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("ledger", cfg.LedgerMode).Msg("traceledger service listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	waitForShutdown(cancel, httpServer, log)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := server.Wait(drainCtx); err != nil {
		log.Warn().Err(err).Msg("abandoning consumer scan recordings")
	}
	if err := svc.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("abandoning pending confirmations")
	}
	if err := dispatcher.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("evidence dispatcher close")
	}
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Store, func()) {
	if cfg.DatabaseURL == "" {
		mem := store.NewMemoryStore()
		mem.PutProduct(demoProductID, "Demo coffee lot")
		mem.PutParticipant(models.Participant{ID: demoFarmerID, Name: "Demo Farm", Role: auth.RoleFarmer})
		log.Warn().
			Str("product_id", demoProductID).
			Str("participant_id", demoFarmerID).
			Msg("DATABASE_URL not set; using in-memory store")
		return mem, func() {}
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("db ping")
	}

	pg := store.NewPGStore(db)
	if err := pg.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	return pg, func() { _ = db.Close() }
}

func buildSinks(ctx context.Context, cfg config.Config, log zerolog.Logger) []evidence.Sink {
	var sinks []evidence.Sink
	if len(cfg.KafkaBrokers) > 0 {
		k, err := evidence.NewKafkaSink(evidence.KafkaSinkConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			log.Fatal().Err(err).Msg("kafka sink init")
		}
		sinks = append(sinks, k)
	}
	if cfg.AMQPURL != "" {
		a, err := evidence.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatal().Err(err).Msg("amqp sink init")
		}
		sinks = append(sinks, a)
	}
	if cfg.S3Bucket != "" {
		s, err := evidence.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatal().Err(err).Msg("s3 archiver init")
		}
		sinks = append(sinks, s)
	}
	for _, s := range sinks {
		log.Info().Str("sink", s.Name()).Msg("evidence sink enabled")
	}
	return sinks
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, log zerolog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
