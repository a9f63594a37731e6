package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"campusmerit.org/internal/audit"
	"campusmerit.org/internal/auth"
	"campusmerit.org/internal/config"
	"campusmerit.org/internal/engine"
	"campusmerit.org/internal/httpapi"
	"campusmerit.org/internal/obs"
	"campusmerit.org/internal/store/pg"
	"campusmerit.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("MERIT_CONFIG"), "Path to YAML config (optional)")
	ttl := flag.Duration("ttl", 12*time.Hour, "Token lifetime for the token command")
	flag.Parse()

	log := obs.Logger()

	// meritd token <address>: mint a bearer token for an identity, signed
	// with MERIT_AUTH_SECRET.
	if flag.Arg(0) == "token" {
		if err := printToken(flag.Arg(1), *ttl); err != nil {
			log.WithError(err).Fatal("issue token")
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.Server.LogLevel)
	if cfg.Server.AuthSecret != "" {
		auth.SetSecret(cfg.Server.AuthSecret)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("meritd stopped")
	}
}

func printToken(subject string, ttl time.Duration) error {
	if !common.IsHexAddress(subject) {
		return fmt.Errorf("usage: meritd token <0x address>")
	}
	tok, err := auth.GenerateToken(common.HexToAddress(subject), ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func run(cfg config.Config, log *logrus.Logger) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceEndpoint := ""
	if cfg.Server.EnableTrace {
		traceEndpoint = cfg.Server.TraceEndpoint
	}
	shutdownTracing, err := obs.InitTracing(ctx, traceEndpoint, "campusmerit", version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	events := stream.New()
	opts := []engine.Option{
		engine.WithQueueSize(cfg.Ledger.QueueSize),
		engine.WithSink(events),
		engine.WithSink(audit.Sink{}),
	}
	probe := httpapi.ReadyProbe{}

	var store *pg.Store
	if cfg.Server.PostgresDsn != "" {
		store, err = pg.Open(cfg.Server.PostgresDsn)
		if err != nil {
			return err
		}
		defer store.Close()
		if last, err := store.LastSeq(ctx); err != nil {
			log.WithError(err).Warn("event archive unavailable at startup")
		} else if last > 0 {
			log.WithField("last_seq", last).Warn("event archive already holds a previous ledger history; overlapping sequence numbers are skipped")
		}
		probe.DB = store.DB()
		opts = append(opts, engine.WithSink(store))
	}

	if cfg.Server.RedisAddr != "" {
		rdb := stream.NewRedis(cfg.Server.RedisAddr, cfg.Server.RedisPassword, cfg.Server.RedisDB)
		defer rdb.Close()
		probe.Redis = rdb
		opts = append(opts, engine.WithSink(stream.NewRedisSink(rdb, cfg.Server.RedisChannel)))
	}

	ec, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	eng, err := engine.New(ec, opts...)
	if err != nil {
		return err
	}

	api := httpapi.New(probe, version, eng, events,
		httpapi.WithRateLimit(cfg.Server.RateBurst, cfg.Server.RatePerSecond),
		httpapi.WithMaxBody(cfg.Server.MaxBodyBytes),
	)
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: /v1/events/stream holds the response open
	}

	ledgerRPC := httpapi.NewGRPCServer(eng, probe, version)
	grpcSrv := grpc.NewServer(ledgerRPC.ServerOptions()...)
	ledgerRPC.Register(grpcSrv)

	errCh := make(chan error, 2)
	go func() {
		log.WithFields(logrus.Fields{"addr": httpSrv.Addr, "version": version}).Info("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			log.WithField("addr", cfg.Server.GRPCAddr).Info("grpc listening")
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	go watchReadiness(ctx, ledgerRPC, log)
	if store != nil && cfg.Server.CheckpointInterval > 0 {
		go checkpointLoop(ctx, eng, store, cfg.Server.CheckpointInterval, log)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.WithError(err).Error("server failed")
	}
	log.Info("shutting down")

	ledgerRPC.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	_ = eng.Close()

	if store != nil {
		if err := saveCheckpoint(shutdownCtx, eng, store); err != nil {
			log.WithError(err).Warn("final checkpoint failed")
		}
	}
	if err := eng.CheckInvariants(); err != nil {
		log.WithError(err).Error("ledger invariants violated at shutdown")
	}
	log.Info("stopped")
	return nil
}

func watchReadiness(ctx context.Context, srv *httpapi.GRPCServer, log *logrus.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := srv.CheckReadiness(checkCtx); err != nil {
				log.WithError(err).Warn("not ready")
			}
			cancel()
		}
	}
}

func checkpointLoop(ctx context.Context, eng *engine.Engine, store *pg.Store, every time.Duration, log *logrus.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := saveCheckpoint(ctx, eng, store); err != nil {
				log.WithError(err).Warn("checkpoint failed")
			}
		}
	}
}

func saveCheckpoint(ctx context.Context, eng *engine.Engine, store *pg.Store) error {
	st := eng.Stats()
	if st.Seq == 0 {
		return nil
	}
	return store.SaveCheckpoint(ctx, pg.Checkpoint{
		Seq:           st.Seq,
		TotalSupply:   st.TotalSupply.Dec(),
		TotalMinted:   st.TotalMinted.Dec(),
		TotalBurned:   st.TotalBurned.Dec(),
		Credentials:   st.Credentials,
		Distributions: st.Distributions,
		TakenAt:       time.Unix(int64(st.Time), 0).UTC(),
	})
}
