package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/b55585wy/SGGG/internal/auth"
	"github.com/b55585wy/SGGG/internal/config"
	"github.com/b55585wy/SGGG/internal/db"
	"github.com/b55585wy/SGGG/internal/health"
	"github.com/b55585wy/SGGG/internal/logging"
	"github.com/b55585wy/SGGG/internal/metrics"
	"github.com/b55585wy/SGGG/internal/report"
	"github.com/b55585wy/SGGG/internal/store"
	"github.com/b55585wy/SGGG/internal/tracing"
)

const grpcServiceName = "storybook.report"

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("storybook-reportd")
	logging.SetDefaultService("storybook-reportd")

	shutdown, err := tracing.InitTracing(ctx, "storybook-reportd")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store init failed")
	}
	defer closeStore()

	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer prod.Stop()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := report.NewServer(st, prod, cfg.NSQ.TelemetryTopic,
		report.WithLogger(logger),
		report.WithHandler("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	handler, err := buildHandler(cfg, srv)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}

	// gRPC health for orchestrator probes, mirroring database health
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go health.Watch(watchCtx, st, hs, 10*time.Second, grpcServiceName)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("reportd gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	// beacon topic: batches readers released on unload
	beacon, err := nsq.NewConsumer(cfg.NSQ.BeaconTopic, cfg.NSQ.BeaconChannel, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq beacon consumer creation failed")
	}
	beacon.AddHandler(srv.BeaconHandler())
	if err := beacon.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Warn("beacon consumer lookupd connect failed")
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":  cfg.HTTPPort,
			"store": cfg.StoreBackend,
			"auth":  cfg.AuthEnabled(),
		}).Info("reportd HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down reportd")
	hs.Shutdown()
	beacon.Stop()
	<-beacon.StopChan
	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("reportd stopped")
}

// openStore returns the configured store and its cleanup.
func openStore(ctx context.Context, cfg config.Config, logger *logging.Logger) (report.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		logger.Plain().Warn("using in-memory store; data is lost on restart")
		return store.NewMemory(), func() {}, nil
	case "postgres":
		if err := db.Migrate(cfg.DSN(), "up"); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		return store.NewPostgres(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}

// buildHandler wraps the API routes with JWT validation when a key is configured.
func buildHandler(cfg config.Config, srv *report.Server) (http.Handler, error) {
	h := srv.Routes()
	if !cfg.AuthEnabled() {
		return h, nil
	}
	v, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return nil, err
	}
	return v.HTTPMiddleware(h), nil
}
