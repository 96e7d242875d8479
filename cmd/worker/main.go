package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/b55585wy/SGGG/internal/config"
	"github.com/b55585wy/SGGG/internal/db"
	"github.com/b55585wy/SGGG/internal/health"
	"github.com/b55585wy/SGGG/internal/logging"
	"github.com/b55585wy/SGGG/internal/metrics"
	"github.com/b55585wy/SGGG/internal/store"
	"github.com/b55585wy/SGGG/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("storybook-worker")
	logging.SetDefaultService("storybook-worker")

	shutdown, err := tracing.InitTracing(ctx, "storybook-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Worker.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.TelemetryTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	retry := retryFromConfig(cfg.Worker)
	proc := &processor{
		store:    store.NewPostgres(pool),
		dlqTopic: cfg.NSQ.DLQTopic,
		retry:    retry,
		timeout:  10 * time.Second,
		logger:   logger,
	}
	if retry.publishDLQ {
		dlqProducer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer dlqProducer.Stop()
		proc.dlq = dlqProducer
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go monitorBacklog(monitorCtx, cfg.NSQ, 15*time.Second, logging.New("storybook-worker-monitor"))

	consumer.AddConcurrentHandlers(proc, cfg.Worker.MaxInFlight)

	// Connecting directly to nsqd creates the channel before the first publish.
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithFields(map[string]any{
		"topic":        cfg.NSQ.TelemetryTopic,
		"channel":      cfg.NSQ.WorkerChannel,
		"max_attempts": retry.maxAttempts,
	}).Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

// nsqdStats is the part of nsqd's /stats?format=json response we read.
type nsqdStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// channelDepth returns the depth of topic/channel from a stats body.
func channelDepth(r io.Reader, topic, channel string) (int64, bool, error) {
	var stats nsqdStats
	if err := json.NewDecoder(r).Decode(&stats); err != nil {
		return 0, false, fmt.Errorf("decode nsq stats: %w", err)
	}
	for _, t := range stats.Topics {
		if t.Name != topic {
			continue
		}
		for _, c := range t.Channels {
			if c.Name == channel {
				return c.Depth, true, nil
			}
		}
	}
	return 0, false, nil
}

func nsqdHTTPAddr(tcpAddr string) string {
	return strings.Replace(tcpAddr, ":4150", ":4151", 1)
}

// monitorBacklog polls nsqd and exports the worker channel depth.
func monitorBacklog(ctx context.Context, cfg config.NSQ, every time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	httpClient := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr(cfg.NsqdTCPAddr))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := httpClient.Get(url)
		if err != nil {
			logger.Plain().WithError(err).Error("Failed to get NSQ stats")
			continue
		}
		depth, ok, err := channelDepth(resp.Body, cfg.TelemetryTopic, cfg.WorkerChannel)
		resp.Body.Close()
		if err != nil {
			logger.Plain().WithError(err).Error("Failed to decode NSQ stats")
			continue
		}
		if ok {
			metrics.UpdateWorkerBacklog(float64(depth))
		}
	}
}
