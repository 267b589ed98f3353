package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/gpupool/internal/allocator"
	"github.com/devghori1264/gpupool/internal/api"
	"github.com/devghori1264/gpupool/internal/clock"
	"github.com/devghori1264/gpupool/internal/ledger"
	natsclient "github.com/devghori1264/gpupool/internal/nats"
	"github.com/devghori1264/gpupool/internal/queue"
	"github.com/devghori1264/gpupool/internal/registry"
	"github.com/devghori1264/gpupool/internal/storage"
	"github.com/devghori1264/gpupool/internal/usage"
)

func main() {
	httpAddr := flag.String("http-addr", ":8080", "HTTP listen address")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	dbPath := flag.String("db", "./data/badger", "Badger DB path")
	natsURL := flag.String("nats-url", "", "NATS URL for lifecycle events (empty disables publishing)")
	sweepEvery := flag.Duration("sweep-interval", 30*time.Second, "how often to expire overdue bookings")
	traceStdout := flag.Bool("trace", false, "emit spans to stdout")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *traceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Fatal("stdout trace exporter", zap.Error(err))
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	store, err := storage.NewBadgerStore(*dbPath)
	if err != nil {
		logger.Fatal("open badger store", zap.Error(err))
	}
	defer store.Close()

	clk := clock.Real{}
	reg := registry.New(store, clk)
	led := ledger.New(store)
	agg := usage.New(store, logger)
	wait := queue.New(store, clk)

	sinks := []allocator.Sink{agg}
	if *natsURL != "" {
		pub, err := natsclient.NewPublisher(*natsURL, logger)
		if err != nil {
			logger.Fatal("connect nats", zap.String("url", *natsURL), zap.Error(err))
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}
	alloc := allocator.New(reg, led, store, clk, logger, sinks...)

	// Periodic trigger for the expiry sweep; the engine only exposes the
	// operation, the timer lives here.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(*sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				n, err := alloc.ExpireDue(sweepCtx, clk.Now())
				if err != nil {
					logger.Warn("expiry sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("expiry sweep", zap.Int("expired", n))
				}
			}
		}
	}()

	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.NewHTTPHandler(alloc, reg, led, agg, wait, clk),
	}
	go func() {
		logger.Info("HTTP listening", zap.String("addr", *httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http listen", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	api.RegisterMetrics(metricsMux)
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: metricsMux}
	go func() {
		logger.Info("Prometheus metrics listening", zap.String("addr", *metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics listen", zap.Error(err))
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown initiated")

	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
