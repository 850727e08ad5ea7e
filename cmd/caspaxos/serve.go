package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	grpc_metric "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"caspaxos/internal/storage"
	"caspaxos/internal/transport"
)

const (
	IDKey          = "id"
	ListenKey      = "listen"
	DataDirKey     = "data"
	MetricsAddrKey = "metrics-addr"
)

func serveCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Serves one replica's log and registers over gRPC",
		Args:  cobra.NoArgs,
		RunE:  serveFunc,
	}
	flags := c.Flags()
	flags.Int64(IDKey, 0, "Replica ID (required)")
	flags.String(ListenKey, ":7001", "gRPC listen address")
	flags.String(DataDirKey, "", "Pebble data directory; empty keeps data in memory")
	flags.String(MetricsAddrKey, "", "Address to expose Prometheus metrics on; empty disables")
	return c
}

func serveFunc(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	cfg, err := ParseFlags(flags)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	id, _ := flags.GetInt64(IDKey)
	listen, _ := flags.GetString(ListenKey)
	dataDir, _ := flags.GetString(DataDirKey)
	metricsAddr, _ := flags.GetString(MetricsAddrKey)
	if id <= 0 {
		return fmt.Errorf("--%s must be a positive replica ID", IDKey)
	}

	var db *storage.DB
	if dataDir == "" {
		db, err = storage.OpenInMemory(id)
	} else {
		db, err = storage.Open(dataDir, id)
	}
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	grpcMetrics := grpc_metric.NewServerMetrics()
	grpcMetrics.EnableHandlingTimeHistogram()
	reg.MustRegister(
		grpcMetrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server := transport.NewServer(db.Log(), db.Register(), logger,
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	if metricsAddr != "" {
		stopMetrics := serveMetrics(metricsAddr, reg, logger)
		defer stopMetrics()
	}

	ctx := c.Context()
	go func() {
		<-ctx.Done()
		server.Stop()
	}()

	logger.Info("starting replica",
		zap.Int64("replica", id), zap.String("listen", listen), zap.String("data", dataDir))
	return server.ListenAndServe(listen)
}

// serveMetrics exposes the metrics gathered by reg on addr and returns a
// function that shuts the endpoint down.
func serveMetrics(addr string, reg prometheus.Gatherer, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
