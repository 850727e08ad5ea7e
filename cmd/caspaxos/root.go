package main

import (
	"context"

	grpc_metric "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"caspaxos/internal/config"
	"caspaxos/internal/metrics"
	"caspaxos/internal/quorum"
	"caspaxos/internal/register"
	"caspaxos/internal/transport"
)

func rootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:           "caspaxos",
		Short:         "Leaderless Paxos log and CASPaxos registers over conditional-write replicas",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	AddFlags(c.PersistentFlags())
	c.AddCommand(serveCommand(), logCommand(), registerCommand())
	return c
}

// session holds what a client command needs to reach the replicas.
type session struct {
	cfg     *config.Config
	logger  *zap.Logger
	pool    *quorum.Pool
	manager *transport.ClientManager
	metrics *metrics.Metrics

	// directory shares register replica handles between clients.
	directory *register.Directory

	registry *prometheus.Registry
}

func newSession(c *cobra.Command) (*session, error) {
	cfg, err := ParseFlags(c.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}
	grpcMetrics := grpc_metric.NewClientMetrics()
	if err := registry.Register(grpcMetrics); err != nil {
		return nil, err
	}
	manager, err := transport.NewClientManager(cfg.Connections, logger,
		grpc.WithChainUnaryInterceptor(grpcMetrics.UnaryClientInterceptor()))
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:       cfg,
		logger:    logger,
		pool:      quorum.NewPool(cfg.Workers),
		manager:   manager,
		metrics:   m,
		directory: register.NewDirectory(manager.Loader(cfg.Addrs())),
		registry:  registry,
	}, nil
}

// run executes fn under the configured timeout and releases the session.
func (s *session) run(ctx context.Context, fn func(ctx context.Context) error) error {
	defer func() {
		s.pool.Wait()
		if err := s.directory.Close(); err != nil {
			s.logger.Warn("close register replicas", zap.Error(err))
		}
		s.manager.Close()
		_ = s.logger.Sync()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	err := fn(ctx)
	s.logRounds()
	return err
}

// logRounds writes the round counters of this invocation at debug level.
func (s *session) logRounds() {
	families, err := s.registry.Gather()
	if err != nil {
		s.logger.Debug("gather metrics", zap.Error(err))
		return
	}
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range mf.GetMetric() {
			fields := []zap.Field{zap.Float64("value", m.GetCounter().GetValue())}
			for _, l := range m.GetLabel() {
				fields = append(fields, zap.String(l.GetName(), l.GetValue()))
			}
			s.logger.Debug(mf.GetName(), fields...)
		}
	}
}
