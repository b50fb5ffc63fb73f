// Package cli wires configuration, logging, and metrics into the
// trainer commands.
package cli

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/metric-space/trl/internal/observability/logging"
	"github.com/metric-space/trl/internal/observability/metrics"
	"github.com/metric-space/trl/pkg/config"
)

var cfgFile string

// NewRootCommand builds the trl command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "trl",
		Short: "Reinforcement learning trainers for generative models",
		Long: `trl runs reinforcement learning fine-tuning loops for generative
models: a clipped policy-gradient trainer over denoising trajectories
(ddpo) and a soft Q-learning trainer for sequence policies (softq).`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file")

	root.AddCommand(newDDPOCommand())
	root.AddCommand(newSoftQCommand())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// runtime bundles the ambient services a trainer command needs.
type runtime struct {
	cfg    *config.Config
	logger logging.Logger
	sink   metrics.Sink
}

// setup loads configuration and builds the logger and metric sinks.
// When the metrics endpoint is enabled it also starts the /metrics
// listener.
func setup() (*runtime, func(), error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}

	var logger logging.Logger
	if cfg.Logging.Output == "file" && cfg.Logging.MaxSize > 0 {
		logger, err = logging.NewZapLoggerWithRotation(cfg.Logging)
	} else {
		logger, err = logging.NewZapLogger(cfg.Logging)
	}
	if err != nil {
		return nil, nil, err
	}

	sinks := []metrics.Sink{metrics.NewLogSink(logger)}
	var server *http.Server
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(metrics.CollectorConfig{
			Namespace: cfg.Metrics.Namespace,
			Subsystem: "training",
		})
		sinks = append(sinks, metrics.NewCollectorSink(collector, "trl"))

		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		server = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", logging.Error(err))
			}
		}()
		logger.Info("metrics endpoint listening", logging.String("addr", cfg.Metrics.Addr))
	}

	cleanup := func() {
		if server != nil {
			_ = server.Close()
		}
		_ = logger.Sync()
	}
	return &runtime{cfg: cfg, logger: logger, sink: metrics.NewMultiSink(sinks...)}, cleanup, nil
}
