package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/voltgrid/voltstream"
	"github.com/voltgrid/voltstream/internal/logging"
)

// NewRunCommand starts the engine as a long running daemon
func NewRunCommand() *cobra.Command {
	var (
		configPath         string
		metricsAddr        string
		files              []string
		checkpointInterval time.Duration
		sinkFlags          voltstream.SinkConfig
	)
	command := &cobra.Command{
		Use:   "run",
		Short: "Run the engine with the streams and rules of a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger().Named("run")
			defer func() { _ = logger.Sync() }()

			cfg, err := voltstream.LoadConfig(configPath)
			if err != nil {
				return err
			}
			overrideSinks(&cfg.Sinks, sinkFlags)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = logging.WithLogger(ctx, logger)

			sinks, closeSinks, err := buildSinks(ctx, cfg.Sinks, logger)
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector())
			engine, err := voltstream.New(cfg,
				voltstream.WithLogger(logger.Named("engine")),
				voltstream.WithSinks(sinks),
				voltstream.WithMetrics(voltstream.NewMetrics(registry)),
			)
			if err != nil {
				return multierr.Append(err, closeSinks())
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return engine.Run(gctx)
			})

			server := &http.Server{
				Addr:              metricsAddr,
				Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			g.Go(func() error {
				logger.Infow("Serving metrics", "addr", metricsAddr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})

			for _, path := range files {
				src := voltstream.NewFileSource(path).WithLogger(logger.Named("source"))
				if err := src.Start(gctx, engine); err != nil {
					stop()
					return multierr.Combine(err, g.Wait(), closeSinks())
				}
				g.Go(func() error {
					<-gctx.Done()
					return src.Stop()
				})
			}

			if checkpointInterval > 0 && sinks.Store != nil {
				g.Go(func() error {
					ticker := time.NewTicker(checkpointInterval)
					defer ticker.Stop()
					for {
						select {
						case <-gctx.Done():
							return nil
						case <-ticker.C:
							if _, err := engine.Checkpoint(gctx, sinks.Store, voltstream.DefaultCheckpointCollection); err != nil {
								logger.Warnw("Checkpoint failed", "error", err)
							}
						}
					}
				})
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			st := engine.Stats()
			logger.Infow("Shutting down", "processed", st.Processed, "errors", st.ProcessingErrors, "queued", st.QueueDepth)
			return multierr.Append(err, closeSinks())
		},
	}
	command.Flags().StringVarP(&configPath, "config", "c", "voltstream.yaml", "path to the yaml config")
	command.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address serving prometheus metrics")
	command.Flags().StringSliceVar(&files, "file", nil, "JSON-lines files to replay into the engine")
	command.Flags().StringVar(&sinkFlags.RedisAddr, "redis-addr", "", "redis address for the cache and broadcast sinks")
	command.Flags().StringVar(&sinkFlags.NATSURL, "nats-url", "", "NATS url for the alert sink")
	command.Flags().StringSliceVar(&sinkFlags.KafkaBrokers, "kafka-brokers", nil, "kafka brokers for the store sink")
	command.Flags().StringVar(&sinkFlags.PostgresDSN, "postgres-dsn", "", "postgres DSN for the store sink")
	command.Flags().DurationVar(&checkpointInterval, "checkpoint-interval", 0, "interval between window checkpoints to the store sink, 0 disables")
	return command
}

// overrideSinks applies the sink addresses given on the command line
func overrideSinks(cfg *voltstream.SinkConfig, flags voltstream.SinkConfig) {
	if flags.RedisAddr != "" {
		cfg.RedisAddr = flags.RedisAddr
	}
	if flags.NATSURL != "" {
		cfg.NATSURL = flags.NATSURL
	}
	if len(flags.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = flags.KafkaBrokers
	}
	if flags.PostgresDSN != "" {
		cfg.PostgresDSN = flags.PostgresDSN
	}
}
