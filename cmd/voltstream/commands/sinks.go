package commands

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/voltgrid/voltstream"
	"github.com/voltgrid/voltstream/sinks/kafka"
	"github.com/voltgrid/voltstream/sinks/logsink"
	"github.com/voltgrid/voltstream/sinks/memory"
	natssink "github.com/voltgrid/voltstream/sinks/nats"
	"github.com/voltgrid/voltstream/sinks/postgres"
	redissink "github.com/voltgrid/voltstream/sinks/redis"
)

// permissiveSinks binds every kind so rules validate without live backends
func permissiveSinks() voltstream.SinkRegistry {
	return memory.New().Registry()
}

// buildSinks connects the sinks addressed by cfg. Kinds without a backend
// fall back to logging. The returned closer releases every connection.
func buildSinks(ctx context.Context, cfg voltstream.SinkConfig, logger *zap.SugaredLogger) (voltstream.SinkRegistry, func() error, error) {
	logs := logsink.New(logger.Named("sink"))
	reg := voltstream.SinkRegistry{
		Broadcast: logs,
		Alert:     logs,
	}
	var closers []func() error
	closeAll := func() error {
		var errs error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = multierr.Append(errs, closers[i]())
		}
		return errs
	}

	if cfg.RedisAddr != "" {
		sink, client := redissink.NewUniversal(cfg.RedisAddr, redissink.WithKeyPrefix("voltstream"), redissink.WithLogger(logger))
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return reg, closeAll, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		reg.Cache = sink
		reg.Broadcast = sink
		closers = append(closers, client.Close)
		logger.Infow("Redis sink connected", "addr", cfg.RedisAddr)
	}

	if cfg.NATSURL != "" {
		sink, nc, err := natssink.Connect(cfg.NATSURL, natssink.WithSubjectPrefix(cfg.NATSPrefix), natssink.WithFlush(), natssink.WithLogger(logger))
		if err != nil {
			return reg, closeAll, multierr.Append(err, closeAll())
		}
		reg.Alert = sink
		if cfg.RedisAddr == "" {
			reg.Broadcast = sink
		}
		closers = append(closers, func() error { return nc.Drain() })
		logger.Infow("NATS sink connected", "url", cfg.NATSURL)
	}

	var stores persisters
	if cfg.PostgresDSN != "" {
		store, pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return reg, closeAll, multierr.Append(err, closeAll())
		}
		closers = append(closers, func() error { pool.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return reg, closeAll, multierr.Append(err, closeAll())
		}
		stores = append(stores, store)
		logger.Info("Postgres sink connected")
	}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := kafka.Dial(cfg.KafkaBrokers, kafka.WithLogger(logger))
		if err != nil {
			return reg, closeAll, multierr.Append(err, closeAll())
		}
		closers = append(closers, sink.Close)
		stores = append(stores, sink)
		logger.Infow("Kafka sink connected", "brokers", cfg.KafkaBrokers)
	}
	if len(stores) > 0 {
		reg.Store = stores
	}

	return reg, closeAll, nil
}

// persisters writes to every store, attempting all of them
type persisters []voltstream.Persister

func (p persisters) Persist(ctx context.Context, collection string, value interface{}) error {
	var errs error
	for _, store := range p {
		errs = multierr.Append(errs, store.Persist(ctx, collection, value))
	}
	return errs
}
