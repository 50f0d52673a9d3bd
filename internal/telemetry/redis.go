package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// MonitorRedis instruments a client and logs its commands at debug level.
// name tells the clients apart in the logs (store, leaderboard, pubsub).
func MonitorRedis(r redis.UniversalClient, name string) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisLog{name: name})
	return nil
}

type redisLog struct {
	name string
}

func (l redisLog) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.WarnContext(ctx, "redis: dial failed", "client", l.name, "addr", addr, "error", err)
			return nil, err
		}
		slog.InfoContext(ctx, "redis: connected", "client", l.name, "network", network, "addr", addr)
		return conn, nil
	}
}

func (l redisLog) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmd)
		slog.DebugContext(ctx, "redis: command",
			"client", l.name,
			"cmd", cmd.Name(),
			"took", time.Since(start),
			"error", redisErr(err),
		)
		return err
	}
}

func (l redisLog) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmds)
		slog.DebugContext(ctx, "redis: pipeline",
			"client", l.name,
			"cmds", len(cmds),
			"took", time.Since(start),
			"error", redisErr(err),
		)
		return err
	}
}

// redisErr drops redis.Nil, which only means a missing key.
func redisErr(err error) error {
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
