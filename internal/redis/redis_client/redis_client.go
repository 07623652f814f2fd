package redis_client

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	clientName  = "estatebid"
	pingTimeout = 5 * time.Second
	maxPoolSize = 256
)

type Options struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (o Options) redisOptions() *redis.Options {
	pool := runtime.NumCPU() * 8
	if pool > maxPoolSize {
		pool = maxPoolSize
	}
	return &redis.Options{
		Addr:                  net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
		Password:              o.Password,
		DB:                    o.DB,
		ClientName:            clientName,
		PoolSize:              pool,
		MinIdleConns:          pool / 8,
		DialTimeout:           3 * time.Second,
		ReadTimeout:           2 * time.Second,
		WriteTimeout:          2 * time.Second,
		ContextTimeoutEnabled: true,
	}
}

// NewRedisClient connects and pings. The returned client is shared by the
// bid path, the expiry watcher and the websocket relays.
func NewRedisClient(ctx context.Context, o Options) (*redis.Client, error) {
	rc := redis.NewClient(o.redisOptions())

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		zap.L().Error("redis_connect", zap.String("addr", rc.Options().Addr), zap.Error(err))
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rc, nil
}
