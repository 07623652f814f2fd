package auctionwatcher

import (
	"context"
	"estatebid/internal/redis/livestate"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const finalizeTimeout = 10 * time.Second

type Finalizer interface {
	Finalize(ctx context.Context, listingID string) error
}

// Run listens to key-expiry events of deadline timer keys and finalises the
// listing. Run must be started once at service boot; it returns when ctx is
// cancelled.
func Run(ctx context.Context, rdb *redis.Client, f Finalizer) {
	if err := rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		zap.L().Warn("auctionwatcher.config_set", zap.Error(err))
	}
	ps := rdb.PSubscribe(ctx, "__keyevent@*__:expired")
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			id, ok := listingFromTimerKey(m.Payload)
			if !ok {
				continue
			}
			fctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
			if err := f.Finalize(fctx, id); err != nil {
				zap.L().Warn("auctionwatcher.finalize", zap.String("listing", id), zap.Error(err))
			}
			cancel()
		}
	}
}

func listingFromTimerKey(key string) (string, bool) {
	if !strings.HasPrefix(key, livestate.TimerPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, livestate.TimerPrefix)
	return id, id != ""
}
