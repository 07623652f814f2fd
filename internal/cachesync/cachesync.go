// Package cachesync periodically re-derives the Redis snapshot of every
// running auction from Postgres. The accept path tolerates a failed cache
// update or publish after commit; this loop is what makes the cache
// converge again.
package cachesync

import (
	"context"
	"estatebid/internal/listing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const passTimeout = 5 * time.Second

type Source interface {
	Active(ctx context.Context, now time.Time) ([]listing.Listing, error)
	Winner(ctx context.Context, id string) (*listing.Bid, error)
}

type Sink interface {
	PutSnapshot(ctx context.Context, l *listing.Listing, bidderID, bidderName string) (bool, error)
}

// Run starts the reconciler in its own goroutine. The returned channel is
// closed once the loop has stopped after ctx is done.
func Run(ctx context.Context, clk clockwork.Clock, every time.Duration, src Source, dst Sink) <-chan struct{} {
	done := make(chan struct{})
	tk := clk.NewTicker(every)
	go func() {
		defer close(done)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.Chan():
				syncOnce(ctx, clk, src, dst)
			}
		}
	}()
	return done
}

// syncOnce returns how many snapshots were written.
func syncOnce(ctx context.Context, clk clockwork.Clock, src Source, dst Sink) int {
	ctx, cancel := context.WithTimeout(ctx, passTimeout)
	defer cancel()

	active, err := src.Active(ctx, clk.Now().UTC())
	if err != nil {
		zap.L().Error("cachesync.active", zap.Error(err))
		return 0
	}

	written := 0
	for i := range active {
		l := &active[i]
		var bidderID, bidderName string
		if l.CurrentHighestBid.Valid {
			w, err := src.Winner(ctx, l.ID)
			if err != nil {
				zap.L().Warn("cachesync.winner", zap.String("listing", l.ID), zap.Error(err))
				continue
			}
			if w != nil {
				bidderID, bidderName = w.BidderID, w.BidderName
			}
		}
		ok, err := dst.PutSnapshot(ctx, l, bidderID, bidderName)
		if err != nil {
			zap.L().Warn("cachesync.put", zap.String("listing", l.ID), zap.Error(err))
			continue
		}
		if ok {
			written++
		}
	}
	zap.L().Debug("cachesync.pass", zap.Int("active", len(active)), zap.Int("written", written))
	return written
}
