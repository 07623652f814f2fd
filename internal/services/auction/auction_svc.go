package auction

import (
	"context"
	"errors"
	"estatebid/internal/auctionclock"
	"estatebid/internal/listing"
	"estatebid/internal/notify"
	"estatebid/internal/redis/livestate"
	"estatebid/internal/repo/listingrepo"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	finalizeLockTTL = 5 * time.Second
	notifyTimeout   = 5 * time.Second
	historyLimit    = 100
)

// Bidder is the verified identity the authentication layer attaches to a
// request. An empty ID means the caller is anonymous.
type Bidder struct {
	ID          string
	DisplayName string
}

type ScheduleInput struct {
	ListingID        string
	SellerID         string
	StartPrice       decimal.Decimal
	BiddingDate      time.Time
	BiddingStartTime string
}

// Accepted is the outcome of a committed bid.
type Accepted struct {
	Bid         listing.Bid     `json:"bid"`
	NewHighest  decimal.Decimal `json:"new_highest"`
	NewDeadline time.Time       `json:"new_deadline"`
}

type ListingView struct {
	ID                string                 `json:"id"`
	SellerID          string                 `json:"seller_id"`
	StartPrice        decimal.Decimal        `json:"start_price"`
	CurrentHighestBid decimal.NullDecimal    `json:"current_highest_bid"`
	HighestBidderID   string                 `json:"highest_bidder_id,omitempty"`
	HighestBidderName string                 `json:"highest_bidder_name,omitempty"`
	BiddingStart      time.Time              `json:"bidding_start"`
	BiddingEndTime    time.Time              `json:"bidding_end_time"`
	Phase             auctionclock.Phase     `json:"phase"     example:"live"`
	Remaining         auctionclock.Countdown `json:"remaining"`
	ServerTime        time.Time              `json:"server_time"`
}

type IAuctionService interface {
	ScheduleAuction(ctx context.Context, in ScheduleInput) (*ListingView, error)
	PlaceBid(ctx context.Context, bidder Bidder, listingID string, amount decimal.Decimal) (*Accepted, error)
	GetListing(ctx context.Context, id string) (*ListingView, error)
	ListBids(ctx context.Context, id string, limit uint64) ([]listing.Bid, error)
	Finalize(ctx context.Context, id string) error
}

// Store is the Postgres listing record store and bid ledger.
type Store interface {
	Create(ctx context.Context, l *listing.Listing) error
	Get(ctx context.Context, id string) (*listing.Listing, error)
	History(ctx context.Context, id string, limit uint64) ([]listing.Bid, error)
	Winner(ctx context.Context, id string) (*listing.Bid, error)
	CommitBid(ctx context.Context, id string, decide listingrepo.Decide) (*listing.Listing, *listing.Bid, error)
}

// LiveState is the Redis snapshot cache and listing topic.
type LiveState interface {
	PutSnapshot(ctx context.Context, l *listing.Listing, bidderID, bidderName string) (bool, error)
	PublishBid(ctx context.Context, ev listing.BidEvent) error
	PublishEnded(ctx context.Context, ev listing.EndedEvent) error
	RearmTimer(ctx context.Context, id string, deadline time.Time) error
	Snapshot(ctx context.Context, id string) (*livestate.Snapshot, bool, error)
	Lock(ctx context.Context, id string, ttl time.Duration) (bool, func(), error)
}

type Options struct {
	ExtensionWindow time.Duration
	Location        *time.Location
	CommitTimeout   time.Duration
	PublishTimeout  time.Duration
	Clock           clockwork.Clock
	Notifier        notify.Notifier
}

type auctionService struct {
	store    Store
	live     LiveState
	clock    clockwork.Clock
	notifier notify.Notifier
	locks    *keyedMutex
	opts     Options
}

var _ IAuctionService = (*auctionService)(nil)

func NewAuctionService(store Store, live LiveState, opts Options) IAuctionService {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ExtensionWindow <= 0 {
		opts.ExtensionWindow = 5 * time.Minute
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 3 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 500 * time.Millisecond
	}
	return &auctionService{
		store:    store,
		live:     live,
		clock:    opts.Clock,
		notifier: opts.Notifier,
		locks:    newKeyedMutex(),
		opts:     opts,
	}
}

func (svc *auctionService) ScheduleAuction(ctx context.Context, in ScheduleInput) (*ListingView, error) {
	in.ListingID = strings.TrimSpace(in.ListingID)
	if in.ListingID == "" || in.SellerID == "" || !listing.Storable(in.StartPrice) {
		return nil, ErrInvalidSchedule
	}
	start, err := auctionclock.StartInstant(in.BiddingDate, in.BiddingStartTime, svc.opts.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	l := &listing.Listing{
		ID:               in.ListingID,
		SellerID:         in.SellerID,
		StartPrice:       in.StartPrice,
		BiddingDate:      in.BiddingDate,
		BiddingStartTime: in.BiddingStartTime,
		BiddingStart:     start,
		BiddingEndTime:   auctionclock.InitialDeadline(start, svc.opts.ExtensionWindow),
		CreatedAt:        svc.clock.Now().UTC(),
	}
	if err := svc.store.Create(ctx, l); err != nil {
		if errors.Is(err, listingrepo.ErrDuplicate) {
			return nil, ErrAlreadyScheduled
		}
		return nil, err
	}
	if _, err := svc.live.PutSnapshot(ctx, l, "", ""); err != nil {
		// the cache reconciler picks the listing up on its next pass
		zap.L().Warn("auction.prime_cache_failed", zap.String("listing", l.ID), zap.Error(err))
	}
	zap.L().Info("auction.scheduled",
		zap.String("listing", l.ID),
		zap.Time("start", l.BiddingStart),
		zap.Time("deadline", l.BiddingEndTime),
	)
	return svc.view(l, "", ""), nil
}

// PlaceBid is the only writer of the bid ledger and of a listing's
// highest bid and deadline. The check-commit-publish sequence for one
// listing runs under a per-listing lock in this process and under the
// listing's row lock in Postgres.
func (svc *auctionService) PlaceBid(ctx context.Context, bidder Bidder, listingID string, amount decimal.Decimal) (*Accepted, error) {
	if bidder.ID == "" {
		return nil, ErrUnauthorized
	}
	if listingID == "" || !listing.ValidBidAmount(amount) {
		return nil, ErrInvalidBid
	}

	commitCtx, cancel := context.WithTimeout(ctx, svc.opts.CommitTimeout)
	defer cancel()

	unlock, err := svc.locks.Lock(commitCtx, listingID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	defer unlock()

	l, bid, err := svc.store.CommitBid(commitCtx, listingID, func(l *listing.Listing) (*listing.Bid, time.Time, error) {
		now := svc.clock.Now().UTC()
		if err := checkBid(l, bidder, amount, now); err != nil {
			return nil, time.Time{}, err
		}
		return &listing.Bid{
			ID:         uuid.New(),
			ListingID:  l.ID,
			BidderID:   bidder.ID,
			BidderName: bidder.DisplayName,
			Amount:     amount,
			CreatedAt:  now,
		}, now.Add(svc.opts.ExtensionWindow), nil
	})
	if err != nil {
		if errors.Is(err, listingrepo.ErrNotFound) {
			return nil, ErrNotFound
		}
		if rej, ok := AsRejection(err); ok {
			zap.L().Debug("auction.bid_rejected",
				zap.String("listing", listingID),
				zap.String("bidder", bidder.ID),
				zap.String("reason", string(rej.Reason)),
			)
			return nil, rej
		}
		zap.L().Warn("auction.commit_failed", zap.String("listing", listingID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	ev := listing.NewBidEvent(bid, l.BiddingEndTime)
	svc.publishBid(ctx, ev)

	zap.L().Info("auction.bid_accepted",
		zap.String("listing", listingID),
		zap.String("bidder", bidder.ID),
		zap.String("amount", bid.Amount.String()),
		zap.Time("deadline", l.BiddingEndTime),
	)
	return &Accepted{Bid: *bid, NewHighest: bid.Amount, NewDeadline: l.BiddingEndTime}, nil
}

// checkBid applies the acceptance rules in order. l.CurrentHighestBid has
// been recomputed from the ledger inside the transaction.
func checkBid(l *listing.Listing, bidder Bidder, amount decimal.Decimal, now time.Time) error {
	if bidder.ID == l.SellerID {
		return ErrSelfBid
	}
	switch l.Clock(now).Phase {
	case auctionclock.NotStarted:
		return ErrNotStarted
	case auctionclock.Ended:
		return ErrAuctionEnded
	}
	if amount.LessThan(l.StartPrice) {
		return ErrBidTooLow
	}
	if l.CurrentHighestBid.Valid && !amount.GreaterThan(l.CurrentHighestBid.Decimal) {
		return ErrBidNotHighEnough
	}
	return nil
}

// publishBid runs after the commit and inside the listing lock so events of
// one listing leave in commit order. Failures only cost the push update.
func (svc *auctionService) publishBid(ctx context.Context, ev listing.BidEvent) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), svc.opts.PublishTimeout)
	defer cancel()
	if err := svc.live.PublishBid(pubCtx, ev); err != nil {
		zap.L().Warn("auction.publish_failed", zap.String("listing", ev.ListingID), zap.Error(err))
	}

	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := svc.notifier.BidAccepted(nctx, ev); err != nil {
			zap.L().Warn("auction.notify_failed", zap.String("listing", ev.ListingID), zap.Error(err))
		}
	}()
}

func (svc *auctionService) GetListing(ctx context.Context, id string) (*ListingView, error) {
	snap, ok, err := svc.live.Snapshot(ctx, id)
	if err != nil {
		zap.L().Debug("auction.snapshot_cache_miss", zap.String("listing", id), zap.Error(err))
	}
	if ok {
		l := &listing.Listing{
			ID:                id,
			SellerID:          snap.SellerID,
			StartPrice:        snap.StartPrice,
			CurrentHighestBid: snap.Highest,
			BiddingStart:      snap.Start,
			BiddingEndTime:    snap.Deadline,
		}
		return svc.view(l, snap.HighestBidderID, snap.HighestBidderName), nil
	}

	l, err := svc.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, listingrepo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w, err := svc.store.Winner(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return svc.view(l, "", ""), nil
	}
	l.CurrentHighestBid = decimal.NewNullDecimal(w.Amount)
	return svc.view(l, w.BidderID, w.BidderName), nil
}

// ListBids returns the ledger newest first.
func (svc *auctionService) ListBids(ctx context.Context, id string, limit uint64) ([]listing.Bid, error) {
	if limit == 0 || limit > historyLimit {
		limit = historyLimit
	}
	if _, err := svc.store.Get(ctx, id); err != nil {
		if errors.Is(err, listingrepo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return svc.store.History(ctx, id, limit)
}

// Finalize is called by the deadline watcher once a listing's timer key
// expires. Nothing is stored: "ended" stays a derived condition. It
// announces the winner and drops the live cache.
func (svc *auctionService) Finalize(ctx context.Context, id string) error {
	ok, release, err := svc.live.Lock(ctx, id, finalizeLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return nil // another instance is already finalising the same listing
	}
	defer release()

	l, err := svc.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, listingrepo.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	now := svc.clock.Now().UTC()
	if l.Clock(now).Phase != auctionclock.Ended {
		// a bid moved the deadline after the timer was armed
		return svc.live.RearmTimer(ctx, id, l.BiddingEndTime.Add(time.Second))
	}

	w, err := svc.store.Winner(ctx, id)
	if err != nil {
		return err
	}
	ev := listing.EndedEvent{ListingID: id, EndedAt: l.BiddingEndTime}
	if w != nil {
		ev.WinnerID = w.BidderID
		ev.WinnerName = w.BidderName
		ev.Amount = decimal.NewNullDecimal(w.Amount)
	}
	if err := svc.live.PublishEnded(ctx, ev); err != nil {
		return err
	}

	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := svc.notifier.AuctionEnded(nctx, ev); err != nil {
			zap.L().Warn("auction.notify_failed", zap.String("listing", id), zap.Error(err))
		}
	}()
	zap.L().Info("auction.finalized", zap.String("listing", id), zap.String("winner", ev.WinnerID))
	return nil
}

func (svc *auctionService) view(l *listing.Listing, bidderID, bidderName string) *ListingView {
	now := svc.clock.Now().UTC()
	st := l.Clock(now)
	return &ListingView{
		ID:                l.ID,
		SellerID:          l.SellerID,
		StartPrice:        l.StartPrice,
		CurrentHighestBid: l.CurrentHighestBid,
		HighestBidderID:   bidderID,
		HighestBidderName: bidderName,
		BiddingStart:      l.BiddingStart,
		BiddingEndTime:    l.BiddingEndTime,
		Phase:             st.Phase,
		Remaining:         auctionclock.Breakdown(st.Remaining),
		ServerTime:        now,
	}
}
