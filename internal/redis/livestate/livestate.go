// Package livestate keeps the Redis side of a running auction: a snapshot
// hash per listing, the deadline timer key the watcher listens on, and the
// per-listing Pub/Sub topic every instance relays to its websocket viewers.
// All writes go through the Redis functions in redis_functions so that the
// cache update and the publish are one atomic step.
package livestate

import (
	"context"
	"encoding/json"
	"errors"
	"estatebid/internal/listing"
	"estatebid/internal/redis/redis_functions"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	HashPrefix  = "lst:"
	TimerPrefix = "lst_t:"
	ActiveSet   = "lsts:active"
)

// ErrStaleEvent means the cached snapshot already carries a later deadline,
// so the bid event was neither applied nor published.
var ErrStaleEvent = errors.New("livestate: cached deadline is newer, event dropped")

func HashKey(id string) string  { return HashPrefix + id }
func TimerKey(id string) string { return TimerPrefix + id }
func Channel(id string) string  { return HashPrefix + id + ":events" }

// ListingFromChannel extracts the id from "lst:<id>:events".
func ListingFromChannel(ch string) (string, bool) {
	if !strings.HasPrefix(ch, HashPrefix) || !strings.HasSuffix(ch, ":events") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(ch, HashPrefix), ":events")
	return id, id != ""
}

// Snapshot is the cached view of a running auction.
type Snapshot struct {
	ListingID         string
	SellerID          string
	StartPrice        decimal.Decimal
	Start             time.Time
	Deadline          time.Time
	Highest           decimal.NullDecimal
	HighestBidderID   string
	HighestBidderName string
}

type bidMessage struct {
	Event string `json:"event"`
	listing.BidEvent
}

type endedMessage struct {
	Event string `json:"event"`
	listing.EndedEvent
}

type Store struct {
	rdc *redis.Client
}

func New(rdc *redis.Client) *Store { return &Store{rdc: rdc} }

// PutSnapshot primes or repairs the cache. It never moves a cached
// deadline backwards.
func (s *Store) PutSnapshot(ctx context.Context, l *listing.Listing, bidderID, bidderName string) (bool, error) {
	hb := ""
	if l.CurrentHighestBid.Valid {
		hb = l.CurrentHighestBid.Decimal.String()
	}
	n, err := s.rdc.FCall(ctx, redis_functions.PutSnapshot,
		[]string{HashKey(l.ID), TimerKey(l.ID)},
		l.SellerID,
		l.StartPrice.String(),
		strconv.FormatInt(l.BiddingStart.UnixMilli(), 10),
		strconv.FormatInt(l.BiddingEndTime.UnixMilli(), 10),
		hb,
		bidderID,
		bidderName,
	).Int()
	return n == 1, err
}

// PublishBid updates the snapshot, re-arms the deadline timer and publishes
// the event on the listing topic.
func (s *Store) PublishBid(ctx context.Context, ev listing.BidEvent) error {
	payload, err := json.Marshal(bidMessage{Event: listing.KindBid, BidEvent: ev})
	if err != nil {
		return err
	}
	applied, err := s.rdc.FCall(ctx, redis_functions.ApplyBid,
		[]string{HashKey(ev.ListingID), TimerKey(ev.ListingID)},
		ev.Amount.String(),
		ev.BidderID,
		ev.BidderName,
		strconv.FormatInt(ev.NewDeadline.UnixMilli(), 10),
		Channel(ev.ListingID),
		string(payload),
	).Int()
	if err != nil {
		return err
	}
	if applied == 0 {
		return ErrStaleEvent
	}
	return nil
}

// PublishEnded drops the cached state and publishes the close.
func (s *Store) PublishEnded(ctx context.Context, ev listing.EndedEvent) error {
	payload, err := json.Marshal(endedMessage{Event: listing.KindEnded, EndedEvent: ev})
	if err != nil {
		return err
	}
	return s.rdc.FCall(ctx, redis_functions.EndListing,
		[]string{HashKey(ev.ListingID), TimerKey(ev.ListingID)},
		Channel(ev.ListingID),
		string(payload),
	).Err()
}

// RearmTimer sets the timer key to expire at deadline.
func (s *Store) RearmTimer(ctx context.Context, id string, deadline time.Time) error {
	return s.rdc.SetArgs(ctx, TimerKey(id), "1", redis.SetArgs{ExpireAt: deadline}).Err()
}

// Snapshot reads the cached state; ok is false when nothing usable is cached.
func (s *Store) Snapshot(ctx context.Context, id string) (*Snapshot, bool, error) {
	data, err := s.rdc.HGetAll(ctx, HashKey(id)).Result()
	if err != nil {
		return nil, false, err
	}
	if data["sid"] == "" || data["ea"] == "" {
		return nil, false, nil
	}
	snap := &Snapshot{
		ListingID:         id,
		SellerID:          data["sid"],
		Start:             msToTime(data["sa"]),
		Deadline:          msToTime(data["ea"]),
		HighestBidderID:   data["hbid"],
		HighestBidderName: data["hbn"],
	}
	snap.StartPrice, _ = decimal.NewFromString(data["sp"])
	if hb, err := decimal.NewFromString(data["hb"]); err == nil {
		snap.Highest = decimal.NewNullDecimal(hb)
	}
	return snap, true, nil
}

// Lock takes the short finalisation lock for a listing.
func (s *Store) Lock(ctx context.Context, id string, ttl time.Duration) (bool, func(), error) {
	key := "lst_lock:" + id
	ok, err := s.rdc.SetNX(ctx, key, 1, ttl).Result()
	if err != nil || !ok {
		return false, func() {}, err
	}
	return true, func() { s.rdc.Del(context.WithoutCancel(ctx), key) }, nil
}

func msToTime(s string) time.Time {
	i, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMilli(i).UTC()
}
