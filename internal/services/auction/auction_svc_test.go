package auction

import (
	"context"
	"errors"
	"estatebid/internal/auctionclock"
	"estatebid/internal/listing"
	"estatebid/internal/redis/livestate"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const window = 5 * time.Minute

var (
	start  = time.Date(2025, 7, 27, 18, 30, 0, 0, time.UTC)
	seller = Bidder{ID: "seller", DisplayName: "Sam"}
	alice  = Bidder{ID: "alice", DisplayName: "Alice"}
	bob    = Bidder{ID: "bob", DisplayName: "Bob"}
)

type fixture struct {
	svc      IAuctionService
	store    *memStore
	live     *memLive
	clk      *clockwork.FakeClock
	notifier *recNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(),
		live:     newMemLive(),
		clk:      clockwork.NewFakeClockAt(start.Add(time.Minute)),
		notifier: &recNotifier{},
	}
	f.svc = NewAuctionService(f.store, f.live, Options{
		ExtensionWindow: window,
		Clock:           f.clk,
		Notifier:        f.notifier,
	})
	f.store.put(listing.Listing{
		ID:               "l1",
		SellerID:         seller.ID,
		StartPrice:       dec(100000),
		BiddingDate:      start.Truncate(24 * time.Hour),
		BiddingStartTime: "18:30",
		BiddingStart:     start,
		BiddingEndTime:   start.Add(window),
	})
	return f
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// setNow moves the fake clock to t, backwards if needed.
func (f *fixture) setNow(t time.Time) { f.clk.Advance(t.Sub(f.clk.Now())) }

func (f *fixture) bid(b Bidder, amount int64) (*Accepted, error) {
	return f.svc.PlaceBid(context.Background(), b, "l1", dec(amount))
}

func TestScenarioFirstBidAtStartPrice(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()

	acc, err := f.bid(alice, 100000)
	require.NoError(t, err)
	assert.True(t, acc.NewHighest.Equal(dec(100000)))
	assert.Equal(t, now.Add(window), acc.NewDeadline)

	l := f.store.listing("l1")
	assert.True(t, l.CurrentHighestBid.Decimal.Equal(dec(100000)))
	assert.Equal(t, now.Add(window), l.BiddingEndTime)

	evs := f.live.events()
	require.Len(t, evs, 1)
	assert.Equal(t, "Alice", evs[0].BidderName)
	assert.Equal(t, acc.Bid.ID.String(), evs[0].BidID)
	assert.Equal(t, acc.NewDeadline, evs[0].NewDeadline)

	assert.Eventually(t, func() bool { return f.notifier.bids.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScenarioEqualBidIsNotHighEnough(t *testing.T) {
	f := newFixture(t)
	_, err := f.bid(alice, 100000)
	require.NoError(t, err)

	_, err = f.bid(bob, 100000)
	assert.ErrorIs(t, err, ErrBidNotHighEnough)
	assert.Len(t, f.store.ledger("l1"), 1)
	assert.Len(t, f.live.events(), 1)
}

func TestAmountsFinerThanTheLedgerAreInvalid(t *testing.T) {
	f := newFixture(t)
	acc, err := f.bid(alice, 100000)
	require.NoError(t, err)

	for _, amount := range []string{"100000.004", "100000.001", "10000000000000000", "12345678901234567.5"} {
		f.clk.Advance(time.Second)
		_, err := f.svc.PlaceBid(context.Background(), bob, "l1", decimal.RequireFromString(amount))
		assert.ErrorIs(t, err, ErrInvalidBid, amount)
		assert.NotErrorIs(t, err, ErrRetryable, amount)
	}
	assert.Len(t, f.store.ledger("l1"), 1)
	assert.Len(t, f.live.events(), 1)
	assert.Equal(t, acc.NewDeadline, f.store.listing("l1").BiddingEndTime)

	acc, err = f.svc.PlaceBid(context.Background(), bob, "l1", decimal.RequireFromString("100000.01"))
	require.NoError(t, err)
	assert.Equal(t, "100000.01", acc.NewHighest.StringFixed(2))
	acc, err = f.svc.PlaceBid(context.Background(), alice, "l1", decimal.RequireFromString("9999999999999999.99"))
	require.NoError(t, err)
	assert.True(t, acc.NewHighest.Equal(decimal.RequireFromString("9999999999999999.99")))
}

func TestScenarioBidAfterDeadline(t *testing.T) {
	f := newFixture(t)
	_, err := f.bid(alice, 100000)
	require.NoError(t, err)

	f.clk.Advance(window + time.Second)
	_, err = f.bid(bob, 150000)
	assert.ErrorIs(t, err, ErrAuctionEnded)
	assert.Len(t, f.store.ledger("l1"), 1)
}

func TestScenarioNearSimultaneousBids(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		_, err := f.bid(alice, 150000)
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]error, 2)
		for j, amount := range []int64{200000, 210000} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, results[j] = f.bid(bob, amount)
			}()
		}
		wg.Wait()

		require.NoError(t, results[1], "210000 must always win")
		l := f.store.listing("l1")
		assert.True(t, l.CurrentHighestBid.Decimal.Equal(dec(210000)))

		ledger := f.store.ledger("l1")
		if results[0] == nil {
			// 200000 committed first, observing 150000
			require.Len(t, ledger, 3)
			assert.True(t, ledger[1].Amount.Equal(dec(200000)))
			assert.True(t, ledger[2].Amount.Equal(dec(210000)))
		} else {
			assert.ErrorIs(t, results[0], ErrBidNotHighEnough)
			require.Len(t, ledger, 2)
		}
	}
}

func TestAcceptedAmountsStrictlyIncrease(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Bidder{ID: fmt.Sprintf("b%d", i%4), DisplayName: "B"}
			_, _ = f.bid(b, 100000+int64((i*7919)%40)*1000)
		}()
	}
	wg.Wait()

	ledger := f.store.ledger("l1")
	require.NotEmpty(t, ledger)
	for i := 1; i < len(ledger); i++ {
		assert.True(t, ledger[i].Amount.GreaterThan(ledger[i-1].Amount),
			"bid %d (%s) after %s", i, ledger[i].Amount, ledger[i-1].Amount)
	}
	assert.EqualValues(t, 1, f.store.maxFlight.Load(), "commits on one listing overlapped")

	evs := f.live.events()
	require.Len(t, evs, len(ledger))
	for i := range evs {
		assert.Equal(t, ledger[i].ID.String(), evs[i].BidID, "publish order follows commit order")
	}
}

func TestDeadlineIsCommitTimePlusWindow(t *testing.T) {
	f := newFixture(t)

	prev := f.store.listing("l1").BiddingEndTime
	for i, step := range []time.Duration{0, 30 * time.Second, 4 * time.Minute, 10 * time.Second} {
		f.clk.Advance(step)
		commitAt := f.clk.Now()

		acc, err := f.bid(alice, 100000+int64(i)*1000)
		require.NoError(t, err)
		assert.Equal(t, commitAt.Add(window), acc.NewDeadline)
		assert.False(t, acc.NewDeadline.Before(prev))
		prev = acc.NewDeadline
	}
}

func TestRejectedAmountStaysRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.bid(alice, 150000)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.bid(bob, 120000)
		assert.ErrorIs(t, err, ErrBidNotHighEnough)
	}
	assert.Len(t, f.store.ledger("l1"), 1)
}

func TestPlaceBidRejections(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(f *fixture)
		bidder  Bidder
		listing string
		amount  int64
		want    error
	}{
		{name: "anonymous", bidder: Bidder{}, listing: "l1", amount: 100000, want: ErrUnauthorized},
		{name: "zero amount", bidder: alice, listing: "l1", amount: 0, want: ErrInvalidBid},
		{name: "negative amount", bidder: alice, listing: "l1", amount: -5, want: ErrInvalidBid},
		{name: "missing listing id", bidder: alice, listing: "", amount: 100000, want: ErrInvalidBid},
		{name: "unknown listing", bidder: alice, listing: "nope", amount: 100000, want: ErrNotFound},
		{name: "seller", bidder: seller, listing: "l1", amount: 100000, want: ErrSelfBid},
		{name: "below start price", bidder: alice, listing: "l1", amount: 99999, want: ErrBidTooLow},
		{
			name:    "not started",
			prepare: func(f *fixture) { f.setNow(start.Add(-time.Minute)) },
			bidder:  alice, listing: "l1", amount: 100000, want: ErrNotStarted,
		},
		{
			name:    "seller rejected before phase",
			prepare: func(f *fixture) { f.setNow(start.Add(time.Hour)) },
			bidder:  seller, listing: "l1", amount: 100000, want: ErrSelfBid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.prepare != nil {
				tt.prepare(f)
			}
			acc, err := f.svc.PlaceBid(context.Background(), tt.bidder, tt.listing, dec(tt.amount))
			assert.Nil(t, acc)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.store.ledger("l1"))
			assert.Empty(t, f.live.events())
		})
	}
}

func TestRejectionStatus(t *testing.T) {
	assert.Equal(t, 401, ErrUnauthorized.Status())
	assert.Equal(t, 404, ErrNotFound.Status())
	assert.Equal(t, 403, ErrSelfBid.Status())
	assert.Equal(t, 409, ErrBidNotHighEnough.Status())

	rej, ok := AsRejection(fmt.Errorf("wrapped: %w", ErrAuctionEnded))
	require.True(t, ok)
	assert.Equal(t, ReasonAuctionEnded, rej.Reason)

	_, ok = AsRejection(ErrRetryable)
	assert.False(t, ok)
}

func TestStoreFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.store.commitErr = errors.New("connection refused")

	_, err := f.bid(alice, 100000)
	assert.ErrorIs(t, err, ErrRetryable)
	_, ok := AsRejection(err)
	assert.False(t, ok)
	assert.Empty(t, f.live.events())
}

func TestPublishFailureAfterCommitIsTolerated(t *testing.T) {
	f := newFixture(t)
	f.live.publishErr = errors.New("redis down")

	acc, err := f.bid(alice, 100000)
	require.NoError(t, err)
	assert.True(t, acc.NewHighest.Equal(dec(100000)))
	assert.Len(t, f.store.ledger("l1"), 1)
}

func TestDifferentListingsDoNotBlockEachOther(t *testing.T) {
	f := newFixture(t)
	l2 := f.store.listing("l1")
	l2.ID = "l2"
	f.store.put(l2)

	svc := f.svc.(*auctionService)
	unlock, err := svc.locks.Lock(context.Background(), "l1")
	require.NoError(t, err)
	defer unlock()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.PlaceBid(context.Background(), alice, "l2", dec(100000))
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bid on l2 waited for l1")
	}
}

func TestLockTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.svc = NewAuctionService(f.store, f.live, Options{Clock: f.clk, CommitTimeout: 20 * time.Millisecond})

	svc := f.svc.(*auctionService)
	unlock, err := svc.locks.Lock(context.Background(), "l1")
	require.NoError(t, err)
	defer unlock()

	_, err = f.bid(alice, 100000)
	assert.ErrorIs(t, err, ErrRetryable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduleAuction(t *testing.T) {
	f := newFixture(t)
	date := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	view, err := f.svc.ScheduleAuction(context.Background(), ScheduleInput{
		ListingID: "l9", SellerID: "s9", StartPrice: dec(50000),
		BiddingDate: date, BiddingStartTime: "10:15",
	})
	require.NoError(t, err)
	wantStart := time.Date(2025, 8, 1, 10, 15, 0, 0, time.UTC)
	assert.Equal(t, wantStart, view.BiddingStart)
	assert.Equal(t, wantStart.Add(window), view.BiddingEndTime)
	assert.Equal(t, auctionclock.NotStarted, view.Phase)
	assert.Contains(t, f.live.primed, "l9")

	_, err = f.svc.ScheduleAuction(context.Background(), ScheduleInput{
		ListingID: "l9", SellerID: "s9", StartPrice: dec(50000),
		BiddingDate: date, BiddingStartTime: "10:15",
	})
	assert.ErrorIs(t, err, ErrAlreadyScheduled)

	_, err = f.svc.ScheduleAuction(context.Background(), ScheduleInput{
		ListingID: "l10", SellerID: "s9", StartPrice: dec(50000),
		BiddingDate: date, BiddingStartTime: "7pm",
	})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	assert.ErrorIs(t, err, auctionclock.ErrBadTimeOfDay)

	_, err = f.svc.ScheduleAuction(context.Background(), ScheduleInput{
		ListingID: "l11", SellerID: "s9", StartPrice: dec(-1),
		BiddingDate: date, BiddingStartTime: "10:00",
	})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	for _, price := range []string{"100000.005", "10000000000000000"} {
		_, err = f.svc.ScheduleAuction(context.Background(), ScheduleInput{
			ListingID: "l12", SellerID: "s9", StartPrice: decimal.RequireFromString(price),
			BiddingDate: date, BiddingStartTime: "10:00",
		})
		assert.ErrorIs(t, err, ErrInvalidSchedule, price)
	}
	assert.NotContains(t, f.live.primed, "l12")
}

func TestScheduleAuctionUsesLocation(t *testing.T) {
	store, live := newMemStore(), newMemLive()
	loc := time.FixedZone("EAT", 3*3600)
	svc := NewAuctionService(store, live, Options{Location: loc, Clock: clockwork.NewFakeClockAt(start)})

	view, err := svc.ScheduleAuction(context.Background(), ScheduleInput{
		ListingID: "l1", SellerID: "s", StartPrice: dec(1),
		BiddingDate: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), BiddingStartTime: "12:00",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC), view.BiddingStart.UTC())
}

func TestGetListing(t *testing.T) {
	f := newFixture(t)
	_, err := f.bid(alice, 120000)
	require.NoError(t, err)

	// store fallback
	view, err := f.svc.GetListing(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, auctionclock.Live, view.Phase)
	assert.True(t, view.CurrentHighestBid.Decimal.Equal(dec(120000)))
	assert.Equal(t, "alice", view.HighestBidderID)
	assert.Equal(t, auctionclock.Countdown{Minutes: 5}, view.Remaining)

	// cache hit
	f.live.snapshots["l1"] = &livestate.Snapshot{
		ListingID: "l1", SellerID: seller.ID, StartPrice: dec(100000),
		Start: start, Deadline: start.Add(time.Hour),
		Highest: decimal.NewNullDecimal(dec(130000)), HighestBidderID: "bob", HighestBidderName: "Bob",
	}
	view, err = f.svc.GetListing(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, "Bob", view.HighestBidderName)
	assert.Equal(t, start.Add(time.Hour), view.BiddingEndTime)

	_, err = f.svc.GetListing(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListBids(t *testing.T) {
	f := newFixture(t)
	for i := int64(0); i < 3; i++ {
		_, err := f.bid(alice, 100000+i)
		require.NoError(t, err)
	}

	bids, err := f.svc.ListBids(context.Background(), "l1", 0)
	require.NoError(t, err)
	require.Len(t, bids, 3)
	assert.True(t, bids[0].Amount.Equal(dec(100002)), "newest first")

	bids, err = f.svc.ListBids(context.Background(), "l1", 2)
	require.NoError(t, err)
	assert.Len(t, bids, 2)

	_, err = f.svc.ListBids(context.Background(), "nope", 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeAnnouncesWinner(t *testing.T) {
	f := newFixture(t)
	_, err := f.bid(alice, 100000)
	require.NoError(t, err)
	_, err = f.bid(bob, 110000)
	require.NoError(t, err)

	f.clk.Advance(window + time.Second)
	require.NoError(t, f.svc.Finalize(context.Background(), "l1"))

	require.Len(t, f.live.ended, 1)
	ev := f.live.ended[0]
	assert.Equal(t, "bob", ev.WinnerID)
	assert.True(t, ev.Amount.Decimal.Equal(dec(110000)))
	assert.Equal(t, f.store.listing("l1").BiddingEndTime, ev.EndedAt)
	assert.Eventually(t, func() bool { return f.notifier.ended.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFinalizeWithoutBids(t *testing.T) {
	f := newFixture(t)
	f.setNow(start.Add(window + time.Second))

	require.NoError(t, f.svc.Finalize(context.Background(), "l1"))
	require.Len(t, f.live.ended, 1)
	assert.Empty(t, f.live.ended[0].WinnerID)
	assert.False(t, f.live.ended[0].Amount.Valid)
}

func TestFinalizeRearmsWhenDeadlineMoved(t *testing.T) {
	f := newFixture(t)
	acc, err := f.bid(alice, 100000)
	require.NoError(t, err)

	require.NoError(t, f.svc.Finalize(context.Background(), "l1"))
	assert.Empty(t, f.live.ended)
	assert.Equal(t, acc.NewDeadline.Add(time.Second), f.live.rearmed["l1"])
}

func TestFinalizeSkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	f.live.lockTaken = true
	f.setNow(start.Add(time.Hour))

	require.NoError(t, f.svc.Finalize(context.Background(), "l1"))
	assert.Empty(t, f.live.ended)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, k.size())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	acquired := make(chan func())
	go func() {
		u, err := k.Lock(context.Background(), "a")
		if err == nil {
			acquired <- u
		}
	}()
	unlock()
	select {
	case u := <-acquired:
		u()
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Zero(t, k.size())
}
