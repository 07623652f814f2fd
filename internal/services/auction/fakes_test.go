package auction

import (
	"context"
	"errors"
	"estatebid/internal/listing"
	"estatebid/internal/redis/livestate"
	"estatebid/internal/repo/listingrepo"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// memStore keeps listings and the ledger in memory. CommitBid reads and
// writes in two separate steps, so without the service's critical section
// two concurrent callers could both pass the checks.
type memStore struct {
	mu       sync.Mutex
	listings map[string]listing.Listing
	bids     map[string][]listing.Bid // commit order

	commitErr error
	inFlight  atomic.Int32
	maxFlight atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{
		listings: make(map[string]listing.Listing),
		bids:     make(map[string][]listing.Bid),
	}
}

func (s *memStore) put(l listing.Listing) {
	s.mu.Lock()
	s.listings[l.ID] = l
	s.mu.Unlock()
}

func (s *memStore) ledger(id string) []listing.Bid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]listing.Bid(nil), s.bids[id]...)
}

func (s *memStore) listing(id string) listing.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listings[id]
}

func (s *memStore) Create(_ context.Context, l *listing.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[l.ID]; ok {
		return listingrepo.ErrDuplicate
	}
	s.listings[l.ID] = *l
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*listing.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, listingrepo.ErrNotFound
	}
	return &l, nil
}

func (s *memStore) History(_ context.Context, id string, limit uint64) ([]listing.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.bids[id]
	out := make([]listing.Bid, 0, len(all))
	for i := len(all) - 1; i >= 0 && uint64(len(out)) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *memStore) Winner(_ context.Context, id string) (*listing.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var w *listing.Bid
	for i := range s.bids[id] {
		b := s.bids[id][i]
		if w == nil || b.Amount.GreaterThan(w.Amount) {
			w = &b
		}
	}
	return w, nil
}

func (s *memStore) CommitBid(_ context.Context, id string, decide listingrepo.Decide) (*listing.Listing, *listing.Bid, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxFlight.Load()
		if n <= m || s.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}

	s.mu.Lock()
	if s.commitErr != nil {
		s.mu.Unlock()
		return nil, nil, s.commitErr
	}
	l, ok := s.listings[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil, listingrepo.ErrNotFound
	}
	l.CurrentHighestBid = decimal.NullDecimal{}
	for _, b := range s.bids[id] {
		if !l.CurrentHighestBid.Valid || b.Amount.GreaterThan(l.CurrentHighestBid.Decimal) {
			l.CurrentHighestBid = decimal.NewNullDecimal(b.Amount)
		}
	}
	s.mu.Unlock()

	runtime.Gosched()
	bid, deadline, err := decide(&l)
	if err != nil {
		return nil, nil, err
	}
	runtime.Gosched()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.listings[id]
	if deadline.After(cur.BiddingEndTime) {
		cur.BiddingEndTime = deadline
	}
	cur.CurrentHighestBid = decimal.NewNullDecimal(bid.Amount)
	s.listings[id] = cur
	s.bids[id] = append(s.bids[id], *bid)
	return &cur, bid, nil
}

// memLive records what the service pushes to the live cache.
type memLive struct {
	mu         sync.Mutex
	published  []listing.BidEvent
	ended      []listing.EndedEvent
	rearmed    map[string]time.Time
	snapshots  map[string]*livestate.Snapshot
	primed     []string
	publishErr error
	lockTaken  bool
}

func newMemLive() *memLive {
	return &memLive{rearmed: make(map[string]time.Time), snapshots: make(map[string]*livestate.Snapshot)}
}

func (m *memLive) PutSnapshot(_ context.Context, l *listing.Listing, _, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primed = append(m.primed, l.ID)
	return true, nil
}

func (m *memLive) PublishBid(_ context.Context, ev listing.BidEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, ev)
	return nil
}

func (m *memLive) PublishEnded(_ context.Context, ev listing.EndedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, ev)
	return nil
}

func (m *memLive) RearmTimer(_ context.Context, id string, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rearmed[id] = deadline
	return nil
}

func (m *memLive) Snapshot(_ context.Context, id string) (*livestate.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, false, errors.New("cache miss")
	}
	return s, true, nil
}

func (m *memLive) Lock(context.Context, string, time.Duration) (bool, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockTaken {
		return false, func() {}, nil
	}
	return true, func() {}, nil
}

func (m *memLive) events() []listing.BidEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]listing.BidEvent(nil), m.published...)
}

// recNotifier counts notifications; the service sends them asynchronously.
type recNotifier struct {
	bids  atomic.Int32
	ended atomic.Int32
}

func (r *recNotifier) BidAccepted(context.Context, listing.BidEvent) error {
	r.bids.Add(1)
	return nil
}

func (r *recNotifier) AuctionEnded(context.Context, listing.EndedEvent) error {
	r.ended.Add(1)
	return nil
}
