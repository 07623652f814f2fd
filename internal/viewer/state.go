// Package viewer is the client side of a listing's live auction: it keeps
// a local copy of the auction state, fed by the join snapshot and the
// listing's broadcast events, and submits bids over the same socket.
package viewer

import (
	"errors"
	"estatebid/internal/auctionclock"
	"estatebid/internal/listing"
	"estatebid/internal/services/auction"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotNumeric = errors.New("amount must be a positive number with at most two decimals")

// Rejection is a refused bid. Local rejections come from the pre-check
// and never reached the server.
type Rejection struct {
	Reason  auction.Reason
	Message string
	Local   bool
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return string(r.Reason)
	}
	return r.Message
}

// State is the local view of one listing. Its methods are pure; the
// Session serialises access.
type State struct {
	ListingID         string
	SellerID          string
	StartPrice        decimal.Decimal
	Highest           decimal.NullDecimal
	HighestBidderName string
	Start             time.Time
	Deadline          time.Time
	History           []listing.Bid // newest first

	// Closed is set once the server announced the end of the auction.
	Closed     bool
	WinnerName string

	Phase     auctionclock.Phase
	Remaining auctionclock.Countdown
}

// ApplySnapshot initialises the state from the join snapshot. A snapshot
// can be older than an event already applied, so highest and deadline
// never move backwards and history is merged by bid id.
func (s *State) ApplySnapshot(v *auction.ListingView, bids []listing.Bid) {
	s.ListingID = v.ID
	s.SellerID = v.SellerID
	s.StartPrice = v.StartPrice
	s.Start = v.BiddingStart
	if v.BiddingEndTime.After(s.Deadline) {
		s.Deadline = v.BiddingEndTime
	}
	if v.CurrentHighestBid.Valid {
		s.raiseHighest(v.CurrentHighestBid.Decimal, v.HighestBidderName)
	}

	merged := make([]listing.Bid, 0, len(bids)+len(s.History))
	seen := make(map[uuid.UUID]struct{}, len(bids)+len(s.History))
	for _, b := range s.History {
		seen[b.ID] = struct{}{}
		merged = append(merged, b)
	}
	for _, b := range bids {
		if _, ok := seen[b.ID]; ok {
			continue
		}
		seen[b.ID] = struct{}{}
		merged = append(merged, b)
	}
	sortNewestFirst(merged)
	s.History = merged
}

// ApplyBid folds a broadcast bid into the state: highest becomes the max of
// the local value and the event amount, the bid is prepended to the history
// and the deadline is replaced by the event's.
func (s *State) ApplyBid(ev listing.BidEvent) {
	s.raiseHighest(ev.Amount, ev.BidderName)
	s.Deadline = ev.NewDeadline

	id, err := uuid.Parse(ev.BidID)
	if err == nil {
		for _, b := range s.History {
			if b.ID == id {
				return
			}
		}
	}
	s.History = append([]listing.Bid{{
		ID:         id,
		ListingID:  ev.ListingID,
		BidderID:   ev.BidderID,
		BidderName: ev.BidderName,
		Amount:     ev.Amount,
		CreatedAt:  ev.CreatedAt,
	}}, s.History...)
}

// ApplyAck records the outcome of our own accepted bid. The matching
// broadcast may arrive before or after it.
func (s *State) ApplyAck(highest decimal.Decimal, deadline time.Time, bidderName string) {
	s.raiseHighest(highest, bidderName)
	if deadline.After(s.Deadline) {
		s.Deadline = deadline
	}
}

func (s *State) ApplyEnded(ev listing.EndedEvent) {
	s.Closed = true
	s.WinnerName = ev.WinnerName
	if ev.Amount.Valid {
		s.raiseHighest(ev.Amount.Decimal, ev.WinnerName)
	}
}

// Tick recomputes phase and remaining time from local state only.
func (s *State) Tick(now time.Time) auctionclock.State {
	st := auctionclock.Evaluate(s.Start, s.Deadline, now)
	if s.Closed {
		st = auctionclock.State{Phase: auctionclock.Ended}
	}
	s.Phase = st.Phase
	s.Remaining = auctionclock.Breakdown(st.Remaining)
	return st
}

// PreCheck parses amount and rejects it early when it cannot win against
// what is displayed. The server decides; this only saves a round trip.
func (s *State) PreCheck(amount string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrNotNumeric, amount)
	}
	if !listing.ValidBidAmount(d) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrNotNumeric, amount)
	}
	if s.Closed {
		return d, &Rejection{Reason: auction.ReasonAuctionEnded, Message: auction.ErrAuctionEnded.Message, Local: true}
	}
	if s.Highest.Valid {
		if !d.GreaterThan(s.Highest.Decimal) {
			return d, &Rejection{Reason: auction.ReasonBidNotHighEnough, Message: auction.ErrBidNotHighEnough.Message, Local: true}
		}
		return d, nil
	}
	if d.LessThan(s.StartPrice) {
		return d, &Rejection{Reason: auction.ReasonBidTooLow, Message: auction.ErrBidTooLow.Message, Local: true}
	}
	return d, nil
}

func (s *State) raiseHighest(amount decimal.Decimal, bidderName string) {
	if s.Highest.Valid {
		switch amount.Cmp(s.Highest.Decimal) {
		case -1:
			return
		case 0:
			if s.HighestBidderName == "" {
				s.HighestBidderName = bidderName
			}
			return
		}
	}
	s.Highest = decimal.NewNullDecimal(amount)
	s.HighestBidderName = bidderName
}

func (s State) clone() State {
	s.History = append([]listing.Bid(nil), s.History...)
	return s
}

// sortNewestFirst orders by creation time, higher amount first on ties.
func sortNewestFirst(bids []listing.Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		a, b := bids[i], bids[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Amount.GreaterThan(b.Amount)
	})
}
