package listing

import (
	"estatebid/internal/auctionclock"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Listing is the auction-relevant part of a property record.
type Listing struct {
	ID                string              `json:"id"`
	SellerID          string              `json:"seller_id"`
	StartPrice        decimal.Decimal     `json:"start_price"`
	CurrentHighestBid decimal.NullDecimal `json:"current_highest_bid"`
	BiddingDate       time.Time           `json:"bidding_date"`
	BiddingStartTime  string              `json:"bidding_start_time" example:"18:30"`
	BiddingStart      time.Time           `json:"bidding_start"`
	BiddingEndTime    time.Time           `json:"bidding_end_time"`
	CreatedAt         time.Time           `json:"created_at"`
}

// Clock evaluates the auction phase at now.
func (l *Listing) Clock(now time.Time) auctionclock.State {
	return auctionclock.Evaluate(l.BiddingStart, l.BiddingEndTime, now)
}

// MinimumBid is what a bidder has to beat: the current highest bid when
// one exists (strictly), the start price otherwise (inclusively).
func (l *Listing) MinimumBid() decimal.Decimal {
	if l.CurrentHighestBid.Valid {
		return l.CurrentHighestBid.Decimal
	}
	return l.StartPrice
}

// AmountScale is the number of decimal places the ledger keeps. Amounts are
// stored as NUMERIC(18, 2), so anything finer would be rounded on insert.
const AmountScale = 2

var amountLimit = decimal.New(1, 18-AmountScale)

// Storable reports whether d is a non-negative amount that round-trips
// through the ledger unchanged.
func Storable(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Equal(d.Truncate(AmountScale)) && d.LessThan(amountLimit)
}

// ValidBidAmount is Storable and strictly positive.
func ValidBidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && Storable(d)
}

// Bid is an immutable ledger entry.
type Bid struct {
	ID         uuid.UUID       `json:"id"`
	ListingID  string          `json:"listing_id"`
	BidderID   string          `json:"bidder_id"`
	BidderName string          `json:"bidder_name"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
}

// BidEvent is broadcast to every viewer of a listing after a bid commits.
type BidEvent struct {
	ListingID   string          `json:"listing_id"`
	BidID       string          `json:"bid_id"`
	BidderName  string          `json:"bidder_name"`
	BidderID    string          `json:"bidder_id"`
	Amount      decimal.Decimal `json:"amount"`
	NewDeadline time.Time       `json:"new_deadline"`
	CreatedAt   time.Time       `json:"created_at"`
}

func NewBidEvent(b *Bid, deadline time.Time) BidEvent {
	return BidEvent{
		ListingID:   b.ListingID,
		BidID:       b.ID.String(),
		BidderName:  b.BidderName,
		BidderID:    b.BidderID,
		Amount:      b.Amount,
		NewDeadline: deadline,
		CreatedAt:   b.CreatedAt,
	}
}

// EndedEvent announces the close of an auction. Winner fields are empty
// when nobody bid.
type EndedEvent struct {
	ListingID  string              `json:"listing_id"`
	WinnerID   string              `json:"winner_id,omitempty"`
	WinnerName string              `json:"winner_name,omitempty"`
	Amount     decimal.NullDecimal `json:"amount"`
	EndedAt    time.Time           `json:"ended_at"`
}

// Event kinds as they travel on the listing topic.
const (
	KindBid   = "bid"
	KindEnded = "ended"
)
