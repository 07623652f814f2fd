package ws

import (
	"encoding/json"
	"estatebid/internal/listing"
	"estatebid/internal/services/auction"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventSnapshot = "listings/snapshot"
	EventBid      = "listings/bid"
	EventEnded    = "listings/ended"
	EventError    = "error"
	AckSuffix     = "-ack"
)

// Envelope wraps every WS frame. Ref is chosen by the client and echoed on
// the reply so requests and replies can be paired; broadcasts carry none.
type Envelope struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// BidRequest is the body for "listings/bid".
type BidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BidAck is the body of "listings/bid-ack".
type BidAck struct {
	Accepted    bool            `json:"accepted"`
	NewHighest  decimal.Decimal `json:"new_highest"`
	NewDeadline time.Time       `json:"new_deadline"`
}

// ErrorBody is returned for failures. Reason is one of the auction reason
// codes, or Invalid / Retryable / UnknownEvent.
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// SnapshotBody is pushed once when a viewer joins.
type SnapshotBody struct {
	Listing *auction.ListingView `json:"listing"`
	Bids    []listing.Bid        `json:"bids"`
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
