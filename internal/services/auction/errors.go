package auction

import (
	"errors"
	"net/http"
)

// Reason is the stable, client-visible code of a rejected bid.
type Reason string

const (
	ReasonUnauthorized     Reason = "Unauthorized"
	ReasonNotFound         Reason = "NotFound"
	ReasonSelfBid          Reason = "SelfBid"
	ReasonNotStarted       Reason = "AuctionNotStarted"
	ReasonAuctionEnded     Reason = "AuctionEnded"
	ReasonBidTooLow        Reason = "BidTooLow"
	ReasonBidNotHighEnough Reason = "BidNotHighEnough"
)

// RejectionError is an expected business outcome, not a failure.
type RejectionError struct {
	Reason  Reason
	Message string
}

func (e *RejectionError) Error() string { return e.Message }

// Status maps a rejection onto an HTTP status code.
func (e *RejectionError) Status() int {
	switch e.Reason {
	case ReasonUnauthorized:
		return http.StatusUnauthorized
	case ReasonNotFound:
		return http.StatusNotFound
	case ReasonSelfBid:
		return http.StatusForbidden
	default:
		return http.StatusConflict
	}
}

var (
	ErrUnauthorized     = &RejectionError{Reason: ReasonUnauthorized, Message: "sign in to place a bid"}
	ErrNotFound         = &RejectionError{Reason: ReasonNotFound, Message: "listing not found"}
	ErrSelfBid          = &RejectionError{Reason: ReasonSelfBid, Message: "sellers cannot bid on their own listing"}
	ErrNotStarted       = &RejectionError{Reason: ReasonNotStarted, Message: "bidding has not started yet"}
	ErrAuctionEnded     = &RejectionError{Reason: ReasonAuctionEnded, Message: "bidding time has ended"}
	ErrBidTooLow        = &RejectionError{Reason: ReasonBidTooLow, Message: "your bid must be higher than or equal to the starting price"}
	ErrBidNotHighEnough = &RejectionError{Reason: ReasonBidNotHighEnough, Message: "your bid must be higher than the current highest bid"}
)

var (
	ErrInvalidBid       = errors.New("invalid bid")
	ErrInvalidSchedule  = errors.New("invalid auction schedule")
	ErrAlreadyScheduled = errors.New("auction already scheduled for this listing")
	ErrRetryable        = errors.New("bid could not be committed, please retry")
)

// AsRejection unwraps a business rejection from err.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
