package auctionhandler

import (
	"time"

	"github.com/shopspring/decimal"
)

type ScheduleAuctionBody struct {
	StartPrice       decimal.Decimal `json:"start_price"                                                  swaggertype:"string" example:"100000"`
	BiddingDate      string          `json:"bidding_date"       binding:"required,datetime=2006-01-02" example:"2025-07-27"`
	BiddingStartTime string          `json:"bidding_start_time" binding:"required,datetime=15:04"      example:"18:30"`
} // @name ScheduleAuctionRequest

type PlaceBidBody struct {
	Amount decimal.Decimal `json:"amount" swaggertype:"string" example:"150000"`
} // @name PlaceBidRequest

type BidAcceptedResponse struct {
	Accepted    bool            `json:"accepted"     example:"true"`
	BidID       string          `json:"bid_id"`
	NewHighest  decimal.Decimal `json:"new_highest"  swaggertype:"string" example:"150000"`
	NewDeadline time.Time       `json:"new_deadline" example:"2025-07-27T16:05:05Z"`
} // @name BidAcceptedResponse

type BidRejectedResponse struct {
	Accepted   bool   `json:"accepted"    example:"false"`
	ReasonCode string `json:"reason_code" example:"BidNotHighEnough"`
	Error      string `json:"error"`
} // @name BidRejectedResponse

type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
} // @name ErrorResponse

type ListBidsQuery struct {
	Limit uint64 `form:"limit,default=50" binding:"lte=100"`
} // @name ListBidsQuery
