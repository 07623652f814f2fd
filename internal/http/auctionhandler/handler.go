package auctionhandler

import (
	"errors"
	"estatebid/internal/http/identity"
	"estatebid/internal/services/auction"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc auction.IAuctionService
}

func New(svc auction.IAuctionService) *Handler { return &Handler{svc: svc} }

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/listings/:id", h.info)
	r.GET("/listings/:id/bids", h.bids)
	r.POST("/listings/:id/auction", identity.Require(), h.schedule)
	r.POST("/listings/:id/bids", h.bid)
}

// @Summary		Get listing auction state
// @Description	Returns the auction snapshot of a listing with its derived phase.
// @Tags			Listings
// @Param			id	path		string	true	"Listing ID"	default(lst123)
// @Success		200	{object}	auction.ListingView
// @Failure		404	{object}	ErrorResponse
// @Router			/listings/{id} [get]
func (h *Handler) info(c *gin.Context) {
	view, err := h.svc.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// @Summary		List bids
// @Description	Bid history of a listing, newest first.
// @Tags			Listings
// @Param			id		path		string	true	"Listing ID"			default(lst123)
// @Param			limit	query		int		false	"Max results (0‑100)"	minimum(0)	maximum(100)	default(50)
// @Success		200		{array}		listing.Bid
// @Failure		400		{object}	ErrorResponse
// @Failure		404		{object}	ErrorResponse
// @Router			/listings/{id}/bids [get]
func (h *Handler) bids(c *gin.Context) {
	var q ListBidsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	out, err := h.svc.ListBids(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Schedule an auction
// @Description	Seller opens the auction of a listing at a date and local time of day.
// @Tags			Listings
// @Param			id		path		string				true	"Listing ID"	default(lst123)
// @Param			body	body		ScheduleAuctionBody	true	"Schedule payload"
// @Success		201		{object}	auction.ListingView
// @Failure		400		{object}	ErrorResponse
// @Failure		409		{object}	ErrorResponse
// @Router			/listings/{id}/auction [post]
func (h *Handler) schedule(ginCtx *gin.Context) {
	var body ScheduleAuctionBody
	if err := ginCtx.ShouldBindJSON(&body); err != nil {
		ginCtx.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}
	date, _ := time.Parse(time.DateOnly, body.BiddingDate) // format checked by binding

	view, err := h.svc.ScheduleAuction(ginCtx.Request.Context(), auction.ScheduleInput{
		ListingID:        ginCtx.Param("id"),
		SellerID:         identity.FromContext(ginCtx).ID,
		StartPrice:       body.StartPrice,
		BiddingDate:      date,
		BiddingStartTime: body.BiddingStartTime,
	})
	if err != nil {
		writeError(ginCtx, err)
		return
	}
	ginCtx.JSON(http.StatusCreated, view)
}

// @Summary		Place a bid
// @Description	Authenticated bidder offers an amount. Rejections carry a reason code.
// @Tags			Listings
// @Param			id		path		string			true	"Listing ID"	default(lst123)
// @Param			body	body		PlaceBidBody	true	"Bid payload"
// @Success		201		{object}	BidAcceptedResponse
// @Failure		400		{object}	ErrorResponse
// @Failure		401		{object}	BidRejectedResponse
// @Failure		403		{object}	BidRejectedResponse
// @Failure		404		{object}	BidRejectedResponse
// @Failure		409		{object}	BidRejectedResponse
// @Failure		503		{object}	ErrorResponse
// @Router			/listings/{id}/bids [post]
func (h *Handler) bid(ginCtx *gin.Context) {
	var body PlaceBidBody
	if err := ginCtx.ShouldBindJSON(&body); err != nil {
		ginCtx.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}

	acc, err := h.svc.PlaceBid(ginCtx.Request.Context(),
		identity.FromContext(ginCtx),
		ginCtx.Param("id"),
		body.Amount,
	)
	if err != nil {
		writeError(ginCtx, err)
		return
	}
	ginCtx.JSON(http.StatusCreated, BidAcceptedResponse{
		Accepted:    true,
		BidID:       acc.Bid.ID.String(),
		NewHighest:  acc.NewHighest,
		NewDeadline: acc.NewDeadline,
	})
}

func writeError(c *gin.Context, err error) {
	if rej, ok := auction.AsRejection(err); ok {
		c.JSON(rej.Status(), BidRejectedResponse{
			ReasonCode: string(rej.Reason),
			Error:      rej.Error(),
		})
		return
	}
	switch {
	case errors.Is(err, auction.ErrInvalidBid), errors.Is(err, auction.ErrInvalidSchedule):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, auction.ErrAlreadyScheduled):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, auction.ErrRetryable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: auction.ErrRetryable.Error(), Retryable: true})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}
