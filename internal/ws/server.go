package ws

import (
	"context"
	"errors"
	"estatebid/internal/http/identity"
	"estatebid/internal/services/auction"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 12 * time.Second
	pingPeriod      = 3 * time.Second // must be < pongWait
	maxMessageSize  = 512
	snapshotTimeout = 4 * time.Second
	dispatchTimeout = 5 * time.Second
	snapshotBids    = 50
)

// Relay keeps this process subscribed to a listing's cross-instance topic
// while it has viewers.
type Relay interface {
	Subscribe(listingID string)
	Unsubscribe(listingID string)
}

type WsServer struct {
	hub        *Hub
	relay      Relay
	router     *Router
	upgrader   websocket.Upgrader
	auctionSvc auction.IAuctionService
}

func NewWsServer(h *Hub, relay Relay, auctionSvc auction.IAuctionService) *WsServer {
	srv := &WsServer{
		hub:    h,
		relay:  relay,
		router: NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true }, // dev-only
		},
		auctionSvc: auctionSvc,
	}
	srv.registerHandlers() // all WS endpoints configured here
	return srv
}

// ---------------------------------------------------------------------------
//  Public: Gin entry-point
// ---------------------------------------------------------------------------

// Handle joins the caller to a listing's topic. Anonymous viewers may watch;
// bidding requires an identity.
func (s *WsServer) Handle(ginCtx *gin.Context) {
	listingID := ginCtx.Query("listing_id")
	if listingID == "" {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": "listing_id is required"})
		return
	}

	raw, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.accept", zap.Error(err))
		return
	}
	raw.SetReadLimit(maxMessageSize)

	v := newViewerConn(raw, listingID, identity.FromContext(ginCtx))
	s.hub.Join(v)
	s.relay.Subscribe(listingID)

	// Taken after joining so no broadcast falls between snapshot and stream.
	if err := s.sendSnapshot(ginCtx.Request.Context(), v); err != nil {
		if errors.Is(err, auction.ErrNotFound) {
			s.hub.Leave(v)
			s.relay.Unsubscribe(listingID)
			return
		}
		zap.L().Warn("ws.snapshot", zap.String("listing", listingID), zap.Error(err))
	}

	go s.readLoop(v)
	go s.keepAlive(v)
}

func (s *WsServer) registerHandlers() {
	Handle(s.router, EventBid, func(ctx context.Context, cc *ConnContext, req BidRequest) (BidAck, error) {
		acc, err := s.auctionSvc.PlaceBid(ctx, cc.Bidder, cc.ListingID, req.Amount)
		if err != nil {
			return BidAck{}, err
		}
		return BidAck{Accepted: true, NewHighest: acc.NewHighest, NewDeadline: acc.NewDeadline}, nil
	})
}

func (s *WsServer) sendSnapshot(ctx context.Context, v *viewerConn) error {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	view, err := s.auctionSvc.GetListing(ctx, v.listingID)
	if err != nil {
		_ = v.reply(Envelope{Event: EventError, Body: mustJSON(errorBody(err))})
		return err
	}
	bids, err := s.auctionSvc.ListBids(ctx, v.listingID, snapshotBids)
	if err != nil {
		return err
	}
	return v.reply(Envelope{Event: EventSnapshot, Body: mustJSON(SnapshotBody{Listing: view, Bids: bids})})
}

// readLoop serves requests one at a time until the peer goes away, then
// releases the viewer's hub slot and relay reference.
func (s *WsServer) readLoop(v *viewerConn) {
	defer func() {
		s.hub.Leave(v)
		s.relay.Unsubscribe(v.listingID)
	}()

	extend := func(string) error { return v.ws.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend("")
	v.ws.SetPongHandler(extend)

	cc := &ConnContext{ListingID: v.listingID, Bidder: v.bidder}
	for {
		var env Envelope
		if err := v.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.L().Debug("ws.read", zap.String("listing", v.listingID), zap.Error(err))
			}
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		out := s.router.serve(ctx, cc, env)
		cancel()
		if err := v.reply(out); err != nil {
			return
		}
	}
}

func (s *WsServer) keepAlive(v *viewerConn) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-v.done:
			return
		case <-t.C:
			if v.ping() != nil {
				v.close()
				return
			}
		}
	}
}

func errorBody(err error) ErrorBody {
	body := ErrorBody{Error: err.Error()}
	var de *decodeError
	switch rej, ok := auction.AsRejection(err); {
	case ok:
		body.Reason = string(rej.Reason)
	case errors.Is(err, auction.ErrInvalidBid), errors.As(err, &de):
		body.Reason = "Invalid"
	case errors.Is(err, auction.ErrRetryable):
		body.Reason = "Retryable"
	case errors.Is(err, errUnknownEvent):
		body.Reason = "UnknownEvent"
	default:
		body.Reason = "Internal"
	}
	return body
}
