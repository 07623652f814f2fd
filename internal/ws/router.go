package ws

import (
	"context"
	"encoding/json"
	"errors"
	"estatebid/internal/services/auction"
)

var errUnknownEvent = errors.New("unknown_event")

// ConnContext is what a handler knows about the connection it serves.
type ConnContext struct {
	ListingID string
	Bidder    auction.Bidder
}

type eventHandler func(ctx context.Context, cc *ConnContext, body json.RawMessage) (any, error)

// Router maps client event names to handlers. It is filled once at start-up
// and read-only afterwards.
type Router struct {
	handlers map[string]eventHandler
}

func NewRouter() *Router { return &Router{handlers: make(map[string]eventHandler)} }

// Handle binds event to h. The request body is decoded into Req; a body
// that does not decode is answered with an Invalid error frame.
func Handle[Req, Res any](r *Router, event string, h func(context.Context, *ConnContext, Req) (Res, error)) {
	if event == "" {
		panic("ws router: empty event")
	}
	r.handlers[event] = func(ctx context.Context, cc *ConnContext, body json.RawMessage) (any, error) {
		var req Req
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, &decodeError{err}
			}
		}
		return h(ctx, cc, req)
	}
}

// serve runs the handler for env and builds the reply frame: "<event>-ack"
// on success, "error" otherwise. Both echo env.Ref.
func (r *Router) serve(ctx context.Context, cc *ConnContext, env Envelope) Envelope {
	h, ok := r.handlers[env.Event]
	if !ok {
		return Envelope{Event: EventError, Ref: env.Ref, Body: mustJSON(errorBody(errUnknownEvent))}
	}
	res, err := h(ctx, cc, env.Body)
	if err != nil {
		return Envelope{Event: EventError, Ref: env.Ref, Body: mustJSON(errorBody(err))}
	}
	out := Envelope{Event: env.Event + AckSuffix, Ref: env.Ref}
	if res != nil {
		out.Body = mustJSON(res)
	}
	return out
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "malformed body: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }
