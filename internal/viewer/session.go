package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"estatebid/internal/auctionclock"
	"estatebid/internal/listing"
	"estatebid/internal/services/auction"
	"estatebid/internal/ws"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	tickInterval = time.Second
	writeWait    = 5 * time.Second
)

var (
	// ErrRetry is returned when a bid could not be delivered or the server
	// could not commit it. Submitting again is safe.
	ErrRetry  = errors.New("connection problem, please try again")
	ErrClosed = errors.New("viewer session closed")
)

type Options struct {
	// URL of the socket endpoint, e.g. ws://localhost:8085/ws.
	URL       string
	ListingID string
	// Header carries the caller identity; see identity.Header.
	Header http.Header
	Clock  clockwork.Clock
	Dialer *websocket.Dialer
	// OnChange receives a copy of the state after every update and tick.
	// It must not call Close.
	OnChange func(State)
}

type reply struct {
	env ws.Envelope
	err error
}

// Session is one mounted viewer of a listing.
type Session struct {
	conn     *websocket.Conn
	clk      clockwork.Clock
	onChange func(State)

	mu    sync.Mutex
	state State

	writeMu sync.Mutex
	seq     atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan reply

	ticking atomic.Bool

	notifyMu sync.Mutex
	ready    chan error
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
	err      error
	wg       sync.WaitGroup
}

// Dial joins the listing's topic and returns once the join snapshot has
// been applied.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.ListingID == "" {
		return nil, errors.New("viewer: listing id is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("viewer: bad url: %w", err)
	}
	q := u.Query()
	q.Set("listing_id", opts.ListingID)
	u.RawQuery = q.Encode()

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %s", ErrRetry, u.Redacted(), resp.Status)
		}
		return nil, fmt.Errorf("%w: %w", ErrRetry, err)
	}

	s := &Session{
		conn:     conn,
		clk:      opts.Clock,
		onChange: opts.OnChange,
		pending:  make(map[string]chan reply),
		ready:    make(chan error, 1),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.reader()

	select {
	case err := <-s.ready:
		if err != nil {
			s.Close()
			return nil, err
		}
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	case <-s.done:
		s.wg.Wait()
		// the server may hang up right after refusing the join
		select {
		case err := <-s.ready:
			if err != nil {
				return nil, err
			}
		default:
		}
		return nil, s.Err()
	}

	s.wg.Add(1)
	go s.countdown()
	return s, nil
}

// State returns a copy of the current local state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Submit pre-checks amount against the displayed state, sends it and waits
// for the server's verdict. Business refusals come back as *Rejection.
func (s *Session) Submit(ctx context.Context, amount string) (*ws.BidAck, error) {
	s.mu.Lock()
	value, err := s.state.PreCheck(amount)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ref := strconv.FormatUint(s.seq.Add(1), 10)
	ch := make(chan reply, 1)
	s.pendingMu.Lock()
	s.pending[ref] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, ref)
		s.pendingMu.Unlock()
	}()

	body, err := json.Marshal(ws.BidRequest{Amount: value})
	if err != nil {
		return nil, err
	}
	if err := s.write(ws.Envelope{Event: ws.EventBid, Ref: ref, Body: body}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetry, err)
	}

	var r reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrRetry, ctx.Err())
	case <-s.done:
		return nil, fmt.Errorf("%w: %w", ErrRetry, ErrClosed)
	}
	if r.err != nil {
		return nil, r.err
	}

	var ack ws.BidAck
	if err := json.Unmarshal(r.env.Body, &ack); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetry, err)
	}
	s.update(func(st *State) {
		st.ApplyAck(ack.NewHighest, ack.NewDeadline, "")
	})
	return &ack, nil
}

// Err reports why the session stopped, nil after a plain Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close leaves the topic and waits for the session goroutines.
func (s *Session) Close() {
	s.shutdown(nil)
	s.wg.Wait()
}

func (s *Session) shutdown(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		close(s.done)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *Session) write(env ws.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}

func (s *Session) reader() {
	defer s.wg.Done()
	joined := false
	for {
		var env ws.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			select {
			case <-s.done:
			default:
				zap.L().Debug("viewer.read", zap.Error(err))
			}
			if !joined {
				s.ready <- fmt.Errorf("%w: %w", ErrRetry, err)
			}
			s.shutdown(err)
			return
		}

		if env.Ref != "" {
			s.resolve(env)
			continue
		}

		switch env.Event {
		case ws.EventSnapshot:
			var body struct {
				Listing auction.ListingView `json:"listing"`
				Bids    []listing.Bid       `json:"bids"`
			}
			if err := json.Unmarshal(env.Body, &body); err != nil {
				zap.L().Warn("viewer.bad_snapshot", zap.Error(err))
				continue
			}
			s.update(func(st *State) { st.ApplySnapshot(&body.Listing, body.Bids) })
			if !joined {
				joined = true
				s.ready <- nil
			}
		case ws.EventBid:
			var ev listing.BidEvent
			if err := json.Unmarshal(env.Body, &ev); err != nil {
				zap.L().Warn("viewer.bad_event", zap.Error(err))
				continue
			}
			s.update(func(st *State) { st.ApplyBid(ev) })
		case ws.EventEnded:
			var ev listing.EndedEvent
			if err := json.Unmarshal(env.Body, &ev); err != nil {
				zap.L().Warn("viewer.bad_event", zap.Error(err))
				continue
			}
			s.update(func(st *State) { st.ApplyEnded(ev) })
		case ws.EventError:
			if !joined {
				joined = true
				s.ready <- replyError(env)
			}
		}
	}
}

func (s *Session) resolve(env ws.Envelope) {
	s.pendingMu.Lock()
	ch, ok := s.pending[env.Ref]
	s.pendingMu.Unlock()
	if !ok {
		return // caller gave up
	}
	r := reply{env: env}
	if env.Event == ws.EventError {
		r.err = replyError(env)
	}
	ch <- r
}

func replyError(env ws.Envelope) error {
	var body ws.ErrorBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return fmt.Errorf("%w: %w", ErrRetry, err)
	}
	switch reason := auction.Reason(body.Reason); reason {
	case auction.ReasonUnauthorized, auction.ReasonNotFound, auction.ReasonSelfBid,
		auction.ReasonNotStarted, auction.ReasonAuctionEnded,
		auction.ReasonBidTooLow, auction.ReasonBidNotHighEnough:
		return &Rejection{Reason: reason, Message: body.Error}
	case "Invalid":
		return fmt.Errorf("%w: %s", ErrNotNumeric, body.Error)
	default:
		return fmt.Errorf("%w: %s", ErrRetry, body.Error)
	}
}

// update applies fn, re-evaluates the clock and wakes the countdown so it
// can stop or restart.
func (s *Session) update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.state.Tick(s.clk.Now())
	snap := s.state.clone()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.emit(snap)
}

func (s *Session) tick() auctionclock.Phase {
	s.mu.Lock()
	st := s.state.Tick(s.clk.Now())
	snap := s.state.clone()
	s.mu.Unlock()
	s.emit(snap)
	return st.Phase
}

func (s *Session) phase() auctionclock.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase
}

func (s *Session) emit(st State) {
	if s.onChange == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.onChange(st)
}

// countdown ticks once per second until the local clock reaches the
// deadline, then sleeps until an event moves the deadline forward.
func (s *Session) countdown() {
	defer s.wg.Done()
	for {
		if s.tick() != auctionclock.Ended {
			if !s.runTicker() {
				return
			}
		}
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
	}
}

// runTicker returns false when the session stopped.
func (s *Session) runTicker() bool {
	t := s.clk.NewTicker(tickInterval)
	s.ticking.Store(true)
	defer func() {
		t.Stop()
		s.ticking.Store(false)
	}()
	for {
		select {
		case <-s.done:
			return false
		case <-s.wake:
			if s.phase() == auctionclock.Ended {
				return true
			}
		case <-t.Chan():
			if s.tick() == auctionclock.Ended {
				return true
			}
		}
	}
}
