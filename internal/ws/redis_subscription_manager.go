package ws

import (
	"context"
	"encoding/json"
	"estatebid/internal/redis/livestate"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SubscriptionManager guarantees that we have **exactly one** Redis
// subscription per "lst:<id>:events" channel, no matter how many websocket
// clients join the same listing. One relay goroutine per listing keeps the
// publish order of that listing.
type SubscriptionManager struct {
	subscribe func(ctx context.Context, channel string) pubsub
	sink      broadcaster
	mu        sync.Mutex
	subs      map[string]*subEntry // listingID -> subscription data
}

// pubsub is the part of *redis.PubSub the relay uses.
type pubsub interface {
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type broadcaster interface {
	Publish(listingID string, frame []byte)
}

type subEntry struct {
	refCnt int
	cancel context.CancelFunc
}

func NewSubscriptionManager(rdb *redis.Client, hub *Hub) *SubscriptionManager {
	return newSubscriptionManager(func(ctx context.Context, channel string) pubsub {
		return rdb.Subscribe(ctx, channel)
	}, hub)
}

func newSubscriptionManager(subscribe func(context.Context, string) pubsub, sink broadcaster) *SubscriptionManager {
	return &SubscriptionManager{
		subscribe: subscribe,
		sink:      sink,
		subs:      make(map[string]*subEntry),
	}
}

// Subscribe ensures that the process is subscribed to the listing's channel;
// subsequent calls for the same listing only increment the ref-counter.
func (sm *SubscriptionManager) Subscribe(listingID string) {
	sm.mu.Lock()
	if e, ok := sm.subs[listingID]; ok {
		e.refCnt++
		sm.mu.Unlock()
		return
	}

	// First consumer -> create Redis SUB and fan-out loop.
	ctx, cancel := context.WithCancel(context.Background())
	ps := sm.subscribe(ctx, livestate.Channel(listingID))

	sm.subs[listingID] = &subEntry{refCnt: 1, cancel: cancel}
	sm.mu.Unlock()

	go func() {
		defer ps.Close()

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok { // Redis connection closed.
					return
				}
				wrapped, err := wrapRedisEvent(m.Payload)
				if err != nil {
					zap.L().Warn("ws.wrap_event_failed", zap.String("listing", listingID), zap.Error(err))
					continue
				}
				sm.sink.Publish(listingID, wrapped)
			}
		}
	}()
}

// Unsubscribe decrements the ref-counter and tears the Redis SUB down when the
// last websocket client leaves the listing.
func (sm *SubscriptionManager) Unsubscribe(listingID string) {
	sm.mu.Lock()
	e, ok := sm.subs[listingID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	e.refCnt--
	if e.refCnt > 0 {
		sm.mu.Unlock()
		return
	}
	delete(sm.subs, listingID)
	sm.mu.Unlock()

	// Outside the lock -> stop the fan-out goroutine.
	e.cancel()
}

// Close stops every relay.
func (sm *SubscriptionManager) Close() {
	sm.mu.Lock()
	subs := sm.subs
	sm.subs = make(map[string]*subEntry)
	sm.mu.Unlock()
	for _, e := range subs {
		e.cancel()
	}
}

// wrapRedisEvent turns
//
//	{"event":"bid","listing_id":"l1","amount":"150000",...}
//
// into
//
//	{"event":"listings/bid","body":{"listing_id":"l1","amount":"150000",...}}
func wrapRedisEvent(payload string) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, err
	}

	var evt string
	if v, ok := raw["event"]; ok {
		_ = json.Unmarshal(v, &evt)
	}
	if evt == "" {
		evt = "unknown"
	}
	delete(raw, "event") // Avoid duplication inside "body".

	body, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: "listings/" + evt, Body: body})
}
