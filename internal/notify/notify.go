// Package notify hands auction outcomes to downstream collaborators
// (deal tracking, transactional email) over NATS JetStream.
package notify

import (
	"context"
	"encoding/json"
	"estatebid/internal/listing"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	StreamName    = "LISTING_EVENTS"
	subjectPrefix = "listing.events."
)

type Notifier interface {
	BidAccepted(ctx context.Context, ev listing.BidEvent) error
	AuctionEnded(ctx context.Context, ev listing.EndedEvent) error
}

// Subject is "listing.events.<kind>.<listing id>".
func Subject(kind, listingID string) string {
	return subjectPrefix + kind + "." + listingID
}

// Nop drops every event. Used when NATS_URL is not configured.
type Nop struct{}

func (Nop) BidAccepted(context.Context, listing.BidEvent) error     { return nil }
func (Nop) AuctionEnded(context.Context, listing.EndedEvent) error { return nil }

// publisher is the subset of jetstream.JetStream used here.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type JetStream struct {
	nc *nats.Conn
	js publisher
}

// Connect dials NATS and makes sure the stream exists.
func Connect(ctx context.Context, url string) (*JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("estatebid"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Accepted bids and closed auctions",
		Subjects:    []string{subjectPrefix + ">"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}
	zap.L().Info("notify.stream_ready", zap.String("stream", StreamName))
	return &JetStream{nc: nc, js: js}, nil
}

func (j *JetStream) BidAccepted(ctx context.Context, ev listing.BidEvent) error {
	return j.publish(ctx, Subject(listing.KindBid, ev.ListingID), ev)
}

func (j *JetStream) AuctionEnded(ctx context.Context, ev listing.EndedEvent) error {
	return j.publish(ctx, Subject(listing.KindEnded, ev.ListingID), ev)
}

func (j *JetStream) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ack, err := j.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	zap.L().Debug("notify.published", zap.String("subject", subject), zap.Uint64("seq", ack.Sequence))
	return nil
}

func (j *JetStream) Close() {
	if j.nc != nil {
		_ = j.nc.Drain()
	}
}
