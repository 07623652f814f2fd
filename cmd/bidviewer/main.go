// Command bidviewer follows one listing's auction in the terminal and
// places bids typed on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"estatebid/internal/http/identity"
	"estatebid/internal/services/auction"
	"estatebid/internal/viewer"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	var (
		addr      = pflag.StringP("url", "u", "ws://localhost:8085/ws", "websocket endpoint")
		listingID = pflag.StringP("listing", "l", "", "listing id to follow (required)")
		userID    = pflag.String("user-id", "", "bidder id; empty watches anonymously")
		userName  = pflag.String("user-name", "", "bidder display name")
		timeout   = pflag.Duration("timeout", 10*time.Second, "per-request timeout")
		verbose   = pflag.BoolP("verbose", "v", false, "debug logging")
	)
	pflag.Parse()

	logCfg := zap.NewDevelopmentConfig()
	if !*verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	log, _ := logCfg.Build()
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if *listingID == "" {
		fmt.Fprintln(os.Stderr, "bidviewer: --listing is required")
		pflag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *addr, *listingID, auction.Bidder{ID: *userID, DisplayName: *userName}, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "bidviewer:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, listingID string, me auction.Bidder, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last string
	sess, err := viewer.Dial(dialCtx, viewer.Options{
		URL:       addr,
		ListingID: listingID,
		Header:    identity.Header(me),
		OnChange: func(st viewer.State) {
			line := render(st)
			if line != last {
				fmt.Println(line)
				last = line
			}
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return sess.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			submit(ctx, sess, line, timeout)
		}
	}
}

func submit(ctx context.Context, sess *viewer.Session, amount string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ack, err := sess.Submit(ctx, amount)
	var rej *viewer.Rejection
	switch {
	case err == nil:
		fmt.Printf("bid accepted: %s, deadline %s\n", ack.NewHighest, ack.NewDeadline.Local().Format(time.TimeOnly))
	case errors.As(err, &rej):
		fmt.Printf("bid rejected (%s): %s\n", rej.Reason, rej.Error())
	case errors.Is(err, viewer.ErrNotNumeric):
		fmt.Println("enter a positive number")
	default:
		fmt.Println("could not place the bid, try again:", err)
	}
}

func render(st viewer.State) string {
	highest := "no bids yet, starting at " + st.StartPrice.String()
	if st.Highest.Valid {
		highest = st.Highest.Decimal.String()
		if st.HighestBidderName != "" {
			highest += " by " + st.HighestBidderName
		}
	}
	switch {
	case st.Closed && st.WinnerName != "":
		return fmt.Sprintf("[%s] sold to %s for %s", st.ListingID, st.WinnerName, st.Highest.Decimal)
	case st.Closed:
		return fmt.Sprintf("[%s] ended without bids", st.ListingID)
	}
	return fmt.Sprintf("[%s] %s | highest %s | %s", st.ListingID, st.Phase, highest, st.Remaining)
}
