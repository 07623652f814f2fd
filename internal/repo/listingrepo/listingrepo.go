package listingrepo

import (
	"context"
	"database/sql"
	"errors"
	"estatebid/internal/listing"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("listing not found")
	ErrDuplicate = errors.New("listing auction already scheduled")
)

const uniqueViolation = "23505"

var listingColumns = []string{
	"id", "seller_id", "start_price", "current_highest_bid",
	"bidding_date", "bidding_start_time", "bidding_start", "bidding_end_time", "created_at",
}

var bidColumns = []string{"id", "listing_id", "bidder_id", "bidder_name", "amount", "created_at"}

// Decide inspects the locked listing (CurrentHighestBid already recomputed
// from the ledger) and returns the bid to append plus the new deadline, or
// an error that aborts the transaction.
type Decide func(l *listing.Listing) (*listing.Bid, time.Time, error)

type Repo struct {
	db *sql.DB
	sb squirrel.StatementBuilderType
}

func New(db *sql.DB) *Repo {
	return &Repo{
		db: db,
		sb: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (r *Repo) Create(ctx context.Context, l *listing.Listing) error {
	q, args, err := r.sb.
		Insert("listings").
		Columns(listingColumns...).
		Values(l.ID, l.SellerID, l.StartPrice, l.CurrentHighestBid,
			l.BiddingDate, l.BiddingStartTime, l.BiddingStart, l.BiddingEndTime, l.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id string) (*listing.Listing, error) {
	q, args, err := r.sb.Select(listingColumns...).From("listings").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	return scanListing(r.db.QueryRowContext(ctx, q, args...))
}

// History returns the listing's bids newest first.
func (r *Repo) History(ctx context.Context, id string, limit uint64) ([]listing.Bid, error) {
	qb := r.sb.Select(bidColumns...).From("bids").
		Where(squirrel.Eq{"listing_id": id}).
		OrderBy("created_at DESC", "amount DESC")
	if limit > 0 {
		qb = qb.Limit(limit)
	}
	q, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]listing.Bid, 0, limit)
	for rows.Next() {
		var b listing.Bid
		if err := rows.Scan(&b.ID, &b.ListingID, &b.BidderID, &b.BidderName, &b.Amount, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Winner is the highest bid, the earliest one on a tie. nil when nobody bid.
func (r *Repo) Winner(ctx context.Context, id string) (*listing.Bid, error) {
	q, args, err := r.sb.Select(bidColumns...).From("bids").
		Where(squirrel.Eq{"listing_id": id}).
		OrderBy("amount DESC", "created_at ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	var b listing.Bid
	err = r.db.QueryRowContext(ctx, q, args...).
		Scan(&b.ID, &b.ListingID, &b.BidderID, &b.BidderName, &b.Amount, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Active lists the listings whose deadline has not passed at now.
func (r *Repo) Active(ctx context.Context, now time.Time) ([]listing.Listing, error) {
	q, args, err := r.sb.Select(listingColumns...).From("listings").
		Where(squirrel.GtOrEq{"bidding_end_time": now}).
		OrderBy("bidding_end_time ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []listing.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// CommitBid is the persistence side of the bid critical section. The
// listing row is locked with SELECT ... FOR UPDATE, so concurrent callers on
// the same listing queue up here even across processes. The ledger append
// and the listing update commit or roll back together.
func (r *Repo) CommitBid(ctx context.Context, listingID string, decide Decide) (*listing.Listing, *listing.Bid, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	q, args, err := r.sb.Select(listingColumns...).From("listings").
		Where(squirrel.Eq{"id": listingID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, nil, err
	}
	l, err := scanListing(tx.QueryRowContext(ctx, q, args...))
	if err != nil {
		return nil, nil, err
	}

	// The ledger is the source of truth; the cached column is only a copy.
	q, args, err = r.sb.Select("max(amount)").From("bids").Where(squirrel.Eq{"listing_id": listingID}).ToSql()
	if err != nil {
		return nil, nil, err
	}
	var highest decimal.NullDecimal
	if err := tx.QueryRowContext(ctx, q, args...).Scan(&highest); err != nil {
		return nil, nil, err
	}
	l.CurrentHighestBid = highest

	bid, deadline, err := decide(l)
	if err != nil {
		return nil, nil, err
	}

	q, args, err = r.sb.Insert("bids").Columns(bidColumns...).
		Values(bid.ID, bid.ListingID, bid.BidderID, bid.BidderName, bid.Amount, bid.CreatedAt).
		ToSql()
	if err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return nil, nil, fmt.Errorf("append bid: %w", err)
	}

	q, args, err = r.sb.Update("listings").
		Set("current_highest_bid", bid.Amount).
		Set("bidding_end_time", squirrel.Expr("GREATEST(bidding_end_time, ?)", deadline)).
		Where(squirrel.Eq{"id": listingID}).
		Suffix("RETURNING bidding_end_time").
		ToSql()
	if err != nil {
		return nil, nil, err
	}
	if err := tx.QueryRowContext(ctx, q, args...).Scan(&l.BiddingEndTime); err != nil {
		return nil, nil, fmt.Errorf("extend deadline: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	l.CurrentHighestBid = decimal.NewNullDecimal(bid.Amount)
	return l, bid, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*listing.Listing, error) {
	var l listing.Listing
	err := row.Scan(&l.ID, &l.SellerID, &l.StartPrice, &l.CurrentHighestBid,
		&l.BiddingDate, &l.BiddingStartTime, &l.BiddingStart, &l.BiddingEndTime, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}
