package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/klingon-exchange/swapengine/internal/swap"
)

const offerColumns = `id, coin_from, coin_to, variant, amount, rate, lock_type, lock_value, is_local, created_at`

// GetOffer retrieves an offer by ID.
func (s *Storage) GetOffer(ctx context.Context, id string) (*swap.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = ?`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: offer %s", swap.ErrNotFound, id)
	}
	return o, err
}

// ListOffers returns every stored offer, newest first. With localOnly set
// only our own offers are returned.
func (s *Storage) ListOffers(ctx context.Context, localOnly bool) ([]*swap.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + offerColumns + ` FROM offers`
	if localOnly {
		query += ` WHERE is_local = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []*swap.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// saveOffer inserts an offer. Offers are immutable, so a second save of the
// same ID is ignored.
func saveOffer(ctx context.Context, tx *sql.Tx, o *swap.Offer) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO offers (`+offerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.CoinFrom, o.CoinTo, string(o.Variant),
		o.Amount, o.Rate, string(o.LockType), o.LockValue,
		boolToInt(o.Sent), unixOrZero(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save offer %s: %w", o.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(row scanner) (*swap.Offer, error) {
	var (
		o                 swap.Offer
		variant, lockType string
		isLocal           int
		createdAt         sql.NullInt64
	)
	err := row.Scan(
		&o.ID, &o.CoinFrom, &o.CoinTo, &variant,
		&o.Amount, &o.Rate, &lockType, &o.LockValue,
		&isLocal, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	o.Variant = swap.Variant(variant)
	o.LockType = swap.LockType(lockType)
	o.Sent = isLocal == 1
	o.CreatedAt = timeOrZero(createdAt)
	return &o, nil
}
