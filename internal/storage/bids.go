// Package storage - Bid persistence for the swap engine.
// A bid is written as one row plus its history entries; every write goes
// through Apply so a crash never splits a state change from the messages
// it produced.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/swapengine/internal/swap"
	"github.com/klingon-exchange/swapengine/internal/watch"
)

const counterContract = "contract_count"

const bidColumns = `
	id, offer_id, variant, role, coin_from, coin_to,
	state, state_data, amount, rate, lock_type, lock_value, contract_count,
	slots, htlc_data, scriptless_data, untrusted, halted, reclaiming, note,
	created_at, expire_at, updated_at`

// terminalStates lists the states ListActiveBids skips.
var terminalStates = []any{
	string(swap.StateCompleted), string(swap.StateTimedOut),
	string(swap.StateAbandoned), string(swap.StateError),
}

// Apply commits one engine update atomically.
func (s *Storage) Apply(ctx context.Context, u *swap.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if u.Offer != nil {
			if err := saveOffer(ctx, tx, u.Offer); err != nil {
				return err
			}
		}
		if u.Bid != nil {
			if err := saveBid(ctx, tx, u.Bid); err != nil {
				return err
			}
			for _, h := range u.History {
				if err := appendHistory(ctx, tx, u.Bid.ID, h); err != nil {
					return err
				}
			}
		}
		for _, m := range u.Outbound {
			if err := enqueueMessage(ctx, tx, m); err != nil {
				return err
			}
		}
		if u.Received != "" {
			if err := markReceived(ctx, tx, u.Received); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBid retrieves a bid by ID.
func (s *Storage) GetBid(ctx context.Context, id string) (*swap.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ?`, id)
	b, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: bid %s", swap.ErrNotFound, id)
	}
	return b, err
}

// ListActiveBids returns all bids that are not in a terminal state, plus
// terminal bids still reclaiming a lock, oldest first. These are the bids
// the engine resumes on startup.
func (s *Storage) ListActiveBids(ctx context.Context) ([]*swap.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE state NOT IN (?, ?, ?, ?) OR reclaiming = 1
		ORDER BY created_at ASC
	`, terminalStates...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []*swap.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// ListBidsByOffer returns every bid on an offer.
func (s *Storage) ListBidsByOffer(ctx context.Context, offerID string) ([]*swap.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bidColumns+` FROM bids WHERE offer_id = ? ORDER BY created_at ASC
	`, offerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []*swap.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// GetHistory returns the state history of a bid, oldest first.
func (s *Storage) GetHistory(ctx context.Context, bidID string) ([]swap.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT state, note, created_at FROM bid_history WHERE bid_id = ? ORDER BY id ASC
	`, bidID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []swap.HistoryEntry
	for rows.Next() {
		var (
			state string
			note  sql.NullString
			at    int64
		)
		if err := rows.Scan(&state, &note, &at); err != nil {
			return nil, err
		}
		history = append(history, swap.HistoryEntry{
			State: swap.State(state),
			At:    time.Unix(at, 0),
			Note:  note.String,
		})
	}
	return history, rows.Err()
}

// NextContractCount returns the next value of the key derivation counter.
func (s *Storage) NextContractCount(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, counterContract).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to bump contract counter: %w", err)
	}
	return uint32(v), nil
}

// saveBid upserts a bid row.
func saveBid(ctx context.Context, tx *sql.Tx, b *swap.Bid) error {
	stateData, err := swap.EncodeStateData(b.Data)
	if err != nil {
		return err
	}
	slots, err := marshalNullable(b.Slots, len(b.Slots) > 0)
	if err != nil {
		return fmt.Errorf("failed to encode slots: %w", err)
	}
	htlc, err := marshalNullable(b.HTLC, b.HTLC != nil)
	if err != nil {
		return fmt.Errorf("failed to encode htlc data: %w", err)
	}
	scriptless, err := marshalNullable(b.Scriptless, b.Scriptless != nil)
	if err != nil {
		return fmt.Errorf("failed to encode scriptless data: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bids (`+bidColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			state_data = excluded.state_data,
			slots = excluded.slots,
			htlc_data = excluded.htlc_data,
			scriptless_data = excluded.scriptless_data,
			untrusted = excluded.untrusted,
			halted = excluded.halted,
			reclaiming = excluded.reclaiming,
			note = excluded.note,
			expire_at = excluded.expire_at,
			updated_at = excluded.updated_at
	`,
		b.ID, b.OfferID, string(b.Variant), string(b.Role), b.CoinFrom, b.CoinTo,
		string(b.State), stateData, b.Amount, b.Rate, string(b.LockType), b.LockValue, b.ContractCount,
		slots, htlc, scriptless, boolToInt(b.Untrusted), boolToInt(b.Halted), boolToInt(b.Reclaiming), b.Note,
		unixOrZero(b.CreatedAt), unixOrZero(b.ExpireAt), unixOrZero(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save bid %s: %w", b.ID, err)
	}
	return nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, bidID string, h swap.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bid_history (bid_id, state, note, created_at) VALUES (?, ?, ?, ?)
	`, bidID, string(h.State), h.Note, h.At.Unix())
	if err != nil {
		return fmt.Errorf("failed to append history of bid %s: %w", bidID, err)
	}
	return nil
}

func marshalNullable(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanBid(row scanner) (*swap.Bid, error) {
	var (
		b                              swap.Bid
		variant, role, state, lockType string
		stateData                      []byte
		slots, htlc, scriptless, note  sql.NullString
		untrusted, halted, reclaiming  int
		createdAt, expireAt, updatedAt sql.NullInt64
	)
	err := row.Scan(
		&b.ID, &b.OfferID, &variant, &role, &b.CoinFrom, &b.CoinTo,
		&state, &stateData, &b.Amount, &b.Rate, &lockType, &b.LockValue, &b.ContractCount,
		&slots, &htlc, &scriptless, &untrusted, &halted, &reclaiming, &note,
		&createdAt, &expireAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Variant = swap.Variant(variant)
	b.Role = swap.Role(role)
	b.State = swap.State(state)
	b.LockType = swap.LockType(lockType)
	b.Untrusted = untrusted == 1
	b.Halted = halted == 1
	b.Reclaiming = reclaiming == 1
	b.Note = note.String
	b.CreatedAt = timeOrZero(createdAt)
	b.ExpireAt = timeOrZero(expireAt)
	b.UpdatedAt = timeOrZero(updatedAt)

	if b.Data, err = swap.DecodeStateData(b.State, stateData); err != nil {
		return nil, fmt.Errorf("bid %s: %w", b.ID, err)
	}
	if slots.Valid {
		b.Slots = make(map[watch.TxRole]*swap.TxSlot)
		if err := json.Unmarshal([]byte(slots.String), &b.Slots); err != nil {
			return nil, fmt.Errorf("bid %s: failed to decode slots: %w", b.ID, err)
		}
	}
	if htlc.Valid {
		b.HTLC = &swap.HTLCData{}
		if err := json.Unmarshal([]byte(htlc.String), b.HTLC); err != nil {
			return nil, fmt.Errorf("bid %s: failed to decode htlc data: %w", b.ID, err)
		}
	}
	if scriptless.Valid {
		b.Scriptless = &swap.ScriptlessData{}
		if err := json.Unmarshal([]byte(scriptless.String), b.Scriptless); err != nil {
			return nil, fmt.Errorf("bid %s: failed to decode scriptless data: %w", b.ID, err)
		}
	}
	return &b, nil
}
