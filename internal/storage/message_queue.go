// Package storage provides persistent storage using SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klingon-exchange/swapengine/internal/swap"
)

// OutboxStatus represents the status of an outbound message.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending" // Awaiting delivery
	OutboxStatusSent    OutboxStatus = "sent"    // Handed to the transport
)

// OutboxStats summarises the outbox.
type OutboxStats struct {
	Pending int
	Sent    int
}

// enqueueMessage adds a message to the outbox. Re-queuing an ID is a no-op.
func enqueueMessage(ctx context.Context, tx *sql.Tx, m *swap.Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_outbox (message_id, kind, offer_id, bid_id, payload, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, string(m.Kind), m.OfferID, m.BidID, []byte(m.Payload), m.CreatedAt, string(OutboxStatusPending))
	if err != nil {
		return fmt.Errorf("failed to enqueue message %s: %w", m.ID, err)
	}
	return nil
}

// markReceived records an inbound message ID as applied.
func markReceived(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_inbox (message_id, received_at) VALUES (?, ?)
	`, id, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record message %s: %w", id, err)
	}
	return nil
}

// SeenMessage reports whether an inbound message was already applied.
func (s *Storage) SeenMessage(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_inbox WHERE message_id = ?`, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PendingMessages returns the outbox messages awaiting delivery, in the
// order they were queued.
func (s *Storage) PendingMessages(ctx context.Context) ([]*swap.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, kind, offer_id, bid_id, payload, created_at
		FROM message_outbox
		WHERE status = ?
		ORDER BY id ASC
	`, string(OutboxStatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*swap.Message
	for rows.Next() {
		var (
			m       swap.Message
			kind    string
			bidID   sql.NullString
			payload []byte
		)
		if err := rows.Scan(&m.ID, &kind, &m.OfferID, &bidID, &payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = swap.MessageKind(kind)
		m.BidID = bidID.String
		m.Payload = payload
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// MarkMessageSent records a successful hand-off to the transport.
func (s *Storage) MarkMessageSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE message_outbox SET status = ?, sent_at = ?, attempts = attempts + 1
		WHERE message_id = ?
	`, string(OutboxStatusSent), time.Now().Unix(), id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: message %s", swap.ErrNotFound, id)
	}
	return nil
}

// GetOutboxStats counts outbox messages by status.
func (s *Storage) GetOutboxStats(ctx context.Context) (*OutboxStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM message_outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &OutboxStats{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch OutboxStatus(status) {
		case OutboxStatusPending:
			stats.Pending = n
		case OutboxStatusSent:
			stats.Sent = n
		}
	}
	return stats, rows.Err()
}

// PruneMessages deletes sent outbox messages and inbox records older than
// the cutoff. Inbox records must outlive any redelivery of their message.
func (s *Storage) PruneMessages(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM message_outbox WHERE status = ? AND sent_at < ?
		`, string(OutboxStatusSent), olderThan.Unix())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = tx.ExecContext(ctx, `DELETE FROM message_inbox WHERE received_at < ?`, olderThan.Unix())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	return total, err
}
