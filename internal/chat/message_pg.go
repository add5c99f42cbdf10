package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const messageColumns = `id, session_id, customer_id, sender_id, sender_name, platform, text, received_at,
	is_cf, items, processed_to_order, order_id, is_duplicate, duplicate_of_id, duplicate_reason,
	is_skipped, skip_reason, warnings, processed_at, created_at, updated_at`

// PostgresMessages keeps chat lines in chat_messages, so replay by message
// id survives a restart.
type PostgresMessages struct {
	DB *pgxpool.Pool
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var items []byte
	err := row.Scan(&m.ID, &m.SessionID, &m.CustomerID, &m.SenderID, &m.SenderName, &m.Platform, &m.Text,
		&m.ReceivedAt, &m.IsCF, &items, &m.ProcessedToOrder, &m.OrderID, &m.IsDuplicate, &m.DuplicateOfID,
		&m.DuplicateReason, &m.IsSkipped, &m.SkipReason, &m.Warnings, &m.ProcessedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &m.Items); err != nil {
		return nil, fmt.Errorf("decode items of message %s: %w", m.ID, err)
	}
	return &m, nil
}

func (s *PostgresMessages) Save(ctx context.Context, m *Message) error {
	if m.ID == "" {
		return apperr.Validation("message id is required")
	}
	items, err := json.Marshal(append(Extraction{}, m.Items...))
	if err != nil {
		return err
	}
	warnings := m.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO chat_messages(`+messageColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (id) DO UPDATE SET
			customer_id=EXCLUDED.customer_id, is_cf=EXCLUDED.is_cf, items=EXCLUDED.items,
			processed_to_order=EXCLUDED.processed_to_order, order_id=EXCLUDED.order_id,
			is_duplicate=EXCLUDED.is_duplicate, duplicate_of_id=EXCLUDED.duplicate_of_id,
			duplicate_reason=EXCLUDED.duplicate_reason, is_skipped=EXCLUDED.is_skipped,
			skip_reason=EXCLUDED.skip_reason, warnings=EXCLUDED.warnings,
			processed_at=EXCLUDED.processed_at, updated_at=EXCLUDED.updated_at`,
		m.ID, m.SessionID, m.CustomerID, m.SenderID, m.SenderName, m.Platform, m.Text, m.ReceivedAt,
		m.IsCF, items, m.ProcessedToOrder, m.OrderID, m.IsDuplicate, m.DuplicateOfID, m.DuplicateReason,
		m.IsSkipped, m.SkipReason, warnings, m.ProcessedAt, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *PostgresMessages) Get(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(s.DB.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("message", id)
	}
	return m, err
}

func (s *PostgresMessages) ListBySession(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE session_id=$1 ORDER BY received_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

var (
	_ MessageStore = (*PostgresMessages)(nil)
	_ MessageStore = (*MemoryMessages)(nil)
)
