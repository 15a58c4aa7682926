// Package outbox implements the transactional outbox used for structured
// transition events. Each escrow transition enqueues exactly one message in
// the same transaction as its state change; delivery to downstream consumers
// is owned by an external relay and never retried here.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message mirrors one outbox row.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

type Queue struct{}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue inserts one pending message inside the active transaction.
func (q *Queue) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)
	`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// PendingByTopic lists pending messages for a topic, oldest first. The relay
// and the test oracles read through this.
func PendingByTopic(ctx context.Context, pool *pgxpool.Pool, topic string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := pool.Query(ctx, `
		SELECT id, topic, payload, status, attempts, created_at
		FROM outbox
		WHERE topic = $1 AND status = 'pending'
		ORDER BY created_at ASC
		LIMIT $2
	`, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: list pending: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate messages: %w", err)
	}
	return out, nil
}

// MarkDispatched flips a message to dispatched after the relay hands it off.
func MarkDispatched(ctx context.Context, pool *pgxpool.Pool, id string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'dispatched', attempts = attempts + 1
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox: message %s not pending", id)
	}
	return nil
}
