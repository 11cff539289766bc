package notify

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS inbox (
	event_id    TEXT PRIMARY KEY,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS notifications (
	event_id   TEXT PRIMARY KEY REFERENCES inbox(event_id),
	type       TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	subject    TEXT NOT NULL,
	body       TEXT NOT NULL,
	order_id   TEXT,
	item_id    TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS notifications_recipient_idx ON notifications(recipient);
`

type PgStore struct {
	Pool *pgxpool.Pool
}

func (s PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return err
}

func (s PgStore) Save(ctx context.Context, n Notification) (bool, error) {
	first := false
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO inbox(event_id, received_at)
			VALUES ($1, now()) ON CONFLICT (event_id) DO NOTHING`, n.EventID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		first = true
		_, err = tx.Exec(ctx, `INSERT INTO notifications(event_id, type, recipient, subject, body, order_id, item_id)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))`,
			n.EventID, n.Type, n.Recipient, n.Subject, n.Body, n.OrderID, n.ItemID)
		return err
	})
	if err != nil {
		return false, err
	}
	return first, nil
}
