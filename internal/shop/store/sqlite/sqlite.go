// Package sqlite is the single-file store backend. The conditional update
// in TryMarkSold relies on SQLite's database-level write lock, which also
// holds across processes sharing the file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/contracts"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/outbox"
)

//go:embed schema.sql
var schema string

const (
	itemColumns  = `id, title, description, image_url, provider_product_id, variants, status, created_at, sold_at`
	orderColumns = `id, session_id, payment_ref, item_id, buyer_email, shipping_name, shipping_line1, shipping_line2,
		shipping_city, shipping_region, shipping_postal_code, shipping_country, size, status, provider_order_id, created_at, updated_at`
	caseColumns = `id, session_id, item_id, reason, event, provider_order_id, error, claimed, resolved, created_at, resolved_at`
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DSN builds a file DSN with the pragmas the store expects.
func DSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection keeps transactions from
	// tripping over SQLITE_BUSY inside the process.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) ListAvailableItems(ctx context.Context) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE status=? ORDER BY created_at DESC`, domain.ItemAvailable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) GetItemByID(ctx context.Context, id string) (domain.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Item{}, domain.ErrNotFound
	}
	return it, err
}

func (s *Store) TryMarkSold(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET status=?, sold_at=? WHERE id=? AND status=?`,
		domain.ItemSold, s.now().UnixMilli(), id, domain.ItemAvailable,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (domain.Item, error) {
	variants, err := json.Marshal(item.Variants)
	if err != nil {
		return domain.Item{}, err
	}
	created := item.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items(id, title, description, image_url, provider_product_id, variants, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		item.ID, item.Title, item.Description, item.ImageURL, item.ProviderProductID, string(variants), domain.ItemAvailable, created.UnixMilli(),
	)
	if err != nil {
		return domain.Item{}, err
	}
	return s.GetItemByID(ctx, item.ID)
}

func (s *Store) ListSoldWithoutOrder(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT i.id FROM items i
		LEFT JOIN orders o ON o.item_id = i.id
		WHERE i.status=? AND o.id IS NULL
		ORDER BY i.id`, domain.ItemSold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) GetOrderBySessionID(ctx context.Context, sessionID string) (domain.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE session_id=?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, err
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	a := order.Shipping
	_, err = tx.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.SessionID, order.PaymentRef, order.ItemID, order.BuyerEmail,
		a.Name, a.Line1, a.Line2, a.City, a.Region, a.PostalCode, a.Country,
		order.Size, order.Status, nullString(order.ProviderOrderID), order.CreatedAt.UnixMilli(), order.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err, "orders.session_id") {
			return domain.ErrDuplicateSession
		}
		return err
	}

	if err := s.enqueue(ctx, tx, domain.OrderFulfilledEvent(order)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) OpenCase(ctx context.Context, c domain.ReconciliationCase) (domain.ReconciliationCase, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	event, err := json.Marshal(c.Event)
	if err != nil {
		return domain.ReconciliationCase{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReconciliationCase{}, err
	}
	defer func() { _ = tx.Rollback() }()

	opened, err := scanCase(tx.QueryRowContext(ctx, `INSERT INTO reconciliation_cases(id, session_id, item_id, reason, event, provider_order_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			reason=excluded.reason,
			event=excluded.event,
			error=excluded.error,
			provider_order_id=COALESCE(excluded.provider_order_id, reconciliation_cases.provider_order_id),
			claimed=0,
			resolved=0,
			resolved_at=NULL
		RETURNING `+caseColumns,
		c.ID, c.SessionID, c.ItemID, c.Reason, string(event), nullString(c.ProviderOrderID), c.Error, s.now().UnixMilli(),
	))
	if err != nil {
		return domain.ReconciliationCase{}, err
	}

	if err := s.enqueue(ctx, tx, domain.CaseEvent(opened, contracts.EventReconciliationRequired, s.now())); err != nil {
		return domain.ReconciliationCase{}, err
	}
	return opened, tx.Commit()
}

func (s *Store) GetCase(ctx context.Context, id string) (domain.ReconciliationCase, error) {
	c, err := scanCase(s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM reconciliation_cases WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReconciliationCase{}, domain.ErrNotFound
	}
	return c, err
}

func (s *Store) ListOpenCases(ctx context.Context) ([]domain.ReconciliationCase, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM reconciliation_cases WHERE resolved=0 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReconciliationCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) TryClaimCase(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE reconciliation_cases SET claimed=1 WHERE id=? AND claimed=0 AND resolved=0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) ResolveCase(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	resolved, err := scanCase(tx.QueryRowContext(ctx, `UPDATE reconciliation_cases SET resolved=1, claimed=0, resolved_at=?
		WHERE id=? RETURNING `+caseColumns, at.UnixMilli(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := s.enqueue(ctx, tx, domain.CaseEvent(resolved, contracts.EventReconciliationResolved, at)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FetchPending(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, event_id, topic, key, payload, created_at FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Record
	for rows.Next() {
		var (
			rec     outbox.Record
			payload string
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &payload, &created); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		rec.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET sent_at=? WHERE id=?`, s.now().UnixMilli(), id)
	return err
}

func (s *Store) enqueue(ctx context.Context, tx *sql.Tx, evt contracts.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO outbox(event_id, topic, key, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		evt.EventID, contracts.TopicShopEvents, evt.ItemID, string(data), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (domain.Item, error) {
	var (
		it       domain.Item
		variants string
		created  int64
		sold     sql.NullInt64
	)
	if err := row.Scan(&it.ID, &it.Title, &it.Description, &it.ImageURL, &it.ProviderProductID, &variants, &it.Status, &created, &sold); err != nil {
		return domain.Item{}, err
	}
	if err := json.Unmarshal([]byte(variants), &it.Variants); err != nil {
		return domain.Item{}, fmt.Errorf("item %s variants: %w", it.ID, err)
	}
	it.CreatedAt = time.UnixMilli(created).UTC()
	it.SoldAt = timePtr(sold)
	return it, nil
}

func scanOrder(row scanner) (domain.Order, error) {
	var (
		o                domain.Order
		provider         sql.NullString
		created, updated int64
	)
	a := &o.Shipping
	err := row.Scan(&o.ID, &o.SessionID, &o.PaymentRef, &o.ItemID, &o.BuyerEmail,
		&a.Name, &a.Line1, &a.Line2, &a.City, &a.Region, &a.PostalCode, &a.Country,
		&o.Size, &o.Status, &provider, &created, &updated)
	if err != nil {
		return domain.Order{}, err
	}
	if provider.Valid {
		o.ProviderOrderID = &provider.String
	}
	o.CreatedAt = time.UnixMilli(created).UTC()
	o.UpdatedAt = time.UnixMilli(updated).UTC()
	return o, nil
}

func scanCase(row scanner) (domain.ReconciliationCase, error) {
	var (
		c        domain.ReconciliationCase
		event    string
		provider sql.NullString
		created  int64
		resolved sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.SessionID, &c.ItemID, &c.Reason, &event, &provider, &c.Error, &c.Claimed, &c.Resolved, &created, &resolved)
	if err != nil {
		return domain.ReconciliationCase{}, err
	}
	if err := json.Unmarshal([]byte(event), &c.Event); err != nil {
		return domain.ReconciliationCase{}, fmt.Errorf("case %s event: %w", c.ID, err)
	}
	if provider.Valid {
		c.ProviderOrderID = &provider.String
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.ResolvedAt = timePtr(resolved)
	return c, nil
}

func isUniqueViolation(err error, column string) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE && se.Code() != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return false
	}
	return strings.Contains(se.Error(), column)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
