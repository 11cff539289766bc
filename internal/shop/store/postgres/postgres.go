package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/contracts"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/idempotency"
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
	pool *pgxpool.Pool
	outbox.PgStore
}

func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return New(pool), nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, PgStore: outbox.PgStore{Pool: pool}}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ListAvailableItems(ctx context.Context) ([]domain.Item, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM items WHERE status=$1 ORDER BY created_at DESC`, domain.ItemAvailable)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Item, error) { return scanItem(row) })
}

func (s *Store) GetItemByID(ctx context.Context, id string) (domain.Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Item{}, domain.ErrNotFound
	}
	return item, err
}

// TryMarkSold is the purchase lock: one conditional UPDATE, decided by the
// affected row count.
func (s *Store) TryMarkSold(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET status=$2, sold_at=now() WHERE id=$1 AND status=$3`,
		id, domain.ItemSold, domain.ItemAvailable,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (domain.Item, error) {
	variants, err := json.Marshal(item.Variants)
	if err != nil {
		return domain.Item{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO items(id, title, description, image_url, provider_product_id, variants, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		item.ID, item.Title, item.Description, item.ImageURL, item.ProviderProductID, variants, domain.ItemAvailable,
	)
	if err != nil {
		return domain.Item{}, err
	}
	return s.GetItemByID(ctx, item.ID)
}

func (s *Store) ListSoldWithoutOrder(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT i.id FROM items i
		LEFT JOIN orders o ON o.item_id = i.id
		WHERE i.status=$1 AND o.id IS NULL
		ORDER BY i.id`, domain.ItemSold)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) GetOrderBySessionID(ctx context.Context, sessionID string) (domain.Order, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE session_id=$1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	return order, err
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a := order.Shipping
	_, err = tx.Exec(ctx, `INSERT INTO orders(`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		order.ID, order.SessionID, order.PaymentRef, order.ItemID, order.BuyerEmail,
		a.Name, a.Line1, a.Line2, a.City, a.Region, a.PostalCode, a.Country,
		order.Size, order.Status, order.ProviderOrderID, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if idempotency.IsUniqueViolation(err, "orders_session_uniq") {
			return domain.ErrDuplicateSession
		}
		return err
	}

	evt := domain.OrderFulfilledEvent(order)
	if err := outbox.Insert(ctx, tx, evt.EventID, contracts.TopicShopEvents, order.ItemID, evt); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) { return scanOrder(row) })
}

func (s *Store) OpenCase(ctx context.Context, c domain.ReconciliationCase) (domain.ReconciliationCase, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	event, err := json.Marshal(c.Event)
	if err != nil {
		return domain.ReconciliationCase{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.ReconciliationCase{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	opened, err := scanCase(tx.QueryRow(ctx, `INSERT INTO reconciliation_cases(id, session_id, item_id, reason, event, provider_order_id, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			reason=EXCLUDED.reason,
			event=EXCLUDED.event,
			error=EXCLUDED.error,
			provider_order_id=COALESCE(EXCLUDED.provider_order_id, reconciliation_cases.provider_order_id),
			claimed=false,
			resolved=false,
			resolved_at=NULL
		RETURNING `+caseColumns,
		c.ID, c.SessionID, c.ItemID, c.Reason, event, c.ProviderOrderID, c.Error,
	))
	if err != nil {
		return domain.ReconciliationCase{}, err
	}

	evt := domain.CaseEvent(opened, contracts.EventReconciliationRequired, time.Now())
	if err := outbox.Insert(ctx, tx, evt.EventID, contracts.TopicShopEvents, opened.ItemID, evt); err != nil {
		return domain.ReconciliationCase{}, fmt.Errorf("outbox: %w", err)
	}
	return opened, tx.Commit(ctx)
}

func (s *Store) GetCase(ctx context.Context, id string) (domain.ReconciliationCase, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM reconciliation_cases WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ReconciliationCase{}, domain.ErrNotFound
	}
	return c, err
}

func (s *Store) ListOpenCases(ctx context.Context) ([]domain.ReconciliationCase, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+caseColumns+` FROM reconciliation_cases WHERE NOT resolved ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ReconciliationCase, error) { return scanCase(row) })
}

func (s *Store) TryClaimCase(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE reconciliation_cases SET claimed=true WHERE id=$1 AND NOT claimed AND NOT resolved`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ResolveCase(ctx context.Context, id string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	resolved, err := scanCase(tx.QueryRow(ctx, `UPDATE reconciliation_cases SET resolved=true, claimed=false, resolved_at=$2
		WHERE id=$1 RETURNING `+caseColumns, id, at.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}

	evt := domain.CaseEvent(resolved, contracts.EventReconciliationResolved, at)
	if err := outbox.Insert(ctx, tx, evt.EventID, contracts.TopicShopEvents, resolved.ItemID, evt); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	return tx.Commit(ctx)
}

func scanItem(row pgx.Row) (domain.Item, error) {
	var (
		it       domain.Item
		variants []byte
	)
	err := row.Scan(&it.ID, &it.Title, &it.Description, &it.ImageURL, &it.ProviderProductID, &variants, &it.Status, &it.CreatedAt, &it.SoldAt)
	if err != nil {
		return domain.Item{}, err
	}
	if err := json.Unmarshal(variants, &it.Variants); err != nil {
		return domain.Item{}, fmt.Errorf("item %s variants: %w", it.ID, err)
	}
	return it, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	a := &o.Shipping
	err := row.Scan(&o.ID, &o.SessionID, &o.PaymentRef, &o.ItemID, &o.BuyerEmail,
		&a.Name, &a.Line1, &a.Line2, &a.City, &a.Region, &a.PostalCode, &a.Country,
		&o.Size, &o.Status, &o.ProviderOrderID, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func scanCase(row pgx.Row) (domain.ReconciliationCase, error) {
	var (
		c     domain.ReconciliationCase
		event []byte
	)
	err := row.Scan(&c.ID, &c.SessionID, &c.ItemID, &c.Reason, &event, &c.ProviderOrderID, &c.Error, &c.Claimed, &c.Resolved, &c.CreatedAt, &c.ResolvedAt)
	if err != nil {
		return domain.ReconciliationCase{}, err
	}
	if err := json.Unmarshal(event, &c.Event); err != nil {
		return domain.ReconciliationCase{}, fmt.Errorf("case %s event: %w", c.ID, err)
	}
	return c, nil
}
