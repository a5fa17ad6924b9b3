package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"firmalex.io/internal/credits"
	"firmalex.io/internal/ids"
)

func (s *Store) PaymentMethod(ctx context.Context, id string) (credits.PaymentMethod, error) {
	var pm credits.PaymentMethod
	err := s.db.QueryRowContext(ctx, `
		select id, organization_id, provider, provider_ref, deleted_at is not null
		from payment_methods
		where id = $1
	`, id).Scan(&pm.ID, &pm.OrganizationID, &pm.Provider, &pm.ProviderRef, &pm.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return credits.PaymentMethod{}, credits.ErrNoPaymentMethod
	}
	if err != nil {
		return credits.PaymentMethod{}, err
	}
	return pm, nil
}

func (s *Store) ActivePackages(ctx context.Context) ([]credits.Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, credits, prices
		from credit_packages
		where active
		order by credits asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []credits.Package
	for rows.Next() {
		var (
			p        credits.Package
			rawPrice []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Credits, &rawPrice); err != nil {
			return nil, err
		}
		p.Active = true
		p.Prices = map[string]int64{}
		if len(rawPrice) > 0 {
			if err := json.Unmarshal(rawPrice, &p.Prices); err != nil {
				return nil, fmt.Errorf("decode package prices: %w", err)
			}
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateOrder(ctx context.Context, o credits.Order) (credits.Order, error) {
	if o.ID == "" {
		o.ID = ids.NewPrefixed("ord")
	}
	metaJSON := []byte("{}")
	if len(o.Metadata) > 0 {
		b, err := json.Marshal(o.Metadata)
		if err != nil {
			return credits.Order{}, fmt.Errorf("marshal order metadata: %w", err)
		}
		metaJSON = b
	}
	var created time.Time
	err := s.db.QueryRowContext(ctx, `
		insert into orders (id, organization_id, package_id, credits, amount, tax_amount, currency, status, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning created_at
	`, o.ID, o.OrganizationID, o.PackageID, o.Credits, o.Amount, o.TaxAmount, o.Currency, o.Status, metaJSON).Scan(&created)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return credits.Order{}, fmt.Errorf("create order: unknown organization or package: %w", err)
		}
		return credits.Order{}, err
	}
	o.CreatedAt = created
	return o, nil
}

// SettlePayment claims the order and credits the purchase atomically. The
// conditional update on the order's status is the idempotency gate: the
// payment provider redelivers webhooks until it sees a 2xx, and only the
// delivery that actually flips the order to paid may call add_credits.
func (s *Store) SettlePayment(ctx context.Context, evt credits.SettlementEvent) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	if evt.OrderID != "" {
		res, err := tx.ExecContext(ctx, `
			update orders
			set status = $2, payment_intent_id = $3, paid_at = now()
			where id = $1 and status <> $2
		`, evt.OrderID, credits.OrderPaid, evt.PaymentIntentID)
		if err != nil {
			return "", false, err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return "", false, nil
		}
	}

	meta, err := json.Marshal(map[string]any{
		"order_id":          evt.OrderID,
		"payment_intent_id": evt.PaymentIntentID,
	})
	if err != nil {
		return "", false, fmt.Errorf("marshal settlement metadata: %w", err)
	}
	var txID string
	err = tx.QueryRowContext(ctx, `
		select add_credits($1, $2, $3, $4::jsonb, $5)
	`, evt.OrganizationID, evt.Credits, "auto_recharge", meta, "credit package purchase").Scan(&txID)
	if err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return txID, true, nil
}
