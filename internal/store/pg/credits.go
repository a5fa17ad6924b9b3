package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"firmalex.io/internal/credits"
)

// Credit ledger operations delegate to stored procedures; a raised error
// (SQLSTATE P0001) carries the ledger's own message and is passed through
// untouched so the service layer can classify it.

func (s *Store) Account(ctx context.Context, orgID string) (credits.Account, error) {
	var (
		acc credits.Account
		pm  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select a.organization_id, coalesce(o.country, ''), a.balance, a.reserved_balance,
		       a.auto_recharge_enabled, a.auto_recharge_threshold, a.auto_recharge_amount,
		       a.auto_recharge_payment_method_id
		from credit_accounts a
		join organizations o on o.id = a.organization_id
		where a.organization_id = $1
	`, orgID).Scan(
		&acc.OrganizationID, &acc.Country, &acc.Balance, &acc.Reserved,
		&acc.AutoRecharge.Enabled, &acc.AutoRecharge.Threshold, &acc.AutoRecharge.Amount, &pm,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return credits.Account{}, credits.ErrAccountNotFound
	}
	if err != nil {
		return credits.Account{}, err
	}
	if pm.Valid {
		acc.AutoRecharge.PaymentMethodID = pm.String
	}
	return acc, nil
}

func (s *Store) Reserve(ctx context.Context, orgID string, amount int64, serviceCode, referenceID, description string) (string, error) {
	var txID string
	err := s.db.QueryRowContext(ctx, `
		select reserve_credits($1, $2, nullif($3,''), nullif($4,''), nullif($5,''))
	`, orgID, amount, serviceCode, referenceID, description).Scan(&txID)
	if err != nil {
		return "", err
	}
	return txID, nil
}

func (s *Store) Confirm(ctx context.Context, orgID, transactionID string) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx, `select confirm_credits($1, $2)`, orgID, transactionID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Store) Release(ctx context.Context, orgID, transactionID string) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx, `select release_credits($1, $2)`, orgID, transactionID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Store) Add(ctx context.Context, orgID string, amount int64, source string, metadata map[string]any, description string) (string, error) {
	metaJSON := []byte("{}")
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = b
	}
	var txID string
	err := s.db.QueryRowContext(ctx, `
		select add_credits($1, $2, $3, $4::jsonb, nullif($5,''))
	`, orgID, amount, source, metaJSON, description).Scan(&txID)
	if err != nil {
		return "", err
	}
	return txID, nil
}

func (s *Store) Balance(ctx context.Context, orgID string) (int64, error) {
	var bal int64
	if err := s.db.QueryRowContext(ctx, `select get_balance($1)`, orgID).Scan(&bal); err != nil {
		return 0, err
	}
	return bal, nil
}

func (s *Store) TaxRate(ctx context.Context, country string) (float64, error) {
	var rate float64
	if err := s.db.QueryRowContext(ctx, `select get_tax_rate($1)`, country).Scan(&rate); err != nil {
		return 0, err
	}
	return rate, nil
}
