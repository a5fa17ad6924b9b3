package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"firmalex.io/internal/audit"
	"firmalex.io/internal/obs"
)

const defaultSettleTimeout = 5 * time.Second

// Service guards metered operations behind the per-organization credit
// ledger. Reserve/Confirm/Release/Add/Balance are the only mutation surface;
// the stored procedures own the arithmetic, this layer only decides when to
// attempt an auto-recharge first.
type Service struct {
	store         Store
	recharger     *Recharger // nil when no payment gateway is configured
	settle        *settlements
	settleTimeout time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSettleTimeout bounds how long Reserve waits for the payment
// settlement webhook after a successful recharge.
func WithSettleTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.settleTimeout = d
		}
	}
}

// NewService constructs a Service. recharger may be nil.
func NewService(store Store, recharger *Recharger, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		recharger:     recharger,
		settle:        newSettlements(),
		settleTimeout: defaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve places a hold on credits for a metered operation and returns the
// opaque transaction identifier. When the available balance falls short and
// auto-recharge is enabled, exactly one recharge cycle runs first; its
// failure is warned, never fatal, because the reserve stored procedure is
// the authoritative gate.
func (s *Service) Reserve(ctx context.Context, orgID string, amount int64, serviceCode, referenceID, description string) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}

	if s.recharger != nil {
		acc, err := s.store.Account(ctx, orgID)
		if err != nil {
			obs.Warn("credit account snapshot unavailable before reserve", map[string]any{
				"organization_id": orgID, "err": err.Error(),
			})
		} else if acc.Available() < amount && acc.AutoRecharge.Enabled {
			settled := s.settle.register(orgID)
			defer s.settle.deregister(orgID, settled)
			if err := s.recharger.Execute(ctx, orgID); err != nil {
				obs.Warn("auto-recharge before reserve failed", map[string]any{
					"organization_id": orgID, "err": err.Error(),
				})
			} else if !wait(ctx, settled, s.settleTimeout) {
				obs.Warn("settlement signal timed out, proceeding to reserve", map[string]any{
					"organization_id": orgID,
				})
			}
		}
	}

	txID, err := s.store.Reserve(ctx, orgID, amount, serviceCode, referenceID, description)
	if err != nil {
		obs.ObserveCreditOp("reserve", "error")
		if isInsufficient(err) {
			return "", fmt.Errorf("%w: %s", ErrInsufficientCredits, err.Error())
		}
		return "", fmt.Errorf("reserve credits: %w", err)
	}

	obs.ObserveCreditOp("reserve", "ok")
	if aerr := audit.LogEvent(ctx, "credits.reserve", map[string]any{
		"organization_id": orgID,
		"amount":          amount,
		"transaction_id":  txID,
		"service_code":    serviceCode,
	}); aerr != nil {
		obs.Warn("audit event failed", map[string]any{"err": aerr.Error()})
	}
	return txID, nil
}

// Confirm finalizes a reservation, decrementing the balance.
func (s *Service) Confirm(ctx context.Context, orgID, transactionID string) (bool, error) {
	ok, err := s.store.Confirm(ctx, orgID, transactionID)
	if err != nil {
		obs.ObserveCreditOp("confirm", "error")
		return false, fmt.Errorf("confirm credits: %w", err)
	}
	obs.ObserveCreditOp("confirm", "ok")
	return ok, nil
}

// Release undoes a reservation without touching the balance.
func (s *Service) Release(ctx context.Context, orgID, transactionID string) (bool, error) {
	ok, err := s.store.Release(ctx, orgID, transactionID)
	if err != nil {
		obs.ObserveCreditOp("release", "error")
		return false, fmt.Errorf("release credits: %w", err)
	}
	obs.ObserveCreditOp("release", "ok")
	return ok, nil
}

// Add credits an account directly (purchases, settlements, adjustments) and
// returns the transaction id.
func (s *Service) Add(ctx context.Context, orgID string, amount int64, source string, metadata map[string]any, description string) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	obs.Info("adding credits", map[string]any{
		"organization_id": orgID, "amount": amount, "source": source,
	})
	txID, err := s.store.Add(ctx, orgID, amount, source, metadata, description)
	if err != nil {
		obs.ObserveCreditOp("add", "error")
		return "", fmt.Errorf("add credits: %w", err)
	}
	obs.ObserveCreditOp("add", "ok")
	obs.Info("credits added", map[string]any{
		"organization_id": orgID, "transaction_id": txID,
	})
	return txID, nil
}

// Balance returns the current balance. A missing account means zero
// balance, not a fault: backing errors with SQLSTATE P0001 or a "not found"
// message map to 0.
func (s *Service) Balance(ctx context.Context, orgID string) (int64, error) {
	bal, err := s.store.Balance(ctx, orgID)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

// Settle applies a confirmed payment: the order is marked paid and the
// credits are added in a single store transaction, then any reserve calls
// waiting on this organization's settlement are released. The provider
// delivers payment webhooks at least once, so a redelivery for an
// already-paid order is acknowledged without crediting again. Called from
// the payment webhook handler.
func (s *Service) Settle(ctx context.Context, evt SettlementEvent) (string, error) {
	if evt.Credits <= 0 {
		return "", ErrInvalidAmount
	}
	txID, applied, err := s.store.SettlePayment(ctx, evt)
	if err != nil {
		obs.ObserveCreditOp("settle", "error")
		return "", fmt.Errorf("settle payment: %w", err)
	}
	if !applied {
		obs.ObserveCreditOp("settle", "duplicate")
		obs.Info("duplicate settlement delivery ignored", map[string]any{
			"organization_id":   evt.OrganizationID,
			"order_id":          evt.OrderID,
			"payment_intent_id": evt.PaymentIntentID,
		})
		return txID, nil
	}
	obs.ObserveCreditOp("settle", "ok")
	obs.Info("credits settled", map[string]any{
		"organization_id": evt.OrganizationID,
		"order_id":        evt.OrderID,
		"transaction_id":  txID,
		"credits":         evt.Credits,
	})
	s.settle.notify(evt.OrganizationID)
	if aerr := audit.LogEvent(ctx, "credits.settle", map[string]any{
		"organization_id":   evt.OrganizationID,
		"order_id":          evt.OrderID,
		"payment_intent_id": evt.PaymentIntentID,
		"credits":           evt.Credits,
	}); aerr != nil {
		obs.Warn("audit event failed", map[string]any{"err": aerr.Error()})
	}
	return txID, nil
}

// CheckAndRecharge exposes the threshold check outside the reserve path;
// the on-demand recharge-check endpoint calls it.
func (s *Service) CheckAndRecharge(ctx context.Context, orgID string) (bool, error) {
	if s.recharger == nil {
		return false, nil
	}
	return s.recharger.CheckAndRecharge(ctx, orgID)
}

func isNotFound(err error) bool {
	if errors.Is(err, ErrAccountNotFound) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "P0001" {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

func isInsufficient(err error) bool {
	if errors.Is(err, ErrInsufficientCredits) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "insufficient")
}
