package credits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"firmalex.io/internal/obs"
)

// Recharger executes one-shot credit top-ups against the payment provider.
// It is deliberately non-retrying and non-idempotent at the call-site level:
// Reserve invokes it at most once per reservation attempt, and success only
// means the payment succeeded — credits land later via the settlement
// webhook.
type Recharger struct {
	store    Store
	gateway  Gateway
	notifier FailureNotifier // optional
}

// NewRecharger constructs a Recharger. notifier may be nil.
func NewRecharger(store Store, gateway Gateway, notifier FailureNotifier) *Recharger {
	return &Recharger{store: store, gateway: gateway, notifier: notifier}
}

// CheckAndRecharge runs a top-up only when auto-recharge is enabled and the
// available balance has fallen to or below the configured threshold.
// Returns whether a recharge was executed.
func (r *Recharger) CheckAndRecharge(ctx context.Context, orgID string) (bool, error) {
	acc, err := r.store.Account(ctx, orgID)
	if err != nil {
		return false, fmt.Errorf("load credit account: %w", err)
	}
	if !acc.AutoRecharge.Enabled {
		return false, nil
	}
	if acc.Available() > acc.AutoRecharge.Threshold {
		return false, nil
	}
	if err := r.Execute(ctx, orgID); err != nil {
		return false, err
	}
	return true, nil
}

// Execute runs one purchase-and-confirm cycle: validate configuration, pick
// the smallest qualifying package, price it for the organization's country,
// create the order, then create and synchronously confirm a payment intent
// with the stored payment method.
func (r *Recharger) Execute(ctx context.Context, orgID string) error {
	acc, err := r.store.Account(ctx, orgID)
	if err != nil {
		return fmt.Errorf("load credit account: %w", err)
	}
	if !acc.AutoRecharge.Enabled {
		return ErrRechargeDisabled
	}
	if acc.AutoRecharge.PaymentMethodID == "" {
		return ErrNoPaymentMethod
	}
	if acc.AutoRecharge.Amount <= 0 {
		return ErrNoRechargeAmount
	}

	pm, err := r.store.PaymentMethod(ctx, acc.AutoRecharge.PaymentMethodID)
	if err != nil {
		return fmt.Errorf("load payment method: %w", err)
	}
	if pm.OrganizationID != orgID || pm.Deleted {
		return ErrNoPaymentMethod
	}

	pkgs, err := r.store.ActivePackages(ctx)
	if err != nil {
		return fmt.Errorf("load credit packages: %w", err)
	}
	if len(pkgs) == 0 {
		return ErrNoPackages
	}
	// Smallest package meeting the configured amount; the cheapest package
	// is the pre-selected fallback when none qualify.
	pkg := pkgs[0]
	for _, p := range pkgs {
		if p.Credits >= acc.AutoRecharge.Amount {
			pkg = p
			break
		}
	}

	currency := CurrencyForCountry(acc.Country)
	price := priceForCountry(pkg, acc.Country)
	rate, err := r.store.TaxRate(ctx, acc.Country)
	if err != nil {
		return fmt.Errorf("tax rate for %s: %w", acc.Country, err)
	}
	tax := int64(math.Round(float64(price) * rate))
	total := price + tax

	order, err := r.store.CreateOrder(ctx, Order{
		OrganizationID: orgID,
		PackageID:      pkg.ID,
		Credits:        pkg.Credits,
		Amount:         total,
		TaxAmount:      tax,
		Currency:       currency,
		Status:         OrderPending,
		Metadata: map[string]any{
			"auto_recharge":     true,
			"payment_method_id": pm.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("create recharge order: %w", err)
	}

	if pm.Provider != ProviderStripe {
		return fmt.Errorf("%w: %s", ErrUnsupportedProvider, pm.Provider)
	}
	if r.gateway == nil {
		return errors.New("payment gateway not configured")
	}

	if err := r.charge(ctx, orgID, order, pkg, pm, total, currency); err != nil {
		obs.ObserveAutoRecharge("error")
		r.notifyFailure(ctx, orgID, err)
		return fmt.Errorf("auto-recharge payment failed: %w", err)
	}

	obs.ObserveAutoRecharge("ok")
	obs.Info("auto-recharge payment succeeded", map[string]any{
		"organization_id": orgID,
		"order_id":        order.ID,
		"package_id":      pkg.ID,
		"amount":          total,
		"currency":        currency,
	})
	return nil
}

func (r *Recharger) charge(ctx context.Context, orgID string, order Order, pkg Package, pm PaymentMethod, total int64, currency string) error {
	intent, err := r.gateway.CreateIntent(ctx, IntentRequest{
		Amount:      total,
		Currency:    currency,
		Description: "Auto-recharge: " + pkg.Name,
		Metadata: map[string]string{
			"organization_id": orgID,
			"order_id":        order.ID,
			"credits":         strconv.FormatInt(pkg.Credits, 10),
			"auto_recharge":   "true",
		},
	})
	if err != nil {
		return err
	}

	confirmed, err := r.gateway.ConfirmIntent(ctx, intent.ID, pm.ProviderRef)
	if err != nil {
		return err
	}

	switch confirmed.Status {
	case IntentSucceeded:
		// Credit issuance is deferred to the settlement webhook.
		return nil
	case IntentRequiresAction:
		// 3-D Secure and friends cannot be completed unattended.
		return ErrRequiresAction
	default:
		return fmt.Errorf("payment confirmation ended in status %q", confirmed.Status)
	}
}

// notifyFailure is best-effort: a notification failure can never mask the
// payment error.
func (r *Recharger) notifyFailure(ctx context.Context, orgID string, cause error) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.RechargeFailed(ctx, orgID, cause); err != nil {
		obs.Warn("recharge failure notification failed", map[string]any{
			"organization_id": orgID, "err": err.Error(),
		})
	}
}
