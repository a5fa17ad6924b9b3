package credits

import (
	"context"
	"errors"
	"time"
)

// Account is the per-organization credit ledger snapshot. Balance arithmetic
// is owned by the database stored procedures; this snapshot is only read to
// decide when to attempt an auto-recharge.
type Account struct {
	OrganizationID string       `json:"organization_id"`
	Country        string       `json:"country"`
	Balance        int64        `json:"balance"`
	Reserved       int64        `json:"reserved_balance"`
	AutoRecharge   AutoRecharge `json:"auto_recharge"`
}

// Available is balance minus reserved. The reserve stored procedure keeps it
// from going negative; this layer only surfaces its failure.
func (a Account) Available() int64 { return a.Balance - a.Reserved }

// AutoRecharge holds per-account top-up configuration.
type AutoRecharge struct {
	Enabled         bool   `json:"enabled"`
	Threshold       int64  `json:"threshold"`
	Amount          int64  `json:"amount"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
}

// PaymentMethod is a tokenized reference to a provider's saved instrument.
// Used only for auto-recharge.
type PaymentMethod struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Provider       string `json:"provider"`
	ProviderRef    string `json:"provider_ref"`
	Deleted        bool   `json:"deleted"`
}

// ProviderStripe is the only payment provider auto-recharge supports.
const ProviderStripe = "stripe"

// Package is a purchasable credit bundle. Prices maps a per-country price
// field name (price_clp, price_usd, ...) to an amount in the provider's
// minor units.
type Package struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Credits int64            `json:"credits"`
	Active  bool             `json:"active"`
	Prices  map[string]int64 `json:"prices"`
}

// Order records a credit package purchase.
type Order struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organization_id"`
	PackageID       string         `json:"package_id"`
	Credits         int64          `json:"credits"`
	Amount          int64          `json:"amount"`
	TaxAmount       int64          `json:"tax_amount"`
	Currency        string         `json:"currency"`
	Status          string         `json:"status"`
	PaymentIntentID string         `json:"payment_intent_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Order statuses.
const (
	OrderPending = "pending"
	OrderPaid    = "paid"
)

var (
	ErrAccountNotFound     = errors.New("credit account not found")
	ErrInvalidAmount       = errors.New("amount must be > 0")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrRechargeDisabled    = errors.New("auto-recharge is not enabled")
	ErrNoPaymentMethod     = errors.New("auto-recharge payment method not configured")
	ErrNoRechargeAmount    = errors.New("auto-recharge amount not configured")
	ErrUnsupportedProvider = errors.New("unsupported payment provider")
	ErrNoPackages          = errors.New("no active credit packages")
	ErrRequiresAction      = errors.New("payment requires customer action")
)

// Store is the RPC surface over the database that owns the ledger state
// machine. Implemented by internal/store/pg; the stored procedures are
// transactionally atomic and authoritative.
type Store interface {
	Account(ctx context.Context, orgID string) (Account, error)
	// Reserve calls reserve_credits and returns the opaque transaction id.
	Reserve(ctx context.Context, orgID string, amount int64, serviceCode, referenceID, description string) (string, error)
	Confirm(ctx context.Context, orgID, transactionID string) (bool, error)
	Release(ctx context.Context, orgID, transactionID string) (bool, error)
	Add(ctx context.Context, orgID string, amount int64, source string, metadata map[string]any, description string) (string, error)
	Balance(ctx context.Context, orgID string) (int64, error)

	PaymentMethod(ctx context.Context, id string) (PaymentMethod, error)
	// ActivePackages returns active packages ordered by ascending credits.
	ActivePackages(ctx context.Context) ([]Package, error)
	TaxRate(ctx context.Context, country string) (float64, error)
	CreateOrder(ctx context.Context, o Order) (Order, error)
	// SettlePayment marks the order paid and credits the purchase in one
	// transaction. applied is false when the order was already paid by an
	// earlier delivery of the same payment webhook; nothing is credited then.
	SettlePayment(ctx context.Context, evt SettlementEvent) (txID string, applied bool, err error)
}

// Intent mirrors the provider's payment intent.
type Intent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Provider intent statuses this coordinator branches on.
const (
	IntentSucceeded      = "succeeded"
	IntentRequiresAction = "requires_action"
)

// IntentRequest describes the charge to create.
type IntentRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Gateway abstracts the payment provider. Implemented by internal/payments.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	ConfirmIntent(ctx context.Context, intentID, paymentMethodRef string) (Intent, error)
}

// FailureNotifier delivers a best-effort "payment failed" notice. Errors
// from it must never mask the recharge error itself.
type FailureNotifier interface {
	RechargeFailed(ctx context.Context, orgID string, cause error) error
}

// SettlementEvent is a settled payment extracted from the provider's
// asynchronous webhook.
type SettlementEvent struct {
	OrganizationID  string `json:"organization_id"`
	OrderID         string `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	Credits         int64  `json:"credits"`
}

// currencyByCountry maps organization countries to charge currencies.
// Unmapped countries default to USD.
var currencyByCountry = map[string]string{
	"CL": "CLP",
	"PE": "PEN",
	"CO": "COP",
	"MX": "MXN",
	"US": "USD",
}

// priceFieldByCountry selects which Package price field applies for a
// country. Defaults to price_usd, then a zero price if even that is absent.
var priceFieldByCountry = map[string]string{
	"CL": "price_clp",
	"PE": "price_pen",
	"CO": "price_cop",
	"MX": "price_mxn",
	"US": "price_usd",
}

const defaultPriceField = "price_usd"

// CurrencyForCountry resolves the charge currency for a country code.
func CurrencyForCountry(country string) string {
	if c, ok := currencyByCountry[country]; ok {
		return c
	}
	return "USD"
}

func priceForCountry(p Package, country string) int64 {
	field, ok := priceFieldByCountry[country]
	if !ok {
		field = defaultPriceField
	}
	if v, ok := p.Prices[field]; ok {
		return v
	}
	return p.Prices[defaultPriceField]
}
