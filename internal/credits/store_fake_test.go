package credits

import (
	"context"
	"fmt"
)

type reserveCall struct {
	orgID       string
	amount      int64
	serviceCode string
}

type addCall struct {
	orgID    string
	amount   int64
	source   string
	metadata map[string]any
}

type fakeStore struct {
	acc    Account
	accErr error

	reserveID    string
	reserveErr   error
	reserveCalls []reserveCall

	confirmOK  bool
	confirmErr error
	releaseOK  bool
	releaseErr error

	addID    string
	addErr   error
	addCalls []addCall

	balance    int64
	balanceErr error

	pm     PaymentMethod
	pmErr  error
	pkgs   []Package
	pkgErr error

	taxRate float64
	taxErr  error

	orders     []Order
	orderErr   error
	paidOrders map[string]string

	settleTxID  string
	settleErr   error
	settleCalls []SettlementEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{paidOrders: map[string]string{}}
}

func (f *fakeStore) Account(ctx context.Context, orgID string) (Account, error) {
	return f.acc, f.accErr
}

func (f *fakeStore) Reserve(ctx context.Context, orgID string, amount int64, serviceCode, referenceID, description string) (string, error) {
	f.reserveCalls = append(f.reserveCalls, reserveCall{orgID: orgID, amount: amount, serviceCode: serviceCode})
	return f.reserveID, f.reserveErr
}

func (f *fakeStore) Confirm(ctx context.Context, orgID, transactionID string) (bool, error) {
	return f.confirmOK, f.confirmErr
}

func (f *fakeStore) Release(ctx context.Context, orgID, transactionID string) (bool, error) {
	return f.releaseOK, f.releaseErr
}

func (f *fakeStore) Add(ctx context.Context, orgID string, amount int64, source string, metadata map[string]any, description string) (string, error) {
	f.addCalls = append(f.addCalls, addCall{orgID: orgID, amount: amount, source: source, metadata: metadata})
	return f.addID, f.addErr
}

func (f *fakeStore) Balance(ctx context.Context, orgID string) (int64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeStore) PaymentMethod(ctx context.Context, id string) (PaymentMethod, error) {
	return f.pm, f.pmErr
}

func (f *fakeStore) ActivePackages(ctx context.Context) ([]Package, error) {
	return f.pkgs, f.pkgErr
}

func (f *fakeStore) TaxRate(ctx context.Context, country string) (float64, error) {
	return f.taxRate, f.taxErr
}

func (f *fakeStore) CreateOrder(ctx context.Context, o Order) (Order, error) {
	if f.orderErr != nil {
		return Order{}, f.orderErr
	}
	o.ID = fmt.Sprintf("ord-%d", len(f.orders)+1)
	f.orders = append(f.orders, o)
	return o, nil
}

func (f *fakeStore) SettlePayment(ctx context.Context, evt SettlementEvent) (string, bool, error) {
	if f.settleErr != nil {
		return "", false, f.settleErr
	}
	if evt.OrderID != "" {
		if _, paid := f.paidOrders[evt.OrderID]; paid {
			return "", false, nil
		}
		f.paidOrders[evt.OrderID] = evt.PaymentIntentID
	}
	f.settleCalls = append(f.settleCalls, evt)
	return f.settleTxID, true, nil
}

type fakeGateway struct {
	createCalls  []IntentRequest
	createErr    error
	confirmCalls []string
	confirmErr   error
	confirmTo    string // status the confirmation lands in
}

func (f *fakeGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if f.createErr != nil {
		return Intent{}, f.createErr
	}
	f.createCalls = append(f.createCalls, req)
	return Intent{ID: fmt.Sprintf("pi_%d", len(f.createCalls)), Status: "requires_confirmation"}, nil
}

func (f *fakeGateway) ConfirmIntent(ctx context.Context, intentID, paymentMethodRef string) (Intent, error) {
	if f.confirmErr != nil {
		return Intent{}, f.confirmErr
	}
	f.confirmCalls = append(f.confirmCalls, intentID)
	status := f.confirmTo
	if status == "" {
		status = IntentSucceeded
	}
	return Intent{ID: intentID, Status: status}, nil
}

type fakeFailureNotifier struct {
	calls []string
	err   error
}

func (f *fakeFailureNotifier) RechargeFailed(ctx context.Context, orgID string, cause error) error {
	f.calls = append(f.calls, orgID)
	return f.err
}
