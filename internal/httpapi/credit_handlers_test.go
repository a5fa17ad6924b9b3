package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"firmalex.io/internal/audit"
	"firmalex.io/internal/credits"
	"firmalex.io/internal/obs"
)

func TestReserveCredits(t *testing.T) {
	svc := &stubCreditService{reserveTx: "tx-1"}
	rr := doRequest(t, newTestAPI(nil, svc, nil), http.MethodPost, "/v1/credits/reserve",
		`{"organization_id":"org-1","amount":25,"service_code":"signature","reference_id":"doc-1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["transaction_id"] != "tx-1" || body["status"] != "reserved" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestReserveRequiresOrganization(t *testing.T) {
	rr := doRequest(t, newTestAPI(nil, nil, nil), http.MethodPost, "/v1/credits/reserve",
		`{"amount":25}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReserveMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{credits.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("reserve: %w", credits.ErrInsufficientCredits), http.StatusPaymentRequired},
		{credits.ErrAccountNotFound, http.StatusNotFound},
		{fmt.Errorf("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &stubCreditService{reserveErr: tc.err}
		rr := doRequest(t, newTestAPI(nil, svc, nil), http.MethodPost, "/v1/credits/reserve",
			`{"organization_id":"org-1","amount":25}`)
		if rr.Code != tc.code {
			t.Errorf("error %v: status = %d, want %d", tc.err, rr.Code, tc.code)
		}
	}
}

func TestConfirmRequiresTransactionID(t *testing.T) {
	rr := doRequest(t, newTestAPI(nil, nil, nil), http.MethodPost, "/v1/credits/confirm",
		`{"organization_id":"org-1"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestConfirmAndRelease(t *testing.T) {
	for _, path := range []string{"/v1/credits/confirm", "/v1/credits/release"} {
		rr := doRequest(t, newTestAPI(nil, nil, nil), http.MethodPost, path,
			`{"organization_id":"org-1","transaction_id":"tx-1"}`)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rr.Code)
		}
	}
}

func TestAddCreditsDefaultsSource(t *testing.T) {
	rr := doRequest(t, newTestAPI(nil, nil, nil), http.MethodPost, "/v1/credits/add",
		`{"organization_id":"org-1","amount":100}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestGetBalance(t *testing.T) {
	svc := &stubCreditService{balance: 420}
	rr := doRequest(t, newTestAPI(nil, svc, nil), http.MethodGet, "/v1/credits/org-1/balance", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["balance"] != float64(420) || body["organization_id"] != "org-1" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestBalanceRejectsPost(t *testing.T) {
	rr := doRequest(t, newTestAPI(nil, nil, nil), http.MethodPost, "/v1/credits/org-1/balance", `{}`)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestUnknownCreditRouteIs404(t *testing.T) {
	rr := doRequest(t, newTestAPI(nil, nil, nil), http.MethodPost, "/v1/credits/refund", `{}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCreditRoutesRejectGet(t *testing.T) {
	rr := doRequest(t, newTestAPI(nil, nil, nil), http.MethodGet, "/v1/credits/reserve", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	rr := doRequest(t, newTestAPI(nil, nil, nil), http.MethodPost, "/v1/credits/reserve",
		`{"organization_id":"org-1","amount":25,"surprise":true}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCheckRecharge(t *testing.T) {
	svc := &stubCreditService{rechargeRan: true}
	rr := doRequest(t, newTestAPI(nil, svc, nil), http.MethodPost, "/v1/credits/org-1/recharge-check", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["recharge_executed"] != true || body["organization_id"] != "org-1" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCheckRechargeRejectsGet(t *testing.T) {
	rr := doRequest(t, newTestAPI(nil, nil, nil), http.MethodGet, "/v1/credits/org-1/recharge-check", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCheckRechargeMapsMisconfiguration(t *testing.T) {
	svc := &stubCreditService{rechargeErr: credits.ErrRechargeDisabled}
	rr := doRequest(t, newTestAPI(nil, svc, nil), http.MethodPost, "/v1/credits/org-1/recharge-check", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCreditHandlersCarryOrganizationAuditContext(t *testing.T) {
	svc := &stubCreditService{reserveTx: "tx-1"}
	doRequest(t, newTestAPI(nil, svc, nil), http.MethodPost, "/v1/credits/reserve",
		`{"organization_id":"org-7","amount":5}`)
	if svc.lastCtx == nil {
		t.Fatal("service never called")
	}

	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	if err := audit.LogEvent(svc.lastCtx, "audit.test", nil); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["organization_id"] != "org-7" {
		t.Fatalf("organization missing from audit context: %v", entry)
	}
}
