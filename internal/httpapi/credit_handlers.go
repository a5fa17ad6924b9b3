package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"firmalex.io/internal/audit"
	"firmalex.io/internal/credits"
)

func (a *API) handleCredits(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/credits/")

	if strings.HasSuffix(path, "/balance") {
		orgID := strings.TrimSuffix(strings.TrimSuffix(path, "/balance"), "/")
		if orgID == "" {
			writeError(w, r, http.StatusNotFound, "organization not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getBalance(w, r, orgID)
		return
	}

	if strings.HasSuffix(path, "/recharge-check") {
		orgID := strings.TrimSuffix(strings.TrimSuffix(path, "/recharge-check"), "/")
		if orgID == "" {
			writeError(w, r, http.StatusNotFound, "organization not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.checkRecharge(w, r, orgID)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	switch path {
	case "reserve":
		a.reserveCredits(w, r)
	case "confirm":
		a.confirmCredits(w, r)
	case "release":
		a.releaseCredits(w, r)
	case "add":
		a.addCredits(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

type reserveRequest struct {
	OrganizationID string `json:"organization_id"`
	Amount         int64  `json:"amount"`
	ServiceCode    string `json:"service_code"`
	ReferenceID    string `json:"reference_id"`
	Description    string `json:"description"`
}

func (a *API) reserveCredits(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id is required")
		return
	}

	ctx := audit.WithOrganization(r.Context(), req.OrganizationID)
	txID, err := a.creditSvc.Reserve(ctx, req.OrganizationID, req.Amount,
		req.ServiceCode, req.ReferenceID, req.Description)
	if err != nil {
		handleCreditError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": txID,
		"status":         "reserved",
	})
}

type settleTransactionRequest struct {
	OrganizationID string `json:"organization_id"`
	TransactionID  string `json:"transaction_id"`
}

func (req settleTransactionRequest) validate() error {
	if strings.TrimSpace(req.OrganizationID) == "" {
		return errors.New("organization_id is required")
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return errors.New("transaction_id is required")
	}
	return nil
}

func (a *API) confirmCredits(w http.ResponseWriter, r *http.Request) {
	var req settleTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := audit.WithOrganization(r.Context(), req.OrganizationID)
	ok, err := a.creditSvc.Confirm(ctx, req.OrganizationID, req.TransactionID)
	if err != nil {
		handleCreditError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmed": ok})
}

func (a *API) releaseCredits(w http.ResponseWriter, r *http.Request) {
	var req settleTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := audit.WithOrganization(r.Context(), req.OrganizationID)
	ok, err := a.creditSvc.Release(ctx, req.OrganizationID, req.TransactionID)
	if err != nil {
		handleCreditError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": ok})
}

type addRequest struct {
	OrganizationID string         `json:"organization_id"`
	Amount         int64          `json:"amount"`
	Source         string         `json:"source"`
	Metadata       map[string]any `json:"metadata"`
	Description    string         `json:"description"`
}

func (a *API) addCredits(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id is required")
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}

	ctx := audit.WithOrganization(r.Context(), req.OrganizationID)
	txID, err := a.creditSvc.Add(ctx, req.OrganizationID, req.Amount,
		req.Source, req.Metadata, req.Description)
	if err != nil {
		handleCreditError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction_id": txID})
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, orgID string) {
	ctx := audit.WithOrganization(r.Context(), orgID)
	balance, err := a.creditSvc.Balance(ctx, orgID)
	if err != nil {
		handleCreditError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id": orgID,
		"balance":         balance,
	})
}

// checkRecharge runs the auto-recharge threshold check on demand, so admin
// tooling can top an organization up without waiting for its next metered
// reserve.
func (a *API) checkRecharge(w http.ResponseWriter, r *http.Request, orgID string) {
	ctx := audit.WithOrganization(r.Context(), orgID)
	executed, err := a.creditSvc.CheckAndRecharge(ctx, orgID)
	if err != nil {
		handleCreditError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id":   orgID,
		"recharge_executed": executed,
	})
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleCreditError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, credits.ErrInvalidAmount):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, credits.ErrInsufficientCredits):
		writeError(w, r, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, credits.ErrAccountNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, credits.ErrRechargeDisabled),
		errors.Is(err, credits.ErrNoPaymentMethod),
		errors.Is(err, credits.ErrNoRechargeAmount):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
