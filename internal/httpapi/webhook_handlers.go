package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"firmalex.io/internal/obs"
	"firmalex.io/internal/signing"
)

// The signature provider validates webhook URLs by probing them with GET and
// empty POSTs, and it retries any non-2xx response forever. The handler is
// therefore deliberately permissive: correlation misses acknowledge with 200
// and only malformed payloads or a processing failure produce a 400.

func (a *API) handleSigningWebhook(w http.ResponseWriter, r *http.Request) {
	// The provider calls from browser contexts during URL validation.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"message": "Webhook operational",
		})
	case http.MethodPost:
		a.processSigningWebhook(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodOptions)
	}
}

func (a *API) processSigningWebhook(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			obs.Error("signing webhook panic", map[string]any{"panic": rec})
			writeError(w, r, http.StatusBadRequest, "webhook processing failed")
		}
	}()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unreadable request body")
		return
	}

	var evt signing.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	result, err := a.coordinator.Handle(r.Context(), evt, raw)
	if err != nil {
		obs.Error("signing webhook failed", map[string]any{
			"transaction_code": evt.TransactionCode,
			"error":            err.Error(),
		})
		writeError(w, r, http.StatusBadRequest, "webhook processing failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unreadable request body")
		return
	}

	event, ok, err := a.settlements.Parse(raw, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "handled": false})
		return
	}

	txID, err := a.creditSvc.Settle(r.Context(), event)
	if err != nil {
		// Non-2xx makes the provider redeliver, which is what we want for a
		// transient ledger failure.
		obs.Error("payment settlement failed", map[string]any{
			"order_id": event.OrderID,
			"error":    err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "settlement failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received":       true,
		"handled":        true,
		"transaction_id": txID,
	})
}
