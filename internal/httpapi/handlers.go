package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"firmalex.io/api/spec"
	"firmalex.io/internal/credits"
	"firmalex.io/internal/obs"
	"firmalex.io/internal/signing"
)

// ReadyProbe pings the database for readiness checks.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// SigningCoordinator processes inbound signature-provider webhooks.
type SigningCoordinator interface {
	Handle(ctx context.Context, evt signing.Event, raw []byte) (signing.Result, error)
}

// CreditService is the credit ledger surface exposed over HTTP.
type CreditService interface {
	Reserve(ctx context.Context, orgID string, amount int64, serviceCode, referenceID, description string) (string, error)
	Confirm(ctx context.Context, orgID, transactionID string) (bool, error)
	Release(ctx context.Context, orgID, transactionID string) (bool, error)
	Add(ctx context.Context, orgID string, amount int64, source string, metadata map[string]any, description string) (string, error)
	Balance(ctx context.Context, orgID string) (int64, error)
	Settle(ctx context.Context, evt credits.SettlementEvent) (string, error)
	CheckAndRecharge(ctx context.Context, orgID string) (executed bool, err error)
}

// SettlementParser extracts settlement events from payment-provider webhook
// bodies.
type SettlementParser interface {
	Parse(payload []byte, signatureHeader string) (credits.SettlementEvent, bool, error)
}

// API is the HTTP layer.
type API struct {
	mux         *http.ServeMux
	handler     http.Handler
	readyProbe  ReadyProbe
	version     string
	coordinator SigningCoordinator
	creditSvc   CreditService
	settlements SettlementParser
}

func New(rp ReadyProbe, version string, coordinator SigningCoordinator, creditSvc CreditService, settlements SettlementParser) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  rp,
		version:     version,
		coordinator: coordinator,
		creditSvc:   creditSvc,
		settlements: settlements,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// OpenAPI YAML
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// Provider webhooks
	a.mux.HandleFunc("/v1/webhooks/signing", a.handleSigningWebhook)
	a.mux.HandleFunc("/v1/webhooks/payments", a.handlePaymentWebhook)

	// Credit ledger
	a.mux.HandleFunc("/v1/credits/", a.handleCredits)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	h := http.Handler(a.mux)
	h = LoggingJSON(h)
	h = RateLimit(h, 100, 50)
	h = MaxBodyBytes(h, 5<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	a.handler = obs.Instrument(h)

	return a
}

// Handler returns the instrumented handler chain for the server.
func (a *API) Handler() http.Handler {
	return a.handler
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "firmalex-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "firmalex-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
