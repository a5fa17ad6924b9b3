package signing

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"firmalex.io/internal/audit"
	"firmalex.io/internal/obs"
)

// Event is the provider callback payload. Field names follow the provider's
// wire format and are not validated against a schema; the dispatch logic is
// defensive instead.
type Event struct {
	TransactionCode string          `json:"codigoTransaccion"`
	Status          string          `json:"estado"`
	Message         string          `json:"mensaje"`
	RUT             string          `json:"rut"`
	Email           string          `json:"correo"`
	Date            string          `json:"fecha"`
	Documents       []EventDocument `json:"documentos"`
	Signers         []EventSigner   `json:"firmantes"`
}

// EventDocument carries a signed document payload, base64 encoded under
// either field depending on the provider flow.
type EventDocument struct {
	Base64  string `json:"base64"`
	Content string `json:"contenido"`
}

type EventSigner struct {
	RUT   string `json:"rut"`
	Email string `json:"correo"`
}

// Result is the acknowledgement body returned to the provider. Recognized
// but unmatched events still succeed: the provider must never be taught to
// retry on data this system cannot correlate.
type Result struct {
	Success            bool   `json:"success"`
	Action             string `json:"action,omitempty"`
	Message            string `json:"message,omitempty"`
	Warning            string `json:"warning,omitempty"`
	SignerUpdated      bool   `json:"signer_updated,omitempty"`
	NextSignerNotified bool   `json:"next_signer_notified,omitempty"`
	SignersEnrolled    int    `json:"signers_enrolled,omitempty"`
}

// Resolved actions.
const (
	ActionEnrollment     = "signer_enrollment"
	ActionValidationPing = "validation_ping"
	ActionSigned         = "signature_completed"
	ActionRejected       = "signature_rejected"
	ActionProviderError  = "provider_error"
	ActionAcknowledged   = "acknowledged"
	ActionIgnored        = "ignored"
)

var (
	signedStates   = map[string]bool{"FIRMADO": true, "SIGNED": true, "0": true}
	rejectedStates = map[string]bool{"RECHAZADO": true, "REJECTED": true}
)

// Coordinator translates provider callbacks into signer/document state
// mutations. All correctness-critical accounting lives in the store; this
// layer sequences calls and handles external side effects around it.
type Coordinator struct {
	store    Store
	files    FileStore
	notifier Notifier
	signURL  string
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFileStore enables signed-document uploads.
func WithFileStore(fs FileStore) Option {
	return func(c *Coordinator) { c.files = fs }
}

// WithNotifier enables next-signer notifications in sequential flows.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithSignBaseURL sets the base URL embedded in signer notifications.
func WithSignBaseURL(u string) Option {
	return func(c *Coordinator) { c.signURL = strings.TrimRight(u, "/") }
}

func withClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator constructs a Coordinator over the given store.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle dispatches a parsed provider event. A returned error means the
// event could not be processed at all (infrastructure failure) and maps to
// an HTTP 400 at the boundary; every recognized shape, matched or not,
// returns a Result acknowledged with 200.
func (c *Coordinator) Handle(ctx context.Context, evt Event, raw []byte) (Result, error) {
	res, err := c.dispatch(ctx, evt, raw)

	action := res.Action
	if action == "" {
		action = ActionIgnored
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	obs.ObserveWebhookEvent(action, outcome)
	if aerr := audit.LogEvent(ctx, "signing.webhook."+action, map[string]any{
		"transaction_code": evt.TransactionCode,
		"signer_updated":   res.SignerUpdated,
		"warning":          res.Warning,
	}); aerr != nil {
		obs.Warn("audit event failed", map[string]any{"err": aerr.Error()})
	}
	return res, err
}

// Dispatch precedence: enrollment notification, endpoint validation ping,
// simple-flow signature, full status notification.
func (c *Coordinator) dispatch(ctx context.Context, evt Event, raw []byte) (Result, error) {
	hasIdentity := strings.TrimSpace(evt.RUT) != "" && strings.TrimSpace(evt.Date) != ""
	switch {
	case evt.TransactionCode == "" && hasIdentity && evt.Status == "":
		return c.handleEnrollment(ctx, evt), nil
	case evt.TransactionCode == "":
		return Result{Success: true, Action: ActionValidationPing, Message: "Webhook endpoint operational"}, nil
	case hasIdentity && evt.Status == "":
		return c.handleSimpleFlow(ctx, evt, raw)
	default:
		return c.handleStatus(ctx, evt, raw)
	}
}

// handleEnrollment marks every pending signer with the given identity number
// as enrolled. Enrollment pings must never cause provider retries, so store
// failures degrade to a warning in the acknowledgement.
func (c *Coordinator) handleEnrollment(ctx context.Context, evt Event) Result {
	n, err := c.store.EnrollSignersByRUT(ctx, normalizeRUT(evt.RUT))
	if err != nil {
		obs.Warn("signer enrollment update failed", map[string]any{"rut": evt.RUT, "err": err.Error()})
		return Result{Success: true, Action: ActionEnrollment, Warning: "enrollment could not be recorded"}
	}
	return Result{Success: true, Action: ActionEnrollment, SignersEnrolled: n}
}

// handleSimpleFlow processes a signature notification that carries no estado:
// the presence of rut+fecha alongside the transaction code means the signer
// completed a simple (single-step) signature.
func (c *Coordinator) handleSimpleFlow(ctx context.Context, evt Event, raw []byte) (Result, error) {
	doc, err := c.store.DocumentByTransactionCode(ctx, evt.TransactionCode)
	if errors.Is(err, ErrNotFound) {
		obs.Warn("simple-flow webhook for unknown transaction", map[string]any{"transaction_code": evt.TransactionCode})
		c.appendLog(ctx, "", evt, raw, "unmatched")
		return Result{Success: true, Action: ActionAcknowledged, Warning: "document not found for transaction code"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("lookup document by transaction code: %w", err)
	}

	res := Result{Success: true, Action: ActionSigned}
	signer := findSigner(doc, evt.RUT, "")
	if signer == nil {
		res.Warning = "no matching signer for identity number"
	} else {
		if err := c.store.MarkSignerSigned(ctx, signer.ID, c.now()); err != nil {
			return Result{}, fmt.Errorf("mark signer signed: %w", err)
		}
		res.SignerUpdated = true
	}
	c.appendLog(ctx, doc.ID, evt, raw, res.Action)
	return res, nil
}

// handleStatus processes a full status notification keyed by transaction code.
func (c *Coordinator) handleStatus(ctx context.Context, evt Event, raw []byte) (Result, error) {
	doc, err := c.store.DocumentByTransactionCode(ctx, evt.TransactionCode)
	if errors.Is(err, ErrNotFound) {
		// Not a 404: the provider's webhook-URL validation depends on a 200,
		// and retries on missing data would never succeed on their own.
		c.appendLog(ctx, "", evt, raw, "unmatched")
		return Result{Success: true, Action: ActionAcknowledged, Warning: "document not found for transaction code"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("lookup document by transaction code: %w", err)
	}

	status := strings.ToUpper(strings.TrimSpace(evt.Status))
	switch {
	case signedStates[status]:
		return c.handleSigned(ctx, doc, evt, raw)
	case rejectedStates[status]:
		return c.handleRejected(ctx, doc, evt, raw)
	case status == "ERROR":
		obs.Error("provider reported signing error", map[string]any{
			"transaction_code": evt.TransactionCode,
			"document_id":      doc.ID,
			"message":          evt.Message,
		})
		c.appendLog(ctx, doc.ID, evt, raw, ActionProviderError)
		return Result{Success: true, Action: ActionProviderError}, nil
	default:
		obs.Warn("unhandled provider status", map[string]any{"estado": evt.Status, "document_id": doc.ID})
		c.appendLog(ctx, doc.ID, evt, raw, ActionIgnored)
		return Result{Success: true, Action: ActionIgnored, Warning: "unhandled status: " + evt.Status}, nil
	}
}

func (c *Coordinator) handleSigned(ctx context.Context, doc Document, evt Event, raw []byte) (Result, error) {
	res := Result{Success: true, Action: ActionSigned}

	if payload, ok := firstDocumentPayload(evt); ok {
		pdf, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// A corrupt attachment must not block the signer state update.
			obs.Warn("signed document payload is not valid base64", map[string]any{"document_id": doc.ID})
		} else if c.files == nil {
			obs.Warn("file store not configured, skipping signed document upload", map[string]any{"document_id": doc.ID})
		} else {
			key := SignedFileKey(doc.OrganizationID, doc.ID, c.now())
			if err := c.files.Upload(ctx, key, pdf, "application/pdf"); err != nil {
				return Result{}, fmt.Errorf("upload signed document: %w", err)
			}
			if err := c.store.SetSignedFilePath(ctx, doc.ID, key); err != nil {
				return Result{}, fmt.Errorf("record signed file path: %w", err)
			}
		}
	}

	signer := findSigner(doc, evt.RUT, evt.Email)
	if signer == nil && len(evt.Signers) > 0 {
		signer = findSigner(doc, evt.Signers[0].RUT, evt.Signers[0].Email)
	}
	if signer == nil {
		res.Warning = "no matching signer for identity number or email"
		c.appendLog(ctx, doc.ID, evt, raw, res.Action)
		return res, nil
	}

	if err := c.store.MarkSignerSigned(ctx, signer.ID, c.now()); err != nil {
		return Result{}, fmt.Errorf("mark signer signed: %w", err)
	}
	res.SignerUpdated = true

	if doc.SigningOrder == SigningOrderSequential {
		if next := nextEnrolledSigner(doc, signer.SigningOrder); next != nil && c.notifier != nil {
			n := Notification{
				Type:           "signer_turn",
				RecipientEmail: next.Email,
				RecipientName:  next.Name,
				DocumentTitle:  doc.Title,
				ActionURL:      fmt.Sprintf("%s/sign/%s", c.signURL, doc.ID),
				OrgID:          doc.OrganizationID,
				DocumentID:     doc.ID,
				SignerID:       next.ID,
			}
			if err := c.notifier.Send(ctx, n); err != nil {
				obs.Warn("next-signer notification failed", map[string]any{
					"document_id": doc.ID,
					"signer_id":   next.ID,
					"err":         err.Error(),
				})
			} else {
				res.NextSignerNotified = true
			}
		}
	}

	c.appendLog(ctx, doc.ID, evt, raw, res.Action)
	return res, nil
}

func (c *Coordinator) handleRejected(ctx context.Context, doc Document, evt Event, raw []byte) (Result, error) {
	reason := strings.TrimSpace(evt.Message)
	if reason == "" {
		reason = DefaultRejectionReason
	}

	res := Result{Success: true, Action: ActionRejected}
	signer := findSigner(doc, evt.RUT, evt.Email)
	if signer == nil {
		res.Warning = "no matching signer for identity number or email"
	} else {
		if err := c.store.MarkSignerRejected(ctx, signer.ID, reason, c.now()); err != nil {
			return Result{}, fmt.Errorf("mark signer rejected: %w", err)
		}
		res.SignerUpdated = true
	}

	// One rejection terminates the whole document, even in multi-signer
	// flows where others already signed.
	if err := c.store.SetDocumentStatus(ctx, doc.ID, DocumentRejected); err != nil {
		return Result{}, fmt.Errorf("set document rejected: %w", err)
	}

	c.appendLog(ctx, doc.ID, evt, raw, res.Action)
	return res, nil
}

// appendLog writes the append-only webhook audit row. Failures are warned,
// never thrown: audit logging can never block webhook acknowledgement.
func (c *Coordinator) appendLog(ctx context.Context, documentID string, evt Event, raw []byte, status string) {
	entry := WebhookLog{
		DocumentID:      documentID,
		Provider:        Provider,
		TransactionCode: evt.TransactionCode,
		Payload:         raw,
		Status:          status,
		ProcessedAt:     c.now(),
	}
	if err := c.store.AppendWebhookLog(ctx, entry); err != nil {
		obs.Warn("webhook audit insert failed", map[string]any{
			"transaction_code": evt.TransactionCode,
			"err":              err.Error(),
		})
	}
}

// SignedFileKey builds the storage key for an uploaded signed document.
func SignedFileKey(orgID, documentID string, at time.Time) string {
	return fmt.Sprintf("%s/%s/signed_%d.pdf", orgID, documentID, at.Unix())
}

func firstDocumentPayload(evt Event) (string, bool) {
	for _, d := range evt.Documents {
		if d.Base64 != "" {
			return d.Base64, true
		}
		if d.Content != "" {
			return d.Content, true
		}
	}
	return "", false
}

// findSigner matches by identity number first, then by email.
func findSigner(doc Document, rut, email string) *Signer {
	if r := normalizeRUT(rut); r != "" {
		for i := range doc.Signers {
			if normalizeRUT(doc.Signers[i].RUT) == r {
				return &doc.Signers[i]
			}
		}
	}
	if e := strings.ToLower(strings.TrimSpace(email)); e != "" {
		for i := range doc.Signers {
			if strings.ToLower(doc.Signers[i].Email) == e {
				return &doc.Signers[i]
			}
		}
	}
	return nil
}

// nextEnrolledSigner returns the enrolled signer with the smallest signing
// order strictly greater than after, or nil.
func nextEnrolledSigner(doc Document, after int) *Signer {
	var next *Signer
	for i := range doc.Signers {
		s := &doc.Signers[i]
		if s.SigningOrder <= after || s.Status != SignerEnrolled {
			continue
		}
		if next == nil || s.SigningOrder < next.SigningOrder {
			next = s
		}
	}
	return next
}

// normalizeRUT removes thousands separators and upper-cases the check digit
// so "11.111.111-k" and "11111111-K" compare equal.
func normalizeRUT(rut string) string {
	rut = strings.TrimSpace(rut)
	rut = strings.ReplaceAll(rut, ".", "")
	return strings.ToUpper(rut)
}
