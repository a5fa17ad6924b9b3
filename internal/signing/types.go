package signing

import (
	"context"
	"errors"
	"time"
)

// SignerStatus tracks a signer through the provider-driven lifecycle:
// pending -> needs_enrollment -> enrolled -> signed | rejected.
// The provider is the source of truth for which transitions are valid;
// enrollment and simple-flow notifications may short-circuit intermediate
// states.
type SignerStatus string

const (
	SignerPending         SignerStatus = "pending"
	SignerNeedsEnrollment SignerStatus = "needs_enrollment"
	SignerEnrolled        SignerStatus = "enrolled"
	SignerSigned          SignerStatus = "signed"
	SignerRejected        SignerStatus = "rejected"
)

// DocumentStatus is the document-level lifecycle. This coordinator only
// drives documents to rejected; document-level completion is decided by a
// separate process.
type DocumentStatus string

const (
	DocumentDraft         DocumentStatus = "draft"
	DocumentPendingReview DocumentStatus = "pending_review"
	DocumentInSigning     DocumentStatus = "in_signing"
	DocumentSigned        DocumentStatus = "signed"
	DocumentNotarized     DocumentStatus = "notarized"
	DocumentCompleted     DocumentStatus = "completed"
	DocumentCancelled     DocumentStatus = "cancelled"
	DocumentRejected      DocumentStatus = "rejected"
)

// SigningOrderSequential makes signer turns strictly ordered by ascending
// signing order; any other value means signers act independently.
const SigningOrderSequential = "sequential"

// DefaultRejectionReason is recorded when the provider sends a rejection
// without a message.
const DefaultRejectionReason = "Firmante rechazó firmar"

// Provider identifies the external signature provider in audit rows.
const Provider = "firmavirtual"

type Signer struct {
	ID              string       `json:"id"`
	DocumentID      string       `json:"document_id"`
	RUT             string       `json:"rut"`
	Email           string       `json:"email"`
	Name            string       `json:"name"`
	Status          SignerStatus `json:"status"`
	SigningOrder    int          `json:"signing_order"`
	SignedAt        *time.Time   `json:"signed_at,omitempty"`
	RejectedAt      *time.Time   `json:"rejected_at,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
}

type Document struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organization_id"`
	Title           string         `json:"title"`
	Status          DocumentStatus `json:"status"`
	TransactionCode string         `json:"provider_transaction_code"`
	SigningOrder    string         `json:"signing_order"`
	SignedFilePath  string         `json:"current_signed_file_path,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Signers         []Signer       `json:"signers,omitempty"`
}

// WebhookLog is the append-only audit row written for every matched inbound
// webhook (including ones the system could not correlate).
type WebhookLog struct {
	DocumentID      string    `json:"document_id,omitempty"`
	Provider        string    `json:"provider"`
	TransactionCode string    `json:"transaction_code"`
	Payload         []byte    `json:"payload"`
	Status          string    `json:"status"`
	ProcessedAt     time.Time `json:"processed_at"`
}

var ErrNotFound = errors.New("not found")

// Store is the persistence surface the webhook coordinator mutates. The
// backing implementation lives in internal/store/pg.
type Store interface {
	// DocumentByTransactionCode returns the document with its signers
	// ordered by ascending signing order, or ErrNotFound.
	DocumentByTransactionCode(ctx context.Context, code string) (Document, error)
	// EnrollSignersByRUT marks every signer with the given identity number
	// in status pending or needs_enrollment as enrolled; returns the number
	// of signers updated.
	EnrollSignersByRUT(ctx context.Context, rut string) (int, error)
	MarkSignerSigned(ctx context.Context, signerID string, at time.Time) error
	MarkSignerRejected(ctx context.Context, signerID, reason string, at time.Time) error
	SetDocumentStatus(ctx context.Context, documentID string, status DocumentStatus) error
	SetSignedFilePath(ctx context.Context, documentID, path string) error
	AppendWebhookLog(ctx context.Context, entry WebhookLog) error
}

// FileStore uploads signed document binaries. Implemented by internal/storage.
type FileStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Notification is the outbound payload telling the next signer it is their
// turn.
type Notification struct {
	Type           string `json:"type"`
	RecipientEmail string `json:"recipient_email"`
	RecipientName  string `json:"recipient_name"`
	DocumentTitle  string `json:"document_title"`
	ActionURL      string `json:"action_url"`
	OrgID          string `json:"org_id"`
	DocumentID     string `json:"document_id"`
	SignerID       string `json:"signer_id"`
}

// Notifier delivers outbound notifications. Failures are logged by the
// coordinator and never propagated to the webhook response.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}
