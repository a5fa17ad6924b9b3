package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"firmalex.io/internal/ids"
	"firmalex.io/internal/signing"
)

func (s *Store) DocumentByTransactionCode(ctx context.Context, code string) (signing.Document, error) {
	var (
		doc     signing.Document
		rawMeta []byte
		path    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, organization_id, title, status, provider_transaction_code,
		       signing_order, current_signed_file_path, metadata
		from documents
		where provider_transaction_code = $1
	`, code).Scan(
		&doc.ID, &doc.OrganizationID, &doc.Title, &doc.Status, &doc.TransactionCode,
		&doc.SigningOrder, &path, &rawMeta,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return signing.Document{}, signing.ErrNotFound
	}
	if err != nil {
		return signing.Document{}, err
	}
	if path.Valid {
		doc.SignedFilePath = path.String
	}
	doc.Metadata = map[string]any{}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &doc.Metadata); err != nil {
			return signing.Document{}, fmt.Errorf("decode document metadata: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, document_id, rut, email, name, status, signing_order,
		       signed_at, rejected_at, coalesce(rejection_reason, '')
		from signers
		where document_id = $1
		order by signing_order asc
	`, doc.ID)
	if err != nil {
		return signing.Document{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var sg signing.Signer
		if err := rows.Scan(
			&sg.ID, &sg.DocumentID, &sg.RUT, &sg.Email, &sg.Name, &sg.Status,
			&sg.SigningOrder, &sg.SignedAt, &sg.RejectedAt, &sg.RejectionReason,
		); err != nil {
			return signing.Document{}, err
		}
		doc.Signers = append(doc.Signers, sg)
	}
	if err := rows.Err(); err != nil {
		return signing.Document{}, err
	}
	return doc, nil
}

func (s *Store) EnrollSignersByRUT(ctx context.Context, rut string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update signers
		set status = $2, updated_at = now()
		where regexp_replace(upper(rut), '\.', '', 'g') = $1
		  and status in ($3, $4)
	`, rut, signing.SignerEnrolled, signing.SignerPending, signing.SignerNeedsEnrollment)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) MarkSignerSigned(ctx context.Context, signerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update signers
		set status = $2, signed_at = $3, updated_at = now()
		where id = $1
	`, signerID, signing.SignerSigned, at)
	return err
}

func (s *Store) MarkSignerRejected(ctx context.Context, signerID, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update signers
		set status = $2, rejected_at = $3, rejection_reason = $4, updated_at = now()
		where id = $1
	`, signerID, signing.SignerRejected, at, reason)
	return err
}

func (s *Store) SetDocumentStatus(ctx context.Context, documentID string, status signing.DocumentStatus) error {
	_, err := s.db.ExecContext(ctx, `
		update documents
		set status = $2, updated_at = now()
		where id = $1
	`, documentID, status)
	return err
}

func (s *Store) SetSignedFilePath(ctx context.Context, documentID, path string) error {
	_, err := s.db.ExecContext(ctx, `
		update documents
		set current_signed_file_path = $2, updated_at = now()
		where id = $1
	`, documentID, path)
	return err
}

func (s *Store) AppendWebhookLog(ctx context.Context, entry signing.WebhookLog) error {
	payload := entry.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into webhook_logs (id, document_id, provider, transaction_code, payload, status, processed_at)
		values ($1, nullif($2,''), $3, $4, $5::jsonb, $6, $7)
	`, ids.New(), entry.DocumentID, entry.Provider, entry.TransactionCode, payload, entry.Status, entry.ProcessedAt)
	return err
}
