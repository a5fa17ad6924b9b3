package signing

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeStore struct {
	doc    Document
	docErr error

	enrollRUT   string
	enrollCount int
	enrollErr   error

	signedIDs   []string
	rejectedIDs map[string]string
	docStatuses map[string]DocumentStatus
	filePaths   map[string]string
	logs        []WebhookLog
	logErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rejectedIDs: map[string]string{},
		docStatuses: map[string]DocumentStatus{},
		filePaths:   map[string]string{},
	}
}

func (f *fakeStore) DocumentByTransactionCode(ctx context.Context, code string) (Document, error) {
	if f.docErr != nil {
		return Document{}, f.docErr
	}
	return f.doc, nil
}

func (f *fakeStore) EnrollSignersByRUT(ctx context.Context, rut string) (int, error) {
	f.enrollRUT = rut
	return f.enrollCount, f.enrollErr
}

func (f *fakeStore) MarkSignerSigned(ctx context.Context, signerID string, at time.Time) error {
	f.signedIDs = append(f.signedIDs, signerID)
	return nil
}

func (f *fakeStore) MarkSignerRejected(ctx context.Context, signerID, reason string, at time.Time) error {
	f.rejectedIDs[signerID] = reason
	return nil
}

func (f *fakeStore) SetDocumentStatus(ctx context.Context, documentID string, status DocumentStatus) error {
	f.docStatuses[documentID] = status
	return nil
}

func (f *fakeStore) SetSignedFilePath(ctx context.Context, documentID, path string) error {
	f.filePaths[documentID] = path
	return nil
}

func (f *fakeStore) AppendWebhookLog(ctx context.Context, entry WebhookLog) error {
	if f.logErr != nil {
		return f.logErr
	}
	f.logs = append(f.logs, entry)
	return nil
}

type fakeFiles struct {
	keys []string
	err  error
}

func (f *fakeFiles) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	return nil
}

type fakeNotifier struct {
	sent []Notification
	err  error
}

func (f *fakeNotifier) Send(ctx context.Context, n Notification) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

func sequentialDoc() Document {
	return Document{
		ID:              "doc-1",
		OrganizationID:  "org-1",
		Title:           "Contrato de arriendo",
		Status:          DocumentInSigning,
		TransactionCode: "TX123",
		SigningOrder:    SigningOrderSequential,
		Signers: []Signer{
			{ID: "s1", DocumentID: "doc-1", RUT: "11111111-1", Email: "uno@example.com", Name: "Uno", Status: SignerEnrolled, SigningOrder: 1},
			{ID: "s2", DocumentID: "doc-1", RUT: "22222222-2", Email: "dos@example.com", Name: "Dos", Status: SignerEnrolled, SigningOrder: 2},
			{ID: "s3", DocumentID: "doc-1", RUT: "33333333-3", Email: "tres@example.com", Name: "Tres", Status: SignerPending, SigningOrder: 3},
		},
	}
}

func fixedClock() Option {
	return withClock(func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) })
}

func TestEnrollmentNotification(t *testing.T) {
	store := newFakeStore()
	store.enrollCount = 2
	c := NewCoordinator(store, fixedClock())

	res, err := c.Handle(context.Background(), Event{RUT: "11.111.111-k", Date: "2026-03-15"}, nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Success || res.Action != ActionEnrollment {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.SignersEnrolled != 2 {
		t.Fatalf("expected 2 enrolled, got %d", res.SignersEnrolled)
	}
	if store.enrollRUT != "11111111-K" {
		t.Fatalf("expected normalized rut, got %q", store.enrollRUT)
	}
}

func TestEnrollmentStoreFailureStillAcknowledged(t *testing.T) {
	store := newFakeStore()
	store.enrollErr = errors.New("db down")
	c := NewCoordinator(store, fixedClock())

	res, err := c.Handle(context.Background(), Event{RUT: "11111111-1", Date: "2026-03-15"}, nil)
	if err != nil {
		t.Fatalf("enrollment must never propagate errors, got %v", err)
	}
	if !res.Success || res.Warning == "" {
		t.Fatalf("expected success with warning, got %+v", res)
	}
}

func TestValidationPing(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, fixedClock())

	res, err := c.Handle(context.Background(), Event{}, nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Success || res.Action != ActionValidationPing {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(store.logs) != 0 {
		t.Fatalf("validation ping must not touch the store")
	}
}

func TestSimpleFlowSignature(t *testing.T) {
	store := newFakeStore()
	store.doc = sequentialDoc()
	c := NewCoordinator(store, fixedClock())

	evt := Event{TransactionCode: "TX123", RUT: "11111111-1", Date: "2026-03-15"}
	res, err := c.Handle(context.Background(), evt, []byte(`{}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.SignerUpdated || res.Action != ActionSigned {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(store.signedIDs) != 1 || store.signedIDs[0] != "s1" {
		t.Fatalf("expected signer s1 marked signed, got %v", store.signedIDs)
	}
	if len(store.logs) != 1 {
		t.Fatalf("expected audit log row, got %d", len(store.logs))
	}
}

func TestSignedSequentialNotifiesExactlyNextEnrolled(t *testing.T) {
	store := newFakeStore()
	store.doc = sequentialDoc()
	files := &fakeFiles{}
	notes := &fakeNotifier{}
	c := NewCoordinator(store, fixedClock(), WithFileStore(files), WithNotifier(notes), WithSignBaseURL("https://app.firmalex.io"))

	pdf := base64.StdEncoding.EncodeToString([]byte("%PDF-1.7 fake"))
	evt := Event{
		TransactionCode: "TX123",
		Status:          "FIRMADO",
		RUT:             "11111111-1",
		Documents:       []EventDocument{{Base64: pdf}},
	}
	res, err := c.Handle(context.Background(), evt, []byte(`{}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Success || !res.SignerUpdated || !res.NextSignerNotified {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(files.keys) != 1 || !strings.HasPrefix(files.keys[0], "org-1/doc-1/signed_") {
		t.Fatalf("unexpected upload keys: %v", files.keys)
	}
	if store.filePaths["doc-1"] != files.keys[0] {
		t.Fatalf("signed file path not recorded: %v", store.filePaths)
	}
	if len(notes.sent) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(notes.sent))
	}
	if notes.sent[0].SignerID != "s2" || notes.sent[0].RecipientEmail != "dos@example.com" {
		t.Fatalf("notified wrong signer: %+v", notes.sent[0])
	}
	if notes.sent[0].ActionURL != "https://app.firmalex.io/sign/doc-1" {
		t.Fatalf("unexpected action url: %s", notes.sent[0].ActionURL)
	}
}

func TestSignedNoEnrolledSuccessorSkipsNotification(t *testing.T) {
	store := newFakeStore()
	doc := sequentialDoc()
	doc.Signers[1].Status = SignerPending // s2 not yet enrolled
	store.doc = doc
	notes := &fakeNotifier{}
	c := NewCoordinator(store, fixedClock(), WithNotifier(notes))

	evt := Event{TransactionCode: "TX123", Status: "SIGNED", RUT: "11111111-1"}
	res, err := c.Handle(context.Background(), evt, []byte(`{}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.NextSignerNotified {
		t.Fatalf("no enrolled successor, must not notify: %+v", res)
	}
	if len(notes.sent) != 0 {
		t.Fatalf("unexpected notifications: %v", notes.sent)
	}
}

func TestSignedMatchesByEmailFallback(t *testing.T) {
	store := newFakeStore()
	store.doc = sequentialDoc()
	c := NewCoordinator(store, fixedClock())

	evt := Event{TransactionCode: "TX123", Status: "0", Email: "DOS@example.com"}
	res, err := c.Handle(context.Background(), evt, []byte(`{}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.SignerUpdated {
		t.Fatalf("expected signer update: %+v", res)
	}
	if len(store.signedIDs) != 1 || store.signedIDs[0] != "s2" {
		t.Fatalf("expected s2 signed, got %v", store.signedIDs)
	}
}

func TestNotificationFailureDoesNotFailWebhook(t *testing.T) {
	store := newFakeStore()
	store.doc = sequentialDoc()
	notes := &fakeNotifier{err: errors.New("timeout")}
	c := NewCoordinator(store, fixedClock(), WithNotifier(notes))

	evt := Event{TransactionCode: "TX123", Status: "FIRMADO", RUT: "11111111-1"}
	res, err := c.Handle(context.Background(), evt, []byte(`{}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Success || res.NextSignerNotified {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRejectedDefaultsReasonAndRejectsDocument(t *testing.T) {
	store := newFakeStore()
	store.doc = sequentialDoc()
	c := NewCoordinator(store, fixedClock())

	evt := Event{TransactionCode: "TX123", Status: "RECHAZADO", RUT: "22222222-2"}
	res, err := c.Handle(context.Background(), evt, []byte(`{}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.SignerUpdated || res.Action != ActionRejected {
		t.Fatalf("unexpected result: %+v", res)
	}
	if reason := store.rejectedIDs["s2"]; reason != DefaultRejectionReason {
		t.Fatalf("expected default rejection reason, got %q", reason)
	}
	if store.docStatuses["doc-1"] != DocumentRejected {
		t.Fatalf("document not rejected: %v", store.docStatuses)
	}
}

func TestRejectedKeepsProviderMessage(t *testing.T) {
	store := newFakeStore()
	store.doc = sequentialDoc()
	c := NewCoordinator(store, fixedClock())

	evt := Event{TransactionCode: "TX123", Status: "REJECTED", RUT: "11111111-1", Message: "Datos incorrectos"}
	if _, err := c.Handle(context.Background(), evt, []byte(`{}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reason := store.rejectedIDs["s1"]; reason != "Datos incorrectos" {
		t.Fatalf("expected provider message, got %q", reason)
	}
}

func TestUnknownTransactionAcknowledged(t *testing.T) {
	store := newFakeStore()
	store.docErr = ErrNotFound
	c := NewCoordinator(store, fixedClock())

	evt := Event{TransactionCode: "TX404", Status: "FIRMADO"}
	res, err := c.Handle(context.Background(), evt, []byte(`{}`))
	if err != nil {
		t.Fatalf("correlation miss must not be an error: %v", err)
	}
	if !res.Success || res.Warning == "" {
		t.Fatalf("expected warning acknowledgement, got %+v", res)
	}
	if len(store.logs) != 1 || store.logs[0].DocumentID != "" {
		t.Fatalf("unmatched webhook must still be audited: %v", store.logs)
	}
}

func TestProviderErrorLogsOnly(t *testing.T) {
	store := newFakeStore()
	store.doc = sequentialDoc()
	c := NewCoordinator(store, fixedClock())

	evt := Event{TransactionCode: "TX123", Status: "ERROR", Message: "certificado expirado"}
	res, err := c.Handle(context.Background(), evt, []byte(`{}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Action != ActionProviderError {
		t.Fatalf("unexpected action: %+v", res)
	}
	if len(store.signedIDs) != 0 || len(store.rejectedIDs) != 0 || len(store.docStatuses) != 0 {
		t.Fatalf("ERROR status must not mutate state")
	}
}

func TestAuditFailureSwallowed(t *testing.T) {
	store := newFakeStore()
	store.doc = sequentialDoc()
	store.logErr = errors.New("insert failed")
	c := NewCoordinator(store, fixedClock())

	evt := Event{TransactionCode: "TX123", Status: "FIRMADO", RUT: "11111111-1"}
	res, err := c.Handle(context.Background(), evt, []byte(`{}`))
	if err != nil {
		t.Fatalf("audit failure must not fail the webhook: %v", err)
	}
	if !res.Success || !res.SignerUpdated {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDuplicateSignedWebhookIsIdempotent(t *testing.T) {
	store := newFakeStore()
	doc := sequentialDoc()
	doc.Signers[0].Status = SignerSigned // already signed by a prior delivery
	store.doc = doc
	c := NewCoordinator(store, fixedClock())

	evt := Event{TransactionCode: "TX123", Status: "FIRMADO", RUT: "11111111-1"}
	for i := 0; i < 2; i++ {
		res, err := c.Handle(context.Background(), evt, []byte(`{}`))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if !res.Success {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	// Status set is idempotent; the only extra side effect is a duplicated
	// audit row.
	if len(store.logs) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(store.logs))
	}
	if len(store.docStatuses) != 0 {
		t.Fatalf("duplicate signature must not change document status")
	}
}

func TestNextEnrolledSignerPicksSmallestGreater(t *testing.T) {
	doc := Document{Signers: []Signer{
		{ID: "a", SigningOrder: 5, Status: SignerEnrolled},
		{ID: "b", SigningOrder: 3, Status: SignerEnrolled},
		{ID: "c", SigningOrder: 2, Status: SignerEnrolled},
	}}
	next := nextEnrolledSigner(doc, 2)
	if next == nil || next.ID != "b" {
		t.Fatalf("expected b, got %+v", next)
	}
	if nextEnrolledSigner(doc, 5) != nil {
		t.Fatal("expected no successor after the last order")
	}
}
