package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"triclip/internal/billing"
	"triclip/internal/storage"
	"triclip/internal/uploads"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type handlerFixture struct {
	handler *Handler
	store   *storage.Storage
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewStorage(filepath.Join(dir, "data.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	chunks, err := uploads.NewChunkStore(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatalf("NewChunkStore: %v", err)
	}
	manager := uploads.NewManager(store, chunks, discardLogger(), time.Hour)
	handler := NewHandler(store)
	handler.Uploads = manager
	handler.Ledger = store
	handler.Logger = discardLogger()
	return &handlerFixture{handler: handler, store: store}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func hexSum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func createSession(t *testing.T, fx *handlerFixture, owner, draft string, index int, chunks int, size int64, hash string) sessionResponse {
	t.Helper()
	body, _ := json.Marshal(createSessionRequest{
		OwnerID:           owner,
		DraftID:           draft,
		DraftTitle:        "Two truths",
		StatementIndex:    index,
		Caption:           fmt.Sprintf("statement %d", index),
		ExpectedChunks:    chunks,
		ExpectedSizeBytes: size,
		ContentHash:       hash,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	fx.handler.UploadSessions(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session status = %d body %s", rec.Code, rec.Body.String())
	}
	var session sessionResponse
	decodeBody(t, rec, &session)
	return session
}

func sendChunk(t *testing.T, fx *handlerFixture, owner, sessionID string, index int, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	url := "/api/uploads/" + sessionID + "/chunks?ownerId=" + owner
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	req.Header.Set(chunkIndexHeader, strconv.Itoa(index))
	req.Header.Set(chunkChecksumHeader, hexSum(data))
	rec := httptest.NewRecorder()
	fx.handler.UploadSessionByID(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	fx := newHandlerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	fx.handler.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var response healthResponse
	decodeBody(t, rec, &response)
	if response.Status != "ok" || response.Datastore != "ok" {
		t.Fatalf("unexpected health payload: %+v", response)
	}
}

func TestHealthWithoutStore(t *testing.T) {
	handler := &Handler{Logger: discardLogger()}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.Health(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", rec.Code)
	}
}

func TestUploadLifecycle(t *testing.T) {
	fx := newHandlerFixture(t)
	chunkA := []byte("first")
	chunkB := []byte("piece")
	full := append(append([]byte(nil), chunkA...), chunkB...)
	session := createSession(t, fx, "owner-1", "draft-1", 0, 2, int64(len(full)), hexSum(full))
	if session.Status != "initiated" {
		t.Fatalf("new session status = %q", session.Status)
	}

	if rec := sendChunk(t, fx, "owner-1", session.ID, 1, chunkB); rec.Code != http.StatusOK {
		t.Fatalf("chunk 1 status = %d body %s", rec.Code, rec.Body.String())
	}
	rec := sendChunk(t, fx, "owner-1", session.ID, 0, chunkA)
	if rec.Code != http.StatusOK {
		t.Fatalf("chunk 0 status = %d body %s", rec.Code, rec.Body.String())
	}
	var updated sessionResponse
	decodeBody(t, rec, &updated)
	if updated.ReceivedChunks != 2 || updated.Status != "uploading" {
		t.Fatalf("after chunks: %+v", updated)
	}

	body, _ := json.Marshal(finalizeRequest{OwnerID: "owner-1", ContentHash: hexSum(full)})
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/"+session.ID+"/finalize", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	fx.handler.UploadSessionByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize status = %d body %s", rec.Code, rec.Body.String())
	}
	var final finalizeResponse
	decodeBody(t, rec, &final)
	if final.Session.Status != "complete" {
		t.Fatalf("finalized status = %q", final.Session.Status)
	}
	if final.SetID == "" {
		t.Fatal("expected set id in finalize response")
	}
	if final.SetReady {
		t.Fatal("single statement should not mark the set ready")
	}
}

func TestUploadStatusAndAbort(t *testing.T) {
	fx := newHandlerFixture(t)
	session := createSession(t, fx, "owner-1", "draft-1", 0, 2, 10, "")

	req := httptest.NewRequest(http.MethodGet, "/api/uploads/"+session.ID+"?ownerId=owner-1", nil)
	rec := httptest.NewRecorder()
	fx.handler.UploadSessionByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}
	var got sessionResponse
	decodeBody(t, rec, &got)
	if len(got.MissingIndices) != 2 {
		t.Fatalf("missing indices = %v", got.MissingIndices)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/uploads/"+session.ID+"?ownerId=intruder", nil)
	rec = httptest.NewRecorder()
	fx.handler.UploadSessionByID(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign owner status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/uploads/"+session.ID+"?ownerId=owner-1", nil)
	rec = httptest.NewRecorder()
	fx.handler.UploadSessionByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("abort status = %d body %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &got)
	if got.Status != "aborted" {
		t.Fatalf("aborted session status = %q", got.Status)
	}
}

func TestChunkValidationErrors(t *testing.T) {
	fx := newHandlerFixture(t)
	session := createSession(t, fx, "owner-1", "draft-1", 0, 2, 10, "")

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/"+session.ID+"/chunks?ownerId=owner-1", bytes.NewReader([]byte("x")))
	rec := httptest.NewRecorder()
	fx.handler.UploadSessionByID(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing index header status = %d, want 400", rec.Code)
	}

	rec = sendChunk(t, fx, "owner-1", session.ID, 7, []byte("x"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("out-of-range chunk status = %d, want 409", rec.Code)
	}
	var errBody map[string]string
	decodeBody(t, rec, &errBody)
	if errBody["code"] != "ChunkOutOfRange" {
		t.Fatalf("out-of-range code = %q, want ChunkOutOfRange", errBody["code"])
	}

	req = httptest.NewRequest(http.MethodPost, "/api/uploads/"+session.ID+"/chunks?ownerId=owner-1", bytes.NewReader([]byte("payload")))
	req.Header.Set(chunkIndexHeader, "0")
	req.Header.Set(chunkChecksumHeader, hexSum([]byte("different")))
	rec = httptest.NewRecorder()
	fx.handler.UploadSessionByID(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("checksum mismatch status = %d, want 409", rec.Code)
	}
	errBody = nil
	decodeBody(t, rec, &errBody)
	if errBody["code"] != "ChunkChecksumMismatch" {
		t.Fatalf("checksum mismatch code = %q, want ChunkChecksumMismatch", errBody["code"])
	}

	if rec := sendChunk(t, fx, "owner-1", "no-such-session", 0, []byte("x")); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", rec.Code)
	}
}

func TestFinalizeIncompleteReportsMissing(t *testing.T) {
	fx := newHandlerFixture(t)
	session := createSession(t, fx, "owner-1", "draft-1", 0, 3, 15, "")
	if rec := sendChunk(t, fx, "owner-1", session.ID, 0, []byte("aaaaa")); rec.Code != http.StatusOK {
		t.Fatalf("chunk status = %d", rec.Code)
	}

	body, _ := json.Marshal(finalizeRequest{OwnerID: "owner-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/"+session.ID+"/finalize", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	fx.handler.UploadSessionByID(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("incomplete finalize status = %d, want 409", rec.Code)
	}
	var payload struct {
		Error          string `json:"error"`
		MissingIndices []int  `json:"missingIndices"`
	}
	decodeBody(t, rec, &payload)
	if len(payload.MissingIndices) != 2 {
		t.Fatalf("missing indices = %v", payload.MissingIndices)
	}
}

func TestStatementSetByDraft(t *testing.T) {
	fx := newHandlerFixture(t)
	data := []byte("statement-bytes")
	for i := 0; i < 3; i++ {
		session := createSession(t, fx, "owner-1", "draft-1", i, 1, int64(len(data)), hexSum(data))
		if rec := sendChunk(t, fx, "owner-1", session.ID, 0, data); rec.Code != http.StatusOK {
			t.Fatalf("chunk status = %d", rec.Code)
		}
		body, _ := json.Marshal(finalizeRequest{OwnerID: "owner-1", ContentHash: hexSum(data)})
		req := httptest.NewRequest(http.MethodPost, "/api/uploads/"+session.ID+"/finalize", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		fx.handler.UploadSessionByID(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("finalize %d status = %d body %s", i, rec.Code, rec.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/statement-sets/draft-1?ownerId=owner-1", nil)
	rec := httptest.NewRecorder()
	fx.handler.StatementSetByDraft(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("set status = %d body %s", rec.Code, rec.Body.String())
	}
	var set statementSetResponse
	decodeBody(t, rec, &set)
	if !set.Complete || len(set.Statements) != 3 {
		t.Fatalf("set = %+v", set)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/statement-sets/draft-1", nil)
	rec = httptest.NewRecorder()
	fx.handler.StatementSetByDraft(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing ownerId status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/statement-sets/other-draft?ownerId=owner-1", nil)
	rec = httptest.NewRecorder()
	fx.handler.StatementSetByDraft(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown draft status = %d, want 404", rec.Code)
	}
}

func TestCreateSessionRejectsUnknownFields(t *testing.T) {
	fx := newHandlerFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", bytes.NewReader([]byte(`{"ownerId":"o","bogus":1}`)))
	rec := httptest.NewRecorder()
	fx.handler.UploadSessions(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want 400", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	fx := newHandlerFixture(t)
	checks := []struct {
		path    string
		method  string
		handler http.HandlerFunc
		allow   string
	}{
		{"/api/uploads", http.MethodGet, fx.handler.UploadSessions, "POST"},
		{"/api/statement-sets/draft?ownerId=o", http.MethodPost, fx.handler.StatementSetByDraft, "GET"},
		{"/api/artifacts/a", http.MethodDelete, fx.handler.ArtifactByID, "GET"},
		{"/api/webhooks/purchase", http.MethodGet, fx.handler.PurchaseWebhook, "POST"},
	}
	for _, check := range checks {
		req := httptest.NewRequest(check.method, check.path, nil)
		rec := httptest.NewRecorder()
		check.handler(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s status = %d, want 405", check.method, check.path, rec.Code)
		}
		if got := rec.Header().Get("Allow"); got != check.allow {
			t.Fatalf("%s %s Allow = %q, want %q", check.method, check.path, got, check.allow)
		}
	}
}

func newWebhookFixture(t *testing.T, fx *handlerFixture, secret string) *billing.Processor {
	t.Helper()
	processor, err := billing.NewProcessor(billing.ProcessorConfig{
		Store:  fx.store,
		Secret: secret,
		Policy: billing.DefaultDeltaPolicy(),
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return processor
}

func TestPurchaseWebhook(t *testing.T) {
	fx := newHandlerFixture(t)
	processor := newWebhookFixture(t, fx, "webhook-secret")
	fx.handler.Billing = processor

	payload := []byte(`{"eventId":"ev-1","type":"subscription-renewed","userId":"user-1","occurredAt":"2026-08-30T10:00:00Z"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/purchase", bytes.NewReader(payload))
	req.Header.Set(webhookSignatureHeader, processor.SignPayload(payload))
	rec := httptest.NewRecorder()
	fx.handler.PurchaseWebhook(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d body %s", rec.Code, rec.Body.String())
	}
	var response webhookResponse
	decodeBody(t, rec, &response)
	if !response.Applied || response.DeltaTokens != 120 {
		t.Fatalf("webhook response = %+v", response)
	}

	// Redelivery acknowledges without applying twice.
	req = httptest.NewRequest(http.MethodPost, "/api/webhooks/purchase", bytes.NewReader(payload))
	req.Header.Set(webhookSignatureHeader, processor.SignPayload(payload))
	rec = httptest.NewRecorder()
	fx.handler.PurchaseWebhook(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d", rec.Code)
	}
	decodeBody(t, rec, &response)
	if response.Applied {
		t.Fatal("duplicate delivery must not apply again")
	}
	if got := fx.store.Balance("user-1"); got != 120 {
		t.Fatalf("balance = %d, want 120", got)
	}
}

func TestPurchaseWebhookBadSignature(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.handler.Billing = newWebhookFixture(t, fx, "webhook-secret")

	payload := []byte(`{"eventId":"ev-1","type":"subscription-renewed","userId":"user-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/purchase", bytes.NewReader(payload))
	req.Header.Set(webhookSignatureHeader, "deadbeef")
	rec := httptest.NewRecorder()
	fx.handler.PurchaseWebhook(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d, want 401", rec.Code)
	}
	var errBody map[string]string
	decodeBody(t, rec, &errBody)
	if errBody["code"] != "WebhookUnauthorized" {
		t.Fatalf("bad signature code = %q, want WebhookUnauthorized", errBody["code"])
	}
}

func TestPurchaseWebhookWithoutProcessor(t *testing.T) {
	fx := newHandlerFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/purchase", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	fx.handler.PurchaseWebhook(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestWalletEndpoints(t *testing.T) {
	fx := newHandlerFixture(t)
	processor := newWebhookFixture(t, fx, "webhook-secret")
	fx.handler.Billing = processor

	payload := []byte(`{"eventId":"ev-1","type":"consumable-granted","userId":"user-1","deltaTokens":50}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/purchase", bytes.NewReader(payload))
	req.Header.Set(webhookSignatureHeader, processor.SignPayload(payload))
	rec := httptest.NewRecorder()
	fx.handler.PurchaseWebhook(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("grant status = %d body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/wallet/user-1", nil)
	rec = httptest.NewRecorder()
	fx.handler.WalletByUser(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("wallet status = %d body %s", rec.Code, rec.Body.String())
	}
	var wallet walletResponse
	decodeBody(t, rec, &wallet)
	if wallet.Balance != 50 || len(wallet.History) != 1 {
		t.Fatalf("wallet = %+v", wallet)
	}

	spend, _ := json.Marshal(spendRequest{Amount: 30, Reason: "unlock-reveal"})
	req = httptest.NewRequest(http.MethodPost, "/api/wallet/user-1/spend", bytes.NewReader(spend))
	rec = httptest.NewRecorder()
	fx.handler.WalletByUser(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("spend status = %d body %s", rec.Code, rec.Body.String())
	}
	var entry ledgerEntryResponse
	decodeBody(t, rec, &entry)
	if entry.Delta != -30 || entry.Balance != 20 {
		t.Fatalf("spend entry = %+v", entry)
	}

	spend, _ = json.Marshal(spendRequest{Amount: 100, Reason: "too-much"})
	req = httptest.NewRequest(http.MethodPost, "/api/wallet/user-1/spend", bytes.NewReader(spend))
	rec = httptest.NewRecorder()
	fx.handler.WalletByUser(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("overspend status = %d, want 409", rec.Code)
	}

	spend, _ = json.Marshal(spendRequest{Amount: 0})
	req = httptest.NewRequest(http.MethodPost, "/api/wallet/user-1/spend", bytes.NewReader(spend))
	rec = httptest.NewRecorder()
	fx.handler.WalletByUser(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero spend status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/wallet/user-1/entries", nil)
	rec = httptest.NewRecorder()
	fx.handler.WalletByUser(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("entries status = %d body %s", rec.Code, rec.Body.String())
	}
	var history []ledgerEntryResponse
	decodeBody(t, rec, &history)
	if len(history) != 2 {
		t.Fatalf("entries = %d, want 2", len(history))
	}
}

func TestCreateSessionWithTTLSeconds(t *testing.T) {
	fx := newHandlerFixture(t)
	body := []byte(`{"ownerId":"owner-1","draftId":"draft-1","statementIndex":0,"expectedChunks":3,"expectedSizeBytes":1048576,"ttlSeconds":600}`)
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	fx.handler.UploadSessions(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body %s", rec.Code, rec.Body.String())
	}
	var session sessionResponse
	decodeBody(t, rec, &session)
	created, err := time.Parse(time.RFC3339Nano, session.CreatedAt)
	if err != nil {
		t.Fatalf("parse createdAt: %v", err)
	}
	expires, err := time.Parse(time.RFC3339Nano, session.ExpiresAt)
	if err != nil {
		t.Fatalf("parse expiresAt: %v", err)
	}
	if got := expires.Sub(created); got != 10*time.Minute {
		t.Fatalf("ttl = %s, want 10m", got)
	}

	body = []byte(`{"ownerId":"owner-1","draftId":"draft-1","statementIndex":1,"expectedChunks":3,"expectedSizeBytes":10,"ttlSeconds":-5}`)
	req = httptest.NewRequest(http.MethodPost, "/api/uploads", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	fx.handler.UploadSessions(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative ttl status = %d, want 400", rec.Code)
	}
}

func TestErrorBodiesCarryCodes(t *testing.T) {
	fx := newHandlerFixture(t)
	session := createSession(t, fx, "owner-1", "draft-1", 0, 3, 15, "")
	if rec := sendChunk(t, fx, "owner-1", session.ID, 0, []byte("aaaaa")); rec.Code != http.StatusOK {
		t.Fatalf("chunk status = %d", rec.Code)
	}

	body, _ := json.Marshal(finalizeRequest{OwnerID: "owner-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/"+session.ID+"/finalize", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	fx.handler.UploadSessionByID(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("incomplete finalize status = %d, want 409", rec.Code)
	}
	var incomplete struct {
		Code           string `json:"code"`
		MissingIndices []int  `json:"missingIndices"`
	}
	decodeBody(t, rec, &incomplete)
	if incomplete.Code != "IncompleteUpload" {
		t.Fatalf("finalize code = %q, want IncompleteUpload", incomplete.Code)
	}
	if len(incomplete.MissingIndices) != 2 {
		t.Fatalf("missingIndices = %v", incomplete.MissingIndices)
	}

	spend, _ := json.Marshal(spendRequest{Amount: 10, Reason: "unlock"})
	req = httptest.NewRequest(http.MethodPost, "/api/wallet/user-empty/spend", bytes.NewReader(spend))
	rec = httptest.NewRecorder()
	fx.handler.WalletByUser(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("overspend status = %d, want 409", rec.Code)
	}
	var errBody map[string]string
	decodeBody(t, rec, &errBody)
	if errBody["code"] != "InsufficientBalance" {
		t.Fatalf("spend code = %q, want InsufficientBalance", errBody["code"])
	}
}
