package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/billfold-app/billfold/constants"
	"github.com/billfold-app/billfold/internal/blobstore"
	"github.com/billfold-app/billfold/internal/common"
	"github.com/billfold-app/billfold/internal/events"
	"github.com/billfold-app/billfold/internal/models"
	"github.com/billfold-app/billfold/internal/oracle"
	"github.com/billfold-app/billfold/internal/orchestrator"
	"github.com/billfold-app/billfold/internal/raster"
	"github.com/billfold-app/billfold/internal/reconcile"
	"github.com/billfold-app/billfold/internal/ws"
)

type fakeReceipts struct {
	mu       sync.Mutex
	receipts map[uuid.UUID]*models.Receipt
}

func newFakeReceipts(rs ...*models.Receipt) *fakeReceipts {
	f := &fakeReceipts{receipts: make(map[uuid.UUID]*models.Receipt)}
	for _, r := range rs {
		f.receipts[r.ID] = r
	}
	return f
}

func (f *fakeReceipts) Create(_ context.Context, r *models.Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[r.ID] = r
	return nil
}

func (f *fakeReceipts) GetByID(_ context.Context, id uuid.UUID) (*models.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeReceipts) ListByUser(_ context.Context, userID uuid.UUID) ([]*models.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.Receipt{}
	for _, r := range f.receipts {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeReceipts) TryMarkProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[id]
	if !ok {
		return false, nil
	}
	switch r.Status {
	case string(constants.StatusUploaded), string(constants.StatusFailed):
		r.Status = string(constants.StatusProcessing)
		r.AttemptCount++
		r.ErrorMessage = nil
		return true, nil
	}
	return false, nil
}

func (f *fakeReceipts) MarkCompleted(_ context.Context, id uuid.UUID, extracted json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[id]
	if !ok {
		return common.ErrNotFound
	}
	r.Status = string(constants.StatusCompleted)
	r.ExtractedJSON = datatypes.JSON(extracted)
	return nil
}

func (f *fakeReceipts) MarkFailed(_ context.Context, id uuid.UUID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[id]
	if !ok {
		return common.ErrNotFound
	}
	r.Status = string(constants.StatusFailed)
	r.ErrorMessage = &message
	return nil
}

type fakeBatches struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*models.ExpenseBatch
}

func newFakeBatches(bs ...*models.ExpenseBatch) *fakeBatches {
	f := &fakeBatches{batches: make(map[uuid.UUID]*models.ExpenseBatch)}
	for _, b := range bs {
		f.batches[b.ID] = b
	}
	return f
}

func (f *fakeBatches) Create(_ context.Context, b *models.ExpenseBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[b.ID] = b
	return nil
}

func (f *fakeBatches) GetByID(_ context.Context, id uuid.UUID) (*models.ExpenseBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBatches) ListByUser(_ context.Context, userID uuid.UUID) ([]*models.ExpenseBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.ExpenseBatch{}
	for _, b := range f.batches {
		if b.UserID == userID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeCommitter struct {
	mu    sync.Mutex
	err   error
	calls int
	last  []*reconcile.Item
}

func (f *fakeCommitter) Commit(_ context.Context, _ uuid.UUID, items []*reconcile.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = items
	return f.err
}

type fakeBlobs struct{ data map[string][]byte }

func (f *fakeBlobs) Download(_ context.Context, path string) ([]byte, error) {
	b, ok := f.data[path]
	if !ok {
		return nil, common.ErrNotFound
	}
	return b, nil
}

func (f *fakeBlobs) SignedURL(path string, _ time.Duration) (string, error) {
	return "/blobs/" + path, nil
}

type fakeRasterizer struct{}

func (fakeRasterizer) Rasterize(_ context.Context, _ []byte, _ string) ([]raster.Page, error) {
	return []raster.Page{{Number: 1, PNG: []byte{0x89}}}, nil
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, _ []raster.Page) ([]oracle.RawExtractedItem, error) {
	return nil, nil
}

type env struct {
	srv      *Server
	receipts *fakeReceipts
	batches  *fakeBatches
	com      *fakeCommitter
}

func newEnv(t *testing.T, receipts *fakeReceipts, batches *fakeBatches) *env {
	t.Helper()
	store, err := blobstore.NewFSStore(t.TempDir(), "test-secret", "/blobs")
	require.NoError(t, err)

	dispatcher := events.NewDispatcher(nil)
	blobs := &fakeBlobs{data: map[string][]byte{"receipts/any/doc.pdf": []byte("%PDF")}}
	orch := orchestrator.New(nil, receipts, blobs, fakeRasterizer{}, fakeExtractor{}, dispatcher)
	t.Cleanup(func() {
		orch.Shutdown(context.Background())
		dispatcher.Shutdown(context.Background())
	})

	com := &fakeCommitter{}
	srv := New(nil, receipts, batches, orch, com, store, ws.NewHub(nil))
	return &env{srv: srv, receipts: receipts, batches: batches, com: com}
}

func (e *env) do(method, path string, body []byte) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body == nil {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e := newEnv(t, newFakeReceipts(), newFakeBatches())
	rec := e.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadReceipt_CreatesUploaded(t *testing.T) {
	e := newEnv(t, newFakeReceipts(), newFakeBatches())

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("user_id", uuid.NewString()))
	part, err := mw.CreateFormFile("file", "lunch receipt.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4 fake"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/receipts", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, string(constants.StatusUploaded), created.Status)
	assert.Equal(t, "lunch receipt.pdf", created.OriginalFilename)
	assert.Contains(t, created.BlobPath, "lunch_receipt.pdf")
	assert.Equal(t, "application/pdf", created.ContentType)
}

func TestUploadReceipt_UnsupportedType(t *testing.T) {
	e := newEnv(t, newFakeReceipts(), newFakeBatches())

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("user_id", uuid.NewString()))
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("plain text, not a document"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/receipts", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestGetReceipt_NotFound(t *testing.T) {
	e := newEnv(t, newFakeReceipts(), newFakeBatches())
	rec := e.do("GET", "/api/receipts/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do("GET", "/api/receipts/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerProcessing_Statuses(t *testing.T) {
	user := uuid.New()
	receipt := &models.Receipt{
		ID: uuid.New(), UserID: user, BlobPath: "receipts/any/doc.pdf",
		ContentType: "application/pdf", Status: string(constants.StatusUploaded),
	}
	done := &models.Receipt{
		ID: uuid.New(), UserID: user, BlobPath: "receipts/any/doc.pdf",
		ContentType: "application/pdf", Status: string(constants.StatusCompleted),
	}
	e := newEnv(t, newFakeReceipts(receipt, done), newFakeBatches())

	rec := e.do("POST", "/api/receipts/"+receipt.ID.String()+"/process", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = e.do("POST", "/api/receipts/"+done.ID.String()+"/process", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = e.do("POST", "/api/receipts/"+uuid.NewString()+"/process", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetExtractedItems(t *testing.T) {
	user := uuid.New()
	payload := `{"pageCount": 2, "items": []}`
	completed := &models.Receipt{
		ID: uuid.New(), UserID: user, Status: string(constants.StatusCompleted),
		ExtractedJSON: datatypes.JSON(payload),
	}
	msg := "schema violation"
	failed := &models.Receipt{
		ID: uuid.New(), UserID: user, Status: string(constants.StatusFailed),
		ErrorMessage: &msg,
	}
	pending := &models.Receipt{
		ID: uuid.New(), UserID: user, Status: string(constants.StatusUploaded),
	}
	e := newEnv(t, newFakeReceipts(completed, failed, pending), newFakeBatches())

	rec := e.do("GET", "/api/receipts/"+completed.ID.String()+"/items", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		PageCount int               `json:"pageCount"`
		Items     []json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.PageCount)
	assert.Empty(t, got.Items)

	rec = e.do("GET", "/api/receipts/"+failed.ID.String()+"/items", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "schema violation")

	rec = e.do("GET", "/api/receipts/"+pending.ID.String()+"/items", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func commitPayload(items ...map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{"items": items})
	return b
}

func wireItem() map[string]any {
	return map[string]any{
		"name":     "lunch",
		"category": string(constants.Meals),
		"amount":   "12.50",
		"date":     "2026-05-10",
		"vatCode":  constants.VATStandard,
		"quantity": 1,
		"unit":     "pcs",
		"page":     1,
	}
}

func TestCommitBatch_OK(t *testing.T) {
	batch := &models.ExpenseBatch{ID: uuid.New(), UserID: uuid.New(), Name: "May"}
	e := newEnv(t, newFakeReceipts(), newFakeBatches(batch))

	rec := e.do("POST", "/api/batches/"+batch.ID.String()+"/commit", commitPayload(wireItem()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, e.com.calls)
	require.Len(t, e.com.last, 1)
	assert.Equal(t, 27.0, e.com.last[0].VATPercent)
}

func TestCommitBatch_ValidationFailureBlocksCommit(t *testing.T) {
	batch := &models.ExpenseBatch{ID: uuid.New(), UserID: uuid.New(), Name: "May"}
	e := newEnv(t, newFakeReceipts(), newFakeBatches(batch))

	bad := wireItem()
	bad["category"] = "Snacks"
	rec := e.do("POST", "/api/batches/"+batch.ID.String()+"/commit", commitPayload(wireItem(), bad))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "violations")
	assert.Zero(t, e.com.calls)
}

func TestCommitBatch_PersistenceFailure(t *testing.T) {
	batch := &models.ExpenseBatch{ID: uuid.New(), UserID: uuid.New(), Name: "May"}
	e := newEnv(t, newFakeReceipts(), newFakeBatches(batch))
	e.com.err = &common.CommitError{Cause: fmt.Errorf("connection reset")}

	rec := e.do("POST", "/api/batches/"+batch.ID.String()+"/commit", commitPayload(wireItem()))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "nothing was persisted")
}

func TestCommitBatch_EmptyItems(t *testing.T) {
	batch := &models.ExpenseBatch{ID: uuid.New(), UserID: uuid.New(), Name: "May"}
	e := newEnv(t, newFakeReceipts(), newFakeBatches(batch))

	rec := e.do("POST", "/api/batches/"+batch.ID.String()+"/commit", []byte(`{"items": []}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBatch(t *testing.T) {
	e := newEnv(t, newFakeReceipts(), newFakeBatches())

	body, _ := json.Marshal(map[string]string{"userId": uuid.NewString(), "name": "Q2 travel"})
	rec := e.do("POST", "/api/batches", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.ExpenseBatch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Q2 travel", created.Name)

	rec = e.do("POST", "/api/batches", []byte(`{"name": "no user"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "my_receipt.pdf", sanitizeFilename("my receipt.pdf"))
	assert.Equal(t, "doc.pdf", sanitizeFilename("../../doc.pdf"))
	assert.Equal(t, "document", sanitizeFilename(""))
}

func TestServeBlob_RequiresSignature(t *testing.T) {
	e := newEnv(t, newFakeReceipts(), newFakeBatches())
	rec := e.do("GET", "/blobs/receipts/abc/doc.pdf", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
