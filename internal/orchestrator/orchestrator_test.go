package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/billfold-app/billfold/constants"
	"github.com/billfold-app/billfold/internal/common"
	"github.com/billfold-app/billfold/internal/events"
	"github.com/billfold-app/billfold/internal/models"
	"github.com/billfold-app/billfold/internal/oracle"
	"github.com/billfold-app/billfold/internal/raster"
)

// memReceipts mimics the conditional-update semantics of the real repository
// behind a mutex, so concurrent triggers race exactly one winner.
type memReceipts struct {
	mu       sync.Mutex
	receipts map[uuid.UUID]*models.Receipt
}

func newMemReceipts(rs ...*models.Receipt) *memReceipts {
	m := &memReceipts{receipts: make(map[uuid.UUID]*models.Receipt)}
	for _, r := range rs {
		m.receipts[r.ID] = r
	}
	return m
}

func (m *memReceipts) Create(_ context.Context, r *models.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[r.ID] = r
	return nil
}

func (m *memReceipts) GetByID(_ context.Context, id uuid.UUID) (*models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memReceipts) ListByUser(_ context.Context, userID uuid.UUID) ([]*models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Receipt
	for _, r := range m.receipts {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memReceipts) TryMarkProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
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

func (m *memReceipts) MarkCompleted(_ context.Context, id uuid.UUID, extracted json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok || r.Status != string(constants.StatusProcessing) {
		return fmt.Errorf("receipt %s is not processing", id)
	}
	r.Status = string(constants.StatusCompleted)
	r.ExtractedJSON = datatypes.JSON(extracted)
	return nil
}

func (m *memReceipts) MarkFailed(_ context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok || r.Status != string(constants.StatusProcessing) {
		return fmt.Errorf("receipt %s is not processing", id)
	}
	r.Status = string(constants.StatusFailed)
	r.ErrorMessage = &message
	return nil
}

type memBlobs struct{ data map[string][]byte }

func (m *memBlobs) Download(_ context.Context, path string) ([]byte, error) {
	b, ok := m.data[path]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", common.ErrNotFound, path)
	}
	return b, nil
}

func (m *memBlobs) SignedURL(path string, _ time.Duration) (string, error) {
	return "/blobs/" + path, nil
}

type stubRasterizer struct {
	pages int
	err   error
}

func (s *stubRasterizer) Rasterize(_ context.Context, _ []byte, _ string) ([]raster.Page, error) {
	if s.err != nil {
		return nil, s.err
	}
	pages := make([]raster.Page, s.pages)
	for i := range pages {
		pages[i] = raster.Page{Number: i + 1, PNG: []byte{0x89}}
	}
	return pages, nil
}

type stubExtractor struct {
	mu    sync.Mutex
	items []oracle.RawExtractedItem
	err   error
	delay time.Duration
	calls int
}

func (s *stubExtractor) Extract(ctx context.Context, _ []raster.Page) ([]oracle.RawExtractedItem, error) {
	s.mu.Lock()
	s.calls++
	delay, items, err := s.delay, s.items, s.err
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return items, err
}

func (s *stubExtractor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// gatedExtractor blocks every Extract call until released, so tests can
// hold jobs in flight and fill the queue behind them.
type gatedExtractor struct {
	gate chan struct{}
}

func (g *gatedExtractor) Extract(ctx context.Context, _ []raster.Page) ([]oracle.RawExtractedItem, error) {
	select {
	case <-g.gate:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func uploadedReceipt(user uuid.UUID) *models.Receipt {
	return &models.Receipt{
		ID:               uuid.New(),
		UserID:           user,
		BlobPath:         "receipts/test/doc.pdf",
		OriginalFilename: "doc.pdf",
		ContentType:      "application/pdf",
		Status:           string(constants.StatusUploaded),
	}
}

type fixture struct {
	orch       *Orchestrator
	repo       *memReceipts
	extractor  oracle.Extractor
	dispatcher *events.Dispatcher
}

func newFixture(t *testing.T, repo *memReceipts, rz *stubRasterizer, ex oracle.Extractor, opts ...Option) *fixture {
	t.Helper()
	d := events.NewDispatcher(nil)
	blobs := &memBlobs{data: map[string][]byte{"receipts/test/doc.pdf": []byte("%PDF-1.4")}}
	o := New(nil, repo, blobs, rz, ex, d, opts...)
	t.Cleanup(func() {
		o.Shutdown(context.Background())
		d.Shutdown(context.Background())
	})
	return &fixture{orch: o, repo: repo, extractor: ex, dispatcher: d}
}

func waitForStatus(t *testing.T, repo *memReceipts, id uuid.UUID, want constants.ReceiptStatus) *models.Receipt {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r, err := repo.GetByID(context.Background(), id)
		require.NoError(t, err)
		if r.Status == string(want) {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	r, _ := repo.GetByID(context.Background(), id)
	t.Fatalf("receipt never reached %s, still %s", want, r.Status)
	return nil
}

func TestRequestProcessing_HappyPath(t *testing.T) {
	user := uuid.New()
	receipt := uploadedReceipt(user)
	repo := newMemReceipts(receipt)
	ex := &stubExtractor{items: []oracle.RawExtractedItem{{
		Name: "espresso", Category: string(constants.Meals), Amount: "2.80",
		Date: "2026-04-02", VATCode: constants.VATStandard, Quantity: 1, Unit: "pcs", Page: 1,
	}}}
	f := newFixture(t, repo, &stubRasterizer{pages: 2}, ex)

	sub, cancel := f.dispatcher.Subscribe(user)
	defer cancel()

	res, err := f.orch.RequestProcessing(context.Background(), receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Decision)

	final := waitForStatus(t, repo, receipt.ID, constants.StatusCompleted)
	assert.Equal(t, 1, final.AttemptCount)

	pageCount, items, err := DecodeExtraction(final)
	require.NoError(t, err)
	assert.Equal(t, 2, pageCount)
	require.Len(t, items, 1)
	assert.Equal(t, "espresso", items[0].Name)

	first := <-sub
	second := <-sub
	assert.Equal(t, string(constants.StatusProcessing), first.Status)
	assert.Equal(t, string(constants.StatusCompleted), second.Status)
}

func TestRequestProcessing_DoubleTriggerRunsOnce(t *testing.T) {
	receipt := uploadedReceipt(uuid.New())
	repo := newMemReceipts(receipt)
	ex := &stubExtractor{delay: 200 * time.Millisecond}
	f := newFixture(t, repo, &stubRasterizer{pages: 1}, ex)

	first, err := f.orch.RequestProcessing(context.Background(), receipt.ID)
	require.NoError(t, err)
	require.Equal(t, Accepted, first.Decision)

	second, err := f.orch.RequestProcessing(context.Background(), receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, AlreadyInProgress, second.Decision)

	waitForStatus(t, repo, receipt.ID, constants.StatusCompleted)
	assert.Equal(t, 1, ex.callCount())
}

func TestRequestProcessing_Rejections(t *testing.T) {
	user := uuid.New()
	done := uploadedReceipt(user)
	done.Status = string(constants.StatusCompleted)
	noBlob := uploadedReceipt(user)
	noBlob.BlobPath = ""
	repo := newMemReceipts(done, noBlob)
	f := newFixture(t, repo, &stubRasterizer{pages: 1}, &stubExtractor{})

	res, err := f.orch.RequestProcessing(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, "receipt does not exist", res.Reason)

	res, err = f.orch.RequestProcessing(context.Background(), done.ID)
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, "receipt is already processed", res.Reason)

	res, err = f.orch.RequestProcessing(context.Background(), noBlob.ID)
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, "receipt has no stored document", res.Reason)
}

func TestRequestProcessing_ExtractionFailureIsTerminal(t *testing.T) {
	receipt := uploadedReceipt(uuid.New())
	repo := newMemReceipts(receipt)
	ex := &stubExtractor{err: common.NewExtractionError("schema violation", errors.New("bad category"))}
	f := newFixture(t, repo, &stubRasterizer{pages: 1}, ex)

	res, err := f.orch.RequestProcessing(context.Background(), receipt.ID)
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Decision)

	failed := waitForStatus(t, repo, receipt.ID, constants.StatusFailed)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "schema violation")
}

func TestRequestProcessing_FailedReceiptCanRetry(t *testing.T) {
	receipt := uploadedReceipt(uuid.New())
	repo := newMemReceipts(receipt)
	ex := &stubExtractor{err: errors.New("model unavailable")}
	f := newFixture(t, repo, &stubRasterizer{pages: 1}, ex)

	res, err := f.orch.RequestProcessing(context.Background(), receipt.ID)
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Decision)
	waitForStatus(t, repo, receipt.ID, constants.StatusFailed)

	ex.mu.Lock()
	ex.err = nil
	ex.mu.Unlock()

	res, err = f.orch.RequestProcessing(context.Background(), receipt.ID)
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Decision)

	final := waitForStatus(t, repo, receipt.ID, constants.StatusCompleted)
	assert.Equal(t, 2, final.AttemptCount)
	assert.Nil(t, final.ErrorMessage)
}

func TestRequestProcessing_TimeoutResolvesToFailed(t *testing.T) {
	receipt := uploadedReceipt(uuid.New())
	repo := newMemReceipts(receipt)
	ex := &stubExtractor{delay: 5 * time.Second}
	f := newFixture(t, repo, &stubRasterizer{pages: 1}, ex, WithJobTimeout(50*time.Millisecond))

	res, err := f.orch.RequestProcessing(context.Background(), receipt.ID)
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Decision)

	failed := waitForStatus(t, repo, receipt.ID, constants.StatusFailed)
	require.NotNil(t, failed.ErrorMessage)
	assert.NotEmpty(t, *failed.ErrorMessage)
}

func TestRequestProcessing_EmptyItemListCompletes(t *testing.T) {
	receipt := uploadedReceipt(uuid.New())
	repo := newMemReceipts(receipt)
	f := newFixture(t, repo, &stubRasterizer{pages: 1}, &stubExtractor{})

	res, err := f.orch.RequestProcessing(context.Background(), receipt.ID)
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Decision)

	final := waitForStatus(t, repo, receipt.ID, constants.StatusCompleted)
	pageCount, items, err := DecodeExtraction(final)
	require.NoError(t, err)
	assert.Equal(t, 1, pageCount)
	assert.Empty(t, items)
}

func TestRequestProcessing_SaturatedQueueDoesNotDeadlock(t *testing.T) {
	user := uuid.New()
	a := uploadedReceipt(user)
	b := uploadedReceipt(user)
	c := uploadedReceipt(user)
	repo := newMemReceipts(a, b, c)
	ex := &gatedExtractor{gate: make(chan struct{})}
	f := newFixture(t, repo, &stubRasterizer{pages: 1}, ex,
		WithWorkers(1), WithQueueSize(1))

	// First receipt occupies the only worker, second fills the only slot.
	res, err := f.orch.RequestProcessing(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Decision)
	waitForStatus(t, repo, a.ID, constants.StatusProcessing)

	res, err = f.orch.RequestProcessing(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Decision)

	// Third trigger blocks on the full queue; the worker finishing the first
	// job must free a slot for it. With the queue send under the job mutex
	// this used to deadlock and strand the queued receipt in processing.
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.orch.RequestProcessing(context.Background(), c.ID)
		done <- outcome{res, err}
	}()

	ex.gate <- struct{}{} // release the first job

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, Accepted, out.res.Decision)
	case <-time.After(3 * time.Second):
		t.Fatal("trigger never returned with the queue saturated")
	}

	close(ex.gate) // let the remaining jobs run
	waitForStatus(t, repo, a.ID, constants.StatusCompleted)
	waitForStatus(t, repo, b.ID, constants.StatusCompleted)
	waitForStatus(t, repo, c.ID, constants.StatusCompleted)
}

// lostWriteRepo simulates losing the conditional failure write: the status
// moved on underneath the job before MarkFailed landed.
type lostWriteRepo struct {
	*memReceipts
}

func (l *lostWriteRepo) MarkFailed(_ context.Context, id uuid.UUID, _ string) error {
	return fmt.Errorf("receipt %s is not processing", id)
}

func TestRequestProcessing_LostFailureWriteIsNotPublished(t *testing.T) {
	user := uuid.New()
	receipt := uploadedReceipt(user)
	repo := &lostWriteRepo{memReceipts: newMemReceipts(receipt)}
	ex := &stubExtractor{err: errors.New("model unavailable")}

	d := events.NewDispatcher(nil)
	blobs := &memBlobs{data: map[string][]byte{"receipts/test/doc.pdf": []byte("%PDF-1.4")}}
	o := New(nil, repo, blobs, &stubRasterizer{pages: 1}, ex, d)
	t.Cleanup(func() {
		o.Shutdown(context.Background())
		d.Shutdown(context.Background())
	})

	sub, cancel := d.Subscribe(user)
	defer cancel()

	res, err := o.RequestProcessing(context.Background(), receipt.ID)
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Decision)

	first := <-sub
	assert.Equal(t, string(constants.StatusProcessing), first.Status)

	// The failure never landed in the store, so no failed transition may
	// reach the client.
	select {
	case tr := <-sub:
		t.Fatalf("unexpected transition %s published after a lost write", tr.Status)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDecodeExtraction_NoPayload(t *testing.T) {
	_, _, err := DecodeExtraction(&models.Receipt{})
	assert.True(t, errors.Is(err, common.ErrNotFound))
}
