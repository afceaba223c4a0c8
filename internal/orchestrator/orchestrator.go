package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/billfold-app/billfold/constants"
	"github.com/billfold-app/billfold/internal/blobstore"
	"github.com/billfold-app/billfold/internal/common"
	"github.com/billfold-app/billfold/internal/events"
	"github.com/billfold-app/billfold/internal/models"
	"github.com/billfold-app/billfold/internal/oracle"
	"github.com/billfold-app/billfold/internal/raster"
	"github.com/billfold-app/billfold/internal/storage"
)

// Decision is the outcome of a processing request.
type Decision string

const (
	Accepted          Decision = "accepted"
	AlreadyInProgress Decision = "already-in-progress"
	Rejected          Decision = "rejected"
)

// Result carries the decision and, for rejections, a human-readable reason.
type Result struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// Rasterizer is what the pipeline needs from the document rasterizer.
type Rasterizer interface {
	Rasterize(ctx context.Context, data []byte, mimeHint string) ([]raster.Page, error)
}

// ProcessingJob is the ephemeral, in-memory record of one orchestration
// attempt. It exists only while the job is non-terminal; the durable mirror
// is the receipt's status column.
type ProcessingJob struct {
	ReceiptID uuid.UUID
	State     constants.ReceiptStatus
	Attempt   int
	UpdatedAt time.Time
}

// Orchestrator owns the receipt state machine: uploaded -> processing ->
// {completed | failed}. It guarantees at most one active job per receipt and
// publishes every transition.
type Orchestrator struct {
	log        *slog.Logger
	receipts   storage.ReceiptRepository
	blobs      blobstore.Store
	rasterizer Rasterizer
	extractor  oracle.Extractor
	dispatcher *events.Dispatcher

	workers int
	timeout time.Duration
	ch      chan uuid.UUID
	wg      sync.WaitGroup
	senders sync.WaitGroup
	once    sync.Once

	mu     sync.Mutex
	jobs   map[uuid.UUID]*ProcessingJob
	closed bool
}

type Option func(*Orchestrator)

func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.ch = make(chan uuid.UUID, n)
		}
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func New(
	log *slog.Logger,
	receipts storage.ReceiptRepository,
	blobs blobstore.Store,
	rasterizer Rasterizer,
	extractor oracle.Extractor,
	dispatcher *events.Dispatcher,
	opts ...Option,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		log:        log,
		receipts:   receipts,
		blobs:      blobs,
		rasterizer: rasterizer,
		extractor:  extractor,
		dispatcher: dispatcher,
		workers:    4,
		timeout:    3 * time.Minute,
		ch:         make(chan uuid.UUID, 256),
		jobs:       make(map[uuid.UUID]*ProcessingJob),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.start()
	return o
}

func (o *Orchestrator) start() {
	o.once.Do(func() {
		for i := 0; i < o.workers; i++ {
			o.wg.Add(1)
			go func(workerID int) {
				defer o.wg.Done()
				o.log.Info("orchestrator.worker.started", "worker_id", workerID)
				for receiptID := range o.ch {
					o.runJob(workerID, receiptID)
				}
				o.log.Info("orchestrator.worker.stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// RequestProcessing is the idempotent trigger. The caller gets an answer as
// soon as the processing transition is recorded; the pipeline itself runs on
// the worker pool. Duplicate calls while a job is active return
// already-in-progress without starting a second one.
func (o *Orchestrator) RequestProcessing(ctx context.Context, receiptID uuid.UUID) (Result, error) {
	receipt, err := o.receipts.GetByID(ctx, receiptID)
	if errors.Is(err, common.ErrNotFound) {
		return Result{Decision: Rejected, Reason: "receipt does not exist"}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if receipt.BlobPath == "" {
		return Result{Decision: Rejected, Reason: "receipt has no stored document"}, nil
	}
	if receipt.Status == string(constants.StatusCompleted) {
		return Result{Decision: Rejected, Reason: "receipt is already processed"}, nil
	}

	won, err := o.receipts.TryMarkProcessing(ctx, receiptID)
	if err != nil {
		return Result{}, err
	}
	if !won {
		// The conditional update found no eligible row: either another call
		// is processing right now, or the receipt reached a state we refuse
		// to leave. Re-read to tell them apart.
		current, err := o.receipts.GetByID(ctx, receiptID)
		if err != nil {
			return Result{}, err
		}
		if current.Status == string(constants.StatusProcessing) {
			return Result{Decision: AlreadyInProgress}, nil
		}
		return Result{Decision: Rejected, Reason: fmt.Sprintf("receipt is %s", current.Status)}, nil
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		// Shutdown raced the accept; resolve the receipt instead of leaving
		// it stuck in processing.
		_ = o.receipts.MarkFailed(ctx, receiptID, "service shutting down")
		return Result{Decision: Rejected, Reason: "service shutting down"}, nil
	}
	o.jobs[receiptID] = &ProcessingJob{
		ReceiptID: receiptID,
		State:     constants.StatusProcessing,
		Attempt:   receipt.AttemptCount + 1,
		UpdatedAt: time.Now().UTC(),
	}

	// Publish before enqueueing: the worker may finish fast, and completed
	// must never be observed before processing for the same job.
	o.publish(receipt.UserID, receiptID, constants.StatusProcessing, "")
	o.senders.Add(1)
	o.mu.Unlock()

	// The send must not hold the mutex: with the queue full and every worker
	// busy, a worker needs the mutex in its completion path before it frees
	// a slot. The senders group keeps Shutdown from closing the channel
	// underneath a send still in flight.
	o.ch <- receiptID
	o.senders.Done()

	o.log.Info("orchestrator.job.accepted",
		"receipt_id", receiptID, "attempt", receipt.AttemptCount+1)
	return Result{Decision: Accepted}, nil
}

// Job reports the in-memory job for a receipt, when one is active.
func (o *Orchestrator) Job(receiptID uuid.UUID) (ProcessingJob, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[receiptID]
	if !ok {
		return ProcessingJob{}, false
	}
	return *job, true
}

func (o *Orchestrator) runJob(workerID int, receiptID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.fail(ctx, receiptID, fmt.Sprintf("internal error: %v", r))
		}
		o.mu.Lock()
		delete(o.jobs, receiptID)
		o.mu.Unlock()
	}()

	if err := o.process(ctx, receiptID); err != nil {
		o.log.Error("orchestrator.job.failed",
			"worker_id", workerID, "receipt_id", receiptID,
			"error", err, "elapsed_ms", time.Since(start).Milliseconds())
		o.fail(ctx, receiptID, err.Error())
		return
	}
	o.log.Info("orchestrator.job.completed",
		"worker_id", workerID, "receipt_id", receiptID,
		"elapsed_ms", time.Since(start).Milliseconds())
}

// process runs the rasterize -> extract -> persist sequence for one receipt.
// The caller resolves any returned error to the failed state, so no path out
// of here can leave the receipt stuck in processing.
func (o *Orchestrator) process(ctx context.Context, receiptID uuid.UUID) error {
	receipt, err := o.receipts.GetByID(ctx, receiptID)
	if err != nil {
		return fmt.Errorf("load receipt: %w", err)
	}

	data, err := o.blobs.Download(ctx, receipt.BlobPath)
	if err != nil {
		return fmt.Errorf("download document: %w", err)
	}

	pages, err := o.rasterizer.Rasterize(ctx, data, receipt.ContentType)
	if err != nil {
		return err
	}
	o.log.Debug("orchestrator.rasterized", "receipt_id", receiptID, "pages", len(pages))

	items, err := o.extractor.Extract(ctx, pages)
	if err != nil {
		return err
	}

	// An empty item list is a valid outcome: the document held no
	// recognizable line items. It completes normally.
	if items == nil {
		items = []oracle.RawExtractedItem{}
	}
	payload, err := json.Marshal(extractionPayload{PageCount: len(pages), Items: items})
	if err != nil {
		return fmt.Errorf("encode extraction: %w", err)
	}

	if err := o.receipts.MarkCompleted(ctx, receiptID, payload); err != nil {
		return err
	}
	o.publish(receipt.UserID, receiptID, constants.StatusCompleted, "")
	return nil
}

// extractionPayload is what lands in receipts.extracted_json on completion.
type extractionPayload struct {
	PageCount int                       `json:"pageCount"`
	Items     []oracle.RawExtractedItem `json:"items"`
}

// DecodeExtraction reads a completed receipt's stored extraction output.
func DecodeExtraction(receipt *models.Receipt) (int, []oracle.RawExtractedItem, error) {
	if len(receipt.ExtractedJSON) == 0 {
		return 0, nil, fmt.Errorf("%w: no extraction stored", common.ErrNotFound)
	}
	var payload extractionPayload
	if err := json.Unmarshal(receipt.ExtractedJSON, &payload); err != nil {
		return 0, nil, fmt.Errorf("decode extraction: %w", err)
	}
	if payload.Items == nil {
		payload.Items = []oracle.RawExtractedItem{}
	}
	return payload.PageCount, payload.Items, nil
}

// fail records the terminal failure and publishes it. Uses a fresh context:
// the job context may already be past its deadline, and a receipt must never
// stay in processing because the failure write itself was cancelled.
func (o *Orchestrator) fail(ctx context.Context, receiptID uuid.UUID, message string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if message == "" {
		message = "processing failed"
	}
	var userID uuid.UUID
	if receipt, err := o.receipts.GetByID(writeCtx, receiptID); err == nil {
		userID = receipt.UserID
	}
	// If the write lost the conditional update (or errored), the receipt is
	// not actually failed and the transition must not go out to clients.
	if err := o.receipts.MarkFailed(writeCtx, receiptID, message); err != nil {
		o.log.Error("orchestrator.fail.write_failed", "receipt_id", receiptID, "error", err)
		return
	}
	o.publish(userID, receiptID, constants.StatusFailed, message)
}

func (o *Orchestrator) publish(userID, receiptID uuid.UUID, status constants.ReceiptStatus, message string) {
	o.dispatcher.Publish(events.Transition{
		ReceiptID:    receiptID,
		UserID:       userID,
		Status:       string(status),
		ErrorMessage: message,
		At:           time.Now().UTC(),
	})
}

// Shutdown stops accepting jobs and drains the queue.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	// In-flight sends drain into the queue as workers free slots; only then
	// is the channel safe to close.
	o.senders.Wait()
	close(o.ch)

	done := make(chan struct{})
	go func() { defer close(done); o.wg.Wait() }()

	select {
	case <-ctx.Done():
		o.log.Warn("orchestrator.shutdown.interrupted")
	case <-done:
		o.log.Info("orchestrator.shutdown.drained")
	}
}
