package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/billfold-app/billfold/constants"
	"github.com/billfold-app/billfold/internal/common"
	"github.com/billfold-app/billfold/internal/models"
)

// ReceiptRepository is the persistence surface the orchestrator and HTTP
// layer depend on.
type ReceiptRepository interface {
	Create(ctx context.Context, receipt *models.Receipt) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Receipt, error)

	// TryMarkProcessing is the idempotency gate: a single conditional update
	// that moves the receipt from uploaded/failed into processing. It reports
	// whether this caller won the transition.
	TryMarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkCompleted and MarkFailed resolve a processing job. Both are
	// conditional on the receipt still being in processing and return an
	// error when it is not.
	MarkCompleted(ctx context.Context, id uuid.UUID, extracted json.RawMessage) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
}

type receiptRepository struct {
	db  *gorm.DB
	log *slog.Logger
}

func NewReceiptRepository(db *DB, log *slog.Logger) ReceiptRepository {
	return &receiptRepository{db: db.DB, log: log}
}

func (r *receiptRepository) Create(ctx context.Context, receipt *models.Receipt) error {
	if receipt.ID == uuid.Nil {
		receipt.ID = uuid.New()
	}
	if receipt.Status == "" {
		receipt.Status = string(constants.StatusUploaded)
	}
	if err := r.db.WithContext(ctx).Create(receipt).Error; err != nil {
		r.log.Error("receipt.create.failed", "receipt_id", receipt.ID, "error", err)
		return fmt.Errorf("create receipt: %w", err)
	}
	r.log.Info("receipt.created", "receipt_id", receipt.ID, "filename", receipt.OriginalFilename)
	return nil
}

func (r *receiptRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error) {
	var receipt models.Receipt
	err := r.db.WithContext(ctx).First(&receipt, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return &receipt, nil
}

func (r *receiptRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Receipt, error) {
	var receipts []*models.Receipt
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&receipts).Error
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	return receipts, nil
}

// TryMarkProcessing performs the compare-and-swap on status. Concurrent
// duplicate triggers race on this single statement; exactly one sees a row
// affected.
func (r *receiptRepository) TryMarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ? AND status IN ?", id, []string{
			string(constants.StatusUploaded),
			string(constants.StatusFailed),
		}).
		Updates(map[string]any{
			"status":        string(constants.StatusProcessing),
			"error_message": nil,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		r.log.Error("receipt.mark_processing.failed", "receipt_id", id, "error", res.Error)
		return false, fmt.Errorf("mark processing: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *receiptRepository) MarkCompleted(ctx context.Context, id uuid.UUID, extracted json.RawMessage) error {
	res := r.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ? AND status = ?", id, string(constants.StatusProcessing)).
		Updates(map[string]any{
			"status":         string(constants.StatusCompleted),
			"extracted_json": []byte(extracted),
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		r.log.Error("receipt.mark_completed.failed", "receipt_id", id, "error", res.Error)
		return fmt.Errorf("mark completed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark completed: receipt %s is not processing", id)
	}
	r.log.Info("receipt.completed", "receipt_id", id)
	return nil
}

func (r *receiptRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	res := r.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ? AND status = ?", id, string(constants.StatusProcessing)).
		Updates(map[string]any{
			"status":        string(constants.StatusFailed),
			"error_message": message,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		r.log.Error("receipt.mark_failed.failed", "receipt_id", id, "error", res.Error)
		return fmt.Errorf("mark failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark failed: receipt %s is not processing", id)
	}
	r.log.Warn("receipt.failed", "receipt_id", id, "message", message)
	return nil
}
