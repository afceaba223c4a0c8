package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/billfold-app/billfold/internal/common"
	"github.com/billfold-app/billfold/internal/models"
)

type BatchRepository interface {
	Create(ctx context.Context, batch *models.ExpenseBatch) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ExpenseBatch, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.ExpenseBatch, error)
}

type batchRepository struct {
	db  *gorm.DB
	log *slog.Logger
}

func NewBatchRepository(db *DB, log *slog.Logger) BatchRepository {
	return &batchRepository{db: db.DB, log: log}
}

func (r *batchRepository) Create(ctx context.Context, batch *models.ExpenseBatch) error {
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(batch).Error; err != nil {
		r.log.Error("batch.create.failed", "batch_id", batch.ID, "error", err)
		return fmt.Errorf("create batch: %w", err)
	}
	r.log.Info("batch.created", "batch_id", batch.ID, "name", batch.Name)
	return nil
}

func (r *batchRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ExpenseBatch, error) {
	var batch models.ExpenseBatch
	err := r.db.WithContext(ctx).First(&batch, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &batch, nil
}

func (r *batchRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.ExpenseBatch, error) {
	var batches []*models.ExpenseBatch
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}
