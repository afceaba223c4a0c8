package committer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/billfold-app/billfold/internal/common"
	"github.com/billfold-app/billfold/internal/models"
	"github.com/billfold-app/billfold/internal/reconcile"
	"github.com/billfold-app/billfold/internal/storage"
)

// Committer writes a reconciled item set into the ledger. The whole set
// lands in one transaction or none of it does; the caller's in-memory
// workspace stays untouched on failure so the user can retry.
type Committer interface {
	Commit(ctx context.Context, batchID uuid.UUID, items []*reconcile.Item) error
}

type committer struct {
	db  *gorm.DB
	log *slog.Logger
}

func New(db *storage.DB, log *slog.Logger) Committer {
	return &committer{db: db.DB, log: log}
}

func (c *committer) Commit(ctx context.Context, batchID uuid.UUID, items []*reconcile.Item) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: nothing to commit", common.ErrInvalidInput)
	}

	rows := make([]models.Expense, 0, len(items))
	total := decimal.Zero
	var violations []common.FieldViolation

	for _, item := range items {
		date, err := time.Parse("2006-01-02", item.Date)
		if err != nil {
			violations = append(violations, common.FieldViolation{
				ItemID: item.ID, Field: "date", Message: "date must be YYYY-MM-DD",
			})
			continue
		}
		row := models.Expense{
			ID:          uuid.New(),
			BatchID:     batchID,
			Name:        item.Name,
			Category:    item.Category,
			Amount:      item.Amount,
			ExpenseDate: date,
			VATCode:     item.VATCode,
			VATPercent:  item.VATPercent,
			Quantity:    item.Quantity,
			Unit:        item.Unit,
			PageNumber:  item.Page,
		}
		if item.ReceiptID != uuid.Nil {
			id := item.ReceiptID
			row.ReceiptID = &id
		}
		if item.Merchant != "" {
			row.Merchant = &item.Merchant
		}
		if item.Description != "" {
			row.Description = &item.Description
		}
		if item.MerchantTaxID != "" {
			row.MerchantTaxID = &item.MerchantTaxID
		}
		if item.InvoiceNumber != "" {
			row.InvoiceNumber = &item.InvoiceNumber
		}
		rows = append(rows, row)
		total = total.Add(item.Amount)
	}
	if len(violations) > 0 {
		return &common.ValidationError{Violations: violations}
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch models.ExpenseBatch
		if err := tx.First(&batch, "id = ?", batchID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: batch %s", common.ErrNotFound, batchID)
			}
			return fmt.Errorf("load batch: %w", err)
		}

		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert expenses: %w", err)
		}

		// Atomic add on the shared counter. A read-modify-write here would
		// lose updates under concurrent commits to the same batch.
		res := tx.Model(&models.ExpenseBatch{}).
			Where("id = ?", batchID).
			Updates(map[string]any{
				"total_amount": gorm.Expr("total_amount + ?", total),
				"updated_at":   time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("update batch total: %w", res.Error)
		}
		return nil
	})
	if err != nil {
		c.log.Error("committer.commit.failed", "batch_id", batchID, "items", len(items), "error", err)
		if errors.Is(err, common.ErrNotFound) {
			return err
		}
		return &common.CommitError{Cause: err}
	}

	c.log.Info("committer.commit.done", "batch_id", batchID, "items", len(rows), "total", total.StringFixed(2))
	return nil
}
