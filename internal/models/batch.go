package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExpenseBatch groups receipts/expenses under a user-defined name and keeps
// a running total. The total is incremented in place on every successful
// commit; it is never recomputed by summing children.
type ExpenseBatch struct {
	ID          uuid.UUID       `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	UserID      uuid.UUID       `gorm:"column:user_id;not null;index" json:"userId"`
	Name        string          `gorm:"column:name;not null" json:"name"`
	TotalAmount decimal.Decimal `gorm:"column:total_amount;type:numeric(14,2);not null;default:0" json:"totalAmount"`
	CreatedAt   time.Time       `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time       `gorm:"column:updated_at" json:"updatedAt"`
}

func (ExpenseBatch) TableName() string { return "expense_batches" }
