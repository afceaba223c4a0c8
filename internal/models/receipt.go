package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/billfold-app/billfold/constants"
)

// Receipt is one uploaded document and its processing lifecycle. The status
// and error fields are mutated only by the orchestrator; everything else is
// written once at upload.
type Receipt struct {
	ID               uuid.UUID      `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	UserID           uuid.UUID      `gorm:"column:user_id;not null;index" json:"userId"`
	BatchID          *uuid.UUID     `gorm:"column:batch_id;index" json:"batchId,omitempty"`
	BlobPath         string         `gorm:"column:blob_path;not null" json:"blobPath"`
	OriginalFilename string         `gorm:"column:original_filename;not null" json:"originalFilename"`
	ContentType      string         `gorm:"column:content_type" json:"contentType"`
	Status           string         `gorm:"column:status;not null;default:'uploaded';index" json:"status"`
	ErrorMessage     *string        `gorm:"column:error_message" json:"errorMessage,omitempty"`
	AttemptCount     int            `gorm:"column:attempt_count;not null;default:0" json:"attemptCount"`
	ExtractedJSON    datatypes.JSON `gorm:"column:extracted_json;type:jsonb" json:"-"`
	CreatedAt        time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt        time.Time      `gorm:"column:updated_at" json:"updatedAt"`
}

func (Receipt) TableName() string { return "receipts" }

// IsTerminal reports whether the receipt's status is final.
func (r *Receipt) IsTerminal() bool {
	return constants.ReceiptStatus(r.Status).IsTerminal()
}
