package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/billfold-app/billfold/constants"
	"github.com/billfold-app/billfold/internal/common"
	"github.com/billfold-app/billfold/internal/models"
	"github.com/billfold-app/billfold/internal/reconcile"
)

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID string `json:"userId"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if payload.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	batch := &models.ExpenseBatch{
		ID:     uuid.New(),
		UserID: userID,
		Name:   payload.Name,
	}
	if err := s.batches.Create(r.Context(), batch); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}
	respondJSON(w, http.StatusCreated, batch)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	batches, err := s.batches.ListByUser(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	respondJSON(w, http.StatusOK, batches)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	batch, err := s.batches.GetByID(r.Context(), id)
	if errors.Is(err, common.ErrNotFound) {
		respondError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

// commitItem is the wire shape of one finalized reconciled item.
type commitItem struct {
	ID            string  `json:"id"`
	ReceiptID     string  `json:"receiptId,omitempty"`
	Page          int     `json:"page"`
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Amount        string  `json:"amount"`
	Date          string  `json:"date"`
	Merchant      string  `json:"merchant,omitempty"`
	VATCode       string  `json:"vatCode"`
	Quantity      float64 `json:"quantity"`
	Unit          string  `json:"unit"`
	Description   string  `json:"description,omitempty"`
	MerchantTaxID string  `json:"merchantTaxId,omitempty"`
	InvoiceNumber string  `json:"invoiceNumber,omitempty"`
}

// commitBatch validates the full submitted item set and writes it to the
// ledger atomically. Validation failures come back as field-level
// violations; a persistence failure rejects the whole commit so the client
// keeps its reconciliation state for retry.
func (s *Server) commitBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid batch id")
		return
	}

	var payload struct {
		Items []commitItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if len(payload.Items) == 0 {
		respondError(w, http.StatusBadRequest, "items must not be empty")
		return
	}

	items := make([]*reconcile.Item, 0, len(payload.Items))
	var violations []common.FieldViolation
	for _, in := range payload.Items {
		item, fv := toReconciledItem(in)
		if fv != nil {
			violations = append(violations, *fv)
			continue
		}
		items = append(items, item)
	}
	violations = append(violations, reconcile.ValidateItems(items)...)
	if len(violations) > 0 {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "validation failed",
			"violations": violations,
		})
		return
	}

	if err := s.committer.Commit(r.Context(), batchID, items); err != nil {
		var vErr *common.ValidationError
		if errors.As(err, &vErr) {
			respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "validation failed",
				"violations": vErr.Violations,
			})
			return
		}
		if errors.Is(err, common.ErrNotFound) {
			respondError(w, http.StatusNotFound, "batch not found")
			return
		}
		if errors.Is(err, common.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("server.commit.failed", "batch_id", batchID, "error", err)
		respondError(w, http.StatusBadGateway, "commit failed, nothing was persisted")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"committed": len(items),
	})
}

func toReconciledItem(in commitItem) (*reconcile.Item, *common.FieldViolation) {
	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	amount, err := decimal.NewFromString(in.Amount)
	if err != nil {
		return nil, &common.FieldViolation{
			ItemID: id, Field: "amount", Message: "amount must be a decimal number",
		}
	}
	item := &reconcile.Item{
		ID:            id,
		Page:          in.Page,
		Name:          in.Name,
		Category:      in.Category,
		Amount:        amount,
		Date:          in.Date,
		Merchant:      in.Merchant,
		VATCode:       in.VATCode,
		Quantity:      in.Quantity,
		Unit:          in.Unit,
		Description:   in.Description,
		MerchantTaxID: in.MerchantTaxID,
		InvoiceNumber: in.InvoiceNumber,
	}
	if in.ReceiptID != "" {
		receiptID, err := uuid.Parse(in.ReceiptID)
		if err != nil {
			return nil, &common.FieldViolation{
				ItemID: id, Field: "receiptId", Message: "receiptId must be a UUID",
			}
		}
		item.ReceiptID = receiptID
	}
	// The percentage is derived from the code here, never taken from the
	// payload. Unknown codes are caught by ValidateItems.
	item.VATPercent, _ = constants.VATRate(in.VATCode)
	return item, nil
}
