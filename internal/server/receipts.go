package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/billfold-app/billfold/constants"
	"github.com/billfold-app/billfold/internal/common"
	"github.com/billfold-app/billfold/internal/models"
	"github.com/billfold-app/billfold/internal/orchestrator"
)

const maxUploadBytes = 32 << 20 // 32 MiB

// uploadReceipt stores the document blob and creates the receipt in the
// uploaded state. Processing is a separate, explicit trigger.
func (s *Server) uploadReceipt(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}

	userID, err := uuid.Parse(r.FormValue("user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	var batchID *uuid.UUID
	if raw := r.FormValue("batch_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid batch_id")
			return
		}
		batchID = &id
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(data) > maxUploadBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}

	contentType := constants.NormalizeMIME(header.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = constants.NormalizeMIME(http.DetectContentType(data))
	}
	if constants.MapMIMEToFormat(contentType) == "" {
		respondError(w, http.StatusUnsupportedMediaType,
			fmt.Sprintf("unsupported content type %q", contentType))
		return
	}

	receiptID := uuid.New()
	blobPath := fmt.Sprintf("receipts/%s/%s", receiptID, sanitizeFilename(header.Filename))
	if err := s.blobs.Put(r.Context(), blobPath, data); err != nil {
		s.log.Error("server.upload.store_failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to store document")
		return
	}

	receipt := &models.Receipt{
		ID:               receiptID,
		UserID:           userID,
		BatchID:          batchID,
		BlobPath:         blobPath,
		OriginalFilename: header.Filename,
		ContentType:      contentType,
		Status:           string(constants.StatusUploaded),
	}
	if err := s.receipts.Create(r.Context(), receipt); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create receipt")
		return
	}

	respondJSON(w, http.StatusCreated, receipt)
}

func (s *Server) listReceipts(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	receipts, err := s.receipts.ListByUser(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list receipts")
		return
	}
	respondJSON(w, http.StatusOK, receipts)
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, ok := s.loadReceipt(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

// triggerProcessing is the idempotent pipeline trigger. It answers as soon
// as the state transition is recorded and never waits for the pipeline.
func (s *Server) triggerProcessing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid receipt id")
		return
	}

	result, err := s.orch.RequestProcessing(r.Context(), id)
	if err != nil {
		s.log.Error("server.trigger.failed", "receipt_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to request processing")
		return
	}

	switch result.Decision {
	case orchestrator.Accepted, orchestrator.AlreadyInProgress:
		respondJSON(w, http.StatusAccepted, result)
	default:
		if result.Reason == "receipt does not exist" {
			respondError(w, http.StatusNotFound, result.Reason)
			return
		}
		respondJSON(w, http.StatusUnprocessableEntity, result)
	}
}

// getExtractedItems returns the raw oracle output for a completed receipt.
// An empty item list is a normal "nothing extracted" result, not an error.
func (s *Server) getExtractedItems(w http.ResponseWriter, r *http.Request) {
	receipt, ok := s.loadReceipt(w, r)
	if !ok {
		return
	}

	switch receipt.Status {
	case string(constants.StatusCompleted):
	case string(constants.StatusFailed):
		msg := "processing failed"
		if receipt.ErrorMessage != nil {
			msg = *receipt.ErrorMessage
		}
		respondJSON(w, http.StatusConflict, map[string]string{
			"status": receipt.Status,
			"error":  msg,
		})
		return
	default:
		respondJSON(w, http.StatusConflict, map[string]string{"status": receipt.Status})
		return
	}

	pageCount, items, err := orchestrator.DecodeExtraction(receipt)
	if err != nil {
		s.log.Error("server.items.decode_failed", "receipt_id", receipt.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "stored extraction is unreadable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"receiptId": receipt.ID,
		"pageCount": pageCount,
		"items":     items,
	})
}

func (s *Server) loadReceipt(w http.ResponseWriter, r *http.Request) (*models.Receipt, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid receipt id")
		return nil, false
	}
	receipt, err := s.receipts.GetByID(r.Context(), id)
	if errors.Is(err, common.ErrNotFound) {
		respondError(w, http.StatusNotFound, "receipt not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load receipt")
		return nil, false
	}
	return receipt, true
}

// serveBlob serves stored documents through signed URLs only.
func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/blobs/")
	if !s.blobs.VerifySignedURL(path, r.URL.Query()) {
		respondError(w, http.StatusForbidden, "invalid or expired signature")
		return
	}
	data, err := s.blobs.Download(r.Context(), path)
	if errors.Is(err, common.ErrNotFound) {
		respondError(w, http.StatusNotFound, "blob not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read blob")
		return
	}
	http.ServeContent(w, r, filepath.Base(path), time.Time{}, strings.NewReader(string(data)))
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, " ", "_")
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "document"
	}
	return name
}
