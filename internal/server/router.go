package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/billfold-app/billfold/internal/blobstore"
	"github.com/billfold-app/billfold/internal/committer"
	"github.com/billfold-app/billfold/internal/orchestrator"
	"github.com/billfold-app/billfold/internal/storage"
	"github.com/billfold-app/billfold/internal/ws"
)

// Server wires the HTTP surface: document ingest, the processing trigger,
// extraction results, batch commit, and the websocket status feed.
type Server struct {
	*mux.Router
	log       *slog.Logger
	receipts  storage.ReceiptRepository
	batches   storage.BatchRepository
	orch      *orchestrator.Orchestrator
	committer committer.Committer
	blobs     *blobstore.FSStore
	hub       *ws.Hub
}

func New(
	log *slog.Logger,
	receipts storage.ReceiptRepository,
	batches storage.BatchRepository,
	orch *orchestrator.Orchestrator,
	com committer.Committer,
	blobs *blobstore.FSStore,
	hub *ws.Hub,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		Router:    mux.NewRouter(),
		log:       log,
		receipts:  receipts,
		batches:   batches,
		orch:      orch,
		committer: com,
		blobs:     blobs,
		hub:       hub,
	}

	s.HandleFunc("/health", s.healthCheck).Methods("GET")

	api := s.PathPrefix("/api").Subrouter()
	api.HandleFunc("/receipts", s.uploadReceipt).Methods("POST")
	api.HandleFunc("/receipts", s.listReceipts).Methods("GET")
	api.HandleFunc("/receipts/{id}", s.getReceipt).Methods("GET")
	api.HandleFunc("/receipts/{id}/process", s.triggerProcessing).Methods("POST")
	api.HandleFunc("/receipts/{id}/items", s.getExtractedItems).Methods("GET")
	api.HandleFunc("/batches", s.createBatch).Methods("POST")
	api.HandleFunc("/batches", s.listBatches).Methods("GET")
	api.HandleFunc("/batches/{id}", s.getBatch).Methods("GET")
	api.HandleFunc("/batches/{id}/commit", s.commitBatch).Methods("POST")

	s.HandleFunc("/ws", s.statusFeed).Methods("GET")
	s.PathPrefix("/blobs/").HandlerFunc(s.serveBlob).Methods("GET")

	return s
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusFeed(w http.ResponseWriter, r *http.Request) {
	ws.ServeWS(s.hub, s.log, w, r)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
