package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/billfold-app/billfold/internal/blobstore"
	"github.com/billfold-app/billfold/internal/committer"
	"github.com/billfold-app/billfold/internal/common"
	"github.com/billfold-app/billfold/internal/events"
	"github.com/billfold-app/billfold/internal/oracle"
	"github.com/billfold-app/billfold/internal/orchestrator"
	"github.com/billfold-app/billfold/internal/raster"
	"github.com/billfold-app/billfold/internal/server"
	"github.com/billfold-app/billfold/internal/storage"
	"github.com/billfold-app/billfold/internal/ws"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(log)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Connect(cfg.Database, log)
	if err != nil {
		log.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	blobs, err := blobstore.NewFSStore(cfg.Blob.RootDir, cfg.Blob.SigningSecret, cfg.Blob.URLBase)
	if err != nil {
		log.Error("blob store init failed", "error", err)
		os.Exit(1)
	}

	gemini, err := oracle.NewGemini(ctx, oracle.GeminiConfig{
		APIKey:  cfg.Oracle.APIKey,
		Model:   cfg.Oracle.Model,
		Timeout: cfg.Oracle.Timeout,
	}, log)
	if err != nil {
		log.Error("oracle init failed", "error", err)
		os.Exit(1)
	}
	defer gemini.Close()

	receipts := storage.NewReceiptRepository(db, log)
	batches := storage.NewBatchRepository(db, log)

	dispatcher := events.NewDispatcher(log)
	hub := ws.NewHub(log)
	feed, cancelFeed := dispatcher.Subscribe(uuid.Nil)
	go hub.Run(feed)
	defer cancelFeed()

	orch := orchestrator.New(
		log,
		receipts,
		blobs,
		raster.New(raster.Config{DPI: cfg.Raster.DPI, MaxPages: cfg.Raster.MaxPages}, log),
		gemini,
		dispatcher,
		orchestrator.WithWorkers(cfg.Pipeline.Workers),
		orchestrator.WithQueueSize(cfg.Pipeline.QueueSize),
		orchestrator.WithJobTimeout(cfg.Pipeline.Timeout),
	)

	srv := server.New(log, receipts, batches, orch, committer.New(db, log), blobs, hub)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http serve failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown interrupted", "error", err)
	}
	orch.Shutdown(shutdownCtx)
	dispatcher.Shutdown(shutdownCtx)
	log.Info("stopped")
}
