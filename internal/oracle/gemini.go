package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/billfold-app/billfold/internal/common"
	"github.com/billfold-app/billfold/internal/raster"
)

type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Gemini implements Extractor against Google's vision models.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	cfg    GeminiConfig
	log    *slog.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig, log *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-pro"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(cfg.Model),
		cfg:    cfg,
		log:    log,
	}, nil
}

// Extract sends the page images in order with the fixed instruction payload
// and validates whatever comes back. Transport failures, schema violations,
// and timeouts all surface as ExtractionError.
func (g *Gemini) Extract(ctx context.Context, pages []raster.Page) ([]RawExtractedItem, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	g.log.Info("oracle.extract.start", "model", g.cfg.Model, "pages", len(pages))

	parts := make([]genai.Part, 0, len(pages)+1)
	for _, p := range pages {
		parts = append(parts, genai.ImageData("png", p.PNG))
	}
	parts = append(parts, genai.Text(BuildInstructionPrompt(len(pages))))

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		g.log.Error("oracle.extract.transport_error", "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, common.NewExtractionError("oracle request failed", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, common.NewExtractionError("empty oracle response", nil)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	items, err := DecodeItems(text.String(), len(pages))
	if err != nil {
		g.log.Error("oracle.extract.invalid_response", "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}

	g.log.Info("oracle.extract.done", "items", len(items),
		"elapsed_ms", time.Since(start).Milliseconds())
	return items, nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}
