package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	"image/png"
	"log/slog"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"

	"github.com/billfold-app/billfold/constants"
	"github.com/billfold-app/billfold/internal/common"
)

// Page is one rendered page of a document, re-encoded as PNG for the oracle.
// Number is 1-based and matches the page tag the oracle returns.
type Page struct {
	Number int
	PNG    []byte
	Width  int
	Height int
}

type Config struct {
	DPI      int // render resolution for PDF pages; extraction quality floor
	MaxPages int // 0 = no limit
}

type Rasterizer struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Rasterizer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 200
	}
	return &Rasterizer{cfg: cfg, log: log}
}

// Rasterize converts one stored document into its ordered page images.
// A single raster image yields exactly one page; a PDF yields one render per
// page in page order. The whole document fails together: a single unreadable
// page aborts with ErrCorruptDocument so extraction is never silently
// truncated.
func (r *Rasterizer) Rasterize(ctx context.Context, data []byte, mimeHint string) ([]Page, error) {
	switch constants.MapMIMEToFormat(mimeHint) {
	case constants.PDF:
		return r.rasterizePDF(ctx, data)
	case constants.IMAGE:
		return r.rasterizeImage(data, mimeHint)
	default:
		return nil, fmt.Errorf("%w: %q", common.ErrUnsupportedFormat, mimeHint)
	}
}

func (r *Rasterizer) rasterizePDF(ctx context.Context, data []byte) ([]Page, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: open pdf: %v", common.ErrCorruptDocument, err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount <= 0 {
		return nil, fmt.Errorf("%w: page count unknown", common.ErrCorruptDocument)
	}
	if r.cfg.MaxPages > 0 && pageCount > r.cfg.MaxPages {
		return nil, fmt.Errorf("document has %d pages, limit is %d", pageCount, r.cfg.MaxPages)
	}

	pages := make([]Page, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, err := doc.ImageDPI(i, float64(r.cfg.DPI))
		if err != nil {
			return nil, fmt.Errorf("%w: render page %d: %v", common.ErrCorruptDocument, i+1, err)
		}
		page, err := encodePage(i+1, img)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}

	r.log.Debug("raster.pdf.done", "pages", pageCount, "dpi", r.cfg.DPI)
	return pages, nil
}

func (r *Rasterizer) rasterizeImage(data []byte, mimeHint string) ([]Page, error) {
	var img image.Image
	var err error

	if constants.IsHEICMIME(mimeHint) || isHEICData(data) {
		img, err = heic.Decode(bytes.NewReader(data))
	} else {
		img, _, err = image.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", common.ErrCorruptDocument, err)
	}

	page, err := encodePage(1, img)
	if err != nil {
		return nil, err
	}
	return []Page{page}, nil
}

func encodePage(number int, img image.Image) (Page, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Page{}, fmt.Errorf("%w: encode page %d: %v", common.ErrCorruptDocument, number, err)
	}
	bounds := img.Bounds()
	return Page{
		Number: number,
		PNG:    buf.Bytes(),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// isHEICData sniffs the ftyp box brands HEIC containers carry, since iPhone
// uploads often arrive with a generic content type.
func isHEICData(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}
