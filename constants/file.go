package constants

import "strings"

// Document formats accepted by the rasterizer.
const (
	PDF   = "PDF"
	IMAGE = "IMAGE"
)

// rasterMIMETypes are the single-image MIME types we can decode.
var rasterMIMETypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/jpg":  {},
	"image/gif":  {},
	"image/heic": {},
	"image/heif": {},
}

// NormalizeMIME lowercases and strips parameters from a MIME type
// ("image/PNG; charset=binary" -> "image/png").
func NormalizeMIME(mime string) string {
	mime = strings.TrimSpace(strings.ToLower(mime))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

// MapMIMEToFormat classifies a MIME type as PDF, IMAGE, or "" when unsupported.
func MapMIMEToFormat(mime string) string {
	mime = NormalizeMIME(mime)
	if mime == "application/pdf" {
		return PDF
	}
	if _, ok := rasterMIMETypes[mime]; ok {
		return IMAGE
	}
	return ""
}

// IsHEICMIME reports whether the MIME type indicates HEIC/HEIF content,
// which Go's standard image package cannot decode.
func IsHEICMIME(mime string) bool {
	mime = NormalizeMIME(mime)
	return mime == "image/heic" || mime == "image/heif"
}
