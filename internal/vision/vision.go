// Package vision maps client image blocks to backend inline data.
package vision

import (
	"encoding/base64"
	"strings"

	"claudegate/internal/anthropic"
	"claudegate/internal/gemini"
	"claudegate/internal/proxyerr"
)

// MaxImageBytes is the decoded payload ceiling.
const MaxImageBytes = 100 * 1024 * 1024

// supportedMimeTypes the backend accepts for inline data.
var supportedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
	"image/heic": true,
}

// TranslateImage converts an image content block into backend inline data,
// validating media type, base64 encoding and size before any outbound call.
func TranslateImage(src *anthropic.ImageSource) (*gemini.InlineData, error) {
	if src == nil || src.Type != "base64" {
		return nil, proxyerr.Validation("image source must be base64")
	}

	mime := strings.ToLower(src.MediaType)
	if !supportedMimeTypes[mime] {
		return nil, proxyerr.UnsupportedMimeType(src.MediaType)
	}

	// Check the decoded size before decoding so a 150 MB payload is rejected
	// without allocating it.
	if decoded := base64.StdEncoding.DecodedLen(len(src.Data)); decoded > MaxImageBytes {
		return nil, proxyerr.PayloadTooLarge(decoded, MaxImageBytes)
	}

	decoded, err := base64.StdEncoding.DecodeString(src.Data)
	if err != nil {
		return nil, proxyerr.Validation("invalid base64 image data: %v", err)
	}
	if len(decoded) > MaxImageBytes {
		return nil, proxyerr.PayloadTooLarge(len(decoded), MaxImageBytes)
	}

	// The backend wants the base64 text as-is, no data: URI prefix.
	return &gemini.InlineData{MimeType: mime, Data: src.Data}, nil
}
