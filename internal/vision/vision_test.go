package vision

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"claudegate/internal/anthropic"
	"claudegate/internal/proxyerr"
)

func TestTranslateImage(t *testing.T) {
	t.Parallel()

	data := base64.StdEncoding.EncodeToString([]byte("fake png bytes"))
	out, err := TranslateImage(&anthropic.ImageSource{
		Type:      "base64",
		MediaType: "image/PNG",
		Data:      data,
	})
	if err != nil {
		t.Fatalf("TranslateImage: %v", err)
	}
	if out.MimeType != "image/png" {
		t.Fatalf("media type should be lowercased, got %s", out.MimeType)
	}
	if out.Data != data {
		t.Fatalf("base64 payload must pass through unchanged")
	}
}

func TestTranslateImageRejectsUnsupportedMime(t *testing.T) {
	t.Parallel()

	_, err := TranslateImage(&anthropic.ImageSource{
		Type:      "base64",
		MediaType: "image/tiff",
		Data:      base64.StdEncoding.EncodeToString([]byte("x")),
	})
	var pe *proxyerr.Error
	if !errors.As(err, &pe) || pe.Kind != proxyerr.KindUnsupportedMimeType {
		t.Fatalf("expected unsupported-mime error, got %v", err)
	}
}

func TestTranslateImageRejectsNonBase64Source(t *testing.T) {
	t.Parallel()

	_, err := TranslateImage(&anthropic.ImageSource{Type: "url", MediaType: "image/png"})
	if err == nil {
		t.Fatalf("expected error for non-base64 source")
	}
}

func TestTranslateImageRejectsInvalidBase64(t *testing.T) {
	t.Parallel()

	_, err := TranslateImage(&anthropic.ImageSource{
		Type:      "base64",
		MediaType: "image/png",
		Data:      "not!!valid##base64",
	})
	var pe *proxyerr.Error
	if !errors.As(err, &pe) || pe.Kind != proxyerr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTranslateImageRejectsOversizedPayloadBeforeDecoding(t *testing.T) {
	t.Parallel()

	// Base64 text long enough that the decoded size alone exceeds the
	// ceiling; the rejection must come from the length check, not a decode.
	tooBig := strings.Repeat("A", (MaxImageBytes/3+2)*4)
	_, err := TranslateImage(&anthropic.ImageSource{
		Type:      "base64",
		MediaType: "image/png",
		Data:      tooBig,
	})
	var pe *proxyerr.Error
	if !errors.As(err, &pe) || pe.Kind != proxyerr.KindPayloadTooLarge {
		t.Fatalf("expected payload-too-large error, got %v", err)
	}
}
