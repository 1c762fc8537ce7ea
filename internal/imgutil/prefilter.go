// Package imgutil covers the byte-level image handling shared by the crawl,
// detection, and ingest paths: bounded downloads, pre-detection filtering,
// decode-and-resize, and perceptual hashing.
package imgutil

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/madeofus/scanner/internal/errs"
)

// MinImageBytes is the floor below which a body is treated as non-image junk.
const MinImageBytes = 2048

// MinDimension is the minimum width and height a decodable image must have
// before face detection is attempted.
const MinDimension = 200

var magicPrefixes = [][]byte{
	{0xFF, 0xD8}, // JPEG
	{0x89, 0x50}, // PNG
	{0x52, 0x49}, // WebP/RIFF
	{0x47, 0x49}, // GIF
	{0x42, 0x4D}, // BMP
}

var rejectedContentTypes = []string{
	"video/",
	"text/",
	"application/json",
}

// Prefilter validates a downloaded body before any decode work is spent on it.
// Failures are terminal validation errors; the caller marks the image
// unprobeable and moves on.
func Prefilter(contentType string, body []byte) error {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, rejected := range rejectedContentTypes {
		if strings.HasPrefix(ct, rejected) {
			return errs.WrapValidation("prefilter", fmt.Errorf("%w: content-type %q", errs.ErrNotImage, contentType))
		}
	}

	if len(body) < MinImageBytes {
		return errs.WrapValidation("prefilter", fmt.Errorf("%w: %d bytes", errs.ErrImageTooSmall, len(body)))
	}

	if !hasImageMagic(body) {
		return errs.WrapValidation("prefilter", fmt.Errorf("%w: unrecognized magic bytes", errs.ErrNotImage))
	}
	return nil
}

func hasImageMagic(body []byte) bool {
	if len(body) < 2 {
		return false
	}
	for _, prefix := range magicPrefixes {
		if bytes.HasPrefix(body, prefix) {
			return true
		}
	}
	return false
}
