package imgutil

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madeofus/scanner/internal/errs"
)

func padded(prefix []byte) []byte {
	body := make([]byte, MinImageBytes+16)
	copy(body, prefix)
	return body
}

func TestPrefilter(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        []byte
		wantErr     error
	}{
		{"jpeg passes", "image/jpeg", padded([]byte{0xFF, 0xD8, 0xFF, 0xE0}), nil},
		{"png passes", "image/png", padded([]byte{0x89, 0x50, 0x4E, 0x47}), nil},
		{"webp passes", "image/webp", padded([]byte{0x52, 0x49, 0x46, 0x46}), nil},
		{"gif passes", "image/gif", padded([]byte{0x47, 0x49, 0x46, 0x38}), nil},
		{"bmp passes", "image/bmp", padded([]byte{0x42, 0x4D}), nil},
		{"empty content type passes magic check", "", padded([]byte{0xFF, 0xD8}), nil},
		{"video rejected", "video/mp4", padded([]byte{0xFF, 0xD8}), errs.ErrNotImage},
		{"text rejected", "text/html; charset=utf-8", padded([]byte{0xFF, 0xD8}), errs.ErrNotImage},
		{"json rejected", "application/json", padded([]byte{0xFF, 0xD8}), errs.ErrNotImage},
		{"too small rejected", "image/jpeg", []byte{0xFF, 0xD8, 0x00}, errs.ErrImageTooSmall},
		{"bad magic rejected", "image/jpeg", padded([]byte{0x00, 0x01}), errs.ErrNotImage},
		{"empty body rejected", "image/jpeg", nil, errs.ErrImageTooSmall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Prefilter(tt.contentType, tt.body)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "want %v in chain, got %v", tt.wantErr, err)
			assert.False(t, errs.IsRetryable(err), "prefilter failures are terminal")
		})
	}
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeAndResizeRejectsSmallImages(t *testing.T) {
	body := encodePNG(t, 100, 100)
	_, err := DecodeAndResize(body, MaxLongEdge)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrImageTooSmall)
}

func TestDecodeAndResizeKeepsSmallEnoughImages(t *testing.T) {
	body := encodePNG(t, 640, 480)
	decoded, err := DecodeAndResize(body, MaxLongEdge)
	require.NoError(t, err)
	assert.Equal(t, 640, decoded.OriginalWidth)
	assert.Equal(t, 480, decoded.OriginalHeight)
	assert.Equal(t, 640, decoded.Image.Bounds().Dx())
}

func TestDecodeAndResizeScalesDown(t *testing.T) {
	body := encodePNG(t, 1200, 300)
	decoded, err := DecodeAndResize(body, 600)
	require.NoError(t, err)
	assert.Equal(t, 600, decoded.Image.Bounds().Dx())
	assert.Equal(t, 150, decoded.Image.Bounds().Dy())
	assert.Equal(t, 1200, decoded.OriginalWidth)
}

func TestScaledSize(t *testing.T) {
	tests := []struct {
		w, h, maxEdge int
		wantW, wantH  int
	}{
		{4000, 3000, 4096, 4000, 3000},
		{8192, 4096, 4096, 4096, 2048},
		{300, 6000, 3000, 150, 3000},
		{500, 500, 0, 500, 500},
	}
	for _, tt := range tests {
		w, h := scaledSize(tt.w, tt.h, tt.maxEdge)
		assert.Equal(t, tt.wantW, w)
		assert.Equal(t, tt.wantH, h)
	}
}

func TestHammingDistance(t *testing.T) {
	assert.Equal(t, 0, hammingDistance(0xDEADBEEF, 0xDEADBEEF))
	assert.Equal(t, 64, hammingDistance(0, ^uint64(0)))
	assert.Equal(t, 1, hammingDistance(0b1000, 0b0000))
	assert.True(t, nearDuplicate(0xFF00, 0xFF01))
	assert.False(t, nearDuplicate(0, ^uint64(0)))
}

func TestPhashStableForIdenticalImages(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), uint8(x ^ y), 255})
		}
	}
	h1, err := Phash(img)
	require.NoError(t, err)
	h2, err := Phash(img)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
