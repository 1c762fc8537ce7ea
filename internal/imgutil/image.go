package imgutil

import (
	"bytes"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/madeofus/scanner/internal/errs"
)

func init() {
	image.RegisterFormat("bmp", "BM", bmp.Decode, bmp.DecodeConfig)
}

// MaxLongEdge is the longest edge an image is resized to before detection.
const MaxLongEdge = 4096

// Decoded is an in-memory image plus its original dimensions.
type Decoded struct {
	Image          image.Image
	OriginalWidth  int
	OriginalHeight int
}

// DecodeAndResize decodes body and scales the result down so its long edge
// is at most maxEdge. Images below the minimum dimension are rejected.
func DecodeAndResize(body []byte, maxEdge int) (*Decoded, error) {
	if maxEdge <= 0 {
		maxEdge = MaxLongEdge
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return nil, errs.WrapValidation("decode_image", fmt.Errorf("%w: %v", errs.ErrNotImage, err))
	}
	if cfg.Width < MinDimension || cfg.Height < MinDimension {
		return nil, errs.WrapValidation("decode_image",
			fmt.Errorf("%w: %dx%d", errs.ErrImageTooSmall, cfg.Width, cfg.Height))
	}

	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, errs.WrapValidation("decode_image", fmt.Errorf("%w: %v", errs.ErrNotImage, err))
	}

	decoded := &Decoded{
		Image:          img,
		OriginalWidth:  cfg.Width,
		OriginalHeight: cfg.Height,
	}

	w, h := scaledSize(cfg.Width, cfg.Height, maxEdge)
	if w == cfg.Width && h == cfg.Height {
		return decoded, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	decoded.Image = dst
	return decoded, nil
}

// scaledSize returns the dimensions an image of (w, h) takes after capping
// the long edge at maxEdge.
func scaledSize(w, h, maxEdge int) (int, int) {
	long := w
	if h > long {
		long = h
	}
	if maxEdge <= 0 || long <= maxEdge {
		return w, h
	}
	scale := float64(maxEdge) / float64(long)
	sw := int(float64(w) * scale)
	sh := int(float64(h) * scale)
	if sw < 1 {
		sw = 1
	}
	if sh < 1 {
		sh = 1
	}
	return sw, sh
}
