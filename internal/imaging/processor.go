// Package imaging validates uploaded cover images and normalizes them to a
// single serving format: a fixed-width JPEG.
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"golang.org/x/image/draw"

	_ "image/png"

	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedType is returned when the upload is not an allowed image type.
	ErrUnsupportedType = errors.New("unsupported image type")
	// ErrTimeout is returned when normalization exceeds its deadline.
	ErrTimeout = errors.New("image processing timed out")
)

var allowedMIMETypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

const (
	defaultWidth   = 300
	defaultQuality = 90
	defaultTimeout = 10 * time.Second
)

// Processor normalizes uploads: allow-listed type check, fixed-width
// downscale, JPEG re-encode.
type Processor struct {
	width   int
	quality int
	timeout time.Duration
}

// NewProcessor builds a processor. Zero values select the defaults
// (width 300, JPEG quality 90, 10s timeout).
func NewProcessor(width, quality int, timeout time.Duration) *Processor {
	if width <= 0 {
		width = defaultWidth
	}
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Processor{width: width, quality: quality, timeout: timeout}
}

// Result is a normalized image ready for storage.
type Result struct {
	Data        []byte
	ContentType string
	Ext         string
}

// Normalize validates the upload and re-encodes it as a fixed-width JPEG.
// Both the declared and the sniffed content type must be on the allow-list;
// the declared type alone is not trusted.
func (p *Processor) Normalize(ctx context.Context, data []byte, declaredType string) (Result, error) {
	if _, ok := allowedMIMETypes[declaredType]; !ok {
		return Result{}, ErrUnsupportedType
	}
	if _, ok := allowedMIMETypes[http.DetectContentType(data)]; !ok {
		return Result{}, ErrUnsupportedType
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.transcode(data)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return Result{}, ErrTimeout
	case out := <-done:
		return out.res, out.err
	}
}

func (p *Processor) transcode(data []byte) (Result, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("decode image: %w", ErrUnsupportedType)
	}

	bounds := src.Bounds()
	if bounds.Dx() > p.width {
		height := bounds.Dy() * p.width / bounds.Dx()
		if height < 1 {
			height = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, p.width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: p.quality}); err != nil {
		return Result{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return Result{Data: buf.Bytes(), ContentType: "image/jpeg", Ext: ".jpg"}, nil
}
