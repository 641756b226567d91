package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"time"

	"golang.org/x/image/webp"
)

// Format is the encoding of Frame.Data.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"

	// FormatRGBA is a raw 8-bit RGBA buffer of Width*Height*4 bytes.
	FormatRGBA Format = "rgba"
)

// JPEGQuality is used when a frame has to be re-encoded.
const JPEGQuality = 85

// Error definitions for the frame package.
var (
	ErrUnsupportedFormat = errors.New("unsupported frame format")
	ErrInvalidFrame      = errors.New("invalid frame")
)

// Frame is one camera image. Data must not be modified once the frame has
// been published.
type Frame struct {
	Timestamp time.Time
	Format    Format
	Data      []byte
	Width     int
	Height    int

	// Seq is assigned by the source, monotonically increasing.
	Seq uint64
}

// DetectFormat sniffs the encoding of an image buffer.
func DetectFormat(data []byte) (Format, error) {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return FormatJPEG, nil
	case "image/png":
		return FormatPNG, nil
	case "image/webp":
		return FormatWebP, nil
	}
	return "", ErrUnsupportedFormat
}

// New builds a frame from an encoded image, detecting its format.
func New(data []byte) (*Frame, error) {
	format, err := DetectFormat(data)
	if err != nil {
		return nil, err
	}

	f := &Frame{Data: data, Format: format, Timestamp: time.Now()}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		f.Width, f.Height = cfg.Width, cfg.Height
	}

	return f, nil
}

// Encode returns the frame as bytes an inference engine accepts, with their
// media type. JPEG and PNG pass through; WebP and raw RGBA become JPEG.
func Encode(f *Frame) ([]byte, string, error) {
	if f == nil || len(f.Data) == 0 {
		return nil, "", ErrInvalidFrame
	}

	switch f.Format {
	case FormatJPEG:
		return f.Data, "image/jpeg", nil
	case FormatPNG:
		return f.Data, "image/png", nil
	case FormatWebP:
		img, err := webp.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, "", fmt.Errorf("%w: decode webp: %w", ErrInvalidFrame, err)
		}
		return encodeJPEG(img)
	case FormatRGBA:
		if f.Width <= 0 || f.Height <= 0 || len(f.Data) != f.Width*f.Height*4 {
			return nil, "", fmt.Errorf("%w: rgba buffer of %d bytes for %dx%d", ErrInvalidFrame, len(f.Data), f.Width, f.Height)
		}
		img := &image.RGBA{
			Pix:    f.Data,
			Stride: f.Width * 4,
			Rect:   image.Rect(0, 0, f.Width, f.Height),
		}
		return encodeJPEG(img)
	}

	return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, f.Format)
}

func encodeJPEG(img image.Image) ([]byte, string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, "", fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
