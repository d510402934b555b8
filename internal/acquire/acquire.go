// Package acquire turns inbound image payloads (inline base64, remote URL or
// local file) into pixel buffers. Bad input is reported as an error wrapping
// ErrNotAcquired, never as a panic.
package acquire

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/classifier-api/internal/pixels"
)

// ErrNotAcquired marks input that could not be turned into an image.
var ErrNotAcquired = errors.New("image not acquired")

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// Limits bounds what a single payload may cost. Zero fields disable the
// corresponding check.
type Limits struct {
	MaxBytes  int64
	MaxPixels int
}

func notAcquired(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotAcquired, fmt.Sprintf(format, args...))
}

// FromBase64 decodes a base64 image payload. A data URL prefix
// ("data:image/png;base64,") is stripped, and unpadded input is accepted.
func FromBase64(s string, limits Limits) (*pixels.Buffer, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	if s == "" {
		return nil, notAcquired("empty base64 payload")
	}
	if limits.MaxBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(s))) > limits.MaxBytes+2 {
		return nil, notAcquired("payload exceeds %d bytes", limits.MaxBytes)
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if rawErr != nil {
			return nil, notAcquired("invalid base64: %v", err)
		}
	}
	return decode(data, limits.MaxPixels)
}

// FromFile reads and decodes an image from the local filesystem.
func FromFile(path string, limits Limits) (*pixels.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, notAcquired("read %s: %v", path, err)
	}
	if limits.MaxBytes > 0 && int64(len(data)) > limits.MaxBytes {
		return nil, notAcquired("%s exceeds %d bytes", path, limits.MaxBytes)
	}
	return decode(data, limits.MaxPixels)
}

// decode checks the header dimensions against maxPixels before decoding, so
// a small compressed payload cannot expand into an unbounded allocation.
func decode(data []byte, maxPixels int) (*pixels.Buffer, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, notAcquired("decode image header: %v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, notAcquired("empty image: %dx%d", cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, notAcquired("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, notAcquired("decode image: %v", err)
	}
	buf, err := pixels.FromImage(img)
	if err != nil {
		return nil, notAcquired("%v", err)
	}
	return buf, nil
}

// EncodeBase64 encodes buf with the given format and returns standard base64.
// PNG is lossless; JPEG uses the default quality.
func EncodeBase64(buf *pixels.Buffer, format Format) (string, error) {
	if buf == nil {
		return "", fmt.Errorf("nil buffer")
	}

	var out bytes.Buffer
	switch format {
	case FormatPNG:
		if err := png.Encode(&out, buf.Image()); err != nil {
			return "", fmt.Errorf("encode png: %w", err)
		}
	case FormatJPEG, "":
		if err := jpeg.Encode(&out, buf.Image(), nil); err != nil {
			return "", fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		return "", fmt.Errorf("unsupported format %q", format)
	}
	return base64.StdEncoding.EncodeToString(out.Bytes()), nil
}
