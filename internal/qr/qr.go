// Package qr renders QR code images for short links.
package qr

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the rendered image edge length in pixels.
const DefaultSize = 256

// Encoder renders QR codes as PNG bytes.
// Implementations should be safe for concurrent use.
type Encoder interface {
	PNG(content string, size int) ([]byte, error)
}

type encoder struct{}

// New returns the default QR encoder.
func New() Encoder {
	return encoder{}
}

func (encoder) PNG(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultSize
	}
	return qrcode.Encode(content, qrcode.Medium, size)
}

// DataURL wraps PNG bytes as an inline data URL, used as a fallback when the
// object-storage upload fails.
func DataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
