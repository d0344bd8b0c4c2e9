// Package qrcode renders payment addresses as QR code images so wallet
// apps can scan them instead of the user copy-pasting a long address.
// It is a thin wrapper around github.com/skip2/go-qrcode with input
// validation and sentinel errors.
package qrcode

import (
	"encoding/base64"
	"errors"
	"strings"

	skipqrcode "github.com/skip2/go-qrcode"
)

var (
	// ErrEmptyContent is returned when the content is empty or whitespace.
	ErrEmptyContent = errors.New("qrcode: content is empty")
	// ErrGenerationFailed wraps encoder failures.
	ErrGenerationFailed = errors.New("qrcode: generation failed")
)

// defaultSize is the image size in pixels when the caller passes zero.
const defaultSize = 256

// Generate renders the content as a PNG QR code. Medium error correction
// keeps the code scannable on small phone screens without inflating size.
func Generate(content string, size int) ([]byte, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if size <= 0 {
		size = defaultSize
	}

	png, err := skipqrcode.Encode(content, skipqrcode.Medium, size)
	if err != nil {
		return nil, errors.Join(ErrGenerationFailed, err)
	}
	return png, nil
}

// DataURI renders the content as a base64 data URI usable in an <img> tag,
// for bot frontends that inline the image rather than uploading PNG bytes.
func DataURI(content string, size int) (string, error) {
	png, err := Generate(content, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
