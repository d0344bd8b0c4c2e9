// Package ipn verifies instant-payment-notification callbacks from the
// crypto payment gateway. The gateway signs the raw request body with
// HMAC-SHA512 over the shared IPN secret and sends the hex digest in a
// request header.
package ipn

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
)

// SignatureHeader is the request header carrying the gateway's HMAC digest.
const SignatureHeader = "x-nowpayments-sig"

var (
	// ErrMissingSecret indicates the shared secret is not configured.
	// This must be caught at startup; verification never runs without it.
	ErrMissingSecret = errors.New("ipn: shared secret is required")

	// ErrMissingSignature indicates the request carried no signature header.
	ErrMissingSignature = errors.New("ipn: signature header is missing")

	// ErrEmptyPayload indicates an empty request body.
	ErrEmptyPayload = errors.New("ipn: payload cannot be empty")

	// ErrInvalidSignature indicates the digest did not match the payload.
	ErrInvalidSignature = errors.New("ipn: signature mismatch")
)

// Sign computes the hex HMAC-SHA512 digest of payload under secret.
// Used by tests and by outbound callback simulation; the gateway computes
// the same digest on its side.
func Sign(secret string, payload []byte) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}

	h := hmac.New(sha512.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks that signature is the HMAC-SHA512 hex digest of the raw,
// unparsed payload under secret. Comparison is constant-time.
func Verify(secret string, payload []byte, signature string) error {
	if secret == "" {
		return ErrMissingSecret
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if signature == "" {
		return ErrMissingSignature
	}

	expected, err := Sign(secret, payload)
	if err != nil {
		return err
	}

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
