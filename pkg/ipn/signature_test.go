package ipn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightbot/billingcore/pkg/ipn"
)

func TestSign(t *testing.T) {
	t.Parallel()

	t.Run("deterministic for same inputs", func(t *testing.T) {
		t.Parallel()
		a, err := ipn.Sign("secret", []byte(`{"payment_status":"finished"}`))
		require.NoError(t, err)
		b, err := ipn.Sign("secret", []byte(`{"payment_status":"finished"}`))
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, 128) // hex of SHA-512
	})

	t.Run("requires secret", func(t *testing.T) {
		t.Parallel()
		_, err := ipn.Sign("", []byte("x"))
		assert.ErrorIs(t, err, ipn.ErrMissingSecret)
	})

	t.Run("requires payload", func(t *testing.T) {
		t.Parallel()
		_, err := ipn.Sign("secret", nil)
		assert.ErrorIs(t, err, ipn.ErrEmptyPayload)
	})
}

func TestVerify(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"invoice_id":"123","payment_status":"finished"}`)

	t.Run("accepts valid signature", func(t *testing.T) {
		t.Parallel()
		sig, err := ipn.Sign("secret", payload)
		require.NoError(t, err)
		assert.NoError(t, ipn.Verify("secret", payload, sig))
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		t.Parallel()
		sig, err := ipn.Sign("other-secret", payload)
		require.NoError(t, err)
		assert.ErrorIs(t, ipn.Verify("secret", payload, sig), ipn.ErrInvalidSignature)
	})

	t.Run("rejects tampered payload", func(t *testing.T) {
		t.Parallel()
		sig, err := ipn.Sign("secret", payload)
		require.NoError(t, err)

		tampered := []byte(`{"invoice_id":"123","payment_status":"finished" }`)
		assert.ErrorIs(t, ipn.Verify("secret", tampered, sig), ipn.ErrInvalidSignature)
	})

	t.Run("rejects missing signature", func(t *testing.T) {
		t.Parallel()
		assert.ErrorIs(t, ipn.Verify("secret", payload, ""), ipn.ErrMissingSignature)
	})

	t.Run("rejects garbage signature", func(t *testing.T) {
		t.Parallel()
		assert.ErrorIs(t, ipn.Verify("secret", payload, "deadbeef"), ipn.ErrInvalidSignature)
	})
}
