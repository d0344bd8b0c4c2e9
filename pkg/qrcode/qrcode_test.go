package qrcode_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightbot/billingcore/pkg/qrcode"
)

// pngMagic is the first eight bytes of every PNG file.
var pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

func TestGenerate(t *testing.T) {
	t.Parallel()

	t.Run("renders PNG", func(t *testing.T) {
		t.Parallel()
		png, err := qrcode.Generate("bc1qexampleaddress", 256)
		require.NoError(t, err)
		assert.Equal(t, pngMagic, png[:8])
	})

	t.Run("zero size falls back to default", func(t *testing.T) {
		t.Parallel()
		png, err := qrcode.Generate("bc1qexampleaddress", 0)
		require.NoError(t, err)
		assert.NotEmpty(t, png)
	})

	t.Run("empty content", func(t *testing.T) {
		t.Parallel()
		_, err := qrcode.Generate("   ", 256)
		assert.ErrorIs(t, err, qrcode.ErrEmptyContent)
	})
}

func TestDataURI(t *testing.T) {
	t.Parallel()

	uri, err := qrcode.DataURI("bc1qexampleaddress", 128)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	_, err = qrcode.DataURI("", 128)
	assert.ErrorIs(t, err, qrcode.ErrEmptyContent)
}
