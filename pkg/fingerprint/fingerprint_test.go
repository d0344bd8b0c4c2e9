package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/insightbot/billingcore/pkg/fingerprint"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercases", "My Group", "my group"},
		{"trims", "  crypto signals  ", "crypto signals"},
		{"collapses whitespace runs", "my \t\n  group", "my group"},
		{"empty", "", ""},
		{"only whitespace", " \t ", ""},
		{"unicode letters survive", "Группа Трейдеров", "группа трейдеров"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, fingerprint.Normalize(tc.input))
		})
	}
}

func TestGroup(t *testing.T) {
	t.Parallel()

	t.Run("stable", func(t *testing.T) {
		t.Parallel()
		a := fingerprint.Group(-100123, "Crypto Signals")
		b := fingerprint.Group(-100123, "Crypto Signals")
		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("trivial rename matches", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t,
			fingerprint.Group(-100123, "Crypto Signals"),
			fingerprint.Group(-100123, "  crypto   SIGNALS "),
		)
	})

	t.Run("different group ID differs", func(t *testing.T) {
		t.Parallel()
		assert.NotEqual(t,
			fingerprint.Group(-100123, "Crypto Signals"),
			fingerprint.Group(-100124, "Crypto Signals"),
		)
	})

	t.Run("real rename differs", func(t *testing.T) {
		t.Parallel()
		assert.NotEqual(t,
			fingerprint.Group(-100123, "Crypto Signals"),
			fingerprint.Group(-100123, "Crypto Signals 2.0"),
		)
	})
}

func TestTitle(t *testing.T) {
	t.Parallel()

	t.Run("recreated group under fresh ID matches", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t,
			fingerprint.Title("Crypto Signals"),
			fingerprint.Title("crypto  signals"),
		)
	})

	t.Run("ignores group ID entirely", func(t *testing.T) {
		t.Parallel()
		assert.NotEqual(t, fingerprint.Title("alpha"), fingerprint.Title("beta"))
		assert.Len(t, fingerprint.Title("alpha"), 64)
	})
}
