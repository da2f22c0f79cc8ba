package keywords

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "SMITH", "smith"},
		{"strips accents", "José García", "jose garcia"},
		{"mixed", "Müller-Lüdenscheidt", "muller-ludenscheidt"},
		{"already folded", "plain", "plain"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fold(tt.in))
		})
	}
}

func TestExpand(t *testing.T) {
	t.Run("keeps originals and adds folded forms", func(t *testing.T) {
		out := Expand([]string{"José", "García"})
		assert.Equal(t, []string{"José", "jose", "García", "garcia"}, out)
	})

	t.Run("drops empties and trims", func(t *testing.T) {
		out := Expand([]string{"  Smith  ", "", "   "})
		assert.Equal(t, []string{"Smith", "smith"}, out)
	})

	t.Run("dedupes preserving first appearance", func(t *testing.T) {
		out := Expand([]string{"smith", "Smith", "smith"})
		assert.Equal(t, []string{"smith", "Smith"}, out)
	})

	t.Run("adds E.164 for phone-shaped values", func(t *testing.T) {
		out := Expand([]string{"(202) 456-1111"})
		assert.Contains(t, out, "(202) 456-1111")
		assert.Contains(t, out, "+12024561111")
	})

	t.Run("ignores values that only look vaguely numeric", func(t *testing.T) {
		out := Expand([]string{"12345", "route 66"})
		assert.NotContains(t, out, "+12345")
		assert.Equal(t, []string{"12345", "route 66"}, out)
	})

	t.Run("email addresses are not phones", func(t *testing.T) {
		out := Expand([]string{"jose@example.com"})
		assert.Equal(t, []string{"jose@example.com"}, out)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, Expand(nil))
	})
}
