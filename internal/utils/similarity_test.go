package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want int
	}{
		{"identical", "reiniciar", "reiniciar", 0},
		{"empty left", "", "abc", 3},
		{"empty right", "abc", "", 3},
		{"both empty", "", "", 0},
		{"substitution", "salir", "salgr", 1},
		{"dropped character", "!reinicar", "!reiniciar", 1},
		{"transposition counts as two edits", "ab", "ba", 2},
		{"completely different", "abc", "xyz", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Levenshtein(tt.a, tt.b))
			assert.Equal(t, tt.want, Levenshtein(tt.b, tt.a))
		})
	}
}

func TestSimilarity(t *testing.T) {
	t.Run("identical strings score 1", func(t *testing.T) {
		assert.Equal(t, 1.0, Similarity("!ayuda", "!ayuda"))
	})

	t.Run("both empty score 1", func(t *testing.T) {
		assert.Equal(t, 1.0, Similarity("", ""))
	})

	t.Run("disjoint strings score 0", func(t *testing.T) {
		assert.Equal(t, 0.0, Similarity("abc", "xyz"))
	})

	t.Run("close typo scores above 0.7", func(t *testing.T) {
		assert.Greater(t, Similarity("!reinicar", "!reiniciar"), 0.7)
	})

	t.Run("unrelated verb scores below 0.7", func(t *testing.T) {
		assert.Less(t, Similarity("!estado", "!reiniciar"), 0.7)
	})
}
