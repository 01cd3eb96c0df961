package anticheat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"form", "from", 2},
		{"hello", "hello", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Levenshtein(tt.a, tt.b), "Levenshtein(%q, %q)", tt.a, tt.b)
	}
}

func TestDamerauLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"form", "from", 1},
		{"ca", "ac", 1},
		{"hello", "hello", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DamerauLevenshtein(tt.a, tt.b), "DamerauLevenshtein(%q, %q)", tt.a, tt.b)
	}
}

func TestTranspositionScoresHigherThanLegacy(t *testing.T) {
	target, typed := "form", "from"
	modern := Accuracy(target, typed, DamerauLevenshtein(target, typed))
	legacy := Accuracy(target, typed, Levenshtein(target, typed))

	assert.Equal(t, 0.75, modern)
	assert.Equal(t, 0.5, legacy)
	assert.Greater(t, modern, legacy)
}

func TestAccuracyBounds(t *testing.T) {
	assert.Equal(t, 1.0, Accuracy("", "", 0))
	assert.Equal(t, 1.0, Accuracy("abc", "abc", 0))
	assert.Equal(t, 0.0, Accuracy("ab", "xyzw", 6))

	// Denominator is the longer of the two strings.
	acc := Accuracy("abc", "abcdef", DamerauLevenshtein("abc", "abcdef"))
	assert.Equal(t, 0.5, acc)
}
