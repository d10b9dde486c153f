package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases", "Rust Engineer", "rust engineer"},
		{"collapses whitespace", "rust   engineer\n near", "rust engineer near"},
		{"trims edge punctuation", "who knows rust?", "who knows rust"},
		{"keeps structured tokens", "skill:rust engineer", "skill:rust engineer"},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeQuery(tt.input))
		})
	}
}

func TestFingerprintStableAcrossMapOrder(t *testing.T) {
	a := Fingerprint("rust engineer", map[string]int64{"alice": 3, "bob": 2, "carol": 7})
	b := Fingerprint("rust engineer", map[string]int64{"carol": 7, "alice": 3, "bob": 2})
	assert.Equal(t, a, b)
}

func TestFingerprintChangesWithVersions(t *testing.T) {
	base := Fingerprint("rust engineer", map[string]int64{"alice": 3, "bob": 2})

	bumped := Fingerprint("rust engineer", map[string]int64{"alice": 4, "bob": 2})
	assert.NotEqual(t, base, bumped)

	grown := Fingerprint("rust engineer", map[string]int64{"alice": 3, "bob": 2, "carol": 1})
	assert.NotEqual(t, base, grown)
}

func TestFingerprintChangesWithQuery(t *testing.T) {
	heads := map[string]int64{"alice": 3}
	assert.NotEqual(t,
		Fingerprint("rust engineer", heads),
		Fingerprint("go engineer", heads),
	)
}
