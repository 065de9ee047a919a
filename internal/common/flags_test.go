package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlagValue(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected interface{}
	}{
		{"bool true", "true", true},
		{"bool false", "FALSE", false},
		{"int", "42", 42},
		{"negative int", "-7", -7},
		{"float", "0.3", 0.3},
		{"duration keeps canonical form", "1500ms", "1.5s"},
		{"string", "politics", "politics"},
		{"whitespace trimmed", "  news  ", "news"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseFlagValue(tt.raw))
		})
	}
}

func TestParseKeyValuePairs(t *testing.T) {
	pairs, err := ParseKeyValuePairs([]string{"max_pages=100", "dry_run=true", "category=news"})
	require.NoError(t, err)
	assert.Equal(t, 100, pairs["max_pages"])
	assert.Equal(t, true, pairs["dry_run"])
	assert.Equal(t, "news", pairs["category"])
}

func TestParseKeyValuePairsRejectsMalformed(t *testing.T) {
	_, err := ParseKeyValuePairs([]string{"no-equals-sign"})
	require.Error(t, err)

	_, err = ParseKeyValuePairs([]string{"=value"})
	require.Error(t, err)
}
