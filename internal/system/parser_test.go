package system

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  uint64
	}{
		{"512", 512},
		{"100K", 100 * 1024},
		{"10M", 10 * 1024 * 1024},
		{"1G", 1024 * 1024 * 1024},
		{"2T", 2 * 1024 * 1024 * 1024 * 1024},
		{" 5g ", 5 * 1024 * 1024 * 1024},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "abc", "1.5G", "-1G", "10X"} {
		_, err := ParseSize(input)
		assert.Error(t, err, input)
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.0 KB", FormatSize(1024))
	assert.Equal(t, "1.5 MB", FormatSize(3*512*1024))
	assert.Equal(t, "2.0 GB", FormatSize(2*1024*1024*1024))
}
