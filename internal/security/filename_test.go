package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"3f9c2a7e-1b2d-4c3e-8f9a-0b1c2d3e4f5a", "3f9c2a7e-1b2d-4c3e-8f9a-0b1c2d3e4f5a"},
		{"scan 1", "scan_1"},
		{"../../etc/passwd", "etc_passwd"},
		{"..", "unknown"},
		{"", "unknown"},
		{"a//b\\c", "a_b_c"},
		{"__x__", "x"},
		{"run_2", "run_2"},
		{"µscan", "scan"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestSanitizeFilenameLength(t *testing.T) {
	got := SanitizeFilename(strings.Repeat("a", 500))
	assert.Len(t, got, maxFilenameLen)
}
