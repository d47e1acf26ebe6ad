package fsutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeIdempotent(t *testing.T) {
	cases := []string{
		"Chapter 1: The Beginning?",
		"con",
		"LPT1.txt",
		"a/b\\c:d*e",
		strings.Repeat("x", 400),
		strings.Repeat("x", 300) + ".txt",
		"   trailing space and dot.  . ",
		"",
		"\x00\x00",
	}
	for _, c := range cases {
		once := Sanitize(c)
		twice := Sanitize(once)
		require.Equal(t, once, twice, "sanitize not idempotent for %q", c)
		require.NotEmpty(t, once)
		require.LessOrEqual(t, len(once), maxFilenameLen)
	}
}

func TestSanitizeStripsIllegalChars(t *testing.T) {
	got := Sanitize(`a/b\c:d*e?f"g<h>i|j`)
	require.NotContains(t, got, "/")
	require.NotContains(t, got, "\\")
	require.NotContains(t, got, ":")
}

func TestSanitizeReservedStem(t *testing.T) {
	got := Sanitize("CON")
	require.NotEqual(t, "CON", got)
}

func TestSanitizeEmptyFallsBack(t *testing.T) {
	require.Equal(t, fallbackName, Sanitize(""))
	require.Equal(t, fallbackName, Sanitize("   "))
}

func TestSanitizeLongNamePreservesExtension(t *testing.T) {
	got := Sanitize(strings.Repeat("x", 300) + ".txt")
	require.True(t, strings.HasSuffix(got, ".txt"), "expected .txt suffix, got %q", got)
	require.LessOrEqual(t, len(got), maxFilenameLen)
}
