package dkim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCanonBothParts(t *testing.T) {
	h, b := ParseCanon("relaxed/simple")
	require.Equal(t, Relaxed, h)
	require.Equal(t, Simple, b)
}

func TestParseCanonHeaderOnlyDefaultsBodySimple(t *testing.T) {
	h, b := ParseCanon("relaxed")
	require.Equal(t, Relaxed, h)
	require.Equal(t, Simple, b)
}

func TestCanonHeaderSimplePreservesCase(t *testing.T) {
	got := CanonHeader(Simple, "Subject", " Hello  World")
	require.Equal(t, "Subject: Hello  World", got)
}

func TestCanonHeaderRelaxedLowercasesAndCollapses(t *testing.T) {
	got := CanonHeader(Relaxed, "Subject", "  Hello   World  \r\n  more")
	require.Equal(t, "subject:Hello World more", got)
}

func TestCanonBodySimpleSingleTrailingCRLF(t *testing.T) {
	got := CanonBody(Simple, "hello\r\nworld\r\n\r\n\r\n")
	require.Equal(t, "hello\r\nworld\r\n", got)
}

func TestCanonBodySimpleEmptyBody(t *testing.T) {
	require.Equal(t, "", CanonBody(Simple, ""))
	require.Equal(t, "", CanonBody(Simple, "\r\n\r\n"))
}

func TestCanonBodyRelaxedCollapsesWhitespace(t *testing.T) {
	got := CanonBody(Relaxed, "hello   world  \r\n\r\n")
	require.Equal(t, "hello world\r\n", got)
}
