package dkim

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSigningAlgorithm(t *testing.T) {
	a, err := ParseSigningAlgorithm("rsa-sha256")
	require.NoError(t, err)
	require.Equal(t, RsaSha256, a)
	require.Equal(t, "rsa-sha256", a.String())

	a, err = ParseSigningAlgorithm("ed25519-sha256")
	require.NoError(t, err)
	require.Equal(t, Ed25519Sha256, a)
	require.Equal(t, "ed25519-sha256", a.String())

	_, err = ParseSigningAlgorithm("rsa-sha1")
	require.Error(t, err)
}

func TestSignatureRenderParseRoundTrip(t *testing.T) {
	sig := Signature{
		Version:       1,
		Algorithm:     RsaSha256,
		Signature:     []byte("sigbytes"),
		BodyHash:      []byte("bodyhash"),
		HeaderCanon:   Relaxed,
		BodyCanon:     Simple,
		Domain:        "example.com",
		SignedHeaders: []string{"from", "subject", "to"},
		Selector:      "selector1",
		BodyLength:    -1,
	}
	rendered := sig.Render()
	require.Contains(t, rendered, "v=1")
	require.Contains(t, rendered, "a=rsa-sha256")
	require.Contains(t, rendered, "c=relaxed/simple")
	require.Contains(t, rendered, "d=example.com")
	require.Contains(t, rendered, "s=selector1")
	require.Contains(t, rendered, "h=from:subject:to")

	parsed, err := ParseSignature(rendered)
	require.NoError(t, err)
	require.Equal(t, sig.Algorithm, parsed.Algorithm)
	require.Equal(t, sig.Domain, parsed.Domain)
	require.Equal(t, sig.Selector, parsed.Selector)
	require.Equal(t, sig.SignedHeaders, parsed.SignedHeaders)
	require.Equal(t, sig.HeaderCanon, parsed.HeaderCanon)
	require.Equal(t, sig.BodyCanon, parsed.BodyCanon)
	require.Equal(t, sig.Signature, parsed.Signature)
	require.Equal(t, sig.BodyHash, parsed.BodyHash)
}

func TestParseSignatureMissingRequiredTag(t *testing.T) {
	_, err := ParseSignature("v=1; a=rsa-sha256; bh=aGVsbG8=; b=aGVsbG8=")
	require.Error(t, err)
}

func TestSignerSignEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = pub

	signer := &Signer{
		Domain:        "example.com",
		Selector:      "sel1",
		Algorithm:     Ed25519Sha256,
		HeaderCanon:   Relaxed,
		BodyCanon:     Relaxed,
		SignedHeaders: []string{"from", "subject"},
		BodyLength:    -1,
		EdKey:         priv,
	}
	headers := []HeaderView{
		{Name: "From", Raw: " alice@example.com"},
		{Name: "Subject", Raw: " hello"},
	}
	headerValue, err := signer.Sign(headers, "body text\r\n")
	require.NoError(t, err)
	require.Contains(t, headerValue, "a=ed25519-sha256")

	sig, err := ParseSignature(headerValue)
	require.NoError(t, err)
	require.NotEmpty(t, sig.Signature)
	require.NotEmpty(t, sig.BodyHash)
}

func TestSignerSignRequiresKey(t *testing.T) {
	signer := &Signer{
		Domain:        "example.com",
		Selector:      "sel1",
		Algorithm:     Ed25519Sha256,
		HeaderCanon:   Relaxed,
		BodyCanon:     Relaxed,
		SignedHeaders: []string{"from"},
		BodyLength:    -1,
	}
	_, err := signer.Sign([]HeaderView{{Name: "From", Raw: " alice@example.com"}}, "body\r\n")
	require.Error(t, err)
}

func TestBuildSigningInputBottomUpRepeatedHeaders(t *testing.T) {
	headers := []HeaderView{
		{Name: "Received", Raw: " hop1"},
		{Name: "Received", Raw: " hop2"},
		{Name: "From", Raw: " alice@example.com"},
	}
	sig := Signature{BodyLength: -1, Algorithm: RsaSha256, HeaderCanon: Simple, BodyCanon: Simple, Domain: "example.com", Selector: "s1"}
	input := buildSigningInput(headers, Simple, []string{"received", "received", "from"}, sig)
	require.Contains(t, input, "Received: hop2")
	require.Contains(t, input, "Received: hop1")
	require.Contains(t, input, "From: alice@example.com")

	lines := splitLinesForTest(input)
	require.Equal(t, "Received: hop2", lines[0])
	require.Equal(t, "Received: hop1", lines[1])
}

func splitLinesForTest(s string) []string {
	var lines []string
	start := 0
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '\r' && s[i+1] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 2
		}
	}
	lines = append(lines, s[start:])
	return lines
}
