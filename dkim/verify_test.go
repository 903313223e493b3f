package dkim

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	record string
	err    error
}

func (f fakeResolver) Resolve(ctx context.Context, selector, domain string) (string, error) {
	return f.record, f.err
}

func ed25519Record(pub ed25519.PublicKey) string {
	return fmt.Sprintf("v=DKIM1; k=ed25519; p=%s", base64.StdEncoding.EncodeToString(pub))
}

func rsaRecord(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return fmt.Sprintf("v=DKIM1; k=rsa; p=%s", base64.StdEncoding.EncodeToString(der))
}

func signAndParse(t *testing.T, signer *Signer, headers []HeaderView, body string) (Signature, []HeaderView) {
	t.Helper()
	headerValue, err := signer.Sign(headers, body)
	require.NoError(t, err)
	sig, err := ParseSignature(headerValue)
	require.NoError(t, err)
	return sig, headers
}

func TestVerifyEd25519Pass(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := &Signer{
		Domain: "example.com", Selector: "sel1", Algorithm: Ed25519Sha256,
		HeaderCanon: Relaxed, BodyCanon: Relaxed, SignedHeaders: []string{"from", "subject"},
		BodyLength: -1, EdKey: priv,
	}
	headers := []HeaderView{{Name: "From", Raw: " alice@example.com"}, {Name: "Subject", Raw: " hi"}}
	body := "hello world\r\n"
	sig, headers := signAndParse(t, signer, headers, body)

	result := Verify(context.Background(), sig, headers, body, fakeResolver{record: ed25519Record(pub)})
	require.Equal(t, Pass, result.Value)
	require.NoError(t, result.Err)
}

func TestVerifyRSAPass(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer := &Signer{
		Domain: "example.com", Selector: "sel1", Algorithm: RsaSha256,
		HeaderCanon: Simple, BodyCanon: Simple, SignedHeaders: []string{"from"},
		BodyLength: -1, RSAKey: key,
	}
	headers := []HeaderView{{Name: "From", Raw: " alice@example.com"}}
	body := "hello world\r\n"
	sig, headers := signAndParse(t, signer, headers, body)

	result := Verify(context.Background(), sig, headers, body, fakeResolver{record: rsaRecord(t, &key.PublicKey)})
	require.Equal(t, Pass, result.Value)
}

func TestVerifyFailsOnTamperedBody(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := &Signer{
		Domain: "example.com", Selector: "sel1", Algorithm: Ed25519Sha256,
		HeaderCanon: Relaxed, BodyCanon: Relaxed, SignedHeaders: []string{"from"},
		BodyLength: -1, EdKey: priv,
	}
	headers := []HeaderView{{Name: "From", Raw: " alice@example.com"}}
	sig, headers := signAndParse(t, signer, headers, "original body\r\n")

	result := Verify(context.Background(), sig, headers, "tampered body\r\n", fakeResolver{record: ed25519Record(pub)})
	require.Equal(t, Fail, result.Value)
}

func TestVerifyPermFailOnRevokedKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	_ = pub
	require.NoError(t, err)
	signer := &Signer{
		Domain: "example.com", Selector: "sel1", Algorithm: Ed25519Sha256,
		HeaderCanon: Relaxed, BodyCanon: Relaxed, SignedHeaders: []string{"from"},
		BodyLength: -1, EdKey: priv,
	}
	headers := []HeaderView{{Name: "From", Raw: " alice@example.com"}}
	body := "hello\r\n"
	sig, headers := signAndParse(t, signer, headers, body)

	result := Verify(context.Background(), sig, headers, body, fakeResolver{record: "v=DKIM1; k=ed25519; p="})
	require.Equal(t, PermFail, result.Value)
}

func TestVerifyNeutralOnShortRSAKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 512)
	require.NoError(t, err)
	signer := &Signer{
		Domain: "example.com", Selector: "sel1", Algorithm: RsaSha256,
		HeaderCanon: Simple, BodyCanon: Simple, SignedHeaders: []string{"from"},
		BodyLength: -1, RSAKey: key,
	}
	headers := []HeaderView{{Name: "From", Raw: " alice@example.com"}}
	body := "hello\r\n"
	sig, headers := signAndParse(t, signer, headers, body)

	result := Verify(context.Background(), sig, headers, body, fakeResolver{record: rsaRecord(t, &key.PublicKey)})
	require.Equal(t, Neutral, result.Value)
}

func TestVerifyTempFailOnResolverError(t *testing.T) {
	sig := Signature{
		Algorithm: Ed25519Sha256, HeaderCanon: Relaxed, BodyCanon: Relaxed,
		Domain: "example.com", Selector: "sel1", SignedHeaders: []string{"from"}, BodyLength: -1,
	}
	headers := []HeaderView{{Name: "From", Raw: " alice@example.com"}}
	result := Verify(context.Background(), sig, headers, "body\r\n", fakeResolver{err: errors.New("dns timeout")})
	require.Equal(t, TempFail, result.Value)
	require.Error(t, result.Err)
}

func TestParsePublicKeyRecordDefaultsToRSA(t *testing.T) {
	rec, err := ParsePublicKeyRecord("v=DKIM1; p=aGVsbG8=")
	require.NoError(t, err)
	require.Equal(t, "rsa", rec.KeyType)
	require.False(t, rec.Revoked)
}

func TestParsePublicKeyRecordMalformedBase64(t *testing.T) {
	_, err := ParsePublicKeyRecord("v=DKIM1; k=rsa; p=not-valid-base64!!")
	require.Error(t, err)
}
