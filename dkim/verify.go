package dkim

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Result is the RFC 8601 2.7.1 DKIM verification outcome.
type Result int

const (
	None Result = iota
	Pass
	Fail
	Policy
	Neutral
	PermFail
	TempFail
)

func (r Result) String() string {
	switch r {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case Policy:
		return "policy"
	case Neutral:
		return "neutral"
	case PermFail:
		return "permfail"
	case TempFail:
		return "tempfail"
	default:
		return "none"
	}
}

// VerificationResult pairs an outcome with the signature it refers to, the
// signature pointer being nil when the header itself could not be parsed.
type VerificationResult struct {
	Value     Result
	Signature *Signature
	Err       error
}

// KeyResolver fetches the DKIM public key record ("selector._domainkey.domain").
type KeyResolver interface {
	Resolve(ctx context.Context, selector, domain string) (publicKeyRecord string, err error)
}

// DNSResolver resolves DKIM keys via a recursive resolver using miekg/dns,
// the same client/message construction the rest of this codebase uses for
// MX lookups.
type DNSResolver struct {
	Server  string // "host:port", e.g. "1.1.1.1:53"
	Timeout time.Duration
}

// Resolve issues a TXT query for selector._domainkey.domain.
func (r DNSResolver) Resolve(ctx context.Context, selector, domain string) (string, error) {
	name := dns.Fqdn(selector + "._domainkey." + domain)
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: r.Timeout}
	if client.Timeout == 0 {
		client.Timeout = 5 * time.Second
	}
	resp, _, err := client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return "", fmt.Errorf("dkim: TXT lookup for %s: %w", name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("dkim: TXT lookup for %s returned rcode %d", name, resp.Rcode)
	}
	var record strings.Builder
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			for _, chunk := range txt.Txt {
				record.WriteString(chunk)
			}
		}
	}
	if record.Len() == 0 {
		return "", fmt.Errorf("dkim: no TXT record found for %s", name)
	}
	return record.String(), nil
}

// PublicKeyRecord is the parsed form of a DKIM DNS TXT record's tag list.
type PublicKeyRecord struct {
	KeyType   string // k= ("rsa" or "ed25519")
	PublicKey []byte // decoded p=
	Revoked   bool   // p= present but empty
}

// ParsePublicKeyRecord parses a "v=DKIM1; k=rsa; p=..." TXT record.
func ParsePublicKeyRecord(raw string) (PublicKeyRecord, error) {
	tags := splitTags(raw)
	p := tags["p"]
	if p == "" {
		return PublicKeyRecord{Revoked: true}, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(p))
	if err != nil {
		return PublicKeyRecord{}, fmt.Errorf("dkim: bad p= tag: %w", err)
	}
	keyType := tags["k"]
	if keyType == "" {
		keyType = "rsa"
	}
	return PublicKeyRecord{KeyType: keyType, PublicKey: decoded}, nil
}

// Verify checks sig against the message's headers and body, resolving the
// signer's public key through resolver. It never returns an error: every
// failure mode maps to a Result per RFC 8601, with Err carrying detail for
// logging.
func Verify(ctx context.Context, sig Signature, headers []HeaderView, body string, resolver KeyResolver) VerificationResult {
	record, err := resolver.Resolve(ctx, sig.Selector, sig.Domain)
	if err != nil {
		return VerificationResult{Value: TempFail, Signature: &sig, Err: err}
	}
	keyRecord, err := ParsePublicKeyRecord(record)
	if err != nil {
		return VerificationResult{Value: PermFail, Signature: &sig, Err: err}
	}
	if keyRecord.Revoked {
		return VerificationResult{Value: PermFail, Signature: &sig, Err: fmt.Errorf("dkim: key for %s._domainkey.%s is revoked", sig.Selector, sig.Domain)}
	}

	bodyForHash := CanonBody(sig.BodyCanon, body)
	if sig.BodyLength >= 0 && sig.BodyLength < int64(len(bodyForHash)) {
		bodyForHash = bodyForHash[:sig.BodyLength]
	}
	bh := sha256.Sum256([]byte(bodyForHash))
	if string(bh[:]) != string(sig.BodyHash) {
		return VerificationResult{Value: Fail, Signature: &sig, Err: fmt.Errorf("dkim: body hash mismatch")}
	}

	sigCopy := sig
	signingInput := buildSigningInput(headers, sig.HeaderCanon, sig.SignedHeaders, sigCopy)
	digest := sha256.Sum256([]byte(signingInput))

	switch sig.Algorithm {
	case Ed25519Sha256:
		if keyRecord.KeyType != "ed25519" || len(keyRecord.PublicKey) != ed25519.PublicKeySize {
			return VerificationResult{Value: PermFail, Signature: &sig, Err: fmt.Errorf("dkim: malformed ed25519 public key")}
		}
		if !ed25519.Verify(ed25519.PublicKey(keyRecord.PublicKey), digest[:], sig.Signature) {
			return VerificationResult{Value: Fail, Signature: &sig}
		}
		return VerificationResult{Value: Pass, Signature: &sig}
	default:
		pub, err := x509.ParsePKIXPublicKey(keyRecord.PublicKey)
		if err != nil {
			return VerificationResult{Value: PermFail, Signature: &sig, Err: fmt.Errorf("dkim: parse RSA public key: %w", err)}
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return VerificationResult{Value: PermFail, Signature: &sig, Err: fmt.Errorf("dkim: public key is not RSA")}
		}
		if rsaPub.N.BitLen() < 1024 {
			return VerificationResult{Value: Neutral, Signature: &sig, Err: fmt.Errorf("dkim: RSA key too short (%d bits)", rsaPub.N.BitLen())}
		}
		if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig.Signature); err != nil {
			return VerificationResult{Value: Fail, Signature: &sig, Err: err}
		}
		return VerificationResult{Value: Pass, Signature: &sig}
	}
}
