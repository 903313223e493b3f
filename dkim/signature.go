package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SigningAlgorithm names the key type and hash used in a DKIM-Signature's
// a= tag. RSA-SHA1 is not supported: ParseSigningAlgorithm rejects
// "rsa-sha1".
type SigningAlgorithm int

const (
	RsaSha256 SigningAlgorithm = iota
	Ed25519Sha256
)

func (a SigningAlgorithm) String() string {
	switch a {
	case Ed25519Sha256:
		return "ed25519-sha256"
	default:
		return "rsa-sha256"
	}
}

// ParseSigningAlgorithm parses the a= tag value.
func ParseSigningAlgorithm(s string) (SigningAlgorithm, error) {
	switch s {
	case "rsa-sha256":
		return RsaSha256, nil
	case "ed25519-sha256":
		return Ed25519Sha256, nil
	default:
		return 0, fmt.Errorf("dkim: unsupported signing algorithm %q", s)
	}
}

// Signature is the parsed/serialisable form of a DKIM-Signature header,
// field order matching RFC 6376 3.5.
type Signature struct {
	Version         int      // v=
	Algorithm       SigningAlgorithm // a=
	Signature       []byte   // b=
	BodyHash        []byte   // bh=
	HeaderCanon     Canon    // c= (header part)
	BodyCanon       Canon    // c= (body part)
	Domain          string   // d=
	SignedHeaders   []string // h=
	Selector        string   // s=
	Timestamp       time.Time // t= (zero if unset)
	Expiration      time.Time // x= (zero if unset)
	BodyLength      int64    // l= (-1 if unset, meaning whole body)
	Identity        string   // i= (optional)
}

// Render serialises the signature into a DKIM-Signature header value, with
// an empty b= tag when sig.Signature is nil (used to build the signing input).
func (sig Signature) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=%d; a=%s; c=%s/%s; d=%s; s=%s",
		sig.Version, sig.Algorithm, sig.HeaderCanon, sig.BodyCanon, sig.Domain, sig.Selector)
	if sig.Identity != "" {
		fmt.Fprintf(&b, "; i=%s", sig.Identity)
	}
	if !sig.Timestamp.IsZero() {
		fmt.Fprintf(&b, "; t=%d", sig.Timestamp.Unix())
	}
	if !sig.Expiration.IsZero() {
		fmt.Fprintf(&b, "; x=%d", sig.Expiration.Unix())
	}
	if sig.BodyLength >= 0 {
		fmt.Fprintf(&b, "; l=%d", sig.BodyLength)
	}
	fmt.Fprintf(&b, "; h=%s", strings.Join(sig.SignedHeaders, ":"))
	fmt.Fprintf(&b, "; bh=%s", base64.StdEncoding.EncodeToString(sig.BodyHash))
	b.WriteString("; b=")
	b.WriteString(base64.StdEncoding.EncodeToString(sig.Signature))
	return b.String()
}

// ParseSignature parses a DKIM-Signature header's tag=value list.
func ParseSignature(raw string) (Signature, error) {
	sig := Signature{BodyLength: -1}
	tags := splitTags(raw)
	var headerC, bodyC string
	for k, v := range tags {
		switch k {
		case "v":
			n, _ := strconv.Atoi(v)
			sig.Version = n
		case "a":
			algo, err := ParseSigningAlgorithm(v)
			if err != nil {
				return Signature{}, err
			}
			sig.Algorithm = algo
		case "b":
			decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(v))
			if err != nil {
				return Signature{}, fmt.Errorf("dkim: bad b= tag: %w", err)
			}
			sig.Signature = decoded
		case "bh":
			decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(v))
			if err != nil {
				return Signature{}, fmt.Errorf("dkim: bad bh= tag: %w", err)
			}
			sig.BodyHash = decoded
		case "c":
			headerC, bodyC = splitCanon(v)
		case "d":
			sig.Domain = v
		case "h":
			sig.SignedHeaders = strings.Split(v, ":")
		case "s":
			sig.Selector = v
		case "i":
			sig.Identity = v
		case "l":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Signature{}, fmt.Errorf("dkim: bad l= tag: %w", err)
			}
			sig.BodyLength = n
		case "t":
			n, _ := strconv.ParseInt(v, 10, 64)
			sig.Timestamp = time.Unix(n, 0)
		case "x":
			n, _ := strconv.ParseInt(v, 10, 64)
			sig.Expiration = time.Unix(n, 0)
		}
	}
	if headerC != "" || bodyC != "" {
		sig.HeaderCanon = parseOne(headerC)
		sig.BodyCanon = parseOne(bodyC)
	}
	if sig.Domain == "" || sig.Selector == "" || len(sig.SignedHeaders) == 0 {
		return Signature{}, errors.New("dkim: signature missing required tag (d=, s=, or h=)")
	}
	return sig, nil
}

func splitCanon(v string) (header, body string) {
	parts := strings.SplitN(v, "/", 2)
	header = parts[0]
	if len(parts) == 2 {
		body = parts[1]
	} else {
		body = "simple"
	}
	return
}

func splitTags(raw string) map[string]string {
	out := map[string]string{}
	for _, field := range strings.Split(raw, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		eq := strings.IndexByte(field, '=')
		if eq < 0 {
			continue
		}
		out[strings.TrimSpace(field[:eq])] = strings.TrimSpace(field[eq+1:])
	}
	return out
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
}

// Signer produces DKIM-Signature headers.
type Signer struct {
	Domain        string
	Selector      string
	Algorithm     SigningAlgorithm
	HeaderCanon   Canon
	BodyCanon     Canon
	SignedHeaders []string // field names, in the order to be signed
	BodyLength    int64    // -1 to sign the whole (canonicalised) body

	RSAKey *rsa.PrivateKey     // set when Algorithm == RsaSha256
	EdKey  ed25519.PrivateKey  // set when Algorithm == Ed25519Sha256
}

// Sign produces the DKIM-Signature header value for a message whose headers
// (in original order, name+raw value) and body are given.
func (s *Signer) Sign(headers []HeaderView, body string) (string, error) {
	bodyForHash := body
	if s.BodyLength >= 0 && int64(len(CanonBody(s.BodyCanon, body))) > s.BodyLength {
		canon := CanonBody(s.BodyCanon, body)
		if s.BodyLength < int64(len(canon)) {
			bodyForHash = canon[:s.BodyLength]
		}
	} else {
		bodyForHash = CanonBody(s.BodyCanon, body)
	}
	bh := sha256.Sum256([]byte(bodyForHash))

	sig := Signature{
		Version:       1,
		Algorithm:     s.Algorithm,
		BodyHash:      bh[:],
		HeaderCanon:   s.HeaderCanon,
		BodyCanon:     s.BodyCanon,
		Domain:        s.Domain,
		SignedHeaders: s.SignedHeaders,
		Selector:      s.Selector,
		Timestamp:     time.Now(),
		BodyLength:    s.BodyLength,
	}
	signingInput := buildSigningInput(headers, s.HeaderCanon, s.SignedHeaders, sig)

	var signature []byte
	var err error
	switch s.Algorithm {
	case Ed25519Sha256:
		if s.EdKey == nil {
			return "", errors.New("dkim: Ed25519 signing requested but no key configured")
		}
		digest := sha256.Sum256([]byte(signingInput))
		signature = ed25519.Sign(s.EdKey, digest[:])
	default:
		if s.RSAKey == nil {
			return "", errors.New("dkim: RSA signing requested but no key configured")
		}
		digest := sha256.Sum256([]byte(signingInput))
		signature, err = rsa.SignPKCS1v15(rand.Reader, s.RSAKey, crypto.SHA256, digest[:])
		if err != nil {
			return "", fmt.Errorf("dkim: rsa sign: %w", err)
		}
	}
	sig.Signature = signature
	return sig.Render(), nil
}

// HeaderView is the minimal header shape the signer/verifier need: a field
// name and its raw (unfolded-by-canon, not by caller) value.
type HeaderView struct {
	Name string
	Raw  string
}

// buildSigningInput canonicalises the selected headers in h= order, followed
// by the DKIM-Signature header itself with an empty b= tag, per RFC 6376 3.7.
func buildSigningInput(headers []HeaderView, c Canon, order []string, sigWithoutB Signature) string {
	var lines []string
	// RFC 6376 5.4.2: when a header named in h= occurs multiple times,
	// consume instances from the bottom of the message upward.
	remaining := map[string][]HeaderView{}
	for _, h := range headers {
		key := strings.ToLower(h.Name)
		remaining[key] = append(remaining[key], h)
	}
	for _, name := range order {
		key := strings.ToLower(name)
		queue := remaining[key]
		if len(queue) == 0 {
			continue
		}
		h := queue[len(queue)-1]
		remaining[key] = queue[:len(queue)-1]
		lines = append(lines, CanonHeader(c, h.Name, h.Raw))
	}
	sigForInput := sigWithoutB
	sigForInput.Signature = nil
	dkimHeaderValue := strings.TrimPrefix(sigForInput.Render(), "")
	// Strip the b= tag's value but keep the b= tag present and empty, as
	// required when hashing the signature header itself.
	dkimHeaderValue = trimEmptyB(dkimHeaderValue)
	lines = append(lines, CanonHeader(c, "DKIM-Signature", dkimHeaderValue))
	return strings.Join(lines, "\r\n")
}

func trimEmptyB(rendered string) string {
	idx := strings.LastIndex(rendered, "; b=")
	if idx < 0 {
		return rendered
	}
	return rendered[:idx+len("; b=")]
}
