/*
Package address implements the mailbox and domain value types shared by
the receiver, sender, and rule engine.

RFC 5321 4.5.3.1 bounds the length of the local-part to 64 octets and
the full reverse/forward path to 256 octets; a domain name is limited to
253 octets of text and RFC 5890 bounds a domain label to 63 octets. These limits are enforced
here rather than left to callers.
*/
package address

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

const (
	MaxLocalPartLen = 64
	MaxDomainLen    = 253
	MaxPathLen      = 256
	MaxDomainLabel  = 63
)

var (
	ErrLocalPartTooLong = errors.New("address: local-part exceeds 64 octets")
	ErrDomainTooLong    = errors.New("address: domain exceeds 253 octets")
	ErrPathTooLong      = errors.New("address: reverse/forward path exceeds 256 octets")
	ErrEmptyLocalPart   = errors.New("address: local-part is empty")
	ErrDomainLabel      = errors.New("address: domain label exceeds 63 octets")
	ErrMalformed        = errors.New("address: malformed mailbox")
)

// Domain is a fully qualified domain name or an address literal, normalised
// to its canonical (IDNA A-label) form when it is not an address literal.
type Domain struct {
	raw     string
	literal net.IP // non-nil when the domain is an address literal, e.g. [192.0.2.1]
}

// ParseDomain validates and normalises s, which may be a dotted FQDN or a
// bracketed address literal as permitted by the Mailbox grammar.
func ParseDomain(s string) (Domain, error) {
	if len(s) == 0 {
		return Domain{}, ErrMalformed
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		inner = strings.TrimPrefix(inner, "IPv6:")
		ip := net.ParseIP(inner)
		if ip == nil {
			return Domain{}, fmt.Errorf("%w: bad address literal %q", ErrMalformed, s)
		}
		return Domain{raw: s, literal: ip}, nil
	}
	normalised, err := idna.Lookup.ToASCII(s)
	if err != nil {
		// Some legacy EHLO clients send names idna rejects outright (bare
		// labels, trailing dot); fall back to the input string with any
		// trailing dot removed rather than failing the whole transaction
		// over a lookup-only detail.
		normalised = strings.TrimSuffix(s, ".")
	}
	if len(normalised) > MaxDomainLen {
		return Domain{}, ErrDomainTooLong
	}
	for _, label := range strings.Split(normalised, ".") {
		if len(label) > MaxDomainLabel {
			return Domain{}, ErrDomainLabel
		}
	}
	return Domain{raw: normalised}, nil
}

// String returns the canonical form: the normalised FQDN, or the original
// bracketed literal.
func (d Domain) String() string {
	return d.raw
}

// IsLiteral reports whether the domain is an address literal rather than a name.
func (d Domain) IsLiteral() bool {
	return d.literal != nil
}

// Literal returns the parsed IP when IsLiteral is true.
func (d Domain) Literal() net.IP {
	return d.literal
}

// ZoneOf reports whether d is equal to, or a sub-domain of, zone.
func (d Domain) ZoneOf(zone Domain) bool {
	if d.IsLiteral() || zone.IsLiteral() {
		return d.raw == zone.raw
	}
	if d.raw == zone.raw {
		return true
	}
	return strings.HasSuffix(d.raw, "."+zone.raw)
}

// Address is an RFC 5321 reverse-path or forward-path mailbox: local-part@domain.
// A null reverse-path (MAIL FROM:<>) is represented by Null being true.
type Address struct {
	Local  string
	Domain Domain
	Null   bool
}

// Parse splits and validates "local@domain", returning a null Address for "".
func Parse(mailbox string) (Address, error) {
	if mailbox == "" {
		return Address{Null: true}, nil
	}
	if len(mailbox) > MaxPathLen {
		return Address{}, ErrPathTooLong
	}
	at := strings.LastIndexByte(mailbox, '@')
	if at < 0 {
		return Address{}, fmt.Errorf("%w: missing '@' in %q", ErrMalformed, mailbox)
	}
	local, domainPart := mailbox[:at], mailbox[at+1:]
	if local == "" {
		return Address{}, ErrEmptyLocalPart
	}
	if len(local) > MaxLocalPartLen {
		return Address{}, ErrLocalPartTooLong
	}
	dom, err := ParseDomain(domainPart)
	if err != nil {
		return Address{}, err
	}
	return Address{Local: local, Domain: dom}, nil
}

// String renders the address back into wire form, the empty string for a
// null path.
func (a Address) String() string {
	if a.Null {
		return ""
	}
	return a.Local + "@" + a.Domain.String()
}

// ClientName is the argument of HELO/EHLO: either a domain name or an
// address literal, per RFC 5321 4.1.1.1.
type ClientName struct {
	Domain
}

// ParseClientName validates a HELO/EHLO argument.
func ParseClientName(s string) (ClientName, error) {
	d, err := ParseDomain(s)
	if err != nil {
		return ClientName{}, err
	}
	return ClientName{d}, nil
}

// FormatPort appends ":port" the way log lines and Received headers expect.
func FormatPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
