/*
Package mailtls builds the *tls.Config used for both opportunistic
(STARTTLS) and tunnelled SMTPS transports, including SNI-based
certificate resolution and the cipher suite allow-list.
*/
package mailtls

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
)

// CipherSuites is the AEAD allow-list: TLS 1.3 suites are negotiated
// automatically by crypto/tls and are not listed here; these entries apply
// to a TLS 1.2 handshake only. No CBC or RC4 suite is offered.
var CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// CertResolver dispatches a ClientHello's SNI name to the matching
// certificate: an exact match against Hostname always wins, an
// unrecognised SNI name falls through to the per-name table, and the
// absence of SNI falls back to Default.
type CertResolver struct {
	Hostname string
	Default  *tls.Certificate

	mu       sync.RWMutex
	byServerName map[string]*tls.Certificate
}

// NewCertResolver builds a resolver that always answers with default for
// hostname and for connections that carry no SNI name.
func NewCertResolver(hostname string, def *tls.Certificate) *CertResolver {
	return &CertResolver{Hostname: hostname, Default: def, byServerName: map[string]*tls.Certificate{}}
}

// AddVirtualCert registers a certificate to serve for a specific virtual
// hostname distinct from Hostname.
func (r *CertResolver) AddVirtualCert(serverName string, cert *tls.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byServerName[serverName] = cert
}

// GetCertificate implements tls.Config.GetCertificate's resolution order:
// a) hello.ServerName == r.Hostname -> Default
// b) hello.ServerName is some other virtual name -> the matching cert, if any
// c) hello.ServerName is empty (no SNI) -> Default
func (r *CertResolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case hello.ServerName == "" || hello.ServerName == r.Hostname:
		if r.Default == nil {
			return nil, fmt.Errorf("mailtls: no default certificate configured for %q", r.Hostname)
		}
		return r.Default, nil
	default:
		if cert, ok := r.byServerName[hello.ServerName]; ok {
			return cert, nil
		}
		if r.Default != nil {
			return r.Default, nil
		}
		return nil, fmt.Errorf("mailtls: no certificate for SNI name %q", hello.ServerName)
	}
}

// ServerConfig builds the *tls.Config advertised for STARTTLS and tunnelled
// SMTPS listeners: TLS 1.2 minimum, the AEAD cipher allow-list, and
// certificate resolution via resolver.
func ServerConfig(resolver *CertResolver) *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		CipherSuites:   CipherSuites,
		GetCertificate: resolver.GetCertificate,
		NextProtos:     []string{"smtp"},
	}
}

// ClientConfig builds the *tls.Config used by the sender when it negotiates
// STARTTLS or dials a tunnelled SMTPS endpoint; serverName drives both SNI
// and certificate verification.
func ClientConfig(serverName string, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       CipherSuites,
		InsecureSkipVerify: insecureSkipVerify,
	}
}

// Upgrade performs the server-side TLS handshake on conn and returns the
// wrapped connection. The caller is responsible for discarding the
// lineio.Reader/Writer bound to the plaintext conn and rebinding against
// the returned connection, and for re-issuing EHLO per RFC 3207 4.2.
func Upgrade(conn net.Conn, cfg *tls.Config) (*tls.Conn, tls.ConnectionState, error) {
	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, tls.ConnectionState{}, err
	}
	return tlsConn, tlsConn.ConnectionState(), nil
}
