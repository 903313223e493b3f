package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/relaycore/vsmtp/address"
	"github.com/relaycore/vsmtp/mailtls"
	"github.com/relaycore/vsmtp/sasl"
)

// RecipientOutcome is the delivery result for one RCPT TO target.
type RecipientOutcome struct {
	Recipient address.Address
	Reply     string
	Permanent bool // true for a 5xx, false for a 4xx
}

// DeliveryResult is what SendMessage returns for one attempt against one host.
type DeliveryResult struct {
	MXHost      string
	TLSUsed     bool
	AuthUsed    bool
	Accepted    []address.Address
	Rejected    []RecipientOutcome
	Err         error // set on a connection-level failure, nil on a protocol-level completion
}

// SenderConfig configures a delivery attempt.
type SenderConfig struct {
	HELOName      string
	AuthUsername  string
	AuthPassword  string
	TLSServerName string
	DialTimeout   time.Duration
	IOTimeout     time.Duration
	InsecureSkipVerifyTLS bool
}

// LookupMX resolves the MX records for domain via miekg/dns, falling back to
// the bare domain (an implicit MX) when no MX record exists, per RFC 5321 5.1.
func LookupMX(ctx context.Context, domain, dnsServer string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	client := &dns.Client{Timeout: 5 * time.Second}
	resp, _, err := client.ExchangeContext(ctx, msg, dnsServer)
	if err != nil {
		return nil, fmt.Errorf("smtp: MX lookup for %s: %w", domain, err)
	}
	var mxs []*dns.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, mx)
		}
	}
	if len(mxs) == 0 {
		return []string{domain}, nil
	}
	sort.Slice(mxs, func(i, j int) bool { return mxs[i].Preference < mxs[j].Preference })
	hosts := make([]string, len(mxs))
	for i, mx := range mxs {
		hosts[i] = strings.TrimSuffix(mx.Mx, ".")
	}
	return hosts, nil
}

// senderConn is the minimal client-side line protocol, mirroring the
// receiver's lineio usage but without the state-machine layer the receiver
// needs (the sender drives a strictly linear dialog).
type senderConn struct {
	conn net.Conn
	r    *textproto.Reader
	w    io.Writer
}

func dial(ctx context.Context, host string, port int, timeout time.Duration) (*senderConn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return &senderConn{conn: conn, r: textproto.NewReader(bufio.NewReader(conn)), w: conn}, nil
}

func (s *senderConn) readReply() (code int, lines []string, err error) {
	for {
		line, err := s.r.ReadLine()
		if err != nil {
			return 0, nil, err
		}
		if len(line) < 4 {
			return 0, nil, fmt.Errorf("smtp: short reply line %q", line)
		}
		code, cerr := strconv.Atoi(line[:3])
		if cerr != nil {
			return 0, nil, fmt.Errorf("smtp: malformed reply %q", line)
		}
		lines = append(lines, line[4:])
		if line[3] == ' ' {
			return code, lines, nil
		}
	}
}

func (s *senderConn) writeLine(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(s.w, format+"\r\n", args...)
	return err
}

// Deliver performs one delivery attempt against mxHost: connect, EHLO,
// opportunistic STARTTLS, optional AUTH, MAIL/RCPT (pipelined), DATA, QUIT.
// It mirrors the dial-then-send shape of a minimal delivery client, but
// implements the wire exchange itself instead of delegating to a
// higher-level mail client, so SIZE/DSN/PIPELINING/STARTTLS are all under
// this package's control.
func Deliver(ctx context.Context, cfg SenderConfig, mxHost string, port int, from address.Address, rcpts []address.Address, data []byte) DeliveryResult {
	result := DeliveryResult{MXHost: mxHost}
	conn, err := dial(ctx, mxHost, port, cfg.DialTimeout)
	if err != nil {
		result.Err = err
		return result
	}
	defer conn.conn.Close()

	if code, _, err := conn.readReply(); err != nil || code != 220 {
		result.Err = fmt.Errorf("smtp: no greeting from %s: %v", mxHost, err)
		return result
	}

	extensions, err := ehlo(conn, cfg.HELOName)
	if err != nil {
		result.Err = err
		return result
	}

	if _, ok := extensions[ExtStartTLS]; ok {
		if err := conn.writeLine("STARTTLS"); err != nil {
			result.Err = err
			return result
		}
		if code, _, err := conn.readReply(); err != nil || code != 220 {
			result.Err = fmt.Errorf("smtp: STARTTLS rejected by %s", mxHost)
			return result
		}
		tlsConn := tls.Client(conn.conn, mailtls.ClientConfig(serverNameOrHost(cfg.TLSServerName, mxHost), cfg.InsecureSkipVerifyTLS))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			result.Err = fmt.Errorf("smtp: TLS handshake with %s: %w", mxHost, err)
			return result
		}
		conn.conn = tlsConn
		conn.r = textproto.NewReader(bufio.NewReader(tlsConn))
		conn.w = tlsConn
		result.TLSUsed = true
		extensions, err = ehlo(conn, cfg.HELOName) // re-EHLO per RFC 3207 4.2
		if err != nil {
			result.Err = err
			return result
		}
	}

	if _, ok := extensions[ExtAuth]; ok && cfg.AuthUsername != "" {
		if err := authPlain(conn, cfg.AuthUsername, cfg.AuthPassword); err != nil {
			result.Err = fmt.Errorf("smtp: AUTH with %s: %w", mxHost, err)
			return result
		}
		result.AuthUsed = true
	}

	if err := conn.writeLine("MAIL FROM:<%s> BODY=8BITMIME", from.String()); err != nil {
		result.Err = err
		return result
	}
	for _, r := range rcpts {
		if err := conn.writeLine("RCPT TO:<%s>", r.String()); err != nil {
			result.Err = err
			return result
		}
	}
	if code, lines, err := conn.readReply(); err != nil || code/100 != 2 {
		result.Err = fmt.Errorf("smtp: MAIL FROM rejected by %s: %d %v (%v)", mxHost, code, lines, err)
		return result
	}
	for _, r := range rcpts {
		code, lines, err := conn.readReply()
		if err != nil {
			result.Err = err
			return result
		}
		if code/100 == 2 {
			result.Accepted = append(result.Accepted, r)
		} else {
			result.Rejected = append(result.Rejected, RecipientOutcome{Recipient: r, Reply: strings.Join(lines, " "), Permanent: code/100 == 5})
		}
	}
	if len(result.Accepted) == 0 {
		conn.writeLine("QUIT")
		return result
	}

	if err := conn.writeLine("DATA"); err != nil {
		result.Err = err
		return result
	}
	if code, _, err := conn.readReply(); err != nil || code != 354 {
		result.Err = fmt.Errorf("smtp: DATA rejected by %s", mxHost)
		return result
	}
	if err := writeDotStuffed(conn.w, data); err != nil {
		result.Err = err
		return result
	}
	if code, lines, err := conn.readReply(); err != nil || code/100 != 2 {
		result.Err = fmt.Errorf("smtp: message rejected by %s: %d %v", mxHost, code, lines)
		return result
	}
	conn.writeLine("QUIT")
	conn.readReply()
	return result
}

func serverNameOrHost(name, host string) string {
	if name != "" {
		return name
	}
	return host
}

func ehlo(conn *senderConn, heloName string) (map[Extension]string, error) {
	if err := conn.writeLine("EHLO %s", heloName); err != nil {
		return nil, err
	}
	code, lines, err := conn.readReply()
	if err != nil {
		return nil, err
	}
	if code != 250 {
		// Fall back to HELO for servers without ESMTP support.
		if err := conn.writeLine("HELO %s", heloName); err != nil {
			return nil, err
		}
		if code, _, err := conn.readReply(); err != nil || code != 250 {
			return nil, fmt.Errorf("smtp: HELO/EHLO rejected")
		}
		return map[Extension]string{}, nil
	}
	extensions := map[Extension]string{}
	for _, line := range lines[1:] {
		ext, rest := ParseExtension(line)
		extensions[ext] = rest
	}
	return extensions, nil
}

func authPlain(conn *senderConn, username, password string) error {
	payload := sasl.Base64Encode([]byte("\x00" + username + "\x00" + password))
	if err := conn.writeLine("AUTH PLAIN %s", payload); err != nil {
		return err
	}
	code, lines, err := conn.readReply()
	if err != nil {
		return err
	}
	if code != 235 {
		return fmt.Errorf("authentication failed: %d %v", code, lines)
	}
	return nil
}

func writeDotStuffed(w io.Writer, data []byte) error {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if _, err := fmt.Fprintf(w, "%s\r\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, ".\r\n")
	return err
}

// BackoffPolicy schedules delivery retries for a message that received a
// transient failure.
type BackoffPolicy interface {
	// NextDelay returns how long to wait before attempt number `attempt`
	// (1-based), and whether delivery should still be retried at all.
	NextDelay(attempt int) (delay time.Duration, retry bool)
}

// ExponentialJitterBackoff doubles its base delay on each attempt up to
// MaxAttempts, adding up to JitterSeconds of random jitter, mirroring the
// "30 + rand(30)s, doubling" retry schedule of a conservative MTA default.
type ExponentialJitterBackoff struct {
	Base         time.Duration
	JitterSeconds int
	MaxAttempts  int
}

// DefaultBackoff is the out-of-the-box retry schedule: twelve attempts,
// doubling from a 30-60s base.
var DefaultBackoff = ExponentialJitterBackoff{Base: 30 * time.Second, JitterSeconds: 30, MaxAttempts: 12}

func (p ExponentialJitterBackoff) NextDelay(attempt int) (time.Duration, bool) {
	if attempt > p.MaxAttempts {
		return 0, false
	}
	multiplier := 1 << uint(attempt-1)
	if multiplier > 1<<10 {
		multiplier = 1 << 10 // guard against overflow on pathological attempt counts
	}
	jitter := 0
	if p.JitterSeconds > 0 {
		jitter = rand.Intn(p.JitterSeconds)
	}
	return p.Base*time.Duration(multiplier) + time.Duration(jitter)*time.Second, true
}
