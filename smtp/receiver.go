package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/relaycore/vsmtp/lineio"
	"github.com/relaycore/vsmtp/mailtls"
	"github.com/relaycore/vsmtp/reply"
	"github.com/relaycore/vsmtp/sasl"
)

// conState is a bitmask of SMTP transaction states, mirroring the shape of
// a hand-rolled SMTP state table: each command is valid in a subset of
// states and moves the connection to exactly one next state.
type conState int

const (
	sStartup conState = iota
	sInitial conState = 1 << iota
	sHelo
	sAuth
	sMail
	sRcpt
	sData
	sQuit
	sPostData
	sAbort
)

var states = map[Command]struct{ validin, next conState }{
	HELO:     {sInitial | sHelo | sAuth, sHelo},
	EHLO:     {sInitial | sHelo | sAuth, sHelo},
	AUTH:     {sHelo, sAuth},
	MAILFROM: {sHelo | sAuth, sMail},
	RCPTTO:   {sMail | sRcpt, sRcpt},
	DATA:     {sRcpt, sData},
}

// Limits bounds the resources a single connection may consume.
type Limits struct {
	IOTimeout  time.Duration
	MsgSize    int64
	BadCmds    int
	MaxRcpts   int
}

// DefaultLimits matches the values a conservative default configuration uses.
var DefaultLimits = Limits{IOTimeout: 5 * time.Minute, MsgSize: 35 * 1024 * 1024, BadCmds: 10, MaxRcpts: 100}

// Config configures one Conn.
type Config struct {
	ServerName string
	TLSConfig  *tls.Config
	Limits     Limits
	AuthMechanisms []string // e.g. {"PLAIN", "LOGIN", "CRAM-MD5"}; empty disables AUTH
	Credentials    sasl.CredentialStore
	SizeDeclared   int64 // advertised SIZE=<n> extension limit, 0 disables
}

// Event is a high-level occurrence returned by Conn.Next().
type Event int

const (
	_ Event = iota
	COMMAND
	GOTDATA
	AUTHENTICATED
	DONE
	ABORT
	TLSERROR
)

// EventInfo is what Next() returns.
type EventInfo struct {
	What   Event
	Cmd    Command
	Arg    string
	Params map[string]string
}

// Conn drives one SMTP conversation. The caller reads events with Next(),
// and calls Accept()/Reject() to answer the COMMAND/GOTDATA events that
// require a policy decision before a reply is sent; other events Next()
// auto-replies to the same way the underlying protocol engine does.
type Conn struct {
	netConn net.Conn
	reader  *lineio.Reader
	writer  *lineio.Writer

	Config Config

	state   conState
	badcmds int
	nextEvt *EventInfo

	curcmd  Command
	replied bool
	nstate  conState

	TLSOn    bool
	TLSState tls.ConnectionState

	clientIP net.IP

	authMech sasl.Mechanism
}

// NewConn wraps conn in a Conn ready to drive the conversation.
func NewConn(conn net.Conn, cfg Config) *Conn {
	c := &Conn{netConn: conn, Config: cfg, state: sStartup}
	c.reader = lineio.NewReader(conn, cfg.Limits.IOTimeout)
	c.writer = lineio.NewWriter(conn, cfg.Limits.IOTimeout)
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		c.clientIP = net.ParseIP(host)
	}
	return c
}

// ClientIP returns the connecting client's address.
func (c *Conn) ClientIP() net.IP { return c.clientIP }

func (c *Conn) send(r reply.Reply) {
	if err := c.writer.WriteReply(r); err != nil {
		c.state = sAbort
	}
}

func (c *Conn) sendf(code int, enhanced, format string, args ...interface{}) {
	c.send(reply.New(code, enhanced, fmt.Sprintf(format, args...)))
}

// Accept answers the current command/data event positively.
func (c *Conn) Accept() {
	if c.replied {
		return
	}
	oldState := c.state
	c.state = c.nstate
	switch c.curcmd {
	case HELO:
		c.sendf(250, "", "%s", c.Config.ServerName)
	case EHLO:
		c.writer.WriteReply(c.ehloReply())
	case AUTH:
		c.send(reply.AuthSuccess())
	case MAILFROM:
		c.send(reply.New(250, "2.1.0", "Ok"))
	case RCPTTO:
		c.send(reply.New(250, "2.1.5", "Ok"))
	case DATA:
		if oldState == sRcpt {
			c.send(reply.StartMailInput())
		} else {
			c.send(reply.Ok())
		}
	}
	c.replied = true
}

// AcceptQueued answers a completed DATA event with the queued-as reply.
func (c *Conn) AcceptQueued(queueID string) {
	if c.replied {
		return
	}
	c.state = c.nstate
	c.send(reply.OkQueued(queueID))
	c.replied = true
}

// Reject answers the current command/data event with r, a caller-supplied
// negative reply (a rule engine deny, a storage failure, ...).
func (c *Conn) Reject(r reply.Reply) {
	if c.state == sStartup {
		// A rejection sent before the greeting takes the greeting's place.
		c.state = sInitial
	}
	c.send(r)
	c.replied = true
}

func (c *Conn) ehloReply() reply.Reply {
	lines := []string{c.Config.ServerName}
	lines = append(lines, "8BITMIME", "PIPELINING", "ENHANCEDSTATUSCODES", "DSN")
	if c.Config.SizeDeclared > 0 {
		lines = append(lines, "SIZE "+strconv.FormatInt(c.Config.SizeDeclared, 10))
	}
	if c.Config.TLSConfig != nil && !c.TLSOn {
		lines = append(lines, "STARTTLS")
	}
	if len(c.Config.AuthMechanisms) > 0 && (c.TLSOn || c.Config.TLSConfig == nil) {
		lines = append(lines, "AUTH "+strings.Join(c.Config.AuthMechanisms, " "))
	}
	return reply.New(250, "", lines...)
}

func (c *Conn) stopMe() bool {
	return c.state == sAbort || c.badcmds > c.Config.Limits.BadCmds || c.state == sQuit
}

func (c *Conn) readCmd() string {
	c.reader.SetLimit(lineio.MaxCommandLine + 2)
	line, err := c.reader.ReadLine()
	if err != nil {
		if err == lineio.ErrLineTooLong {
			c.send(reply.LineTooLong())
		}
		c.state = sAbort
		return ""
	}
	return line
}

func (c *Conn) readData() ([]string, bool) {
	c.reader.SetLimit(c.Config.Limits.MsgSize)
	lines, err := c.reader.ReadDotLines()
	if err != nil {
		c.state = sAbort
		return nil, false
	}
	return lines, true
}

// Next drives the conversation forward and returns the next event the
// caller must act on.
func (c *Conn) Next() EventInfo {
	var evt EventInfo

	if c.nextEvt != nil {
		evt = *c.nextEvt
		c.nextEvt = nil
		return evt
	}
	if !c.replied && c.curcmd != noCmd {
		c.Accept()
	}
	if c.state == sStartup {
		c.state = sInitial
		c.send(reply.New(220, "", c.Config.ServerName+" ESMTP ready"))
	}

	if c.state == sData {
		lines, ok := c.readData()
		if ok {
			evt.What = GOTDATA
			evt.Arg = strings.Join(lines, "\r\n")
			c.replied = false
			c.state = sPostData
			c.nstate = sHelo
			return evt
		}
	}

	for {
		if c.stopMe() {
			break
		}
		line := c.readCmd()
		if line == "" {
			break
		}

		// AUTH continuation lines are raw base64, not SMTP commands.
		if c.authMech != nil {
			evtAuth, handled := c.continueAuth(line)
			if handled {
				return evtAuth
			}
			continue
		}

		res := ParseCmd(line)
		if res.Cmd == BadCmd {
			c.badcmds++
			c.sendf(501, "5.5.2", "Bad: %s", res.Err)
			continue
		}
		t := states[res.Cmd]
		if t.validin != 0 && t.validin&c.state == 0 {
			c.send(reply.BadSequence())
			continue
		}
		if res.Err != "" {
			c.sendf(553, "5.5.4", "Garbled command: %s", res.Err)
			continue
		}

		if t.validin == 0 {
			switch res.Cmd {
			case RSET:
				if c.state != sInitial {
					c.state = sHelo
				}
				c.send(reply.Ok())
			case VRFY:
				c.send(reply.CannotVerify())
			case NOOP:
				c.send(reply.Ok())
			case QUIT:
				c.state = sQuit
				c.send(reply.Closing())
			case STARTTLS:
				if ev, handled := c.handleStartTLS(); handled {
					return ev
				}
			default:
				c.sendf(502, "5.5.1", "Not supported")
			}
			continue
		}

		if res.Cmd == AUTH {
			if ev, handled := c.startAuth(res.Arg); handled {
				return ev
			}
			continue
		}

		c.nstate = t.next
		c.replied = false
		c.curcmd = res.Cmd
		evt.What = COMMAND
		evt.Cmd = res.Cmd
		evt.Arg = res.Arg
		if res.Cmd == MAILFROM || res.Cmd == RCPTTO {
			evt.Params = ParseMailParams(res.Params)
		}
		return evt
	}

	if c.badcmds > c.Config.Limits.BadCmds {
		c.send(reply.New(554, "5.5.0", "Too many bad commands"))
		c.state = sAbort
	}
	if c.state == sQuit {
		evt.What = DONE
	} else if c.state == sAbort {
		evt.What = ABORT
	}
	return evt
}

func (c *Conn) handleStartTLS() (EventInfo, bool) {
	if c.Config.TLSConfig == nil || c.TLSOn {
		c.sendf(502, "5.5.1", "Not supported")
		return EventInfo{}, false
	}
	c.send(reply.StartTLSGo())
	if c.state == sAbort {
		return EventInfo{}, false
	}
	if buffered, ok := c.reader.TakeBuffered(); ok && len(buffered) > 0 {
		// RFC 3207 4.2: any plaintext bytes already pipelined past the
		// STARTTLS reply must be discarded as a protocol violation.
		return EventInfo{What: TLSERROR, Arg: "client pipelined past STARTTLS"}, true
	}
	tlsConn, state, err := mailtls.Upgrade(c.netConn, c.Config.TLSConfig)
	if err != nil {
		c.sendf(454, "4.7.0", "TLS handshake failure")
		return EventInfo{What: TLSERROR, Arg: err.Error()}, true
	}
	c.netConn = tlsConn
	c.reader.Rebind(tlsConn, lineio.MaxCommandLine+2)
	c.writer.Rebind(tlsConn)
	c.TLSOn = true
	c.TLSState = state
	c.state = sInitial // client must re-EHLO per RFC 3207 4.2
	return EventInfo{}, false
}

func (c *Conn) startAuth(arg string) (EventInfo, bool) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		c.send(reply.SyntaxErrorParams("AUTH requires a mechanism"))
		return EventInfo{}, false
	}
	if len(c.Config.AuthMechanisms) == 0 {
		c.sendf(502, "5.5.1", "AUTH not supported")
		return EventInfo{}, false
	}
	mech, err := sasl.New(fields[0])
	if err != nil {
		c.send(reply.ParamNotImpl())
		return EventInfo{}, false
	}
	c.authMech = mech
	if len(fields) > 1 {
		// Initial response inline with AUTH PLAIN <resp>, RFC 4954 4.
		decoded, derr := sasl.Base64Decode(fields[1])
		if derr != nil {
			c.authMech = nil
			c.send(reply.SyntaxErrorParams("malformed initial response"))
			return EventInfo{}, false
		}
		return c.finishAuthResponse(decoded)
	}
	challenge, more := mech.Challenge()
	if !more {
		return c.finishAuthResponse(nil)
	}
	c.send(reply.AuthContinue(sasl.Base64Encode(challenge)))
	return EventInfo{}, false
}

func (c *Conn) continueAuth(line string) (EventInfo, bool) {
	if line == "*" {
		c.authMech = nil
		c.send(reply.New(501, "5.7.0", "Authentication cancelled"))
		return EventInfo{}, false
	}
	decoded, err := sasl.Base64Decode(line)
	if err != nil {
		c.authMech = nil
		c.send(reply.SyntaxError("invalid base64"))
		return EventInfo{}, false
	}
	return c.finishAuthResponse(decoded)
}

func (c *Conn) finishAuthResponse(resp []byte) (EventInfo, bool) {
	done, err := c.authMech.Respond(resp)
	if err != nil {
		c.authMech = nil
		c.send(reply.AuthFailed())
		return EventInfo{}, false
	}
	if !done {
		challenge, more := c.authMech.Challenge()
		if !more {
			done = true
		} else {
			c.send(reply.AuthContinue(sasl.Base64Encode(challenge)))
			return EventInfo{}, false
		}
	}
	creds := c.authMech.Credentials()
	ok := c.verifyCredentials(creds)
	mech := c.authMech
	c.authMech = nil
	if !ok {
		c.send(reply.AuthFailed())
		return EventInfo{}, false
	}
	_ = mech
	c.curcmd = AUTH
	c.nstate = states[AUTH].next
	c.replied = false
	return EventInfo{What: AUTHENTICATED, Arg: creds.AuthID}, true
}

func (c *Conn) verifyCredentials(creds sasl.Credentials) bool {
	if c.Config.Credentials == nil {
		return false
	}
	if cram, ok := c.authMechAsCramMD5(); ok {
		secret, found := c.Config.Credentials.SharedSecret(creds.AuthID)
		return found && cram.VerifyCramMD5(secret)
	}
	return c.Config.Credentials.Verify(creds.AuthID, creds.AuthPass)
}

func (c *Conn) authMechAsCramMD5() (cramVerifier, bool) {
	v, ok := c.authMech.(cramVerifier)
	return v, ok
}

type cramVerifier interface {
	VerifyCramMD5(secret string) bool
}
