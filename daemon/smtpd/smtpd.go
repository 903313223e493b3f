/*
Package smtpd is the connection supervisor: it owns the listener, bounds
concurrent connections and per-IP rate, and drives each accepted
connection's smtp.Conn event loop, consulting a rules.RuleSet at every
protocol stage and handing accepted messages to a queue.Publisher.
*/
package smtpd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaycore/vsmtp/address"
	"github.com/relaycore/vsmtp/lalog"
	"github.com/relaycore/vsmtp/mailparse"
	"github.com/relaycore/vsmtp/queue"
	"github.com/relaycore/vsmtp/reply"
	"github.com/relaycore/vsmtp/rules"
	"github.com/relaycore/vsmtp/sasl"
	"github.com/relaycore/vsmtp/smtp"
)

// RateLimitIntervalSec is the width of the sliding window a client IP's
// connection count is measured against.
const RateLimitIntervalSec = 10

// Daemon is the SMTP receiver: it listens on Address:Port, and for every
// accepted connection runs the SMTP state machine in smtp.Conn while
// applying Rules at each stage and Publisher at PreQueue acceptance.
type Daemon struct {
	Address        string   `json:"Address"`
	Port           int      `json:"Port"`
	ServerName     string   `json:"ServerName"`
	TLSCertPath    string   `json:"TLSCertPath"`
	TLSKeyPath     string   `json:"TLSKeyPath"`
	PerIPLimit     int      `json:"PerIPLimit"`
	MaxConnections int      `json:"MaxConnections"`
	MaxMessageSize int64    `json:"MaxMessageSize"`
	AuthMechanisms []string `json:"AuthMechanisms"`

	QueueName           string `json:"QueueName"`
	QuarantineQueueName string `json:"QuarantineQueueName"`

	// Rules, Credentials, Publisher, DNSxL and Allowlist are wired in by
	// the caller after Initialise, since they depend on deployment policy
	// rather than anything JSON-serialisable here.
	Rules       *rules.RuleSet       `json:"-"`
	Credentials sasl.CredentialStore `json:"-"`
	Publisher   queue.Publisher      `json:"-"`
	DNSxL       rules.NetRange       `json:"-"`
	Allowlist   rules.NetRange       `json:"-"`

	smtpConfig smtp.Config

	listener  net.Listener
	logger    lalog.Logger
	inFlight  int32
	ipCounter map[string]int
	ipMu      sync.Mutex
	stopOnce  sync.Once
	stopped   chan struct{}
}

// Initialise fills in defaults, validates required fields, loads the TLS
// certificate pair if configured, and builds the smtp.Config every
// accepted connection will be driven with.
func (d *Daemon) Initialise() error {
	d.logger = lalog.Logger{ComponentName: "smtpd", ComponentID: []lalog.LoggerIDField{{Key: "addr", Value: fmt.Sprintf("%s:%d", d.Address, d.Port)}}}
	if d.Port == 0 {
		d.Port = 25
	}
	if d.ServerName == "" {
		return fmt.Errorf("smtpd.Initialise: ServerName must not be empty")
	}
	if d.PerIPLimit < 1 {
		d.PerIPLimit = 16
	}
	if d.MaxConnections < 1 {
		d.MaxConnections = 256
	}
	if d.MaxMessageSize <= 0 {
		d.MaxMessageSize = 35 * 1024 * 1024
	}
	if d.QueueName == "" {
		return fmt.Errorf("smtpd.Initialise: QueueName must not be empty")
	}
	if d.Publisher == nil {
		return fmt.Errorf("smtpd.Initialise: Publisher must be configured")
	}

	var tlsConfig *tls.Config
	if d.TLSCertPath != "" || d.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(d.TLSCertPath, d.TLSKeyPath)
		if err != nil {
			return fmt.Errorf("smtpd.Initialise: loading TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	d.smtpConfig = smtp.Config{
		ServerName:     d.ServerName,
		TLSConfig:      tlsConfig,
		Limits:         smtp.Limits{IOTimeout: 5 * time.Minute, MsgSize: d.MaxMessageSize, BadCmds: 10, MaxRcpts: 100},
		AuthMechanisms: d.AuthMechanisms,
		Credentials:    d.Credentials,
		SizeDeclared:   d.MaxMessageSize,
	}
	if d.Rules == nil {
		d.Rules = rules.NewRuleSet()
	}
	d.stopped = make(chan struct{})
	return nil
}

// StartAndBlock listens on Address:Port and serves connections until
// Stop is called or the listener fails. Call only after Initialise.
func (d *Daemon) StartAndBlock() error {
	listener, err := net.Listen("tcp", net.JoinHostPort(d.Address, strconv.Itoa(d.Port)))
	if err != nil {
		return fmt.Errorf("smtpd.StartAndBlock: listening on %s:%d: %w", d.Address, d.Port, err)
	}
	d.listener = listener
	d.logger.Info("StartAndBlock", nil, "listening for connections")
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.stopped:
				return nil
			default:
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("smtpd.StartAndBlock: accept: %w", err)
		}
		go d.handleConnection(conn)
	}
}

// Stop closes the listener, causing StartAndBlock to return. It does not
// forcibly sever in-flight connections, which are left to finish their
// current transaction — a graceful rather than a hard shutdown.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
		if d.listener != nil {
			d.listener.Close()
		}
	})
}

func (d *Daemon) clientAllowed(ip net.IP) bool {
	key := ip.String()
	d.ipMu.Lock()
	defer d.ipMu.Unlock()
	if d.ipCounter == nil {
		d.ipCounter = map[string]int{}
	}
	d.ipCounter[key]++
	if d.ipCounter[key] == 1 {
		time.AfterFunc(RateLimitIntervalSec*time.Second, func() {
			d.ipMu.Lock()
			delete(d.ipCounter, key)
			d.ipMu.Unlock()
		})
	}
	return d.ipCounter[key] <= d.PerIPLimit
}

// handleConnection drives one SMTP conversation end to end: connection
// cap and rate-limit rejection, per-stage rule evaluation, and PreQueue
// publishing of the accepted message.
func (d *Daemon) handleConnection(netConn net.Conn) {
	defer netConn.Close()
	if atomic.AddInt32(&d.inFlight, 1) > int32(d.MaxConnections) {
		atomic.AddInt32(&d.inFlight, -1)
		netConn.SetDeadline(time.Now().Add(5 * time.Second))
		netConn.Write([]byte(reply.ServiceNotAvailable(d.ServerName).Render()))
		return
	}
	defer atomic.AddInt32(&d.inFlight, -1)

	conn := smtp.NewConn(netConn, d.smtpConfig)
	clientIP := conn.ClientIP()
	if clientIP != nil && !d.clientAllowed(clientIP) {
		netConn.SetDeadline(time.Now().Add(5 * time.Second))
		netConn.Write([]byte(reply.ServiceNotAvailable(d.ServerName).Render()))
		return
	}

	ctx := &rules.Context{
		Services: rules.Services{Log: &d.logger, Clock: rules.SystemClock, DNSxL: d.DNSxL, Allowlist: d.Allowlist},
		ClientIP: clientIP,
	}
	if status := d.Rules.Evaluate(rules.Connect, ctx); !status.IsNext() {
		d.denyOrAccept(conn, status)
		d.drain(conn)
		return
	}

	for {
		evt := conn.Next()
		switch evt.What {
		case smtp.DONE, smtp.ABORT, smtp.TLSERROR:
			return
		case smtp.AUTHENTICATED:
			ctx.SASL = staticSASL{}
			if status := d.Rules.Evaluate(rules.Auth, ctx); !status.IsNext() {
				d.denyOrAccept(conn, status)
				continue
			}
			conn.Accept()
		case smtp.COMMAND:
			d.handleCommand(conn, ctx, evt)
		case smtp.GOTDATA:
			d.handleData(conn, ctx, evt.Arg)
		}
	}
}

func (d *Daemon) handleCommand(conn *smtp.Conn, ctx *rules.Context, evt smtp.EventInfo) {
	switch evt.Cmd {
	case smtp.HELO, smtp.EHLO:
		name, err := address.ParseClientName(evt.Arg)
		if err != nil {
			conn.Reject(reply.SyntaxErrorParams("malformed HELO/EHLO argument"))
			return
		}
		ctx.ClientName = name
		if status := d.Rules.Evaluate(rules.Helo, ctx); !status.IsNext() {
			d.denyOrAccept(conn, status)
			return
		}
		conn.Accept()
	case smtp.MAILFROM:
		from, err := address.Parse(evt.Arg)
		if err != nil {
			conn.Reject(reply.SyntaxErrorParams("malformed sender address"))
			return
		}
		ctx.MailFrom = from
		ctx.DSNEnvelopeID = evt.Params["ENVID"]
		if size, err := strconv.ParseInt(evt.Params["SIZE"], 10, 64); err == nil {
			ctx.SizeDeclared = size
		}
		if ctx.SizeDeclared > d.MaxMessageSize {
			conn.Reject(reply.ExceededStorage())
			return
		}
		if status := d.Rules.Evaluate(rules.MailFrom, ctx); !status.IsNext() {
			d.denyOrAccept(conn, status)
			return
		}
		conn.Accept()
	case smtp.RCPTTO:
		to, err := address.Parse(evt.Arg)
		if err != nil {
			conn.Reject(reply.SyntaxErrorParams("malformed recipient address"))
			return
		}
		if max := d.smtpConfig.Limits.MaxRcpts; max > 0 && len(ctx.RcptTo) >= max {
			conn.Reject(reply.New(452, "4.5.3", "Too many recipients"))
			return
		}
		ctx.RcptTo = append(ctx.RcptTo, to)
		ctx.DSNNotify = append(ctx.DSNNotify, evt.Params["NOTIFY"])
		if status := d.Rules.Evaluate(rules.RcptTo, ctx); !status.IsNext() {
			d.denyOrAccept(conn, status)
			ctx.RcptTo = ctx.RcptTo[:len(ctx.RcptTo)-1]
			ctx.DSNNotify = ctx.DSNNotify[:len(ctx.DSNNotify)-1]
			return
		}
		conn.Accept()
	}
}

func (d *Daemon) handleData(conn *smtp.Conn, ctx *rules.Context, rawData string) {
	mail, err := mailparse.Parse([]byte(rawData))
	if err != nil {
		conn.Reject(reply.SyntaxError("could not parse message"))
		d.resetTransaction(ctx)
		return
	}
	ctx.Message = mail
	if status := d.Rules.Evaluate(rules.Data, ctx); !status.IsNext() {
		d.denyOrAccept(conn, status)
		d.resetTransaction(ctx)
		return
	}
	status := d.Rules.Evaluate(rules.PreQueue, ctx)
	if status.IsDeny() {
		d.denyOrAccept(conn, status)
		d.resetTransaction(ctx)
		return
	}

	queueName := d.QueueName
	if status.IsQuarantine() && d.QuarantineQueueName != "" {
		queueName = d.QuarantineQueueName
	}
	queueCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx.QueueID = fmt.Sprintf("%x-%d", ctx.ClientIP, time.Now().UnixNano())
	if err := d.Publisher.Publish(queueCtx, queueName, []byte(rawData)); err != nil {
		if queue.IsTransient(err) {
			conn.Reject(reply.LocalError())
		} else {
			conn.Reject(reply.QueueingFailed())
		}
		d.resetTransaction(ctx)
		return
	}
	conn.AcceptQueued(ctx.QueueID)
	d.resetTransaction(ctx)
}

func (d *Daemon) resetTransaction(ctx *rules.Context) {
	ctx.MailFrom = address.Address{}
	ctx.RcptTo = nil
	ctx.DSNNotify = nil
	ctx.DSNEnvelopeID = ""
	ctx.SizeDeclared = 0
	ctx.Message = nil
	ctx.QueueID = ""
}

func (d *Daemon) denyOrAccept(conn *smtp.Conn, status rules.ReceiverStatus) {
	if status.IsAccept() {
		conn.Accept()
		return
	}
	if status.Reply != nil {
		conn.Reject(*status.Reply)
		return
	}
	conn.Reject(reply.TransactionFailed())
}

// drain keeps reading events off conn, rejecting every one with a 421
// service-not-available reply, so a rejected connection still gets a
// clean QUIT/DONE instead of a dangling socket.
func (d *Daemon) drain(conn *smtp.Conn) {
	for {
		evt := conn.Next()
		if evt.What == smtp.DONE || evt.What == smtp.ABORT || evt.What == smtp.TLSERROR {
			return
		}
		conn.Reject(reply.ServiceNotAvailable(d.ServerName))
	}
}

// staticSASL is the SASLAccessor installed once AUTHENTICATED fires. The
// receiver's Conn reports only the authenticated authid (in the event's
// Arg), not the full sasl.Credentials, and this accessor reports only that
// authentication succeeded: Credentials returns the zero value.
type staticSASL struct{}

func (staticSASL) IsAuthenticated() bool         { return true }
func (staticSASL) Credentials() sasl.Credentials { return sasl.Credentials{} }
