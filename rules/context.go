package rules

import (
	"net"
	"time"

	"github.com/relaycore/vsmtp/address"
	"github.com/relaycore/vsmtp/mailparse"
	"github.com/relaycore/vsmtp/sasl"
)

// Clock lets directives read the current time through an interface so
// tests can supply a fixed instant instead of depending on the wall clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock, backed by time.Now.
var SystemClock Clock = systemClock{}

// CryptoKeyLoad is the host hook a directive uses to fetch a DKIM signing
// or verification key from wherever the deployment stores it (filesystem,
// secrets manager, ...), keeping the rules package itself storage-agnostic.
type CryptoKeyLoad interface {
	LoadPEMKey(name string) ([]byte, error)
}

// NetRange answers CIDR/allow-deny membership questions for Connect-stage
// directives (DNSxL results, static allow-lists, reserved-range checks).
type NetRange interface {
	Contains(ip net.IP) bool
}

// CIDRSet is a simple NetRange backed by a fixed list of networks.
type CIDRSet []*net.IPNet

func (s CIDRSet) Contains(ip net.IP) bool {
	for _, n := range s {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// SASLAccessor exposes the authenticated SASL identity, if any, to
// directives running at Auth stage and beyond.
type SASLAccessor interface {
	IsAuthenticated() bool
	Credentials() sasl.Credentials
}

// Log is the logging surface directives may use; satisfied by lalog.Logger.
type Log interface {
	Info(actor interface{}, err error, template string, values ...interface{})
	Warning(actor interface{}, err error, template string, values ...interface{})
}

// Services bundles the host callbacks a directive may need, independent of
// any particular connection.
type Services struct {
	Log       Log
	Clock     Clock
	KeyLoad   CryptoKeyLoad
	DNSxL     NetRange
	Allowlist NetRange
}

// Context is the per-connection/per-transaction state visible to
// directives. The receiver populates it progressively as the SMTP
// transaction advances through stages.
type Context struct {
	Services Services

	ClientIP   net.IP
	ClientName address.ClientName // from HELO/EHLO, zero value before Helo stage
	TLSActive  bool

	SASL SASLAccessor

	MailFrom address.Address
	RcptTo   []address.Address

	DSNEnvelopeID string
	DSNNotify     []string // per-recipient NOTIFY= values, indexed like RcptTo

	SizeDeclared int64 // SIZE= parameter from MAIL FROM, 0 if absent

	Message *mailparse.Mail // set once DATA has been fully received

	// QueueID is assigned once the message is accepted for enqueuing, and is
	// available to PreQueue/PostQueue directives.
	QueueID string
}
