/*
Package smtpclient is the delivery-side daemon: it watches a spool
directory of messages dequeued from the broker, groups each message's
recipients by destination domain, resolves MX hosts, and drives
smtp.Deliver per domain, retrying transient failures on a
smtp.BackoffPolicy schedule the same way inet/mail_client.go retried
forwarding failures.
*/
package smtpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/relaycore/vsmtp/address"
	"github.com/relaycore/vsmtp/lalog"
	"github.com/relaycore/vsmtp/rules"
	"github.com/relaycore/vsmtp/smtp"
)

// Envelope is the on-disk shape of one spooled message: the raw RFC 5322
// text plus the envelope metadata the protocol needs that the text itself
// does not carry.
type Envelope struct {
	From     string   `json:"From"`
	To       []string `json:"To"`
	Data     string   `json:"Data"`
	Attempts int      `json:"Attempts"`
	NextTry  time.Time `json:"NextTry"`
}

// Config configures a Daemon.
type Config struct {
	SpoolDir      string
	DeadLetterDir string
	HELOName      string
	AuthUsername  string
	AuthPassword  string
	DNSServer     string
	PollInterval  time.Duration
	Backoff       smtp.BackoffPolicy
}

// Daemon polls SpoolDir for due envelopes and attempts delivery.
type Daemon struct {
	Config
	Rules  *rules.RuleSet
	logger lalog.Logger
	stop   chan struct{}
}

// Initialise fills in defaults and ensures the spool directories exist.
func (d *Daemon) Initialise() error {
	d.logger = lalog.Logger{ComponentName: "smtpclient"}
	if d.SpoolDir == "" {
		return fmt.Errorf("smtpclient.Initialise: SpoolDir must not be empty")
	}
	if d.HELOName == "" {
		return fmt.Errorf("smtpclient.Initialise: HELOName must not be empty")
	}
	if d.DeadLetterDir == "" {
		d.DeadLetterDir = filepath.Join(d.SpoolDir, "dead")
	}
	if d.DNSServer == "" {
		d.DNSServer = "1.1.1.1:53"
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 5 * time.Second
	}
	if d.Backoff == nil {
		d.Backoff = smtp.DefaultBackoff
	}
	if d.Rules == nil {
		d.Rules = rules.NewRuleSet()
	}
	if err := os.MkdirAll(d.SpoolDir, 0o700); err != nil {
		return fmt.Errorf("smtpclient.Initialise: creating spool dir: %w", err)
	}
	if err := os.MkdirAll(d.DeadLetterDir, 0o700); err != nil {
		return fmt.Errorf("smtpclient.Initialise: creating dead-letter dir: %w", err)
	}
	d.stop = make(chan struct{})
	return nil
}

// Enqueue writes a new envelope file into SpoolDir, ready to be picked up
// on the next poll.
func (d *Daemon) Enqueue(from string, to []string, data []byte) error {
	env := Envelope{From: from, To: to, Data: string(data)}
	return writeEnvelope(filepath.Join(d.SpoolDir, envelopeFileName()), env)
}

func envelopeFileName() string {
	return fmt.Sprintf("%d.json", time.Now().UnixNano())
}

func writeEnvelope(path string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

func readEnvelope(path string) (Envelope, error) {
	var env Envelope
	body, err := os.ReadFile(path)
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(body, &env)
	return env, err
}

// Run polls SpoolDir every PollInterval until ctx is cancelled or Stop is
// called, attempting delivery of every due envelope it finds.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stop:
			return nil
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// Stop causes Run to return at the next poll boundary.
func (d *Daemon) Stop() {
	if d.stop != nil {
		close(d.stop)
	}
}

func (d *Daemon) sweep(ctx context.Context) {
	entries, err := os.ReadDir(d.SpoolDir)
	if err != nil {
		d.logger.Warning("sweep", err, "failed to list spool dir")
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(d.SpoolDir, name)
		env, err := readEnvelope(path)
		if err != nil {
			d.logger.Warning(name, err, "failed to read spooled envelope, leaving in place")
			continue
		}
		if time.Now().Before(env.NextTry) {
			continue
		}
		d.attempt(ctx, path, env)
	}
}

func (d *Daemon) attempt(ctx context.Context, path string, env Envelope) {
	from, err := address.Parse(env.From)
	if err != nil {
		d.deadLetter(path, env, fmt.Errorf("malformed From address: %w", err))
		return
	}

	byDomain := map[string][]address.Address{}
	for _, raw := range env.To {
		to, err := address.Parse(raw)
		if err != nil {
			continue
		}
		zone := to.Domain.String()
		byDomain[zone] = append(byDomain[zone], to)
	}

	ruleCtx := &rules.Context{Services: rules.Services{Log: &d.logger, Clock: rules.SystemClock}, MailFrom: from}
	if status := d.Rules.EvaluateOptional(rules.PostQueue, ruleCtx); status.IsDeny() {
		d.deadLetter(path, env, fmt.Errorf("denied at post-queue stage"))
		return
	}

	anyTransient := false
	allDelivered := true
	for domain, rcpts := range byDomain {
		mxHosts, err := smtp.LookupMX(ctx, domain, d.DNSServer)
		if err != nil {
			anyTransient = true
			allDelivered = false
			continue
		}
		result := d.deliverToDomain(ctx, mxHosts, from, rcpts, []byte(env.Data))
		if result.Err != nil {
			anyTransient = true
			allDelivered = false
			continue
		}
		for _, r := range result.Rejected {
			if !r.Permanent {
				anyTransient = true
			}
			allDelivered = false
		}
	}

	if allDelivered {
		os.Remove(path)
		return
	}
	if !anyTransient {
		d.deadLetter(path, env, fmt.Errorf("permanently rejected by recipient domain"))
		return
	}
	d.reschedule(path, env)
}

func (d *Daemon) deliverToDomain(ctx context.Context, mxHosts []string, from address.Address, rcpts []address.Address, data []byte) smtp.DeliveryResult {
	var last smtp.DeliveryResult
	for _, host := range mxHosts {
		last = smtp.Deliver(ctx, smtp.SenderConfig{
			HELOName:      d.HELOName,
			AuthUsername:  d.AuthUsername,
			AuthPassword:  d.AuthPassword,
			TLSServerName: host,
			DialTimeout:   30 * time.Second,
			IOTimeout:     2 * time.Minute,
		}, host, 25, from, rcpts, data)
		if last.Err == nil {
			return last
		}
	}
	return last
}

func (d *Daemon) reschedule(path string, env Envelope) {
	delay, ok := d.Backoff.NextDelay(env.Attempts)
	if !ok {
		d.deadLetter(path, env, fmt.Errorf("exceeded maximum delivery attempts"))
		return
	}
	env.Attempts++
	env.NextTry = time.Now().Add(delay)
	if err := writeEnvelope(path, env); err != nil {
		d.logger.Warning(path, err, "failed to persist retry state")
	}
}

func (d *Daemon) deadLetter(path string, env Envelope, reason error) {
	d.logger.Warning(path, reason, "moving envelope to dead-letter spool after %d attempts", env.Attempts)
	dest := filepath.Join(d.DeadLetterDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		os.Remove(path)
	}
}
