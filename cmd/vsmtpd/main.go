/*
Command vsmtpd runs the SMTP receiver: it loads a JSON configuration
file, wires a queue publisher and rule set, and blocks serving incoming
mail until interrupted.
*/
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaycore/vsmtp/config"
	"github.com/relaycore/vsmtp/daemon/smtpd"
	"github.com/relaycore/vsmtp/queue"
	"github.com/relaycore/vsmtp/rules"
)

func main() {
	configPath := flag.String("config", "", "(Mandatory) path to receiver configuration file in JSON syntax")
	inMemoryQueue := flag.Bool("memqueue", false, "(Optional) use an in-memory queue instead of SQS, for local testing")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("vsmtpd: -config is mandatory")
	}

	var cfg config.ReceiverConfig
	if err := config.Load(*configPath, &cfg); err != nil {
		log.Fatalf("vsmtpd: %v", err)
	}
	if err := cfg.Initialise(); err != nil {
		log.Fatalf("vsmtpd: %v", err)
	}

	var publisher queue.Publisher
	if *inMemoryQueue {
		publisher = queue.NewMemPublisher()
	} else {
		sqsPublisher, err := queue.NewSQSPublisher(cfg.AWSRegion)
		if err != nil {
			log.Fatalf("vsmtpd: %v", err)
		}
		publisher = sqsPublisher
	}

	daemon := &smtpd.Daemon{
		Address:             cfg.Address,
		Port:                cfg.Port,
		ServerName:          cfg.ServerName,
		TLSCertPath:         cfg.TLSCertPath,
		TLSKeyPath:          cfg.TLSKeyPath,
		PerIPLimit:          cfg.PerIPLimit,
		MaxConnections:      cfg.MaxConnections,
		MaxMessageSize:      cfg.MaxMessageSize,
		AuthMechanisms:      cfg.AuthMechanisms,
		QueueName:           cfg.QueueName,
		QuarantineQueueName: cfg.QuarantineQueueName,
		Publisher:           publisher,
		Rules:               defaultRuleSet(),
		DNSxL:                smtpd.NewDNSBLRange(),
	}
	if err := daemon.Initialise(); err != nil {
		log.Fatalf("vsmtpd: %v", err)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		daemon.Stop()
	}()

	if err := daemon.StartAndBlock(); err != nil {
		log.Fatalf("vsmtpd: %v", err)
	}
}

// defaultRuleSet wires up a minimal policy for an out-of-the-box
// deployment: reject connections from any configured DNSBL hit at
// Connect stage, otherwise accept through to PreQueue.
func defaultRuleSet() *rules.RuleSet {
	rs := rules.NewRuleSet()
	rs.Add(rules.Connect, rules.Rule{
		DirectiveName: "reject-dnsbl",
		Eval: func(ctx *rules.Context) rules.ReceiverStatus {
			if ctx.Services.DNSxL != nil && ctx.ClientIP != nil && ctx.Services.DNSxL.Contains(ctx.ClientIP) {
				return rules.Deny(nil)
			}
			return rules.Next()
		},
	})
	rs.Add(rules.Helo, rules.Rule{DirectiveName: "accept", Eval: func(*rules.Context) rules.ReceiverStatus { return rules.Next() }})
	rs.Add(rules.Auth, rules.Rule{DirectiveName: "accept", Eval: func(*rules.Context) rules.ReceiverStatus { return rules.Next() }})
	rs.Add(rules.MailFrom, rules.Rule{DirectiveName: "accept", Eval: func(*rules.Context) rules.ReceiverStatus { return rules.Next() }})
	rs.Add(rules.RcptTo, rules.Rule{DirectiveName: "accept", Eval: func(*rules.Context) rules.ReceiverStatus { return rules.Next() }})
	rs.Add(rules.Data, rules.Rule{DirectiveName: "accept", Eval: func(*rules.Context) rules.ReceiverStatus { return rules.Next() }})
	rs.Add(rules.PreQueue, rules.Rule{DirectiveName: "accept", Eval: func(*rules.Context) rules.ReceiverStatus { return rules.Next() }})
	return rs
}
