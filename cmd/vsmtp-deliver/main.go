/*
Command vsmtp-deliver runs the delivery-side daemon: it polls a spool
directory for dequeued messages and attempts delivery to each
recipient's MX host, retrying transient failures on a backoff schedule.
*/
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycore/vsmtp/config"
	"github.com/relaycore/vsmtp/daemon/smtpclient"
	"github.com/relaycore/vsmtp/smtp"
)

func main() {
	configPath := flag.String("config", "", "(Mandatory) path to delivery configuration file in JSON syntax")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("vsmtp-deliver: -config is mandatory")
	}

	var cfg config.DeliveryConfig
	if err := config.Load(*configPath, &cfg); err != nil {
		log.Fatalf("vsmtp-deliver: %v", err)
	}
	if err := cfg.Initialise(); err != nil {
		log.Fatalf("vsmtp-deliver: %v", err)
	}

	daemon := &smtpclient.Daemon{Config: smtpclient.Config{
		SpoolDir:     cfg.SpoolDir,
		HELOName:     cfg.HELOName,
		AuthUsername: cfg.AuthUsername,
		AuthPassword: cfg.AuthPassword,
		DNSServer:    cfg.DNSServer,
		Backoff:      smtp.ExponentialJitterBackoff{Base: 30 * time.Second, JitterSeconds: 30, MaxAttempts: cfg.MaxAttempts},
	}}
	if err := daemon.Initialise(); err != nil {
		log.Fatalf("vsmtp-deliver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	if err := daemon.Run(ctx); err != nil {
		log.Fatalf("vsmtp-deliver: %v", err)
	}
}
