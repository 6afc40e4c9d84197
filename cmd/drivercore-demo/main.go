// Command drivercore-demo wires one module (stream transport,
// newline tokenizer, queue, storage, subscriptions) against a local
// mock device and a Redis instance, exercising the send/receive and
// status pub/sub paths end to end.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"drivercore/internal/config"
	"drivercore/internal/logging"
	"drivercore/internal/tlsutil"
	"drivercore/pkg/module"
	"drivercore/pkg/task"
	"drivercore/pkg/tokenizer"
	"drivercore/pkg/transport"
)

func main() {
	cfg := config.Load()
	log := logging.New(logging.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Component: "drivercore-demo",
	})

	serverTLS, clientTLS, err := loadDemoTLS()
	if err != nil {
		log.WithError(err).Error("failed to provision demo certificates")
		os.Exit(1)
	}

	device, err := startMockDevice(serverTLS)
	if err != nil {
		log.WithError(err).Error("failed to start mock device")
		os.Exit(1)
	}
	defer device.Close()
	log.Info(fmt.Sprintf("mock device listening on %s (tcp+tls)", device.Addr()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := module.New(ctx, module.Config{
		ModuleID:       firstNonEmpty(cfg.ModuleID, "demo"),
		KeyPrefix:      cfg.KeyPrefix,
		RedisURL:       cfg.RedisURL,
		Dialer:         transport.NewStream(transport.StreamConfig{Address: device.Addr(), TLSConfig: clientTLS}),
		Tokenizer:      tokenizer.New(tokenizer.Delimiter([]byte("\n"))),
		ConnectTimeout: cfg.ConnectTimeout,
		Log:            log,
	})
	if err != nil {
		log.WithError(err).Error("failed to assemble module")
		os.Exit(1)
	}
	m.Run(ctx)

	sub, err := m.Subscriptions.SubscribeDirect(ctx, m.ID, "power", func(channel, message string) {
		log.Info(fmt.Sprintf("status update on %s: %s", channel, message))
	})
	if err != nil {
		log.WithError(err).Error("failed to subscribe to power status")
	}

	if err := m.Store.Set(ctx, "power", `"on"`); err != nil {
		log.WithError(err).Error("failed to publish power status")
	}

	t := task.New(task.Config{
		Name:     "ping",
		Priority: task.Normal,
		Retries:  2,
		Timeout:  2 * time.Second,
		Payload:  func() ([]byte, error) { return []byte("PING\n"), nil },
	})
	m.Queue.Enqueue(t)

	select {
	case <-t.Done():
		outcome := t.Outcome()
		log.Info(fmt.Sprintf("task %s completed: kind=%v value=%q reason=%q", t.Name, outcome.Kind, outcome.Value, outcome.Reason))
	case <-time.After(5 * time.Second):
		log.Warn("task did not complete within the demo window")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-time.After(2 * time.Second):
	}

	if sub != nil {
		m.Subscriptions.Unsubscribe(ctx, sub)
	}
	m.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// loadDemoTLS generates (or reuses) a self-signed CA and leaf identity
// under the OS temp dir and builds the matching server- and client-side
// tls.Config, so the demo's mock device and its Dialer speak tcp+tls
// against each other the same way a real device behind
// internal/tlsutil-issued certs would.
func loadDemoTLS() (server, client *tls.Config, err error) {
	opts := tlsutil.DefaultGenerateOptions()
	opts.CertDir = filepath.Join(os.TempDir(), "drivercore-demo-certs")
	opts.Organization = "drivercore-demo"

	files, err := tlsutil.EnsureCerts(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("ensure demo certs: %w", err)
	}

	leaf, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load leaf keypair: %w", err)
	}

	caPEM, err := os.ReadFile(files.CAFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, nil, fmt.Errorf("parse CA cert from %s", files.CAFile)
	}

	server = &tls.Config{Certificates: []tls.Certificate{leaf}}
	client = &tls.Config{RootCAs: pool, ServerName: "localhost"}
	return server, client, nil
}
