// Package tlsutil generates a self-signed CA and leaf certificate for
// local tcp+tls testing, so a developer can exercise the TLS-upgrade
// path against a mock device without provisioning real certificates.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CertFiles are the three PEM files a generated identity writes.
type CertFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// DefaultCertDir is where certificates land when no directory is given.
const DefaultCertDir = "/etc/drivercore/certs"

// DefaultCertFiles returns the conventional file layout under dir.
func DefaultCertFiles(dir string) CertFiles {
	if dir == "" {
		dir = DefaultCertDir
	}
	return CertFiles{
		CAFile:   filepath.Join(dir, "ca.pem"),
		CertFile: filepath.Join(dir, "server.pem"),
		KeyFile:  filepath.Join(dir, "server-key.pem"),
	}
}

// CertsExist reports whether all three files are present.
func (c CertFiles) CertsExist() bool {
	for _, f := range []string{c.CAFile, c.CertFile, c.KeyFile} {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// GenerateOptions controls certificate generation.
type GenerateOptions struct {
	// Hosts is a comma-separated list of SANs; localhost and 127.0.0.1
	// are always included.
	Hosts string

	Organization string
	ValidFor     time.Duration
	CertDir      string
	Force        bool
}

// DefaultGenerateOptions returns sane defaults for local testing.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		Hosts:        "localhost,127.0.0.1",
		Organization: "drivercore",
		ValidFor:     365 * 24 * time.Hour,
		CertDir:      DefaultCertDir,
		Force:        false,
	}
}

// EnsureCerts generates certificates under opts.CertDir only if they
// don't already exist (or Force is set), returning their paths either
// way.
func EnsureCerts(opts GenerateOptions) (*CertFiles, error) {
	files := DefaultCertFiles(opts.CertDir)

	if !opts.Force && files.CertsExist() {
		log.Printf("[tls] certificates already exist in %s", opts.CertDir)
		return &files, nil
	}

	log.Printf("[tls] generating certificates in %s", opts.CertDir)
	if err := GenerateCerts(opts); err != nil {
		return nil, err
	}
	log.Printf("[tls] certificates generated")
	return &files, nil
}

// GenerateCerts creates a self-signed CA and a leaf certificate
// signed by it, writing both plus the leaf's private key to disk.
func GenerateCerts(opts GenerateOptions) error {
	if opts.CertDir == "" {
		opts.CertDir = DefaultCertDir
	}
	if opts.Organization == "" {
		opts.Organization = "drivercore"
	}
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}

	if err := os.MkdirAll(opts.CertDir, 0755); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}

	hosts := collectHosts(opts.Hosts)

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}

	caSerial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	caTemplate := &x509.Certificate{
		SerialNumber: caSerial,
		Subject: pkix.Name{
			Organization: []string{opts.Organization},
			CommonName:   opts.Organization + " CA",
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("create CA cert: %w", err)
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		return fmt.Errorf("parse CA cert: %w", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate leaf key: %w", err)
	}

	leafSerial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	leafTemplate := &x509.Certificate{
		SerialNumber: leafSerial,
		Subject: pkix.Name{
			Organization: []string{opts.Organization},
			CommonName:   opts.Organization + " device endpoint",
		},
		NotBefore: time.Now().Add(-1 * time.Hour),
		NotAfter:  time.Now().Add(opts.ValidFor),
		KeyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			leafTemplate.IPAddresses = append(leafTemplate.IPAddresses, ip)
		} else {
			leafTemplate.DNSNames = append(leafTemplate.DNSNames, h)
		}
	}

	leafCertDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("create leaf cert: %w", err)
	}

	files := DefaultCertFiles(opts.CertDir)

	if err := writePEM(files.CAFile, "CERTIFICATE", caCertDER, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := writePEM(files.CertFile, "CERTIFICATE", leafCertDER, 0644); err != nil {
		return fmt.Errorf("write leaf cert: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return fmt.Errorf("marshal leaf key: %w", err)
	}
	if err := writePEM(files.KeyFile, "EC PRIVATE KEY", keyBytes, 0600); err != nil {
		return fmt.Errorf("write leaf key: %w", err)
	}

	log.Printf("[tls] CA cert:   %s", files.CAFile)
	log.Printf("[tls] leaf cert: %s (SANs: %s)", files.CertFile, strings.Join(hosts, ", "))
	log.Printf("[tls] leaf key:  %s", files.KeyFile)
	log.Printf("[tls] valid for: %s", opts.ValidFor)

	return nil
}

// collectHosts de-duplicates hostsStr against the local hostname and
// interface addresses, always including the loopback names.
func collectHosts(hostsStr string) []string {
	seen := make(map[string]bool)
	var result []string

	for _, h := range []string{"localhost", "127.0.0.1", "::1"} {
		if !seen[h] {
			seen[h] = true
			result = append(result, h)
		}
	}

	if hostsStr != "" {
		for _, h := range strings.Split(hostsStr, ",") {
			h = strings.TrimSpace(h)
			if h != "" && !seen[h] {
				seen[h] = true
				result = append(result, h)
			}
		}
	}

	if hostname, err := os.Hostname(); err == nil && !seen[hostname] {
		seen[hostname] = true
		result = append(result, hostname)
	}

	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				ip := ipnet.IP.String()
				if !seen[ip] {
					seen[ip] = true
					result = append(result, ip)
				}
			}
		}
	}

	return result
}

func writePEM(path, blockType string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}
