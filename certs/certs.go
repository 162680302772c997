// Package certs provides the TLS material the inspector serves with: a
// short-lived self-signed ECDSA certificate, or a key pair loaded from disk.
// Either way the SHA-256 fingerprint of the leaf is published so HTTP/3
// clients can pin it.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// MaxValidity is the longest lifetime a generated certificate gets.
// Browsers only accept pinned certificates valid for at most 14 days.
const MaxValidity = 14 * 24 * time.Hour

// CertInfo is a TLS certificate together with its leaf fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the leaf fingerprint as standard base64.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// FingerprintHex returns the leaf fingerprint as lowercase hex.
func (c *CertInfo) FingerprintHex() string {
	return hex.EncodeToString(c.Fingerprint[:])
}

// TLSConfig returns a server config presenting the certificate.
func (c *CertInfo) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		MinVersion:   tls.VersionTLS13,
	}
}

// Generate creates a self-signed P-256 certificate for localhost plus the
// given hosts. Each host is added as an IP SAN when it parses as one and a
// DNS SAN otherwise. Validity outside (0, MaxValidity] is set to
// MaxValidity.
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity <= 0 || validity > MaxValidity {
		validity = MaxValidity
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	tmpl, err := inspectorTemplate(time.Now(), validity, hosts)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return newCertInfo(tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key})
}

// Load reads a PEM certificate chain and key.
func Load(certFile, keyFile string) (*CertInfo, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return newCertInfo(pair)
}

// inspectorTemplate describes a server certificate for the inspector,
// valid from a minute before now so small clock skew between hosts does
// not reject it.
func inspectorTemplate(now time.Time, validity time.Duration, hosts []string) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	from := now.Add(-time.Minute).Truncate(time.Second)
	dns, ips := splitHosts(append([]string{"localhost", "127.0.0.1", "::1"}, hosts...))
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "mxl inspector", Organization: []string{"mxl"}},
		NotBefore:    from,
		NotAfter:     from.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dns,
		IPAddresses:  ips,
	}, nil
}

// splitHosts sorts hosts into DNS names and IP addresses, dropping blanks.
func splitHosts(hosts []string) (dns []string, ips []net.IP) {
	for _, h := range hosts {
		switch ip := net.ParseIP(h); {
		case ip != nil:
			ips = append(ips, ip)
		case h != "":
			dns = append(dns, h)
		}
	}
	return dns, ips
}

// newCertInfo parses the leaf of pair and fingerprints it.
func newCertInfo(pair tls.Certificate) (*CertInfo, error) {
	if len(pair.Certificate) == 0 {
		return nil, errors.New("no certificate in key pair")
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}
	pair.Leaf = leaf
	return &CertInfo{
		TLSCert:     pair,
		Fingerprint: sha256.Sum256(leaf.Raw),
		NotAfter:    leaf.NotAfter,
	}, nil
}
