package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

//go:embed version.txt
var embeddedVersion string

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// DefaultUserAgent is sent on every outbound federation request unless configured.
func DefaultUserAgent(domain string) string {
	return fmt.Sprintf("%s/%s (+https://%s/)", Name, GetVersion(), domain)
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// GeneratePemKeypair creates an RSA key pair encoded as PKCS#1 private and PKIX public PEM.
func GeneratePemKeypair(bitSize int) (*RsaKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}

// NormalizeHost lowercases a host and converts punycode to its unicode form.
// Hosts are stored in this form.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	u, err := idna.Lookup.ToUnicode(host)
	if err != nil {
		return host
	}
	return u
}

// ASCIIHost converts a host to its punycode form for use in URLs.
func ASCIIHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	a, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return a
}

// HostOf returns the normalized host of an absolute URI, or "" if it has none.
func HostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return ""
	}
	return NormalizeHost(u.Host)
}

// SameHost compares two hosts after normalization.
func SameHost(a, b string) bool {
	return NormalizeHost(a) == NormalizeHost(b)
}
