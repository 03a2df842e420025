// Package tlsmgr manages the HTTPS certificate lifecycle: manual PEM
// uploads, ACME issuance with HTTP-01 or DNS-01 challenges, scheduled
// renewal, and supervision of the HTTPS child listener.
package tlsmgr

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/snarg/ecm/internal/config"
)

// TLS modes.
const (
	ModeManual      = "manual"
	ModeLetsEncrypt = "letsencrypt"
)

// Challenge types for ACME issuance.
const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

const (
	settingsFile = "tls.json"
	certsSubdir  = "certs"
	certFile     = "cert.pem"
	keyFile      = "key.pem"
	accountFile  = "acme_account.json"
)

// Settings is the persisted TLS configuration. Written to tls.json in the
// config directory; the API token fields hold secrets, so the file is 0600.
type Settings struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode"`

	Domain     string `json:"domain,omitempty"`
	Email      string `json:"email,omitempty"`
	UseStaging bool   `json:"use_staging,omitempty"`

	ChallengeType string `json:"challenge_type,omitempty"`
	DNSProvider   string `json:"dns_provider,omitempty"`

	CloudflareAPIToken  string `json:"cloudflare_api_token,omitempty"`
	Route53HostedZoneID string `json:"route53_hosted_zone_id,omitempty"`

	RenewDaysBeforeExpiry int `json:"renew_days_before_expiry,omitempty"`

	LastRenewal      *time.Time `json:"last_renewal,omitempty"`
	LastRenewalError string     `json:"last_renewal_error,omitempty"`

	CertSubject string     `json:"cert_subject,omitempty"`
	CertIssuer  string     `json:"cert_issuer,omitempty"`
	CertExpiry  *time.Time `json:"cert_expiry,omitempty"`
}

// DefaultSettings is the disabled baseline.
func DefaultSettings() Settings {
	return Settings{Mode: ModeManual, RenewDaysBeforeExpiry: 30}
}

// Validate rejects settings that cannot drive an issuance.
func (s Settings) Validate() error {
	switch s.Mode {
	case ModeManual:
	case ModeLetsEncrypt:
		if s.Domain == "" {
			return errors.New("domain is required for letsencrypt mode")
		}
		if s.Email == "" {
			return errors.New("email is required for letsencrypt mode")
		}
		switch s.ChallengeType {
		case ChallengeHTTP01:
		case ChallengeDNS01:
			switch s.DNSProvider {
			case "cloudflare":
				if s.CloudflareAPIToken == "" {
					return errors.New("cloudflare_api_token is required for the cloudflare provider")
				}
			case "route53":
			default:
				return fmt.Errorf("unknown dns_provider %q", s.DNSProvider)
			}
		default:
			return fmt.Errorf("unknown challenge_type %q", s.ChallengeType)
		}
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	if s.RenewDaysBeforeExpiry < 0 {
		return errors.New("renew_days_before_expiry must not be negative")
	}
	return nil
}

// LoadSettings reads tls.json, returning defaults when the file is absent.
func LoadSettings(dir string) (Settings, error) {
	s := DefaultSettings()
	err := config.ReadSettingsFile(dir, settingsFile, &s)
	if errors.Is(err, config.ErrNoSettingsFile) {
		return s, nil
	}
	if err != nil {
		return Settings{}, err
	}
	if s.RenewDaysBeforeExpiry == 0 {
		s.RenewDaysBeforeExpiry = 30
	}
	return s, nil
}

// SaveSettings persists tls.json.
func SaveSettings(dir string, s Settings) error {
	return config.WriteSettingsFile(dir, settingsFile, s)
}

// CertInfo summarizes a stored certificate.
type CertInfo struct {
	Subject         string    `json:"subject"`
	Issuer          string    `json:"issuer"`
	NotBefore       time.Time `json:"not_before"`
	NotAfter        time.Time `json:"not_after"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	DNSNames        []string  `json:"dns_names,omitempty"`
}

// CertPaths returns the on-disk cert and key locations under dir.
func CertPaths(dir string) (certPath, keyPath string) {
	return filepath.Join(dir, certsSubdir, certFile), filepath.Join(dir, certsSubdir, keyFile)
}

// WriteCertPair validates that the certificate matches the key and writes
// both with strict modes: directory 0700, key 0600, cert 0640.
func WriteCertPair(dir string, certPEM, keyPEM []byte) (*CertInfo, error) {
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("certificate does not match key: %w", err)
	}
	info, err := ParseCertInfo(certPEM)
	if err != nil {
		return nil, err
	}

	certDir := filepath.Join(dir, certsSubdir)
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return nil, fmt.Errorf("create cert dir: %w", err)
	}
	if err := os.Chmod(certDir, 0o700); err != nil {
		return nil, err
	}
	if err := writeFileMode(filepath.Join(certDir, keyFile), keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	if err := writeFileMode(filepath.Join(certDir, certFile), certPEM, 0o640); err != nil {
		return nil, fmt.Errorf("write cert: %w", err)
	}
	return info, nil
}

// writeFileMode writes atomically and forces the mode even when the file
// already exists with a looser one.
func writeFileMode(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ParseCertInfo extracts the leaf certificate's identity fields.
func ParseCertInfo(certPEM []byte) (*CertInfo, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate found in PEM data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &CertInfo{
		Subject:         cert.Subject.String(),
		Issuer:          cert.Issuer.String(),
		NotBefore:       cert.NotBefore,
		NotAfter:        cert.NotAfter,
		DaysUntilExpiry: int(time.Until(cert.NotAfter).Hours() / 24),
		DNSNames:        cert.DNSNames,
	}, nil
}

// StoredCertInfo reads and parses the currently stored certificate.
func StoredCertInfo(dir string) (*CertInfo, error) {
	certPath, _ := CertPaths(dir)
	data, err := os.ReadFile(certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCertificate
		}
		return nil, err
	}
	return ParseCertInfo(data)
}

// ErrNoCertificate is returned when no certificate has been stored yet.
var ErrNoCertificate = errors.New("no certificate stored")
