package tlsmgr

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/rs/zerolog"
)

// acmeUser satisfies lego's registration.User.
type acmeUser struct {
	email string
	reg   *registration.Resource
	key   crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.reg }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// HTTP01Provider answers HTTP-01 challenges from an in-memory token map.
// The handler is mounted on the primary HTTP listener, which keeps serving
// regardless of HTTPS state.
type HTTP01Provider struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewHTTP01Provider() *HTTP01Provider {
	return &HTTP01Provider{tokens: map[string]string{}}
}

func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	p.mu.Lock()
	p.tokens[token] = keyAuth
	p.mu.Unlock()
	return nil
}

func (p *HTTP01Provider) CleanUp(domain, token, keyAuth string) error {
	p.mu.Lock()
	delete(p.tokens, token)
	p.mu.Unlock()
	return nil
}

// Handler serves /.well-known/acme-challenge/{token}.
func (p *HTTP01Provider) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, "/.well-known/acme-challenge/")
		p.mu.RLock()
		keyAuth, ok := p.tokens[token]
		p.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, keyAuth)
	}
}

// DNSAdapter manages the _acme-challenge TXT record at one DNS provider.
// VerifyCredentials makes a cheap read call so bad tokens surface before an
// issuance is attempted.
type DNSAdapter interface {
	Name() string
	CreateTXT(ctx context.Context, fqdn, value string) error
	DeleteTXT(ctx context.Context, fqdn, value string) error
	VerifyCredentials(ctx context.Context) error
}

// dnsBridge adapts a DNSAdapter to lego's challenge provider contract.
type dnsBridge struct {
	adapter DNSAdapter
	timeout time.Duration
}

func (b *dnsBridge) Present(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return b.adapter.CreateTXT(ctx, info.EffectiveFQDN, info.Value)
}

func (b *dnsBridge) CleanUp(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return b.adapter.DeleteTXT(ctx, info.EffectiveFQDN, info.Value)
}

func (b *dnsBridge) Timeout() (timeout, interval time.Duration) {
	return 2 * time.Minute, 4 * time.Second
}

// ACMEClient issues certificates through an ACME directory.
type ACMEClient struct {
	dir    string
	http01 *HTTP01Provider
	log    zerolog.Logger
}

func NewACMEClient(configDir string, http01 *HTTP01Provider, log zerolog.Logger) *ACMEClient {
	return &ACMEClient{
		dir:    configDir,
		http01: http01,
		log:    log.With().Str("component", "acme").Logger(),
	}
}

// Obtain runs the full issuance flow for the settings' domain and returns
// the certificate and key PEM. lego drives its own HTTP polling, so there
// is no context plumbing through the order state machine.
func (c *ACMEClient) Obtain(s Settings, dns DNSAdapter) (certPEM, keyPEM []byte, err error) {
	key, err := c.loadOrCreateAccount(s.Email)
	if err != nil {
		return nil, nil, err
	}
	user := &acmeUser{email: s.Email, key: key}

	cfg := lego.NewConfig(user)
	cfg.CADirURL = lego.LEDirectoryProduction
	if s.UseStaging {
		cfg.CADirURL = lego.LEDirectoryStaging
	}
	cfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("acme client: %w", err)
	}

	switch s.ChallengeType {
	case ChallengeHTTP01:
		if err := client.Challenge.SetHTTP01Provider(c.http01); err != nil {
			return nil, nil, err
		}
	case ChallengeDNS01:
		if dns == nil {
			return nil, nil, fmt.Errorf("dns-01 requires a provider adapter")
		}
		bridge := &dnsBridge{adapter: dns, timeout: 30 * time.Second}
		if err := client.Challenge.SetDNS01Provider(bridge); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown challenge_type %q", s.ChallengeType)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, nil, fmt.Errorf("acme registration: %w", err)
	}
	user.reg = reg

	c.log.Info().Str("domain", s.Domain).Bool("staging", s.UseStaging).
		Str("challenge", s.ChallengeType).Msg("requesting certificate")

	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{s.Domain},
		Bundle:  true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("obtaining certificate for %s: %w", s.Domain, err)
	}
	return res.Certificate, res.PrivateKey, nil
}

// acmeAccount is the persisted ACME account: the registered email and the
// RSA-4096 account key as PKCS#1 PEM.
type acmeAccount struct {
	Email  string `json:"email"`
	KeyPEM string `json:"key_pem"`
}

// loadOrCreateAccount keeps one ACME account per config dir so renewals
// reuse the same account.
func (c *ACMEClient) loadOrCreateAccount(email string) (crypto.PrivateKey, error) {
	path := filepath.Join(c.dir, accountFile)
	if data, err := os.ReadFile(path); err == nil {
		var acct acmeAccount
		if err := json.Unmarshal(data, &acct); err != nil {
			return nil, fmt.Errorf("corrupt account file at %s: %w", path, err)
		}
		block, _ := pem.Decode([]byte(acct.KeyPEM))
		if block == nil {
			return nil, fmt.Errorf("corrupt account key at %s", path)
		}
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	data, err := json.MarshalIndent(acmeAccount{Email: email, KeyPEM: string(keyPEM)}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeFileMode(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("persist account file: %w", err)
	}
	c.log.Info().Str("email", email).Msg("registered new ACME account key")
	return key, nil
}
