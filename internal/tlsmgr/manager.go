package tlsmgr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Env vars used to hand the child process its listener parameters.
const (
	envSubprocess = "ECM_HTTPS_SUBPROCESS"
	envCertPath   = "ECM_TLS_CERT"
	envKeyPath    = "ECM_TLS_KEY"
	envHTTPSPort  = "ECM_HTTPS_PORT"

	childStopTimeout = 10 * time.Second
)

// Manager owns TLS settings, issuance, renewal, and the HTTPS child
// process. The HTTP listener stays with the parent so HTTP-01 challenges
// are always answerable.
type Manager struct {
	configDir string
	httpsPort int
	acme      *ACMEClient
	http01    *HTTP01Provider
	log       zerolog.Logger

	renewInterval time.Duration

	mu       sync.Mutex
	settings Settings
	child    *exec.Cmd
	childDie chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(configDir string, httpsPort int, log zerolog.Logger) (*Manager, error) {
	settings, err := LoadSettings(configDir)
	if err != nil {
		return nil, err
	}
	http01 := NewHTTP01Provider()
	return &Manager{
		configDir:     configDir,
		httpsPort:     httpsPort,
		http01:        http01,
		acme:          NewACMEClient(configDir, http01, log),
		log:           log.With().Str("component", "tls").Logger(),
		renewInterval: 24 * time.Hour,
		settings:      settings,
	}, nil
}

// ChallengeHandler is mounted on the primary HTTP router at
// /.well-known/acme-challenge/.
func (m *Manager) ChallengeHandler() http.HandlerFunc {
	return m.http01.Handler()
}

// Settings returns a copy of the current settings.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// CertInfo reads the identity of the stored certificate, or
// ErrNoCertificate when none exists yet.
func (m *Manager) CertInfo() (*CertInfo, error) {
	return StoredCertInfo(m.configDir)
}

// UpdateSettings validates, persists, and reconciles the HTTPS listener.
func (m *Manager) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := SaveSettings(m.configDir, s); err != nil {
		return err
	}
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
	m.reconcile()
	return nil
}

// SetManualCert stores an operator-supplied PEM pair, validates it, and
// records the certificate identity in the settings.
func (m *Manager) SetManualCert(certPEM, keyPEM []byte) (*CertInfo, error) {
	info, err := WriteCertPair(m.configDir, certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.settings.Mode = ModeManual
	m.settings.CertSubject = info.Subject
	m.settings.CertIssuer = info.Issuer
	m.settings.CertExpiry = &info.NotAfter
	m.settings.LastRenewalError = ""
	s := m.settings
	m.mu.Unlock()

	if err := SaveSettings(m.configDir, s); err != nil {
		return nil, err
	}
	m.reconcile()
	return info, nil
}

// Issue runs ACME issuance now with the current settings.
func (m *Manager) Issue(ctx context.Context) (*CertInfo, error) {
	m.mu.Lock()
	s := m.settings
	m.mu.Unlock()
	if s.Mode != ModeLetsEncrypt {
		return nil, errors.New("issuance requires letsencrypt mode")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	dns, err := m.dnsAdapter(ctx, s)
	if err != nil {
		return nil, err
	}
	certPEM, keyPEM, err := m.acme.Obtain(s, dns)
	if err != nil {
		m.recordRenewalError(err)
		return nil, err
	}
	info, err := WriteCertPair(m.configDir, certPEM, keyPEM)
	if err != nil {
		m.recordRenewalError(err)
		return nil, err
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.settings.LastRenewal = &now
	m.settings.LastRenewalError = ""
	m.settings.CertSubject = info.Subject
	m.settings.CertIssuer = info.Issuer
	m.settings.CertExpiry = &info.NotAfter
	s = m.settings
	m.mu.Unlock()
	if err := SaveSettings(m.configDir, s); err != nil {
		return nil, err
	}

	m.log.Info().Str("subject", info.Subject).Time("expires", info.NotAfter).Msg("certificate issued")
	m.restartChild()
	return info, nil
}

// VerifyDNSCredentials checks that the configured DNS provider accepts the
// stored credentials without touching any records.
func (m *Manager) VerifyDNSCredentials(ctx context.Context) error {
	s := m.Settings()
	if s.ChallengeType != ChallengeDNS01 {
		return errors.New("dns credential verification requires the dns-01 challenge")
	}
	dns, err := m.dnsAdapter(ctx, s)
	if err != nil {
		return err
	}
	return dns.VerifyCredentials(ctx)
}

func (m *Manager) dnsAdapter(ctx context.Context, s Settings) (DNSAdapter, error) {
	if s.ChallengeType != ChallengeDNS01 {
		return nil, nil
	}
	switch s.DNSProvider {
	case "cloudflare":
		return NewCloudflareAdapter(s.CloudflareAPIToken), nil
	case "route53":
		return NewRoute53Adapter(ctx, s.Route53HostedZoneID)
	}
	return nil, fmt.Errorf("unknown dns_provider %q", s.DNSProvider)
}

func (m *Manager) recordRenewalError(err error) {
	m.mu.Lock()
	m.settings.LastRenewalError = err.Error()
	s := m.settings
	m.mu.Unlock()
	if serr := SaveSettings(m.configDir, s); serr != nil {
		m.log.Error().Err(serr).Msg("persisting renewal error")
	}
}

// Start launches the renewal loop and the settings-file watcher, then
// reconciles the HTTPS listener with the loaded settings.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.renewLoop(ctx)
	m.wg.Add(1)
	go m.watchSettings(ctx)
	m.reconcile()
}

// Stop shuts down the loops and the HTTPS child.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.stopChild()
	m.wg.Wait()
}

// renewLoop wakes daily and re-issues when the certificate is inside the
// renewal window. Failures keep the old certificate serving.
func (m *Manager) renewLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s := m.Settings()
		if !s.Enabled || s.Mode != ModeLetsEncrypt {
			continue
		}
		info, err := StoredCertInfo(m.configDir)
		needsIssue := errors.Is(err, ErrNoCertificate)
		if err == nil && info.DaysUntilExpiry <= s.RenewDaysBeforeExpiry {
			needsIssue = true
		}
		if err != nil && !errors.Is(err, ErrNoCertificate) {
			m.log.Error().Err(err).Msg("reading stored certificate")
			continue
		}
		if !needsIssue {
			continue
		}

		m.log.Info().Msg("certificate inside renewal window, re-issuing")
		if _, err := m.Issue(ctx); err != nil {
			m.log.Error().Err(err).Msg("renewal failed, keeping current certificate")
		}
	}
}

// watchSettings reloads tls.json when another process edits it.
func (m *Manager) watchSettings(ctx context.Context) {
	defer m.wg.Done()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Error().Err(err).Msg("settings watcher unavailable")
		return
	}
	defer watcher.Close()
	if err := watcher.Add(m.configDir); err != nil {
		m.log.Warn().Err(err).Msg("cannot watch config dir")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if !isSettingsPath(ev.Name) {
				continue
			}
			s, err := LoadSettings(m.configDir)
			if err != nil {
				m.log.Warn().Err(err).Msg("reloading tls settings")
				continue
			}
			m.mu.Lock()
			m.settings = s
			m.mu.Unlock()
			m.log.Info().Msg("tls settings reloaded from disk")
			m.reconcile()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn().Err(err).Msg("settings watcher error")
		}
	}
}

func isSettingsPath(path string) bool {
	return strings.HasSuffix(path, settingsFile)
}

// reconcile brings the HTTPS child in line with the settings: running with
// a valid cert when enabled, stopped otherwise.
func (m *Manager) reconcile() {
	s := m.Settings()
	if !s.Enabled {
		m.stopChild()
		return
	}
	if _, err := StoredCertInfo(m.configDir); err != nil {
		m.log.Warn().Err(err).Msg("https enabled but no usable certificate")
		m.stopChild()
		return
	}
	m.startChild()
}

// startChild spawns the HTTPS listener as a child of this process. The
// child re-executes the same binary with the subprocess flag set.
func (m *Manager) startChild() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.child != nil {
		return
	}

	exe, err := os.Executable()
	if err != nil {
		m.log.Error().Err(err).Msg("resolving executable for https child")
		return
	}
	certPath, keyPath := CertPaths(m.configDir)

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		envSubprocess+"=1",
		envCertPath+"="+certPath,
		envKeyPath+"="+keyPath,
		envHTTPSPort+"="+strconv.Itoa(m.httpsPort),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		m.log.Error().Err(err).Msg("starting https child")
		return
	}
	m.child = cmd
	die := make(chan struct{})
	m.childDie = die
	m.log.Info().Int("pid", cmd.Process.Pid).Int("port", m.httpsPort).Msg("https listener started")

	go func() {
		err := cmd.Wait()
		close(die)
		m.mu.Lock()
		if m.child == cmd {
			m.child = nil
		}
		m.mu.Unlock()
		if err != nil {
			m.log.Warn().Err(err).Msg("https child exited")
		}
	}()
}

// stopChild asks the child to stop gracefully, then kills its process
// group after the timeout.
func (m *Manager) stopChild() {
	m.mu.Lock()
	cmd := m.child
	die := m.childDie
	m.child = nil
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-die:
	case <-time.After(childStopTimeout):
		m.log.Warn().Msg("https child did not stop in time, killing")
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-die
	}
	m.log.Info().Msg("https listener stopped")
}

// restartChild cycles the listener so it picks up renewed cert files.
func (m *Manager) restartChild() {
	s := m.Settings()
	if !s.Enabled {
		return
	}
	m.stopChild()
	time.Sleep(200 * time.Millisecond)
	m.startChild()
}

// RunChild is the entry point inside the HTTPS subprocess: serve the given
// handler over TLS until SIGTERM.
func RunChild(ctx context.Context, handler http.Handler, log zerolog.Logger) error {
	certPath := os.Getenv(envCertPath)
	keyPath := os.Getenv(envKeyPath)
	port, err := strconv.Atoi(os.Getenv(envHTTPSPort))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", envHTTPSPort, err)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServeTLS(certPath, keyPath)
	}()
	log.Info().Int("port", port).Msg("https child serving")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// IsChildProcess reports whether this process was spawned as the HTTPS
// listener.
func IsChildProcess() bool {
	return os.Getenv(envSubprocess) == "1"
}
