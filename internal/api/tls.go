package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/ecm/internal/tlsmgr"
)

// TLSManager is the certificate lifecycle surface. *tlsmgr.Manager
// satisfies it.
type TLSManager interface {
	Settings() tlsmgr.Settings
	UpdateSettings(s tlsmgr.Settings) error
	SetManualCert(certPEM, keyPEM []byte) (*tlsmgr.CertInfo, error)
	Issue(ctx context.Context) (*tlsmgr.CertInfo, error)
	CertInfo() (*tlsmgr.CertInfo, error)
	VerifyDNSCredentials(ctx context.Context) error
}

type TLSHandler struct {
	mgr TLSManager
}

func NewTLSHandler(mgr TLSManager) *TLSHandler {
	return &TLSHandler{mgr: mgr}
}

func (h *TLSHandler) Routes(r chi.Router) {
	r.Get("/tls/settings", h.GetSettings)
	r.Put("/tls/settings", h.UpdateSettings)
	r.Get("/tls/certificate", h.GetCertificate)
	r.Post("/tls/certificate", h.UploadCertificate)
	r.Post("/tls/issue", h.Issue)
	r.Post("/tls/dns/verify", h.VerifyDNS)
}

// GetSettings returns the settings with the Cloudflare token redacted; the
// operator only needs to know whether one is set.
func (h *TLSHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s := h.mgr.Settings()
	hasToken := s.CloudflareAPIToken != ""
	s.CloudflareAPIToken = ""
	WriteJSON(w, http.StatusOK, map[string]any{
		"settings":                 s,
		"cloudflare_api_token_set": hasToken,
	})
}

func (h *TLSHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var s tlsmgr.Settings
	if err := DecodeJSON(r, &s); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	// An empty token on update keeps the stored one.
	if s.CloudflareAPIToken == "" {
		s.CloudflareAPIToken = h.mgr.Settings().CloudflareAPIToken
	}
	if err := h.mgr.UpdateSettings(s); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TLSHandler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	info, err := h.mgr.CertInfo()
	if err != nil {
		if errors.Is(err, tlsmgr.ErrNoCertificate) {
			WriteError(w, http.StatusNotFound, "no certificate installed")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

// UploadCertificate installs an operator-supplied PEM pair and switches the
// manager to manual mode.
func (h *TLSHandler) UploadCertificate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CertPEM string `json:"cert_pem"`
		KeyPEM  string `json:"key_pem"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CertPEM == "" || req.KeyPEM == "" {
		WriteError(w, http.StatusBadRequest, "cert_pem and key_pem are required")
		return
	}
	info, err := h.mgr.SetManualCert([]byte(req.CertPEM), []byte(req.KeyPEM))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

// VerifyDNS checks the stored DNS provider credentials with a read call, so
// operators can catch a bad token before an issuance fails mid-order.
func (h *TLSHandler) VerifyDNS(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.VerifyDNSCredentials(r.Context()); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"verified": true})
}

// Issue runs ACME issuance synchronously. Issuance can take tens of
// seconds (DNS propagation, CA order polling), so callers should use a
// generous client timeout.
func (h *TLSHandler) Issue(w http.ResponseWriter, r *http.Request) {
	info, err := h.mgr.Issue(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, info)
}
