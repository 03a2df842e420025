package tlsmgr

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func cloudflareAdapter(t *testing.T, handler http.HandlerFunc) *CloudflareAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &CloudflareAdapter{
		token:   "test-token",
		baseURL: srv.URL,
		httpc:   &http.Client{Timeout: 5 * time.Second},
	}
}

func TestCloudflareVerifyCredentials(t *testing.T) {
	a := cloudflareAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/tokens/verify" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q", got)
		}
		fmt.Fprint(w, `{"success":true,"errors":[],"result":{"status":"active"}}`)
	})

	if err := a.VerifyCredentials(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCloudflareVerifyCredentialsRejected(t *testing.T) {
	a := cloudflareAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"success":false,"errors":[{"code":1000,"message":"Invalid API Token"}]}`)
	})

	err := a.VerifyCredentials(context.Background())
	if err == nil {
		t.Fatal("expected error for rejected token")
	}
	if !strings.Contains(err.Error(), "Invalid API Token") {
		t.Errorf("error = %v, want provider message", err)
	}
}

func TestVerifyDNSCredentialsRequiresDNS01(t *testing.T) {
	m, err := NewManager(t.TempDir(), 8443, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.VerifyDNSCredentials(context.Background()); err == nil {
		t.Fatal("expected error when the challenge type is not dns-01")
	}
}
