package tlsmgr

import (
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestHTTP01ProviderServesToken(t *testing.T) {
	p := NewHTTP01Provider()
	if err := p.Present("ecm.example.com", "tok123", "tok123.keyauth"); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/.well-known/acme-challenge/tok123")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || string(body) != "tok123.keyauth" {
		t.Errorf("response = %d %q", resp.StatusCode, body)
	}

	if err := p.CleanUp("ecm.example.com", "tok123", "tok123.keyauth"); err != nil {
		t.Fatal(err)
	}
	resp, err = srv.Client().Get(srv.URL + "/.well-known/acme-challenge/tok123")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("status after cleanup = %d, want 404", resp.StatusCode)
	}
}

func TestAccountKeyPersistedAndReused(t *testing.T) {
	dir := t.TempDir()
	c := NewACMEClient(dir, NewHTTP01Provider(), zerolog.Nop())

	key, err := c.loadOrCreateAccount("ops@example.com")
	if err != nil {
		t.Fatal(err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		t.Fatalf("key type = %T, want *rsa.PrivateKey", key)
	}
	if bits := rsaKey.N.BitLen(); bits != 4096 {
		t.Errorf("key size = %d bits, want 4096", bits)
	}

	path := filepath.Join(dir, "acme_account.json")
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("account file mode = %o, want 600", fi.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var acct acmeAccount
	if err := json.Unmarshal(data, &acct); err != nil {
		t.Fatalf("account file is not json: %v", err)
	}
	if acct.Email != "ops@example.com" || acct.KeyPEM == "" {
		t.Errorf("account = %+v", acct)
	}

	// A second load must return the same key, not mint a new account.
	again, err := c.loadOrCreateAccount("ops@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if again.(*rsa.PrivateKey).N.Cmp(rsaKey.N) != 0 {
		t.Error("reload returned a different key")
	}
}

func TestHTTP01ProviderUnknownToken(t *testing.T) {
	p := NewHTTP01Provider()
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/.well-known/acme-challenge/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
