package tlsmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CloudflareAdapter manages challenge TXT records through the Cloudflare
// v4 API with a scoped bearer token.
type CloudflareAdapter struct {
	token   string
	baseURL string
	httpc   *http.Client
}

func NewCloudflareAdapter(token string) *CloudflareAdapter {
	return &CloudflareAdapter{
		token:   token,
		baseURL: "https://api.cloudflare.com/client/v4",
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *CloudflareAdapter) Name() string { return "cloudflare" }

// VerifyCredentials asks Cloudflare to validate the token itself.
func (a *CloudflareAdapter) VerifyCredentials(ctx context.Context) error {
	_, err := a.call(ctx, http.MethodGet, "/user/tokens/verify", nil)
	return err
}

type cfEnvelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

func (a *CloudflareAdapter) CreateTXT(ctx context.Context, fqdn, value string) error {
	zoneID, err := a.zoneID(ctx, fqdn)
	if err != nil {
		return err
	}
	body := map[string]any{
		"type":    "TXT",
		"name":    strings.TrimSuffix(fqdn, "."),
		"content": value,
		"ttl":     120,
	}
	_, err = a.call(ctx, http.MethodPost, fmt.Sprintf("/zones/%s/dns_records", zoneID), body)
	return err
}

func (a *CloudflareAdapter) DeleteTXT(ctx context.Context, fqdn, value string) error {
	zoneID, err := a.zoneID(ctx, fqdn)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("type", "TXT")
	q.Set("name", strings.TrimSuffix(fqdn, "."))
	q.Set("content", value)
	raw, err := a.call(ctx, http.MethodGet, fmt.Sprintf("/zones/%s/dns_records?%s", zoneID, q.Encode()), nil)
	if err != nil {
		return err
	}
	var records []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("cloudflare: parse records: %w", err)
	}
	for _, rec := range records {
		if _, err := a.call(ctx, http.MethodDelete,
			fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, rec.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

// zoneID finds the zone by walking up from the record name: the challenge
// FQDN _acme-challenge.sub.example.com belongs to whichever suffix is an
// actual zone, usually example.com.
func (a *CloudflareAdapter) zoneID(ctx context.Context, fqdn string) (string, error) {
	name := strings.TrimSuffix(fqdn, ".")
	labels := strings.Split(name, ".")
	for i := 0; i < len(labels)-1; i++ {
		candidate := strings.Join(labels[i:], ".")
		raw, err := a.call(ctx, http.MethodGet, "/zones?name="+url.QueryEscape(candidate), nil)
		if err != nil {
			return "", err
		}
		var zones []struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &zones); err != nil {
			return "", fmt.Errorf("cloudflare: parse zones: %w", err)
		}
		if len(zones) > 0 {
			return zones[0].ID, nil
		}
	}
	return "", fmt.Errorf("cloudflare: no zone found for %s", fqdn)
}

func (a *CloudflareAdapter) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var env cfEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("cloudflare: status %d: unparseable response", resp.StatusCode)
	}
	if !env.Success {
		msg := "unknown error"
		if len(env.Errors) > 0 {
			msg = env.Errors[0].Message
		}
		return nil, fmt.Errorf("cloudflare: %s (status %d)", msg, resp.StatusCode)
	}
	return env.Result, nil
}
