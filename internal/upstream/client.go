package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrAuthentication means login and token refresh both failed.
var ErrAuthentication = errors.New("upstream authentication failed")

// ErrUnavailable means the upstream could not be reached or answered 5xx
// after retries.
var ErrUnavailable = errors.New("upstream unavailable")

// APIError is a non-retryable upstream rejection (4xx other than 401).
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

const (
	defaultPageSize  = 250
	readRetries      = 2
	readRetryBackoff = 500 * time.Millisecond
)

// Client is the process-wide authenticated upstream API client. It is safe
// for concurrent use; token refresh is serialized by a mutex and a 401 is
// retried at most once per request.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	log      zerolog.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

type Options struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	Log      zerolog.Logger
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  opts.BaseURL,
		username: opts.Username,
		password: opts.Password,
		http:     &http.Client{Timeout: timeout},
		log:      opts.Log,
	}
}

type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// login obtains a fresh access/refresh token pair with credentials.
func (c *Client) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/token/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login returned %d", ErrAuthentication, resp.StatusCode)
	}

	var tok tokenPair
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	c.accessToken = tok.Access
	c.refreshToken = tok.Refresh
	c.log.Debug().Msg("upstream login succeeded")
	return nil
}

// refresh exchanges the refresh token for a new access token, falling back
// to a full login when the refresh token is rejected.
func (c *Client) refresh(ctx context.Context) error {
	if c.refreshToken == "" {
		return c.login(ctx)
	}
	body, _ := json.Marshal(map[string]string{"refresh": c.refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/token/refresh/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.login(ctx)
	}
	var tok tokenPair
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}
	c.accessToken = tok.Access
	if tok.Refresh != "" {
		c.refreshToken = tok.Refresh
	}
	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken == "" {
		if err := c.login(ctx); err != nil {
			return "", err
		}
	}
	return c.accessToken, nil
}

// invalidateAndRefresh drops the given token and obtains a new one. Callers
// racing here refresh only once: the first one in replaces the token, the
// rest see a token that differs from theirs and reuse it.
func (c *Client) invalidateAndRefresh(ctx context.Context, stale string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != stale && c.accessToken != "" {
		return c.accessToken, nil
	}
	if err := c.refresh(ctx); err != nil {
		return "", err
	}
	return c.accessToken, nil
}

// do performs one authenticated request, refreshing the token once on 401
// and retrying idempotent reads on transport errors and 5xx.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	idempotent := method == http.MethodGet
	attempts := 1
	if idempotent {
		attempts += readRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readRetryBackoff << (attempt - 1)):
			}
		}
		err := c.doOnce(ctx, method, path, query, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !idempotent || !errors.Is(err, ErrUnavailable) {
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out any) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	resp, err := c.send(ctx, method, path, query, body, tok)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		tok, err = c.invalidateAndRefresh(ctx, tok)
		if err != nil {
			return err
		}
		resp, err = c.send(ctx, method, path, query, body, tok)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return ErrAuthentication
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(b)}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any, tok string) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// page is the upstream's pagination envelope: results, count, next.
type page[T any] struct {
	Results []T    `json:"results"`
	Count   int    `json:"count"`
	Next    string `json:"next"`
}

// listAll walks the page/page_size pagination until next is empty.
func listAll[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("page_size", strconv.Itoa(defaultPageSize))

	var all []T
	for pageNum := 1; ; pageNum++ {
		query.Set("page", strconv.Itoa(pageNum))
		var p page[T]
		if err := c.do(ctx, http.MethodGet, path, query, nil, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Results...)
		if p.Next == "" || len(p.Results) == 0 {
			break
		}
	}
	return all, nil
}
