package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/turnstiledev/turnstile/internal/model"
)

var (
	// ErrUnauthenticated means the server rejected the token.
	ErrUnauthenticated = errors.New("server rejected the session token")
	// ErrEndpointMissing means the server has no keep-alive endpoint.
	ErrEndpointMissing = errors.New("keep-alive endpoint not found")
	// ErrUnreachable wraps transport failures, including timeouts.
	ErrUnreachable = errors.New("auth server unreachable")
)

// APIError is a non-2xx response that the client does not map to a sentinel.
type APIError struct {
	Status  int
	Reason  model.Reason
	Message string
	Context map[string]interface{}
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("auth server returned %d (%s): %s", e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("auth server returned %d", e.Status)
}

// UnlockAt returns the unlock time carried by an ACCOUNT_LOCKED response.
func (e *APIError) UnlockAt() (time.Time, bool) {
	raw, ok := e.Context["unlock_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	return t, err == nil
}

// KeepAliver performs keep-alive calls. Client implements it.
type KeepAliver interface {
	KeepAlive(ctx context.Context, token string) (*model.KeepAliveResponse, error)
}

// Client talks to the turnstile auth endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL. A nil hc uses
// http.DefaultClient; per-call deadlines come from the context.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, identifier, password string) (*model.LoginResponse, error) {
	body := map[string]string{"identifier": identifier, "password": password}
	var out model.LoginResponse
	if err := c.do(ctx, "/api/v1/auth/login", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate asks the server whether token is still valid.
func (c *Client) Validate(ctx context.Context, token string) (*model.ValidateResponse, error) {
	var out model.ValidateResponse
	if err := c.do(ctx, "/api/v1/auth/validate", token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KeepAlive extends the server-side view of the session. A 401 returns
// ErrUnauthenticated, a 404 ErrEndpointMissing, a transport failure
// ErrUnreachable and anything else non-2xx an *APIError.
func (c *Client) KeepAlive(ctx context.Context, token string) (*model.KeepAliveResponse, error) {
	var out model.KeepAliveResponse
	if err := c.do(ctx, "/api/v1/auth/keepalive", token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout informs the server. It never fails on the server's account, only
// when the server cannot be reached.
func (c *Client) Logout(ctx context.Context, token string) error {
	err := c.do(ctx, "/api/v1/auth/logout", token, nil, nil)
	var apiErr *APIError
	if errors.Is(err, ErrUnauthenticated) || errors.As(err, &apiErr) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, path, token string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized && path != "/api/v1/auth/login":
		return ErrUnauthenticated
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrEndpointMissing, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var env model.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&env); err == nil {
		apiErr.Reason = env.Error.Reason
		apiErr.Message = env.Error.Message
		apiErr.Context = env.Error.Context
	}
	return apiErr
}
