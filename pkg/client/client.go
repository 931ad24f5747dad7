// Package client talks to the HTTP API served by `panel serve`.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Client provides HTTP access to a running panel server.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Token is sent as a bearer token when set.
	Token  string
	Logger *slog.Logger
	TLS    *TLSClientConfig
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9000/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a new panel API client.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(config.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

func setupClientTLS(cfg *TLSClientConfig) (*tls.Config, error) {
	// #nosec G402 skip_verify is an explicit opt-in for self-signed servers
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.SkipVerify,
	}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// APIError is a failed request as reported by the server.
type APIError struct {
	Status  int
	Kind    string
	Message string
	Details []*APIError
}

func (e *APIError) Error() string { return e.Message }

// Is maps the wire kind back to the error classes of the model package.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == "service_not_found" || e.Kind == "unknown_range" || e.Kind == "snapshot_not_found"
	case ErrConflict:
		switch e.Kind {
		case "duplicate_service", "duplicate_range", "port_conflict", "range_exhausted", "range_in_use":
			return true
		}
	case ErrInvalid:
		switch e.Kind {
		case "invalid_service", "invalid_range", "invalid_snapshot", "invalid_document", "bad_request":
			return true
		}
	}
	return false
}

// Unwrap exposes joined details to errors.Is and errors.As.
func (e *APIError) Unwrap() []error {
	out := make([]error, 0, len(e.Details))
	for _, d := range e.Details {
		out = append(out, d)
	}
	return out
}

func toAPIError(status int, resp ErrorResponse) *APIError {
	e := &APIError{Status: status, Kind: resp.Kind, Message: resp.Error}
	for _, d := range resp.Details {
		e.Details = append(e.Details, toAPIError(status, d))
	}
	return e
}

// warningsErr turns post-persist warnings into a joined error.
func warningsErr(ws []ErrorResponse) error {
	var errs []error
	for _, w := range ws {
		errs = append(errs, toAPIError(http.StatusOK, w))
	}
	return errors.Join(errs...)
}

// IsReachable reports whether the server answers its health check.
func (c *Client) IsReachable(ctx context.Context) bool {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	u.Path = "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (ServiceRecord, error) {
	var resp recordResponse
	if err := c.do(ctx, http.MethodPost, "/services", req, &resp); err != nil {
		return ServiceRecord{}, err
	}
	return resp.Record, warningsErr(resp.Warnings)
}

func (c *Client) Edit(ctx context.Context, name string, req EditRequest) (ServiceRecord, error) {
	var resp recordResponse
	if err := c.do(ctx, http.MethodPatch, servicePath(name), req, &resp); err != nil {
		return ServiceRecord{}, err
	}
	return resp.Record, warningsErr(resp.Warnings)
}

func (c *Client) Unregister(ctx context.Context, name string) error {
	var resp warningsResponse
	if err := c.do(ctx, http.MethodDelete, servicePath(name), nil, &resp); err != nil {
		return err
	}
	return warningsErr(resp.Warnings)
}

func (c *Client) Get(ctx context.Context, name string) (ServiceView, error) {
	var v ServiceView
	err := c.do(ctx, http.MethodGet, servicePath(name), nil, &v)
	return v, err
}

func (c *Client) List(ctx context.Context) ([]ServiceView, error) {
	var out []ServiceView
	err := c.do(ctx, http.MethodGet, "/services", nil, &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, name string) error   { return c.action(ctx, name, "start") }
func (c *Client) Stop(ctx context.Context, name string) error    { return c.action(ctx, name, "stop") }
func (c *Client) Restart(ctx context.Context, name string) error { return c.action(ctx, name, "restart") }
func (c *Client) Enable(ctx context.Context, name string) error  { return c.action(ctx, name, "enable") }
func (c *Client) Disable(ctx context.Context, name string) error { return c.action(ctx, name, "disable") }
func (c *Client) Auto(ctx context.Context, name string) error    { return c.action(ctx, name, "auto") }

func (c *Client) action(ctx context.Context, name, verb string) error {
	return c.do(ctx, http.MethodPost, servicePath(name)+"/"+verb, nil, nil)
}

// Logs returns the last lines of the unit's journal. lines <= 0 asks for
// the server default.
func (c *Client) Logs(ctx context.Context, name string, lines int) ([]string, error) {
	p := servicePath(name) + "/logs"
	if lines > 0 {
		p += "?lines=" + strconv.Itoa(lines)
	}
	var resp logsResponse
	err := c.do(ctx, http.MethodGet, p, nil, &resp)
	return resp.Lines, err
}

func (c *Client) AddRange(ctx context.Context, name string, start, end int) (PortRange, error) {
	var v RangeView
	err := c.do(ctx, http.MethodPost, "/ranges", RangeRequest{Name: name, Start: start, End: end}, &v)
	return PortRange{Start: v.Start, End: v.End}, err
}

func (c *Client) ResizeRange(ctx context.Context, name string, start, end int) (PortRange, error) {
	var v RangeView
	err := c.do(ctx, http.MethodPut, "/ranges/"+url.PathEscape(name), RangeRequest{Start: start, End: end}, &v)
	return PortRange{Start: v.Start, End: v.End}, err
}

func (c *Client) RemoveRange(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/ranges/"+url.PathEscape(name), nil, nil)
}

func (c *Client) Ranges(ctx context.Context) ([]RangeView, error) {
	var out []RangeView
	err := c.do(ctx, http.MethodGet, "/ranges", nil, &out)
	return out, err
}

// Export returns the snapshot bytes in the requested format.
func (c *Client) Export(ctx context.Context, format Format) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "/backup/export?format="+url.QueryEscape(string(format)), nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

func (c *Client) Import(ctx context.Context, data []byte, mode Mode) (ImportResult, error) {
	resp, err := c.send(ctx, http.MethodPost, "/backup/import?mode="+url.QueryEscape(string(mode)), bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return ImportResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	var out importResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ImportResult{}, fmt.Errorf("decode response: %w", err)
	}
	return out.ImportResult, warningsErr(out.Warnings)
}

func (c *Client) Restore(ctx context.Context) (ImportResult, error) {
	var out importResponse
	if err := c.do(ctx, http.MethodPost, "/backup/restore", nil, &out); err != nil {
		return ImportResult{}, err
	}
	return out.ImportResult, warningsErr(out.Warnings)
}

func (c *Client) Recover(ctx context.Context) (RecoverResult, error) {
	var out RecoverResult
	err := c.do(ctx, http.MethodPost, "/backup/recover", nil, &out)
	return out, err
}

// Backups lists the backup files kept by the server.
func (c *Client) Backups(ctx context.Context) ([]BackupFile, error) {
	var out []BackupFile
	err := c.do(ctx, http.MethodGet, "/backup/files", nil, &out)
	return out, err
}

func servicePath(name string) string { return "/services/" + url.PathEscape(name) }

// do sends body as JSON and decodes a successful response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
		contentType = "application/json"
	}
	resp, err := c.send(ctx, method, path, rd, contentType)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send performs the request and turns non-2xx responses into *APIError.
func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
		return nil, &APIError{Status: resp.StatusCode, Kind: "internal", Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "method", method, "path", path, "status", resp.StatusCode, "kind", errResp.Kind)
	return nil, toAPIError(resp.StatusCode, errResp)
}
