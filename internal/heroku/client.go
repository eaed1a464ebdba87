// Package heroku is a small client for the Heroku Platform API. Successful responses
// are handed back as raw JSON so callers can relay them unchanged.
package heroku

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL        = "https://api.heroku.com"
	DefaultAppURLTemplate = "https://%s.herokuapp.com"
	acceptHeader          = "application/vnd.heroku+json; version=3"
)

// operationMessages prefixes upstream error text the way the panel reports it.
var operationMessages = map[string]string{
	"create_app":   "Error creating app",
	"delete_app":   "Error deleting app",
	"config_vars":  "Error setting config vars",
	"create_build": "Error triggering build",
	"get_build":    "Error fetching build",
	"scale_up":     "Error starting worker",
	"scale_down":   "Error stopping worker",
	"log_session":  "Error creating log session",
}

var (
	// ErrMissingAPIKey is returned when no platform key is configured or supplied.
	ErrMissingAPIKey = errors.New("server missing Heroku API key")
	// ErrInvalidAppName is returned before any request is made for a name the
	// platform would reject.
	ErrInvalidAppName = errors.New("invalid app name")
)

var appNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{1,28}[a-z0-9]$`)

// ValidAppName reports whether name follows the platform's app naming rules:
// 3 to 30 lowercase letters, digits or dashes, starting with a letter.
func ValidAppName(name string) bool {
	return appNamePattern.MatchString(name)
}

// UpstreamError carries the raw error body returned by the platform.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Body)
}

// Build is the subset of a build resource the panel tracks.
type Build struct {
	ID     string `json:"id"`
	Status string `json:"status"` // pending, succeeded, failed
}

// LogSession is a short-lived logplex URL for an app's log stream.
type LogSession struct {
	ID         string `json:"id"`
	LogplexURL string `json:"logplex_url"`
}

type LogSessionOptions struct {
	Dyno  string `json:"dyno,omitempty"`
	Lines int    `json:"lines,omitempty"`
	Tail  bool   `json:"tail"`
}

// BotStatus is the outcome of probing an app's public URL.
type BotStatus struct {
	Running    bool
	StatusCode int
}

type Config struct {
	BaseURL        string
	APIKey         string
	AppURLTemplate string
	ProbeTimeout   time.Duration
	HTTPClient     *http.Client
	Logger         logrus.FieldLogger
	// Observer is told about every platform call; err is nil on success.
	Observer func(op string, err error)
}

type Client struct {
	cfg    Config
	authed *http.Client
	plain  *http.Client
	probe  *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AppURLTemplate == "" {
		cfg.AppURLTemplate = DefaultAppURLTemplate
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	cfg.Logger = cfg.Logger.WithField("component", "heroku")

	c := &Client{
		cfg:   cfg,
		plain: cfg.HTTPClient,
		probe: &http.Client{Transport: cfg.HTTPClient.Transport, Timeout: cfg.ProbeTimeout},
	}
	c.authed = c.bearerClient(cfg.APIKey)
	return c
}

// WithAPIKey returns a client that authenticates with a caller-supplied key.
func (c *Client) WithAPIKey(key string) *Client {
	key = strings.TrimSpace(key)
	if key == "" || key == c.cfg.APIKey {
		return c
	}
	clone := *c
	clone.cfg.APIKey = key
	clone.authed = c.bearerClient(key)
	return &clone
}

func (c *Client) bearerClient(key string) *http.Client {
	if key == "" {
		return nil
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.cfg.HTTPClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: key}))
}

func (c *Client) CreateApp(ctx context.Context, name string) (json.RawMessage, error) {
	return c.do(ctx, "create_app", http.MethodPost, "/apps", map[string]string{"name": name})
}

func (c *Client) DeleteApp(ctx context.Context, app string) error {
	_, err := c.do(ctx, "delete_app", http.MethodDelete, "/apps/"+url.PathEscape(app), nil)
	return err
}

func (c *Client) UpdateConfigVars(ctx context.Context, app string, vars map[string]string) (json.RawMessage, error) {
	return c.do(ctx, "config_vars", http.MethodPatch, "/apps/"+url.PathEscape(app)+"/config-vars", vars)
}

// CreateBuild builds app from a source tarball. version may be empty.
func (c *Client) CreateBuild(ctx context.Context, app, sourceURL, version string) (*Build, json.RawMessage, error) {
	blob := map[string]string{"url": sourceURL}
	if version != "" {
		blob["version"] = version
	}
	raw, err := c.do(ctx, "create_build", http.MethodPost, "/apps/"+url.PathEscape(app)+"/builds",
		map[string]any{"source_blob": blob})
	if err != nil {
		return nil, nil, err
	}
	var build Build
	if err := json.Unmarshal(raw, &build); err != nil {
		return nil, raw, fmt.Errorf("decode build: %w", err)
	}
	return &build, raw, nil
}

func (c *Client) GetBuild(ctx context.Context, app, buildID string) (*Build, error) {
	raw, err := c.do(ctx, "get_build", http.MethodGet,
		"/apps/"+url.PathEscape(app)+"/builds/"+url.PathEscape(buildID), nil)
	if err != nil {
		return nil, err
	}
	var build Build
	if err := json.Unmarshal(raw, &build); err != nil {
		return nil, fmt.Errorf("decode build: %w", err)
	}
	return &build, nil
}

// ScaleFormation sets the dyno count of one process type.
func (c *Client) ScaleFormation(ctx context.Context, app, processType string, quantity int) (json.RawMessage, error) {
	op := "scale_down"
	if quantity > 0 {
		op = "scale_up"
	}
	return c.do(ctx, op, http.MethodPatch,
		"/apps/"+url.PathEscape(app)+"/formation/"+url.PathEscape(processType),
		map[string]int{"quantity": quantity})
}

func (c *Client) CreateLogSession(ctx context.Context, app string, opts LogSessionOptions) (*LogSession, error) {
	raw, err := c.do(ctx, "log_session", http.MethodPost, "/apps/"+url.PathEscape(app)+"/log-sessions", opts)
	if err != nil {
		return nil, err
	}
	var session LogSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode log session: %w", err)
	}
	if session.LogplexURL == "" {
		return nil, errors.New("no log URL returned")
	}
	return &session, nil
}

// FetchLogs reads a non-tailing logplex session to completion.
func (c *Client) FetchLogs(ctx context.Context, logplexURL string) (string, error) {
	body, err := c.OpenLogStream(ctx, logplexURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return string(data), nil
}

// OpenLogStream opens a logplex URL; the caller closes the body. The URL is
// pre-signed so no platform credentials are sent.
func (c *Client) OpenLogStream(ctx context.Context, logplexURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logplexURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build log request: %w", err)
	}
	resp, err := c.plain.Do(req)
	c.observe("logs", err)
	if err != nil {
		return nil, fmt.Errorf("fetch logs: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		txt, _ := io.ReadAll(resp.Body)
		return nil, &UpstreamError{Op: "Error fetching logs", StatusCode: resp.StatusCode, Body: string(txt)}
	}
	return resp.Body, nil
}

// ScanLogLines calls fn for every line read from r until EOF or fn returns an error.
func ScanLogLines(r io.Reader, fn func(line string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ProbeApp issues a GET against the app's public URL. Transport errors are returned
// so callers can report them; any HTTP answer is a successful probe.
func (c *Client) ProbeApp(ctx context.Context, app string) (BotStatus, error) {
	if !ValidAppName(app) {
		return BotStatus{}, ErrInvalidAppName
	}
	target := fmt.Sprintf(c.cfg.AppURLTemplate, app)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return BotStatus{}, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.probe.Do(req)
	c.observe("probe", err)
	if err != nil {
		return BotStatus{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return BotStatus{
		Running:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
	}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) (json.RawMessage, error) {
	if c.authed == nil {
		return nil, ErrMissingAPIKey
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Content-Type", "application/json")

	c.cfg.Logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
	}).Debug("Calling platform API")

	resp, err := c.authed.Do(req)
	if err != nil {
		c.observe(op, err)
		return nil, fmt.Errorf("%s: %w", operationMessages[op], err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(op, err)
		return nil, fmt.Errorf("%s: read body: %w", operationMessages[op], err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upstreamErr := &UpstreamError{Op: operationMessages[op], StatusCode: resp.StatusCode, Body: string(data)}
		c.observe(op, upstreamErr)
		return nil, upstreamErr
	}
	c.observe(op, nil)

	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(data), nil
}

func (c *Client) observe(op string, err error) {
	if c.cfg.Observer != nil {
		c.cfg.Observer(op, err)
	}
}
