package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"bot-panel/internal/domain"
	"bot-panel/internal/heroku"
	"bot-panel/internal/repository/sqlite"
	"bot-panel/internal/service"
)

type fakePlatform struct {
	mu       sync.Mutex
	scaled   map[string]int
	buildErr error
	probe    heroku.BotStatus
	probeErr error
	probes   int
	logs     string
}

func (f *fakePlatform) CreateApp(_ context.Context, name string) (json.RawMessage, error) {
	return json.RawMessage(`{"name":"` + name + `"}`), nil
}

func (f *fakePlatform) DeleteApp(context.Context, string) error { return nil }

func (f *fakePlatform) UpdateConfigVars(_ context.Context, _ string, vars map[string]string) (json.RawMessage, error) {
	return json.Marshal(vars)
}

func (f *fakePlatform) CreateBuild(context.Context, string, string, string) (*heroku.Build, json.RawMessage, error) {
	if f.buildErr != nil {
		return nil, nil, f.buildErr
	}
	return &heroku.Build{ID: "b-1", Status: "pending"}, json.RawMessage(`{"id":"b-1"}`), nil
}

func (f *fakePlatform) GetBuild(_ context.Context, _ string, id string) (*heroku.Build, error) {
	return &heroku.Build{ID: id, Status: "pending"}, nil
}

func (f *fakePlatform) ScaleFormation(_ context.Context, app, _ string, qty int) (json.RawMessage, error) {
	f.mu.Lock()
	f.scaled[app] = qty
	f.mu.Unlock()
	return json.RawMessage(fmt.Sprintf(`{"quantity":%d}`, qty)), nil
}

func (f *fakePlatform) CreateLogSession(_ context.Context, app string, _ heroku.LogSessionOptions) (*heroku.LogSession, error) {
	return &heroku.LogSession{LogplexURL: "https://logs.example/" + app}, nil
}

func (f *fakePlatform) FetchLogs(context.Context, string) (string, error) { return f.logs, nil }

func (f *fakePlatform) OpenLogStream(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func (f *fakePlatform) ProbeApp(context.Context, string) (heroku.BotStatus, error) {
	f.mu.Lock()
	f.probes++
	f.mu.Unlock()
	return f.probe, f.probeErr
}

type testServer struct {
	router   *gin.Engine
	platform *fakePlatform
	ledger   service.LedgerService
	issuer   *TokenIssuer
}

func newTestServer(t *testing.T, limiter *IPRateLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	accounts := sqlite.NewLedgerRepository(db)
	deployments := sqlite.NewDeploymentRepository(db)
	users := sqlite.NewUserRepository(db)
	require.NoError(t, sqlite.InitAll(context.Background(), accounts, deployments, users))

	platform := &fakePlatform{scaled: map[string]int{}, logs: "first\nsecond\n"}
	forKey := func(string) service.Platform { return platform }
	deploy := service.NewDeployService(platform, forKey, nil, service.DeployConfig{
		SourceArchiveURL: "https://example.com/bot.tar.gz",
		Logger:           logger,
	})
	ledger := service.NewLedgerService(accounts, deployments, deploy, service.LedgerConfig{
		RechargeSecret: "refill",
		Logger:         logger,
	})
	bots := service.NewBotService(platform, forKey, deployments, service.BotConfig{Logger: logger})
	issuer := NewTokenIssuer("test-signing-key", time.Hour)

	handler := NewHandler(Services{
		Ledger: ledger,
		Deploy: deploy,
		Bots:   bots,
		Users:  service.NewUserService(users, ledger, "invite"),
	}, Options{
		Auth:        issuer,
		Issuer:      issuer,
		RateLimiter: limiter,
		Logger:      logger,
		CORSOrigins: []string{"*"},
	})

	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, platform: platform, ledger: ledger, issuer: issuer}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// login registers a user and returns its session token and account id.
func (s *testServer) login(t *testing.T, username string) (string, string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/auth/register", "", gin.H{
		"username": username, "password": "password123", "secret": "invite",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct{ ID string }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = s.do(t, http.MethodPost, "/auth/login", "", gin.H{"username": username, "password": "password123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var session struct{ Token string }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.NotEmpty(t, session.Token)
	return session.Token, created.ID
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/claim", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "missing bearer token", decode(t, rec)["error"])

	rec = s.do(t, http.MethodPost, "/claim", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_ClaimAndCooldown(t *testing.T) {
	s := newTestServer(t, nil)
	token, _ := s.login(t, "alice")

	rec := s.do(t, http.MethodPost, "/claim", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 10, decode(t, rec)["tokens"])

	rec = s.do(t, http.MethodPost, "/claim", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	require.Contains(t, body["error"], "cooldown active")
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Greater(t, body["retryAfter"].(float64), float64(23*3600))

	rec = s.do(t, http.MethodGet, "/account", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 10, decode(t, rec)["tokens"])
}

func TestAPI_Recharge(t *testing.T) {
	s := newTestServer(t, nil)
	token, _ := s.login(t, "alice")

	rec := s.do(t, http.MethodPost, "/recharge", token, gin.H{"key": "guess"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid recharge key", decode(t, rec)["error"])

	rec = s.do(t, http.MethodPost, "/recharge", token, gin.H{"key": "refill"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 20, decode(t, rec)["tokens"])
}

func TestAPI_DeployAndControl(t *testing.T) {
	s := newTestServer(t, nil)
	token, accountID := s.login(t, "alice")
	other, _ := s.login(t, "mallory")

	rec := s.do(t, http.MethodPost, "/deploy", token, gin.H{"envVars": []gin.H{{"key": "SESSION_ID", "value": "x"}}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "insufficient token balance", decode(t, rec)["error"])

	_, err := s.ledger.Grant(context.Background(), accountID, 1)
	require.NoError(t, err)

	rec = s.do(t, http.MethodPost, "/deploy", token, gin.H{"envVars": []gin.H{{"key": "SESSION_ID", "value": "x"}}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	require.Equal(t, "Deployment started", body["message"])
	require.Equal(t, "b-1", body["build_id"])
	appName := body["appName"].(string)

	rec = s.do(t, http.MethodPost, "/start", token, gin.H{"appName": appName})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"quantity":1}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/stop", other, gin.H{"appName": appName})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/stop", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "missing parameter: appName", decode(t, rec)["error"])

	rec = s.do(t, http.MethodPost, "/update", token, gin.H{"appName": appName, "envVars": []gin.H{{"key": "PREFIX", "value": "!"}}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Update successful", decode(t, rec)["message"])

	rec = s.do(t, http.MethodGet, "/logs?appName="+appName, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "first\nsecond\n", decode(t, rec)["logs"])

	rec = s.do(t, http.MethodGet, "/deployments", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deps []domain.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deps))
	require.Len(t, deps, 1)
	require.Equal(t, appName, deps[0].AppName)
}

func TestAPI_DestroyAndWhoAmI(t *testing.T) {
	s := newTestServer(t, nil)
	token, accountID := s.login(t, "alice")

	rec := s.do(t, http.MethodGet, "/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	me := decode(t, rec)
	require.Equal(t, accountID, me["id"])
	require.Equal(t, "alice", me["username"])

	_, err := s.ledger.Grant(context.Background(), accountID, 1)
	require.NoError(t, err)
	rec = s.do(t, http.MethodPost, "/deploy", token, gin.H{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	appName := decode(t, rec)["appName"].(string)

	rec = s.do(t, http.MethodPost, "/destroy", token, gin.H{"appName": appName})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "App deleted", decode(t, rec)["message"])

	rec = s.do(t, http.MethodPost, "/start", token, gin.H{"appName": appName})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/deployments", token, nil)
	var deps []domain.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deps))
	require.Equal(t, domain.DeploymentStatusDeleted, deps[0].Status)
}

func TestAPI_DeployUpstreamFailureRefunds(t *testing.T) {
	s := newTestServer(t, nil)
	token, accountID := s.login(t, "alice")
	_, err := s.ledger.Grant(context.Background(), accountID, 1)
	require.NoError(t, err)
	s.platform.buildErr = &heroku.UpstreamError{Op: "Error triggering build", StatusCode: 500, Body: "boom"}

	rec := s.do(t, http.MethodPost, "/deploy", token, gin.H{})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Error triggering build: boom", decode(t, rec)["error"])

	acc, err := s.ledger.Get(context.Background(), accountID)
	require.NoError(t, err)
	require.Equal(t, int64(1), acc.Tokens)
}

func TestAPI_BotStatus(t *testing.T) {
	s := newTestServer(t, nil)

	s.platform.probe = heroku.BotStatus{Running: true, StatusCode: 200}
	rec := s.do(t, http.MethodGet, "/bot-status?appName=my-bot", "", nil)
	require.JSONEq(t, `{"status":"running"}`, rec.Body.String())

	s.platform.probe = heroku.BotStatus{StatusCode: 503}
	rec = s.do(t, http.MethodGet, "/bot-status?herokuAppName=my-bot", "", nil)
	require.JSONEq(t, `{"status":"stopped","code":503}`, rec.Body.String())

	s.platform.probeErr = errors.New("dial tcp: timeout")
	rec = s.do(t, http.MethodGet, "/bot-status?appName=my-bot", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"stopped","error":"dial tcp: timeout"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/bot-status", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_BotStatusRejectsHostsAndPaths(t *testing.T) {
	s := newTestServer(t, nil)
	s.platform.probe = heroku.BotStatus{Running: true, StatusCode: 200}

	for _, name := range []string{"10.0.0.5:8443/admin?x=", "127.0.0.1", "bot/../admin"} {
		rec := s.do(t, http.MethodGet, "/bot-status?appName="+url.QueryEscape(name), "", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
		require.Equal(t, "invalid app name", decode(t, rec)["error"])
	}
	require.Zero(t, s.platform.probes)

	token, _ := s.login(t, "alice")
	rec := s.do(t, http.MethodPost, "/start", token, gin.H{"appName": "evil.example.com", "herokuApiKey": "k"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, s.platform.scaled)
}

func TestAPI_Redeploy(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/redeploy", "", gin.H{"herokuAppName": "my-bot"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/redeploy", "", gin.H{
		"herokuApiKey": "k", "herokuAppName": "my-bot", "sessionId": "s", "prefix": ".",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"config":{"PREFIX":".","SESSION_ID":"s"},"build":{"id":"b-1"}}`, rec.Body.String())
}

func TestAPI_RateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestServer(t, NewIPRateLimiter(ctx, 0.5, 1))

	rec := s.do(t, http.MethodGet, "/bot-status?appName=my-bot", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/bot-status?appName=my-bot", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))

	// health checks are not limited
	rec = s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
