package service

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"bot-panel/internal/heroku"
	"bot-panel/internal/repository"
	"bot-panel/internal/repository/sqlite"
)

type fakePlatform struct {
	mu sync.Mutex

	calls    []string
	apps     map[string]bool
	vars     map[string]map[string]string
	scaled   map[string]int
	logs     string
	buildErr error
	probe    heroku.BotStatus
	probeErr error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		apps:   map[string]bool{},
		vars:   map[string]map[string]string{},
		scaled: map[string]int{},
		logs:   "line one\nline two\n",
	}
}

func (f *fakePlatform) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakePlatform) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePlatform) CreateApp(_ context.Context, name string) (json.RawMessage, error) {
	f.record("create " + name)
	f.mu.Lock()
	f.apps[name] = true
	f.mu.Unlock()
	return json.RawMessage(`{"name":"` + name + `"}`), nil
}

func (f *fakePlatform) DeleteApp(_ context.Context, app string) error {
	f.record("delete " + app)
	f.mu.Lock()
	delete(f.apps, app)
	f.mu.Unlock()
	return nil
}

func (f *fakePlatform) UpdateConfigVars(_ context.Context, app string, vars map[string]string) (json.RawMessage, error) {
	f.record("config " + app)
	f.mu.Lock()
	f.vars[app] = vars
	f.mu.Unlock()
	return json.RawMessage(`{"SESSION_ID":"` + vars["SESSION_ID"] + `"}`), nil
}

func (f *fakePlatform) CreateBuild(_ context.Context, app, sourceURL, _ string) (*heroku.Build, json.RawMessage, error) {
	f.record("build " + app + " " + sourceURL)
	if f.buildErr != nil {
		return nil, nil, f.buildErr
	}
	return &heroku.Build{ID: "build-1", Status: "pending"}, json.RawMessage(`{"id":"build-1","status":"pending"}`), nil
}

func (f *fakePlatform) GetBuild(_ context.Context, app, buildID string) (*heroku.Build, error) {
	f.record("get-build " + app)
	return &heroku.Build{ID: buildID, Status: "succeeded"}, nil
}

func (f *fakePlatform) ScaleFormation(_ context.Context, app, processType string, quantity int) (json.RawMessage, error) {
	f.record("scale " + app + " " + processType)
	f.mu.Lock()
	f.scaled[app] = quantity
	f.mu.Unlock()
	return json.RawMessage(`{"type":"worker"}`), nil
}

func (f *fakePlatform) CreateLogSession(_ context.Context, app string, opts heroku.LogSessionOptions) (*heroku.LogSession, error) {
	f.record("log-session " + app + " " + opts.Dyno)
	return &heroku.LogSession{ID: "s1", LogplexURL: "https://logs.example/" + app}, nil
}

func (f *fakePlatform) FetchLogs(_ context.Context, _ string) (string, error) {
	return f.logs, nil
}

func (f *fakePlatform) OpenLogStream(_ context.Context, _ string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func (f *fakePlatform) ProbeApp(_ context.Context, _ string) (heroku.BotStatus, error) {
	return f.probe, f.probeErr
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stores struct {
	accounts    repository.LedgerRepository
	deployments repository.DeploymentRepository
	users       repository.UserRepository
}

func newStores(t *testing.T) stores {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := stores{
		accounts:    sqlite.NewLedgerRepository(db),
		deployments: sqlite.NewDeploymentRepository(db),
		users:       sqlite.NewUserRepository(db),
	}
	require.NoError(t, sqlite.InitAll(context.Background(), s.accounts, s.deployments, s.users))
	return s
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}
