package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/panel/internal/auth"
	"github.com/loykin/panel/internal/backup"
	"github.com/loykin/panel/internal/registry"
	"github.com/loykin/panel/internal/store"
	"github.com/loykin/panel/internal/supervisor"
)

type testServer struct {
	fake *supervisor.Fake
	reg  *registry.Registry
	mgr  *backup.Manager
	h    http.Handler
}

type fixedDetector map[string]int

func (d fixedDetector) Detect(_ context.Context, name string) (int, bool, error) {
	port, ok := d[name]
	return port, ok, nil
}

func newTestServer(t *testing.T, opts Options, regOpts ...registry.Option) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	ts := &testServer{fake: supervisor.NewFake()}
	st := store.New(filepath.Join(dir, "config", "services.json"))
	ts.mgr = backup.New(st, backup.Config{
		BackupDir:     filepath.Join(dir, "config", "backups"),
		LastKnownGood: filepath.Join(dir, "share", "last-known-good.json"),
		EnvDir:        filepath.Join(dir, "config", "env"),
		Keep:          5,
		Units:         ts.fake,
	})
	st.AddHook(ts.mgr)
	ts.reg = registry.New(st, ts.fake, append([]registry.Option{registry.WithHome("/home/test")}, regOpts...)...)
	if opts.BasePath == "" {
		opts.BasePath = "/api"
	}
	ts.h = NewRouter(ts.reg, ts.mgr, opts).Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRegisterListGetUnregister(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(t, http.MethodPost, "/api/services", registry.RegisterRequest{Name: "web", Command: "python -m http.server"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[RecordResponse](t, rec)
	assert.Equal(t, 8000, created.Record.Port)
	assert.Equal(t, "8000", created.Record.Env["PORT"])
	assert.Empty(t, created.Warnings)

	rec = ts.do(t, http.MethodGet, "/api/services", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]registry.ServiceView](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, "web", views[0].Name)
	assert.Equal(t, "inactive", string(views[0].Status))

	rec = ts.do(t, http.MethodGet, "/api/services/web", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/home/test", decode[registry.ServiceView](t, rec).Record.WorkingDir)

	rec = ts.do(t, http.MethodDelete, "/api/services/web", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/services/web", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "service_not_found", decode[ErrorResponse](t, rec).Kind)
}

func TestRegisterErrors(t *testing.T) {
	ts := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/services", registry.RegisterRequest{Name: "a", Command: "x", Port: 8500}).Code)

	cases := []struct {
		name   string
		body   any
		status int
		kind   string
	}{
		{"bad json", "{", http.StatusBadRequest, "bad_request"},
		{"bad name", registry.RegisterRequest{Name: "a/b", Command: "x"}, http.StatusBadRequest, "bad_request"},
		{"relative dir", registry.RegisterRequest{Name: "b", Command: "x", WorkingDir: "srv"}, http.StatusBadRequest, "bad_request"},
		{"no command", registry.RegisterRequest{Name: "b"}, http.StatusBadRequest, "invalid_service"},
		{"duplicate", registry.RegisterRequest{Name: "a", Command: "x"}, http.StatusConflict, "duplicate_service"},
		{"port taken", registry.RegisterRequest{Name: "b", Command: "x", Port: 8500}, http.StatusConflict, "port_conflict"},
		{"unknown range", registry.RegisterRequest{Name: "b", Command: "x", RangeName: "nope"}, http.StatusNotFound, "unknown_range"},
	}
	for _, tc := range cases {
		rec := ts.do(t, http.MethodPost, "/api/services", tc.body)
		assert.Equal(t, tc.status, rec.Code, tc.name)
		assert.Equal(t, tc.kind, decode[ErrorResponse](t, rec).Kind, tc.name)
	}
}

func TestRegisterSupervisorFailureIsWarning(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.fake.FailOn(supervisor.OpStart, errors.New("unit failed"))

	rec := ts.do(t, http.MethodPost, "/api/services", registry.RegisterRequest{Name: "web", Command: "x", AutoStart: true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[RecordResponse](t, rec)
	require.Len(t, resp.Warnings, 1)
	assert.Equal(t, "supervisor", resp.Warnings[0].Kind)
	assert.True(t, resp.Record.AutoStart)

	// lifecycle verbs surface the same failure as an error
	rec = ts.do(t, http.MethodPost, "/api/services/web/start", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "supervisor", decode[ErrorResponse](t, rec).Kind)
}

func TestEditAndActions(t *testing.T) {
	ts := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/services", registry.RegisterRequest{Name: "web", Command: "x"}).Code)

	rec := ts.do(t, http.MethodPatch, "/api/services/web", `{"port": 9500, "set_env": {"MODE": "prod"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edited := decode[RecordResponse](t, rec)
	assert.Equal(t, 9500, edited.Record.Port)
	assert.Equal(t, "9500", edited.Record.Env["PORT"])
	assert.Equal(t, "prod", edited.Record.Env["MODE"])

	rec = ts.do(t, http.MethodPatch, "/api/services/web", `{"working_dir": "/srv/../etc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, action := range []string{"start", "restart", "stop", "enable", "disable", "auto"} {
		rec = ts.do(t, http.MethodPost, "/api/services/web/"+action, nil)
		assert.Equal(t, http.StatusOK, rec.Code, action+": "+rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/services/web/explode", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/services/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	u, ok := ts.fake.Unit("web")
	require.True(t, ok)
	assert.True(t, u.Enabled)
}

func TestEditDetectedPortHeldByOtherIsWarning(t *testing.T) {
	ts := newTestServer(t, Options{}, registry.WithDetector(fixedDetector{"web": 8001}))
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/services", registry.RegisterRequest{Name: "web", Command: "x"}).Code)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/services", registry.RegisterRequest{Name: "api", Command: "y"}).Code)

	rec := ts.do(t, http.MethodPatch, "/api/services/web", `{"detect_port": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edited := decode[RecordResponse](t, rec)
	assert.Equal(t, 8000, edited.Record.Port, "the port held by api is not taken over")
	require.Len(t, edited.Warnings, 1)
	assert.Equal(t, "port_detection_failed", edited.Warnings[0].Kind)
}

func TestLogs(t *testing.T) {
	ts := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/services", registry.RegisterRequest{Name: "web", Command: "x"}).Code)
	ts.fake.SetLogs("web", []string{"one", "two", "three"})

	rec := ts.do(t, http.MethodGet, "/api/services/web/logs?lines=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"two", "three"}, decode[LogsResponse](t, rec).Lines)

	rec = ts.do(t, http.MethodGet, "/api/services/web/logs?lines=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRanges(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(t, http.MethodPost, "/api/ranges", RangeRequest{Name: "web", Start: 3000, End: 3009})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 10, decode[registry.RangeView](t, rec).Free)

	rec = ts.do(t, http.MethodPost, "/api/ranges", RangeRequest{Name: "web", Start: 3000, End: 3009})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/ranges", RangeRequest{Name: "bad", Start: 10, End: 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/services", registry.RegisterRequest{Name: "a", Command: "x", RangeName: "web"}).Code)

	rec = ts.do(t, http.MethodPut, "/api/ranges/web", RangeRequest{Start: 3000, End: 3019})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[registry.RangeView](t, rec)
	assert.Equal(t, 1, view.Used)
	assert.Equal(t, 19, view.Free)

	rec = ts.do(t, http.MethodDelete, "/api/ranges/web", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "range_in_use", decode[ErrorResponse](t, rec).Kind)

	rec = ts.do(t, http.MethodGet, "/api/ranges", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]registry.RangeView](t, rec), 2)
}

func TestExportImport(t *testing.T) {
	ts := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/services", registry.RegisterRequest{Name: "a", Command: "x"}).Code)

	rec := ts.do(t, http.MethodGet, "/api/backup/export?format=yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "services:")

	rec = ts.do(t, http.MethodGet, "/api/backup/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snapshot := rec.Body.Bytes()

	// merge of the same snapshot collides on every service
	rec = ts.do(t, http.MethodPost, "/api/backup/import?mode=merge", snapshot)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_service", decode[ErrorResponse](t, rec).Kind)

	rec = ts.do(t, http.MethodPost, "/api/backup/import?mode=overwrite", snapshot)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ImportResponse](t, rec)
	assert.Equal(t, backup.ModeOverwrite, res.Mode)
	assert.Equal(t, []string{"a"}, res.Services)

	rec = ts.do(t, http.MethodPost, "/api/backup/import", `{"services": {"x": {"port": 70000}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_snapshot", decode[ErrorResponse](t, rec).Kind)

	rec = ts.do(t, http.MethodPost, "/api/backup/import?mode=sideways", snapshot)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMergeConflictsAreListed(t *testing.T) {
	ts := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/services", registry.RegisterRequest{Name: "a", Command: "x", Port: 8100}).Code)

	body := `{"services": {"a": {"command": "y", "port": 8200}, "b": {"command": "z", "port": 8100}}, "port_ranges": {"default": {"start": 8000, "end": 9000}}}`
	rec := ts.do(t, http.MethodPost, "/api/backup/import?mode=merge", body)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	resp := decode[ErrorResponse](t, rec)
	require.Len(t, resp.Details, 2)
	assert.Equal(t, "duplicate_service", resp.Details[0].Kind)
	assert.Equal(t, "port_conflict", resp.Details[1].Kind)
}

func TestRestoreAndRecover(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(t, http.MethodPost, "/api/backup/restore", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "snapshot_not_found", decode[ErrorResponse](t, rec).Kind)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/services", registry.RegisterRequest{Name: "a", Command: "x"}).Code)
	rec = ts.do(t, http.MethodPost, "/api/backup/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"a"}, decode[ImportResponse](t, rec).Services)

	rec = ts.do(t, http.MethodPost, "/api/backup/recover", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/backup/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode[[]backup.BackupFile](t, rec))
}

func TestAuthScopes(t *testing.T) {
	svc, err := auth.NewService("secret", time.Hour)
	require.NoError(t, err)
	ts := newTestServer(t, Options{Auth: svc})
	read, err := svc.Issue("viewer", auth.ScopeRead)
	require.NoError(t, err)
	admin, err := svc.Issue("ops", auth.ScopeAdmin)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/services", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/services", nil, "Authorization", "Bearer "+read.Value).Code)

	body := registry.RegisterRequest{Name: "a", Command: "x"}
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/api/services", body, "Authorization", "Bearer "+read.Value).Code)
	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/services", body, "Authorization", "Bearer "+admin.Value).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{Metrics: true})
	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))

	ts = newTestServer(t, Options{})
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestBasePath(t *testing.T) {
	ts := newTestServer(t, Options{BasePath: "/panel/v1/"})
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/panel/v1/ranges", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/ranges", nil).Code)
}

func TestNewServer(t *testing.T) {
	srv := NewServer("127.0.0.1:0", http.NewServeMux())
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	assert.NotZero(t, srv.ReadHeaderTimeout)
	_ = srv.Shutdown(context.Background())
}
