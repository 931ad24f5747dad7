package panel

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/panel/internal/auth"
	"github.com/loykin/panel/internal/config"
	"github.com/loykin/panel/internal/supervisor"
)

type noDetector struct{}

func (noDetector) Detect(context.Context, string) (int, bool, error) { return 0, false, nil }

func openTestApp(t *testing.T, edit func(*config.Config)) (*App, *supervisor.Fake) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("HOME", t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Supervisor.SettleDelay = 0
	if edit != nil {
		edit(cfg)
	}
	fake := supervisor.NewFake()
	var logs bytes.Buffer
	app, err := Open(cfg, WithBridge(fake), WithDetector(noDetector{}), WithConsole(&logs), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app, fake
}

func TestOpenWiresRegistryAndBackups(t *testing.T) {
	app, fake := openTestApp(t, func(c *config.Config) {
		c.History.DSNs = []string{filepath.Join(c.Home, "history.db")}
	})
	ctx := context.Background()

	rec, err := app.Registry.Register(ctx, RegisterRequest{Name: "web", Command: "serve", AutoStart: true})
	require.NoError(t, err)
	assert.Equal(t, 8000, rec.Port)
	assert.Equal(t, app.Config.Home, rec.WorkingDir)

	u, ok := fake.Unit("web")
	require.True(t, ok)
	assert.True(t, u.Active)
	assert.True(t, u.Enabled)

	_, err = os.Stat(app.Config.Paths.RegistryFile)
	assert.NoError(t, err)
	_, err = os.Stat(app.Config.Paths.LastKnownGood)
	assert.NoError(t, err, "last-known-good is written after every save")

	require.NoError(t, app.Registry.Unregister(ctx, "web"))
	files, err := app.Backup.ListBackups()
	require.NoError(t, err)
	assert.NotEmpty(t, files, "removing a service backs up the previous registry")
}

func TestHandlerWithoutSecret(t *testing.T) {
	app, _ := openTestApp(t, nil)
	authSvc, err := app.Auth()
	require.NoError(t, err)
	assert.Nil(t, authSvc)

	h, err := app.Handler()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ranges", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerWithSecret(t *testing.T) {
	app, _ := openTestApp(t, func(c *config.Config) {
		c.Server.JWTSecret = "s3cret"
		c.Metrics.Enabled = true
	})
	h, err := app.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/services", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	authSvc, err := app.Auth()
	require.NoError(t, err)
	tok, err := authSvc.Issue("ops", auth.ScopeRead)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/services", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenRejectsBadHistoryDSN(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.History.DSNs = []string{"kafka://broker:9092"}
	_, err = Open(cfg, WithBridge(supervisor.NewFake()), WithConsole(&bytes.Buffer{}))
	assert.Error(t, err)
}
