package server

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":       "",
		"/":      "",
		"api":    "/api",
		"/api/":  "/api",
		" v1 ":   "/v1",
		"/a/b//": "/a/b",
	} {
		assert.Equal(t, want, sanitizeBase(in), "sanitizeBase(%q)", in)
	}
}

func TestIsSafeName(t *testing.T) {
	for _, s := range []string{"web", "API_2", "blog-staging", strings.Repeat("x", 64)} {
		assert.True(t, isSafeName(s), s)
	}
	for _, s := range []string{"", "..", "web.1", "a/b", `a\b`, "job*", "서비스", "x@y", strings.Repeat("x", 65)} {
		assert.False(t, isSafeName(s), s)
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	sep := string(filepath.Separator)
	cases := []struct {
		path string
		ok   bool
	}{
		{"", true},
		{filepath.Join(sep, "srv", "site"), true},
		{sep + "srv" + sep + "site" + sep, true},
		{"srv/site", false},
		{sep + "srv" + sep + ".." + sep + "etc", false},
		{sep + "srv" + sep + "." + sep + "site", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, isSafeAbsPath(c.path), "isSafeAbsPath(%q)", c.path)
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 409, ErrorResponse{Error: "taken", Kind: "port_conflict"}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, 409, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"taken","kind":"port_conflict"}`, rec.Body.String())
}
