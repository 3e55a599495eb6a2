package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCORSMiddleware(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) { c.CORSOrigin = "https://fields.example" })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/v1/severity", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://fields.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestRequestIDMiddleware(t *testing.T) {
	s := &Server{}
	var seen string
	h := s.requestIDMiddleware(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFrom(r.Context())
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.FromString(seen)
	require.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	given := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", given)
	h(httptest.NewRecorder(), req)
	assert.Equal(t, given, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "<script>")
	h(httptest.NewRecorder(), req)
	assert.NotEqual(t, "<script>", seen, "malformed ids are replaced")
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", getClientIP(req))

	req.Header.Set("X-Real-IP", " 198.51.100.4 ")
	assert.Equal(t, "198.51.100.4", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", getClientIP(req))
}

func TestNewServer_InvalidSpecs(t *testing.T) {
	_, err := NewServer(Config{ResultsDir: t.TempDir()}, nil)
	require.Error(t, err)
}
