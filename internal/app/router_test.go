package app

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobmem "github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob/memory"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/httpserver"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/repo/memory"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"https://a.example", []string{"https://a.example"}},
		{"https://a.example, https://b.example", []string{"https://a.example", "https://b.example"}},
		{" , ", []string{"*"}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ParseOrigins(c.in), "input %q", c.in)
	}
}

func newTestRouter(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()
	images := memory.NewImageRepo()
	dets := memory.NewDetectionRepo()
	products := memory.NewProductRepo()
	blobs := blobmem.NewStore()
	q := memory.NewJobQueue()

	review := usecase.NewReviewService(images, dets, blobs)
	stats := usecase.NewStatsService(images, dets, q)

	srv, err := httpserver.NewServer(cfg, review, stats, products, blobs, nil, nil, nil)
	require.NoError(t, err)
	return BuildRouter(cfg, srv)
}

func TestBuildRouter_HealthEndpoints(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, config.Config{RateLimitPerMin: 60})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// No checks are wired, so readyz passes vacuously.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRouter_NotFoundIsJSON(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, config.Config{RateLimitPerMin: 60})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/no/such/route", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestBuildRouter_StatsOpenWithoutAuth(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, config.Config{RateLimitPerMin: 60})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "total_images")
}

func TestBuildRouter_LoginFlow(t *testing.T) {
	t.Parallel()
	hash, err := httpserver.HashPassword("s3cret", httpserver.Argon2Params{
		Memory: 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32,
	})
	require.NoError(t, err)
	cfg := config.Config{
		AppEnv:              "dev",
		RateLimitPerMin:     60,
		ReviewUsername:      "ops",
		ReviewPasswordHash:  hash,
		ReviewSessionSecret: "0123456789abcdef0123456789abcdef",
	}
	router := newTestRouter(t, cfg)

	// Anonymous access bounces to the login page.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/review", nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	// Wrong password keeps the visitor on the login page.
	form := url.Values{"username": {"ops"}, "password": {"wrong"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "/login?error=")

	// Correct credentials open a session.
	form = url.Values{"username": {"ops"}, "password": {"s3cret"}}
	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/review", rec.Header().Get("Location"))

	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "review_session" {
			session = c
		}
	}
	require.NotNil(t, session, "login must set the session cookie")

	// The session cookie unlocks the page.
	req = httptest.NewRequest(http.MethodGet, "/review", nil)
	req.AddCookie(session)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Manual Review")
}

func TestBuildRouter_HomeRedirectsToReview(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, config.Config{RateLimitPerMin: 60})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/review", rec.Header().Get("Location"))
}
