package signup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/pkg/logger"
)

type stubCreator struct {
	err    error
	emails []string
}

func (s *stubCreator) CreateContact(_ context.Context, email string) error {
	s.emails = append(s.emails, email)
	return s.err
}

func newTestServer(creator *stubCreator) *Server {
	return NewServer(config.SignupConfig{
		ListenAddr:     ":0",
		AllowedOrigins: []string{"https://example.com"},
	}, creator, logger.New(logger.Config{Level: "error"}))
}

func subscribe(t *testing.T, srv *Server, origin, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubscribeSuccess(t *testing.T) {
	creator := &stubCreator{}
	rec := subscribe(t, newTestServer(creator), "https://example.com", `{"email":"Ada@Example.com"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)
	assert.Contains(t, rec.Body.String(), `"duplicate":false`)
	assert.Equal(t, []string{"ada@example.com"}, creator.emails)
}

func TestSubscribeHoneypotSilentlyAccepts(t *testing.T) {
	creator := &stubCreator{}
	rec := subscribe(t, newTestServer(creator), "https://example.com",
		`{"email":"bot@example.com","company":"Totally Real Inc"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)
	// The provider was never touched.
	assert.Empty(t, creator.emails)
}

func TestSubscribeRejectsInvalidEmail(t *testing.T) {
	creator := &stubCreator{}
	srv := newTestServer(creator)

	for _, body := range []string{`{"email":"not-an-email"}`, `{"email":""}`, `{}`} {
		rec := subscribe(t, srv, "https://example.com", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid_email")
	}
	assert.Empty(t, creator.emails)
}

func TestSubscribeRejectsUnknownOrigin(t *testing.T) {
	creator := &stubCreator{}
	srv := newTestServer(creator)

	rec := subscribe(t, srv, "https://evil.example.net", `{"email":"a@example.com"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "origin_not_allowed")

	rec = subscribe(t, srv, "", `{"email":"a@example.com"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, creator.emails)
}

func TestSubscribeDuplicateReportsSuccess(t *testing.T) {
	creator := &stubCreator{err: errors.New("contact already exists")}
	rec := subscribe(t, newTestServer(creator), "https://example.com", `{"email":"a@example.com"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate":true`)
}

func TestSubscribeProviderFailure(t *testing.T) {
	creator := &stubCreator{err: errors.New("internal server error")}
	rec := subscribe(t, newTestServer(creator), "https://example.com", `{"email":"a@example.com"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider_error")
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&stubCreator{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
