package ops_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkrelay/linkrelay/internal/abuse"
	"github.com/linkrelay/linkrelay/internal/ops"
	"github.com/linkrelay/linkrelay/internal/quota"
	"github.com/linkrelay/linkrelay/internal/recovery"
)

type fixture struct {
	router   http.Handler
	verifier *ops.TokenVerifier
	manager  *recovery.Manager
	guard    *abuse.Guard
	uploads  *quota.Bucket
}

func newFixture(t *testing.T, hook recovery.ReconnectFunc) *fixture {
	t.Helper()

	if hook == nil {
		hook = func(context.Context, string) error { return nil }
	}

	manager := recovery.NewManager(recovery.Config{
		MaxRetries:       1,
		BaseDelay:        time.Millisecond,
		ReconnectTimeout: time.Second,
		Reconnect:        hook,
	})
	guard := abuse.NewGuard(abuse.Config{})
	uploads := quota.New(quota.Config{MaxTokens: 2, Window: 10 * time.Minute})

	t.Cleanup(func() {
		manager.Close()
		guard.Close()
		uploads.Close()
	})

	verifier := ops.NewTokenVerifier(ops.TokenConfig{
		SigningKey: "test-signing-key",
		Issuer:     "linkrelay",
		Audience:   "linkrelay-ops",
	})

	router := ops.NewRouter(ops.RouterConfig{
		Version:  "test",
		Logger:   zerolog.Nop(),
		Manager:  manager,
		Guard:    guard,
		Uploads:  uploads,
		Verifier: verifier,
	})

	return &fixture{
		router:   router,
		verifier: verifier,
		manager:  manager,
		guard:    guard,
		uploads:  uploads,
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	token, err := f.verifier.GenerateToken("ops-admin", time.Minute)
	require.NoError(t, err)
	return token
}

func TestRouter_Healthz(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t, nil)
	f.manager.RecordSuccess("irc")

	rec := f.do(t, http.MethodGet, "/v1/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var status recovery.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Contains(t, status.Services, "irc")
	assert.True(t, status.Services["irc"].Healthy)
}

func TestRouter_Stats(t *testing.T) {
	f := newFixture(t, nil)
	f.guard.CheckMessage("u1", "alice", "hello")
	f.uploads.Check("u1")

	rec := f.do(t, http.MethodGet, "/v1/stats", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Abuse abuse.Stats `json:"abuse"`
		Quota struct {
			TrackedBuckets int `json:"tracked_buckets"`
		} `json:"quota"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Abuse.TotalMessages)
	assert.Equal(t, 1, body.Quota.TrackedBuckets)
}

func TestRouter_BlockedEmptyList(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/abuse/blocked", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestRouter_AdminRequiresToken(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/abuse/unblock", "", map[string]string{"user_id": "u1"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRouter_AdminRejectsForeignToken(t *testing.T) {
	f := newFixture(t, nil)

	forged := ops.NewTokenVerifier(ops.TokenConfig{
		SigningKey: "some-other-key",
		Issuer:     "linkrelay",
		Audience:   "linkrelay-ops",
	})
	token, err := forged.GenerateToken("intruder", time.Minute)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/abuse/unblock", token, map[string]string{"user_id": "u1"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_UnblockUser(t *testing.T) {
	f := newFixture(t, nil)
	token := f.adminToken(t)

	// Three identical messages earn a spam block.
	f.guard.CheckMessage("spammer", "mallory", "spam")
	f.guard.CheckMessage("spammer", "mallory", "spam")
	require.NotNil(t, f.guard.CheckMessage("spammer", "mallory", "spam"))

	rec := f.do(t, http.MethodPost, "/v1/abuse/unblock", token, map[string]string{"user_id": "spammer"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.guard.BlockedUsers())

	rec = f.do(t, http.MethodPost, "/v1/abuse/unblock", token, map[string]string{"user_id": "never-seen"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/abuse/unblock", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_ForceRecovery(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(context.Context, string) error {
		<-release
		return nil
	})
	defer close(release)
	token := f.adminToken(t)

	rec := f.do(t, http.MethodPost, "/v1/recovery/force", token, map[string]string{"service": "irc"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Only one run at a time.
	rec = f.do(t, http.MethodPost, "/v1/recovery/force", token, map[string]string{"service": "irc"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/recovery/force", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_ResetBreaker(t *testing.T) {
	f := newFixture(t, nil)
	token := f.adminToken(t)

	rec := f.do(t, http.MethodPost, "/v1/recovery/reset-breaker", token, map[string]string{"service": "irc"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.manager.IsServiceAvailable("irc"))
}

func TestRouter_ResetQuota(t *testing.T) {
	f := newFixture(t, nil)
	token := f.adminToken(t)

	require.True(t, f.uploads.Check("u1").Allowed)
	require.True(t, f.uploads.Check("u1").Allowed)
	require.False(t, f.uploads.Check("u1").Allowed)

	rec := f.do(t, http.MethodPost, "/v1/quota/reset", token, map[string]string{"user_id": "u1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.uploads.Check("u1").Allowed)
}

func TestRouter_RequestIDHeader(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	generated := rec.Header().Get("X-Request-Id")
	assert.Contains(t, generated, "req_")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req_from_upstream")
	echo := httptest.NewRecorder()
	f.router.ServeHTTP(echo, req)
	assert.Equal(t, "req_from_upstream", echo.Header().Get("X-Request-Id"))
}

func TestRouter_AdminRateLimit(t *testing.T) {
	f := newFixture(t, nil)

	var last int
	for i := 0; i < 11; i++ {
		rec := f.do(t, http.MethodPost, "/v1/abuse/reset", "", nil)
		last = rec.Code
	}

	assert.Equal(t, http.StatusTooManyRequests, last)
}
