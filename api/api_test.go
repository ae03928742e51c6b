package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hubguard/api"
	"github.com/jmcleod/hubguard/session"
	"github.com/jmcleod/hubguard/storage/memory"
	"github.com/jmcleod/hubguard/twofactor"
)

const (
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	password  = "correct horse battery"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv      *httptest.Server
	backend  *memory.Backend
	sessions *session.Manager
	clock    *testClock
}

// flakyStore fails operations on demand to simulate an unreachable store.
type flakyStore struct {
	session.Store
	down        atomic.Bool
	touchDown   atomic.Bool
	currentDown atomic.Bool
}

func (s *flakyStore) FindByFingerprint(ctx context.Context, fp, owner string) (*session.Record, error) {
	if s.down.Load() {
		return nil, errors.New("connection refused")
	}
	return s.Store.FindByFingerprint(ctx, fp, owner)
}

func (s *flakyStore) Touch(ctx context.Context, fp, owner string, at time.Time) (bool, error) {
	if s.touchDown.Load() {
		return false, errors.New("connection reset")
	}
	return s.Store.Touch(ctx, fp, owner, at)
}

func (s *flakyStore) SetCurrent(ctx context.Context, owner, fp string) error {
	if s.currentDown.Load() {
		return errors.New("connection reset")
	}
	return s.Store.SetCurrent(ctx, owner, fp)
}

func setupServer(t *testing.T, sessionStore session.Store, opts ...api.Option) *testEnv {
	t.Helper()
	backend := memory.New()
	if sessionStore == nil {
		sessionStore = backend
	}
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sessions := session.NewManager(sessionStore, session.WithClock(clock.Now), session.WithLogger(logger))
	tf := twofactor.NewManager(backend, twofactor.WithClock(clock.Now), twofactor.WithLogger(logger))

	opts = append([]api.Option{
		api.WithLogger(logger),
		api.WithCookieKeys(bytes.Repeat([]byte{1}, 64), bytes.Repeat([]byte{2}, 32)),
	}, opts...)
	a := api.New(backend, sessions, tf, opts...)

	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	r.With(a.SessionGuard).Get("/static/*", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset"))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, backend: backend, sessions: sessions, clock: clock}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func (e *testEnv) url(path string) string {
	return e.srv.URL + "/api/v1" + path
}

// doJSON sends a JSON request, echoing the CSRF cookie as the browser
// client would.
func doJSON(t *testing.T, client *http.Client, method, target string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, target, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", desktopUA)
	req.Header.Set("Accept", "application/json")
	if u, err := url.Parse(target); err == nil && client.Jar != nil {
		for _, c := range client.Jar.Cookies(u) {
			if c.Name == "hubguard_csrf" {
				req.Header.Set("X-CSRF-Token", c.Value)
			}
		}
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func requireError(t *testing.T, resp *http.Response, status int, msg string) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	assert.Equal(t, msg, decode[api.ErrorResponse](t, resp).Error)
}

func signup(t *testing.T, env *testEnv, client *http.Client, email string) string {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, env.url("/auth/signup"), api.SignupRequest{
		Email:    email,
		Password: password,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode[api.LoginResponse](t, resp)
	require.NotEmpty(t, out.PrincipalID)
	return out.PrincipalID
}

func login(t *testing.T, env *testEnv, client *http.Client, email string) {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, env.url("/auth/login"), api.LoginRequest{
		Email:    email,
		Password: password,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func listSessions(t *testing.T, env *testEnv, client *http.Client) []api.SessionView {
	t.Helper()
	resp := doJSON(t, client, http.MethodGet, env.url("/sessions"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[api.ListSessionsResponse](t, resp).Sessions
}

func TestSignupCreatesCurrentSession(t *testing.T) {
	env := setupServer(t, nil)
	client := newClient(t)
	signup(t, env, client, "alice@example.com")

	sessions := listSessions(t, env, client)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.True(t, s.Current)
	assert.Len(t, s.ID, session.FingerprintLen)
	assert.Equal(t, "127.0.0.1", s.NetworkOrigin)
	assert.Equal(t, "Local", s.Location)
	assert.Equal(t, "desktop", s.DeviceClass)
	assert.Equal(t, "fa-laptop", s.DeviceIcon)
	assert.Equal(t, "Chrome", s.Browser)
	assert.Equal(t, "Just now", s.LastActiveHuman)
	assert.Equal(t, s.CreatedAt.Add(session.Lifetime), s.ExpiresAt)
}

func TestSignupValidation(t *testing.T) {
	env := setupServer(t, nil)
	client := newClient(t)

	resp := doJSON(t, client, http.MethodPost, env.url("/auth/signup"), api.SignupRequest{
		Email: "bob@example.com", Password: "short",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	signup(t, env, newClient(t), "bob@example.com")
	resp = doJSON(t, newClient(t), http.MethodPost, env.url("/auth/signup"), api.SignupRequest{
		Email: "BOB@example.com", Password: password,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	env := setupServer(t, nil)
	signup(t, env, newClient(t), "carol@example.com")

	resp := doJSON(t, newClient(t), http.MethodPost, env.url("/auth/login"), api.LoginRequest{
		Email: "carol@example.com", Password: "not the password",
	})
	requireError(t, resp, http.StatusUnauthorized, "invalid credentials")

	resp = doJSON(t, newClient(t), http.MethodPost, env.url("/auth/login"), api.LoginRequest{
		Email: "nobody@example.com", Password: password,
	})
	requireError(t, resp, http.StatusUnauthorized, "invalid credentials")
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	env := setupServer(t, nil)
	resp := doJSON(t, newClient(t), http.MethodGet, env.url("/sessions"), nil)
	requireError(t, resp, http.StatusUnauthorized, "authentication required")
}

func TestTwoDeviceRevocation(t *testing.T) {
	env := setupServer(t, nil)
	deviceA := newClient(t)
	deviceB := newClient(t)

	signup(t, env, deviceA, "dave@example.com")
	login(t, env, deviceB, "dave@example.com")

	sessions := listSessions(t, env, deviceA)
	require.Len(t, sessions, 2)

	var other string
	for _, s := range sessions {
		if !s.Current {
			other = s.ID
		}
	}
	require.NotEmpty(t, other)

	resp := doJSON(t, deviceA, http.MethodPost, env.url("/sessions/"+other+"/revoke"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// B's next request finds its record gone.
	resp = doJSON(t, deviceB, http.MethodGet, env.url("/sessions"), nil)
	requireError(t, resp, http.StatusUnauthorized, "session revoked")

	// The client session was cleared with it.
	resp = doJSON(t, deviceB, http.MethodGet, env.url("/sessions"), nil)
	requireError(t, resp, http.StatusUnauthorized, "authentication required")

	sessions = listSessions(t, env, deviceA)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Current)
}

func TestRevokeSessionErrors(t *testing.T) {
	env := setupServer(t, nil)
	client := newClient(t)
	signup(t, env, client, "erin@example.com")

	own := listSessions(t, env, client)[0].ID
	resp := doJSON(t, client, http.MethodPost, env.url("/sessions/"+own+"/revoke"), nil)
	requireError(t, resp, http.StatusBadRequest, "cannot revoke current session")

	missing := session.Fingerprint("no-such-token")
	resp = doJSON(t, client, http.MethodPost, env.url("/sessions/"+missing+"/revoke"), nil)
	requireError(t, resp, http.StatusNotFound, "session not found")

	// Another principal's session is invisible.
	intruder := newClient(t)
	signup(t, env, intruder, "mallory@example.com")
	resp = doJSON(t, intruder, http.MethodPost, env.url("/sessions/"+own+"/revoke"), nil)
	requireError(t, resp, http.StatusNotFound, "session not found")
	assert.Len(t, listSessions(t, env, client), 1)
}

func TestRevokeAllExceptCurrent(t *testing.T) {
	env := setupServer(t, nil)
	primary := newClient(t)
	pid := signup(t, env, primary, "frank@example.com")
	for i := 0; i < 2; i++ {
		login(t, env, newClient(t), "frank@example.com")
	}
	require.Len(t, listSessions(t, env, primary), 3)

	resp := doJSON(t, primary, http.MethodPost, env.url("/sessions/revoke-all"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decode[api.RevokeAllResponse](t, resp).Revoked)

	sessions := listSessions(t, env, primary)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Current)

	n, err := env.sessions.Count(t.Context(), pid)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLogoutRevokesServerSession(t *testing.T) {
	env := setupServer(t, nil)
	client := newClient(t)
	pid := signup(t, env, client, "grace@example.com")

	resp := doJSON(t, client, http.MethodPost, env.url("/auth/logout"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	n, err := env.sessions.Count(t.Context(), pid)
	require.NoError(t, err)
	assert.Zero(t, n)

	resp = doJSON(t, client, http.MethodGet, env.url("/sessions"), nil)
	requireError(t, resp, http.StatusUnauthorized, "authentication required")
}

func TestReloginReplacesHeldSession(t *testing.T) {
	env := setupServer(t, nil)
	client := newClient(t)
	pid := signup(t, env, client, "gwen@example.com")

	u, err := url.Parse(env.srv.URL)
	require.NoError(t, err)
	stale := client.Jar.Cookies(u)

	login(t, env, client, "gwen@example.com")
	require.Len(t, listSessions(t, env, client), 1)
	n, err := env.sessions.Count(t.Context(), pid)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	replay := newClient(t)
	replay.Jar.SetCookies(u, stale)
	resp := doJSON(t, replay, http.MethodGet, env.url("/sessions"), nil)
	requireError(t, resp, http.StatusUnauthorized, "session revoked")
}

func TestPendingTwoFactorLoginRevokesHeldSession(t *testing.T) {
	env := setupServer(t, nil)
	client := newClient(t)
	pid := signup(t, env, client, "hank@example.com")
	_, secret := enableTwoFactor(t, env, client)

	beginLogin(t, env, client, "hank@example.com")
	n, err := env.sessions.Count(t.Context(), pid)
	require.NoError(t, err)
	assert.Zero(t, n)

	code, err := twofactor.CodeAt(secret, env.clock.Now())
	require.NoError(t, err)
	resp := doJSON(t, client, http.MethodPost, env.url("/auth/login/two-factor"), api.TwoFactorLoginRequest{Token: code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, listSessions(t, env, client), 1)
}

func TestCSRFRequiredForCookieAuthenticatedWrites(t *testing.T) {
	env := setupServer(t, nil)
	client := newClient(t)
	signup(t, env, client, "heidi@example.com")

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, env.url("/sessions/revoke-all"), nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	env := setupServer(t, nil)
	resp := doJSON(t, newClient(t), http.MethodGet, env.url("/sessions"), nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestTwoFactorLifecycle(t *testing.T) {
	env := setupServer(t, nil)
	client := newClient(t)
	signup(t, env, client, "ivan@example.com")

	resp := doJSON(t, client, http.MethodGet, env.url("/auth/2fa"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[api.TwoFactorStatusResponse](t, resp).Enabled)

	resp = doJSON(t, client, http.MethodPost, env.url("/auth/2fa/setup"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	setup := decode[api.TwoFactorSetupResponse](t, resp)
	require.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.OTPAuthURL, "otpauth://totp/")
	assert.Contains(t, setup.QRCode, "data:image/png;base64,")

	resp = doJSON(t, client, http.MethodPost, env.url("/auth/2fa/verify"), api.TwoFactorVerifyRequest{})
	requireError(t, resp, http.StatusBadRequest, "token is required")

	resp = doJSON(t, client, http.MethodPost, env.url("/auth/2fa/verify"), api.TwoFactorVerifyRequest{Token: "000000"})
	requireError(t, resp, http.StatusBadRequest, "invalid verification code")

	code, err := twofactor.CodeAt(setup.Secret, env.clock.Now())
	require.NoError(t, err)
	resp = doJSON(t, client, http.MethodPost, env.url("/auth/2fa/verify"), api.TwoFactorVerifyRequest{Token: code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	codes := decode[api.BackupCodesResponse](t, resp).BackupCodes
	require.Len(t, codes, twofactor.DefaultBackupCodeCount)

	resp = doJSON(t, client, http.MethodPost, env.url("/auth/2fa/setup"), nil)
	requireError(t, resp, http.StatusBadRequest, "2fa already enabled")

	resp = doJSON(t, client, http.MethodGet, env.url("/auth/2fa"), nil)
	status := decode[api.TwoFactorStatusResponse](t, resp)
	assert.True(t, status.Enabled)
	assert.Equal(t, 10, status.BackupCodesRemaining)

	resp = doJSON(t, client, http.MethodPost, env.url("/auth/2fa/backup-codes"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	renewed := decode[api.BackupCodesResponse](t, resp).BackupCodes
	require.Len(t, renewed, 10)
	assert.NotEqual(t, codes, renewed)

	resp = doJSON(t, client, http.MethodPost, env.url("/auth/2fa/disable"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPost, env.url("/auth/2fa/backup-codes"), nil)
	requireError(t, resp, http.StatusBadRequest, "2fa not enabled")
}

// enableTwoFactor enrolls the logged-in client and returns its backup codes
// and TOTP secret.
func enableTwoFactor(t *testing.T, env *testEnv, client *http.Client) ([]string, string) {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, env.url("/auth/2fa/setup"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	secret := decode[api.TwoFactorSetupResponse](t, resp).Secret

	code, err := twofactor.CodeAt(secret, env.clock.Now())
	require.NoError(t, err)
	resp = doJSON(t, client, http.MethodPost, env.url("/auth/2fa/verify"), api.TwoFactorVerifyRequest{Token: code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[api.BackupCodesResponse](t, resp).BackupCodes, secret
}

func beginLogin(t *testing.T, env *testEnv, client *http.Client, email string) {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, env.url("/auth/login"), api.LoginRequest{
		Email: email, Password: password,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, decode[api.LoginResponse](t, resp).TwoFactorRequired)
}

func TestLoginWithTOTP(t *testing.T) {
	env := setupServer(t, nil)
	owner := newClient(t)
	signup(t, env, owner, "judy@example.com")
	_, secret := enableTwoFactor(t, env, owner)

	client := newClient(t)
	beginLogin(t, env, client, "judy@example.com")

	// Password alone grants nothing.
	resp := doJSON(t, client, http.MethodGet, env.url("/sessions"), nil)
	requireError(t, resp, http.StatusUnauthorized, "authentication required")

	resp = doJSON(t, client, http.MethodPost, env.url("/auth/login/two-factor"), api.TwoFactorLoginRequest{Token: "123456"})
	requireError(t, resp, http.StatusUnauthorized, "invalid authentication code")

	code, err := twofactor.CodeAt(secret, env.clock.Now())
	require.NoError(t, err)
	resp = doJSON(t, client, http.MethodPost, env.url("/auth/login/two-factor"), api.TwoFactorLoginRequest{Token: code})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Len(t, listSessions(t, env, client), 2)
}

func TestLoginWithBackupCodeIsSingleUse(t *testing.T) {
	env := setupServer(t, nil)
	owner := newClient(t)
	signup(t, env, owner, "ken@example.com")
	codes, _ := enableTwoFactor(t, env, owner)

	first := newClient(t)
	beginLogin(t, env, first, "ken@example.com")
	resp := doJSON(t, first, http.MethodPost, env.url("/auth/login/two-factor"), api.TwoFactorLoginRequest{
		Token: codes[0], UseBackupCode: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, first, http.MethodGet, env.url("/auth/2fa"), nil)
	assert.Equal(t, 9, decode[api.TwoFactorStatusResponse](t, resp).BackupCodesRemaining)

	second := newClient(t)
	beginLogin(t, env, second, "ken@example.com")
	resp = doJSON(t, second, http.MethodPost, env.url("/auth/login/two-factor"), api.TwoFactorLoginRequest{
		Token: codes[0], UseBackupCode: true,
	})
	requireError(t, resp, http.StatusUnauthorized, "invalid authentication code")
}

func TestTwoFactorLoginWithoutPendingLogin(t *testing.T) {
	env := setupServer(t, nil)
	resp := doJSON(t, newClient(t), http.MethodPost, env.url("/auth/login/two-factor"), api.TwoFactorLoginRequest{Token: "123456"})
	requireError(t, resp, http.StatusBadRequest, "no pending login")
}

func TestPendingTwoFactorLoginExpires(t *testing.T) {
	env := setupServer(t, nil)
	owner := newClient(t)
	signup(t, env, owner, "liz@example.com")
	_, secret := enableTwoFactor(t, env, owner)

	client := newClient(t)
	beginLogin(t, env, client, "liz@example.com")
	env.clock.Advance(6 * time.Minute)

	code, err := twofactor.CodeAt(secret, env.clock.Now())
	require.NoError(t, err)
	resp := doJSON(t, client, http.MethodPost, env.url("/auth/login/two-factor"), api.TwoFactorLoginRequest{Token: code})
	requireError(t, resp, http.StatusBadRequest, "login expired")

	// The stale pending login is gone; the password step must be repeated.
	resp = doJSON(t, client, http.MethodPost, env.url("/auth/login/two-factor"), api.TwoFactorLoginRequest{Token: code})
	requireError(t, resp, http.StatusBadRequest, "no pending login")

	beginLogin(t, env, client, "liz@example.com")
	resp = doJSON(t, client, http.MethodPost, env.url("/auth/login/two-factor"), api.TwoFactorLoginRequest{Token: code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAlertOnTwoFactorFailures(t *testing.T) {
	var mu sync.Mutex
	var alerts []api.AlertEvent
	env := setupServer(t, nil, api.WithAlertFunc(func(e api.AlertEvent) {
		mu.Lock()
		alerts = append(alerts, e)
		mu.Unlock()
	}))
	owner := newClient(t)
	signup(t, env, owner, "leo@example.com")
	enableTwoFactor(t, env, owner)

	client := newClient(t)
	beginLogin(t, env, client, "leo@example.com")
	for i := 0; i < 20; i++ {
		doJSON(t, client, http.MethodPost, env.url("/auth/login/two-factor"), api.TwoFactorLoginRequest{Token: "000000"})
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, api.AlertTwoFactorFailureSpike, alerts[0].Type)
}
