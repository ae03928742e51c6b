package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/gorilla/sessions"

	"github.com/jmcleod/hubguard/principal"
	"github.com/jmcleod/hubguard/session"
	"github.com/jmcleod/hubguard/twofactor"
)

const (
	// DefaultActivityThrottle bounds how often the guard writes last-activity
	// timestamps for a single client.
	DefaultActivityThrottle = 30 * time.Second
	// DefaultLoginPath is where browser navigations land after a forced logout.
	DefaultLoginPath = "/login"

	defaultTouchTimeout = 2 * time.Second
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	principals principal.Store
	sessions   *session.Manager
	twoFactor  *twofactor.Manager

	cookies      sessions.Store
	hashKey      []byte
	blockKey     []byte
	cookieSecure bool

	trustedProxies   []netip.Prefix
	activityThrottle time.Duration
	touchTimeout     time.Duration
	loginPath        string

	logger        *slog.Logger
	alertFn       AlertFunc
	webhookURL    string
	webhookHeader string
	audit         *auditLogger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAlertFunc registers a callback for anomaly alerts such as a spike in
// failed second-factor attempts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards every audit event and alert as JSON to url.
// header, if set, is sent as "Name: Value" on each request.
func WithAuditWebhook(url, header string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookHeader = header
	}
}

// WithTrustedProxies sets the peers whose forwarding headers are honoured
// when recording a session's network origin.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithCookieKeys sets the HMAC and AES keys of the client session cookie.
// Without them a random pair is generated, which invalidates every client
// session on restart.
func WithCookieKeys(hashKey, blockKey []byte) Option {
	return func(a *API) {
		a.hashKey = hashKey
		a.blockKey = blockKey
	}
}

// WithCookieStore replaces the client session store entirely.
func WithCookieStore(store sessions.Store) Option {
	return func(a *API) {
		a.cookies = store
	}
}

// WithSecureCookies forces the Secure attribute even when the request does
// not look like HTTPS.
func WithSecureCookies(secure bool) Option {
	return func(a *API) {
		a.cookieSecure = secure
	}
}

// WithActivityThrottle sets the minimum interval between activity writes.
func WithActivityThrottle(d time.Duration) Option {
	return func(a *API) {
		if d >= 0 {
			a.activityThrottle = d
		}
	}
}

// WithLoginPath sets the redirect target for browser requests whose server
// session has been revoked.
func WithLoginPath(path string) Option {
	return func(a *API) {
		if path != "" {
			a.loginPath = path
		}
	}
}

// New creates a new API instance.
func New(principals principal.Store, sessionManager *session.Manager, twoFactor *twofactor.Manager, opts ...Option) *API {
	a := &API{
		principals:       principals,
		sessions:         sessionManager,
		twoFactor:        twoFactor,
		activityThrottle: DefaultActivityThrottle,
		touchTimeout:     defaultTouchTimeout,
		loginPath:        DefaultLoginPath,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	alertFn := a.alertFn
	if a.webhookURL != "" {
		wh := newAuditWebhook(a.webhookURL, a.webhookHeader)
		a.audit.webhook = wh
		alertFn = func(e AlertEvent) {
			wh.enqueue(webhookEventFromAlert(e))
			if a.alertFn != nil {
				a.alertFn(e)
			}
		}
	}
	a.audit.metrics = newMetricsCollector(alertFn)
	if a.cookies == nil {
		a.cookies = newCookieStore(a.hashKey, a.blockKey)
	}
	return a
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() {
	if a.audit.webhook != nil {
		a.audit.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)
		r.Use(a.SessionGuard)
		r.Use(a.CSRFMiddleware)

		r.Post("/auth/signup", a.Signup)
		r.Post("/auth/login", a.Login)
		r.Post("/auth/login/two-factor", a.LoginTwoFactor)
		r.Post("/auth/logout", a.Logout)

		r.Group(func(r chi.Router) {
			r.Use(a.RequireAuth)

			r.Get("/auth/2fa", a.TwoFactorStatus)
			r.Post("/auth/2fa/setup", a.SetupTwoFactor)
			r.Post("/auth/2fa/verify", a.VerifyTwoFactor)
			r.Post("/auth/2fa/disable", a.DisableTwoFactor)
			r.Post("/auth/2fa/backup-codes", a.RegenerateBackupCodes)

			r.Get("/sessions", a.ListSessions)
			r.Post("/sessions/revoke-all", a.RevokeAllSessions)
			r.Post("/sessions/{identifier}/revoke", a.RevokeSession)
		})
	})

	return r
}
