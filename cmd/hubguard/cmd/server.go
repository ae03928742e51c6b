package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/hubguard/api"
	"github.com/jmcleod/hubguard/config"
	"github.com/jmcleod/hubguard/internal/util"
	"github.com/jmcleod/hubguard/session"
	"github.com/jmcleod/hubguard/twofactor"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session and two-factor API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		st, err := openStores(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		a, sweeper, closeLocator, err := buildAPI(cfg, st, logger)
		if err != nil {
			return err
		}
		defer closeLocator()
		defer a.Close()
		sweeper.Start()
		defer sweeper.Stop()

		tlsConfig, err := serverTLSConfig(cfg)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           newRouter(a),
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("server listening", "addr", cfg.Addr, "backend", cfg.Backend)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	flags := serverCmd.Flags()
	addStorageFlags(flags)
	flags.String("addr", ":8443", "Address to listen on")
	flags.String("tls-cert", "", "Path to TLS certificate file")
	flags.String("tls-key", "", "Path to TLS key file")
	flags.String("geoip-db", "", "Path to a GeoLite2 City database")
	flags.Duration("activity-throttle", api.DefaultActivityThrottle, "Minimum interval between session activity writes")
	flags.Duration("sweep-interval", session.DefaultSweepInterval, "Interval between expired-session sweeps")
	flags.StringSlice("trusted-proxies", nil, "CIDRs whose forwarding headers are trusted")
	flags.Bool("cookie-secure", false, "Always mark cookies Secure")
	flags.String("audit-webhook-url", "", "URL that receives audit events and alerts as JSON")
	flags.String("audit-webhook-header", "", `Extra header for the audit webhook, e.g. "Authorization: Bearer xxx"`)
}

// buildAPI wires the managers and the HTTP API over the opened stores. The
// returned close func releases the GeoIP database, if one was opened.
func buildAPI(cfg *config.Config, st *stores, logger *slog.Logger) (*api.API, *session.Sweeper, func(), error) {
	closeLocator := func() {}
	locator := session.NoLocator
	if cfg.GeoIPDB != "" {
		geo, err := session.OpenGeoIP(cfg.GeoIPDB)
		if err != nil {
			logger.Warn("geoip database unavailable, locations will be Unknown", "path", cfg.GeoIPDB, "error", err)
		} else {
			locator = geo
			closeLocator = func() { _ = geo.Close() }
		}
	}

	trusted, err := session.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, nil, nil, err
	}
	hashKey, blockKey, err := cfg.CookieKeys()
	if err != nil {
		return nil, nil, nil, err
	}
	if hashKey == nil || blockKey == nil {
		logger.Warn("cookie keys not configured; generated keys will invalidate client sessions on restart")
	}

	sessions := session.NewManager(st.sessions,
		session.WithLocator(locator),
		session.WithLogger(logger))
	tf := twofactor.NewManager(st.primary,
		twofactor.WithIssuer(cfg.TOTPIssuer),
		twofactor.WithBackupCodeCount(cfg.BackupCodeCount),
		twofactor.WithLogger(logger))

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithTrustedProxies(trusted),
		api.WithCookieKeys(hashKey, blockKey),
		api.WithSecureCookies(cfg.CookieSecure),
		api.WithActivityThrottle(cfg.ActivityThrottle),
		api.WithLoginPath(cfg.LoginPath),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("security alert", "type", e.Type, "count", e.Count, "threshold", e.Threshold, "message", e.Message)
		}),
	}
	if cfg.AuditWebhookURL != "" {
		opts = append(opts, api.WithAuditWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookHeader))
	}
	a := api.New(st.primary, sessions, tf, opts...)
	sweeper := session.NewSweeper(sessions, cfg.SweepInterval, logger, a.SweepAudit())
	return a, sweeper, closeLocator, nil
}

func newRouter(a *api.API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Mount("/api/v1", a.Router())
	return r
}

func serverTLSConfig(cfg *config.Config) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
