// Command serverboxd is the reverse proxy and lifecycle orchestrator
// daemon: it loads its configuration from the environment, wires the
// metadata store, provider adapter, lifecycle manager, resume
// coordinator, and HTTP data plane, then serves until signaled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/serverbox/serverbox"
	"github.com/serverbox/serverbox/bootstrap/shell"
	"github.com/serverbox/serverbox/internal/authbundle"
	"github.com/serverbox/serverbox/internal/buildinfo"
	"github.com/serverbox/serverbox/internal/config"
	"github.com/serverbox/serverbox/internal/httpapi"
	"github.com/serverbox/serverbox/provider/daytona"
	"github.com/serverbox/serverbox/store/sqlite"
)

const shutdownTimeout = 5 * time.Second

// defaultStartCommand picks the upstream server's launcher from whichever
// project manifest is present in the sandbox, matching the runtimes the
// bootstrap driver's own detect-runtime step checks for.
const defaultStartCommand = `sh -c '` +
	`if [ -f package.json ]; then npm start; ` +
	`elif [ -f requirements.txt ]; then python3 main.py; ` +
	`elif [ -f go.mod ]; then go run .; ` +
	`else echo "no recognized project manifest found" >&2; exit 1; fi'`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Println("serverboxd " + buildinfo.String())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "serverboxd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("serverboxd exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// service bundles the proxy listener and optional metrics listener this
// process owns, grounded on the teacher's daemon.Service: bound listeners
// plus an errCh-fed Serve/shutdown pair.
type service struct {
	cfg    config.Config
	logger *slog.Logger

	store      *sqlite.Store
	httpServer *http.Server
	listener   net.Listener

	metricsServer *http.Server
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.store.Close()
	return svc.serve(ctx)
}

func newService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*service, error) {
	store, err := sqlite.Open(cfg.DBPath, sqlite.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client, err := daytona.New(cfg.DaytonaAPIKey, cfg.DaytonaAPIURL, cfg.DaytonaTarget)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	driver := shell.Default(defaultStartCommand)
	metrics := serverbox.NewMetrics()
	manager := serverbox.NewManager(store, client, driver, serverbox.WithMetrics(metrics))
	coordinator := serverbox.NewCoordinator(manager, cfg.AutoResume, cfg.ResumeTimeout, metrics)

	var bundleAuth []serverbox.ProviderAuth
	if cfg.AuthBundlePath != "" {
		bundleAuth, err = authbundle.Load(cfg.AuthBundlePath, cfg.AuthBundleAgeKey)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load auth bundle: %w", err)
		}
		logger.Info("loaded auth bundle", "entries", len(bundleAuth))
	}

	proxyBaseURL := "http://" + cfg.ListenAddr()
	serverOpts := []httpapi.Option{
		httpapi.WithRequestTimeout(cfg.RequestTimeout),
		httpapi.WithRequestLogs(cfg.RequestLogsEnabled),
		httpapi.WithLogger(logger),
		httpapi.WithBundleAuth(bundleAuth),
	}
	if cfg.ProxyAPIKey == "" {
		// empty means proxy-route auth is disabled, per the config's
		// documented "default when unset: reuse admin key" / explicit-empty
		// semantics.
		serverOpts = append(serverOpts, httpapi.WithProxyKeyDisabled())
	}
	apiServer := httpapi.NewServer(manager, coordinator, metrics, cfg.AdminAPIKey, cfg.ProxyAPIKey, proxyBaseURL, serverOpts...)

	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr(), err)
	}

	httpServer := &http.Server{
		Handler:           apiServer,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	svc := &service{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		httpServer: httpServer,
		listener:   listener,
	}

	if cfg.MetricsListen != "" {
		metricsListener, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = listener.Close()
			_ = store.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		svc.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := svc.metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener stopped", "error", err)
			}
		}()
	}

	return svc, nil
}

// serve blocks until ctx is canceled or a listener errors, then drains
// both servers within shutdownTimeout, the same errCh/shutdown shape the
// teacher's Service.Serve uses for its three listeners.
func (s *service) serve(ctx context.Context) error {
	s.logger.Info("serverboxd listening", "addr", s.cfg.ListenAddr())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(s.listener) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(shutdownCtx)
	}

	if serveErr == nil {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr = err
			}
		default:
		}
	}

	return serveErr
}
