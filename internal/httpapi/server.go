package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/serverbox/serverbox"
)

const (
	headerAdminKey    = "x-serverbox-admin-key"
	headerProxyKey    = "x-serverbox-proxy-key"
	headerPreviewTok  = "x-daytona-preview-token"
	defaultReqTimeout = 60 * time.Second
)

// Server is the HTTP Listener & Router: it classifies incoming requests
// into health/admin/instance routes and dispatches to the Admin API or
// Instance Proxy, the way internal/daemon.ControlAPI's mux.HandleFunc
// dispatch does for the teacher's control socket.
type Server struct {
	manager     *serverbox.Manager
	coordinator *serverbox.Coordinator
	metrics     *serverbox.Metrics
	logger      *slog.Logger

	adminKey         string
	proxyKey         string // "" means proxy-route auth is disabled
	proxyKeyDisabled bool
	proxyBaseURL     string
	requestTimeout   time.Duration
	requestLogs      bool

	httpClient *http.Client
	mux        *http.ServeMux

	// bundleAuth holds provider credentials loaded from an encrypted auth
	// bundle at startup (internal/authbundle). They are prepended ahead of
	// a create request's own auth entries so a request can override a
	// bundle entry for the same provider.
	bundleAuth []serverbox.ProviderAuth
}

// Option configures optional Server fields.
type Option func(*Server)

// WithProxyKeyDisabled explicitly disables proxy-route auth regardless of
// ProxyAPIKey, matching the "configured to null" case in §4.J step 1.
func WithProxyKeyDisabled() Option {
	return func(s *Server) { s.proxyKeyDisabled = true }
}

// WithRequestTimeout overrides how long the proxy waits for an upstream's
// response headers (default 60s). It is applied as the default client's
// Transport.ResponseHeaderTimeout, so it has no effect together with
// WithHTTPClient. Idle time on the upstream connection after the headers
// arrive, while the body streams, is not bounded.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// WithRequestLogs enables a per-request debug log line.
func WithRequestLogs(enabled bool) Option {
	return func(s *Server) { s.requestLogs = enabled }
}

// WithLogger attaches a structured logger (defaults to slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithHTTPClient overrides the client used to forward upstream requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.httpClient = c }
}

// WithBundleAuth attaches provider credentials loaded from an auth bundle
// at startup; they are applied to every create request ahead of that
// request's own auth entries.
func WithBundleAuth(entries []serverbox.ProviderAuth) Option {
	return func(s *Server) { s.bundleAuth = entries }
}

// NewServer constructs a Server. proxyBaseURL is this listener's
// externally-visible base URL, used to compose each instance's proxyUrl
// in admin responses.
func NewServer(manager *serverbox.Manager, coordinator *serverbox.Coordinator, metrics *serverbox.Metrics, adminKey, proxyKey, proxyBaseURL string, opts ...Option) *Server {
	s := &Server{
		manager:        manager,
		coordinator:    coordinator,
		metrics:        metrics,
		logger:         slog.Default(),
		adminKey:       adminKey,
		proxyKey:       proxyKey,
		proxyBaseURL:   strings.TrimRight(proxyBaseURL, "/"),
		requestTimeout: defaultReqTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: s.requestTimeout},
		}
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/admin/instances", s.withRequestLog(s.requireAdminKey(s.handleAdminInstances)))
	s.mux.HandleFunc("/admin/instances/", s.withRequestLog(s.requireAdminKey(s.handleAdminInstanceByID)))
	s.mux.HandleFunc("/i/", s.withRequestLog(s.handleInstanceProxy))
	s.mux.HandleFunc("/", s.handleNotFound)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeErrorMessage(w, http.StatusNotFound, "not found")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) withRequestLog(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requestLogs {
			next(w, r)
			return
		}
		start := time.Now()
		next(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	}
}

// requireAdminKey enforces the admin API key on every /admin/... route
// using a constant-time comparison, per §4.I.
func (s *Server) requireAdminKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !constantTimeEqual(r.Header.Get(headerAdminKey), s.adminKey) {
			writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized admin request.")
			return
		}
		next(w, r)
	}
}

func constantTimeEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Shutdown does nothing and returns nil: the Server owns no resources
// beyond the HTTP listener, whose graceful shutdown is the caller's
// http.Server.Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	return nil
}
