package httpapi

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/serverbox/serverbox"
)

// hopByHopHeaders are stripped in both directions per RFC 7230 §6.1,
// mirroring the teacher's SSH gateway's pipe setup which never forwards
// connection-scoped framing.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// inboundStripHeaders are additionally stripped from the client's request
// before it is forwarded upstream: the proxy's own auth header (never the
// upstream's concern) and anything the proxy itself injects below.
var inboundStripHeaders = []string{
	headerProxyKey,
	headerAdminKey,
	"Authorization",
	headerPreviewTok,
	"Host",
}

func stripHeaders(h http.Header, names []string) {
	for _, n := range names {
		h.Del(n)
	}
}

// handleInstanceProxy implements the Instance Proxy (§4.J): it gates on
// the proxy API key, resolves /i/{id}/{suffix} to a running instance (auto
// -resuming through the Coordinator if needed), and forwards the request
// to the instance's upstream URL with Basic auth and the preview-token
// header injected.
func (s *Server) handleInstanceProxy(w http.ResponseWriter, r *http.Request) {
	if !s.proxyKeyDisabled && s.proxyKey != "" {
		if !constantTimeEqual(r.Header.Get(headerProxyKey), s.proxyKey) {
			writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized proxy request.")
			return
		}
	}

	tail := strings.TrimPrefix(r.URL.Path, "/i/")
	id, suffix, _ := strings.Cut(tail, "/")
	if id == "" {
		writeErrorMessage(w, http.StatusNotFound, "instance id is required")
		return
	}

	rec, err := s.coordinator.EnsureRunning(r.Context(), id)
	if err != nil {
		s.metrics.IncProxyRequest(statusClass(serverbox.HTTPStatus(serverbox.KindOf(err))))
		writeAPIError(w, err)
		return
	}

	s.forward(w, r, rec, suffix)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// forward streams the client's request to rec's upstream URL and streams
// the upstream response back, rewriting headers in both directions. It is
// built directly on net/http rather than httputil.ReverseProxy so the
// Coordinator/auth-injection steps above stay in one place and so an SSE
// response can be relayed without buffering.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, rec serverbox.Record, suffix string) {
	upstream, err := url.Parse(rec.URL)
	if err != nil {
		writeErrorMessage(w, http.StatusBadGateway, "instance has no reachable url")
		return
	}
	upstream.Path = singleJoiningSlash(upstream.Path, suffix)
	upstream.RawQuery = r.URL.RawQuery

	// requestTimeout bounds only the wait for the upstream's response
	// headers (via the client's Transport.ResponseHeaderTimeout set in
	// NewServer); the request context itself is left uncancelled so a
	// streaming response (SSE, chunked) is relayed for as long as the
	// client stays connected.
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstream.String(), r.Body)
	if err != nil {
		writeErrorMessage(w, http.StatusBadGateway, "failed to construct upstream request")
		return
	}
	outReq.ContentLength = r.ContentLength
	outReq.Header = r.Header.Clone()
	stripHeaders(outReq.Header, hopByHopHeaders)
	stripHeaders(outReq.Header, inboundStripHeaders)
	if rec.Username != "" || rec.Password != "" {
		outReq.SetBasicAuth(rec.Username, rec.Password)
	}
	if rec.PreviewToken != "" {
		outReq.Header.Set(headerPreviewTok, rec.PreviewToken)
	}
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	outReq.Header.Set("X-Forwarded-Proto", forwardedProto(r))

	start := time.Now()
	resp, err := s.httpClient.Do(outReq)
	if err != nil {
		s.metrics.IncProxyRequest("5xx")
		writeErrorMessage(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()
	s.metrics.ObserveProxyForward(time.Since(start).Seconds())
	s.metrics.IncProxyRequest(statusClass(resp.StatusCode))

	outHeader := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			outHeader.Add(k, v)
		}
	}
	stripHeaders(outHeader, hopByHopHeaders)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// singleJoiningSlash joins a and b with exactly one slash between them,
// the way net/http/httputil.NewSingleHostReverseProxy does.
func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		if b == "" {
			return a
		}
		return a + "/" + b
	default:
		return a + b
	}
}
