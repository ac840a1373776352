package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/serverbox/serverbox"
	"github.com/serverbox/serverbox/bootstrap/shell"
	"github.com/serverbox/serverbox/provider/daytona"
)

// testStore is a minimal in-memory serverbox.MetadataStore for these
// tests, since the package's own memStore (in the root package's
// _test.go files) is unexported across package boundaries.
type testStore struct {
	mu   sync.Mutex
	recs map[string]serverbox.Record
}

func newTestStore() *testStore {
	return &testStore{recs: make(map[string]serverbox.Record)}
}

func (s *testStore) Get(ctx context.Context, id string) (serverbox.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	return rec.Clone(), ok, nil
}

func (s *testStore) Set(ctx context.Context, rec serverbox.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec.Clone()
	return nil
}

func (s *testStore) List(ctx context.Context) ([]serverbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]serverbox.Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *testStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

func (s *testStore) Close() error { return nil }

var _ serverbox.MetadataStore = (*testStore)(nil)

// testHarness wires a Manager/Coordinator/Server over a Fake provider
// client and an in-memory store, the combination every handler test in
// this package builds on. The Fake's preview link points at a local
// httptest.Server that answers /global/health, so Create/Resume's
// WaitForHealth step settles immediately instead of hitting the network.
type testHarness struct {
	manager     *serverbox.Manager
	coordinator *serverbox.Coordinator
	fake        *daytona.Fake
	upstream    *httptest.Server
	server      *Server
}

func newTestHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/global/health" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]bool{"healthy": true})
			return
		}
		w.Header().Set("X-Upstream-Echo-Path", r.URL.Path)
		w.Header().Set("X-Upstream-Echo-Admin-Key", r.Header.Get("x-serverbox-admin-key"))
		w.Header().Set("X-Upstream-Echo-Proxy-Key", r.Header.Get("x-serverbox-proxy-key"))
		w.Header().Set("X-Upstream-Echo-Preview-Token", r.Header.Get("x-daytona-preview-token"))
		w.Header().Set("X-Upstream-Echo-Authorization", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("upstream:" + r.URL.Path))
	}))
	t.Cleanup(upstream.Close)

	fake := daytona.NewFake()
	fake.PreviewURLBase = upstream.URL
	store := newTestStore()
	driver := shell.Default("true")
	manager := serverbox.NewManager(store, fake, driver,
		serverbox.WithEnv(func(string) string { return "" }),
	)
	coord := serverbox.NewCoordinator(manager, true, 5*time.Second, nil)
	srv := NewServer(manager, coord, nil, "admin-secret", "proxy-secret", "http://proxy.local", opts...)
	return &testHarness{manager: manager, coordinator: coord, fake: fake, upstream: upstream, server: srv}
}
