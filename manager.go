package serverbox

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/base64"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// CreateOptions configures Manager.Create.
type CreateOptions struct {
	ID        string
	Providers []ProviderAuth
	Labels    map[string]string
	Language  string
	Resources Resources
	Lifecycle Lifecycle
	Timeout   time.Duration // health-wait budget, default 60s
}

// ListOptions filters Manager.List.
type ListOptions struct {
	State   State
	Labels  map[string]string
	Refresh bool
}

// Manager is the Lifecycle Manager (§4.F analogue): the sole writer to a
// MetadataStore, reconciling persisted instance state against a Client's
// observed sandbox state.
type Manager struct {
	store   MetadataStore
	client  Client
	driver  Driver
	metrics *Metrics
	http    *http.Client

	passwordLen int
	now         func() time.Time
	getenv      func(string) string

	mu sync.Mutex // serializes store writes per the single-writer rule
}

// ManagerOption configures optional Manager fields.
type ManagerOption func(*Manager)

// WithMetrics attaches a Metrics sink; nil-safe if never called, since
// Metrics' own methods tolerate a nil receiver.
func WithMetrics(m *Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithHTTPClient overrides the http.Client used for health probes.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(mgr *Manager) { mgr.http = c }
}

// WithPasswordLength overrides the generated upstream-credential password
// length (default 32, matching the spec's "32-char cryptographically
// random string").
func WithPasswordLength(n int) ManagerOption {
	return func(mgr *Manager) { mgr.passwordLen = n }
}

// WithEnv overrides the lookup used for the no-input provider-auth
// fallback (defaults to os.Getenv). Tests use this to avoid depending on
// the real process environment.
func WithEnv(getenv func(string) string) ManagerOption {
	return func(mgr *Manager) { mgr.getenv = getenv }
}

// NewManager constructs a Manager over store, client, and driver.
func NewManager(store MetadataStore, client Client, driver Driver, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       store,
		client:      client,
		driver:      driver,
		http:        http.DefaultClient,
		passwordLen: 32,
		now:         time.Now,
		getenv:      os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func generatePassword(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := cryptorand.Read(raw); err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding.EncodeToString(raw)
	if len(enc) > n {
		enc = enc[:n]
	}
	return enc, nil
}

// Create provisions a new instance: normalizes auth, generates
// credentials, creates the backing sandbox with retries, bootstraps the
// upstream server, waits for it to become healthy, and persists the
// resulting running record. Any failure after sandbox creation triggers a
// best-effort sandbox removal before CREATE_FAILED is raised.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (Record, error) {
	auth, err := ResolveProviderAuth(opts.Providers, m.getenv)
	if err != nil {
		return Record{}, err
	}

	id := opts.ID
	if id == "" {
		id = newInstanceID()
	}
	password, err := generatePassword(m.passwordLen)
	if err != nil {
		return Record{}, WrapError(KindCreateFailed, "failed to generate instance credentials", err)
	}
	username := "serverbox"

	providerNames := make([]string, 0, len(auth))
	for _, a := range auth {
		if a.Provider != "" {
			providerNames = append(providerNames, a.Provider)
		}
	}

	spec := SandboxSpec{
		ID:        id,
		Language:  opts.Language,
		Labels:    opts.Labels,
		Resources: opts.Resources,
		Lifecycle: opts.Lifecycle,
		EnvVars:   EnvMap(auth),
	}

	sandbox, err := m.createSandboxWithRetry(ctx, spec)
	if err != nil {
		return Record{}, WrapError(KindCreateFailed, "failed to create sandbox", err)
	}

	rec, err := m.finishCreate(ctx, id, sandbox, username, password, EnvMap(auth), providerNames, opts.Labels, opts.Timeout)
	if err != nil {
		if remErr := m.client.RemoveSandbox(context.Background(), sandbox); remErr != nil {
			// best-effort: original failure is what the caller needs to see.
			_ = remErr
		}
		return Record{}, WrapError(KindCreateFailed, "instance failed to come up", err)
	}

	m.metrics.IncTransition("create", string(StateRunning))
	return rec, nil
}

func (m *Manager) finishCreate(ctx context.Context, id string, sandbox Sandbox, username, password string, providerEnv map[string]string, providers []string, labels map[string]string, timeout time.Duration) (Record, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	cfg := BootstrapConfig{
		Username:        username,
		Password:        password,
		ProviderEnv:     providerEnv,
		InstallUpstream: true,
	}
	if err := m.driver.Bootstrap(ctx, m.client, sandbox, cfg); err != nil {
		return Record{}, WrapError(KindBootstrapFailed, "bootstrap failed", err)
	}

	link, err := m.client.GetPreviewLink(ctx, sandbox, 0)
	if err != nil {
		return Record{}, WrapError(KindCreateFailed, "failed to obtain preview link", err)
	}

	if err := WaitForHealth(ctx, m.http, link.URL, username, password, link.Token, HealthCheckConfig{Timeout: timeout}); err != nil {
		return Record{}, err
	}

	now := m.now().UTC()
	rec := Record{
		ID:           id,
		SandboxID:    sandbox.ID,
		State:        StateRunning,
		URL:          link.URL,
		PreviewToken: link.Token,
		Username:     username,
		Password:     password,
		Providers:    providers,
		Labels:       labels,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Set(ctx, rec); err != nil {
		return Record{}, WrapError(KindStoreError, "failed to persist instance record", err)
	}
	return rec.Clone(), nil
}

// createSandboxWithRetry calls createSandbox once and retries it up to 3 times with
// exponential backoff (base 500ms, cap 5s, jitter <= 150ms), matching the
// spec's network-transient retry policy for the one provider call that
// is safe to retry blindly.
func (m *Manager) createSandboxWithRetry(ctx context.Context, spec SandboxSpec) (Sandbox, error) {
	const (
		maxAttempts = 4 // the first call plus up to 3 retries
		base        = 500 * time.Millisecond
		cap_        = 5 * time.Second
		jitterMax   = 150 * time.Millisecond
	)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := base * time.Duration(1<<uint(attempt-1))
			if backoff > cap_ {
				backoff = cap_
			}
			jitter := time.Duration(rand.Int64N(int64(jitterMax)))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return Sandbox{}, ctx.Err()
			}
		}
		sandbox, err := m.client.CreateSandbox(ctx, spec)
		if err == nil {
			return sandbox, nil
		}
		lastErr = err
	}
	return Sandbox{}, lastErr
}

// Get loads id's record and reconciles it against the provider's
// observed state before returning it.
func (m *Manager) Get(ctx context.Context, id string) (Record, error) {
	rec, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return Record{}, WrapError(KindStoreError, "failed to load instance record", err)
	}
	if !ok {
		return Record{}, NewError(KindInstanceNotFound, fmt.Sprintf("instance %q not found", id))
	}
	return m.syncMetadata(ctx, rec)
}

// syncMetadata reconciles a stored record against the provider's current
// view of the backing sandbox. A sandbox the provider no longer knows
// about marks the instance destroyed; otherwise state (and, when running,
// url/previewToken) are refreshed from the provider. The record is only
// rewritten when the projected record actually differs from storage.
func (m *Manager) syncMetadata(ctx context.Context, rec Record) (Record, error) {
	sandbox, err := m.client.FindSandbox(ctx, rec.SandboxID)
	if err != nil {
		if IsKind(err, KindSandboxNotFound) {
			if rec.State != StateDestroyed {
				rec.State = StateDestroyed
				rec.URL = ""
				rec.PreviewToken = ""
				rec.UpdatedAt = m.now().UTC()
				if werr := m.persist(ctx, rec); werr != nil {
					return Record{}, werr
				}
			}
			return rec.Clone(), nil
		}
		// provider reachability failures don't invalidate the cached record.
		return rec.Clone(), nil
	}

	projected := rec
	projected.State = State(sandbox.State)
	if projected.State == StateRunning {
		if link, err := m.client.GetPreviewLink(ctx, sandbox, 0); err == nil {
			projected.URL = link.URL
			projected.PreviewToken = link.Token
		}
	} else {
		projected.URL = ""
		projected.PreviewToken = ""
	}

	if projected.State == rec.State && projected.URL == rec.URL && projected.PreviewToken == rec.PreviewToken {
		return rec.Clone(), nil
	}
	projected.UpdatedAt = m.now().UTC()
	if err := m.persist(ctx, projected); err != nil {
		return Record{}, err
	}
	return projected.Clone(), nil
}

func (m *Manager) persist(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Set(ctx, rec); err != nil {
		return WrapError(KindStoreError, "failed to persist instance record", err)
	}
	return nil
}

// List returns instances matching opts. When Refresh is set, each record
// is reconciled against the provider in parallel; a reconciliation
// failure falls back to the stored record rather than failing the call.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, WrapError(KindStoreError, "failed to list instance records", err)
	}

	if opts.Refresh {
		var wg sync.WaitGroup
		out := make([]Record, len(recs))
		for i, rec := range recs {
			wg.Add(1)
			go func(i int, rec Record) {
				defer wg.Done()
				if synced, err := m.syncMetadata(ctx, rec); err == nil {
					out[i] = synced
				} else {
					out[i] = rec.Clone()
				}
			}(i, rec)
		}
		wg.Wait()
		recs = out
	} else {
		for i := range recs {
			recs[i] = recs[i].Clone()
		}
	}

	filtered := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if opts.State != "" && rec.State != opts.State {
			continue
		}
		if len(opts.Labels) > 0 && !rec.HasLabels(opts.Labels) {
			continue
		}
		filtered = append(filtered, rec)
	}
	return filtered, nil
}

func (m *Manager) requireRecord(ctx context.Context, id string) (Record, error) {
	rec, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return Record{}, WrapError(KindStoreError, "failed to load instance record", err)
	}
	if !ok {
		return Record{}, NewError(KindInstanceNotFound, fmt.Sprintf("instance %q not found", id))
	}
	return rec, nil
}

// requireTransition loads id's record and rejects the call outright if
// moving to "to" is not a legal edge in the state machine (record.go's
// allowedTransitions), the CAS guard record.go's AllowedTransition exists
// to provide.
func (m *Manager) requireTransition(ctx context.Context, id string, to State) (Record, error) {
	rec, err := m.requireRecord(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if !AllowedTransition(rec.State, to) {
		return Record{}, NewError(KindInstanceNotRunning, fmt.Sprintf("instance %q cannot move from %q to %q", id, rec.State, to))
	}
	return rec, nil
}

// Stop stops the backing sandbox and clears the instance's URL/preview
// token.
func (m *Manager) Stop(ctx context.Context, id string) (Record, error) {
	rec, err := m.requireTransition(ctx, id, StateStopped)
	if err != nil {
		return Record{}, err
	}
	if err := m.client.StopSandbox(ctx, Sandbox{ID: rec.SandboxID}); err != nil {
		return Record{}, WrapError(KindProviderAPIError, "failed to stop sandbox", err)
	}
	rec.State = StateStopped
	rec.URL = ""
	rec.PreviewToken = ""
	rec.UpdatedAt = m.now().UTC()
	if err := m.persist(ctx, rec); err != nil {
		return Record{}, err
	}
	m.metrics.IncTransition("stop", string(StateStopped))
	return rec.Clone(), nil
}

// Resume starts the backing sandbox, re-bootstraps without reinstalling
// the upstream binary, waits for health, and marks the instance running
// again. Valid from stopped or archived, and from running itself, since
// AllowedTransition accepts a same-state transition.
func (m *Manager) Resume(ctx context.Context, id string, timeout time.Duration) (Record, error) {
	rec, err := m.requireTransition(ctx, id, StateRunning)
	if err != nil {
		return Record{}, err
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	sandbox := Sandbox{ID: rec.SandboxID}
	if err := m.client.StartSandbox(ctx, sandbox); err != nil {
		return Record{}, WrapError(KindInstanceNotRunning, "failed to start sandbox", err)
	}
	resumeCfg := BootstrapConfig{
		Username:        rec.Username,
		Password:        rec.Password,
		InstallUpstream: false,
	}
	if err := m.driver.Bootstrap(ctx, m.client, sandbox, resumeCfg); err != nil {
		return Record{}, WrapError(KindBootstrapFailed, "bootstrap on resume failed", err)
	}
	link, err := m.client.GetPreviewLink(ctx, sandbox, 0)
	if err != nil {
		return Record{}, WrapError(KindInstanceNotRunning, "failed to obtain preview link on resume", err)
	}
	if err := WaitForHealth(ctx, m.http, link.URL, rec.Username, rec.Password, link.Token, HealthCheckConfig{Timeout: timeout}); err != nil {
		return Record{}, NewError(KindInstanceNotRunning, err.Error())
	}

	rec.State = StateRunning
	rec.URL = link.URL
	rec.PreviewToken = link.Token
	rec.UpdatedAt = m.now().UTC()
	if err := m.persist(ctx, rec); err != nil {
		return Record{}, err
	}
	m.metrics.IncTransition("resume", string(StateRunning))
	return rec.Clone(), nil
}

// Archive archives the backing sandbox.
func (m *Manager) Archive(ctx context.Context, id string) (Record, error) {
	rec, err := m.requireTransition(ctx, id, StateArchived)
	if err != nil {
		return Record{}, err
	}
	if err := m.client.ArchiveSandbox(ctx, Sandbox{ID: rec.SandboxID}); err != nil {
		return Record{}, WrapError(KindProviderAPIError, "failed to archive sandbox", err)
	}
	rec.State = StateArchived
	rec.URL = ""
	rec.PreviewToken = ""
	rec.UpdatedAt = m.now().UTC()
	if err := m.persist(ctx, rec); err != nil {
		return Record{}, err
	}
	m.metrics.IncTransition("archive", string(StateArchived))
	return rec.Clone(), nil
}

// Destroy best-effort removes the backing sandbox (a not-found sandbox is
// treated as already-destroyed) and deletes the record entirely.
// Destroying an unknown id is a no-op, and destroying an already-destroyed
// id yields the same terminal result, both without error.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	rec, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return WrapError(KindStoreError, "failed to load instance record", err)
	}
	if !ok {
		return nil
	}
	if !AllowedTransition(rec.State, StateDestroyed) {
		return NewError(KindInstanceNotRunning, fmt.Sprintf("instance %q cannot move from %q to %q", id, rec.State, StateDestroyed))
	}

	if err := m.client.RemoveSandbox(ctx, Sandbox{ID: rec.SandboxID}); err != nil && !IsKind(err, KindSandboxNotFound) {
		return WrapError(KindProviderAPIError, "failed to remove sandbox", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Delete(ctx, id); err != nil {
		return WrapError(KindStoreError, "failed to delete instance record", err)
	}
	m.metrics.IncTransition("destroy", string(StateDestroyed))
	return nil
}

// requireRunning returns id's record, failing with INSTANCE_NOT_RUNNING
// unless it is currently running with a non-empty URL.
func (m *Manager) requireRunning(ctx context.Context, id string) (Record, error) {
	rec, err := m.requireRecord(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if !rec.IsRunning() {
		return Record{}, NewError(KindInstanceNotRunning, fmt.Sprintf("instance %q is not running", id))
	}
	return rec, nil
}

// Health reports the upstream health-check outcome for a running instance.
func (m *Manager) Health(ctx context.Context, id string) error {
	rec, err := m.requireRunning(ctx, id)
	if err != nil {
		return err
	}
	return WaitForHealth(ctx, m.http, rec.URL, rec.Username, rec.Password, rec.PreviewToken, HealthCheckConfig{Timeout: 5 * time.Second, Interval: time.Second})
}

// Exec runs cmd inside a running instance's sandbox.
func (m *Manager) Exec(ctx context.Context, id, cmd string, opts ExecOptions) (ExecResult, error) {
	rec, err := m.requireRunning(ctx, id)
	if err != nil {
		return ExecResult{}, err
	}
	res, err := m.client.Exec(ctx, Sandbox{ID: rec.SandboxID}, cmd, opts)
	if err != nil {
		return ExecResult{}, WrapError(KindProviderAPIError, "exec failed", err)
	}
	return res, nil
}

// UploadFile writes data to path inside a running instance's sandbox.
func (m *Manager) UploadFile(ctx context.Context, id, path string, data []byte) error {
	rec, err := m.requireRunning(ctx, id)
	if err != nil {
		return err
	}
	if err := m.client.Upload(ctx, Sandbox{ID: rec.SandboxID}, path, strings.NewReader(string(data))); err != nil {
		return WrapError(KindProviderAPIError, "upload failed", err)
	}
	return nil
}

// DownloadFile reads path from a running instance's sandbox, always
// returning raw bytes regardless of what shape the provider returns them
// in.
func (m *Manager) DownloadFile(ctx context.Context, id, path string) ([]byte, error) {
	rec, err := m.requireRunning(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := m.client.Download(ctx, Sandbox{ID: rec.SandboxID}, path)
	if err != nil {
		return nil, WrapError(KindProviderAPIError, "download failed", err)
	}
	return data, nil
}

func newInstanceID() string {
	raw := make([]byte, 16)
	_, _ = cryptorand.Read(raw)
	raw[6] = (raw[6] & 0x0f) | 0x40
	raw[8] = (raw[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", raw[0:4], raw[4:6], raw[6:8], raw[8:10], raw[10:16])
}
