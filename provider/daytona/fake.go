package daytona

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/serverbox/serverbox"
)

// Fake is an in-memory serverbox.Client for tests, modeled on the
// teacher's MockProxmoxBackend: a locked map of sandboxes plus optional
// failure injection knobs.
type Fake struct {
	mu       sync.Mutex
	sandboxes map[string]*fakeSandbox
	nextID   int

	CreateDelay      time.Duration
	CreateError      error
	CreateCallCount  int
	StartCallCount   int
	ResumeCallCount  int // alias for StartCallCount, kept for test readability

	// PreviewURLBase, when set, overrides the synthesized preview URL so
	// tests can point GetPreviewLink at an httptest.Server.
	PreviewURLBase string
}

type fakeSandbox struct {
	id    string
	state serverbox.SandboxState
	files map[string][]byte
}

var _ serverbox.Client = (*Fake)(nil)

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{sandboxes: make(map[string]*fakeSandbox), nextID: 1}
}

func (f *Fake) CreateSandbox(ctx context.Context, spec serverbox.SandboxSpec) (serverbox.Sandbox, error) {
	f.mu.Lock()
	f.CreateCallCount++
	delay, createErr := f.CreateDelay, f.CreateError
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return serverbox.Sandbox{}, ctx.Err()
		}
	}
	if createErr != nil {
		return serverbox.Sandbox{}, createErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := spec.ID
	if id == "" {
		id = fmt.Sprintf("fake-sandbox-%d", f.nextID)
		f.nextID++
	}
	sb := &fakeSandbox{id: id, state: serverbox.SandboxStateRunning, files: map[string][]byte{}}
	f.sandboxes[id] = sb
	return serverbox.Sandbox{ID: id, State: sb.state}, nil
}

func (f *Fake) get(id string) (*fakeSandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[id]
	if !ok {
		return nil, serverbox.NewError(serverbox.KindSandboxNotFound, "sandbox not found: "+id)
	}
	return sb, nil
}

func (f *Fake) FindSandbox(ctx context.Context, id string) (serverbox.Sandbox, error) {
	sb, err := f.get(id)
	if err != nil {
		return serverbox.Sandbox{}, err
	}
	return serverbox.Sandbox{ID: sb.id, State: sb.state}, nil
}

func (f *Fake) ListSandboxes(ctx context.Context) ([]serverbox.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]serverbox.Sandbox, 0, len(f.sandboxes))
	for _, sb := range f.sandboxes {
		out = append(out, serverbox.Sandbox{ID: sb.id, State: sb.state})
	}
	return out, nil
}

func (f *Fake) RemoveSandbox(ctx context.Context, s serverbox.Sandbox) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sandboxes[s.ID]; !ok {
		return serverbox.NewError(serverbox.KindSandboxNotFound, "sandbox not found: "+s.ID)
	}
	delete(f.sandboxes, s.ID)
	return nil
}

func (f *Fake) StartSandbox(ctx context.Context, s serverbox.Sandbox) error {
	sb, err := f.get(s.ID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.StartCallCount++
	f.ResumeCallCount = f.StartCallCount
	sb.state = serverbox.SandboxStateRunning
	f.mu.Unlock()
	return nil
}

func (f *Fake) StopSandbox(ctx context.Context, s serverbox.Sandbox) error {
	sb, err := f.get(s.ID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	sb.state = serverbox.SandboxStateStopped
	f.mu.Unlock()
	return nil
}

func (f *Fake) ArchiveSandbox(ctx context.Context, s serverbox.Sandbox) error {
	sb, err := f.get(s.ID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	sb.state = serverbox.SandboxStateArchived
	f.mu.Unlock()
	return nil
}

func (f *Fake) GetPreviewLink(ctx context.Context, s serverbox.Sandbox, port int) (serverbox.PreviewLink, error) {
	if _, err := f.get(s.ID); err != nil {
		return serverbox.PreviewLink{}, err
	}
	f.mu.Lock()
	base := f.PreviewURLBase
	f.mu.Unlock()
	if base == "" {
		base = "https://fake.preview/" + s.ID
	}
	return serverbox.PreviewLink{URL: base, Token: "fake-token-" + s.ID}, nil
}

func (f *Fake) Exec(ctx context.Context, s serverbox.Sandbox, cmd string, opts serverbox.ExecOptions) (serverbox.ExecResult, error) {
	if _, err := f.get(s.ID); err != nil {
		return serverbox.ExecResult{}, err
	}
	return serverbox.ExecResult{ExitCode: 0, Stdout: "ok: " + cmd}, nil
}

func (f *Fake) Upload(ctx context.Context, s serverbox.Sandbox, path string, r io.Reader) error {
	sb, err := f.get(s.ID)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	sb.files[path] = data
	f.mu.Unlock()
	return nil
}

func (f *Fake) Download(ctx context.Context, s serverbox.Sandbox, path string) ([]byte, error) {
	sb, err := f.get(s.ID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	data, ok := sb.files[path]
	f.mu.Unlock()
	if !ok {
		return nil, serverbox.NewError(serverbox.KindSandboxNotFound, "file not found: "+path)
	}
	return data, nil
}
