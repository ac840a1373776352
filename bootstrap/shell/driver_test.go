package shell

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/serverbox/serverbox"
)

// recordingClient is a minimal serverbox.Client double that records every
// Exec command and every Upload's destination/contents, so tests can
// assert on what a Driver actually sent into the sandbox.
type recordingClient struct {
	execCommands []string
	execEnv      []map[string]string
	uploads      map[string]string
}

func newRecordingClient() *recordingClient {
	return &recordingClient{uploads: map[string]string{}}
}

func (c *recordingClient) CreateSandbox(ctx context.Context, spec serverbox.SandboxSpec) (serverbox.Sandbox, error) {
	return serverbox.Sandbox{}, nil
}
func (c *recordingClient) FindSandbox(ctx context.Context, id string) (serverbox.Sandbox, error) {
	return serverbox.Sandbox{}, nil
}
func (c *recordingClient) ListSandboxes(ctx context.Context) ([]serverbox.Sandbox, error) {
	return nil, nil
}
func (c *recordingClient) RemoveSandbox(ctx context.Context, s serverbox.Sandbox) error { return nil }
func (c *recordingClient) StartSandbox(ctx context.Context, s serverbox.Sandbox) error  { return nil }
func (c *recordingClient) StopSandbox(ctx context.Context, s serverbox.Sandbox) error   { return nil }
func (c *recordingClient) ArchiveSandbox(ctx context.Context, s serverbox.Sandbox) error {
	return nil
}
func (c *recordingClient) GetPreviewLink(ctx context.Context, s serverbox.Sandbox, port int) (serverbox.PreviewLink, error) {
	return serverbox.PreviewLink{}, nil
}

func (c *recordingClient) Exec(ctx context.Context, s serverbox.Sandbox, cmd string, opts serverbox.ExecOptions) (serverbox.ExecResult, error) {
	c.execCommands = append(c.execCommands, cmd)
	c.execEnv = append(c.execEnv, opts.Env)
	return serverbox.ExecResult{ExitCode: 0}, nil
}

func (c *recordingClient) Upload(ctx context.Context, s serverbox.Sandbox, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.uploads[path] = string(data)
	return nil
}

func (c *recordingClient) Download(ctx context.Context, s serverbox.Sandbox, path string) ([]byte, error) {
	return nil, nil
}

var _ serverbox.Client = (*recordingClient)(nil)

func TestBootstrapWritesCredentialsAndProviderEnv(t *testing.T) {
	d := Default("opencode serve --port 4096")
	client := newRecordingClient()
	sandbox := serverbox.Sandbox{ID: "sb-1"}

	cfg := serverbox.BootstrapConfig{
		Username:        "serverbox",
		Password:        "s3cret",
		ProviderEnv:     map[string]string{"OPENCODE_API_KEY": "key-with-'quote"},
		InstallUpstream: true,
	}

	err := d.Bootstrap(context.Background(), client, sandbox, cfg)
	require.NoError(t, err)

	env, ok := client.uploads[envFilePath]
	require.True(t, ok, "expected a dotenv file to be uploaded")
	require.Contains(t, env, "export SERVERBOX_USERNAME='serverbox'")
	require.Contains(t, env, "export SERVERBOX_PASSWORD='s3cret'")
	require.Contains(t, env, `export OPENCODE_API_KEY='key-with-'\''quote'`)

	require.NotEmpty(t, client.execCommands)
	last := client.execCommands[len(client.execCommands)-1]
	require.Contains(t, last, ". "+envFilePath)
	require.Contains(t, last, "opencode serve --port 4096")
}

func TestBootstrapSkipsInstallStepsOnResume(t *testing.T) {
	d := Default("opencode serve --port 4096")
	client := newRecordingClient()
	sandbox := serverbox.Sandbox{ID: "sb-1"}

	cfg := serverbox.BootstrapConfig{
		Username:        "serverbox",
		Password:        "s3cret",
		InstallUpstream: false,
	}

	err := d.Bootstrap(context.Background(), client, sandbox, cfg)
	require.NoError(t, err)

	for _, cmd := range client.execCommands {
		require.NotContains(t, cmd, "detect-runtime")
		require.NotContains(t, cmd, "package.json")
	}
	require.Len(t, client.execCommands, 1, "resume should only run the start command, not the install steps")
}

func TestBootstrapFailsWithoutStartCommand(t *testing.T) {
	d := &Driver{}
	client := newRecordingClient()
	err := d.Bootstrap(context.Background(), client, serverbox.Sandbox{ID: "sb-1"}, serverbox.BootstrapConfig{})
	require.Error(t, err)
}
