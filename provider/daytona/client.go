// Package daytona implements serverbox.Client against Daytona's sandbox
// REST API. No official Daytona Go SDK is fetchable, so this talks to the
// documented HTTP API directly with net/http, the same choice the
// teacher made for its own Proxmox REST backend.
package daytona

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/serverbox/serverbox"
)

const defaultAPIURL = "https://app.daytona.io/api"

// Client implements serverbox.Client over Daytona's REST API.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Target     string
}

var _ serverbox.Client = (*Client)(nil)

// New constructs a Client. apiURL and target fall back to Daytona's
// hosted defaults when empty.
func New(apiKey, apiURL, target string) (*Client, error) {
	if apiKey == "" {
		return nil, serverbox.NewError(serverbox.KindMissingProviderKey, "DAYTONA_API_KEY is required")
	}
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		BaseURL:    strings.TrimRight(apiURL, "/"),
		APIKey:     apiKey,
		Target:     target,
	}, nil
}

type sandboxPayload struct {
	ID      string            `json:"id"`
	State   string            `json:"state"`
	Target  string            `json:"target,omitempty"`
}

type createSandboxRequest struct {
	ID        string            `json:"id,omitempty"`
	Language  string            `json:"language,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	EnvVars   map[string]string `json:"env,omitempty"`
	Target    string            `json:"target,omitempty"`
	AutoStopInterval    int     `json:"autoStopInterval,omitempty"`
	AutoArchiveInterval int     `json:"autoArchiveInterval,omitempty"`
	AutoDeleteInterval  int     `json:"autoDeleteInterval,omitempty"`
	Resources           *resourcesPayload `json:"resources,omitempty"`
}

type resourcesPayload struct {
	CPU  int `json:"cpu,omitempty"`
	Mem  int `json:"memory,omitempty"`
	Disk int `json:"disk,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return serverbox.WrapError(serverbox.KindProviderAPIError, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return serverbox.NewError(serverbox.KindSandboxNotFound, fmt.Sprintf("%s %s: not found", method, path))
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return serverbox.NewError(serverbox.KindProviderAPIError, fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return serverbox.WrapError(serverbox.KindProviderAPIError, "decode response", err)
	}
	return nil
}

// CreateSandbox implements serverbox.Client.
func (c *Client) CreateSandbox(ctx context.Context, spec serverbox.SandboxSpec) (serverbox.Sandbox, error) {
	req := createSandboxRequest{
		ID:                  spec.ID,
		Language:            spec.Language,
		Labels:              spec.Labels,
		EnvVars:             spec.EnvVars,
		Target:              c.Target,
		AutoStopInterval:    spec.Lifecycle.AutoStopMinutes,
		AutoArchiveInterval: spec.Lifecycle.AutoArchiveMinutes,
		AutoDeleteInterval:  spec.Lifecycle.AutoDeleteMinutes,
	}
	if spec.Resources != (serverbox.Resources{}) {
		req.Resources = &resourcesPayload{CPU: spec.Resources.CPU, Mem: spec.Resources.MemMB, Disk: spec.Resources.DiskGB}
	}

	var resp sandboxPayload
	if err := c.do(ctx, http.MethodPost, "/sandbox", req, &resp); err != nil {
		return serverbox.Sandbox{}, err
	}
	return toSandbox(resp), nil
}

// FindSandbox implements serverbox.Client.
func (c *Client) FindSandbox(ctx context.Context, id string) (serverbox.Sandbox, error) {
	var resp sandboxPayload
	if err := c.do(ctx, http.MethodGet, "/sandbox/"+url.PathEscape(id), nil, &resp); err != nil {
		return serverbox.Sandbox{}, err
	}
	return toSandbox(resp), nil
}

// ListSandboxes implements serverbox.Client.
func (c *Client) ListSandboxes(ctx context.Context) ([]serverbox.Sandbox, error) {
	var resp []sandboxPayload
	if err := c.do(ctx, http.MethodGet, "/sandbox", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]serverbox.Sandbox, 0, len(resp))
	for _, s := range resp {
		out = append(out, toSandbox(s))
	}
	return out, nil
}

// RemoveSandbox implements serverbox.Client.
func (c *Client) RemoveSandbox(ctx context.Context, s serverbox.Sandbox) error {
	return c.do(ctx, http.MethodDelete, "/sandbox/"+url.PathEscape(s.ID), nil, nil)
}

// StartSandbox implements serverbox.Client.
func (c *Client) StartSandbox(ctx context.Context, s serverbox.Sandbox) error {
	return c.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(s.ID)+"/start", nil, nil)
}

// StopSandbox implements serverbox.Client.
func (c *Client) StopSandbox(ctx context.Context, s serverbox.Sandbox) error {
	return c.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(s.ID)+"/stop", nil, nil)
}

// ArchiveSandbox implements serverbox.Client.
func (c *Client) ArchiveSandbox(ctx context.Context, s serverbox.Sandbox) error {
	return c.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(s.ID)+"/archive", nil, nil)
}

type previewLinkPayload struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// GetPreviewLink implements serverbox.Client.
func (c *Client) GetPreviewLink(ctx context.Context, s serverbox.Sandbox, port int) (serverbox.PreviewLink, error) {
	path := "/sandbox/" + url.PathEscape(s.ID) + "/preview-link"
	if port > 0 {
		path += "?port=" + strconv.Itoa(port)
	}
	var resp previewLinkPayload
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return serverbox.PreviewLink{}, err
	}
	return serverbox.PreviewLink{URL: resp.URL, Token: resp.Token}, nil
}

type execRequest struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int               `json:"timeout,omitempty"`
}

type execResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Exec implements serverbox.Client.
func (c *Client) Exec(ctx context.Context, s serverbox.Sandbox, cmd string, opts serverbox.ExecOptions) (serverbox.ExecResult, error) {
	req := execRequest{Command: cmd, Cwd: opts.Cwd, Env: opts.Env, Timeout: opts.Timeout}
	var resp execResponse
	if err := c.do(ctx, http.MethodPost, "/toolbox/"+url.PathEscape(s.ID)+"/process/exec", req, &resp); err != nil {
		return serverbox.ExecResult{}, err
	}
	return serverbox.ExecResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
}

// Upload implements serverbox.Client.
func (c *Client) Upload(ctx context.Context, s serverbox.Sandbox, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read upload payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/toolbox/"+url.PathEscape(s.ID)+"/files/upload?path="+url.QueryEscape(path),
		bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return serverbox.WrapError(serverbox.KindProviderAPIError, "upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return serverbox.NewError(serverbox.KindProviderAPIError, fmt.Sprintf("upload failed: status %d: %s", resp.StatusCode, string(body)))
	}
	return nil
}

// Download implements serverbox.Client, always returning raw bytes.
func (c *Client) Download(ctx context.Context, s serverbox.Sandbox, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/toolbox/"+url.PathEscape(s.ID)+"/files/download?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, serverbox.WrapError(serverbox.KindProviderAPIError, "download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, serverbox.NewError(serverbox.KindSandboxNotFound, "file not found: "+path)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, serverbox.NewError(serverbox.KindProviderAPIError, fmt.Sprintf("download failed: status %d: %s", resp.StatusCode, string(body)))
	}
	return io.ReadAll(resp.Body)
}

// toSandbox normalizes a provider-reported state to the canonical set:
// running|started -> running, stopped -> stopped, archived -> archived,
// destroyed|deleted -> destroyed, provisioning|creating -> provisioning,
// otherwise error.
func toSandbox(p sandboxPayload) serverbox.Sandbox {
	return serverbox.Sandbox{ID: p.ID, State: normalizeProviderState(p.State)}
}

func normalizeProviderState(s string) serverbox.SandboxState {
	switch strings.ToLower(s) {
	case "running", "started":
		return serverbox.SandboxStateRunning
	case "stopped":
		return serverbox.SandboxStateStopped
	case "archived":
		return serverbox.SandboxStateArchived
	case "destroyed", "deleted":
		return serverbox.SandboxStateDestroyed
	case "provisioning", "creating":
		return serverbox.SandboxStateProvisioning
	default:
		return serverbox.SandboxStateError
	}
}
