// Package shell implements serverbox.Driver by running a fixed sequence
// of named steps through a sandbox's Exec capability, the way the
// teacher's own cmd/agentlab bootstrap command runs a sequence of named
// steps over SSH.
package shell

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/serverbox/serverbox"
)

// envFilePath is the dotenv file the start command sources before
// launching the upstream server, so Basic-Auth credentials and provider
// auth land in its environment without ever appearing in a process
// command line or in Exec's logged command string.
const envFilePath = "/tmp/serverbox-upstream.env"

// Step is one command in the bootstrap sequence.
type Step struct {
	Name    string
	Command string
}

// Driver bootstraps a sandbox by running Steps through Client.Exec,
// stopping at the first non-zero exit.
type Driver struct {
	Steps        []Step
	StartCommand string
}

var _ serverbox.Driver = (*Driver)(nil)

// Default returns the standard bootstrap sequence. Its one install step,
// detect-runtime, only tests for a package.json, requirements.txt or
// go.mod manifest and always succeeds; it installs no dependencies.
// Bootstrap then writes the supplied env vars to a dotenv file and
// launches the upstream server in the background.
func Default(startCommand string) *Driver {
	return &Driver{
		Steps: []Step{
			{Name: "detect-runtime", Command: "test -f package.json || test -f requirements.txt || test -f go.mod || true"},
		},
		StartCommand: startCommand,
	}
}

// Bootstrap implements serverbox.Driver. Steps (install) only run when
// cfg.InstallUpstream is set; writing the auth record and (re)launching the
// upstream server happen every call, so a resume's installUpstream=false
// bootstrap is idempotent: it never reinstalls but always leaves the
// upstream server running with the record's credentials in force.
func (d *Driver) Bootstrap(ctx context.Context, client serverbox.Client, s serverbox.Sandbox, cfg serverbox.BootstrapConfig) error {
	if cfg.InstallUpstream {
		for _, step := range d.Steps {
			res, err := client.Exec(ctx, s, step.Command, serverbox.ExecOptions{Env: cfg.ProviderEnv})
			if err != nil {
				return fmt.Errorf("bootstrap step %q: %w", step.Name, err)
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("bootstrap step %q exited %d: %s", step.Name, res.ExitCode, res.Stderr)
			}
		}
	}

	if err := writeAuthRecord(ctx, client, s, cfg); err != nil {
		return fmt.Errorf("bootstrap write auth record: %w", err)
	}

	start := d.StartCommand
	if cfg.Command != "" {
		start = cfg.Command
	}
	if strings.TrimSpace(start) == "" {
		return fmt.Errorf("bootstrap: no start command configured")
	}

	background := fmt.Sprintf(". %s && nohup %s > /tmp/serverbox-upstream.log 2>&1 & disown", envFilePath, start)
	res, err := client.Exec(ctx, s, background, serverbox.ExecOptions{Env: cfg.ProviderEnv})
	if err != nil {
		return fmt.Errorf("bootstrap start: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bootstrap start exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// writeAuthRecord uploads a dotenv file carrying SERVERBOX_USERNAME and
// SERVERBOX_PASSWORD (the Basic-Auth credentials the upstream server must
// require, matching what the proxy sends on every forwarded request) plus
// every provider-auth entry, so the upstream process reads them from its
// own environment rather than a command-line argument.
func writeAuthRecord(ctx context.Context, client serverbox.Client, s serverbox.Sandbox, cfg serverbox.BootstrapConfig) error {
	if cfg.Username == "" && cfg.Password == "" && len(cfg.ProviderEnv) == 0 {
		return nil
	}

	var b strings.Builder
	if cfg.Username != "" {
		fmt.Fprintf(&b, "export SERVERBOX_USERNAME=%s\n", shellQuote(cfg.Username))
	}
	if cfg.Password != "" {
		fmt.Fprintf(&b, "export SERVERBOX_PASSWORD=%s\n", shellQuote(cfg.Password))
	}
	keys := make([]string, 0, len(cfg.ProviderEnv))
	for k := range cfg.ProviderEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(cfg.ProviderEnv[k]))
	}

	return client.Upload(ctx, s, envFilePath, strings.NewReader(b.String()))
}

// shellQuote wraps v in single quotes, escaping embedded single quotes the
// POSIX-shell way (close quote, escaped quote, reopen quote), so the
// written dotenv file stays safe to `source` regardless of v's contents.
func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}
