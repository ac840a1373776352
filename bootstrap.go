package serverbox

import "context"

// BootstrapConfig carries what a Driver needs to bring the upstream
// server inside a freshly created sandbox up to a listening state,
// including the Basic-Auth credentials the upstream server must be
// configured to require: the proxy sends these same credentials on every
// forwarded request (internal/httpapi/proxy.go), so a driver that never
// writes them into the sandbox leaves the upstream server unable to check
// anything the proxy sends.
type BootstrapConfig struct {
	Username        string            // Basic-Auth username the upstream server must require
	Password        string            // Basic-Auth password the upstream server must require
	ProviderEnv     map[string]string // provider auth to export into the upstream process's environment (auth.go's EnvMap)
	Command         string            // shell command that starts the upstream server
	Port            int               // port the upstream server is expected to listen on
	InstallUpstream bool              // true on create (install the upstream binary); false on resume
}

// Driver installs and starts the upstream workload inside a sandbox. A
// Driver must be idempotent: calling Bootstrap twice on an already-running
// sandbox must not leave it in a worse state.
type Driver interface {
	Bootstrap(ctx context.Context, client Client, s Sandbox, cfg BootstrapConfig) error
}
