package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultListenPort   = 9923
	DefaultProbeTimeout = 10 * time.Second
	DefaultTokenCache   = "tokens.json"
)

// Config is the top-level exporter configuration.
type Config struct {
	// ListenPort is the port the HTTP front door listens on.
	ListenPort int `yaml:"listen_port"`

	// ProbeTimeout is the hard deadline for one driver collection.
	// A module may override it with its own timeout.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// TokenCache is the path of the persisted token cache file, shared
	// with the homeprobe-login tool.
	TokenCache string `yaml:"token_cache"`

	// Modules maps a module name to its target and credential settings.
	// Only listed modules are registered; a probe for anything else is
	// rejected before any driver runs.
	Modules map[string]Module `yaml:"modules"`

	// SSHProxy configures port-forward routes for targets that are only
	// reachable through a bastion host.
	SSHProxy SSHProxy `yaml:"sshproxy"`
}

// Module holds the per-module settings. The struct is a superset: each
// driver reads only the fields its backend needs, and validation is
// per-module-name.
type Module struct {
	// Targets lists the device addresses or account identities this
	// module may be probed for. A probe for an unlisted target is
	// rejected.
	Targets []string `yaml:"targets"`

	// Timeout overrides the global probe timeout for this module.
	Timeout time.Duration `yaml:"timeout"`

	// User and PasswordEnv are used by session-login backends
	// (lutron, combox, netaxs, flo, tankutility).
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env"`

	// AccessTokenEnv names the variable holding a long-lived personal
	// access token (smartthings, rachio).
	AccessTokenEnv string `yaml:"access_token_env"`

	// APIKeyEnv and ApplicationKeyEnv are used by key-authenticated
	// cloud APIs (ambientweather).
	APIKeyEnv         string `yaml:"api_key_env"`
	ApplicationKeyEnv string `yaml:"application_key_env"`

	// Accounts lists the cloud accounts whose cached tokens serve this
	// module (tesla, flo, tankutility). One account may own many targets.
	Accounts []string `yaml:"accounts"`

	// BaseURL overrides the backend API endpoint. Normally empty; set it
	// to point a driver at a test or proxy endpoint.
	BaseURL string `yaml:"base_url"`

	// Areas maps an area name to the devices in it (lutron, savant).
	Areas map[string][]Device `yaml:"areas"`
}

// Device is one addressable unit inside an area.
type Device struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

// Password returns the module password resolved from the environment.
// Returns empty string if PasswordEnv is unset or the variable is absent.
func (m Module) Password() string {
	if m.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(m.PasswordEnv)
}

// AccessToken returns the personal access token resolved from the environment.
func (m Module) AccessToken() string {
	if m.AccessTokenEnv == "" {
		return ""
	}
	return os.Getenv(m.AccessTokenEnv)
}

// APIKey returns the API key resolved from the environment.
func (m Module) APIKey() string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.APIKeyEnv)
}

// ApplicationKey returns the application key resolved from the environment.
func (m Module) ApplicationKey() string {
	if m.ApplicationKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.ApplicationKeyEnv)
}

// HasTarget reports whether target is listed for this module.
func (m Module) HasTarget(target string) bool {
	for _, t := range m.Targets {
		if t == target {
			return true
		}
	}
	return false
}

// SSHProxy configures the tunnel manager.
type SSHProxy struct {
	// User is the login identity on the bastion host.
	User string `yaml:"user"`

	// KeyFile is the path of the private key used to authenticate.
	KeyFile string `yaml:"key_file"`

	// DialTimeout bounds how long one forward spawn may take before the
	// probe fails. Defaults to 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Routes lists the targets that must be reached through the bastion.
	Routes []Route `yaml:"routes"`
}

// Route declares the port forward for one proxied target.
type Route struct {
	// Target is the probe target this route rewrites, as it appears in
	// the probe URL and in the module's target list.
	Target string `yaml:"target"`

	// Via is the bastion address, host:port.
	Via string `yaml:"via"`

	// RemotePort is the port on the target the forward connects to.
	RemotePort int `yaml:"remote_port"`

	// LocalAddr is the loopback listen address for the forward,
	// host:port. Each route must use a distinct local port.
	LocalAddr string `yaml:"local_addr"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		ListenPort:   DefaultListenPort,
		ProbeTimeout: DefaultProbeTimeout,
		TokenCache:   DefaultTokenCache,
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", cfg.ListenPort)
	}
	if cfg.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive")
	}
	if len(cfg.Modules) == 0 {
		return fmt.Errorf("no modules configured")
	}
	for name, m := range cfg.Modules {
		if len(m.Targets) == 0 {
			return fmt.Errorf("module %q: no targets", name)
		}
		if m.Timeout < 0 {
			return fmt.Errorf("module %q: negative timeout", name)
		}
	}

	seenLocal := map[string]string{}
	for i, r := range cfg.SSHProxy.Routes {
		if r.Target == "" {
			return fmt.Errorf("sshproxy.routes[%d]: target is required", i)
		}
		if r.Via == "" {
			return fmt.Errorf("sshproxy.routes[%d] %q: via is required", i, r.Target)
		}
		if r.RemotePort <= 0 || r.RemotePort > 65535 {
			return fmt.Errorf("sshproxy.routes[%d] %q: remote_port %d out of range", i, r.Target, r.RemotePort)
		}
		host, port, err := net.SplitHostPort(r.LocalAddr)
		if err != nil {
			return fmt.Errorf("sshproxy.routes[%d] %q: local_addr: %w", i, r.Target, err)
		}
		if host == "" {
			return fmt.Errorf("sshproxy.routes[%d] %q: local_addr must include a host", i, r.Target)
		}
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("sshproxy.routes[%d] %q: local_addr port: %w", i, r.Target, err)
		}
		if prev, dup := seenLocal[r.LocalAddr]; dup {
			return fmt.Errorf("sshproxy.routes[%d] %q: local_addr %s already used by route for %q",
				i, r.Target, r.LocalAddr, prev)
		}
		seenLocal[r.LocalAddr] = r.Target
		if cfg.SSHProxy.User == "" {
			return fmt.Errorf("sshproxy.user is required when routes are configured")
		}
		if cfg.SSHProxy.KeyFile == "" {
			return fmt.Errorf("sshproxy.key_file is required when routes are configured")
		}
	}
	if cfg.SSHProxy.DialTimeout == 0 {
		cfg.SSHProxy.DialTimeout = 10 * time.Second
	}

	return nil
}
