package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// loadFromString writes content to a temp file and runs Load on it.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "homeprobe.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func loadExpectError(t *testing.T, content, wantSubstr string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "homeprobe.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatalf("Load() succeeded, want error containing %q", wantSubstr)
	}
	if !strings.Contains(err.Error(), wantSubstr) {
		t.Errorf("Load() error = %v, want substring %q", err, wantSubstr)
	}
}

func TestLoad_Valid(t *testing.T) {
	yaml := `
listen_port: 9100
probe_timeout: 15s
token_cache: /tmp/tokens.json
modules:
  lutron:
    targets: ["192.168.1.10"]
    user: lutron
    password_env: LUTRON_PASSWORD
    areas:
      Entry:
        - {id: 23, name: "Porch"}
  tesla:
    targets: ["5YJ3E1EA7JF000000"]
    accounts: ["owner@example.com"]
sshproxy:
  user: probe
  key_file: /etc/homeprobe/id_ed25519
  routes:
    - target: "192.168.7.40"
      via: "bastion.example.com:22"
      remote_port: 80
      local_addr: "127.0.0.1:8441"
`
	cfg := loadFromString(t, yaml)

	if cfg.ListenPort != 9100 {
		t.Errorf("listen_port: got %d", cfg.ListenPort)
	}
	if cfg.ProbeTimeout != 15*time.Second {
		t.Errorf("probe_timeout: got %v", cfg.ProbeTimeout)
	}
	lutron, ok := cfg.Modules["lutron"]
	if !ok {
		t.Fatal("modules: lutron missing")
	}
	if !lutron.HasTarget("192.168.1.10") {
		t.Error("lutron.HasTarget(192.168.1.10) = false")
	}
	if lutron.HasTarget("192.168.1.11") {
		t.Error("lutron.HasTarget(192.168.1.11) = true for unlisted target")
	}
	if got := lutron.Areas["Entry"][0].ID; got != 23 {
		t.Errorf("lutron area device id: got %d, want 23", got)
	}
	if len(cfg.SSHProxy.Routes) != 1 {
		t.Fatalf("sshproxy.routes: got %d, want 1", len(cfg.SSHProxy.Routes))
	}
	if cfg.SSHProxy.Routes[0].RemotePort != 80 {
		t.Errorf("route remote_port: got %d", cfg.SSHProxy.Routes[0].RemotePort)
	}
}

func TestLoad_Defaults(t *testing.T) {
	yaml := `
modules:
  neurio:
    targets: ["192.168.5.9"]
`
	cfg := loadFromString(t, yaml)

	if cfg.ListenPort != DefaultListenPort {
		t.Errorf("default listen_port: got %d, want %d", cfg.ListenPort, DefaultListenPort)
	}
	if cfg.ProbeTimeout != DefaultProbeTimeout {
		t.Errorf("default probe_timeout: got %v, want %v", cfg.ProbeTimeout, DefaultProbeTimeout)
	}
	if cfg.TokenCache != DefaultTokenCache {
		t.Errorf("default token_cache: got %q, want %q", cfg.TokenCache, DefaultTokenCache)
	}
}

func TestLoad_NoModules(t *testing.T) {
	loadExpectError(t, `listen_port: 9100`, "no modules")
}

func TestLoad_ModuleWithoutTargets(t *testing.T) {
	yaml := `
modules:
  neurio: {}
`
	loadExpectError(t, yaml, "no targets")
}

func TestLoad_RouteDuplicateLocalAddr(t *testing.T) {
	yaml := `
modules:
  combox:
    targets: ["10.0.0.4", "10.0.0.5"]
sshproxy:
  user: probe
  key_file: /etc/homeprobe/key
  routes:
    - {target: "10.0.0.4", via: "bastion:22", remote_port: 80, local_addr: "127.0.0.1:8441"}
    - {target: "10.0.0.5", via: "bastion:22", remote_port: 80, local_addr: "127.0.0.1:8441"}
`
	loadExpectError(t, yaml, "already used")
}

func TestLoad_RouteMissingKeyFile(t *testing.T) {
	yaml := `
modules:
  combox:
    targets: ["10.0.0.4"]
sshproxy:
  user: probe
  routes:
    - {target: "10.0.0.4", via: "bastion:22", remote_port: 80, local_addr: "127.0.0.1:8441"}
`
	loadExpectError(t, yaml, "key_file")
}

func TestModule_SecretsFromEnv(t *testing.T) {
	t.Setenv("TEST_LUTRON_PASSWORD", "integration")
	m := Module{PasswordEnv: "TEST_LUTRON_PASSWORD"}
	if got := m.Password(); got != "integration" {
		t.Errorf("Password: got %q", got)
	}
	if got := (Module{}).Password(); got != "" {
		t.Errorf("Password with no env ref: got %q, want empty", got)
	}
}
