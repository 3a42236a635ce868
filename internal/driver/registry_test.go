package driver

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/homeprobe/homeprobe/internal/config"
	"github.com/homeprobe/homeprobe/internal/token"
)

func testTokens(t *testing.T) *token.Store {
	t.Helper()
	s, err := token.Open(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatalf("token.Open() error = %v", err)
	}
	return s
}

func TestNewRegistry_AllModules(t *testing.T) {
	modules := map[string]config.Module{
		"lutron":         {Targets: []string{"192.168.1.10"}},
		"smartthings":    {Targets: []string{"home"}},
		"tesla":          {Targets: []string{"5YJ3E1EA7JF000000"}, Accounts: []string{"owner@example.com"}},
		"flo":            {Targets: []string{"home"}, Accounts: []string{"owner@example.com"}},
		"tankutility":    {Targets: []string{"owner@example.com"}, Accounts: []string{"owner@example.com"}},
		"ambientweather": {Targets: []string{"all"}},
		"rachio":         {Targets: []string{"home"}},
		"neurio":         {Targets: []string{"192.168.5.9"}},
		"combox":         {Targets: []string{"192.168.7.40"}},
		"netaxs":         {Targets: []string{"192.168.7.41"}},
	}
	r, err := NewRegistry(modules, testTokens(t))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if r.Modules() != len(modules) {
		t.Errorf("Modules: got %d, want %d", r.Modules(), len(modules))
	}
}

func TestNewRegistry_UnsupportedModule(t *testing.T) {
	modules := map[string]config.Module{
		"frobnicator": {Targets: []string{"x"}},
	}
	if _, err := NewRegistry(modules, testTokens(t)); err == nil {
		t.Fatal("NewRegistry() with unsupported module: expected error")
	}
}

func TestLookup(t *testing.T) {
	modules := map[string]config.Module{
		"neurio": {Targets: []string{"192.168.5.9"}},
	}
	r, err := NewRegistry(modules, testTokens(t))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	if _, err := r.Lookup("neurio", "192.168.5.9"); err != nil {
		t.Errorf("Lookup(valid): error = %v", err)
	}

	_, err = r.Lookup("foo", "192.168.5.9")
	if !errors.Is(err, ErrUnknownModule) {
		t.Errorf("Lookup(unknown module): error = %v, want ErrUnknownModule", err)
	}

	_, err = r.Lookup("neurio", "192.168.5.10")
	if !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("Lookup(unknown target): error = %v, want ErrUnknownTarget", err)
	}
}

// Aliased module names resolve to the same driver type.
func TestNew_PWRviewAlias(t *testing.T) {
	d, err := New("pwrview", config.Module{Targets: []string{"x"}}, testTokens(t))
	if err != nil {
		t.Fatalf("New(pwrview) error = %v", err)
	}
	if _, ok := d.(*neurio); !ok {
		t.Errorf("New(pwrview): got %T, want *neurio", d)
	}
}
