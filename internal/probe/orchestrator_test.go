package probe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/homeprobe/homeprobe/internal/config"
	"github.com/homeprobe/homeprobe/internal/driver"
	"github.com/homeprobe/homeprobe/internal/token"
)

type fakeDriver struct {
	collect func(ctx context.Context, req driver.Request) ([]driver.Sample, error)
}

func (d *fakeDriver) Collect(ctx context.Context, req driver.Request) ([]driver.Sample, error) {
	return d.collect(ctx, req)
}

type fakeResolver struct {
	driver driver.Driver
	err    error
}

func (r *fakeResolver) Lookup(module, target string) (driver.Driver, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.driver, nil
}

type identityAddrs struct{}

func (identityAddrs) Resolve(target string) (string, error) { return target, nil }

func testTokens(t *testing.T) *token.Store {
	t.Helper()
	s, err := token.Open(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatalf("token.Open: %v", err)
	}
	return s
}

func newTestOrchestrator(t *testing.T, d driver.Driver, tokens *token.Store) *Orchestrator {
	t.Helper()
	if tokens == nil {
		tokens = testTokens(t)
	}
	cfg := &config.Config{
		ProbeTimeout: 500 * time.Millisecond,
		Modules: map[string]config.Module{
			"fake": {Targets: []string{"10.0.0.1"}},
		},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, &fakeResolver{driver: d}, tokens, identityAddrs{}, log)
}

func TestRun_Succeeded(t *testing.T) {
	want := []driver.Sample{{Name: "up", Value: 1}}
	d := &fakeDriver{collect: func(ctx context.Context, req driver.Request) ([]driver.Sample, error) {
		if req.Target != "10.0.0.1" || req.Address != "10.0.0.1" {
			t.Errorf("request: got target %q address %q", req.Target, req.Address)
		}
		return want, nil
	}}

	res, err := newTestOrchestrator(t, d, nil).Run(context.Background(), "fake", "10.0.0.1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeSucceeded || !res.Success() {
		t.Errorf("outcome: got %v", res.Outcome)
	}
	if len(res.Samples) != 1 || res.Samples[0].Name != "up" {
		t.Errorf("samples: got %+v", res.Samples)
	}
}

func TestRun_UnknownModule(t *testing.T) {
	var called bool
	o := newTestOrchestrator(t, &fakeDriver{collect: func(context.Context, driver.Request) ([]driver.Sample, error) {
		called = true
		return nil, nil
	}}, nil)
	o.drivers = &fakeResolver{err: driver.ErrUnknownModule}

	_, err := o.Run(context.Background(), "foo", "10.0.0.1")
	if !errors.Is(err, driver.ErrUnknownModule) {
		t.Fatalf("Run() error = %v, want ErrUnknownModule", err)
	}
	if called {
		t.Error("driver invoked for unknown module")
	}
}

func TestRun_Failed(t *testing.T) {
	d := &fakeDriver{collect: func(context.Context, driver.Request) ([]driver.Sample, error) {
		return nil, driver.ErrUnreachable
	}}

	res, err := newTestOrchestrator(t, d, nil).Run(context.Background(), "fake", "10.0.0.1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("outcome: got %v, want failed", res.Outcome)
	}
	if !errors.Is(res.Err, driver.ErrUnreachable) {
		t.Errorf("result error: got %v", res.Err)
	}
}

func TestRun_TimedOutWithinDeadline(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	d := &fakeDriver{collect: func(ctx context.Context, req driver.Request) ([]driver.Sample, error) {
		<-block
		return nil, nil
	}}

	start := time.Now()
	res, err := newTestOrchestrator(t, d, nil).Run(context.Background(), "fake", "10.0.0.1")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeTimedOut {
		t.Errorf("outcome: got %v, want timed_out", res.Outcome)
	}
	// The caller gets control back at the deadline even though the driver
	// is still stuck.
	if elapsed > time.Second {
		t.Errorf("Run blocked %v past a 500ms deadline", elapsed)
	}
}

func TestRun_DriverPanic(t *testing.T) {
	d := &fakeDriver{collect: func(context.Context, driver.Request) ([]driver.Sample, error) {
		panic("driver bug")
	}}

	res, err := newTestOrchestrator(t, d, nil).Run(context.Background(), "fake", "10.0.0.1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("outcome: got %v, want failed", res.Outcome)
	}
}

func TestRun_UnauthorizedInvalidatesToken(t *testing.T) {
	tokens := testTokens(t)
	err := tokens.Put("acct@example.com", token.Token{
		Value:     "v",
		CreatedAt: time.Now(),
		TTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := tokens.Get(context.Background(), "acct@example.com"); err != nil {
		t.Fatalf("Get before probe: %v", err)
	}

	d := &fakeDriver{collect: func(context.Context, driver.Request) ([]driver.Sample, error) {
		return nil, &driver.UnauthorizedError{
			Account: "acct@example.com",
			Err:     errors.New("401"),
		}
	}}

	res, err := newTestOrchestrator(t, d, tokens).Run(context.Background(), "fake", "10.0.0.1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("outcome: got %v, want failed", res.Outcome)
	}

	// With no refresher registered, an invalidated token can only surface
	// as an expired-auth error.
	if _, err := tokens.Get(context.Background(), "acct@example.com"); !errors.Is(err, token.ErrAuthExpired) {
		t.Errorf("Get after invalidate: got %v, want ErrAuthExpired", err)
	}
}

func TestTimeout_PerModuleOverride(t *testing.T) {
	o := newTestOrchestrator(t, &fakeDriver{}, nil)
	o.cfg.Modules["slow"] = config.Module{Targets: []string{"x"}, Timeout: 3 * time.Second}

	if got := o.timeout("slow"); got != 3*time.Second {
		t.Errorf("timeout(slow) = %v, want 3s", got)
	}
	if got := o.timeout("fake"); got != 500*time.Millisecond {
		t.Errorf("timeout(fake) = %v, want global default", got)
	}
}
