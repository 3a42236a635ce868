package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/homeprobe/homeprobe/internal/config"
	"github.com/homeprobe/homeprobe/internal/driver"
	"github.com/homeprobe/homeprobe/internal/token"
)

// Outcome is the terminal state of one scrape.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Result carries everything the renderer and the self-metrics need from a
// finished scrape.
type Result struct {
	Module   string
	Target   string
	Outcome  Outcome
	Duration time.Duration
	Samples  []driver.Sample
	Err      error
}

// Success reports whether device metrics should be exposed.
func (r Result) Success() bool { return r.Outcome == OutcomeSucceeded }

// DriverResolver finds the driver for a configured (module, target) pair.
// *driver.Registry implements it.
type DriverResolver interface {
	Lookup(module, target string) (driver.Driver, error)
}

// AddressResolver maps a target onto the address to dial, spawning an SSH
// forward when one is configured. *tunnel.Manager implements it.
type AddressResolver interface {
	Resolve(target string) (string, error)
}

// Orchestrator dispatches scrapes to drivers. All state it touches is
// shared and concurrency-safe, so scrapes for different targets run in
// parallel without coordination.
type Orchestrator struct {
	cfg     *config.Config
	drivers DriverResolver
	tokens  *token.Store
	tunnels AddressResolver
	log     *slog.Logger

	now func() time.Time
}

func New(cfg *config.Config, drivers DriverResolver, tokens *token.Store,
	tunnels AddressResolver, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		drivers: drivers,
		tokens:  tokens,
		tunnels: tunnels,
		log:     log,
		now:     time.Now,
	}
}

// timeout returns the per-module probe deadline, falling back to the
// global one.
func (o *Orchestrator) timeout(module string) time.Duration {
	if mc, ok := o.cfg.Modules[module]; ok && mc.Timeout > 0 {
		return mc.Timeout
	}
	return o.cfg.ProbeTimeout
}

// Run executes one scrape. A non-nil error means the request itself was
// malformed (unknown module or target) and no driver ran; every other
// outcome, including driver failure and deadline expiry, is reported in
// the Result so the caller can still serve a 200.
func (o *Orchestrator) Run(ctx context.Context, module, target string) (Result, error) {
	d, err := o.drivers.Lookup(module, target)
	if err != nil {
		return Result{}, err
	}

	timeout := o.timeout(module)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := o.now()
	res := Result{Module: module, Target: target}

	type collected struct {
		samples []driver.Sample
		err     error
	}
	done := make(chan collected, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				o.log.Error("driver panicked",
					"module", module, "target", target,
					"panic", fmt.Sprint(v), "stack", string(debug.Stack()))
				done <- collected{err: fmt.Errorf("probe: driver panic: %v", v)}
			}
		}()
		address, err := o.tunnels.Resolve(target)
		if err != nil {
			done <- collected{err: err}
			return
		}
		samples, err := d.Collect(ctx, driver.Request{
			Target:  target,
			Address: address,
			Timeout: timeout,
		})
		done <- collected{samples: samples, err: err}
	}()

	// The driver goroutine is left to finish on its own after expiry; its
	// context is cancelled, and the buffered channel lets it exit.
	select {
	case c := <-done:
		res.Samples, res.Err = c.samples, c.err
	case <-ctx.Done():
		res.Outcome = OutcomeTimedOut
		res.Err = ctx.Err()
		res.Duration = o.now().Sub(start)
		o.log.Warn("probe timed out",
			"module", module, "target", target, "timeout", timeout)
		return res, nil
	}
	res.Duration = o.now().Sub(start)

	switch {
	case res.Err == nil:
		res.Outcome = OutcomeSucceeded
		o.log.Debug("probe succeeded",
			"module", module, "target", target,
			"samples", len(res.Samples), "duration", res.Duration)
	case errors.Is(res.Err, context.DeadlineExceeded):
		res.Outcome = OutcomeTimedOut
		o.log.Warn("probe timed out in driver",
			"module", module, "target", target, "timeout", timeout)
	default:
		res.Outcome = OutcomeFailed
		o.invalidateOnUnauthorized(module, target, res.Err)
		o.log.Warn("probe failed",
			"module", module, "target", target, "error", res.Err)
	}
	return res, nil
}

// invalidateOnUnauthorized drops the cached token for the failing account
// so the next scrape refreshes it. The current scrape is not retried; a
// retry here would double latency under the deadline.
func (o *Orchestrator) invalidateOnUnauthorized(module, target string, err error) {
	var unauth *driver.UnauthorizedError
	if !errors.As(err, &unauth) {
		return
	}
	if unauth.Account != "" {
		o.tokens.Invalidate(unauth.Account)
	}
	o.log.Warn("backend rejected credentials",
		"module", module, "target", target, "account", unauth.Account)
}
