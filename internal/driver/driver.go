package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnreachable means the backend did not answer at the network level.
	ErrUnreachable = errors.New("backend unreachable")

	// ErrProtocol means the backend answered with something we could not
	// interpret — these wire formats are undocumented and versioned, so
	// this is an expected failure mode, not a bug signal.
	ErrProtocol = errors.New("protocol error")
)

// UnauthorizedError means the backend rejected our credentials. Account
// names the cached token to invalidate; it is empty for backends whose
// credentials live only in configuration.
type UnauthorizedError struct {
	Account string
	Err     error
}

func (e *UnauthorizedError) Error() string {
	if e.Account == "" {
		return fmt.Sprintf("unauthorized: %v", e.Err)
	}
	return fmt.Sprintf("unauthorized for %s: %v", e.Account, e.Err)
}

func (e *UnauthorizedError) Unwrap() error { return e.Err }

// Request carries everything a driver needs for one collection.
type Request struct {
	// Target is the device identity as given in the probe URL.
	Target string

	// Address is the network address to dial: the target itself, or the
	// loopback side of an SSH forward if the target is routed.
	Address string

	// Timeout is the hard deadline for the whole collection. The
	// orchestrator also enforces it from outside; drivers use it to bound
	// their own dials.
	Timeout time.Duration
}

// Label is one name/value pair. Order is preserved end to end so repeated
// probes of an unchanged device render byte-identical output.
type Label struct {
	Name  string
	Value string
}

// Sample is one metric record produced by a driver.
type Sample struct {
	// Name is the metric name before sanitization.
	Name string

	// Help is the exposition help text, set on the first sample of a name.
	Help string

	// Counter marks a monotonically increasing total; everything else is
	// exposed as a gauge.
	Counter bool

	Labels []Label
	Value  float64
}

// L is shorthand for constructing an ordered label list.
func L(pairs ...string) []Label {
	labels := make([]Label, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		labels = append(labels, Label{Name: pairs[i], Value: pairs[i+1]})
	}
	return labels
}

// Driver is the one capability a backend must provide.
type Driver interface {
	// Collect fetches live status for req.Target and returns its samples
	// in a deterministic order. Errors are classified: *UnauthorizedError,
	// ErrUnreachable, ErrProtocol, or a context deadline error.
	Collect(ctx context.Context, req Request) ([]Sample, error)
}
