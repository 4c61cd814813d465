package health

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/buildgate/internal/xerrors"
)

// Probe reports nil when healthy and the failure reason otherwise.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

var errNoProbes = errors.New("no healthy probes")

// Fixed always passes, or always fails with reason ("unhealthy" when empty).
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := errors.New(reason)
	return func(context.Context) error { return err }
}

// All passes when every non-nil probe passes. Probes run in order and the
// first failure stops evaluation.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when at least one non-nil probe passes. Otherwise every failure
// is joined into the returned error.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var errs []error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return errNoProbes
		}
		return errors.Join(errs...)
	}
}

// Dependency bounds a remote check (bucket, parameter store) by timeout and
// prefixes its failure with name.
func Dependency(name string, timeout time.Duration, check func(context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := check(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// ShutdownGate fails readiness while the server drains. The zero value is open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate. An empty reason reports "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return errors.New(*r)
		}
		return nil
	}
}
