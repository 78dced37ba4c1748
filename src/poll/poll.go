// Package poll drives fire-and-poll resources to a terminal status within a
// bounded deadline.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"
)

var logger = loggo.GetLogger("instance-transfer.poll")

// Spec describes one wait over a set of tracked resources of type T.
type Spec[T any] struct {
	// Kind names the resource in logs and errors, e.g. "volume snapshot".
	Kind  string
	Items []T
	ID    func(T) string

	Fetch     func(ctx context.Context, item T) (string, error)
	Succeeded func(status string) bool
	Failed    func(status string) bool

	// Recreate replaces a resource that reported an error status. When nil
	// an error status is fatal.
	Recreate func(ctx context.Context, item T) (T, error)
	// Settle stamps the success status onto an item. Optional.
	Settle func(item T, status string) T

	Interval time.Duration
	Deadline time.Duration
	Clock    clock.Clock
	// Parallel fetches the statuses of one tick concurrently.
	Parallel bool
}

func (s *Spec[T]) validate() error {
	switch {
	case s.Fetch == nil:
		return errors.NotValidf("%s poll without fetch", s.Kind)
	case s.Succeeded == nil || s.Failed == nil:
		return errors.NotValidf("%s poll without status predicates", s.Kind)
	case s.Interval <= 0:
		return errors.NotValidf("%s poll interval %s", s.Kind, s.Interval)
	case s.Deadline <= 0:
		return errors.NotValidf("%s poll deadline %s", s.Kind, s.Deadline)
	}
	if s.Clock == nil {
		s.Clock = clock.WallClock
	}
	if s.ID == nil {
		s.ID = func(item T) string { return fmt.Sprint(item) }
	}
	return nil
}

var errStillPending = errors.New("still pending")

// Until waits one interval, then checks every tracked resource once per
// interval until all of them report success. A tick stops at the first
// resource that is not yet successful. A resource in an error status is
// replaced through Recreate and the tick ends; replacement shares the same
// deadline. The returned slice holds the final resources in input order.
func Until[T any](ctx context.Context, spec Spec[T]) ([]T, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	items := append([]T(nil), spec.Items...)
	if len(items) == 0 {
		return items, nil
	}

	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "waiting for %s", spec.Kind)
	case <-spec.Clock.After(spec.Interval):
	}

	var (
		pending []string
		fatal   error
	)
	tick := func() error {
		statuses, err := fetchAll(ctx, &spec, items)
		if err != nil {
			fatal = errors.Annotatef(err, "checking %s status", spec.Kind)
			return fatal
		}
		pending = pending[:0]
		for i, item := range items {
			if i >= len(statuses) {
				for _, rest := range items[i:] {
					pending = append(pending, spec.ID(rest))
				}
				return errStillPending
			}
			status := statuses[i]
			switch {
			case spec.Succeeded(status):
				if spec.Settle != nil {
					items[i] = spec.Settle(item, status)
				}
				continue
			case spec.Failed(status):
				if spec.Recreate == nil {
					fatal = &FailedError{Kind: spec.Kind, ID: spec.ID(item), Status: status}
					return fatal
				}
				logger.Infof("%s %s reported %q, recreating", spec.Kind, spec.ID(item), status)
				fresh, err := spec.Recreate(ctx, item)
				if err != nil {
					fatal = errors.Annotatef(err, "recreating %s %s", spec.Kind, spec.ID(item))
					return fatal
				}
				items[i] = fresh
			}
			for _, rest := range items[i:] {
				pending = append(pending, spec.ID(rest))
			}
			return errStillPending
		}
		return nil
	}

	args := retry.CallArgs{
		Func:  tick,
		Clock: spec.Clock,
		Delay: spec.Interval,
		// Checks run at one interval in and every interval after; the last
		// one lands at the deadline.
		MaxDuration: spec.Deadline - spec.Interval/2,
		IsFatalError: func(err error) bool {
			return err != errStillPending
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("%s: %v %v (attempt %d)", spec.Kind, lastError, pending, attempt)
		},
		Stop: ctx.Done(),
	}
	if args.MaxDuration <= 0 {
		args.MaxDuration = 0
		args.Attempts = 1
	}

	err := retry.Call(args)
	switch {
	case err == nil:
		return items, nil
	case fatal != nil:
		return nil, fatal
	case retry.IsRetryStopped(err):
		return nil, errors.Annotatef(ctx.Err(), "waiting for %s", spec.Kind)
	case retry.IsDurationExceeded(err) || retry.IsAttemptsExceeded(err):
		return nil, &TimeoutError{Kind: spec.Kind, Deadline: spec.Deadline, Pending: append([]string(nil), pending...)}
	}
	return nil, errors.Trace(err)
}

// fetchAll returns the statuses for one tick. Sequential fetches stop after
// the first resource that is not yet successful, so the result may be
// shorter than items.
func fetchAll[T any](ctx context.Context, spec *Spec[T], items []T) ([]string, error) {
	if !spec.Parallel {
		out := make([]string, 0, len(items))
		for _, item := range items {
			status, err := spec.Fetch(ctx, item)
			if err != nil {
				return nil, err
			}
			out = append(out, status)
			if !spec.Succeeded(status) {
				break
			}
		}
		return out, nil
	}
	out := make([]string, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i := range items {
		i := i
		g.Go(func() error {
			status, err := spec.Fetch(gctx, items[i])
			out[i] = status
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
