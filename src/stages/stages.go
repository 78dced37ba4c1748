// Package stages holds the provisioning steps of a migration. Each step
// issues its creates, records them in the manifest, then waits for them
// through the poll driver.
package stages

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"

	"instance-transfer/src/cloudapi"
	"instance-transfer/src/manifest"
	"instance-transfer/src/poll"
	"instance-transfer/src/util/progress"
)

var logger = loggo.GetLogger("instance-transfer.stages")

// Deadlines bound each kind of wait.
type Deadlines struct {
	Snapshot time.Duration
	Volume   time.Duration
	Instance time.Duration
	Image    time.Duration
	Delete   time.Duration
	Attach   time.Duration
}

// DefaultDeadlines are the waits used when none are configured.
var DefaultDeadlines = Deadlines{
	Snapshot: 50 * time.Second,
	Volume:   10 * time.Second,
	Instance: 50 * time.Second,
	Image:    120 * time.Second,
	Delete:   20 * time.Second,
	Attach:   30 * time.Second,
}

// DefaultInterval is the time between two status checks.
const DefaultInterval = 5 * time.Second

// Options configure a Runner.
type Options struct {
	Client   cloudapi.Client
	Manifest *manifest.Manifest
	Clock    clock.Clock
	Progress *progress.Reporter

	Interval  time.Duration
	Deadlines Deadlines
	// Parallel checks the statuses of one poll tick concurrently.
	Parallel bool
	// WaitForAttach polls attached volumes until they report in-use.
	WaitForAttach bool
}

// Runner executes stages against one client and one manifest.
type Runner struct {
	client   cloudapi.Client
	manifest *manifest.Manifest
	clock    clock.Clock
	progress *progress.Reporter

	interval      time.Duration
	deadlines     Deadlines
	parallel      bool
	waitForAttach bool
}

// New returns a Runner. Zero durations take their defaults.
func New(opts Options) *Runner {
	r := &Runner{
		client:        opts.Client,
		manifest:      opts.Manifest,
		clock:         opts.Clock,
		progress:      opts.Progress,
		interval:      opts.Interval,
		deadlines:     opts.Deadlines,
		parallel:      opts.Parallel,
		waitForAttach: opts.WaitForAttach,
	}
	if r.clock == nil {
		r.clock = clock.WallClock
	}
	if r.manifest == nil {
		r.manifest = manifest.New(r.clock)
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	d := &r.deadlines
	for _, pair := range []struct {
		field *time.Duration
		def   time.Duration
	}{
		{&d.Snapshot, DefaultDeadlines.Snapshot},
		{&d.Volume, DefaultDeadlines.Volume},
		{&d.Instance, DefaultDeadlines.Instance},
		{&d.Image, DefaultDeadlines.Image},
		{&d.Delete, DefaultDeadlines.Delete},
		{&d.Attach, DefaultDeadlines.Attach},
	} {
		if *pair.field <= 0 {
			*pair.field = pair.def
		}
	}
	return r
}

// Manifest returns the ledger the runner records into.
func (r *Runner) Manifest() *manifest.Manifest {
	return r.manifest
}

func newSpec[T any](r *Runner, kind string, items []T, deadline time.Duration) poll.Spec[T] {
	return poll.Spec[T]{
		Kind:     kind,
		Items:    items,
		Interval: r.interval,
		Deadline: deadline,
		Clock:    r.clock,
		Parallel: r.parallel,
	}
}

func is(want string) func(string) bool {
	return func(got string) bool { return got == want }
}

// discard deletes a resource that will be replaced. A failed delete is
// logged and the resource stays live in the manifest.
func (r *Runner) discard(ctx context.Context, cat manifest.Category, id string, del func(context.Context, string) error) {
	if err := del(ctx, id); err != nil {
		logger.Warningf("cannot delete %s %s: %v", cat, id, err)
		return
	}
	r.manifest.Discard(cat, id)
}
