// Package migrate moves or copies an instance and its volumes from one
// project to another.
package migrate

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"instance-transfer/src/cloudapi"
	"instance-transfer/src/manifest"
	"instance-transfer/src/stages"
	"instance-transfer/src/util/progress"
)

var logger = loggo.GetLogger("instance-transfer.migrate")

// DefaultRootDevice is the device path that marks a volume as the root disk.
const DefaultRootDevice = "/dev/vda"

// Config configures a Migrator.
type Config struct {
	Client cloudapi.Client
	// Out receives progress lines and, on failure, the manifest.
	Out   io.Writer
	Clock clock.Clock

	RootDevice    string
	Interval      time.Duration
	Deadlines     stages.Deadlines
	Parallel      bool
	WaitForAttach bool
}

// Request names one migration.
type Request struct {
	SourceInstance string
	DestProject    string
	// DestInstanceName defaults to the source instance name.
	DestInstanceName string
	Move             bool
}

// Result describes a completed migration.
type Result struct {
	Facts    Facts
	Instance cloudapi.Instance
	// Volumes are the volumes attached to Instance, root volume first.
	Volumes []cloudapi.Volume
}

// Migrator runs a single migration. It is not reusable.
type Migrator struct {
	client     cloudapi.Client
	out        io.Writer
	clock      clock.Clock
	rootDevice string
	manifest   *manifest.Manifest
	stages     *stages.Runner

	mu          sync.Mutex
	state       State
	transitions []Transition
}

// New returns a Migrator in state INIT.
func New(cfg Config) *Migrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.RootDevice == "" {
		cfg.RootDevice = DefaultRootDevice
	}
	mf := manifest.New(cfg.Clock)
	return &Migrator{
		client:     cfg.Client,
		out:        cfg.Out,
		clock:      cfg.Clock,
		rootDevice: cfg.RootDevice,
		manifest:   mf,
		state:      Init,
		stages: stages.New(stages.Options{
			Client:        cfg.Client,
			Manifest:      mf,
			Clock:         cfg.Clock,
			Progress:      progress.New(cfg.Out, cfg.Clock),
			Interval:      cfg.Interval,
			Deadlines:     cfg.Deadlines,
			Parallel:      cfg.Parallel,
			WaitForAttach: cfg.WaitForAttach,
		}),
	}
}

// Manifest returns the ledger of resources created by the run.
func (m *Migrator) Manifest() *manifest.Manifest {
	return m.manifest
}

// State returns the current state.
func (m *Migrator) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transitions returns the state changes so far.
func (m *Migrator) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.transitions...)
}

func (m *Migrator) enter(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !validTransition(m.state, to) {
		panic(fmt.Sprintf("invalid migration transition %s -> %s", m.state, to))
	}
	t := Transition{From: m.state, To: to, At: m.clock.Now()}
	m.transitions = append(m.transitions, t)
	m.state = to
	logger.Debugf("state %s", t)
}

// fail moves to FAILED, prints the manifest and wraps err.
func (m *Migrator) fail(err error) error {
	from := m.State()
	m.enter(Failed)
	logger.Errorf("migration failed during %s: %v", from, err)
	if m.manifest.Len() > 0 {
		fmt.Fprintln(m.out, "The following entities were created in the process:")
		if perr := m.manifest.Print(m.out); perr != nil {
			logger.Warningf("cannot print manifest: %v", perr)
		}
	}
	return &AbortError{State: from, Err: err}
}

// Inspect gathers the facts about a source instance without touching it.
func (m *Migrator) Inspect(ctx context.Context, instanceRef string) (Facts, error) {
	facts, err := m.inspect(ctx, instanceRef)
	return facts, errors.Trace(err)
}

// Run performs the migration. Any failure ends in FAILED with an
// *AbortError; resources created so far are not removed.
func (m *Migrator) Run(ctx context.Context, req Request) (Result, error) {
	if m.State() != Init {
		return Result{}, errors.Errorf("migrator already used")
	}
	m.enter(FactGathering)
	facts, err := m.gather(ctx, req)
	if err != nil {
		return Result{}, m.fail(err)
	}
	name := req.DestInstanceName
	if name == "" {
		name = facts.Instance.Name
	}
	logger.Infof("migrating %s instance %s (%s) from %s to %s, move=%t",
		facts.Kind, facts.Instance.ID, facts.Instance.Name, facts.SourceProject.Name, facts.DestProject.Name, req.Move)

	run := &run{m: m, facts: facts, name: name}
	switch {
	case facts.Kind == VolumeBacked && !req.Move:
		err = run.copyVolumeBacked(ctx)
	case facts.Kind == VolumeBacked && req.Move:
		err = run.moveVolumeBacked(ctx)
	case !req.Move:
		err = run.copyEphemeral(ctx)
	default:
		err = run.moveEphemeral(ctx)
	}
	if err != nil {
		return Result{}, m.fail(err)
	}
	m.enter(Done)
	return Result{Facts: facts, Instance: run.instance, Volumes: run.attached}, nil
}
