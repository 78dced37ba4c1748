package migrate_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instance-transfer/src/cloudapi"
	"instance-transfer/src/manifest"
	"instance-transfer/src/migrate"
	"instance-transfer/src/poll"
	"instance-transfer/src/stages"
)

const (
	projA = "proj-a"
	projB = "proj-b"
	src   = "inst-src"
)

func projects() *cloudapi.Fake {
	f := cloudapi.NewFake()
	f.AddProject(cloudapi.Project{ID: projA, Name: "alpha"})
	f.AddProject(cloudapi.Project{ID: projB, Name: "beta"})
	f.AddInstance(cloudapi.Instance{ID: src, Name: "web", ProjectID: projA, FlavorID: "m1.small"})
	return f
}

func dataVolume(f *cloudapi.Fake) {
	f.AddVolume(cloudapi.Volume{ID: "vol-2", ProjectID: projA,
		Attachments: []cloudapi.Attachment{{ServerID: src, Device: "/dev/vdb"}}})
}

// volumeBacked has root V1 at /dev/vda and data V2 at /dev/vdb.
func volumeBacked() *cloudapi.Fake {
	f := projects()
	f.AddVolume(cloudapi.Volume{ID: "vol-1", Bootable: true, ProjectID: projA,
		Attachments: []cloudapi.Attachment{{ServerID: src, Device: "/dev/vda"}}})
	dataVolume(f)
	return f
}

// ephemeral has only data V2 at /dev/vdb.
func ephemeral() *cloudapi.Fake {
	f := projects()
	dataVolume(f)
	return f
}

func newMigrator(f *cloudapi.Fake, mutate ...func(*migrate.Config)) (*migrate.Migrator, *bytes.Buffer) {
	var out bytes.Buffer
	cfg := migrate.Config{
		Client: f,
		Out:    &out,
		Clock:  testclock.NewDilatedWallClock(time.Millisecond),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return migrate.New(cfg), &out
}

func argsOf(t *testing.T, f *cloudapi.Fake, name string) [][]interface{} {
	t.Helper()
	var out [][]interface{}
	for _, c := range f.CallsTo(name) {
		out = append(out, c.Args)
	}
	return out
}

// indexOf returns the position of the first call matching name and, when
// given, first argument.
func indexOf(f *cloudapi.Fake, name string, arg ...interface{}) int {
	for i, c := range f.Calls() {
		if c.FuncName != name {
			continue
		}
		if len(arg) == 0 || (len(c.Args) > 0 && c.Args[0] == arg[0]) {
			return i
		}
	}
	return -1
}

func lastIndexOf(f *cloudapi.Fake, name string) int {
	last := -1
	for i, c := range f.Calls() {
		if c.FuncName == name {
			last = i
		}
	}
	return last
}

func firstTouching(f *cloudapi.Fake, id string, after int) int {
	for i, c := range f.Calls() {
		if i <= after {
			continue
		}
		for _, a := range c.Args {
			if a == id {
				return i
			}
		}
	}
	return -1
}

func states(m *migrate.Migrator) []migrate.State {
	var out []migrate.State
	for _, t := range m.Transitions() {
		out = append(out, t.To)
	}
	return out
}

func TestRun_CopyVolumeBacked(t *testing.T) {
	f := volumeBacked()
	m, _ := newMigrator(f)

	res, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "beta"})
	require.NoError(t, err)
	assert.Equal(t, migrate.Done, m.State())
	assert.Equal(t, migrate.VolumeBacked, res.Facts.Kind)

	assert.Equal(t, [][]interface{}{{"vol-1"}, {"vol-2"}}, argsOf(t, f, "CreateVolumeSnapshot"))
	assert.Len(t, f.CallsTo("CreateVolumeFromSnapshot"), 2)
	assert.Len(t, f.CallsTo("CreateTransferRequest"), 2)
	for _, a := range argsOf(t, f, "AcceptTransferRequest") {
		assert.Equal(t, projB, a[2])
	}
	assert.Equal(t, [][]interface{}{{projB, "volume-1", "m1.small", "web"}}, argsOf(t, f, "BootFromVolume"))
	assert.Equal(t, [][]interface{}{{"instance-1", "volume-2", "/dev/vdb"}}, argsOf(t, f, "AttachVolume"))
	assert.Equal(t, [][]interface{}{{"snapshot-1"}, {"snapshot-2"}}, argsOf(t, f, "DeleteSnapshot"))
	assert.Empty(t, f.CallsTo("DeleteInstance"))
	assert.Empty(t, f.CallsTo("DeleteVolume"))

	orig, ok := f.Instance(src)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"vol-1", "vol-2"}, orig.VolumeIDs)

	require.Len(t, res.Volumes, 2)
	assert.Equal(t, "volume-1", res.Volumes[0].ID)
	assert.Equal(t, "/dev/vda", res.Volumes[0].Device)
	assert.Equal(t, "volume-2", res.Volumes[1].ID)
	assert.Equal(t, "instance-1", res.Instance.ID)
	assert.Equal(t, cloudapi.InstanceActive, res.Instance.Status)
	for _, id := range []string{"volume-1", "volume-2"} {
		v, _ := f.Volume(id)
		assert.Equal(t, projB, v.ProjectID)
		assert.Equal(t, cloudapi.StatusInUse, v.Status)
	}

	mf := m.Manifest()
	assert.Equal(t, []string{"snapshot-1", "snapshot-2"}, mf.Created(manifest.VolumeSnapshot))
	assert.Empty(t, mf.Live(manifest.VolumeSnapshot))
	assert.Equal(t, []string{"volume-1", "volume-2"}, mf.Live(manifest.Volume))
	assert.Equal(t, []string{"transfer-1", "transfer-2"}, mf.Live(manifest.TransferRequest))
	assert.Equal(t, []string{"instance-1"}, mf.Live(manifest.Instance))

	assert.Equal(t, []migrate.State{
		migrate.FactGathering, migrate.Backup, migrate.Materialize, migrate.Transfer,
		migrate.Provision, migrate.Attach, migrate.Cleanup, migrate.Done,
	}, states(m))
}

func TestRun_MoveVolumeBacked(t *testing.T) {
	f := volumeBacked()
	f.Script(cloudapi.KindSnapshot, []string{cloudapi.StatusCreating, cloudapi.StatusAvailable})
	m, _ := newMigrator(f)

	res, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: projB, Move: true})
	require.NoError(t, err)

	assert.Equal(t, [][]interface{}{{"vol-1"}}, argsOf(t, f, "CreateVolumeSnapshot"))

	del := indexOf(f, "DeleteInstance", src)
	require.NotEqual(t, -1, del)
	assert.Greater(t, del, lastIndexOf(f, "GetSnapshotStatus"), "source deleted before the root snapshot was available")
	gathered := lastIndexOf(f, "ListAttachedVolumes")
	assert.Greater(t, firstTouching(f, "vol-2", gathered), del, "vol-2 touched before the source was deleted")

	assert.Equal(t, [][]interface{}{{"volume-1"}, {"vol-2"}}, argsOf(t, f, "CreateTransferRequest"))
	assert.Equal(t, [][]interface{}{{projB, "volume-1", "m1.small", "web"}}, argsOf(t, f, "BootFromVolume"))
	assert.Equal(t, [][]interface{}{{"instance-1", "vol-2", "/dev/vdb"}}, argsOf(t, f, "AttachVolume"))
	assert.Equal(t, [][]interface{}{{"snapshot-1"}}, argsOf(t, f, "DeleteSnapshot"))
	assert.Equal(t, [][]interface{}{{"vol-1"}}, argsOf(t, f, "DeleteVolume"))
	assert.Greater(t, indexOf(f, "DeleteVolume"), indexOf(f, "AttachVolume"))
	assert.Len(t, f.CallsTo("CreateVolumeFromSnapshot"), 1)

	_, ok := f.Instance(src)
	assert.False(t, ok)
	_, ok = f.Volume("vol-1")
	assert.False(t, ok)
	v2, _ := f.Volume("vol-2")
	assert.Equal(t, projB, v2.ProjectID)

	require.Len(t, res.Volumes, 2)
	assert.Equal(t, "volume-1", res.Volumes[0].ID)
	assert.Equal(t, "vol-2", res.Volumes[1].ID)
}

func TestRun_CopyEphemeral(t *testing.T) {
	f := ephemeral()
	m, _ := newMigrator(f)

	res, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "beta", DestInstanceName: "web-copy"})
	require.NoError(t, err)
	assert.Equal(t, migrate.Ephemeral, res.Facts.Kind)

	assert.Equal(t, [][]interface{}{{src, "temp-snap-web"}}, argsOf(t, f, "CreateImageSnapshot"))
	assert.Equal(t, [][]interface{}{{"image-1", cloudapi.VisibilityPublic}}, argsOf(t, f, "SetImageVisibility"))
	assert.Equal(t, [][]interface{}{{"vol-2"}}, argsOf(t, f, "CreateVolumeSnapshot"))
	assert.Equal(t, [][]interface{}{{projB, "image-1", "m1.small", "web-copy"}}, argsOf(t, f, "BootFromImage"))
	assert.Equal(t, [][]interface{}{{"instance-1", "volume-1", "/dev/vdb"}}, argsOf(t, f, "AttachVolume"))
	assert.Equal(t, [][]interface{}{{"snapshot-1"}}, argsOf(t, f, "DeleteSnapshot"))
	assert.Equal(t, [][]interface{}{{"image-1"}}, argsOf(t, f, "DeleteImageSnapshot"))
	assert.Empty(t, f.CallsTo("DeleteInstance"))
	assert.Empty(t, f.ImageIDs())
}

func TestRun_MoveEphemeral(t *testing.T) {
	f := ephemeral()
	m, _ := newMigrator(f)

	_, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "beta", Move: true})
	require.NoError(t, err)

	del := indexOf(f, "DeleteInstance", src)
	require.NotEqual(t, -1, del)
	assert.Greater(t, del, lastIndexOf(f, "GetImageSnapshotStatus"))
	assert.Empty(t, f.CallsTo("CreateVolumeSnapshot"))
	assert.Empty(t, f.CallsTo("CreateVolumeFromSnapshot"))
	assert.Equal(t, [][]interface{}{{"vol-2"}}, argsOf(t, f, "CreateTransferRequest"))
	assert.Equal(t, [][]interface{}{{projB, "image-1", "m1.small", "web"}}, argsOf(t, f, "BootFromImage"))
	assert.Equal(t, [][]interface{}{{"instance-1", "vol-2", "/dev/vdb"}}, argsOf(t, f, "AttachVolume"))
	assert.Equal(t, [][]interface{}{{"image-1"}}, argsOf(t, f, "DeleteImageSnapshot"))

	// MATERIALIZE is passed through with nothing to do.
	assert.Contains(t, states(m), migrate.Materialize)
}

func TestRun_EphemeralWithoutVolumes(t *testing.T) {
	f := projects()
	m, _ := newMigrator(f)

	res, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "beta"})
	require.NoError(t, err)
	assert.Empty(t, res.Volumes)
	assert.Empty(t, f.CallsTo("CreateTransferRequest"))
	assert.Empty(t, f.CallsTo("AttachVolume"))
	assert.Len(t, f.CallsTo("BootFromImage"), 1)
}

func TestRun_SameProjectAbortsWithEmptyManifest(t *testing.T) {
	f := volumeBacked()
	m, out := newMigrator(f)

	_, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "alpha"})
	require.Error(t, err)

	var abort *migrate.AbortError
	require.True(t, errors.As(err, &abort))
	assert.Equal(t, migrate.FactGathering, abort.State)
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
	assert.Equal(t, migrate.Failed, m.State())
	assert.Equal(t, 0, m.Manifest().Len())
	assert.Empty(t, out.String())
	assert.Equal(t, -1, indexOf(f, "CreateVolumeSnapshot"))
	assert.Equal(t, -1, indexOf(f, "CreateImageSnapshot"))
	assert.Equal(t, []migrate.State{migrate.FactGathering, migrate.Failed}, states(m))
}

func TestRun_UnknownInstanceAborts(t *testing.T) {
	m, _ := newMigrator(projects())
	_, err := m.Run(context.Background(), migrate.Request{SourceInstance: "nope", DestProject: "beta"})
	assert.True(t, migrate.IsAbort(err))
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

func TestRun_UnknownDestinationAborts(t *testing.T) {
	m, _ := newMigrator(volumeBacked())
	_, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "gamma"})
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

func TestRun_TwoRootVolumesIsInvalid(t *testing.T) {
	f := volumeBacked()
	f.AddVolume(cloudapi.Volume{ID: "vol-3", ProjectID: projA,
		Attachments: []cloudapi.Attachment{{ServerID: src, Device: "/dev/vda"}}})
	m, _ := newMigrator(f)

	_, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "beta"})
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
	assert.Equal(t, 0, m.Manifest().Len())
}

func TestRun_CustomRootDevice(t *testing.T) {
	f := volumeBacked()
	m, _ := newMigrator(f, func(c *migrate.Config) { c.RootDevice = "/dev/vdb" })

	_, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "beta"})
	require.NoError(t, err)
	assert.Equal(t, [][]interface{}{{projB, "volume-2", "m1.small", "web"}}, argsOf(t, f, "BootFromVolume"))
	assert.Equal(t, [][]interface{}{{"instance-1", "volume-1", "/dev/vda"}}, argsOf(t, f, "AttachVolume"))
}

func TestRun_TimeoutPrintsManifest(t *testing.T) {
	f := volumeBacked()
	f.Script(cloudapi.KindVolume, []string{cloudapi.StatusCreating})
	m, out := newMigrator(f, func(c *migrate.Config) {
		c.Deadlines = stages.Deadlines{Volume: 10 * time.Second}
	})

	_, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "beta"})
	require.Error(t, err)
	assert.True(t, poll.IsTimeout(err), "got %v", err)

	var abort *migrate.AbortError
	require.True(t, errors.As(err, &abort))
	assert.Equal(t, migrate.Materialize, abort.State)
	assert.Equal(t, migrate.Failed, m.State())

	printed := out.String()
	assert.Contains(t, printed, "The following entities were created in the process:\n")
	assert.Contains(t, printed, "volume_snapshot:\n\t snapshot-1\n\t snapshot-2\n")
	assert.Contains(t, printed, "volume:\n\t volume-1\n\t volume-2\n")
	assert.Empty(t, f.CallsTo("BootFromVolume"))
	assert.Empty(t, f.CallsTo("DeleteSnapshot"), "no rollback on failure")
}

func TestRun_MoveNeverDeletesSourceWhenSnapshotFails(t *testing.T) {
	f := volumeBacked()
	f.Script(cloudapi.KindSnapshot, []string{cloudapi.StatusCreating})
	m, _ := newMigrator(f, func(c *migrate.Config) {
		c.Deadlines = stages.Deadlines{Snapshot: 10 * time.Second}
	})

	_, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "beta", Move: true})
	require.True(t, poll.IsTimeout(err), "got %v", err)
	assert.Empty(t, f.CallsTo("DeleteInstance"))
	_, ok := f.Instance(src)
	assert.True(t, ok)
}

func TestRun_CleanupFailureDoesNotFail(t *testing.T) {
	f := volumeBacked()
	f.FailOn("DeleteSnapshot", errors.New("service unavailable"))
	m, _ := newMigrator(f)

	_, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "beta"})
	require.NoError(t, err)
	assert.Equal(t, migrate.Done, m.State())
	assert.Len(t, m.Manifest().Live(manifest.VolumeSnapshot), 2)
}

func TestRun_CancelledContextAborts(t *testing.T) {
	f := volumeBacked()
	m, out := newMigrator(f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Run(ctx, migrate.Request{SourceInstance: src, DestProject: "beta"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Contains(t, out.String(), "snapshot-1")
}

func TestRun_MigratorIsSingleUse(t *testing.T) {
	m, _ := newMigrator(volumeBacked())
	_, err := m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "beta"})
	require.NoError(t, err)
	_, err = m.Run(context.Background(), migrate.Request{SourceInstance: src, DestProject: "beta"})
	assert.Error(t, err)
}

func TestPlan_CreatesNothing(t *testing.T) {
	f := volumeBacked()
	m, _ := newMigrator(f)

	plan, err := m.Plan(context.Background(), migrate.Request{SourceInstance: src, DestProject: "beta", Move: true})
	require.NoError(t, err)
	assert.Equal(t, migrate.Init, m.State())
	assert.Equal(t, "web", plan.DestName)
	require.NotEmpty(t, plan.Steps)
	assert.Equal(t, migrate.Backup, plan.Steps[0].State)
	assert.Equal(t, "snapshot root volume vol-1 (/dev/vda)", plan.Steps[0].Action)
	assert.Equal(t, "delete source instance "+src, plan.Steps[1].Action)

	for _, c := range f.CallNames() {
		assert.Contains(t, []string{"LookupInstance", "LookupProject", "ListAttachedVolumes"}, c)
	}
}

func TestPlan_SameProjectInvalid(t *testing.T) {
	m, _ := newMigrator(volumeBacked())
	_, err := m.Plan(context.Background(), migrate.Request{SourceInstance: src, DestProject: projA})
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}

func TestInspect(t *testing.T) {
	m, _ := newMigrator(volumeBacked())
	facts, err := m.Inspect(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "alpha", facts.SourceProject.Name)
	assert.Equal(t, migrate.VolumeBacked, facts.Kind)
	root, ok := facts.RootVolume()
	require.True(t, ok)
	assert.Equal(t, "vol-1", root.ID)
	others := facts.Others()
	require.Len(t, others, 1)
	assert.Equal(t, "/dev/vdb", others[0].Device)
}
