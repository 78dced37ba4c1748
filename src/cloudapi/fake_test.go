package cloudapi_test

import (
	"context"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instance-transfer/src/cloudapi"
)

func seeded() *cloudapi.Fake {
	f := cloudapi.NewFake()
	f.AddProject(cloudapi.Project{ID: "proj-a", Name: "alpha"})
	f.AddProject(cloudapi.Project{ID: "proj-b", Name: "beta"})
	f.AddInstance(cloudapi.Instance{ID: "inst-1", Name: "web", ProjectID: "proj-a", FlavorID: "m1.small"})
	f.AddVolume(cloudapi.Volume{
		ID: "vol-root", Bootable: true, ProjectID: "proj-a",
		Attachments: []cloudapi.Attachment{{ServerID: "inst-1", Device: "/dev/vda"}},
	})
	return f
}

func TestFake_LookupProjectByIDOrName(t *testing.T) {
	ctx := context.Background()
	f := seeded()

	p, err := f.LookupProject(ctx, "proj-b")
	require.NoError(t, err)
	assert.Equal(t, "beta", p.Name)

	p, err = f.LookupProject(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "proj-a", p.ID)

	_, err = f.LookupProject(ctx, "gamma")
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

func TestFake_AttachmentsMirroredOnInstance(t *testing.T) {
	f := seeded()
	inst, err := f.LookupInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vol-root"}, inst.VolumeIDs)

	vols, err := f.ListAttachedVolumes(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, cloudapi.StatusInUse, vols[0].Status)
	dev, ok := vols[0].DeviceFor("inst-1")
	assert.True(t, ok)
	assert.Equal(t, "/dev/vda", dev)
}

func TestFake_ScriptedStatusesAdvanceAndStick(t *testing.T) {
	ctx := context.Background()
	f := seeded()
	f.Script(cloudapi.KindSnapshot, []string{cloudapi.StatusCreating, cloudapi.StatusAvailable})

	s, err := f.CreateVolumeSnapshot(ctx, "vol-root")
	require.NoError(t, err)
	assert.Equal(t, cloudapi.StatusCreating, s.Status)

	var got []string
	for i := 0; i < 3; i++ {
		st, err := f.GetSnapshotStatus(ctx, s.ID)
		require.NoError(t, err)
		got = append(got, st)
	}
	assert.Equal(t, []string{cloudapi.StatusCreating, cloudapi.StatusAvailable, cloudapi.StatusAvailable}, got)

	// The script queue is consumed; the next snapshot is ready at once.
	s2, err := f.CreateVolumeSnapshot(ctx, "vol-root")
	require.NoError(t, err)
	assert.Equal(t, cloudapi.StatusAvailable, s2.Status)
}

func TestFake_TransferRequiresAuthKeyAndAcceptsOnce(t *testing.T) {
	ctx := context.Background()
	f := seeded()
	tr, err := f.CreateTransferRequest(ctx, "vol-root")
	require.NoError(t, err)

	_, err = f.AcceptTransferRequest(ctx, tr.ID, "wrong", "proj-b")
	assert.True(t, errors.Is(err, errors.Unauthorized), "got %v", err)

	v, err := f.AcceptTransferRequest(ctx, tr.ID, tr.AuthKey, "proj-b")
	require.NoError(t, err)
	assert.Equal(t, "proj-b", v.ProjectID)

	_, err = f.AcceptTransferRequest(ctx, tr.ID, tr.AuthKey, "proj-b")
	assert.True(t, errors.Is(err, errors.AlreadyExists), "got %v", err)
}

func TestFake_BootFromVolumeChecksOwnershipAndStatus(t *testing.T) {
	ctx := context.Background()
	f := seeded()

	_, err := f.BootFromVolume(ctx, "proj-a", "vol-root", "m1.small", "web")
	assert.True(t, errors.Is(err, errors.NotValid), "in-use volume must not boot: %v", err)

	require.NoError(t, f.DeleteInstance(ctx, "inst-1"))
	v, ok := f.Volume("vol-root")
	require.True(t, ok)
	assert.Equal(t, cloudapi.StatusAvailable, v.Status)

	_, err = f.BootFromVolume(ctx, "proj-b", "vol-root", "m1.small", "web")
	assert.True(t, errors.Is(err, errors.Forbidden), "got %v", err)

	inst, err := f.BootFromVolume(ctx, "proj-a", "vol-root", "m1.small", "web")
	require.NoError(t, err)
	assert.Equal(t, cloudapi.InstanceActive, inst.Status)
	v, _ = f.Volume("vol-root")
	assert.Equal(t, cloudapi.StatusInUse, v.Status)
}

func TestFake_DeletedInstanceReportsDeleted(t *testing.T) {
	ctx := context.Background()
	f := seeded()
	require.NoError(t, f.DeleteInstance(ctx, "inst-1"))
	st, err := f.GetInstanceStatus(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, cloudapi.InstanceDeleted, st)

	_, err = f.LookupInstance(ctx, "inst-1")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestFake_FailOnAndCallLog(t *testing.T) {
	ctx := context.Background()
	f := seeded()
	boom := errors.New("boom")
	f.FailOn("GetVolume", boom)

	_, err := f.GetVolume(ctx, "vol-root")
	assert.Equal(t, boom, err)
	_, _ = f.LookupProject(ctx, "alpha")

	assert.Equal(t, []string{"GetVolume", "LookupProject"}, f.CallNames())
	calls := f.CallsTo("LookupProject")
	require.Len(t, calls, 1)
	assert.Equal(t, []interface{}{"alpha"}, calls[0].Args)
}

func TestFake_Seed(t *testing.T) {
	f := cloudapi.NewFake()
	err := f.Seed(strings.NewReader(`
projects:
  - {id: proj-a, name: alpha}
instances:
  - {id: inst-1, name: web, project_id: proj-a, flavor_id: m1.small}
volumes:
  - id: vol-1
    project_id: proj-a
    bootable: true
    attachments: [{server_id: inst-1, device: /dev/vda}]
`))
	require.NoError(t, err)

	inst, err := f.LookupInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "m1.small", inst.FlavorID)
	assert.Equal(t, []string{"vol-1"}, inst.VolumeIDs)

	assert.Error(t, cloudapi.NewFake().Seed(strings.NewReader("projects: [{idd: x}]")))
}

func TestFake_DeleteLagKeepsInstanceVisible(t *testing.T) {
	ctx := context.Background()
	f := cloudapi.NewFake()
	f.DeleteLag = 2
	f.AddProject(cloudapi.Project{ID: "proj-a"})
	f.AddInstance(cloudapi.Instance{ID: "inst-1", ProjectID: "proj-a"})
	f.SetStatuses("inst-1", cloudapi.InstanceError)

	require.NoError(t, f.DeleteInstance(ctx, "inst-1"))
	_, ok := f.Instance("inst-1")
	assert.False(t, ok)

	var seen []string
	for i := 0; i < 4; i++ {
		s, err := f.GetInstanceStatus(ctx, "inst-1")
		require.NoError(t, err)
		seen = append(seen, s)
	}
	assert.Equal(t, []string{
		cloudapi.InstanceError, cloudapi.InstanceError,
		cloudapi.InstanceDeleted, cloudapi.InstanceDeleted,
	}, seen)
}
