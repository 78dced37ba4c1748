package stages

import (
	"context"

	"github.com/juju/errors"

	"instance-transfer/src/cloudapi"
	"instance-transfer/src/manifest"
	"instance-transfer/src/poll"
)

// SnapshotVolumes takes a forced snapshot of every volume and waits until
// all of them are available. Each snapshot inherits the bootable flag of
// its volume and the device path the volume has on sourceInstanceID.
func (r *Runner) SnapshotVolumes(ctx context.Context, volumes []cloudapi.Volume, sourceInstanceID string) ([]cloudapi.Snapshot, error) {
	done := r.progress.Start("snapshot", "creating %d volume snapshot(s)", len(volumes))
	snaps, err := r.snapshotVolumes(ctx, volumes, sourceInstanceID)
	done(err)
	return snaps, err
}

func (r *Runner) snapshotVolumes(ctx context.Context, volumes []cloudapi.Volume, sourceInstanceID string) ([]cloudapi.Snapshot, error) {
	snaps := make([]cloudapi.Snapshot, 0, len(volumes))
	for _, v := range volumes {
		device, ok := v.DeviceFor(sourceInstanceID)
		if !ok {
			device = v.Device
		}
		s, err := r.createSnapshot(ctx, v.ID, v.Bootable, device)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}

	spec := newSpec(r, "volume snapshot", snaps, r.deadlines.Snapshot)
	spec.ID = func(s cloudapi.Snapshot) string { return s.ID }
	spec.Fetch = func(ctx context.Context, s cloudapi.Snapshot) (string, error) {
		return r.client.GetSnapshotStatus(ctx, s.ID)
	}
	spec.Succeeded = is(cloudapi.StatusAvailable)
	spec.Failed = is(cloudapi.StatusError)
	spec.Recreate = func(ctx context.Context, s cloudapi.Snapshot) (cloudapi.Snapshot, error) {
		r.discard(ctx, manifest.VolumeSnapshot, s.ID, r.client.DeleteSnapshot)
		return r.createSnapshot(ctx, s.VolumeID, s.Bootable, s.Device)
	}
	spec.Settle = func(s cloudapi.Snapshot, status string) cloudapi.Snapshot {
		s.Status = status
		return s
	}
	return poll.Until(ctx, spec)
}

func (r *Runner) createSnapshot(ctx context.Context, volumeID string, bootable bool, device string) (cloudapi.Snapshot, error) {
	s, err := r.client.CreateVolumeSnapshot(ctx, volumeID)
	if err != nil {
		return cloudapi.Snapshot{}, errors.Annotatef(err, "snapshotting volume %s", volumeID)
	}
	r.manifest.Record(manifest.VolumeSnapshot, s.ID)
	s.VolumeID = volumeID
	s.Bootable = bootable
	s.Device = device
	logger.Debugf("created snapshot %s of volume %s (device %q, bootable %t)", s.ID, volumeID, device, bootable)
	return s, nil
}

// ImageName is the name given to the image snapshot of an instance.
func ImageName(instanceName string) string {
	return "temp-snap-" + instanceName
}

// SnapshotInstance creates an image of the instance, waits for it to become
// active and sets its visibility.
func (r *Runner) SnapshotInstance(ctx context.Context, inst cloudapi.Instance, public bool) (cloudapi.ImageSnapshot, error) {
	done := r.progress.Start("snapshot", "creating image of instance %s", inst.Name)
	img, err := r.snapshotInstance(ctx, inst, public)
	done(err)
	return img, err
}

func (r *Runner) snapshotInstance(ctx context.Context, inst cloudapi.Instance, public bool) (cloudapi.ImageSnapshot, error) {
	name := ImageName(inst.Name)
	create := func(ctx context.Context) (cloudapi.ImageSnapshot, error) {
		img, err := r.client.CreateImageSnapshot(ctx, inst.ID, name)
		if err != nil {
			return cloudapi.ImageSnapshot{}, errors.Annotatef(err, "creating image of instance %s", inst.ID)
		}
		r.manifest.Record(manifest.InstanceSnapshot, img.ID)
		return img, nil
	}
	img, err := create(ctx)
	if err != nil {
		return cloudapi.ImageSnapshot{}, err
	}

	spec := newSpec(r, "instance snapshot", []cloudapi.ImageSnapshot{img}, r.deadlines.Image)
	spec.ID = func(i cloudapi.ImageSnapshot) string { return i.ID }
	spec.Fetch = func(ctx context.Context, i cloudapi.ImageSnapshot) (string, error) {
		return r.client.GetImageSnapshotStatus(ctx, i.ID)
	}
	spec.Succeeded = is(cloudapi.ImageActive)
	spec.Failed = is(cloudapi.ImageError)
	spec.Recreate = func(ctx context.Context, i cloudapi.ImageSnapshot) (cloudapi.ImageSnapshot, error) {
		r.discard(ctx, manifest.InstanceSnapshot, i.ID, r.client.DeleteImageSnapshot)
		return create(ctx)
	}
	spec.Settle = func(i cloudapi.ImageSnapshot, status string) cloudapi.ImageSnapshot {
		i.Status = status
		return i
	}
	ready, err := poll.Until(ctx, spec)
	if err != nil {
		return cloudapi.ImageSnapshot{}, err
	}
	img = ready[0]

	visibility := cloudapi.VisibilityPrivate
	if public {
		visibility = cloudapi.VisibilityPublic
	}
	if err := r.client.SetImageVisibility(ctx, img.ID, visibility); err != nil {
		return cloudapi.ImageSnapshot{}, errors.Annotatef(err, "setting visibility of image %s", img.ID)
	}
	img.Visibility = visibility
	return img, nil
}
