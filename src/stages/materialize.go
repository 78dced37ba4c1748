package stages

import (
	"context"

	"github.com/juju/errors"

	"instance-transfer/src/cloudapi"
	"instance-transfer/src/manifest"
	"instance-transfer/src/poll"
)

// MaterializeVolumes creates one volume per snapshot and waits until all of
// them are available. Device path and bootable flag carry over from the
// snapshot.
func (r *Runner) MaterializeVolumes(ctx context.Context, snapshots []cloudapi.Snapshot) ([]cloudapi.Volume, error) {
	done := r.progress.Start("volume", "creating %d volume(s) from snapshots", len(snapshots))
	vols, err := r.materialize(ctx, snapshots)
	done(err)
	return vols, err
}

func (r *Runner) materialize(ctx context.Context, snapshots []cloudapi.Snapshot) ([]cloudapi.Volume, error) {
	vols := make([]cloudapi.Volume, 0, len(snapshots))
	for _, s := range snapshots {
		v, err := r.createVolume(ctx, s)
		if err != nil {
			return nil, err
		}
		vols = append(vols, v)
	}

	spec := newSpec(r, "volume", vols, r.deadlines.Volume)
	spec.ID = func(v cloudapi.Volume) string { return v.ID }
	spec.Fetch = func(ctx context.Context, v cloudapi.Volume) (string, error) {
		return r.client.GetVolumeStatus(ctx, v.ID)
	}
	spec.Succeeded = is(cloudapi.StatusAvailable)
	spec.Failed = is(cloudapi.StatusError)
	spec.Recreate = func(ctx context.Context, v cloudapi.Volume) (cloudapi.Volume, error) {
		r.discard(ctx, manifest.Volume, v.ID, r.client.DeleteVolume)
		return r.createVolume(ctx, cloudapi.Snapshot{ID: v.SnapshotID, Bootable: v.Bootable, Device: v.Device})
	}
	spec.Settle = func(v cloudapi.Volume, status string) cloudapi.Volume {
		v.Status = status
		return v
	}
	return poll.Until(ctx, spec)
}

func (r *Runner) createVolume(ctx context.Context, s cloudapi.Snapshot) (cloudapi.Volume, error) {
	v, err := r.client.CreateVolumeFromSnapshot(ctx, s)
	if err != nil {
		return cloudapi.Volume{}, errors.Annotatef(err, "creating volume from snapshot %s", s.ID)
	}
	r.manifest.Record(manifest.Volume, v.ID)
	v.SnapshotID = s.ID
	v.Bootable = s.Bootable
	v.Device = s.Device
	return v, nil
}
