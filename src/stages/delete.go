package stages

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/errors"

	"instance-transfer/src/cloudapi"
	"instance-transfer/src/manifest"
	"instance-transfer/src/poll"
)

// DeleteInstance deletes an instance and waits until it is gone.
func (r *Runner) DeleteInstance(ctx context.Context, instanceID string) error {
	done := r.progress.Start("delete", "deleting instance %s", instanceID)
	err := r.deleteInstance(ctx, instanceID)
	done(err)
	return err
}

func (r *Runner) deleteInstance(ctx context.Context, instanceID string) error {
	if err := r.client.DeleteInstance(ctx, instanceID); err != nil {
		return errors.Annotatef(err, "deleting instance %s", instanceID)
	}
	spec := newSpec(r, "instance deletion", []string{instanceID}, r.deadlines.Delete)
	spec.ID = func(id string) string { return id }
	spec.Fetch = r.client.GetInstanceStatus
	spec.Succeeded = is(cloudapi.InstanceDeleted)
	// A deleted instance keeps reporting its last status, ERROR included,
	// until it is gone.
	spec.Failed = func(string) bool { return false }
	_, err := poll.Until(ctx, spec)
	return err
}

// WaitAvailable waits until volumes released by a deleted instance are
// available again.
func (r *Runner) WaitAvailable(ctx context.Context, volumes []cloudapi.Volume) ([]cloudapi.Volume, error) {
	if len(volumes) == 0 {
		return volumes, nil
	}
	spec := newSpec(r, "released volume", volumes, r.deadlines.Attach)
	spec.ID = func(v cloudapi.Volume) string { return v.ID }
	spec.Fetch = func(ctx context.Context, v cloudapi.Volume) (string, error) {
		return r.client.GetVolumeStatus(ctx, v.ID)
	}
	spec.Succeeded = is(cloudapi.StatusAvailable)
	spec.Failed = is(cloudapi.StatusError)
	spec.Settle = func(v cloudapi.Volume, status string) cloudapi.Volume {
		v.Status = status
		return v
	}
	return poll.Until(ctx, spec)
}

// DeleteSnapshots deletes every snapshot, continuing past failures.
func (r *Runner) DeleteSnapshots(ctx context.Context, snapshots []cloudapi.Snapshot) error {
	ids := make([]string, len(snapshots))
	for i, s := range snapshots {
		ids[i] = s.ID
	}
	r.progress.Printf("cleanup", "deleting %d volume snapshot(s)", len(ids))
	return r.deleteAll(ctx, manifest.VolumeSnapshot, ids, r.client.DeleteSnapshot)
}

// DeleteImageSnapshot deletes an image snapshot.
func (r *Runner) DeleteImageSnapshot(ctx context.Context, imageID string) error {
	r.progress.Printf("cleanup", "deleting image %s", imageID)
	return r.deleteAll(ctx, manifest.InstanceSnapshot, []string{imageID}, r.client.DeleteImageSnapshot)
}

// DeleteVolumes deletes every volume, continuing past failures.
func (r *Runner) DeleteVolumes(ctx context.Context, volumeIDs []string) error {
	r.progress.Printf("cleanup", "deleting %d volume(s)", len(volumeIDs))
	return r.deleteAll(ctx, manifest.Volume, volumeIDs, r.client.DeleteVolume)
}

func (r *Runner) deleteAll(ctx context.Context, cat manifest.Category, ids []string, del func(context.Context, string) error) error {
	var result *multierror.Error
	for _, id := range ids {
		if err := del(ctx, id); err != nil {
			result = multierror.Append(result, errors.Annotatef(err, "deleting %s %s", cat, id))
			continue
		}
		r.manifest.Discard(cat, id)
	}
	return result.ErrorOrNil()
}
