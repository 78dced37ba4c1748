package stages

import (
	"context"

	"github.com/juju/errors"

	"instance-transfer/src/cloudapi"
	"instance-transfer/src/poll"
)

// AttachVolumes attaches each volume to instanceID at its recorded device
// path. With WaitForAttach set it then waits until every volume is in-use.
func (r *Runner) AttachVolumes(ctx context.Context, instanceID string, volumes []cloudapi.Volume) error {
	if len(volumes) == 0 {
		return nil
	}
	done := r.progress.Start("attach", "attaching %d volume(s) to %s", len(volumes), instanceID)
	err := r.attach(ctx, instanceID, volumes)
	done(err)
	return err
}

func (r *Runner) attach(ctx context.Context, instanceID string, volumes []cloudapi.Volume) error {
	for _, v := range volumes {
		if err := r.client.AttachVolume(ctx, instanceID, v.ID, v.Device); err != nil {
			return errors.Annotatef(err, "attaching volume %s at %s", v.ID, v.Device)
		}
		logger.Debugf("attached volume %s to %s at %s", v.ID, instanceID, v.Device)
	}
	if !r.waitForAttach {
		return nil
	}
	spec := newSpec(r, "volume attachment", volumes, r.deadlines.Attach)
	spec.ID = func(v cloudapi.Volume) string { return v.ID }
	spec.Fetch = func(ctx context.Context, v cloudapi.Volume) (string, error) {
		return r.client.GetVolumeStatus(ctx, v.ID)
	}
	spec.Succeeded = is(cloudapi.StatusInUse)
	spec.Failed = is(cloudapi.StatusError)
	_, err := poll.Until(ctx, spec)
	return err
}
