package stages

import (
	"context"

	"github.com/juju/errors"

	"instance-transfer/src/cloudapi"
	"instance-transfer/src/manifest"
	"instance-transfer/src/poll"
)

// BootFromVolume boots name in destProjectID from rootVolumeID and waits
// until it is ACTIVE. An instance in ERROR is deleted and booted again.
func (r *Runner) BootFromVolume(ctx context.Context, destProjectID, rootVolumeID, flavorID, name string) (cloudapi.Instance, error) {
	done := r.progress.Start("boot", "booting %s from volume %s", name, rootVolumeID)
	inst, err := r.boot(ctx, func(ctx context.Context) (cloudapi.Instance, error) {
		inst, err := r.client.BootFromVolume(ctx, destProjectID, rootVolumeID, flavorID, name)
		return inst, errors.Annotatef(err, "booting %s from volume %s", name, rootVolumeID)
	})
	done(err)
	return inst, err
}

// BootFromImage boots name in destProjectID from imageID and waits until it
// is ACTIVE. An instance in ERROR is deleted and booted again.
func (r *Runner) BootFromImage(ctx context.Context, destProjectID, imageID, flavorID, name string) (cloudapi.Instance, error) {
	done := r.progress.Start("boot", "booting %s from image %s", name, imageID)
	inst, err := r.boot(ctx, func(ctx context.Context) (cloudapi.Instance, error) {
		inst, err := r.client.BootFromImage(ctx, destProjectID, imageID, flavorID, name)
		return inst, errors.Annotatef(err, "booting %s from image %s", name, imageID)
	})
	done(err)
	return inst, err
}

func (r *Runner) boot(ctx context.Context, issue func(context.Context) (cloudapi.Instance, error)) (cloudapi.Instance, error) {
	create := func(ctx context.Context) (cloudapi.Instance, error) {
		inst, err := issue(ctx)
		if err != nil {
			return cloudapi.Instance{}, err
		}
		r.manifest.Record(manifest.Instance, inst.ID)
		return inst, nil
	}
	inst, err := create(ctx)
	if err != nil {
		return cloudapi.Instance{}, err
	}

	spec := newSpec(r, "instance", []cloudapi.Instance{inst}, r.deadlines.Instance)
	spec.ID = func(i cloudapi.Instance) string { return i.ID }
	spec.Fetch = func(ctx context.Context, i cloudapi.Instance) (string, error) {
		return r.client.GetInstanceStatus(ctx, i.ID)
	}
	spec.Succeeded = is(cloudapi.InstanceActive)
	spec.Failed = is(cloudapi.InstanceError)
	spec.Recreate = func(ctx context.Context, i cloudapi.Instance) (cloudapi.Instance, error) {
		// The boot volume is released only once the failed instance is gone.
		if err := r.deleteInstance(ctx, i.ID); err != nil {
			return cloudapi.Instance{}, err
		}
		r.manifest.Discard(manifest.Instance, i.ID)
		return create(ctx)
	}
	spec.Settle = func(i cloudapi.Instance, status string) cloudapi.Instance {
		i.Status = status
		return i
	}
	ready, err := poll.Until(ctx, spec)
	if err != nil {
		return cloudapi.Instance{}, err
	}
	return ready[0], nil
}
