package migrate

import (
	"context"

	"instance-transfer/src/cloudapi"
)

// run carries the state of one migration through its branch.
type run struct {
	m     *Migrator
	facts Facts
	name  string

	instance cloudapi.Instance
	attached []cloudapi.Volume
}

// copyVolumeBacked snapshots every volume, boots from the copy of the root
// volume and attaches the copies of the others.
func (r *run) copyVolumeBacked(ctx context.Context) error {
	st := r.m.stages
	r.m.enter(Backup)
	snaps, err := st.SnapshotVolumes(ctx, r.facts.Volumes, r.facts.Instance.ID)
	if err != nil {
		return err
	}
	r.m.enter(Materialize)
	vols, err := st.MaterializeVolumes(ctx, snaps)
	if err != nil {
		return err
	}
	r.m.enter(Transfer)
	owned, err := r.transfer(ctx, vols)
	if err != nil {
		return err
	}
	root, others := r.splitRoot(owned)
	if err := r.bootFromVolume(ctx, root, others); err != nil {
		return err
	}
	r.m.enter(Cleanup)
	r.warn(st.DeleteSnapshots(ctx, snaps))
	return nil
}

// moveVolumeBacked snapshots the root volume only, deletes the source
// instance once that snapshot is available, and hands the other volumes
// over as they are.
func (r *run) moveVolumeBacked(ctx context.Context) error {
	st := r.m.stages
	origRoot, _ := r.facts.RootVolume()
	r.m.enter(Backup)
	snaps, err := st.SnapshotVolumes(ctx, []cloudapi.Volume{origRoot}, r.facts.Instance.ID)
	if err != nil {
		return err
	}
	if err := st.DeleteInstance(ctx, r.facts.Instance.ID); err != nil {
		return err
	}
	others, err := st.WaitAvailable(ctx, r.facts.Others())
	if err != nil {
		return err
	}
	r.m.enter(Materialize)
	roots, err := st.MaterializeVolumes(ctx, snaps)
	if err != nil {
		return err
	}
	r.m.enter(Transfer)
	owned, err := r.transfer(ctx, append(roots, others...))
	if err != nil {
		return err
	}
	if err := r.bootFromVolume(ctx, owned[0], owned[1:]); err != nil {
		return err
	}
	r.m.enter(Cleanup)
	r.warn(st.DeleteSnapshots(ctx, snaps))
	r.warn(st.DeleteVolumes(ctx, []string{origRoot.ID}))
	return nil
}

// copyEphemeral publishes an image of the instance, copies its volumes and
// boots the image in the destination.
func (r *run) copyEphemeral(ctx context.Context) error {
	st := r.m.stages
	r.m.enter(Backup)
	img, err := st.SnapshotInstance(ctx, r.facts.Instance, true)
	if err != nil {
		return err
	}
	var snaps []cloudapi.Snapshot
	if len(r.facts.Volumes) > 0 {
		if snaps, err = st.SnapshotVolumes(ctx, r.facts.Volumes, r.facts.Instance.ID); err != nil {
			return err
		}
	}
	r.m.enter(Materialize)
	var vols []cloudapi.Volume
	if len(snaps) > 0 {
		if vols, err = st.MaterializeVolumes(ctx, snaps); err != nil {
			return err
		}
	}
	r.m.enter(Transfer)
	owned, err := r.transfer(ctx, vols)
	if err != nil {
		return err
	}
	if err := r.bootFromImage(ctx, img.ID, owned); err != nil {
		return err
	}
	r.m.enter(Cleanup)
	if len(snaps) > 0 {
		r.warn(st.DeleteSnapshots(ctx, snaps))
	}
	r.warn(st.DeleteImageSnapshot(ctx, img.ID))
	return nil
}

// moveEphemeral publishes an image of the instance, deletes the source and
// hands its volumes over as they are.
func (r *run) moveEphemeral(ctx context.Context) error {
	st := r.m.stages
	r.m.enter(Backup)
	img, err := st.SnapshotInstance(ctx, r.facts.Instance, true)
	if err != nil {
		return err
	}
	if err := st.DeleteInstance(ctx, r.facts.Instance.ID); err != nil {
		return err
	}
	vols, err := st.WaitAvailable(ctx, r.facts.Volumes)
	if err != nil {
		return err
	}
	r.m.enter(Materialize)
	r.m.enter(Transfer)
	owned, err := r.transfer(ctx, vols)
	if err != nil {
		return err
	}
	if err := r.bootFromImage(ctx, img.ID, owned); err != nil {
		return err
	}
	r.m.enter(Cleanup)
	r.warn(st.DeleteImageSnapshot(ctx, img.ID))
	return nil
}

// transfer hands vols to the destination project. The returned volumes keep
// the device path and bootable flag of their inputs.
func (r *run) transfer(ctx context.Context, vols []cloudapi.Volume) ([]cloudapi.Volume, error) {
	if len(vols) == 0 {
		return nil, nil
	}
	st := r.m.stages
	reqs, err := st.RequestTransfer(ctx, vols)
	if err != nil {
		return nil, err
	}
	owned, err := st.AcceptTransfer(ctx, reqs, r.facts.DestProject.ID)
	if err != nil {
		return nil, err
	}
	for i := range owned {
		owned[i].Device = vols[i].Device
		owned[i].Bootable = vols[i].Bootable
	}
	return owned, nil
}

// splitRoot picks the volume at the root device out of vols.
func (r *run) splitRoot(vols []cloudapi.Volume) (cloudapi.Volume, []cloudapi.Volume) {
	var (
		root   cloudapi.Volume
		others []cloudapi.Volume
	)
	for _, v := range vols {
		if v.Device == r.m.rootDevice && root.ID == "" {
			root = v
			continue
		}
		others = append(others, v)
	}
	return root, others
}

func (r *run) bootFromVolume(ctx context.Context, root cloudapi.Volume, others []cloudapi.Volume) error {
	st := r.m.stages
	r.m.enter(Provision)
	inst, err := st.BootFromVolume(ctx, r.facts.DestProject.ID, root.ID, r.facts.Instance.FlavorID, r.name)
	if err != nil {
		return err
	}
	r.instance = inst
	r.attached = append(r.attached, root)
	return r.attach(ctx, others)
}

func (r *run) bootFromImage(ctx context.Context, imageID string, vols []cloudapi.Volume) error {
	st := r.m.stages
	r.m.enter(Provision)
	inst, err := st.BootFromImage(ctx, r.facts.DestProject.ID, imageID, r.facts.Instance.FlavorID, r.name)
	if err != nil {
		return err
	}
	r.instance = inst
	return r.attach(ctx, vols)
}

func (r *run) attach(ctx context.Context, vols []cloudapi.Volume) error {
	r.m.enter(Attach)
	if err := r.m.stages.AttachVolumes(ctx, r.instance.ID, vols); err != nil {
		return err
	}
	r.attached = append(r.attached, vols...)
	return nil
}

// warn logs a cleanup failure. Cleanup never changes the outcome.
func (r *run) warn(err error) {
	if err != nil {
		logger.Warningf("cleanup incomplete: %v", err)
	}
}
