package stages

import (
	"context"

	"github.com/juju/errors"

	"instance-transfer/src/cloudapi"
	"instance-transfer/src/manifest"
)

// RequestTransfer creates one transfer request per volume, in order.
func (r *Runner) RequestTransfer(ctx context.Context, volumes []cloudapi.Volume) ([]cloudapi.TransferRequest, error) {
	r.progress.Printf("transfer", "requesting transfer of %d volume(s)", len(volumes))
	reqs := make([]cloudapi.TransferRequest, 0, len(volumes))
	for _, v := range volumes {
		t, err := r.client.CreateTransferRequest(ctx, v.ID)
		if err != nil {
			return nil, errors.Annotatef(err, "requesting transfer of volume %s", v.ID)
		}
		r.manifest.Record(manifest.TransferRequest, t.ID)
		if t.VolumeID == "" {
			t.VolumeID = v.ID
		}
		reqs = append(reqs, t)
	}
	return reqs, nil
}

// AcceptTransfer redeems every request for destProjectID and returns the
// volumes as now owned by it, in request order.
func (r *Runner) AcceptTransfer(ctx context.Context, requests []cloudapi.TransferRequest, destProjectID string) ([]cloudapi.Volume, error) {
	done := r.progress.Start("transfer", "accepting %d transfer(s) into project %s", len(requests), destProjectID)
	vols, err := r.accept(ctx, requests, destProjectID)
	done(err)
	return vols, err
}

func (r *Runner) accept(ctx context.Context, requests []cloudapi.TransferRequest, destProjectID string) ([]cloudapi.Volume, error) {
	vols := make([]cloudapi.Volume, 0, len(requests))
	for _, t := range requests {
		v, err := r.client.AcceptTransferRequest(ctx, t.ID, t.AuthKey, destProjectID)
		if err != nil {
			return nil, errors.Annotatef(err, "accepting transfer %s", t.ID)
		}
		if v.ID != t.VolumeID && r.manifest.Has(manifest.Volume, t.VolumeID) {
			// The backend encodes ownership in the id.
			r.manifest.Record(manifest.Volume, v.ID)
			r.manifest.Discard(manifest.Volume, t.VolumeID)
		}
		vols = append(vols, v)
	}
	return vols, nil
}
