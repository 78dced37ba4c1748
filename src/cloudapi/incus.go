package cloudapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	incuscli "github.com/lxc/incus/client"
	"github.com/lxc/incus/shared/api"
)

// Identifiers handed out by the Incus client encode the project (and pool)
// since every Incus call is project-scoped:
//
//	instance  <project>/<name>
//	volume    <project>/<pool>/<name>
//	snapshot  <project>/<pool>/<volume>/<snapshot>
//	image     <project>/<fingerprint>
//
// Project ids are project names. Flavors are comma-separated profile lists.

const customVolume = "custom"

// opResult tracks a background operation started by a create call.
type opResult struct {
	done bool
	err  error
}

// Incus implements Client against a local Incus daemon.
type Incus struct {
	c incuscli.InstanceServer

	mu   sync.Mutex
	ops  map[string]*opResult
	xfer map[string]TransferRequest
	// copies records the projects an image was copied into for booting.
	copies map[string][]string
}

var _ Client = (*Incus)(nil)

// ConnectIncus connects to Incus via the UNIX socket. An empty path uses the
// default socket.
func ConnectIncus(socket string) (*Incus, error) {
	c, err := incuscli.ConnectIncusUnix(socket, nil)
	if err != nil {
		return nil, errors.Annotate(err, "connecting to incus")
	}
	return &Incus{
		c:      c,
		ops:    map[string]*opResult{},
		xfer:   map[string]TransferRequest{},
		copies: map[string][]string{},
	}, nil
}

func splitID(kind, id string, parts int) ([]string, error) {
	fields := strings.SplitN(id, "/", parts)
	if len(fields) != parts {
		return nil, errors.NotValidf("%s id %q", kind, id)
	}
	for _, f := range fields {
		if f == "" {
			return nil, errors.NotValidf("%s id %q", kind, id)
		}
	}
	return fields, nil
}

func isIncusNotFound(err error) bool {
	return api.StatusErrorCheck(err, http.StatusNotFound)
}

// track runs wait in the background and records its outcome under id.
func (c *Incus) track(id string, wait func() error) {
	res := &opResult{}
	c.mu.Lock()
	c.ops[id] = res
	c.mu.Unlock()
	go func() {
		err := wait()
		c.mu.Lock()
		res.done = true
		res.err = err
		c.mu.Unlock()
	}()
}

// pending reports whether the operation tracked under id is still running
// or has failed. Untracked ids are neither.
func (c *Incus) pending(id string) (running bool, failed error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.ops[id]
	if !ok {
		return false, nil
	}
	if !res.done {
		return true, nil
	}
	return false, res.err
}

func shortName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func (c *Incus) LookupProject(ctx context.Context, nameOrID string) (Project, error) {
	p, _, err := c.c.GetProject(nameOrID)
	if isIncusNotFound(err) {
		return Project{}, errors.NotFoundf("project %q", nameOrID)
	}
	if err != nil {
		return Project{}, errors.Annotatef(err, "getting project %q", nameOrID)
	}
	return Project{ID: p.Name, Name: p.Name}, nil
}

func incusStatus(inst *api.Instance) string {
	switch inst.StatusCode {
	case api.Running:
		return InstanceActive
	case api.Error:
		return InstanceError
	case api.Stopped:
		return "SHUTOFF"
	}
	return InstanceBuild
}

func isCustomDisk(dev map[string]string) bool {
	return dev["type"] == "disk" && dev["pool"] != "" && dev["source"] != "" && dev["path"] != "/"
}

func (c *Incus) toInstance(inst *api.Instance) Instance {
	out := Instance{
		ID:        inst.Project + "/" + inst.Name,
		Name:      inst.Name,
		Status:    incusStatus(inst),
		ProjectID: inst.Project,
		FlavorID:  strings.Join(inst.Profiles, ","),
	}
	for _, dev := range inst.Devices {
		if isCustomDisk(dev) {
			out.VolumeIDs = append(out.VolumeIDs, fmt.Sprintf("%s/%s/%s", inst.Project, dev["pool"], dev["source"]))
		}
	}
	return out
}

func (c *Incus) LookupInstance(ctx context.Context, id string) (Instance, error) {
	if strings.Contains(id, "/") {
		fields, err := splitID("instance", id, 2)
		if err != nil {
			return Instance{}, err
		}
		inst, _, err := c.c.UseProject(fields[0]).GetInstance(fields[1])
		if isIncusNotFound(err) {
			return Instance{}, errors.NotFoundf("instance %q", id)
		}
		if err != nil {
			return Instance{}, errors.Annotatef(err, "getting instance %q", id)
		}
		return c.toInstance(inst), nil
	}
	all, err := c.c.GetInstancesAllProjects(api.InstanceTypeAny)
	if err != nil {
		return Instance{}, errors.Annotate(err, "listing instances")
	}
	for i := range all {
		if all[i].Config["volatile.uuid"] == id {
			return c.toInstance(&all[i]), nil
		}
	}
	return Instance{}, errors.NotFoundf("instance %q", id)
}

func (c *Incus) ListAttachedVolumes(ctx context.Context, instanceID string) ([]Volume, error) {
	fields, err := splitID("instance", instanceID, 2)
	if err != nil {
		return nil, err
	}
	pc := c.c.UseProject(fields[0])
	inst, _, err := pc.GetInstance(fields[1])
	if err != nil {
		return nil, errors.Annotatef(err, "getting instance %q", instanceID)
	}
	var out []Volume
	for _, dev := range inst.Devices {
		if !isCustomDisk(dev) {
			continue
		}
		id := fmt.Sprintf("%s/%s/%s", fields[0], dev["pool"], dev["source"])
		v, err := c.GetVolume(ctx, id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		v.Device = dev["path"]
		v.Attachments = []Attachment{{ServerID: instanceID, Device: dev["path"]}}
		out = append(out, v)
	}
	return out, nil
}

func (c *Incus) GetVolume(ctx context.Context, id string) (Volume, error) {
	fields, err := splitID("volume", id, 3)
	if err != nil {
		return Volume{}, err
	}
	vol, _, err := c.c.UseProject(fields[0]).GetStoragePoolVolume(fields[1], customVolume, fields[2])
	if isIncusNotFound(err) {
		return Volume{}, errors.NotFoundf("volume %q", id)
	}
	if err != nil {
		return Volume{}, errors.Annotatef(err, "getting volume %q", id)
	}
	status := StatusAvailable
	if len(vol.UsedBy) > 0 {
		status = StatusInUse
	}
	return Volume{ID: id, Name: vol.Name, Status: status, ProjectID: fields[0]}, nil
}

func (c *Incus) CreateVolumeSnapshot(ctx context.Context, volumeID string) (Snapshot, error) {
	fields, err := splitID("volume", volumeID, 3)
	if err != nil {
		return Snapshot{}, err
	}
	name := shortName("transfer")
	op, err := c.c.UseProject(fields[0]).CreateStoragePoolVolumeSnapshot(fields[1], customVolume, fields[2],
		api.StorageVolumeSnapshotsPost{Name: name})
	if err != nil {
		return Snapshot{}, errors.Annotatef(err, "snapshotting volume %q", volumeID)
	}
	id := volumeID + "/" + name
	c.track(id, op.Wait)
	return Snapshot{ID: id, Status: StatusCreating, VolumeID: volumeID}, nil
}

func (c *Incus) GetSnapshotStatus(ctx context.Context, id string) (string, error) {
	running, failed := c.pending(id)
	switch {
	case running:
		return StatusCreating, nil
	case failed != nil:
		logger.Debugf("snapshot %s failed: %v", id, failed)
		return StatusError, nil
	}
	fields, err := splitID("snapshot", id, 4)
	if err != nil {
		return "", err
	}
	_, _, err = c.c.UseProject(fields[0]).GetStoragePoolVolumeSnapshot(fields[1], customVolume, fields[2], fields[3])
	if isIncusNotFound(err) {
		return "", errors.NotFoundf("snapshot %q", id)
	}
	if err != nil {
		return "", errors.Annotatef(err, "getting snapshot %q", id)
	}
	return StatusAvailable, nil
}

func (c *Incus) DeleteSnapshot(ctx context.Context, id string) error {
	fields, err := splitID("snapshot", id, 4)
	if err != nil {
		return err
	}
	op, err := c.c.UseProject(fields[0]).DeleteStoragePoolVolumeSnapshot(fields[1], customVolume, fields[2], fields[3])
	if err != nil {
		return errors.Annotatef(err, "deleting snapshot %q", id)
	}
	return errors.Annotatef(op.Wait(), "deleting snapshot %q", id)
}

func (c *Incus) CreateVolumeFromSnapshot(ctx context.Context, snapshot Snapshot) (Volume, error) {
	fields, err := splitID("snapshot", snapshot.ID, 4)
	if err != nil {
		return Volume{}, err
	}
	pc := c.c.UseProject(fields[0])
	name := shortName(fields[2])
	source := api.StorageVolume{Name: fields[2] + "/" + fields[3], Type: customVolume}
	op, err := pc.CopyStoragePoolVolume(fields[1], pc, fields[1], source, &incuscli.StoragePoolVolumeCopyArgs{Name: name})
	if err != nil {
		return Volume{}, errors.Annotatef(err, "creating volume from snapshot %q", snapshot.ID)
	}
	id := fmt.Sprintf("%s/%s/%s", fields[0], fields[1], name)
	c.track(id, op.Wait)
	return Volume{
		ID:         id,
		Name:       name,
		Status:     StatusCreating,
		Bootable:   snapshot.Bootable,
		Device:     snapshot.Device,
		ProjectID:  fields[0],
		SnapshotID: snapshot.ID,
	}, nil
}

func (c *Incus) GetVolumeStatus(ctx context.Context, id string) (string, error) {
	running, failed := c.pending(id)
	switch {
	case running:
		return StatusCreating, nil
	case failed != nil:
		logger.Debugf("volume %s failed: %v", id, failed)
		return StatusError, nil
	}
	v, err := c.GetVolume(ctx, id)
	if err != nil {
		return "", errors.Trace(err)
	}
	return v.Status, nil
}

func (c *Incus) DeleteVolume(ctx context.Context, id string) error {
	fields, err := splitID("volume", id, 3)
	if err != nil {
		return err
	}
	err = c.c.UseProject(fields[0]).DeleteStoragePoolVolume(fields[1], customVolume, fields[2])
	return errors.Annotatef(err, "deleting volume %q", id)
}

// CreateTransferRequest records a pending move. Incus has no transfer
// primitive; the auth key only guards against accepting a foreign request.
func (c *Incus) CreateTransferRequest(ctx context.Context, volumeID string) (TransferRequest, error) {
	if _, err := c.GetVolume(ctx, volumeID); err != nil {
		return TransferRequest{}, errors.Trace(err)
	}
	t := TransferRequest{ID: uuid.NewString(), AuthKey: uuid.NewString(), VolumeID: volumeID}
	c.mu.Lock()
	c.xfer[t.ID] = t
	c.mu.Unlock()
	return t, nil
}

// AcceptTransferRequest moves the volume into the destination project.
func (c *Incus) AcceptTransferRequest(ctx context.Context, id, authKey, projectID string) (Volume, error) {
	c.mu.Lock()
	t, ok := c.xfer[id]
	c.mu.Unlock()
	if !ok {
		return Volume{}, errors.NotFoundf("transfer request %q", id)
	}
	if t.AuthKey != authKey {
		return Volume{}, errors.Unauthorizedf("transfer request %q: bad auth key", id)
	}
	fields, err := splitID("volume", t.VolumeID, 3)
	if err != nil {
		return Volume{}, err
	}
	pc := c.c.UseProject(fields[0])
	vol, _, err := pc.GetStoragePoolVolume(fields[1], customVolume, fields[2])
	if err != nil {
		return Volume{}, errors.Annotatef(err, "getting volume %q", t.VolumeID)
	}
	op, err := pc.MoveStoragePoolVolume(fields[1], pc, fields[1], *vol, &incuscli.StoragePoolVolumeMoveArgs{
		StoragePoolVolumeCopyArgs: incuscli.StoragePoolVolumeCopyArgs{Name: fields[2]},
		Project:                   projectID,
	})
	if err != nil {
		return Volume{}, errors.Annotatef(err, "moving volume %q to project %s", t.VolumeID, projectID)
	}
	if err := op.Wait(); err != nil {
		return Volume{}, errors.Annotatef(err, "moving volume %q to project %s", t.VolumeID, projectID)
	}
	c.mu.Lock()
	t.Accepted = true
	c.xfer[id] = t
	c.mu.Unlock()
	return c.GetVolume(ctx, fmt.Sprintf("%s/%s/%s", projectID, fields[1], fields[2]))
}

func (c *Incus) BootFromVolume(ctx context.Context, projectID, volumeID, flavorID, name string) (Instance, error) {
	return Instance{}, errors.NotSupportedf("booting from a custom volume on incus")
}

func profiles(flavorID string) []string {
	if flavorID == "" {
		return nil
	}
	return strings.Split(flavorID, ",")
}

func (c *Incus) BootFromImage(ctx context.Context, projectID, imageID, flavorID, name string) (Instance, error) {
	fields, err := splitID("image", imageID, 2)
	if err != nil {
		return Instance{}, err
	}
	src := c.c.UseProject(fields[0])
	dst := c.c.UseProject(projectID)
	if fields[0] != projectID {
		img, _, err := src.GetImage(fields[1])
		if err != nil {
			return Instance{}, errors.Annotatef(err, "getting image %q", imageID)
		}
		op, err := dst.CopyImage(src, *img, &incuscli.ImageCopyArgs{})
		if err != nil {
			return Instance{}, errors.Annotatef(err, "copying image %q to project %s", imageID, projectID)
		}
		if err := op.Wait(); err != nil {
			return Instance{}, errors.Annotatef(err, "copying image %q to project %s", imageID, projectID)
		}
		c.mu.Lock()
		c.copies[imageID] = append(c.copies[imageID], projectID)
		c.mu.Unlock()
	}
	op, err := dst.CreateInstance(api.InstancesPost{
		Name:        name,
		Source:      api.InstanceSource{Type: "image", Fingerprint: fields[1]},
		InstancePut: api.InstancePut{Profiles: profiles(flavorID)},
	})
	if err != nil {
		return Instance{}, errors.Annotatef(err, "creating instance %q from image %q", name, imageID)
	}
	id := projectID + "/" + name
	c.track(id, func() error {
		if err := op.Wait(); err != nil {
			return err
		}
		start, err := dst.UpdateInstanceState(name, api.InstanceStatePut{Action: "start", Timeout: -1}, "")
		if err != nil {
			return err
		}
		return start.Wait()
	})
	return Instance{ID: id, Name: name, Status: InstanceBuild, ProjectID: projectID, FlavorID: flavorID}, nil
}

func (c *Incus) GetInstanceStatus(ctx context.Context, id string) (string, error) {
	running, failed := c.pending(id)
	switch {
	case running:
		return InstanceBuild, nil
	case failed != nil:
		logger.Debugf("instance %s failed: %v", id, failed)
		return InstanceError, nil
	}
	fields, err := splitID("instance", id, 2)
	if err != nil {
		return "", err
	}
	inst, _, err := c.c.UseProject(fields[0]).GetInstance(fields[1])
	if isIncusNotFound(err) {
		return InstanceDeleted, nil
	}
	if err != nil {
		return "", errors.Annotatef(err, "getting instance %q", id)
	}
	return incusStatus(inst), nil
}

func (c *Incus) DeleteInstance(ctx context.Context, id string) error {
	fields, err := splitID("instance", id, 2)
	if err != nil {
		return err
	}
	pc := c.c.UseProject(fields[0])
	if stop, err := pc.UpdateInstanceState(fields[1], api.InstanceStatePut{Action: "stop", Force: true, Timeout: -1}, ""); err == nil {
		_ = stop.Wait()
	}
	op, err := pc.DeleteInstance(fields[1])
	if err != nil {
		return errors.Annotatef(err, "deleting instance %q", id)
	}
	c.mu.Lock()
	delete(c.ops, id)
	c.mu.Unlock()
	return errors.Annotatef(op.Wait(), "deleting instance %q", id)
}

func (c *Incus) AttachVolume(ctx context.Context, instanceID, volumeID, device string) error {
	inst, err := splitID("instance", instanceID, 2)
	if err != nil {
		return err
	}
	vol, err := splitID("volume", volumeID, 3)
	if err != nil {
		return err
	}
	if inst[0] != vol[0] {
		return errors.Forbiddenf("volume %q outside project %s", volumeID, inst[0])
	}
	pc := c.c.UseProject(inst[0])
	current, etag, err := pc.GetInstance(inst[1])
	if err != nil {
		return errors.Annotatef(err, "getting instance %q", instanceID)
	}
	put := current.Writable()
	if put.Devices == nil {
		put.Devices = map[string]map[string]string{}
	}
	put.Devices[vol[2]] = map[string]string{
		"type":   "disk",
		"pool":   vol[1],
		"source": vol[2],
		"path":   device,
	}
	op, err := pc.UpdateInstance(inst[1], put, etag)
	if err != nil {
		return errors.Annotatef(err, "attaching volume %q to %q", volumeID, instanceID)
	}
	return errors.Annotatef(op.Wait(), "attaching volume %q to %q", volumeID, instanceID)
}

// CreateImageSnapshot publishes a snapshot of the instance as an image. The
// publish is waited for since the fingerprint is only known once it is done.
func (c *Incus) CreateImageSnapshot(ctx context.Context, instanceID, name string) (ImageSnapshot, error) {
	fields, err := splitID("instance", instanceID, 2)
	if err != nil {
		return ImageSnapshot{}, err
	}
	pc := c.c.UseProject(fields[0])
	snap := shortName("transfer")
	op, err := pc.CreateInstanceSnapshot(fields[1], api.InstanceSnapshotsPost{Name: snap})
	if err != nil {
		return ImageSnapshot{}, errors.Annotatef(err, "snapshotting instance %q", instanceID)
	}
	if err := op.Wait(); err != nil {
		return ImageSnapshot{}, errors.Annotatef(err, "snapshotting instance %q", instanceID)
	}
	defer func() {
		if del, err := pc.DeleteInstanceSnapshot(fields[1], snap); err == nil {
			_ = del.Wait()
		}
	}()

	publish, err := pc.CreateImage(api.ImagesPost{
		Source:   &api.ImagesPostSource{Type: "snapshot", Name: fields[1] + "/" + snap},
		ImagePut: api.ImagePut{Properties: map[string]string{"description": name}},
	}, nil)
	if err != nil {
		return ImageSnapshot{}, errors.Annotatef(err, "publishing instance %q", instanceID)
	}
	if err := publish.Wait(); err != nil {
		return ImageSnapshot{}, errors.Annotatef(err, "publishing instance %q", instanceID)
	}
	fingerprint, _ := publish.Get().Metadata["fingerprint"].(string)
	if fingerprint == "" {
		return ImageSnapshot{}, errors.Errorf("publishing instance %q returned no fingerprint", instanceID)
	}
	return ImageSnapshot{
		ID:         fields[0] + "/" + fingerprint,
		Name:       name,
		Status:     ImageActive,
		Visibility: VisibilityPrivate,
	}, nil
}

func (c *Incus) GetImageSnapshotStatus(ctx context.Context, id string) (string, error) {
	fields, err := splitID("image", id, 2)
	if err != nil {
		return "", err
	}
	_, _, err = c.c.UseProject(fields[0]).GetImage(fields[1])
	if isIncusNotFound(err) {
		return ImageError, nil
	}
	if err != nil {
		return "", errors.Annotatef(err, "getting image %q", id)
	}
	return ImageActive, nil
}

func (c *Incus) SetImageVisibility(ctx context.Context, id string, visibility Visibility) error {
	fields, err := splitID("image", id, 2)
	if err != nil {
		return err
	}
	pc := c.c.UseProject(fields[0])
	img, etag, err := pc.GetImage(fields[1])
	if err != nil {
		return errors.Annotatef(err, "getting image %q", id)
	}
	put := img.Writable()
	put.Public = visibility == VisibilityPublic
	return errors.Annotatef(pc.UpdateImage(fields[1], put, etag), "updating image %q", id)
}

func (c *Incus) DeleteImageSnapshot(ctx context.Context, id string) error {
	fields, err := splitID("image", id, 2)
	if err != nil {
		return err
	}
	c.mu.Lock()
	projects := append([]string{fields[0]}, c.copies[id]...)
	delete(c.copies, id)
	c.mu.Unlock()
	for _, p := range projects {
		op, err := c.c.UseProject(p).DeleteImage(fields[1])
		if err != nil {
			return errors.Annotatef(err, "deleting image %q in project %s", id, p)
		}
		if err := op.Wait(); err != nil {
			return errors.Annotatef(err, "deleting image %q in project %s", id, p)
		}
	}
	return nil
}
