package cloudapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/blockstorage/extensions/volumetenants"
	"github.com/gophercloud/gophercloud/openstack/blockstorage/extensions/volumetransfers"
	"github.com/gophercloud/gophercloud/openstack/blockstorage/v3/snapshots"
	"github.com/gophercloud/gophercloud/openstack/blockstorage/v3/volumes"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/bootfromvolume"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/volumeattach"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/openstack/identity/v3/projects"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("instance-transfer.cloudapi")

// OpenStackCredentials identify an admin user that is a member of both the
// source and the destination project.
type OpenStackCredentials struct {
	AuthURL           string
	Username          string
	Password          string
	UserDomainName    string
	ProjectID         string
	ProjectName       string
	ProjectDomainName string
	Region            string
}

type openstackServices struct {
	identity *gophercloud.ServiceClient
	compute  *gophercloud.ServiceClient
	volume   *gophercloud.ServiceClient
	image    *gophercloud.ServiceClient
}

// OpenStack implements Client on top of gophercloud.
type OpenStack struct {
	creds OpenStackCredentials
	base  *openstackServices

	mu sync.Mutex
	// scoped holds service clients re-scoped to a project, used for the
	// calls that must run under the destination project's authorization.
	scoped map[string]*openstackServices
	// owners maps instances booted by this client to their project.
	owners map[string]string
}

var _ Client = (*OpenStack)(nil)

// ConnectOpenStack authenticates with the configured credentials.
func ConnectOpenStack(ctx context.Context, creds OpenStackCredentials) (*OpenStack, error) {
	c := &OpenStack{
		creds:  creds,
		scoped: map[string]*openstackServices{},
		owners: map[string]string{},
	}
	base, err := c.connect(ctx, "")
	if err != nil {
		return nil, errors.Annotate(err, "connecting to openstack")
	}
	c.base = base
	return c, nil
}

func (c *OpenStack) authOptions(projectID string) gophercloud.AuthOptions {
	opts := gophercloud.AuthOptions{
		IdentityEndpoint: c.creds.AuthURL,
		Username:         c.creds.Username,
		Password:         c.creds.Password,
		DomainName:       c.creds.UserDomainName,
		AllowReauth:      true,
	}
	switch {
	case projectID != "":
		opts.Scope = &gophercloud.AuthScope{ProjectID: projectID}
	case c.creds.ProjectID != "":
		opts.Scope = &gophercloud.AuthScope{ProjectID: c.creds.ProjectID}
	case c.creds.ProjectName != "":
		opts.Scope = &gophercloud.AuthScope{
			ProjectName: c.creds.ProjectName,
			DomainName:  c.creds.ProjectDomainName,
		}
	}
	return opts
}

func (c *OpenStack) connect(ctx context.Context, projectID string) (*openstackServices, error) {
	provider, err := openstack.AuthenticatedClient(c.authOptions(projectID))
	if err != nil {
		return nil, errors.Annotate(err, "authentication failed")
	}
	provider.Context = ctx
	endpoint := gophercloud.EndpointOpts{Region: c.creds.Region}

	var s openstackServices
	if s.identity, err = openstack.NewIdentityV3(provider, endpoint); err != nil {
		return nil, errors.Annotate(err, "identity endpoint")
	}
	if s.compute, err = openstack.NewComputeV2(provider, endpoint); err != nil {
		return nil, errors.Annotate(err, "compute endpoint")
	}
	if s.volume, err = openstack.NewBlockStorageV3(provider, endpoint); err != nil {
		return nil, errors.Annotate(err, "volume endpoint")
	}
	if s.image, err = openstack.NewImageServiceV2(provider, endpoint); err != nil {
		return nil, errors.Annotate(err, "image endpoint")
	}
	return &s, nil
}

// forProject returns service clients scoped to projectID, authenticating on
// first use.
func (c *OpenStack) forProject(ctx context.Context, projectID string) (*openstackServices, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.scoped[projectID]; ok {
		return s, nil
	}
	logger.Debugf("authenticating for project %s", projectID)
	s, err := c.connect(ctx, projectID)
	if err != nil {
		return nil, errors.Annotatef(err, "scoping to project %s", projectID)
	}
	c.scoped[projectID] = s
	return s, nil
}

func isNotFound(err error) bool {
	var notFound gophercloud.ErrDefault404
	return errors.As(err, &notFound)
}

func (c *OpenStack) LookupProject(ctx context.Context, nameOrID string) (Project, error) {
	p, err := projects.Get(c.base.identity, nameOrID).Extract()
	if err == nil {
		return Project{ID: p.ID, Name: p.Name}, nil
	}
	if !isNotFound(err) {
		return Project{}, errors.Annotatef(err, "getting project %q", nameOrID)
	}
	pages, err := projects.List(c.base.identity, projects.ListOpts{Name: nameOrID}).AllPages()
	if err != nil {
		return Project{}, errors.Annotatef(err, "listing projects named %q", nameOrID)
	}
	found, err := projects.ExtractProjects(pages)
	if err != nil {
		return Project{}, errors.Trace(err)
	}
	switch len(found) {
	case 0:
		return Project{}, errors.NotFoundf("project %q", nameOrID)
	case 1:
		return Project{ID: found[0].ID, Name: found[0].Name}, nil
	}
	return Project{}, errors.NotValidf("project name %q matching %d projects", nameOrID, len(found))
}

func flavorID(flavor map[string]interface{}) string {
	if id, ok := flavor["id"].(string); ok {
		return id
	}
	if name, ok := flavor["original_name"].(string); ok {
		return name
	}
	return ""
}

func toInstance(s *servers.Server) Instance {
	inst := Instance{
		ID:        s.ID,
		Name:      s.Name,
		Status:    s.Status,
		ProjectID: s.TenantID,
		FlavorID:  flavorID(s.Flavor),
	}
	for _, v := range s.AttachedVolumes {
		inst.VolumeIDs = append(inst.VolumeIDs, v.ID)
	}
	return inst
}

// tenantVolume is a volume with its owning project, which cinder only
// reports through the os-vol-tenant-attr extension.
type tenantVolume struct {
	volumes.Volume
	volumetenants.VolumeTenantExt
}

// volumeExtractor is satisfied by the get and create results of the volumes
// package.
type volumeExtractor interface {
	ExtractInto(v interface{}) error
}

func extractVolume(r volumeExtractor) (Volume, error) {
	var v tenantVolume
	if err := r.ExtractInto(&v); err != nil {
		return Volume{}, err
	}
	return toVolume(v), nil
}

func toVolume(v tenantVolume) Volume {
	out := Volume{
		ID:         v.ID,
		Name:       v.Name,
		Status:     v.Status,
		Bootable:   v.Bootable == "true",
		ProjectID:  v.TenantID,
		SnapshotID: v.SnapshotID,
	}
	for _, a := range v.Attachments {
		out.Attachments = append(out.Attachments, Attachment{ServerID: a.ServerID, Device: a.Device})
	}
	return out
}

func (c *OpenStack) LookupInstance(ctx context.Context, id string) (Instance, error) {
	s, err := servers.Get(c.base.compute, id).Extract()
	if isNotFound(err) {
		return Instance{}, errors.NotFoundf("instance %q", id)
	}
	if err != nil {
		return Instance{}, errors.Annotatef(err, "getting instance %q", id)
	}
	return toInstance(s), nil
}

func (c *OpenStack) ListAttachedVolumes(ctx context.Context, instanceID string) ([]Volume, error) {
	pages, err := volumeattach.List(c.base.compute, instanceID).AllPages()
	if err != nil {
		return nil, errors.Annotatef(err, "listing attachments of %q", instanceID)
	}
	attachments, err := volumeattach.ExtractVolumeAttachments(pages)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]Volume, 0, len(attachments))
	for _, a := range attachments {
		v, err := c.GetVolume(ctx, a.VolumeID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		v.Device = a.Device
		out = append(out, v)
	}
	return out, nil
}

func (c *OpenStack) GetVolume(ctx context.Context, id string) (Volume, error) {
	v, err := extractVolume(volumes.Get(c.base.volume, id))
	if isNotFound(err) {
		return Volume{}, errors.NotFoundf("volume %q", id)
	}
	if err != nil {
		return Volume{}, errors.Annotatef(err, "getting volume %q", id)
	}
	return v, nil
}

func (c *OpenStack) CreateVolumeSnapshot(ctx context.Context, volumeID string) (Snapshot, error) {
	s, err := snapshots.Create(c.base.volume, snapshots.CreateOpts{
		VolumeID: volumeID,
		Name:     "transfer-" + volumeID,
		// The volume is attached to the running source instance.
		Force: true,
	}).Extract()
	if err != nil {
		return Snapshot{}, errors.Annotatef(err, "snapshotting volume %q", volumeID)
	}
	return Snapshot{ID: s.ID, Status: s.Status, VolumeID: s.VolumeID, Size: s.Size}, nil
}

func (c *OpenStack) GetSnapshotStatus(ctx context.Context, id string) (string, error) {
	s, err := snapshots.Get(c.base.volume, id).Extract()
	if isNotFound(err) {
		return "", errors.NotFoundf("snapshot %q", id)
	}
	if err != nil {
		return "", errors.Annotatef(err, "getting snapshot %q", id)
	}
	return s.Status, nil
}

func (c *OpenStack) DeleteSnapshot(ctx context.Context, id string) error {
	err := snapshots.Delete(c.base.volume, id).ExtractErr()
	return errors.Annotatef(err, "deleting snapshot %q", id)
}

func (c *OpenStack) CreateVolumeFromSnapshot(ctx context.Context, snapshot Snapshot) (Volume, error) {
	v, err := extractVolume(volumes.Create(c.base.volume, volumes.CreateOpts{
		SnapshotID: snapshot.ID,
		Size:       snapshot.Size,
		Name:       "transfer-" + snapshot.VolumeID,
	}))
	if err != nil {
		return Volume{}, errors.Annotatef(err, "creating volume from snapshot %q", snapshot.ID)
	}
	return v, nil
}

func (c *OpenStack) GetVolumeStatus(ctx context.Context, id string) (string, error) {
	v, err := c.GetVolume(ctx, id)
	if err != nil {
		return "", errors.Trace(err)
	}
	return v.Status, nil
}

func (c *OpenStack) DeleteVolume(ctx context.Context, id string) error {
	err := volumes.Delete(c.base.volume, id, volumes.DeleteOpts{}).ExtractErr()
	return errors.Annotatef(err, "deleting volume %q", id)
}

func (c *OpenStack) CreateTransferRequest(ctx context.Context, volumeID string) (TransferRequest, error) {
	t, err := volumetransfers.Create(c.base.volume, volumetransfers.CreateOpts{
		VolumeID: volumeID,
		Name:     "transfer-" + volumeID,
	}).Extract()
	if err != nil {
		return TransferRequest{}, errors.Annotatef(err, "creating transfer request for volume %q", volumeID)
	}
	return TransferRequest{ID: t.ID, AuthKey: t.AuthKey, VolumeID: t.VolumeID}, nil
}

func (c *OpenStack) AcceptTransferRequest(ctx context.Context, id, authKey, projectID string) (Volume, error) {
	scoped, err := c.forProject(ctx, projectID)
	if err != nil {
		return Volume{}, errors.Trace(err)
	}
	t, err := volumetransfers.Accept(scoped.volume, id, volumetransfers.AcceptOpts{AuthKey: authKey}).Extract()
	if err != nil {
		return Volume{}, errors.Annotatef(err, "accepting transfer request %q", id)
	}
	v, err := extractVolume(volumes.Get(scoped.volume, t.VolumeID))
	if err != nil {
		return Volume{}, errors.Annotatef(err, "getting transferred volume %q", t.VolumeID)
	}
	return v, nil
}

func (c *OpenStack) rememberOwner(instanceID, projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[instanceID] = projectID
}

func (c *OpenStack) BootFromVolume(ctx context.Context, projectID, volumeID, flavorID, name string) (Instance, error) {
	scoped, err := c.forProject(ctx, projectID)
	if err != nil {
		return Instance{}, errors.Trace(err)
	}
	opts := bootfromvolume.CreateOptsExt{
		CreateOptsBuilder: servers.CreateOpts{Name: name, FlavorRef: flavorID},
		BlockDevice: []bootfromvolume.BlockDevice{{
			UUID:            volumeID,
			SourceType:      bootfromvolume.SourceVolume,
			DestinationType: bootfromvolume.DestinationVolume,
			BootIndex:       0,
		}},
	}
	s, err := bootfromvolume.Create(scoped.compute, opts).Extract()
	if err != nil {
		return Instance{}, errors.Annotatef(err, "booting %q from volume %q", name, volumeID)
	}
	c.rememberOwner(s.ID, projectID)
	inst := toInstance(s)
	inst.ProjectID = projectID
	return inst, nil
}

func (c *OpenStack) BootFromImage(ctx context.Context, projectID, imageID, flavorID, name string) (Instance, error) {
	scoped, err := c.forProject(ctx, projectID)
	if err != nil {
		return Instance{}, errors.Trace(err)
	}
	s, err := servers.Create(scoped.compute, servers.CreateOpts{
		Name:      name,
		ImageRef:  imageID,
		FlavorRef: flavorID,
	}).Extract()
	if err != nil {
		return Instance{}, errors.Annotatef(err, "booting %q from image %q", name, imageID)
	}
	c.rememberOwner(s.ID, projectID)
	inst := toInstance(s)
	inst.ProjectID = projectID
	return inst, nil
}

func (c *OpenStack) GetInstanceStatus(ctx context.Context, id string) (string, error) {
	s, err := servers.Get(c.base.compute, id).Extract()
	if isNotFound(err) {
		return InstanceDeleted, nil
	}
	if err != nil {
		return "", errors.Annotatef(err, "getting instance %q", id)
	}
	return s.Status, nil
}

func (c *OpenStack) DeleteInstance(ctx context.Context, id string) error {
	err := servers.Delete(c.base.compute, id).ExtractErr()
	return errors.Annotatef(err, "deleting instance %q", id)
}

func (c *OpenStack) AttachVolume(ctx context.Context, instanceID, volumeID, device string) error {
	compute := c.base.compute
	c.mu.Lock()
	projectID, ok := c.owners[instanceID]
	c.mu.Unlock()
	if ok {
		scoped, err := c.forProject(ctx, projectID)
		if err != nil {
			return errors.Trace(err)
		}
		compute = scoped.compute
	}
	_, err := volumeattach.Create(compute, instanceID, volumeattach.CreateOpts{
		Device:   device,
		VolumeID: volumeID,
	}).Extract()
	return errors.Annotatef(err, "attaching volume %q to %q", volumeID, instanceID)
}

func (c *OpenStack) CreateImageSnapshot(ctx context.Context, instanceID, name string) (ImageSnapshot, error) {
	id, err := servers.CreateImage(c.base.compute, instanceID, servers.CreateImageOpts{Name: name}).ExtractImageID()
	if err != nil {
		return ImageSnapshot{}, errors.Annotatef(err, "snapshotting instance %q", instanceID)
	}
	return ImageSnapshot{ID: id, Name: name, Status: ImageQueued, Visibility: VisibilityPrivate}, nil
}

// imageStatus folds glance statuses onto the snapshot vocabulary.
func imageStatus(s images.ImageStatus) string {
	switch s {
	case images.ImageStatusQueued:
		return ImageQueued
	case images.ImageStatusActive:
		return ImageActive
	case images.ImageStatusKilled, images.ImageStatusDeleted, images.ImageStatusPendingDelete:
		return ImageError
	}
	return ImageSaving
}

func (c *OpenStack) GetImageSnapshotStatus(ctx context.Context, id string) (string, error) {
	img, err := images.Get(c.base.image, id).Extract()
	if isNotFound(err) {
		return "", errors.NotFoundf("image %q", id)
	}
	if err != nil {
		return "", errors.Annotatef(err, "getting image %q", id)
	}
	return imageStatus(img.Status), nil
}

func (c *OpenStack) SetImageVisibility(ctx context.Context, id string, visibility Visibility) error {
	var v images.ImageVisibility
	switch visibility {
	case VisibilityPublic:
		v = images.ImageVisibilityPublic
	case VisibilityPrivate:
		v = images.ImageVisibilityPrivate
	default:
		return errors.NotValidf("visibility %q", visibility)
	}
	_, err := images.Update(c.base.image, id, images.UpdateOpts{
		images.UpdateVisibility{Visibility: v},
	}).Extract()
	return errors.Annotatef(err, "setting visibility of image %q to %s", id, visibility)
}

func (c *OpenStack) DeleteImageSnapshot(ctx context.Context, id string) error {
	err := images.Delete(c.base.image, id).ExtractErr()
	return errors.Annotatef(err, "deleting image %q", id)
}

func (c *OpenStack) String() string {
	return fmt.Sprintf("openstack(%s)", c.creds.AuthURL)
}
