package cloudapi

import "context"

// Volume and snapshot statuses.
const (
	StatusCreating  = "creating"
	StatusAvailable = "available"
	StatusError     = "error"
	StatusInUse     = "in-use"
)

// Instance statuses. InstanceDeleted is reported once the instance is gone.
const (
	InstanceBuild   = "BUILD"
	InstanceActive  = "ACTIVE"
	InstanceError   = "ERROR"
	InstanceDeleted = "DELETED"
)

// Image snapshot statuses.
const (
	ImageQueued = "queued"
	ImageSaving = "saving"
	ImageActive = "active"
	ImageError  = "error"
)

// Visibility of an image snapshot.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Project is a tenant of the cloud. Immutable once looked up.
type Project struct {
	ID   string
	Name string
}

// Instance is a compute instance.
type Instance struct {
	ID        string
	Name      string
	Status    string
	ProjectID string
	FlavorID  string
	VolumeIDs []string
}

// Attachment records a volume attached to a server at a device path.
type Attachment struct {
	ServerID string
	Device   string
}

// Volume is a block volume.
type Volume struct {
	ID          string
	Name        string
	Status      string
	Bootable    bool
	Device      string
	ProjectID   string
	SnapshotID  string
	Attachments []Attachment
}

// DeviceFor returns the device path the volume is attached at on the given server.
func (v Volume) DeviceFor(serverID string) (string, bool) {
	for _, a := range v.Attachments {
		if a.ServerID == serverID {
			return a.Device, true
		}
	}
	return "", false
}

// Snapshot is a point-in-time copy of a volume. Bootable and Device are
// inherited from the source volume so that the volume materialized from it
// can take the same place on the new instance.
type Snapshot struct {
	ID       string
	Status   string
	VolumeID string
	Size     int
	Bootable bool
	Device   string
}

// ImageSnapshot is an instance-level image, used for ephemeral instances.
type ImageSnapshot struct {
	ID         string
	Name       string
	Status     string
	Visibility Visibility
}

// TransferRequest is the first half of a two-phase ownership handoff.
type TransferRequest struct {
	ID       string
	AuthKey  string
	VolumeID string
	Accepted bool
}

// Client is the narrow set of control plane calls the migration needs.
// Every call is synchronous from the caller's point of view; create calls
// return as soon as the platform accepted the request, not when the resource
// is ready.
type Client interface {
	// Identity
	LookupProject(ctx context.Context, nameOrID string) (Project, error)

	// Compute
	LookupInstance(ctx context.Context, id string) (Instance, error)
	BootFromVolume(ctx context.Context, projectID, volumeID, flavorID, name string) (Instance, error)
	BootFromImage(ctx context.Context, projectID, imageID, flavorID, name string) (Instance, error)
	GetInstanceStatus(ctx context.Context, id string) (string, error)
	DeleteInstance(ctx context.Context, id string) error
	AttachVolume(ctx context.Context, instanceID, volumeID, device string) error

	// Block storage
	ListAttachedVolumes(ctx context.Context, instanceID string) ([]Volume, error)
	GetVolume(ctx context.Context, id string) (Volume, error)
	CreateVolumeSnapshot(ctx context.Context, volumeID string) (Snapshot, error)
	GetSnapshotStatus(ctx context.Context, id string) (string, error)
	DeleteSnapshot(ctx context.Context, id string) error
	CreateVolumeFromSnapshot(ctx context.Context, snapshot Snapshot) (Volume, error)
	GetVolumeStatus(ctx context.Context, id string) (string, error)
	DeleteVolume(ctx context.Context, id string) error
	CreateTransferRequest(ctx context.Context, volumeID string) (TransferRequest, error)
	AcceptTransferRequest(ctx context.Context, id, authKey, projectID string) (Volume, error)

	// Images
	CreateImageSnapshot(ctx context.Context, instanceID, name string) (ImageSnapshot, error)
	GetImageSnapshotStatus(ctx context.Context, id string) (string, error)
	SetImageVisibility(ctx context.Context, id string, visibility Visibility) error
	DeleteImageSnapshot(ctx context.Context, id string) error
}
