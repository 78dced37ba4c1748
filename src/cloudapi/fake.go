package cloudapi

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/juju/errors"
)

// Resource kinds understood by Fake.Script.
const (
	KindSnapshot = "snapshot"
	KindVolume   = "volume"
	KindInstance = "instance"
	KindImage    = "image"
)

// Call records a single invocation on the Fake.
type Call struct {
	FuncName string
	Args     []interface{}
}

// Fake is an in-memory Client for unit tests and dry runs.
//
// Every resource created by the fake takes its status sequence from the
// scripts queued with Script for its kind; each status query advances the
// sequence by one and the last status sticks. With no script queued the
// resource is immediately in its success status.
type Fake struct {
	// RootDevice is where BootFromVolume attaches the boot volume.
	RootDevice string
	// DeleteLag keeps a deleted instance visible for that many
	// GetInstanceStatus calls, reporting its remaining status sequence or
	// its last status, before it reports DELETED.
	DeleteLag int

	mu        sync.Mutex
	projects  map[string]Project
	instances map[string]*Instance
	volumes   map[string]*Volume
	snapshots map[string]*Snapshot
	images    map[string]*ImageSnapshot
	transfers map[string]*TransferRequest
	deleting  map[string]*deletion

	scripts  map[string][][]string
	statuses map[string][]string
	failures map[string]error
	counters map[string]int
	calls    []Call
}

var _ Client = (*Fake)(nil)

// deletion is an instance that was deleted but is still visible.
type deletion struct {
	status string
	polls  int
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		RootDevice: "/dev/vda",
		projects:   map[string]Project{},
		instances:  map[string]*Instance{},
		volumes:    map[string]*Volume{},
		snapshots:  map[string]*Snapshot{},
		images:     map[string]*ImageSnapshot{},
		transfers:  map[string]*TransferRequest{},
		deleting:   map[string]*deletion{},
		scripts:    map[string][][]string{},
		statuses:   map[string][]string{},
		failures:   map[string]error{},
		counters:   map[string]int{},
	}
}

// AddProject seeds a project.
func (f *Fake) AddProject(p Project) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[p.ID] = p
}

// AddInstance seeds an instance.
func (f *Fake) AddInstance(inst Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst.Status == "" {
		inst.Status = InstanceActive
	}
	f.instances[inst.ID] = &inst
}

// AddVolume seeds a volume. Attachments on the volume are mirrored onto the
// attached instances.
func (f *Fake) AddVolume(v Volume) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v.Status == "" {
		v.Status = StatusAvailable
		if len(v.Attachments) > 0 {
			v.Status = StatusInUse
		}
	}
	for _, a := range v.Attachments {
		if inst, ok := f.instances[a.ServerID]; ok {
			inst.VolumeIDs = append(inst.VolumeIDs, v.ID)
		}
	}
	f.volumes[v.ID] = &v
}

// Script queues status sequences for the next resources of kind to be
// created, one sequence per resource in creation order.
func (f *Fake) Script(kind string, sequences ...[]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[kind] = append(f.scripts[kind], sequences...)
}

// SetStatuses replaces the status sequence of an existing resource.
func (f *Fake) SetStatuses(id string, statuses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = statuses
}

// FailOn makes every subsequent call to funcName return err.
func (f *Fake) FailOn(funcName string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[funcName] = err
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallNames returns the names of the recorded calls in order.
func (f *Fake) CallNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.FuncName
	}
	return out
}

// CallsTo returns the recorded calls to funcName.
func (f *Fake) CallsTo(funcName string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.FuncName == funcName {
			out = append(out, c)
		}
	}
	return out
}

// Volume returns the current state of a volume.
func (f *Fake) Volume(id string) (Volume, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[id]
	if !ok {
		return Volume{}, false
	}
	return *v, true
}

// Instance returns the current state of an instance.
func (f *Fake) Instance(id string) (Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// SnapshotIDs returns the ids of the volume snapshots that currently exist.
func (f *Fake) SnapshotIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.snapshots)
}

// ImageIDs returns the ids of the image snapshots that currently exist.
func (f *Fake) ImageIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.images)
}

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// record must be called with f.mu held.
func (f *Fake) record(name string, args ...interface{}) error {
	f.calls = append(f.calls, Call{FuncName: name, Args: args})
	return f.failures[name]
}

func (f *Fake) nextID(kind string) string {
	f.counters[kind]++
	return fmt.Sprintf("%s-%d", kind, f.counters[kind])
}

// assignScript gives a newly created resource its status sequence.
func (f *Fake) assignScript(kind, id, success string) string {
	queue := f.scripts[kind]
	if len(queue) == 0 {
		f.statuses[id] = []string{success}
		return success
	}
	f.statuses[id] = queue[0]
	f.scripts[kind] = queue[1:]
	if len(queue[0]) == 0 {
		f.statuses[id] = []string{success}
		return success
	}
	return queue[0][0]
}

// advance pops the next scripted status for id.
func (f *Fake) advance(id string) string {
	seq := f.statuses[id]
	if len(seq) == 0 {
		return ""
	}
	s := seq[0]
	if len(seq) > 1 {
		f.statuses[id] = seq[1:]
	}
	return s
}

func (f *Fake) LookupProject(ctx context.Context, nameOrID string) (Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("LookupProject", nameOrID); err != nil {
		return Project{}, err
	}
	if p, ok := f.projects[nameOrID]; ok {
		return p, nil
	}
	for _, p := range f.projects {
		if p.Name == nameOrID {
			return p, nil
		}
	}
	return Project{}, errors.NotFoundf("project %q", nameOrID)
}

func (f *Fake) LookupInstance(ctx context.Context, id string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("LookupInstance", id); err != nil {
		return Instance{}, err
	}
	inst, ok := f.instances[id]
	if !ok || inst.Status == InstanceDeleted {
		return Instance{}, errors.NotFoundf("instance %q", id)
	}
	out := *inst
	out.VolumeIDs = append([]string(nil), inst.VolumeIDs...)
	return out, nil
}

func (f *Fake) ListAttachedVolumes(ctx context.Context, instanceID string) ([]Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListAttachedVolumes", instanceID); err != nil {
		return nil, err
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, errors.NotFoundf("instance %q", instanceID)
	}
	out := make([]Volume, 0, len(inst.VolumeIDs))
	for _, id := range inst.VolumeIDs {
		v, ok := f.volumes[id]
		if !ok {
			continue
		}
		cp := *v
		cp.Attachments = append([]Attachment(nil), v.Attachments...)
		out = append(out, cp)
	}
	return out, nil
}

func (f *Fake) GetVolume(ctx context.Context, id string) (Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetVolume", id); err != nil {
		return Volume{}, err
	}
	v, ok := f.volumes[id]
	if !ok {
		return Volume{}, errors.NotFoundf("volume %q", id)
	}
	return *v, nil
}

func (f *Fake) CreateVolumeSnapshot(ctx context.Context, volumeID string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateVolumeSnapshot", volumeID); err != nil {
		return Snapshot{}, err
	}
	if _, ok := f.volumes[volumeID]; !ok {
		return Snapshot{}, errors.NotFoundf("volume %q", volumeID)
	}
	id := f.nextID(KindSnapshot)
	s := &Snapshot{ID: id, VolumeID: volumeID}
	s.Status = f.assignScript(KindSnapshot, id, StatusAvailable)
	f.snapshots[id] = s
	return *s, nil
}

func (f *Fake) GetSnapshotStatus(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetSnapshotStatus", id); err != nil {
		return "", err
	}
	s, ok := f.snapshots[id]
	if !ok {
		return "", errors.NotFoundf("snapshot %q", id)
	}
	s.Status = f.advance(id)
	return s.Status, nil
}

func (f *Fake) DeleteSnapshot(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteSnapshot", id); err != nil {
		return err
	}
	if _, ok := f.snapshots[id]; !ok {
		return errors.NotFoundf("snapshot %q", id)
	}
	delete(f.snapshots, id)
	return nil
}

func (f *Fake) CreateVolumeFromSnapshot(ctx context.Context, snapshot Snapshot) (Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateVolumeFromSnapshot", snapshot.ID); err != nil {
		return Volume{}, err
	}
	src, ok := f.snapshots[snapshot.ID]
	if !ok {
		return Volume{}, errors.NotFoundf("snapshot %q", snapshot.ID)
	}
	var projectID string
	if origin, ok := f.volumes[src.VolumeID]; ok {
		projectID = origin.ProjectID
	}
	id := f.nextID(KindVolume)
	v := &Volume{
		ID:         id,
		ProjectID:  projectID,
		SnapshotID: snapshot.ID,
		Bootable:   snapshot.Bootable,
		Device:     snapshot.Device,
	}
	v.Status = f.assignScript(KindVolume, id, StatusAvailable)
	f.volumes[id] = v
	return *v, nil
}

func (f *Fake) GetVolumeStatus(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetVolumeStatus", id); err != nil {
		return "", err
	}
	v, ok := f.volumes[id]
	if !ok {
		return "", errors.NotFoundf("volume %q", id)
	}
	if s := f.advance(id); s != "" {
		v.Status = s
	}
	return v.Status, nil
}

func (f *Fake) DeleteVolume(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteVolume", id); err != nil {
		return err
	}
	if _, ok := f.volumes[id]; !ok {
		return errors.NotFoundf("volume %q", id)
	}
	delete(f.volumes, id)
	return nil
}

func (f *Fake) CreateTransferRequest(ctx context.Context, volumeID string) (TransferRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateTransferRequest", volumeID); err != nil {
		return TransferRequest{}, err
	}
	if _, ok := f.volumes[volumeID]; !ok {
		return TransferRequest{}, errors.NotFoundf("volume %q", volumeID)
	}
	id := f.nextID("transfer")
	t := &TransferRequest{ID: id, AuthKey: "key-" + id, VolumeID: volumeID}
	f.transfers[id] = t
	return *t, nil
}

func (f *Fake) AcceptTransferRequest(ctx context.Context, id, authKey, projectID string) (Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AcceptTransferRequest", id, authKey, projectID); err != nil {
		return Volume{}, err
	}
	t, ok := f.transfers[id]
	if !ok {
		return Volume{}, errors.NotFoundf("transfer request %q", id)
	}
	if t.AuthKey != authKey {
		return Volume{}, errors.Unauthorizedf("transfer request %q: bad auth key", id)
	}
	if t.Accepted {
		return Volume{}, errors.AlreadyExistsf("acceptance of transfer request %q", id)
	}
	if _, ok := f.projects[projectID]; !ok {
		return Volume{}, errors.NotFoundf("project %q", projectID)
	}
	v, ok := f.volumes[t.VolumeID]
	if !ok {
		return Volume{}, errors.NotFoundf("volume %q", t.VolumeID)
	}
	t.Accepted = true
	v.ProjectID = projectID
	return *v, nil
}

func (f *Fake) boot(projectID, flavorID, instName string) (Instance, error) {
	if _, ok := f.projects[projectID]; !ok {
		return Instance{}, errors.NotFoundf("project %q", projectID)
	}
	id := f.nextID(KindInstance)
	inst := &Instance{ID: id, Name: instName, ProjectID: projectID, FlavorID: flavorID}
	inst.Status = f.assignScript(KindInstance, id, InstanceActive)
	f.instances[id] = inst
	return *inst, nil
}

func (f *Fake) BootFromVolume(ctx context.Context, projectID, volumeID, flavorID, name string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("BootFromVolume", projectID, volumeID, flavorID, name); err != nil {
		return Instance{}, err
	}
	v, ok := f.volumes[volumeID]
	if !ok {
		return Instance{}, errors.NotFoundf("volume %q", volumeID)
	}
	if v.Status != StatusAvailable {
		return Instance{}, errors.NotValidf("boot volume %q with status %q", volumeID, v.Status)
	}
	if v.ProjectID != projectID {
		return Instance{}, errors.Forbiddenf("volume %q is owned by project %q", volumeID, v.ProjectID)
	}
	inst, err := f.boot(projectID, flavorID, name)
	if err != nil {
		return Instance{}, err
	}
	v.Status = StatusInUse
	v.Attachments = []Attachment{{ServerID: inst.ID, Device: f.RootDevice}}
	f.instances[inst.ID].VolumeIDs = []string{volumeID}
	return inst, nil
}

func (f *Fake) BootFromImage(ctx context.Context, projectID, imageID, flavorID, name string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("BootFromImage", projectID, imageID, flavorID, name); err != nil {
		return Instance{}, err
	}
	if _, ok := f.images[imageID]; !ok {
		return Instance{}, errors.NotFoundf("image %q", imageID)
	}
	return f.boot(projectID, flavorID, name)
}

func (f *Fake) GetInstanceStatus(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetInstanceStatus", id); err != nil {
		return "", err
	}
	if d, ok := f.deleting[id]; ok {
		if d.polls > 0 {
			d.polls--
			if s := f.advance(id); s != "" {
				d.status = s
			}
			return d.status, nil
		}
		delete(f.deleting, id)
		delete(f.statuses, id)
	}
	inst, ok := f.instances[id]
	if !ok {
		return InstanceDeleted, nil
	}
	if s := f.advance(id); s != "" {
		inst.Status = s
	}
	return inst.Status, nil
}

func (f *Fake) DeleteInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteInstance", id); err != nil {
		return err
	}
	inst, ok := f.instances[id]
	if !ok {
		return errors.NotFoundf("instance %q", id)
	}
	for _, vid := range inst.VolumeIDs {
		v, ok := f.volumes[vid]
		if !ok {
			continue
		}
		kept := v.Attachments[:0]
		for _, a := range v.Attachments {
			if a.ServerID != id {
				kept = append(kept, a)
			}
		}
		v.Attachments = kept
		if len(kept) == 0 {
			v.Status = StatusAvailable
		}
	}
	delete(f.instances, id)
	if f.DeleteLag > 0 {
		f.deleting[id] = &deletion{status: inst.Status, polls: f.DeleteLag}
		return nil
	}
	delete(f.statuses, id)
	return nil
}

func (f *Fake) AttachVolume(ctx context.Context, instanceID, volumeID, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AttachVolume", instanceID, volumeID, device); err != nil {
		return err
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return errors.NotFoundf("instance %q", instanceID)
	}
	v, ok := f.volumes[volumeID]
	if !ok {
		return errors.NotFoundf("volume %q", volumeID)
	}
	if v.ProjectID != inst.ProjectID {
		return errors.Forbiddenf("volume %q is owned by project %q", volumeID, v.ProjectID)
	}
	v.Status = StatusInUse
	v.Attachments = append(v.Attachments, Attachment{ServerID: instanceID, Device: device})
	inst.VolumeIDs = append(inst.VolumeIDs, volumeID)
	return nil
}

func (f *Fake) CreateImageSnapshot(ctx context.Context, instanceID, name string) (ImageSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateImageSnapshot", instanceID, name); err != nil {
		return ImageSnapshot{}, err
	}
	if _, ok := f.instances[instanceID]; !ok {
		return ImageSnapshot{}, errors.NotFoundf("instance %q", instanceID)
	}
	id := f.nextID(KindImage)
	img := &ImageSnapshot{ID: id, Name: name, Visibility: VisibilityPrivate}
	img.Status = f.assignScript(KindImage, id, ImageActive)
	f.images[id] = img
	return *img, nil
}

func (f *Fake) GetImageSnapshotStatus(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetImageSnapshotStatus", id); err != nil {
		return "", err
	}
	img, ok := f.images[id]
	if !ok {
		return "", errors.NotFoundf("image %q", id)
	}
	img.Status = f.advance(id)
	return img.Status, nil
}

func (f *Fake) SetImageVisibility(ctx context.Context, id string, visibility Visibility) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetImageVisibility", id, visibility); err != nil {
		return err
	}
	img, ok := f.images[id]
	if !ok {
		return errors.NotFoundf("image %q", id)
	}
	img.Visibility = visibility
	return nil
}

func (f *Fake) DeleteImageSnapshot(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteImageSnapshot", id); err != nil {
		return err
	}
	if _, ok := f.images[id]; !ok {
		return errors.NotFoundf("image %q", id)
	}
	delete(f.images, id)
	return nil
}
