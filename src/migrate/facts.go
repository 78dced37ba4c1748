package migrate

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"instance-transfer/src/cloudapi"
)

// Kind classifies an instance by where its root disk lives.
type Kind string

const (
	// VolumeBacked instances have an attached volume at the root device.
	VolumeBacked Kind = "volume-backed"
	// Ephemeral instances keep their root disk in the instance image.
	Ephemeral Kind = "ephemeral"
)

// Facts describe the source of a migration.
type Facts struct {
	Instance      cloudapi.Instance
	SourceProject cloudapi.Project
	// DestProject is unset when only the source was inspected.
	DestProject cloudapi.Project
	// Volumes are the attached volumes in attachment order, with Device set
	// to their path on the source instance.
	Volumes []cloudapi.Volume
	// Root is the index of the root volume in Volumes, or -1.
	Root int
	Kind Kind
}

// RootVolume returns the root volume of a volume-backed instance.
func (f Facts) RootVolume() (cloudapi.Volume, bool) {
	if f.Root < 0 {
		return cloudapi.Volume{}, false
	}
	return f.Volumes[f.Root], true
}

// Others returns the attached volumes other than the root volume.
func (f Facts) Others() []cloudapi.Volume {
	var out []cloudapi.Volume
	for i, v := range f.Volumes {
		if i != f.Root {
			out = append(out, v)
		}
	}
	return out
}

func (m *Migrator) inspect(ctx context.Context, instanceRef string) (Facts, error) {
	if strings.TrimSpace(instanceRef) == "" {
		return Facts{}, errors.NotValidf("empty source instance")
	}
	inst, err := m.client.LookupInstance(ctx, instanceRef)
	if err != nil {
		return Facts{}, errors.Annotate(err, "looking up source instance")
	}
	srcProject, err := m.client.LookupProject(ctx, inst.ProjectID)
	if err != nil {
		return Facts{}, errors.Annotate(err, "looking up source project")
	}
	vols, err := m.client.ListAttachedVolumes(ctx, inst.ID)
	if err != nil {
		return Facts{}, errors.Annotatef(err, "listing volumes of %s", inst.ID)
	}
	facts := Facts{Instance: inst, SourceProject: srcProject, Root: -1, Kind: Ephemeral}
	for i, v := range vols {
		if dev, ok := v.DeviceFor(inst.ID); ok {
			v.Device = dev
		}
		if v.Device == m.rootDevice {
			if facts.Root >= 0 {
				return Facts{}, errors.NotValidf("instance %s with volumes %s and %s both at %s",
					inst.ID, vols[facts.Root].ID, v.ID, m.rootDevice)
			}
			facts.Root = i
			facts.Kind = VolumeBacked
		}
		facts.Volumes = append(facts.Volumes, v)
	}
	return facts, nil
}

func (m *Migrator) gather(ctx context.Context, req Request) (Facts, error) {
	if strings.TrimSpace(req.DestProject) == "" {
		return Facts{}, errors.NotValidf("empty destination project")
	}
	facts, err := m.inspect(ctx, req.SourceInstance)
	if err != nil {
		return Facts{}, err
	}
	dest, err := m.client.LookupProject(ctx, req.DestProject)
	if err != nil {
		return Facts{}, errors.Annotate(err, "looking up destination project")
	}
	if dest.ID == facts.SourceProject.ID {
		return Facts{}, errors.NotValidf("destination project %q equal to the source project", req.DestProject)
	}
	facts.DestProject = dest
	return facts, nil
}
