package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"instance-transfer/src/cloudapi"
	"instance-transfer/src/stages"
)

// Step is one planned action.
type Step struct {
	State  State
	Action string
}

// Plan is what Run would do for a request.
type Plan struct {
	Facts    Facts
	Move     bool
	DestName string
	Steps    []Step
}

// Plan gathers facts and lists the steps of the migration without creating
// or deleting anything. It leaves the migrator in INIT.
func (m *Migrator) Plan(ctx context.Context, req Request) (Plan, error) {
	facts, err := m.gather(ctx, req)
	if err != nil {
		return Plan{}, errors.Trace(err)
	}
	p := Plan{Facts: facts, Move: req.Move, DestName: req.DestInstanceName}
	if p.DestName == "" {
		p.DestName = facts.Instance.Name
	}
	add := func(s State, format string, args ...interface{}) {
		p.Steps = append(p.Steps, Step{State: s, Action: fmt.Sprintf(format, args...)})
	}
	src := facts.Instance
	dest := facts.DestProject.Name
	all := describe(facts.Volumes)
	others := describe(facts.Others())

	switch {
	case facts.Kind == VolumeBacked && !req.Move:
		root, _ := facts.RootVolume()
		add(Backup, "snapshot volumes %s", all)
		add(Materialize, "create %d volume(s) from the snapshots", len(facts.Volumes))
		add(Transfer, "transfer %d volume(s) to project %s", len(facts.Volumes), dest)
		add(Provision, "boot %s from the copy of %s", p.DestName, root.ID)
		if others != "" {
			add(Attach, "attach copies of %s", others)
		}
		add(Cleanup, "delete the volume snapshots")
	case facts.Kind == VolumeBacked:
		root, _ := facts.RootVolume()
		add(Backup, "snapshot root volume %s", describe([]cloudapi.Volume{root}))
		add(Backup, "delete source instance %s", src.ID)
		add(Materialize, "create the new root volume from the snapshot")
		add(Transfer, "transfer %d volume(s) to project %s", len(facts.Volumes), dest)
		add(Provision, "boot %s from the new root volume", p.DestName)
		if others != "" {
			add(Attach, "attach %s", others)
		}
		add(Cleanup, "delete the root snapshot and volume %s", root.ID)
	case !req.Move:
		add(Backup, "create public image %s", stages.ImageName(src.Name))
		if all != "" {
			add(Backup, "snapshot volumes %s", all)
			add(Materialize, "create %d volume(s) from the snapshots", len(facts.Volumes))
			add(Transfer, "transfer %d volume(s) to project %s", len(facts.Volumes), dest)
		}
		add(Provision, "boot %s from the image", p.DestName)
		if all != "" {
			add(Attach, "attach copies of %s", all)
			add(Cleanup, "delete the volume snapshots")
		}
		add(Cleanup, "delete the image")
	default:
		add(Backup, "create public image %s", stages.ImageName(src.Name))
		add(Backup, "delete source instance %s", src.ID)
		if all != "" {
			add(Transfer, "transfer %d volume(s) to project %s", len(facts.Volumes), dest)
		}
		add(Provision, "boot %s from the image", p.DestName)
		if all != "" {
			add(Attach, "attach %s", all)
		}
		add(Cleanup, "delete the image")
	}
	return p, nil
}

func describe(vols []cloudapi.Volume) string {
	parts := make([]string, 0, len(vols))
	for _, v := range vols {
		parts = append(parts, fmt.Sprintf("%s (%s)", v.ID, v.Device))
	}
	return strings.Join(parts, ", ")
}
