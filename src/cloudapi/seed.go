package cloudapi

import (
	"io"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

type seedAttachment struct {
	ServerID string `yaml:"server_id"`
	Device   string `yaml:"device"`
}

type seedDoc struct {
	Projects []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"projects"`
	Instances []struct {
		ID        string `yaml:"id"`
		Name      string `yaml:"name"`
		ProjectID string `yaml:"project_id"`
		FlavorID  string `yaml:"flavor_id"`
	} `yaml:"instances"`
	Volumes []struct {
		ID          string           `yaml:"id"`
		Name        string           `yaml:"name"`
		ProjectID   string           `yaml:"project_id"`
		Bootable    bool             `yaml:"bootable"`
		Attachments []seedAttachment `yaml:"attachments"`
	} `yaml:"volumes"`
}

// Seed loads projects, instances and volumes from YAML:
//
//	projects:
//	  - {id: 0f3c..., name: alpha}
//	instances:
//	  - {id: 6b1e..., name: web, project_id: 0f3c..., flavor_id: m1.small}
//	volumes:
//	  - id: vol-1
//	    project_id: 0f3c...
//	    bootable: true
//	    attachments: [{server_id: 6b1e..., device: /dev/vda}]
func (f *Fake) Seed(r io.Reader) error {
	var doc seedDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return errors.NewNotValid(err, "fake seed")
	}
	for _, p := range doc.Projects {
		f.AddProject(Project{ID: p.ID, Name: p.Name})
	}
	for _, i := range doc.Instances {
		f.AddInstance(Instance{ID: i.ID, Name: i.Name, ProjectID: i.ProjectID, FlavorID: i.FlavorID})
	}
	for _, v := range doc.Volumes {
		vol := Volume{ID: v.ID, Name: v.Name, ProjectID: v.ProjectID, Bootable: v.Bootable}
		for _, a := range v.Attachments {
			vol.Attachments = append(vol.Attachments, Attachment{ServerID: a.ServerID, Device: a.Device})
		}
		f.AddVolume(vol)
	}
	return nil
}
