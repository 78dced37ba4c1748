// Package ref parses the instance and project references given on the
// command line.
package ref

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// ProjectKind says how a project reference is to be resolved.
type ProjectKind string

const (
	ByID   ProjectKind = "id"
	ByName ProjectKind = "name"
)

// Project is a parsed project reference.
type Project struct {
	// Raw is the original input.
	Raw   string
	Kind  ProjectKind
	Value string
}

var projectID = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// ParseProject accepts a 32 hex digit project id or a project name.
func ParseProject(raw string) (Project, error) {
	p := Project{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return p, errors.NotValidf("empty project reference")
	}
	p.Value = s
	p.Kind = ByName
	if projectID.MatchString(s) {
		p.Kind = ByID
		p.Value = strings.ToLower(s)
	}
	return p, nil
}

func (p Project) String() string {
	if p.Kind == "" {
		return p.Raw
	}
	return string(p.Kind) + ":" + p.Value
}

// ParseInstance validates an instance reference. Instance references are
// UUIDs; the canonical lower-case hyphenated form is returned. With
// allowScoped set, Incus style "<project>/<name>" references are accepted
// as they are.
func ParseInstance(raw string, allowScoped bool) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.NotValidf("empty instance reference")
	}
	if allowScoped {
		if i := strings.Index(s, "/"); i > 0 && i < len(s)-1 && strings.Count(s, "/") == 1 {
			return s, nil
		}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", errors.NotValidf("instance reference %q (want a UUID)", raw)
	}
	return id.String(), nil
}
