// Package manifest keeps the ledger of every resource created during one
// migration run.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// Category tags the kind of resource an entry refers to.
type Category string

const (
	VolumeSnapshot   Category = "volume_snapshot"
	Volume           Category = "volume"
	TransferRequest  Category = "transfer_request"
	Instance         Category = "instance"
	InstanceSnapshot Category = "instance_snapshot"
)

// Event is one append to the ledger. A Discarded event marks an id that
// was created earlier in the run and has since been deleted, either by a
// recreate after an error status or by cleanup.
type Event struct {
	Category  Category  `json:"category"`
	ID        string    `json:"id"`
	Discarded bool      `json:"discarded,omitempty"`
	At        time.Time `json:"at"`
}

// Manifest is an append-only ledger. It is safe for concurrent use.
type Manifest struct {
	clock clock.Clock

	mu     sync.Mutex
	events []Event
}

// New returns an empty manifest. A nil clock uses the wall clock.
func New(clk clock.Clock) *Manifest {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manifest{clock: clk}
}

// Record appends a created resource.
func (m *Manifest) Record(cat Category, id string) {
	m.append(Event{Category: cat, ID: id})
}

// Discard appends a deletion marker for a resource recorded earlier under
// cat. Ids the run did not create are ignored.
func (m *Manifest) Discard(cat Category, id string) {
	m.append(Event{Category: cat, ID: id, Discarded: true})
}

// Has reports whether id was recorded under cat and not discarded.
func (m *Manifest) Has(cat Category, id string) bool {
	for _, live := range m.Live(cat) {
		if live == id {
			return true
		}
	}
	return false
}

func (m *Manifest) append(e Event) {
	e.At = m.clock.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Discarded && !m.recorded(e.Category, e.ID) {
		return
	}
	m.events = append(m.events, e)
}

// recorded must be called with m.mu held.
func (m *Manifest) recorded(cat Category, id string) bool {
	for _, e := range m.events {
		if e.Category == cat && e.ID == id && !e.Discarded {
			return true
		}
	}
	return false
}

// Events returns a copy of the ledger in append order.
func (m *Manifest) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Len is the number of created resources recorded, discarded or not.
func (m *Manifest) Len() int {
	n := 0
	for _, e := range m.Events() {
		if !e.Discarded {
			n++
		}
	}
	return n
}

// Created lists every id recorded under cat, in creation order.
func (m *Manifest) Created(cat Category) []string {
	var out []string
	for _, e := range m.Events() {
		if e.Category == cat && !e.Discarded {
			out = append(out, e.ID)
		}
	}
	return out
}

// Live lists the ids recorded under cat that have not been discarded, in
// creation order. Each id appears once.
func (m *Manifest) Live(cat Category) []string {
	gone := map[string]bool{}
	events := m.Events()
	for _, e := range events {
		if e.Category == cat && e.Discarded {
			gone[e.ID] = true
		}
	}
	var out []string
	seen := map[string]bool{}
	for _, e := range events {
		if e.Category != cat || e.Discarded || gone[e.ID] || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e.ID)
	}
	return out
}

// Categories returns the categories present, in order of first appearance.
func (m *Manifest) Categories() []Category {
	var out []Category
	seen := map[Category]bool{}
	for _, e := range m.Events() {
		if !seen[e.Category] {
			seen[e.Category] = true
			out = append(out, e.Category)
		}
	}
	return out
}

// Print writes the ledger grouped by category:
//
//	volume_snapshot:
//		 snap-1
//		 snap-2 (deleted)
func (m *Manifest) Print(w io.Writer) error {
	events := m.Events()
	gone := map[string]bool{}
	for _, e := range events {
		if e.Discarded {
			gone[string(e.Category)+"/"+e.ID] = true
		}
	}
	for _, cat := range m.Categories() {
		if _, err := fmt.Fprintf(w, "%s:\n", cat); err != nil {
			return err
		}
		for _, id := range m.Created(cat) {
			suffix := ""
			if gone[string(cat)+"/"+id] {
				suffix = " (deleted)"
			}
			if _, err := fmt.Fprintf(w, "\t %s%s\n", id, suffix); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// Document is the JSON form of a manifest.
type Document struct {
	Outcome string                `json:"outcome"`
	Error   string                `json:"error,omitempty"`
	Live    map[Category][]string `json:"live"`
	Events  []Event               `json:"events"`
}

// Document builds the JSON form for a run that ended with err (nil on
// success).
func (m *Manifest) Document(err error) Document {
	doc := Document{Outcome: "success", Live: map[Category][]string{}, Events: m.Events()}
	if err != nil {
		doc.Outcome = "failed"
		doc.Error = err.Error()
	}
	for _, cat := range m.Categories() {
		if live := m.Live(cat); len(live) > 0 {
			doc.Live[cat] = live
		}
	}
	return doc
}

// WriteFile writes the JSON document for the run to path.
func (m *Manifest) WriteFile(path string, runErr error) error {
	return errors.Annotatef(writeJSON(path, m.Document(runErr)), "writing manifest %s", path)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
