package migrate

import (
	"fmt"
	"time"
)

// State is a step of the migration state machine.
type State string

const (
	Init          State = "INIT"
	FactGathering State = "FACT_GATHERING"
	Backup        State = "BACKUP"
	Materialize   State = "MATERIALIZE"
	Transfer      State = "TRANSFER"
	Provision     State = "PROVISION"
	Attach        State = "ATTACH"
	Cleanup       State = "CLEANUP"
	Done          State = "DONE"
	Failed        State = "FAILED"
)

var order = []State{Init, FactGathering, Backup, Materialize, Transfer, Provision, Attach, Cleanup, Done}

func rank(s State) int {
	for i, o := range order {
		if o == s {
			return i
		}
	}
	return -1
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

func (t Transition) String() string {
	return fmt.Sprintf("%s -> %s", t.From, t.To)
}

// validTransition allows moving forward along the happy path one step at a
// time, and to FAILED from any state that is not terminal.
func validTransition(from, to State) bool {
	if from == Done || from == Failed {
		return false
	}
	if to == Failed {
		return true
	}
	return rank(to) == rank(from)+1
}
