// Package queue models durable work-queue entries and their lifecycle.
// Entries live in the shared document store; this package holds only the
// state machine and the scan/value plumbing for the inline payload carried
// by the TFJA queue.
package queue

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Name identifies a work queue, and doubles as its table name.
type Name string

const (
	// Primary is the SCJN/SJF thesis queue, keyed by remote registro ID.
	Primary Name = "cola_tesis"
	// Secondary is the TFJA queue, whose entries carry their payload inline.
	Secondary Name = "cola_tfja"
)

// State of a queue entry.
type State string

const (
	Pending     State = "pending"
	Processing  State = "processing"
	Completed   State = "completed"
	Error       State = "error"
	Deferred    State = "deferred"
	Unavailable State = "unavailable"
)

// States enumerates all entry states.
var States = []State{Pending, Processing, Completed, Error, Deferred, Unavailable}

// Payload is the inline document of a secondary-queue entry.
// There is no upstream fetch for these items.
type Payload struct {
	Rubro   string `json:"rubro"`
	Texto   string `json:"texto"`
	Epoca   string `json:"epoca,omitempty"`
	Materia string `json:"materia,omitempty"`
	Anio    int    `json:"anio,omitempty"`
	Mes     int    `json:"mes,omitempty"`
}

// Scan implements sql.Scanner over the JSONB payload column.
func (p *Payload) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("cannot scan %T into queue.Payload", src)
	}
}

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) { return json.Marshal(p) }

// Entry is the post-image of a queue row as returned by a claim.
type Entry struct {
	Registro  string     `db:"registro"`
	State     State      `db:"state"`
	Attempts  int        `db:"attempts"`
	CreatedAt time.Time  `db:"created_at"`
	ClaimedAt *time.Time `db:"claimed_at"`
	NextRunAt *time.Time `db:"next_run_at"`
	LastError *string    `db:"last_error"`
	Payload   *Payload   `db:"payload"`
}

// transitions is the set of permitted state edges. A claim moves pending or
// runnable-deferred entries into processing; every other edge is performed
// by a processor, the stale-lock reaper, or the operator retry endpoint.
var transitions = map[State][]State{
	Pending:    {Processing},
	Deferred:   {Processing, Unavailable},
	Processing: {Completed, Error, Deferred, Unavailable, Pending},
	Error:      {Completed, Pending},
}

// CanTransition reports whether the edge from -> to is permitted.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition can leave the state.
// Error entries are recoverable, but only through operator action.
func Terminal(s State) bool {
	return s == Completed || s == Unavailable
}
