package session

import "time"

// State is the lifecycle state of a control session.
type State string

const (
	StateBootstrapping State = "bootstrapping"
	StateActive        State = "active"
	StateClosed        State = "closed"
)

// Record is the externally visible view of a control session. The live
// listener, control channel and pairing registry never leave the broker.
type Record struct {
	ID           string    `json:"id"`
	Port         int       `json:"port"`
	RemoteAddr   string    `json:"remote_addr"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastPairedAt time.Time `json:"last_paired_at,omitempty"`
	Pending      int       `json:"pending"`
	Pairings     int64     `json:"pairings"`
}

// Directory publishes session records for operators and dashboards.
type Directory interface {
	Save(rec Record)
	Get(id string) (Record, bool)
	Delete(id string)
	List() []Record
	Close() error
}
