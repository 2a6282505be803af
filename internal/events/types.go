package events

import "time"

// Type classifies an event on a task's progress stream.
type Type string

const (
	TypeStatus   Type = "status"
	TypeLog      Type = "log"
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// Phase identifies the task lifecycle phase an event belongs to.
type Phase string

const (
	PhaseParsing     Phase = "parsing"
	PhaseDownloading Phase = "downloading"
	PhasePacking     Phase = "packing"
)

// Event is one message on a task's progress stream.
type Event struct {
	TaskID      string    `json:"task_id"`
	Type        Type      `json:"type"`
	Phase       Phase     `json:"phase,omitempty"`
	Current     int       `json:"current,omitempty"`
	Total       int       `json:"total,omitempty"`
	Message     string    `json:"message,omitempty"`
	PackageName string    `json:"package_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
