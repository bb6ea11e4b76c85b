package output

import (
	"time"

	"github.com/jbweber/conduit/internal/control"
)

// Result is the reply to a monitor or agent command.
type Result struct {
	Domain  string       `json:"domain" yaml:"domain"`
	Command string       `json:"command" yaml:"command"`
	Result  string       `json:"result" yaml:"result"`
	Files   []FileRecord `json:"files,omitempty" yaml:"files,omitempty"`
}

// FileRecord describes a descriptor returned with a command reply.
type FileRecord struct {
	FD   uintptr `json:"fd" yaml:"fd"`
	Mode string  `json:"mode" yaml:"mode"`
}

// NewFilesResult builds a Result from a descriptor-passing reply.
func NewFilesResult(domain, command string, resp *control.CommandResponse) *Result {
	r := &Result{Domain: domain, Command: command, Result: resp.Result}
	for _, f := range resp.Files {
		r.Files = append(r.Files, FileRecord{FD: f.Fd(), Mode: f.Mode.String()})
	}
	return r
}

// EventRecord is the printable form of a monitor event.
type EventRecord struct {
	Domain    string    `json:"domain" yaml:"domain"`
	Event     string    `json:"event" yaml:"event"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Seconds   int64     `json:"seconds" yaml:"seconds"`
	Micros    uint32    `json:"micros" yaml:"micros"`
	Details   string    `json:"details,omitempty" yaml:"details,omitempty"`
}

// NewEventRecord converts a delivered event. It must be called from inside
// the handler, while ev.Domain is still valid.
func NewEventRecord(ev *control.Event) *EventRecord {
	rec := &EventRecord{
		Event:     ev.Name,
		Timestamp: ev.Time().UTC(),
		Seconds:   ev.Seconds,
		Micros:    ev.Micros,
		Details:   ev.Details,
	}
	if ev.Domain != nil {
		rec.Domain = ev.Domain.Name()
	}
	return rec
}
