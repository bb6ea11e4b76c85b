package control

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Event registration flags.
const (
	// EventRegex treats the event name as a regular expression.
	EventRegex uint32 = 1 << 0
	// EventNoCase matches the event name case-insensitively.
	EventNoCase uint32 = 1 << 1
)

// Event is one QEMU monitor event delivered to a handler.
//
// Domain is valid for the duration of the handler call. Handlers that keep
// it afterwards must take their own reference with Domain.Ref.
type Event struct {
	CallbackID int
	Domain     *Domain
	Name       string
	Seconds    int64
	Micros     uint32
	Details    string
	// Context is the value passed to Register, unchanged.
	Context any
}

// Time returns the event timestamp.
func (e *Event) Time() time.Time {
	return time.Unix(e.Seconds, int64(e.Micros)*int64(time.Microsecond))
}

// EventHandler handles one event. A returned error is logged and otherwise
// ignored; it never stops delivery.
type EventHandler func(ev *Event) error

// eventFilter matches event names the way the daemon does for its
// registration flags.
type eventFilter struct {
	name   string
	nocase bool
	re     *regexp.Regexp
}

func newEventFilter(name string, flags uint32) (eventFilter, error) {
	f := eventFilter{name: name, nocase: flags&EventNoCase != 0}
	if name == "" || flags&EventRegex == 0 {
		return f, nil
	}

	pattern := name
	if f.nocase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return f, fmt.Errorf("invalid event pattern %q: %w", name, err)
	}
	f.re = re
	return f, nil
}

func (f eventFilter) match(event string) bool {
	switch {
	case f.name == "":
		return true
	case f.re != nil:
		return f.re.MatchString(event)
	case f.nocase:
		return strings.EqualFold(f.name, event)
	default:
		return f.name == event
	}
}
