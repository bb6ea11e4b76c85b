// Package output renders what conduit commands print: domain records from
// inspect and domains, command replies from monitor and agent, and the
// monitor event stream. Every record can be shown as a table, YAML or JSON.
package output

import (
	"fmt"
	"strings"

	"github.com/jbweber/conduit/internal/libvirt"
)

// Format selects how records are rendered.
type Format string

const (
	// FormatTable prints aligned columns, one record per row.
	FormatTable Format = "table"
	// FormatYAML prints YAML documents.
	FormatYAML Format = "yaml"
	// FormatJSON prints JSON; events come out as one object per line.
	FormatJSON Format = "json"
)

// formats lists every accepted --output value.
var formats = []Format{FormatTable, FormatYAML, FormatJSON}

// Formatter renders conduit records.
type Formatter interface {
	// FormatDomain renders the result of inspecting one domain.
	FormatDomain(d *libvirt.DomainInfo) (string, error)

	// FormatDomainList renders the domains known to the daemon.
	FormatDomainList(ds []libvirt.DomainInfo) (string, error)

	// FormatResult renders the reply to a monitor or agent command.
	FormatResult(r *Result) (string, error)

	// FormatEvent renders one monitor event. Streams call it once per event,
	// so the output of every format is a single self-contained chunk.
	FormatEvent(e *EventRecord) (string, error)
}

// Options configures NewFormatter.
type Options struct {
	Format Format
	// NoHeaders drops the header row of table output.
	NoHeaders bool
}

// NewFormatter returns the Formatter for opts.Format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: %s)", opts.Format, supported())
	}
}

// ValidateFormat reports whether format is an accepted --output value.
func ValidateFormat(format string) error {
	for _, f := range formats {
		if Format(format) == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format: %s (valid formats: %s)", format, supported())
}

func supported() string {
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
