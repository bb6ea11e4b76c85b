package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/conduit/internal/libvirt"
)

// JSONFormatter formats records as JSON.
type JSONFormatter struct{}

// FormatDomain formats a single domain as JSON.
func (f *JSONFormatter) FormatDomain(d *libvirt.DomainInfo) (string, error) {
	return marshalIndent(d, "domain")
}

// FormatDomainList formats a list of domains as a JSON array.
func (f *JSONFormatter) FormatDomainList(ds []libvirt.DomainInfo) (string, error) {
	if len(ds) == 0 {
		return "[]\n", nil
	}
	return marshalIndent(ds, "domains")
}

// FormatResult formats a command result as JSON.
func (f *JSONFormatter) FormatResult(r *Result) (string, error) {
	return marshalIndent(r, "result")
}

// FormatEvent formats an event as a single line of JSON, so a stream of
// events is valid JSON Lines.
func (f *JSONFormatter) FormatEvent(e *EventRecord) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

func marshalIndent(v any, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return string(data) + "\n", nil
}
