package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/conduit/internal/libvirt"
)

// YAMLFormatter formats records as YAML.
type YAMLFormatter struct{}

// FormatDomain formats a single domain as YAML.
func (f *YAMLFormatter) FormatDomain(d *libvirt.DomainInfo) (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain to YAML: %w", err)
	}

	return string(data), nil
}

// FormatDomainList formats a list of domains as YAML.
// Outputs as a YAML stream (multiple documents separated by ---).
func (f *YAMLFormatter) FormatDomainList(ds []libvirt.DomainInfo) (string, error) {
	if len(ds) == 0 {
		return "", nil
	}

	var buf bytes.Buffer

	for i := range ds {
		data, err := yaml.Marshal(&ds[i])
		if err != nil {
			return "", fmt.Errorf("failed to marshal domain %s to YAML: %w", ds[i].Name, err)
		}

		// Add document separator between domains (but not before the first one)
		if i > 0 {
			buf.WriteString("---\n")
		}

		buf.Write(data)
	}

	return buf.String(), nil
}

// FormatResult formats a command result as YAML.
func (f *YAMLFormatter) FormatResult(r *Result) (string, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result to YAML: %w", err)
	}

	return string(data), nil
}

// FormatEvent formats an event as one YAML document, preceded by a separator.
func (f *YAMLFormatter) FormatEvent(e *EventRecord) (string, error) {
	data, err := yaml.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event to YAML: %w", err)
	}

	return "---\n" + string(data), nil
}
