package output

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jbweber/conduit/internal/libvirt"
)

// TableFormatter formats records as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatDomain formats a single domain as a table with its agent channel.
func (f *TableFormatter) FormatDomain(d *libvirt.DomainInfo) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tSTATE\tID\tVCPUs\tMEMORY\tAUTOSTART\tAGENT")
	}
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
		d.Name, d.State, formatID(d.ID), d.CPUs, formatMemory(d.MemoryMB), yesNo(d.Autostart), agentState(d.Agent))

	_ = w.Flush()
	return buf.String(), nil
}

// FormatDomainList formats a list of domains as a table.
func (f *TableFormatter) FormatDomainList(ds []libvirt.DomainInfo) (string, error) {
	if len(ds) == 0 {
		return "No domains found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tSTATE\tID\tVCPUs\tMEMORY\tAUTOSTART")
	}

	for _, d := range ds {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			d.Name, d.State, formatID(d.ID), d.CPUs, formatMemory(d.MemoryMB), yesNo(d.Autostart))
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatResult prints the raw reply followed by any returned descriptors.
func (f *TableFormatter) FormatResult(r *Result) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(r.Result)
	if !strings.HasSuffix(r.Result, "\n") {
		buf.WriteByte('\n')
	}

	if len(r.Files) == 0 {
		return buf.String(), nil
	}

	buf.WriteByte('\n')
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "FD\tMODE")
	}
	for _, file := range r.Files {
		_, _ = fmt.Fprintf(w, "%d\t%s\n", file.FD, file.Mode)
	}
	_ = w.Flush()

	return buf.String(), nil
}

// FormatEvent formats an event as one line. Details are flattened so a
// stream stays line oriented.
func (f *TableFormatter) FormatEvent(e *EventRecord) (string, error) {
	details := strings.Join(strings.Fields(e.Details), " ")
	if details == "" {
		details = "-"
	}
	domain := e.Domain
	if domain == "" {
		domain = "-"
	}
	return fmt.Sprintf("%s  %s  %s  %s\n",
		e.Timestamp.Format(time.RFC3339Nano), domain, e.Event, details), nil
}

func formatID(id int32) string {
	if id < 0 {
		return "-"
	}
	return fmt.Sprintf("%d", id)
}

// formatMemory formats MiB, switching to GiB for whole gibibytes.
// Examples: "512 MiB", "4 GiB"
func formatMemory(mb uint64) string {
	if mb >= 1024 && mb%1024 == 0 {
		return fmt.Sprintf("%d GiB", mb/1024)
	}
	return fmt.Sprintf("%d MiB", mb)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func agentState(a *libvirt.AgentChannel) string {
	if a == nil {
		return "none"
	}
	if a.State == "" {
		return "unknown"
	}
	return a.State
}
