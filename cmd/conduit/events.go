package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/conduit/internal/control"
	"github.com/jbweber/conduit/internal/output"
)

var (
	eventsDomain string
	eventsName   string
	eventsRegex  bool
	eventsNoCase bool
)

func init() {
	eventsCmd.Flags().StringVarP(&eventsDomain, "domain", "d", "", "only events from this domain (default all domains)")
	eventsCmd.Flags().StringVarP(&eventsName, "event", "e", "", "only events with this name (default all events)")
	eventsCmd.Flags().BoolVar(&eventsRegex, "regex", false, "treat --event as a regular expression")
	eventsCmd.Flags().BoolVar(&eventsNoCase, "nocase", false, "match --event case-insensitively")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream QEMU monitor events",
	Long: `Stream monitor events until interrupted.

Each event is printed as it arrives: one line in table format, one JSON
object per line with -o json, one YAML document each with -o yaml.

Example:
  conduit events --domain web-1 --event 'block_job_.*' --regex --nocase`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		b, release, err := openBackend(cmd.Context(), rt)
		if err != nil {
			return err
		}
		defer release()

		err = b.Events(cmd.Context(), eventsDomain, eventsName, eventFlags(eventsRegex, eventsNoCase), func(rec *output.EventRecord) error {
			line, err := rt.formatter.FormatEvent(rec)
			if err != nil {
				return fmt.Errorf("failed to format event: %w", err)
			}
			fmt.Print(line)
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("event stream failed: %w", err)
		}
		return nil
	},
}

func eventFlags(regex, nocase bool) uint32 {
	var flags uint32
	if regex {
		flags |= control.EventRegex
	}
	if nocase {
		flags |= control.EventNoCase
	}
	return flags
}
