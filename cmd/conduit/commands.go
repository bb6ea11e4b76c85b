package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/conduit/internal/control"
	"github.com/jbweber/conduit/internal/output"
)

var (
	monitorHMP   bool
	agentTimeout int
	fdsHMP       bool
	fdsFiles     []string
)

func init() {
	monitorCmd.Flags().BoolVar(&monitorHMP, "hmp", false, "send a human monitor command instead of QMP")

	agentCmd.Flags().IntVar(&agentTimeout, "agent-timeout", control.AgentTimeoutDefault,
		"seconds to wait for the agent; -2 blocks, -1 uses the daemon default, 0 does not wait")

	monitorFdsCmd.Flags().BoolVar(&fdsHMP, "hmp", false, "send a human monitor command instead of QMP")
	monitorFdsCmd.Flags().StringArrayVarP(&fdsFiles, "file", "f", nil,
		"file to pass as PATH[:MODE], MODE one of r, w, rw, a, a+ (default r); repeatable")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <domain>",
	Short: "Show details about a domain",
	Long: `Show a domain's identity, state, resources and guest agent channel.

Output formats:
  -o table  Human-readable table (default)
  -o yaml   YAML document
  -o json   JSON document`,
	Args: cobra.ExactArgs(1),
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

		info, err := b.Inspect(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to inspect domain: %w", err)
		}

		result, err := rt.formatter.FormatDomain(info)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Print(result)
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor <domain> <command>",
	Short: "Run a QEMU monitor command",
	Long: `Send a command to the domain's QEMU monitor and print the reply.

The command is a QMP JSON document unless --hmp is set.

Example:
  conduit monitor web-1 '{"execute":"query-status"}'
  conduit monitor web-1 --hmp 'info block'`,
	Args: cobra.ExactArgs(2),
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

		res, err := b.MonitorCommand(cmd.Context(), args[0], args[1], monitorHMP)
		if err != nil {
			return fmt.Errorf("monitor command failed: %w", err)
		}
		return printResult(rt, res)
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent <domain> <command>",
	Short: "Run a guest agent command",
	Long: `Send a JSON command to the domain's QEMU guest agent and print the reply.

Example:
  conduit agent web-1 '{"execute":"guest-ping"}'
  conduit agent web-1 --agent-timeout 30 '{"execute":"guest-fsfreeze-freeze"}'`,
	Args: cobra.ExactArgs(2),
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

		res, err := b.AgentCommand(cmd.Context(), args[0], args[1], agentTimeout)
		if err != nil {
			return fmt.Errorf("agent command failed: %w", err)
		}
		return printResult(rt, res)
	},
}

var monitorFdsCmd = &cobra.Command{
	Use:   "monitor-fds <domain> <command>",
	Short: "Run a QEMU monitor command that passes file descriptors",
	Long: `Send a monitor command over the domain's QMP socket together with open
files, and report any descriptors QEMU sends back.

The domain must have an entry in the qmp_sockets config section. Files are
passed in the order given.

Example:
  conduit monitor-fds web-1 -f /var/log/web-1.serial:a \
    '{"execute":"getfd","arguments":{"fdname":"serial"}}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		if rt.remote() {
			return fmt.Errorf("monitor-fds cannot pass descriptors through --server")
		}

		files, err := openFiles(fdsFiles)
		if err != nil {
			return err
		}
		defer closeFiles(files)

		ctx := cmd.Context()
		sess, err := connect(ctx, rt)
		if err != nil {
			return err
		}
		defer sess.close(rt.log)

		d, err := sess.conn.LookupDomain(ctx, args[0])
		if err != nil {
			return err
		}
		defer d.Release()

		descriptors := make([]control.Descriptor, 0, len(files))
		for _, f := range files {
			descriptors = append(descriptors, f)
		}

		var flags uint32
		if fdsHMP {
			flags |= control.MonitorCommandHMP
		}

		resp, err := sess.conn.MonitorCommandWithFiles(ctx, d, args[1], descriptors, flags)
		if err != nil {
			return fmt.Errorf("monitor command failed: %w", err)
		}
		defer func() {
			if err := resp.Close(); err != nil {
				rt.log.Info("Warning: failed to close received files", "error", err.Error())
			}
		}()

		return printResult(rt, output.NewFilesResult(d.Name(), args[1], resp))
	},
}

func printResult(rt *runtime, res *output.Result) error {
	result, err := rt.formatter.FormatResult(res)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Print(result)
	return nil
}

// parseFileSpec splits PATH[:MODE] into a path and os.OpenFile flags.
func parseFileSpec(spec string) (string, int, error) {
	path, mode := spec, "r"
	if i := strings.LastIndex(spec, ":"); i >= 0 {
		path, mode = spec[:i], spec[i+1:]
	}
	if path == "" {
		return "", 0, fmt.Errorf("invalid file %q: empty path", spec)
	}

	switch mode {
	case "r":
		return path, os.O_RDONLY, nil
	case "w":
		return path, os.O_WRONLY | os.O_CREATE | os.O_TRUNC, nil
	case "rw":
		return path, os.O_RDWR | os.O_CREATE, nil
	case "a":
		return path, os.O_WRONLY | os.O_CREATE | os.O_APPEND, nil
	case "a+":
		return path, os.O_RDWR | os.O_CREATE | os.O_APPEND, nil
	default:
		return "", 0, fmt.Errorf("invalid file %q: unknown mode %q (valid modes: r, w, rw, a, a+)", spec, mode)
	}
}

func openFiles(specs []string) ([]*os.File, error) {
	files := make([]*os.File, 0, len(specs))
	for _, spec := range specs {
		path, flag, err := parseFileSpec(spec)
		if err != nil {
			closeFiles(files)
			return nil, err
		}
		f, err := os.OpenFile(path, flag, 0o600)
		if err != nil {
			closeFiles(files)
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		files = append(files, f)
	}
	return files, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
