package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/conduit/internal/config"
	"github.com/jbweber/conduit/internal/libvirt"
	"github.com/jbweber/conduit/internal/output"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var opts globalOptions

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Conduit - QEMU monitor and guest agent control channel",
	Long: `Conduit sends commands to the QEMU monitor and guest agent of libvirt
domains and streams the monitor events they emit.

Commands run against a libvirt daemon directly, or through a conduit proxy
started with 'conduit serve' when --server is set.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config file (default $"+config.EnvConfig+")")
	flags.StringVar(&opts.uri, "uri", "", "libvirt connection URI (default "+libvirt.DefaultURI+")")
	flags.DurationVar(&opts.timeout, "timeout", config.DefaultTimeout, "connection and dial timeout")
	flags.StringVarP(&opts.output, "output", "o", string(output.FormatTable), "output format: table, yaml, json")
	flags.BoolVar(&opts.noHeaders, "no-headers", false, "omit headers in table output")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.server, "server", "", "conduit proxy URL; commands go through the proxy instead of libvirt")
	flags.StringVar(&opts.secret, "secret", "", "shared secret for the proxy")

	rootCmd.AddCommand(testConnCmd)
	rootCmd.AddCommand(domainsCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(monitorFdsCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(serveCmd)
}

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test the libvirt connection",
	Long: `Test connectivity to the libvirt daemon and display version information.

With --server the proxy is pinged instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if rt.remote() {
			fmt.Printf("Testing conduit proxy at %s...\n", opts.server)
			start := time.Now()
			if err := rt.apiClient().Ping(ctx); err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}
			fmt.Printf("✓ Proxy answered in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		}

		fmt.Println("Testing libvirt connection...")

		sess, err := connect(ctx, rt)
		if err != nil {
			return err
		}
		defer sess.close(rt.log)

		fmt.Println("✓ Connected to libvirt daemon")

		if err := sess.client.Ping(); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}

		v, err := sess.client.Version()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Libvirt version: %s\n", v)

		hostname, err := sess.client.Libvirt().ConnectGetHostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		fmt.Printf("✓ Hypervisor hostname: %s\n", hostname)
		fmt.Printf("✓ Connection URI: %s\n", sess.conn.Endpoint())

		if names := sess.qmpDomains(); len(names) > 0 {
			fmt.Printf("✓ QMP sockets configured for: %v\n", names)
		}

		fmt.Println("\nConnection test successful!")
		return nil
	},
}

var domainsCmd = &cobra.Command{
	Use:     "domains",
	Aliases: []string{"list"},
	Short:   "List domains",
	Long: `List all domains defined on the libvirt daemon.

Shows each domain's state, resources and whether its guest agent channel
is connected.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		if rt.remote() {
			return fmt.Errorf("domains is not available through --server")
		}

		sess, err := connect(cmd.Context(), rt)
		if err != nil {
			return err
		}
		defer sess.close(rt.log)

		domains, err := sess.client.ListDomains(cmd.Context())
		if err != nil {
			return err
		}

		result, err := rt.formatter.FormatDomainList(domains)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Print(result)
		return nil
	},
}
