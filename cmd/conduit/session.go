package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/jbweber/conduit/internal/api"
	"github.com/jbweber/conduit/internal/config"
	"github.com/jbweber/conduit/internal/control"
	"github.com/jbweber/conduit/internal/libvirt"
	"github.com/jbweber/conduit/internal/logging"
	"github.com/jbweber/conduit/internal/output"
	"github.com/jbweber/conduit/internal/qmp"
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath string
	uri        string
	timeout    time.Duration
	output     string
	noHeaders  bool
	logLevel   string
	server     string
	secret     string
}

// loadConfig loads the config file and applies the flags the user set
// explicitly. changed reports whether a flag was given on the command line.
func (o *globalOptions) loadConfig(changed func(name string) bool) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	if changed("uri") {
		cfg.URI = o.uri
	}
	if changed("timeout") {
		cfg.Timeout = o.timeout
	}
	if changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if changed("secret") {
		cfg.API.Secret = o.secret
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runtime is what every command needs before it touches libvirt.
type runtime struct {
	cfg       *config.Config
	log       logr.Logger
	formatter output.Formatter
	server    string
}

func setup(cmd *cobra.Command) (*runtime, error) {
	if err := output.ValidateFormat(opts.output); err != nil {
		return nil, err
	}
	formatter, err := output.NewFormatter(output.Options{
		Format:    output.Format(opts.output),
		NoHeaders: opts.noHeaders,
	})
	if err != nil {
		return nil, err
	}

	cfg, err := opts.loadConfig(func(name string) bool {
		return cmd.Flags().Changed(name)
	})
	if err != nil {
		return nil, err
	}

	log, err := logging.Setup(logging.Options{
		Development: cfg.Log.Development,
		Level:       cfg.Log.Level,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:       cfg,
		log:       log,
		formatter: formatter,
		server:    strings.TrimSpace(opts.server),
	}, nil
}

func (rt *runtime) remote() bool {
	return rt.server != ""
}

func (rt *runtime) apiClient() *api.Client {
	return api.NewClient(rt.server, rt.cfg.API.Secret, rt.log.WithName("client"))
}

// session is an open libvirt connection with the control layer on top.
type session struct {
	client *libvirt.Client
	conn   *control.Connection
	pool   *qmp.Pool
	ctl    *api.ConnectionController
}

func connect(ctx context.Context, rt *runtime, extra ...control.Option) (*session, error) {
	cfg := rt.cfg

	client, err := libvirt.ConnectWithContext(ctx, cfg.URI, cfg.Timeout, libvirt.WithSSH(cfg.SSHOptions()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt: %w", err)
	}

	copts := []control.Option{
		control.WithEndpoint(client.Endpoint().URI),
		control.WithLogger(rt.log.WithName("control")),
		control.WithAgentGrace(cfg.AgentGrace),
	}

	var pool *qmp.Pool
	if len(cfg.QMPSockets) > 0 {
		pool = qmp.NewPool(cfg.QMPSockets, cfg.Timeout, rt.log.WithName("qmp"))
		copts = append(copts, control.WithFileTransport(pool))
	}
	copts = append(copts, extra...)

	conn := control.New(client.Session(), copts...)
	rt.log.V(1).Info("connected", "uri", conn.Endpoint())

	return &session{
		client: client,
		conn:   conn,
		pool:   pool,
		ctl:    api.NewController(conn, client),
	}, nil
}

func (s *session) qmpDomains() []string {
	if s.pool == nil {
		return nil
	}
	return s.pool.Domains()
}

// close tears down the control connection, which also closes the QMP pool
// and the libvirt client.
func (s *session) close(log logr.Logger) {
	if err := s.conn.Close(); err != nil {
		log.Info("Warning: failed to close libvirt connection", "error", err.Error())
	}
}

// backend runs domain commands either locally or through a proxy.
type backend interface {
	Inspect(ctx context.Context, domain string) (*libvirt.DomainInfo, error)
	MonitorCommand(ctx context.Context, domain, command string, hmp bool) (*output.Result, error)
	AgentCommand(ctx context.Context, domain, command string, timeout int) (*output.Result, error)
	Events(ctx context.Context, domain, event string, flags uint32, fn func(*output.EventRecord) error) error
}

var (
	_ backend = (*api.Client)(nil)
	_ backend = (*localBackend)(nil)
)

// openBackend returns the proxy client when --server is set, otherwise a
// local session. The returned func releases it.
func openBackend(ctx context.Context, rt *runtime) (backend, func(), error) {
	if rt.remote() {
		return rt.apiClient(), func() {}, nil
	}

	sess, err := connect(ctx, rt)
	if err != nil {
		return nil, nil, err
	}
	return &localBackend{ctl: sess.ctl, log: rt.log}, func() { sess.close(rt.log) }, nil
}

// localBackend adapts api.Controller to the shapes the proxy client returns.
type localBackend struct {
	ctl api.Controller
	log logr.Logger
}

func (b *localBackend) Inspect(ctx context.Context, domain string) (*libvirt.DomainInfo, error) {
	return b.ctl.Inspect(ctx, domain)
}

func (b *localBackend) MonitorCommand(ctx context.Context, domain, command string, hmp bool) (*output.Result, error) {
	var flags uint32
	if hmp {
		flags |= control.MonitorCommandHMP
	}
	result, err := b.ctl.MonitorCommand(ctx, domain, command, flags)
	if err != nil {
		return nil, err
	}
	return &output.Result{Domain: domain, Command: command, Result: result}, nil
}

func (b *localBackend) AgentCommand(ctx context.Context, domain, command string, timeout int) (*output.Result, error) {
	result, err := b.ctl.AgentCommand(ctx, domain, command, timeout)
	if err != nil {
		return nil, err
	}
	return &output.Result{Domain: domain, Command: command, Result: result}, nil
}

// Events subscribes and calls fn for every event until ctx is cancelled or
// fn returns an error.
func (b *localBackend) Events(ctx context.Context, domain, event string, flags uint32, fn func(*output.EventRecord) error) error {
	stop := make(chan error, 1)

	id, err := b.ctl.Subscribe(ctx, domain, event, flags, func(ev *control.Event) error {
		if err := fn(output.NewEventRecord(ev)); err != nil {
			select {
			case stop <- err:
			default:
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := b.ctl.Unsubscribe(context.Background(), id); err != nil {
			b.log.Info("Warning: failed to remove event subscription", "id", id, "error", err.Error())
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-stop:
		return err
	}
}
