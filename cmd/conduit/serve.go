package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/jbweber/conduit/internal/api"
	"github.com/jbweber/conduit/internal/control"
	"github.com/jbweber/conduit/internal/metrics"
)

const defaultListen = "127.0.0.1:8080"

var serveListen string

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "API listen address (default api.listen, then "+defaultListen+")")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conduit HTTP proxy",
	Long: `Hold one libvirt connection and expose monitor commands, agent commands
and the event stream over HTTP.

Requests must carry the X-Conduit-Secret header when api.secret or --secret
is set. Prometheus metrics are served on metrics.listen when configured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		listen := serveListen
		if listen == "" {
			listen = rt.cfg.API.Listen
		}
		if listen == "" {
			listen = defaultListen
		}

		recorder := metrics.NewRecorder()
		sess, err := connect(ctx, rt, control.WithObserver(recorder))
		if err != nil {
			return err
		}
		defer sess.close(rt.log)

		if rt.cfg.API.Secret == "" {
			rt.log.Info("Warning: no API secret configured, requests are not authenticated")
		}

		apiLog := rt.log.WithName("api")
		srv := api.NewServer(listen, api.NewAPI(sess.ctl, apiLog), rt.cfg.API.Secret, apiLog)

		metricsErr := make(chan error, 1)
		if addr := rt.cfg.Metrics.Listen; addr != "" {
			go func() {
				metricsErr <- serveMetrics(ctx, addr, rt.cfg.Metrics.Path, recorder.Handler(), rt.log.WithName("metrics"))
			}()
		}

		apiErr := make(chan error, 1)
		go func() { apiErr <- srv.Run(ctx) }()

		select {
		case err := <-apiErr:
			return err
		case err := <-metricsErr:
			if err != nil {
				return err
			}
			return <-apiErr
		}
	},
}

func serveMetrics(ctx context.Context, addr, path string, handler http.Handler, log logr.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving metrics", "addr", addr, "path", path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to serve metrics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down metrics: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
