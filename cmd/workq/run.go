package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"workq/internal/app"
	"workq/internal/scheduler"
)

const shutdownTimeout = 5 * time.Second

// must panics on flag binding errors, which only happen for unknown flags.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

func (c *cli) workerCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queues and execute tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return runWorker(cmd.Context(), a, name)
		},
	}
	cmd.Flags().StringVarP(&name, "hostname", "n", "", "worker name (default host-pid)")
	cmd.Flags().StringSliceP("queues", "Q", nil, "queues to consume (default every known queue)")
	cmd.Flags().IntP("prefetch", "p", 4, "instances executed concurrently")
	must(c.v.BindPFlag("worker.queues", cmd.Flags().Lookup("queues")))
	must(c.v.BindPFlag("worker.prefetch", cmd.Flags().Lookup("prefetch")))
	return cmd
}

func runWorker(ctx context.Context, a *app.App, name string) error {
	pool, err := a.Worker(name, nil)
	if err != nil {
		return err
	}
	return pool.Run(ctx)
}

func (c *cli) beatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "beat",
		Short: "Fire periodic schedule entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			s, err := a.Scheduler()
			if err != nil {
				return err
			}
			return s.Run(cmd.Context())
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			s, err := a.Scheduler()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), a, s, debug)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP bind address")
	cmd.Flags().BoolVar(&debug, "debug", false, "expose /debug/pprof")
	must(c.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr")))
	return cmd
}

func serve(ctx context.Context, a *app.App, s *scheduler.Scheduler, debug bool) error {
	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           a.Handler(s, debug),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("HTTP server shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func (c *cli) allCmd() *cobra.Command {
	var name string
	var debug bool
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run a worker, beat and the HTTP API in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			s, err := a.Scheduler()
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return runWorker(gctx, a, name) })
			g.Go(func() error { return s.Run(gctx) })
			g.Go(func() error { return serve(gctx, a, s, debug) })
			return g.Wait()
		},
	}
	cmd.Flags().StringVarP(&name, "hostname", "n", "", "worker name (default host-pid)")
	cmd.Flags().BoolVar(&debug, "debug", false, "expose /debug/pprof")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the store applies pending migrations.
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Str("driver", c.cfg.Store.Driver).Msg("migrations applied")
			return a.Close()
		},
	}
}
