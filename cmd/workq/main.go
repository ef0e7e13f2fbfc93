// Command workq runs workers, the periodic scheduler and the HTTP API, and
// dispatches or inspects task instances from the shell.
//
// Usage:
//
//	workq [--config FILE] <command> [flags]
//
// Commands:
//
//	worker    consume queues and execute tasks
//	beat      fire periodic schedule entries
//	serve     serve the HTTP API
//	all       worker, beat and the API in one process
//	dispatch  submit a task instance
//	status    show an instance
//	revoke    revoke an instance
//	migrate   apply database migrations
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workq/internal/app"
	"workq/internal/config"
	"workq/internal/logging"
)

// version is set with -ldflags at build time.
var version = "dev"

type cli struct {
	v   *viper.Viper
	src config.Source
	cfg *config.Config
}

func (c *cli) app(ctx context.Context) (*app.App, error) {
	return app.New(ctx, c.cfg)
}

func main() {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:           "workq",
		Short:         "workq: a task queue and periodic scheduler",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.v, c.src)
			if err != nil {
				return err
			}
			if _, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.src.File, "config", "c", "", "config file (default ./workq.yaml if present)")
	pf.StringVar(&c.src.EnvFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "console", "log format (console, json)")
	must(c.v.BindPFlag("log.level", pf.Lookup("log-level")))
	must(c.v.BindPFlag("log.format", pf.Lookup("log-format")))

	root.AddCommand(
		c.workerCmd(),
		c.beatCmd(),
		c.serveCmd(),
		c.allCmd(),
		c.dispatchCmd(),
		c.statusCmd(),
		c.revokeCmd(),
		c.migrateCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
