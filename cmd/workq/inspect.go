package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"workq/internal/engine"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) dispatchCmd() *cobra.Command {
	var (
		args       string
		queue      string
		id         string
		countdown  time.Duration
		maxRetries int
		wait       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dispatch TASK",
		Short: "Submit a task instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			opts := engine.Options{Queue: queue, Delay: countdown, ID: id}
			if cmd.Flags().Changed("max-retries") {
				opts.MaxRetries = &maxRetries
			}
			var payload any
			if args != "" {
				if !json.Valid([]byte(args)) {
					return fmt.Errorf("--args is not valid JSON")
				}
				payload = json.RawMessage(args)
			}
			instID, err := a.Engine.Dispatch(cmd.Context(), argv[0], payload, opts)
			if err != nil {
				return err
			}
			if wait <= 0 {
				st, err := a.Engine.Status(cmd.Context(), instID)
				if err != nil {
					return err
				}
				return printJSON(st)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			st, err := a.Engine.Wait(ctx, instID, 250*time.Millisecond)
			if err != nil {
				return fmt.Errorf("wait for %s: %w", instID, err)
			}
			return printJSON(st)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&args, "args", "a", "", "task arguments as JSON")
	f.StringVarP(&queue, "queue", "q", "", "queue override")
	f.StringVar(&id, "id", "", "instance id (default random)")
	f.DurationVar(&countdown, "countdown", 0, "delay before the first attempt")
	f.IntVar(&maxRetries, "max-retries", 0, "retry budget override")
	f.DurationVar(&wait, "wait", 0, "wait up to this long for a terminal state")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.Engine.Status(cmd.Context(), argv[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func (c *cli) revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke ID",
		Short: "Revoke an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.Engine.Revoke(cmd.Context(), argv[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}
