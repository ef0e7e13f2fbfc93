package app

import (
	"fmt"
	"strings"

	"workq/internal/config"
	"workq/internal/handlers/http"
	"workq/internal/handlers/maintenance"
	"workq/internal/handlers/shell"
	"workq/internal/task"
)

// builtins returns the maintenance tasks plus the tasks declared in cfg.
func builtins(cfg *config.Config, results maintenance.Purger) ([]task.Definition, error) {
	defs := []task.Definition{maintenance.Definition(results, cfg.Results.TTL)}
	for _, tc := range cfg.Tasks {
		def := task.Definition{
			Name:       tc.Name,
			Queue:      tc.Queue,
			MaxRetries: tc.MaxRetries,
			HardLimit:  tc.HardLimit,
			SoftLimit:  tc.SoftLimit,
			RateLimit:  tc.RateLimit,
		}
		switch strings.ToLower(tc.Handler) {
		case "shell":
			def.Handler = shell.Shell{Defaults: shell.Cmd{Command: tc.Command, Args: tc.Args}}
		case "http":
			def.Handler = http.HTTP{Defaults: http.Request{URL: tc.URL, Method: tc.Method}}
		default:
			return nil, fmt.Errorf("task %s: unknown handler %q", tc.Name, tc.Handler)
		}
		defs = append(defs, def)
	}
	return defs, nil
}
