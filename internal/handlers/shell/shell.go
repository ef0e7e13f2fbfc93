// Package shell runs an external command as a task body.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"workq/internal/task"
)

// maxOutput bounds the output stored as the task result.
const maxOutput = 64 << 10

// Shell runs Cmd. Arguments sent with the task override Defaults: a command
// replaces the default command and its args, args alone replace the default
// args.
type Shell struct {
	Defaults Cmd
}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir,omitempty"`
}

type Result struct {
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (h Shell) Handle(ctx context.Context, req *task.Request) (any, error) {
	var in Cmd
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	c := h.Defaults
	switch {
	case in.Command != "":
		c.Command, c.Args = in.Command, in.Args
	case in.Args != nil:
		c.Args = in.Args
	}
	if in.Dir != "" {
		c.Dir = in.Dir
	}
	if c.Command == "" {
		return nil, task.Permanent(errors.New("shell: command is required"))
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()

	res := Result{Command: c.Command, Output: string(out)}
	if len(out) > maxOutput {
		res.Output, res.Truncated = string(out[len(out)-maxOutput:]), true
	}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("shell %s: %w", c.Command, context.Cause(ctx))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, fmt.Errorf("shell %s exited %d: %s", c.Command, exitErr.ExitCode(), res.Output)
	}
	// The binary is missing or not executable; retrying will not help.
	return nil, task.Permanent(fmt.Errorf("shell %s: %w", c.Command, err))
}
