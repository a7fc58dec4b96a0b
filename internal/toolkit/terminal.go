package toolkit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool/utils"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"crew/internal/config"
	"crew/internal/events"
)

type terminalInput struct {
	Command string `json:"command" jsonschema:"description=Shell command to execute"`
}

// NewTerminalToolkit exposes a sandboxed shell. Command output is published
// on the bus as terminal events so clients can render it live.
func NewTerminalToolkit(ctx context.Context, cfg config.TerminalConfig, bus *events.Bus) (*Toolkit, error) {
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	timeout := cfg.Timeout.Duration()
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	run := func(ctx context.Context, in *terminalInput) (string, error) {
		if strings.TrimSpace(in.Command) == "" {
			return "", fmt.Errorf("empty command")
		}

		file, err := syntax.NewParser().Parse(strings.NewReader(in.Command), "")
		if err != nil {
			return "", fmt.Errorf("parse command: %w", err)
		}

		var buf bytes.Buffer
		runner, err := interp.New(
			interp.StdIO(nil, &buf, &buf),
			interp.Dir(workDir),
		)
		if err != nil {
			return "", fmt.Errorf("init interpreter: %w", err)
		}

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		runErr := runner.Run(runCtx, file)
		output := buf.String()

		bus.Publish(events.FromContext(ctx, events.ActionTerminal, map[string]any{
			"process_task_id": events.TaskFrom(ctx),
			"command":         in.Command,
			"output":          output,
		}))

		if runErr != nil {
			return output, fmt.Errorf("command failed: %w", runErr)
		}
		return output, nil
	}

	impl, err := utils.InferTool(
		"shell_exec",
		"Run a shell command in the project workspace and return its combined output.",
		run,
	)
	if err != nil {
		return nil, err
	}

	tk := New("terminal")
	if err := tk.Add(ctx, impl); err != nil {
		return nil, err
	}
	return tk, nil
}
