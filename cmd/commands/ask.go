package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	gwclient "crew/clients/gateway"
)

// NewAskCommand returns the ask subcommand.
func NewAskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send a question to a running gateway and print the run",
		ArgsUsage: "<question>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "gateway",
				Usage: "Gateway base URL",
				Value: "http://127.0.0.1:5678",
			},
			&cli.StringFlag{
				Name:    "project",
				Aliases: []string{"p"},
				Usage:   "Project ID to use (empty = new project)",
			},
			&cli.StringSliceFlag{
				Name:  "attach",
				Usage: "Glob of files to attach as context, repeatable",
			},
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Start the plan without waiting for confirmation",
			},
			&cli.IntFlag{
				Name:  "timeout",
				Usage: "Overall timeout in seconds",
				Value: 600,
			},
		},
		Action: runAsk,
	}
}

func runAsk(ctx context.Context, cmd *cli.Command) error {
	question := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if question == "" {
		return fmt.Errorf("usage: crew ask <question>")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Int("timeout"))*time.Second)
	defer cancel()

	client := gwclient.New(cmd.String("gateway"))
	stream, err := client.Chat(ctx, gwclient.ChatRequest{
		ProjectID: cmd.String("project"),
		Question:  question,
		Attaches:  cmd.StringSlice("attach"),
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	autoStart := cmd.Bool("yes")
	var projectID string

	for {
		frame, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch frame.Step {
		case "confirmed":
			if id, ok := frame.Data["project_id"].(string); ok {
				projectID = id
			}
		case "decompose_text":
			// Partial plan text, skipped in favor of to_sub_tasks.
		case "to_sub_tasks":
			printPlan(frame.Data)
		case "wait_confirm":
			if autoStart && projectID != "" {
				if err := client.Start(ctx, projectID); err != nil {
					return fmt.Errorf("start: %w", err)
				}
				continue
			}
			fmt.Fprintln(os.Stderr, "plan ready, press enter to start (ctrl-c to abort)")
			fmt.Scanln()
			if projectID == "" {
				return fmt.Errorf("gateway never announced the project id")
			}
			if err := client.Start(ctx, projectID); err != nil {
				return fmt.Errorf("start: %w", err)
			}
		case "assign_task":
			fmt.Fprintf(os.Stderr, "-> %v assigned to %v\n", frame.Data["task_id"], frame.Data["assignee_id"])
		case "task_state", "new_task_state":
			fmt.Fprintf(os.Stderr, "   %v: %v\n", frame.Data["task_id"], frame.Data["state"])
		case "notice":
			fmt.Fprintf(os.Stderr, "note: %v\n", frame.Data["notice"])
		case "error":
			fmt.Fprintf(os.Stderr, "error: %v\n", frame.Data)
		case "end":
			if summary, ok := frame.Data["summary"].(string); ok && summary != "" {
				fmt.Println(summary)
			}
			return nil
		case "sync":
			// Heartbeat.
		}
	}
}

func printPlan(data map[string]any) {
	tasks, ok := data["sub_tasks"].([]any)
	if !ok {
		return
	}
	fmt.Fprintln(os.Stderr, "plan:")
	for _, raw := range tasks {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(os.Stderr, "  - %v: %v\n", t["id"], t["content"])
	}
}
