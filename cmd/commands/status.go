package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	gwclient "crew/clients/gateway"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show gateway status, or one project's tasks",
		ArgsUsage: "[project-id]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "gateway",
				Usage: "Gateway base URL",
				Value: "http://127.0.0.1:5678",
			},
		},
		Action: runStatus,
	}
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := gwclient.New(cmd.String("gateway"))
	if err := client.Health(ctx); err != nil {
		fmt.Println("Gateway: NOT RUNNING")
		return nil
	}

	projectID := cmd.Args().First()
	if projectID == "" {
		fmt.Println("Gateway: ALIVE")
		return nil
	}

	state, err := client.TaskState(ctx, projectID)
	if err != nil {
		return err
	}

	fmt.Printf("Project %s: %v\n", projectID, state["status"])
	if summary, ok := state["summary"].(string); ok && summary != "" {
		fmt.Printf("Summary: %s\n", summary)
	}
	if tasks, ok := state["tasks"].([]any); ok {
		fmt.Println("Tasks:")
		for _, raw := range tasks {
			t, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("  %-10v %v  %v\n", t["state"], t["id"], t["content"])
		}
	}
	if workers, ok := state["workers"].([]any); ok {
		fmt.Println("Workers:")
		for _, raw := range workers {
			w, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("  %v (%v): %v attempts, %v failed\n", w["id"], w["role"], w["total"], w["failed"])
		}
	}
	return nil
}
