package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskrelay/taskrelay/internal/client"
)

const submitPollInterval = 2 * time.Second

func newSubmitCmd() *cobra.Command {
	var (
		managerURL string
		token      string
		file       string
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task described in a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := client.LoadTaskFile(file)
			if err != nil {
				return err
			}

			api := client.New(managerURL, token)
			taskID, err := api.Execute(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("task submitted: %s\n", taskID)

			if !wait {
				return nil
			}
			return waitForTask(cmd.Context(), api, taskID)
		},
	}
	cmd.Flags().StringVar(&managerURL, "manager", "http://localhost:8000", "manager base URL")
	cmd.Flags().StringVar(&token, "token", "", "API token")
	cmd.Flags().StringVarP(&file, "file", "f", "task.yaml", "task file to submit")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the task reaches a terminal status")
	return cmd
}

func waitForTask(ctx context.Context, api *client.Client, taskID string) error {
	ticker := time.NewTicker(submitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		t, err := api.Status(ctx, taskID)
		if err != nil {
			return err
		}
		if !t.Status.Terminal() {
			continue
		}

		fmt.Printf("task %s finished: %s\n", taskID, t.Status)
		if t.Error != "" {
			fmt.Printf("error: %s\n", t.Error)
		}
		if t.Status.Failure() {
			return fmt.Errorf("task %s ended with status %s", taskID, t.Status)
		}
		return nil
	}
}
