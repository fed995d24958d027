package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task and its subtasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(serverURL + "/v1/tasks/" + args[0])
		if err != nil {
			return fmt.Errorf("fetching task: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, apiError(body))
		}

		var out struct {
			Task  models.Task   `json:"task"`
			Nodes []models.Node `json:"nodes"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return err
		}

		fmt.Printf("Task %s\n", out.Task.ID)
		fmt.Printf("  %s\n", out.Task.Description)
		fmt.Printf("  Status:     %s\n", taskColor(out.Task.Status)(string(out.Task.Status)))
		fmt.Printf("  Checkpoint: %s   Privacy: %s\n", out.Task.CheckpointFrequency, out.Task.Privacy)
		fmt.Println()

		for _, n := range out.Nodes {
			marker := nodeColor(n.Status)("●")
			fmt.Printf("  %s %-10s %-28s %s", marker, n.Status, n.Title, n.Tool)
			if n.AssignedTo != "" {
				fmt.Printf("  worker=%s", n.AssignedTo)
			}
			if n.RetryCount > 0 {
				fmt.Printf("  retries=%d", n.RetryCount)
			}
			fmt.Println()
		}
		return nil
	},
}

func taskColor(s models.TaskStatus) func(...any) string {
	switch s {
	case models.TaskStatusCompleted:
		return color.New(color.FgGreen).SprintFunc()
	case models.TaskStatusFailed, models.TaskStatusCancelled:
		return color.New(color.FgRed).SprintFunc()
	case models.TaskStatusPaused:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgCyan).SprintFunc()
	}
}

func nodeColor(s models.NodeStatus) func(...any) string {
	switch s {
	case models.NodeStatusSucceeded:
		return color.New(color.FgGreen).SprintFunc()
	case models.NodeStatusFailed, models.NodeStatusBlocked, models.NodeStatusCancelled:
		return color.New(color.FgRed).SprintFunc()
	case models.NodeStatusRunning, models.NodeStatusAssigned:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgWhite).SprintFunc()
	}
}
