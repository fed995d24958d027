package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var serverURL string

// taskFile is the YAML shape of a task submission.
type taskFile struct {
	Description         string `yaml:"description" json:"description"`
	CheckpointFrequency string `yaml:"checkpoint_frequency,omitempty" json:"checkpoint_frequency,omitempty"`
	PrivacyLevel        string `yaml:"privacy_level,omitempty" json:"privacy_level,omitempty"`
	Nodes               []struct {
		ID        string   `yaml:"id" json:"id"`
		Title     string   `yaml:"title,omitempty" json:"title,omitempty"`
		Tool      string   `yaml:"tool,omitempty" json:"tool,omitempty"`
		Type      string   `yaml:"type,omitempty" json:"type,omitempty"`
		DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	} `yaml:"nodes" json:"nodes"`
}

var submitCmd = &cobra.Command{
	Use:   "submit <task.yaml>",
	Short: "Submit a task from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		var task taskFile
		if err := yaml.Unmarshal(raw, &task); err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}

		payload, err := json.Marshal(task)
		if err != nil {
			return err
		}

		resp, err := http.Post(serverURL+"/v1/tasks", "application/json", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("submitting task: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("coordinator rejected task (%d): %s", resp.StatusCode, apiError(body))
		}

		var created struct {
			TaskID string `json:"task_id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &created); err != nil {
			return err
		}

		color.Green("✓ Task submitted")
		fmt.Printf("  ID:     %s\n", created.TaskID)
		fmt.Printf("  Status: %s\n", created.Status)
		fmt.Printf("  Nodes:  %d\n", len(task.Nodes))
		return nil
	},
}

func apiError(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}

func init() {
	submitCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8420", "Coordinator base URL")
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8420", "Coordinator base URL")
}
