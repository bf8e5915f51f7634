package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ashenforge/fleetd/internal/httpapi"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active runs and queue depth for a runner",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(runnerURL + "/status")
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner returned status %d", resp.StatusCode)
	}

	var status httpapi.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Printf("queue depth: %d\n\n", status.QueueDepth)

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Package", "Suite", "Worker", "Started", "Last keepalive", "Kill requested"})
	for _, run := range status.ActiveRuns {
		tw.AppendRow(table.Row{
			run.ID, run.Package, run.Suite, run.Worker,
			run.StartTime.Format(time.RFC3339),
			run.LastKeepalive.Format(time.RFC3339),
			run.KillRequested,
		})
	}
	tw.Render()
	return nil
}
