package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ashenforge/fleetd/internal/config"
	"github.com/ashenforge/fleetd/internal/store"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and add to the build queue",
}

var queueListLimit int

var queueListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pending queue items",
	RunE:  runQueueList,
}

var (
	queueAddSuite     string
	queueAddCommand   string
	queueAddOffset    int
	queueAddRefresh   bool
	queueAddRequestor string
)

var queueAddCmd = &cobra.Command{
	Use:   "add <package>",
	Short: "Enqueue a package for processing",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueAdd,
}

func init() {
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "maximum rows to list")
	queueCmd.AddCommand(queueListCmd)

	queueAddCmd.Flags().StringVar(&queueAddSuite, "suite", "", "suite to run (required)")
	queueAddCmd.Flags().StringVar(&queueAddCommand, "command", "", "command override (defaults to the suite's default)")
	queueAddCmd.Flags().IntVar(&queueAddOffset, "offset", 0, "scheduling priority offset")
	queueAddCmd.Flags().BoolVar(&queueAddRefresh, "refresh", false, "force a from-scratch run, ignoring resume branches")
	queueAddCmd.Flags().StringVar(&queueAddRequestor, "requestor", "fleetctl", "requestor recorded on the queue row")
	queueAddCmd.MarkFlagRequired("suite")
	queueCmd.AddCommand(queueAddCmd)

	rootCmd.AddCommand(queueCmd)
}

func openStore(ctx context.Context) (*store.Store, error) {
	main, err := config.LoadMain(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(ctx, main.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := db.IterQueue(ctx, queueListLimit)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Package", "Suite", "Command", "Bucket", "Priority", "Refresh", "Requestor"})
	for _, item := range items {
		tw.AppendRow(table.Row{
			item.ID, item.Package, item.Suite, item.Command,
			item.Bucket, item.Offset, item.Refresh, item.Requestor,
		})
	}
	tw.Render()
	return nil
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := db.AddToQueue(ctx, args[0], queueAddCommand, queueAddSuite, queueAddOffset, queueAddRefresh, queueAddRequestor)
	if err != nil {
		return fmt.Errorf("add to queue: %w", err)
	}
	fmt.Printf("queued %s (suite=%s) as id %d\n", args[0], queueAddSuite, id)
	return nil
}
