package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/funnyzak/mockproxy/internal/storage"
	"github.com/funnyzak/mockproxy/internal/web"
	"github.com/funnyzak/mockproxy/pkg/record"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Maintain the recorded request log",
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete recorded requests",
		Args:  cobra.NoArgs,
		RunE:  runLogsClear,
	}
	clearCmd.Flags().Int("days", 0, "Only delete requests older than this many days")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded requests as JSON, CSV or text",
		Args:  cobra.NoArgs,
		RunE:  runLogsExport,
	}
	exportCmd.Flags().StringP("format", "f", "json", "Output format (json, csv, txt)")
	exportCmd.Flags().StringP("output", "o", "", "Output file (stdout when empty)")
	exportCmd.Flags().StringP("search", "s", "", "Only export requests whose URL contains this text")
	exportCmd.Flags().StringP("method", "m", "", "Only export requests with this method")

	cmd.AddCommand(clearCmd, exportCmd)
	return cmd
}

func runLogsClear(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")
	if days < 0 {
		return fmt.Errorf("days cannot be negative")
	}

	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	var removed int64
	if cmd.Flags().Changed("days") {
		removed, err = store.ClearRequestLogsOlderThan(days)
	} else {
		removed, err = store.ClearRequestLogs()
	}
	if err != nil {
		return fmt.Errorf("clear logs: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d request log(s)\n", removed)
	return nil
}

func runLogsExport(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")
	search, _ := cmd.Flags().GetString("search")
	method, _ := cmd.Flags().GetString("method")

	if _, _, err := web.DescribeFormat(format); err != nil {
		return err
	}

	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	w := cmd.OutOrStdout()
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		w = f
	}

	opts := storage.ListOptions{Search: search, Method: method}
	iter := func(yield func(*record.RequestLog) bool) error {
		return store.IterateRequestLogs(opts, yield)
	}
	if _, _, err := web.StreamExport(w, iter, format); err != nil {
		return fmt.Errorf("export logs: %w", err)
	}
	return nil
}
