package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/internal/mock"
	"github.com/funnyzak/mockproxy/internal/mockfile"
	"github.com/funnyzak/mockproxy/internal/storage"
)

var errVolatileStore = errors.New("the memory storage driver does not persist between runs; use sqlite")

func newMocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mocks",
		Short: "Manage stored mock definitions",
	}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import mocks from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE:  runMocksImport,
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored mocks as YAML or JSON",
		Args:  cobra.NoArgs,
		RunE:  runMocksExport,
	}
	exportCmd.Flags().StringP("format", "f", "", "Output format (yaml, json); defaults from the output file extension")
	exportCmd.Flags().StringP("output", "o", "", "Output file (stdout when empty)")
	exportCmd.Flags().Bool("active", false, "Export active mocks only")

	cmd.AddCommand(importCmd, exportCmd)
	return cmd
}

// openStore opens the configured persistent store for a one-shot command.
func openStore(cmd *cobra.Command) (storage.Store, logger.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.Driver == "memory" {
		return nil, nil, errVolatileStore
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	// stdout carries exported documents
	log := logger.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"}, level)
	store, err := storage.New(&cfg.Storage, log.With("component", "storage"))
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return store, log, nil
}

func runMocksImport(cmd *cobra.Command, args []string) error {
	entries, err := mockfile.Load(args[0])
	if err != nil {
		return err
	}

	store, log, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := mockfile.Import(mock.NewService(store, log.With("component", "mock")), entries)
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d mock(s) from %s\n", n, len(entries), args[0])
	return err
}

func runMocksExport(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	formatName, _ := cmd.Flags().GetString("format")
	activeOnly, _ := cmd.Flags().GetBool("active")

	format := mockfile.FormatYAML
	if output != "" {
		format = mockfile.FormatFromPath(output)
	}
	if formatName != "" {
		var err error
		if format, err = mockfile.ParseFormat(formatName); err != nil {
			return err
		}
	}

	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	mocks, err := store.ListMockConfigs(activeOnly)
	if err != nil {
		return fmt.Errorf("list mocks: %w", err)
	}

	if output == "" {
		return mockfile.Encode(cmd.OutOrStdout(), format, mocks)
	}
	if formatName == "" {
		if err := mockfile.Save(output, mocks); err != nil {
			return err
		}
	} else {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create mock file: %w", err)
		}
		if err := mockfile.Encode(f, format, mocks); err != nil {
			f.Close()
			return fmt.Errorf("write mock file: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d mock(s) to %s\n", len(mocks), output)
	return nil
}
