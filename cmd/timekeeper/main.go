package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcourtman/timekeeper/internal/timekeeper"
	"github.com/rcourtman/timekeeper/internal/timekeeper/claim"
	"github.com/rcourtman/timekeeper/internal/timekeeper/ledger"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "timekeeper",
		Short:         "Timekeeper - device license and day pass entitlement service",
		Long:          `Timekeeper confirms purchases with the payment provider and records device licenses and day pass unlocks.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		newVersionCmd(),
		newDeviceCmd(),
		newFailuresCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Timekeeper %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func newDeviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device <device_id>",
		Short: "Print the stored record for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := claim.DeviceID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(store ledger.Store) error {
				rec, err := store.Get(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("load device: %w", err)
				}
				if rec == nil {
					return fmt.Errorf("device %s not found", id)
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newFailuresCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Print webhook settlements that could not be applied, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be a positive integer")
			}
			return withStore(cmd.Context(), func(store ledger.Store) error {
				list, err := store.ListFailures(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("list failures: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of failures to print")
	return cmd
}

// withStore opens the configured device store for the duration of fn.
func withStore(ctx context.Context, fn func(ledger.Store) error) error {
	cfg, err := timekeeper.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := ledger.Open(ctx, cfg.LedgerConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServer(ctx context.Context) error {
	return timekeeper.Run(ctx, Version)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
