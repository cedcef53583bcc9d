package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mentalmodel-lab/fightcast/internal/export"
	"github.com/mentalmodel-lab/fightcast/pkg/config"
)

func newExportCmd() *cobra.Command {
	var mode, out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the CSV report for all sessions of a mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), mode, out)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "session mode to export (solo or group)")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("mode")
	return cmd
}

func runExport(ctx context.Context, mode, out string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	st, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	w := os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	return export.New(st, log.Named("export")).Write(ctx, mode, w)
}
