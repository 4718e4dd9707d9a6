package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/nvandessel/reverie/internal/backup"
	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/simulation"
)

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore a simulation from an archive",
		Long: `Write the snapshot in an archive back to the store.

Modes:
  keep    - Refuse to touch an existing simulation (default)
  replace - Overwrite it

Base templates are never restored over.

Examples:
  reverie restore ~/.reverie/backups/july1-20260206-120000.reverie.zst
  reverie restore july1.reverie.zst --as july1_copy
  reverie restore july1.reverie.zst --mode replace`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputPath := args[0]
			jsonOut, _ := cmd.Flags().GetBool("json")
			mode, _ := cmd.Flags().GetString("mode")
			target, _ := cmd.Flags().GetString("as")

			var restoreMode backup.RestoreMode
			switch mode {
			case "", "keep":
				restoreMode = backup.RestoreKeep
			case "replace":
				restoreMode = backup.RestoreReplace
			default:
				return fmt.Errorf("invalid --mode %q (valid: keep, replace)", mode)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			allowed, err := allowedBackupDirs(cfg)
			if err != nil {
				return err
			}

			code := target
			if code == "" {
				h, err := backup.ReadHeader(inputPath)
				if err != nil {
					return fmt.Errorf("restore failed: %w", err)
				}
				code = h.SimCode
			}
			if slices.Contains(cfg.Simulation.BaseTemplates, code) {
				return fmt.Errorf("restore failed: %s: %w", code, simulation.ErrProtectedTemplate)
			}

			ctx := context.Background()
			s, err := openStore(ctx, cfg, logging.Discard())
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := backup.Restore(ctx, s, inputPath, target, restoreMode, allowed...)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"sim_code": result.SimCode,
					"step":     result.Step,
					"personas": result.Personas,
					"replaced": result.Replaced,
					"message":  fmt.Sprintf("Restored %s at step %d", result.SimCode, result.Step),
				})
			}

			fmt.Printf("Restore complete (mode: %s)\n", restoreMode)
			fmt.Printf("  Simulation: %s at step %d, %d personas\n", result.SimCode, result.Step, result.Personas)
			if result.Replaced {
				fmt.Println("  Replaced the existing simulation")
			}
			return nil
		},
	}

	cmd.Flags().String("mode", "keep", "Restore mode: keep or replace")
	cmd.Flags().String("as", "", "Restore under this simulation code (default: the archived one)")
	return cmd
}
