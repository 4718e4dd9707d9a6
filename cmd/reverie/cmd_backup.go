package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nvandessel/reverie/internal/backup"
	"github.com/nvandessel/reverie/internal/config"
	"github.com/nvandessel/reverie/internal/logging"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup <sim-code>",
		Short: "Archive a stored simulation",
		Long: `Write one simulation's snapshot to a compressed, checksummed archive.

Default location: ~/.reverie/backups/<sim-code>-YYYYMMDD-HHMMSS.reverie.zst
Older archives of the same simulation are pruned by the retention policy
(default: storage.backup_retention from config).

Examples:
  reverie backup july1
  reverie backup july1 --output ./july1.reverie.zst
  reverie backup july1 --max-age 30d --max-size 500MB
  reverie backup list
  reverie backup verify <file>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sim := args[0]
			jsonOut, _ := cmd.Flags().GetBool("json")
			outputPath, _ := cmd.Flags().GetString("output")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			policy, err := buildRetentionPolicy(cmd, cfg)
			if err != nil {
				return err
			}

			dir := cfg.Storage.BackupDir
			if outputPath == "" {
				outputPath = backup.GeneratePath(dir, sim)
			}

			ctx := context.Background()
			s, err := openStore(ctx, cfg, logging.Discard())
			if err != nil {
				return err
			}
			defer s.Close()

			allowed, err := allowedBackupDirs(cfg)
			if err != nil {
				return err
			}
			header, err := backup.Backup(ctx, s, sim, outputPath, allowed...)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			var deleted []string
			if policy != nil {
				deleted, err = backup.ApplyRetention(dir, sim, policy)
				if err != nil {
					fmt.Fprintf(os.Stderr, "warning: failed to apply retention: %v\n", err)
				}
			}

			if jsonOut {
				var sizeBytes int64
				if info, err := os.Stat(outputPath); err == nil {
					sizeBytes = info.Size()
				}
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"path":       outputPath,
					"sim_code":   header.SimCode,
					"step":       header.Step,
					"personas":   header.Personas,
					"checksum":   header.Checksum,
					"size_bytes": sizeBytes,
					"pruned":     len(deleted),
					"message":    fmt.Sprintf("Backup created: %s at step %d", header.SimCode, header.Step),
				})
			}

			fmt.Printf("Backup created: %s at step %d (%d personas)\n", header.SimCode, header.Step, header.Personas)
			fmt.Printf("  Path: %s\n", outputPath)
			if len(deleted) > 0 {
				fmt.Printf("  Pruned %d older archive(s)\n", len(deleted))
			}
			return nil
		},
	}

	cmd.Flags().String("output", "", "Output file path (default: auto-generated in the backup directory)")
	cmd.Flags().Int("keep", 0, "Archives kept per simulation (default: storage.backup_retention)")
	cmd.Flags().String("max-age", "", "Delete archives older than this, e.g. 30d or 2w")
	cmd.Flags().String("max-size", "", "Keep the newest archives within this total size, e.g. 500MB")

	cmd.AddCommand(
		newBackupListCmd(),
		newBackupVerifyCmd(),
	)
	return cmd
}

// buildRetentionPolicy combines the count, age and size limits. A nil
// policy keeps every archive.
func buildRetentionPolicy(cmd *cobra.Command, cfg *config.Config) (backup.RetentionPolicy, error) {
	var policies []backup.RetentionPolicy

	keep := cfg.Storage.BackupRetention
	if cmd.Flags().Changed("keep") {
		keep, _ = cmd.Flags().GetInt("keep")
	}
	if keep > 0 {
		policies = append(policies, &backup.CountPolicy{MaxCount: keep})
	}

	if v, _ := cmd.Flags().GetString("max-age"); v != "" {
		d, err := backup.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid --max-age: %w", err)
		}
		policies = append(policies, &backup.AgePolicy{MaxAge: d})
	}

	if v, _ := cmd.Flags().GetString("max-size"); v != "" {
		n, err := backup.ParseSize(v)
		if err != nil {
			return nil, fmt.Errorf("invalid --max-size: %w", err)
		}
		policies = append(policies, &backup.SizePolicy{MaxTotalBytes: n})
	}

	switch len(policies) {
	case 0:
		return nil, nil
	case 1:
		return policies[0], nil
	}
	return &backup.CompositePolicy{Policies: policies}, nil
}

// allowedBackupDirs confines --output and restore paths to the backup
// directory and the working directory.
func allowedBackupDirs(cfg *config.Config) ([]string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to determine working directory: %w", err)
	}
	return []string{cfg.Storage.BackupDir, wd}, nil
}
