package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nvandessel/reverie/internal/backup"
)

func newBackupListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [sim-code]",
		Short: "List archives in the backup directory",
		Long: `List archives newest first, optionally only those of one simulation.

Examples:
  reverie backup list
  reverie backup list july1 --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			var sim string
			if len(args) == 1 {
				sim = args[0]
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir := cfg.Storage.BackupDir

			archives, err := backup.List(dir, sim)
			if err != nil {
				return fmt.Errorf("failed to list backups: %w", err)
			}

			if jsonOut {
				if archives == nil {
					archives = []backup.Info{}
				}
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"backups":     archives,
					"total_count": len(archives),
					"directory":   dir,
				})
			}

			if len(archives) == 0 {
				fmt.Printf("No backups found in %s\n", dir)
				return nil
			}

			fmt.Printf("Backups in %s:\n", dir)
			var totalSize int64
			for _, a := range archives {
				totalSize += a.Size
				fmt.Printf("  %s  %-24s  step %-6d  %8s  %s\n",
					a.CreatedAt.Format("2006-01-02 15:04"),
					a.SimCode,
					a.Step,
					formatBytes(a.Size),
					filepath.Base(a.Path),
				)
			}
			fmt.Printf("Total: %d backups, %s\n", len(archives), formatBytes(totalSize))
			return nil
		},
	}

	return cmd
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1fGB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1fMB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1fKB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%dB", b)
	}
}
