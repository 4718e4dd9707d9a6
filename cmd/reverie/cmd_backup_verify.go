package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nvandessel/reverie/internal/backup"
)

func newBackupVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify archive integrity",
		Long: `Verify an archive by checking its BLAKE3 checksum against the
decompressed payload.

Examples:
  reverie backup verify ~/.reverie/backups/july1-20260206-120000.reverie.zst`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filePath := args[0]
			jsonOut, _ := cmd.Flags().GetBool("json")

			header, err := backup.ReadHeader(filePath)
			if err == nil {
				err = backup.VerifyChecksum(filePath)
			}
			if err != nil {
				if jsonOut {
					return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
						"file":    filePath,
						"valid":   false,
						"error":   err.Error(),
						"message": "Checksum verification FAILED",
					})
				}
				fmt.Printf("FAILED: %v\n", err)
				fmt.Printf("  File: %s\n", filePath)
				return fmt.Errorf("checksum verification failed")
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"file":     filePath,
					"version":  header.Version,
					"sim_code": header.SimCode,
					"step":     header.Step,
					"valid":    true,
					"message":  "Checksum OK",
				})
			}

			fmt.Printf("OK: checksum verified\n")
			fmt.Printf("  File: %s\n", filePath)
			fmt.Printf("  Simulation: %s at step %d (%s)\n", header.SimCode, header.Step, header.CurrTime)
			return nil
		},
	}

	return cmd
}
