package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Print the configuration after defaults, ~/.reverie/config.yaml (or
--config), environment variables and flags are applied. The API key is
redacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			// Redact API key before serialization to prevent leakage
			redacted := *cfg
			redacted.LLM.APIKey = cfg.LLM.RedactedAPIKey()

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(redacted)
			}
			data, err := yaml.Marshal(&redacted)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
