package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/store"
)

func newTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List stored simulations",
		Long: `List every stored simulation. Any of them can be forked with
"reverie sim <template> <sim-code>" or POST /start; protected base
templates are marked and can never be overwritten.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")

			ctx := context.Background()
			s, err := openStore(ctx, cfg, logging.Discard())
			if err != nil {
				return err
			}
			defer s.Close()

			metas, err := s.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list simulations: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"templates": metas,
					"count":     len(metas),
				})
			}
			if len(metas) == 0 {
				fmt.Println("No stored simulations.")
				return nil
			}
			fmt.Println(templatesTable(metas, cfg.Simulation.BaseTemplates))
			return nil
		},
	}
	return cmd
}

func templatesTable(metas []store.Meta, base []string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("SIM CODE", "MODE", "STEP", "CURRENT TIME", "PERSONAS", "FORKED FROM")
	for _, m := range metas {
		code := m.SimCode
		if m.Protected || slices.Contains(base, m.SimCode) {
			code += " *"
		}
		t.Row(code, m.SimMode, fmt.Sprint(m.Step), m.CurrTime, strings.Join(m.PersonaNames, ", "), m.TemplateSimCode)
	}
	return t.String()
}
