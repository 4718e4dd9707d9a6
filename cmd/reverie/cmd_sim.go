package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nvandessel/reverie/internal/simulation"
)

func newSimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sim [template] <sim-code>",
		Short: "Run a simulation interactively from the terminal",
		Long: `Fork a template (or resume a stored simulation) and read interpreter
commands from stdin, one per line.

Commands: run <steps>, save, finish, exit, print ..., call -- ...
End of input finishes the simulation (saves and stops). An interrupt
stops it without saving.

Examples:
  reverie sim base_the_villie_isabella_maria_klaus july1
  reverie sim --resume july1
  echo "run 10" | reverie sim --start-config start.jsonc base_the_villie_n25 n25_run`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			resume, _ := cmd.Flags().GetBool("resume")
			autoAdvance, _ := cmd.Flags().GetBool("auto-advance")
			jsonOut, _ := cmd.Flags().GetBool("json")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			rt, err := newRuntime(ctx, cfg, runtimeOptions{
				Output:      cmd.OutOrStdout(),
				AutoAdvance: autoAdvance,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			var in *simulation.Instance
			switch {
			case resume:
				if len(args) != 1 {
					return fmt.Errorf("--resume takes exactly one simulation code")
				}
				in, err = rt.manager.Instance(ctx, args[0])
			default:
				if len(args) != 2 {
					return fmt.Errorf("expected a template and a new simulation code")
				}
				var simCfg simulation.Config
				simCfg, err = simConfigFromFlags(cmd, args[1])
				if err != nil {
					return err
				}
				in, err = rt.manager.Start(ctx, args[0], simCfg)
			}
			if err != nil {
				return err
			}

			status := in.Sim.Status()
			fmt.Fprintf(cmd.ErrOrStderr(), "Simulation %s at step %d (%s). Enter commands, one per line.\n",
				status.SimCode, status.Step, status.CurrTime)

			sig := make(chan os.Signal, 1)
			notifySignals(sig)
			eof := make(chan struct{})
			go feedCommands(cmd.InOrStdin(), in, eof)

			select {
			case <-in.Done():
			case <-eof:
				in.Submit("finish")
				select {
				case <-in.Done():
				case <-sig:
				}
			case <-sig:
				fmt.Fprintln(cmd.ErrOrStderr(), "Interrupted; unsaved steps are discarded.")
			}

			return printUsage(cmd.OutOrStdout(), in, jsonOut)
		},
	}

	cmd.Flags().Bool("resume", false, "Resume a stored simulation instead of forking a template")
	cmd.Flags().String("start-config", "", "JSON/JSONC start config (sim_mode, persona_configs, public_events, ...)")
	cmd.Flags().String("sim-mode", "", "offline or online (default: the template's mode)")
	cmd.Flags().String("start-date", "", "New start date, e.g. \"February 13, 2023\"")
	cmd.Flags().Int("sec-per-step", 0, "Simulated seconds per step (default: the template's)")
	cmd.Flags().Int("rounds", 0, "Steps to run right after start")
	cmd.Flags().Bool("auto-advance", false, "Run offline simulations without a frontend position feed")
	return cmd
}

// simConfigFromFlags merges --start-config with the individual flags, the
// flags taking precedence.
func simConfigFromFlags(cmd *cobra.Command, sim string) (simulation.Config, error) {
	var cfg simulation.Config
	if path, _ := cmd.Flags().GetString("start-config"); path != "" {
		loaded, err := simulation.LoadConfig(path)
		if err != nil {
			return simulation.Config{}, err
		}
		cfg = *loaded
	}
	cfg.SimCode = sim

	if v, _ := cmd.Flags().GetString("sim-mode"); v != "" {
		cfg.SimMode = v
	}
	if v, _ := cmd.Flags().GetString("start-date"); v != "" {
		cfg.StartDate = v
	}
	if v, _ := cmd.Flags().GetInt("sec-per-step"); v > 0 {
		cfg.SecPerStep = v
	}
	if v, _ := cmd.Flags().GetInt("rounds"); v > 0 {
		cfg.InitialRounds = v
	}
	return cfg, nil
}

// feedCommands submits each non-empty line of r and closes eof at end of
// input.
func feedCommands(r io.Reader, in *simulation.Instance, eof chan<- struct{}) {
	defer close(eof)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		in.Submit(line)
	}
}

func printUsage(w io.Writer, in *simulation.Instance, jsonOut bool) error {
	usage := in.Sim.Usage()
	if jsonOut {
		return json.NewEncoder(w).Encode(map[string]interface{}{
			"status": in.Sim.Status(),
			"usage":  usage.Snapshot(),
		})
	}
	fmt.Fprintln(w, usage.Table())
	return nil
}
