package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/tgmux/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configPathCmd, configCheckCmd)
	configListCmd.Flags().Bool("reveal", false, "show secret values")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the gateway configuration",
}

// printSections writes dotted keys grouped by their first segment.
func printSections(values map[string]any) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	section := ""
	for _, key := range slices.Sorted(maps.Keys(values)) {
		head, _, nested := strings.Cut(key, ".")
		if !nested {
			head = ""
		}
		if head != section {
			fmt.Fprintf(w, "\n[%s]\n", head)
			section = head
		}
		fmt.Fprintf(w, "%s\t%v\n", key, values[key])
	}
	return w.Flush()
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every key, secrets masked unless --reveal is given",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reveal, _ := cmd.Flags().GetBool("reveal")
		values, err := config.ListValues(loadConfig(), !reveal)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		fmt.Fprintf(os.Stdout, "# %s\n", cfgPath)
		return printSections(values)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one dotted key, e.g. delivery.max_batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Validate and store one dotted key",
	Long:  "Set a configuration value. Durations take values such as 30s or 5m.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetValue(cfgPath, key, value); err != nil {
			return err
		}
		if config.IsSecretKey(key) {
			value = "***"
		}
		fmt.Fprintf(os.Stdout, "%s = %s\n", key, value)

		cfg := loadConfig()
		if proc, err := readPID(cfg.DataDir); err == nil {
			fmt.Fprintf(os.Stdout, "Gateway is running (PID %d); run `tgmux restart` to apply.\n", proc.Pid)
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, cfgPath)
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load the config with env overrides applied and validate it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s: ok (%d workers, api %s", cfgPath, cfg.Workers, cfg.HTTP.Listen)
		if cfg.Stats.Enabled {
			fmt.Fprintf(os.Stdout, ", stats %s", cfg.Stats.Listen)
		}
		fmt.Fprintln(os.Stdout, ")")
		return nil
	},
}
