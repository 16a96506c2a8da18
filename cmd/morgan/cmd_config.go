package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/morgan/internal/config"
)

var configReveal bool

func init() {
	configListCmd.Flags().BoolVar(&configReveal, "reveal", false, "show secrets unmasked")
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change settings",
	Long: `Settings live in a JSON file (comments allowed) addressed by dot keys
such as backend.base_url or stream.stall_timeout. MORGAN_* environment
variables take precedence over the file.`,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every setting with its effective value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig(), !configReveal)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, k := range config.SortedKeys(values) {
			source := ""
			if env, ok := config.EnvOverride(k); ok {
				source = "(from " + env + ")"
			}
			fmt.Fprintf(w, "%s\t%v\t%s\n", k, values[k], source)
		}
		return w.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		val, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		if config.IsSecretKey(key) {
			val = config.MaskSecrets(map[string]any{key: val})[key]
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting in the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, raw := args[0], args[1]
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if err := config.Save(cfgPath, config.Default()); err != nil {
				return err
			}
		}
		if err := config.SetValue(cfgPath, key, raw); err != nil {
			return err
		}

		display := raw
		if config.IsSecretKey(key) {
			display = "***"
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", key, display)
		if !config.IsKnownKey(key) {
			fmt.Fprintf(os.Stderr, "Note: %s is not a setting morgan reads; check the spelling.\n", key)
		}
		if env, ok := config.EnvOverride(key); ok {
			fmt.Fprintf(os.Stderr, "Note: %s is set and still takes precedence.\n", env)
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, cfgPath)
	},
}
