package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"sub2mcp/internal/options"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print effective configuration (secrets masked)",
	RunE:  runConfigList,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one option value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set an option value in the options file",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

func init() {
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

func openStore() (*options.Store, error) {
	return options.Open(globalFlags.ConfigPath)
}

func isSecretKey(key string) bool {
	return strings.Contains(key, "api_key")
}

func runConfigList(_ *cobra.Command, _ []string) error {
	opts, err := openStore()
	if err != nil {
		return err
	}
	st := newStyles(os.Stdout)
	keys := options.Keys()
	sort.Strings(keys)
	for _, key := range keys {
		value := opts.GetString(key)
		if isSecretKey(key) && value != "" {
			value = "********"
		}
		fmt.Println(st.kv(key, value), st.dim("("+options.EnvVarFor(key)+")"))
	}
	return nil
}

func runConfigGet(_ *cobra.Command, args []string) error {
	key := args[0]
	if !options.Known(key) {
		return fmt.Errorf("unknown option key %q", key)
	}
	opts, err := openStore()
	if err != nil {
		return err
	}
	fmt.Println(opts.GetString(key))
	return nil
}

func runConfigSet(_ *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	opts, err := openStore()
	if err != nil {
		return err
	}
	if err := opts.SetString(key, value); err != nil {
		return err
	}
	fmt.Println("Wrote", globalFlags.ConfigPath)
	return nil
}
