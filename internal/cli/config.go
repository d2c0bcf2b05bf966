package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and DOSOLINK_
environment overrides are applied.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), loader.GetConfigPath())
		return nil
	},
}

func init() {
	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json)")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	shown := *cfg
	if shown.Transport.SharedSecret != "" {
		shown.Transport.SharedSecret = maskSecret(shown.Transport.SharedSecret)
	}
	if shown.Server.SharedSecret != "" {
		shown.Server.SharedSecret = maskSecret(shown.Server.SharedSecret)
	}

	var data []byte
	switch configFormat {
	case "yaml":
		data, err = yaml.Marshal(&shown)
	case "json":
		data, err = json.MarshalIndent(&shown, "", "  ")
		data = append(data, '\n')
	default:
		return fmt.Errorf("unknown format %q (must be: yaml, json)", configFormat)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	_, err = cmd.OutOrStdout().Write(data)
	return err
}
