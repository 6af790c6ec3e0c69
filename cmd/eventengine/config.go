package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/aatumaykin/eventengine/internal/config"
	"github.com/aatumaykin/eventengine/internal/constants"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Validate and inspect eventengine configuration.`,
}

// configValidateCmd represents the config validate command
var configValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Long:  `Load the configuration file (TOML, or YAML by extension) and check it for errors.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfigArg(args)
		if err != nil {
			return err
		}

		if errs := cfg.Validate(); len(errs) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "Configuration validation failed (%s):\n", path)
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "  - %v\n", e)
			}
			return fmt.Errorf("%d validation errors", len(errs))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✅ Configuration is valid: %s\n", path)
		return nil
	},
}

// configShowCmd prints the effective configuration with secrets masked
var configShowCmd = &cobra.Command{
	Use:   "show [config-file]",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after defaults and environment expansion. Secrets are masked.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfigArg(args)
		if err != nil {
			return err
		}
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg.Masked())
	},
}

func loadConfigArg(args []string) (*config.Config, string, error) {
	path := constants.DefaultConfigPath
	if len(args) > 0 {
		path = args[0]
	}
	if err := config.LoadEnvOptional(constants.DefaultEnvPath); err != nil {
		return nil, path, fmt.Errorf("failed to load %s: %w", constants.DefaultEnvPath, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
