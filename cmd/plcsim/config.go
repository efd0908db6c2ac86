package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tturner/plcsim/internal/config"
	plcerrors "github.com/tturner/plcsim/internal/errors"
)

func newPrintDefaultConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-default-config",
		Short: "Print the default server config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.CreateDefaultServerConfig()
			out, err := config.MarshalServerConfig(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newValidateConfigCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a server config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if cfgPath == "" && len(args) > 0 {
				cfgPath = args[0]
			}
			if cfgPath == "" {
				return missingArgError(cmd, "--config")
			}
			if _, err := config.LoadServerConfig(cfgPath); err != nil {
				return plcerrors.WrapConfigError(err, cfgPath)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config OK: %s\n", cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "Server config file path")
	return cmd
}
