package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voltgrid/voltstream"
)

// NewValidateCommand checks a config file by building an engine from it
func NewValidateCommand() *cobra.Command {
	var configPath string
	command := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := voltstream.LoadConfig(configPath)
			if err != nil {
				return err
			}
			cfg.Sinks = voltstream.SinkConfig{}
			if _, err := voltstream.New(cfg, voltstream.WithSinks(permissiveSinks())); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d schemas, %d streams, %d rules\n",
				configPath, len(cfg.Schemas), len(cfg.Streams), len(cfg.Rules))
			return nil
		},
	}
	command.Flags().StringVarP(&configPath, "config", "c", "voltstream.yaml", "path to the yaml config")
	return command
}
