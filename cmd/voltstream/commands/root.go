package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voltgrid/voltstream"
)

// NewRootCommand assembles the voltstream command tree
func NewRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:           "voltstream",
		Short:         "Smart-energy event streams and windowed aggregation",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	command.AddCommand(NewRunCommand())
	command.AddCommand(NewDemoCommand())
	command.AddCommand(NewValidateCommand())
	command.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), voltstream.Version)
		},
	})
	return command
}
