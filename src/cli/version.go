package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"instance-transfer/src/version"
)

func newVersionCmd(stdout io.Writer) *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(stdout, version.Version)
				return
			}
			fmt.Fprintf(stdout, "%s %s\n", cmd.Root().Name(), version.Version)
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")
	return cmd
}
