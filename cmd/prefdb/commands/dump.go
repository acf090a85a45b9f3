package commands

import (
	"os"

	"github.com/spf13/cobra"

	"prefdb/internal/settings"
	"prefdb/internal/shell"
)

// dump: every setting as a YAML document, whatever stdout is.
func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print every setting as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := session.Get(settings.Wildcard)
			if err != nil {
				return err
			}
			out, err := shell.EncodeYAML(values)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}
