package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"prefdb/internal/settings"
	"prefdb/internal/shell"
)

// get [name]: print one setting, or all of them. A table on a terminal,
// YAML when piped.
func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [name]",
		Short: "Print one setting, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := settings.Wildcard
			if len(args) == 1 {
				name = args[0]
			}
			values, err := session.Get(name)
			if err != nil {
				return err
			}
			if len(values) == 0 && name != settings.Wildcard {
				return fmt.Errorf("%s: not found", name)
			}
			return printValues(values)
		},
	}
}

func printValues(values map[string]settings.Value) error {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Print(shell.Table(values))
		return nil
	}
	out, err := shell.EncodeYAML(values)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
