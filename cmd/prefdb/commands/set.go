package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"prefdb/internal/shell"
)

// set <name> <value> [<name> <value> ...]: write settings in one batch.
func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <value> [<name> <value> ...]",
		Short: "Write settings; values are YAML literals",
		Long: "Write settings in one batch. Values are YAML literals: true, 12, fr, [a, b], {theme: dark}.\n" +
			"A batch is applied in name order and is not atomic: if one name fails, names before it stay written.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return fmt.Errorf("expected name/value pairs, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := shell.ParsePairs(args)
			if err != nil {
				return err
			}
			if err := session.Set(entries); err != nil {
				return err
			}
			fmt.Printf("set %d setting(s)\n", len(entries))
			return nil
		},
	}
}
