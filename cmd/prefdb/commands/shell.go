package commands

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"prefdb/internal/shell"
)

type stdio struct {
	io.Reader
	io.Writer
}

// shell: interactive line editor on a terminal, a command script when
// stdin is piped.
func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell over one lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := shell.NewRegistry()
			reg.RegisterBuiltins()

			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				return shell.RunScript(os.Stdin, os.Stdout, session, reg)
			}
			state, err := term.MakeRaw(fd)
			if err != nil {
				return err
			}
			defer func() { _ = term.Restore(fd, state) }()
			return shell.Run(stdio{os.Stdin, os.Stdout}, "prefdb> ", session, reg)
		},
	}
}
