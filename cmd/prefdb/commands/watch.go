package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"prefdb/internal/settings"
	"prefdb/internal/shell"
)

// watch <name...>: print the current values, then every committed change
// until SIGINT/SIGTERM. Writes from other processes are picked up by
// polling the store.
func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <name> [name ...]",
		Short: "Print changes to settings until interrupted",
		Long: "Print the current values, then every committed change until interrupted.\n" +
			"Writes by other processes need a backend they can share while watch runs: bolt holds an\n" +
			"exclusive file lock, sqlite does not.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %s", interval)
			}
			for _, name := range args {
				err := session.Watch(name, func(name string, v settings.Value) {
					fmt.Printf("%s: %s\n", name, shell.FormatValue(v))
				})
				if err != nil {
					return err
				}
			}

			values, err := session.Get(settings.Wildcard)
			if err != nil {
				return err
			}
			for _, name := range args {
				if v, ok := values[name]; ok {
					fmt.Printf("%s: %s\n", name, shell.FormatValue(v))
				}
			}

			poller, err := mgr.NewPoller()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := poller.Run(ctx, interval); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "how often to poll the store for writes by other processes")
	return cmd
}
