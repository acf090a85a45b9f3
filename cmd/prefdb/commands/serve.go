package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"prefdb/internal/config"
	"prefdb/internal/hostkey"
	sshserver "prefdb/internal/ssh"
)

// serve: the admin shell over SSH. Each SSH user is its own execution
// context, so [permissions] applies per login name.
func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the settings shell over SSH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = cfg.SSH.Listen
			}
			key, err := hostkey.Load(config.ExpandHome(cfg.SSH.HostKeyDir))
			if err != nil {
				return err
			}
			keys, err := hostkey.LoadAuthorizedKeys(config.ExpandHome(cfg.SSH.AuthorizedKeys))
			if err != nil {
				return err
			}

			srv := sshserver.NewServer(listen, key, db, cfg.Permissions, keys)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Listen(); err != nil {
				return err
			}
			defer srv.Stop()
			logger.Info("serving", "addr", srv.Addr(), "fingerprint", key.Fingerprint, "authorized_keys", len(keys))
			fmt.Fprintf(os.Stderr, "listening on %s (host key %s)\n", srv.Addr(), key.Fingerprint)
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides ssh.listen)")
	return cmd
}
