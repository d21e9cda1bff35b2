package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amorison/pipeline/internal/client"
	"github.com/amorison/pipeline/internal/config"
	"github.com/amorison/pipeline/internal/logging"
)

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run or configure the watching client",
	}
	cmd.AddCommand(newClientStartCmd())
	cmd.AddCommand(newClientConfigCmd())
	return cmd
}

func newClientStartCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "start <config>",
		Short: "Start the client watcher against its server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(args[0])
			if err != nil {
				return err
			}
			log := logging.New("client", logLevel)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			conn, err := config.DialServer(ctx, cfg.Server)
			if err != nil {
				return err
			}

			c := client.New(cfg.Name, cfg.Watching, cfg.CopyTo, conn, log)
			return c.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

func newClientConfigCmd() *cobra.Command {
	var withSSHTunnel bool
	cmd := &cobra.Command{
		Use:   "config [path]",
		Short: "Print a template client configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprint(out, clientConfigTemplate(withSSHTunnel))
			return nil
		},
	}
	cmd.Flags().BoolVar(&withSSHTunnel, "ssh-tunnel", false, "include an ssh-tunnel server stanza instead of a direct address")
	return cmd
}

func clientConfigTemplate(sshTunnel bool) string {
	server := `[server]
address = "127.0.0.1:9443"
`
	if sshTunnel {
		server = `[server.ssh-tunnel]
host = "remote-host"
port = 22
user = "operator"
remote_address = "127.0.0.1:9443"
identity_file = "/home/operator/.ssh/id_ed25519"
`
	}

	return `name = "client-1"

` + server + `
[copy_to_server.move]
move_in_same_fs_to = "/srv/pipeline/incoming"

[watching]
directory = "/data/outgoing"
extension = ".mrc"
last_modif_secs = 30
refresh_every_secs = 5
max_concurrent_hashes = 4
full_hash = true
`
}
