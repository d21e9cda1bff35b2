package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/amorison/pipeline/internal/config"
	"github.com/amorison/pipeline/internal/logging"
	"github.com/amorison/pipeline/internal/registry"
	"github.com/amorison/pipeline/internal/server"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run or administer the receiving server",
	}
	cmd.AddCommand(newServerStartCmd())
	cmd.AddCommand(newServerConfigCmd())
	cmd.AddCommand(newServerListCmd())
	cmd.AddCommand(newServerCleanCmd())
	cmd.AddCommand(newServerMarkCmd())
	return cmd
}

func newServerStartCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "start <config>",
		Short: "Start the server accepting client connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(args[0])
			if err != nil {
				return err
			}
			log := logging.New("server", logLevel)

			reg, err := registry.Open(cfg.RegistryPath, log)
			if err != nil {
				return err
			}
			defer reg.Close()

			ln, err := net.Listen("tcp", cfg.Address)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			srv := server.New(cfg, reg, log)
			err = srv.Serve(ctx, ln)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

func newServerConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config [path]",
		Short: "Print a template server configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), serverConfigTemplate)
			return nil
		},
	}
	return cmd
}

const serverConfigTemplate = `address = "0.0.0.0:9443"
incoming_directory = "/srv/pipeline/incoming"
registry_path = "/srv/pipeline/registry.db"
status_after_processing = "Done"
retry_tasks_every_secs = 60
prune_every_secs = 300

[concurrency]
max_hashes = 4
max_processing = 2

[[processing]]
type = "command"
argv = ["/usr/local/bin/ingest.sh", "{server_path}"]
`

func openRegistryForCLI(cmd *cobra.Command, configPath string) (*registry.Registry, error) {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return nil, err
	}
	return registry.OpenReadOnly(cfg.RegistryPath, nil)
}

func newServerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <config>",
		Short: "List every record currently in the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistryForCLI(cmd, args[0])
			if err != nil {
				return err
			}
			defer reg.Close()

			records, err := reg.Content()
			if err != nil {
				return err
			}
			sort.Slice(records, func(i, j int) bool { return records[i].Hash < records[j].Hash })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tSTATUS\tCLIENT\tPATH\tCREATED")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Hash, r.Status, r.Client,
					joinPath(r.RelativeSubdir, r.FileName), r.CreatedUTC.Format("2006-01-02T15:04:05Z"))
			}
			return w.Flush()
		},
	}
	return cmd
}

func joinPath(subdir, file string) string {
	if subdir == "" {
		return file
	}
	return subdir + "/" + file
}

func newServerMarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mark <config> <hash> <status>",
		Short: "Set the status of a single record by hash (Done, Failed, or ToPrune)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(args[0])
			if err != nil {
				return err
			}
			reg, err := registry.Open(cfg.RegistryPath, nil)
			if err != nil {
				return err
			}
			defer reg.Close()

			status := registry.Status(args[2])
			switch status {
			case registry.Done, registry.Failed, registry.ToPrune:
			default:
				return fmt.Errorf("mark only accepts Done, Failed, or ToPrune, got %q", args[2])
			}
			return reg.UpdateStatus(args[1], status)
		},
	}
	return cmd
}

func newServerCleanCmd() *cobra.Command {
	var force, includeDone bool
	cmd := &cobra.Command{
		Use:   "clean <config>",
		Short: "Remove ToPrune (and optionally Done) records and their files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(args[0])
			if err != nil {
				return err
			}
			reg, err := registry.Open(cfg.RegistryPath, nil)
			if err != nil {
				return err
			}
			defer reg.Close()

			statuses := []registry.Status{registry.ToPrune}
			if includeDone {
				statuses = append(statuses, registry.Done)
			}

			var toRemove []registry.Record
			for _, s := range statuses {
				recs, err := reg.TasksWithStatus(s)
				if err != nil {
					return err
				}
				toRemove = append(toRemove, recs...)
			}

			var totalSize int64
			for _, r := range toRemove {
				path := server.PathFor(cfg, r)
				if info, err := os.Stat(path); err == nil {
					totalSize += info.Size()
				}
			}

			out := cmd.OutOrStdout()
			if !force {
				fmt.Fprintf(out, "dry run: would remove %d records, %d bytes. Re-run with --force to apply.\n", len(toRemove), totalSize)
				return nil
			}

			removed := 0
			var freed int64
			for _, r := range toRemove {
				path := server.PathFor(cfg, r)
				var size int64
				if info, err := os.Stat(path); err == nil {
					size = info.Size()
				}
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					fmt.Fprintf(out, "warning: failed to remove file for %s: %v\n", r.Hash, err)
					continue
				}
				freed += size
				if err := reg.Remove(r.Hash); err != nil {
					fmt.Fprintf(out, "warning: failed to remove record %s: %v\n", r.Hash, err)
					continue
				}
				removed++
			}
			fmt.Fprintf(out, "removed %d records, %d bytes freed\n", removed, freed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "actually remove files and records instead of a dry run")
	cmd.Flags().BoolVar(&includeDone, "include-done", false, "also clean Done records, not just ToPrune")
	return cmd
}
