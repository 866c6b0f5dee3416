package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/store"
)

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Inspect and manage channel pairings",
	}
	cmd.AddCommand(newPairListCmd())
	cmd.AddCommand(newPairDeleteCmd())
	return cmd
}

func newPairListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all pairings",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := openRegistry(configPath)
			if err != nil {
				return err
			}
			pairs, err := registry.All()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pairs) == 0 {
				fmt.Fprintf(out, "No pairings configured.\n")
				return nil
			}
			fmt.Fprintf(out, "%-4s %-24s %-24s %-8s %-6s %-6s\n",
				"ID", "LOBBY", "CONTROL", "PENDING", "ANON", "CONF")
			for _, p := range pairs {
				fmt.Fprintf(out, "%-4d %-24s %-24s %-8t %-6t %-6t\n",
					p.ID, p.LobbyChannelID, p.ControlChannelID,
					p.IsPending(), p.AnonymousMode, p.SendConfirmations)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to config file")
	return cmd
}

func newPairDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <pair-id>",
		Short: "Delete a pairing and its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid pair ID %q", args[0])
			}
			registry, err := openRegistry(configPath)
			if err != nil {
				return err
			}
			if err := registry.Delete(uint(id)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pair %d deleted.\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to config file")
	return cmd
}

// openRegistry loads config and returns a pairing registry.
func openRegistry(configPath string) (*store.Registry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return store.NewRegistry(gormDB), nil
}
