package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/allocd"
	"pkt.systems/allocd/api"
	"pkt.systems/allocd/client"
)

func newConsumptionCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consumption",
		Short: "Fetch everything the ledger has recorded for the app or pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger(baseLogger)
			cli, err := newLedgerClient(logger)
			if err != nil {
				return err
			}
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			resp, err := cli.FetchConsumption(ctx, app.LedgerID(), app.AuthKey)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	return cmd
}

func newManagedCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "managed",
		Short: "Check whether the ledger already knows the app",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger(baseLogger)
			cli, err := newLedgerClient(logger)
			if err != nil {
				return err
			}
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			resp, err := cli.CheckManaged(ctx, app.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	return cmd
}

func newAuthorizeCommand(baseLogger pslog.Logger) *cobra.Command {
	var gitRepo string
	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Register the app with the ledger and obtain its auth key",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger(baseLogger)
			cli, err := newLedgerClient(logger)
			if err != nil {
				return err
			}
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			resp, err := cli.Authorize(ctx, api.AuthorizeRequest{
				AppID:   app.ID,
				Name:    app.Name,
				GitRepo: gitRepo,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&gitRepo, "git-repo", "", "repository recorded alongside the registration")
	return cmd
}

func newDeauthorizeCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deauthorize",
		Short: "Remove the app's registration from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger(baseLogger)
			cli, err := newLedgerClient(logger)
			if err != nil {
				return err
			}
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			resp, err := cli.Deauthorize(ctx, api.DeauthorizeRequest{
				AppID:   app.ID,
				AuthKey: app.AuthKey,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	return cmd
}

func newPoolCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage shared pool identities",
	}

	var poolName string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint a pool identity containing this app",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger(baseLogger)
			cli, err := newLedgerClient(logger)
			if err != nil {
				return err
			}
			app, err := loadApp()
			if err != nil {
				return err
			}
			if poolName == "" {
				poolName = app.Name
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			resp, err := cli.CreatePool(ctx, api.CreatePoolRequest{
				Name:    poolName,
				AppIDs:  []string{app.ID},
				AuthKey: app.AuthKey,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	create.Flags().StringVar(&poolName, "name", "", "pool display name (defaults to the app's)")

	join := &cobra.Command{
		Use:   "join <pool-id>",
		Short: "Rebind this app to an existing pool identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger(baseLogger)
			cli, err := newLedgerClient(logger)
			if err != nil {
				return err
			}
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			resp, err := cli.JoinPool(ctx, api.JoinPoolRequest{
				PoolID:  args[0],
				AppID:   app.ID,
				AuthKey: app.AuthKey,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	leave := &cobra.Command{
		Use:   "leave <pool-id>",
		Short: "Revert this app to its own ledger identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger(baseLogger)
			cli, err := newLedgerClient(logger)
			if err != nil {
				return err
			}
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			resp, err := cli.LeavePool(ctx, api.LeavePoolRequest{
				PoolID:  args[0],
				AppID:   app.ID,
				AuthKey: app.AuthKey,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	cmd.AddCommand(create, join, leave)
	return cmd
}

// buildRoster loads sibling manifests and populates their consumption
// snapshots from the ledger. Siblings whose consumption cannot be fetched
// stay in the roster without a snapshot; collision checks skip them.
func buildRoster(ctx context.Context, cli *client.Client, logger pslog.Logger, manifests []string) (*allocd.Roster, error) {
	roster := allocd.NewRoster()
	for _, path := range manifests {
		sibling, err := loadManifest(path)
		if err != nil {
			return nil, err
		}
		roster.Upsert(sibling)
		resp, err := cli.FetchConsumption(ctx, sibling.LedgerID(), sibling.AuthKey)
		if err != nil {
			logger.Warn("cli.roster.snapshot", "app", sibling.Name, "error", err)
			continue
		}
		roster.SetConsumption(sibling.ID, allocd.ConsumptionFromWire(resp.IDs))
	}
	return roster, nil
}

func newCollisionsCommand(baseLogger pslog.Logger) *cobra.Command {
	var siblings []string
	var parentID int64
	cmd := &cobra.Command{
		Use:   "collisions <kind> <id>",
		Short: "Check one id against sibling apps' cached consumption (advisory)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("parse id %q: %w", args[1], err)
			}
			logger := cliLogger(baseLogger)
			cli, err := newLedgerClient(logger)
			if err != nil {
				return err
			}
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			roster, err := buildRoster(ctx, cli, logger, siblings)
			if err != nil {
				return err
			}
			coord, err := allocd.NewCoordinator(cli, app,
				allocd.WithLogger(logger), allocd.WithRoster(roster))
			if err != nil {
				return err
			}
			report, err := coord.CheckCollision(kind, parentID, id)
			if err != nil {
				return err
			}
			if report == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no known collision")
				return nil
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringArrayVar(&siblings, "sibling", nil, "sibling app manifest, repeatable")
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent object id for field/enumvalue kinds")
	return cmd
}

func newOverlapsCommand(baseLogger pslog.Logger) *cobra.Command {
	var siblings []string
	cmd := &cobra.Command{
		Use:   "overlaps",
		Short: "Report configured-range intersections across sibling apps",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger(baseLogger)
			cli, err := newLedgerClient(logger)
			if err != nil {
				return err
			}
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			roster, err := buildRoster(ctx, cli, logger, siblings)
			if err != nil {
				return err
			}
			roster.Upsert(app)
			overlaps := roster.RangeOverlaps()
			if len(overlaps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no range overlaps")
				return nil
			}
			return printJSON(cmd, overlaps)
		},
	}
	cmd.Flags().StringArrayVar(&siblings, "sibling", nil, "sibling app manifest, repeatable")
	return cmd
}
