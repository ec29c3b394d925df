package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/allocd"
	"pkt.systems/allocd/api"
	"pkt.systems/allocd/objkey"
)

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
	return err
}

func parseKindArg(arg string) (objkey.Kind, error) {
	return objkey.ParseKind(strings.ToLower(strings.TrimSpace(arg)))
}

func newNextCommand(baseLogger pslog.Logger) *cobra.Command {
	var parentID int64
	cmd := &cobra.Command{
		Use:   "next <kind>",
		Short: "Preview the next available id without claiming it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			coord, _, err := newCLICoordinator(baseLogger)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			grant, err := coord.GetNext(ctx, kind, parentID, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, grant)
		},
	}
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent object id for field/enumvalue kinds")
	return cmd
}

func newReserveCommand(baseLogger pslog.Logger) *cobra.Command {
	var parentID int64
	var description string
	cmd := &cobra.Command{
		Use:   "reserve <kind> <id>",
		Short: "Commit one specific id (a taken id yields a substitute grant)",
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
			coord, _, err := newCLICoordinator(baseLogger)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			result, err := coord.Reserve(ctx, kind, parentID, id, description)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent object id for field/enumvalue kinds")
	cmd.Flags().StringVar(&description, "description", "", "history annotation")
	return cmd
}

func newAssignCommand(baseLogger pslog.Logger) *cobra.Command {
	var parentID int64
	var count int
	var description string
	var checkCollisions bool
	var suggestAlternatives bool
	cmd := &cobra.Command{
		Use:   "assign <kind>",
		Short: "Commit the next available id(s)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			coord, _, err := newCLICoordinator(baseLogger)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			start := time.Now()
			result, err := coord.Assign(ctx, allocd.AssignSpec{
				Kind:                kind,
				ParentID:            parentID,
				Count:               count,
				Description:         description,
				CheckCollisions:     checkCollisions,
				SuggestAlternatives: suggestAlternatives,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "granted %s id(s) in %s\n",
				humanize.Comma(int64(len(result.IDs()))), time.Since(start).Round(time.Millisecond))
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent object id for field/enumvalue kinds")
	cmd.Flags().IntVar(&count, "count", 1, "number of ids to commit")
	cmd.Flags().StringVar(&description, "description", "", "history annotation")
	cmd.Flags().BoolVar(&checkCollisions, "check-collisions", false, "validate grants against sibling snapshots")
	cmd.Flags().BoolVar(&suggestAlternatives, "suggest-alternatives", false, "preview alternative candidates on collision (display only)")
	return cmd
}

func newReserveRangeCommand(baseLogger pslog.Logger) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "reserve-range <kind> <from> <to>",
		Short: "Commit every id in a contiguous range, failing fast without rollback",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			from, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("parse from %q: %w", args[1], err)
			}
			to, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("parse to %q: %w", args[2], err)
			}
			coord, _, err := newCLICoordinator(baseLogger)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			start := time.Now()
			result, rangeErr := coord.ReserveRange(ctx, kind, from, to, description)
			// Partial grants stay committed; always show what was granted.
			fmt.Fprintf(cmd.ErrOrStderr(), "granted %s of %s id(s) in %s\n",
				humanize.Comma(int64(len(result.IDs()))),
				humanize.Comma(to-from+1),
				time.Since(start).Round(time.Millisecond))
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			return rangeErr
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "history annotation")
	return cmd
}

func newSuggestCommand(baseLogger pslog.Logger) *cobra.Command {
	var parentID int64
	cmd := &cobra.Command{
		Use:   "suggest <kind>",
		Short: "Show next-id preview, range usage, history patterns and recent ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			coord, _, err := newCLICoordinator(baseLogger)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			suggestions, err := coord.Suggestions(ctx, kind, parentID)
			if err != nil {
				return err
			}
			return printJSON(cmd, suggestions)
		},
	}
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent object id for field/enumvalue kinds")
	return cmd
}

// parseIDArgs turns repeated "key=1,2,3" flags into a consumption set. Keys
// are flat object-type keys (table, page, table_50100, ...).
func parseIDArgs(pairs []string) (allocd.ConsumptionSet, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	set := make(allocd.ConsumptionSet)
	for _, pair := range pairs {
		key, rawIDs, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed ids %q (want key=1,2,3)", pair)
		}
		if _, err := objkey.Parse(key); err != nil {
			return nil, fmt.Errorf("ids %q: %w", pair, err)
		}
		for _, raw := range strings.Split(rawIDs, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("ids %q: parse %q: %w", pair, raw, err)
			}
			set.Add(key, id)
		}
	}
	return set, nil
}

func newSyncCommand(baseLogger pslog.Logger) *cobra.Command {
	var idPairs []string
	var tombstonePairs []string
	var scope string
	var replace bool
	var confirmReplace bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile locally observed consumption with the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDArgs(idPairs)
			if err != nil {
				return err
			}
			tombstones, err := parseIDArgs(tombstonePairs)
			if err != nil {
				return err
			}
			spec := allocd.SyncSpec{
				IDs:        ids,
				Scope:      scope,
				Tombstones: tombstones,
			}
			if replace {
				spec.Mode = api.SyncReplace
				spec.ReplaceConfirmed = confirmReplace
			}
			coord, _, err := newCLICoordinator(baseLogger)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			resp, err := coord.SyncIDs(ctx, spec)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringArrayVar(&idPairs, "ids", nil, "consumption to send, repeated key=1,2,3 (key is a flat object-type key)")
	cmd.Flags().StringArrayVar(&tombstonePairs, "tombstone", nil, "ids to remove, repeated key=1,2,3 (merge mode only)")
	cmd.Flags().StringVar(&scope, "scope", "", "audit tag for the logical unit this sync covers")
	cmd.Flags().BoolVar(&replace, "replace", false, "replace the entire recorded consumption (destructive)")
	cmd.Flags().BoolVar(&confirmReplace, "confirm-replace", false, "explicit confirmation replace mode demands")
	return cmd
}
