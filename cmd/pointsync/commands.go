package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/pointsync/internal/ledger"
	"github.com/mbd888/pointsync/internal/syncengine"
)

func (a *app) applyCmd() *cobra.Command {
	var (
		child     string
		delta     int64
		direction string
		reason    string
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Add or remove points for a child",
		Example: `  pointsync apply --child mia --delta 5 --reason "helped cook"
  pointsync apply --child leo --delta 3 --direction debit --reason "late to bed"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, closeQueue, err := a.openEngine(syncengine.NopListener{})
			if err != nil {
				return err
			}
			defer func() { _ = closeQueue() }()

			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			out, err := engine.Apply(ctx, child, ledger.Direction(direction), delta, reason)
			if err != nil {
				return err
			}
			if out.Result == nil {
				if a.cfg.QueueDir == "" {
					return fmt.Errorf("%s not applied: %w", out.Op.ChildKey, syncengine.ErrLedgerUnavailable)
				}
				fmt.Fprintf(a.out, "%s %+d queued (%s), %d pending\n",
					out.Op.ChildKey, out.Op.Signed(), out.Op.LastError, engine.PendingCount())
				return nil
			}

			rec := out.Result.Record
			line := fmt.Sprintf("%s: %d (%+d)", rec.ChildKey, out.Result.NewTotal, rec.AppliedDelta)
			if out.Result.Clamped {
				line += fmt.Sprintf(", clamped from %+d", rec.Delta)
			}
			if out.Result.Duplicate {
				line += ", already applied"
			}
			fmt.Fprintln(a.out, line)
			if n := engine.PendingCount(); n > 0 {
				fmt.Fprintf(a.out, "%d earlier operations still pending\n", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&child, "child", "", "child name")
	cmd.Flags().Int64Var(&delta, "delta", 0, "number of points (positive)")
	cmd.Flags().StringVar(&direction, "direction", string(ledger.Credit), "credit or debit")
	cmd.Flags().StringVar(&reason, "reason", "", "why the points changed")
	_ = cmd.MarkFlagRequired("child")
	_ = cmd.MarkFlagRequired("delta")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (a *app) balancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "Show every child's balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			snap, err := a.client.Balances(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHILD\tPOINTS\tLAST SEQ")
			for _, key := range slices.Sorted(maps.Keys(snap.Balances)) {
				fmt.Fprintf(tw, "%s\t%d\t%d\n", key, snap.Balances[key], snap.Sequences[key])
			}
			return tw.Flush()
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	var (
		child  string
		limit  int
		cursor string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List committed mutations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			page, err := a.client.History(ctx, child, limit, cursor)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tCHILD\tDELTA\tAPPLIED\tTOTAL\tWHEN\tREASON")
			for _, rec := range page.Records {
				fmt.Fprintf(tw, "%d\t%s\t%+d\t%+d\t%d\t%s\t%s\n",
					rec.SequenceID, rec.ChildKey, rec.Delta, rec.AppliedDelta, rec.BalanceAfter,
					rec.OccurredAt.Local().Format(time.DateTime), rec.Reason)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if page.HasMore {
				fmt.Fprintf(a.out, "more: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&child, "child", "", "only this child")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue from a previous page")
	return cmd
}

func (a *app) pendingCmd() *cobra.Command {
	var flush bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List operations waiting in the durable queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.QueueDir == "" {
				return errors.New("--queue-dir is required")
			}
			engine, closeQueue, err := a.openEngine(syncengine.NopListener{})
			if err != nil {
				return err
			}
			defer func() { _ = closeQueue() }()

			if flush {
				ctx, cancel := a.requestContext(cmd)
				defer cancel()
				if err := engine.Flush(ctx); err != nil {
					fmt.Fprintf(a.out, "flush stopped: %v\n", err)
				}
			}

			ops := engine.Pending()
			if len(ops) == 0 {
				fmt.Fprintln(a.out, "no pending operations")
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "OP\tCHILD\tDELTA\tATTEMPTS\tSTATE\tREASON")
			for _, op := range ops {
				fmt.Fprintf(tw, "%s\t%s\t%+d\t%d\t%s\t%s\n",
					op.ClientOpID, op.ChildKey, op.Signed(), op.Attempts, op.State, op.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&flush, "flush", false, "try to commit queued operations first")
	return cmd
}

func (a *app) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check that every balance matches its mutation records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			res, err := a.client.Reconcile(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "checked %d children, %d records in %s\n",
				res.Report.Children, res.Report.Records, res.Report.Duration.Round(time.Millisecond))
			if res.Healthy {
				fmt.Fprintln(a.out, "ledger consistent")
				return nil
			}
			var b strings.Builder
			for _, m := range res.Report.Mismatches {
				fmt.Fprintf(&b, "  %s: stored %d, replayed %d, applied sum %d\n",
					m.ChildKey, m.Stored, m.Replayed, m.SumApplied)
			}
			fmt.Fprint(a.out, b.String())
			return fmt.Errorf("%d balance mismatches", len(res.Report.Mismatches))
		},
	}
}
