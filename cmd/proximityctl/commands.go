package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/triage-ai/proximity/internal/bootstrap"
	"github.com/triage-ai/proximity/internal/chread"
	"github.com/triage-ai/proximity/internal/engine"
	"github.com/triage-ai/proximity/internal/evidence"
	"github.com/triage-ai/proximity/internal/review"
)

type cli struct {
	open       runtimeFactory
	configPath string
	asJSON     bool
}

func newRootCmd(open runtimeFactory) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:           "proximityctl",
		Short:         "Review, retract and recompute AI proximity evidence",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML config file (default $PROXIMITY_CONFIG)")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print JSON instead of tables")

	root.AddCommand(
		c.approveCmd(),
		c.rejectCmd(),
		c.retractCmd(),
		c.recomputeCmd(),
		c.snapshotCmd(),
		c.reviewQueueCmd(),
		c.eventsCmd(),
		c.changelogCmd(),
		c.auditCmd(),
	)
	return root
}

type runFunc func(ctx context.Context, rt *bootstrap.Runtime, out io.Writer, args []string) error

// run opens the runtime for one command and closes it afterwards.
func (c *cli) run(fn runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := c.open(cmd.Context(), c.configPath)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(cmd.Context(), rt, cmd.OutOrStdout(), args)
	}
}

// print writes v as JSON with --json, otherwise renders the table.
func (c *cli) print(out io.Writer, v any, table func(w *tabwriter.Writer)) error {
	if c.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	table(w)
	return w.Flush()
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "proximityctl"
}

func printInvalidation(w io.Writer, inv review.Invalidation) {
	keys := inv.Keys()
	if len(keys) == 0 {
		fmt.Fprintln(w, "invalidated:\t-")
		return
	}
	fmt.Fprintf(w, "invalidated:\t%s\n", strings.Join(keys, ", "))
}

func (c *cli) approveCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "approve <link-id>",
		Short: "Approve a link awaiting review",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&by, "by", "", "reviewer recorded as approver")
	_ = cmd.MarkFlagRequired("by")
	cmd.RunE = c.run(func(ctx context.Context, rt *bootstrap.Runtime, out io.Writer, args []string) error {
		link, inv, err := rt.Service.Approve(ctx, args[0], by)
		if err != nil {
			return err
		}
		return c.print(out, map[string]any{"link": link, "invalidated": inv.Keys()}, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "link:\t%s\n", link.ID)
			fmt.Fprintf(w, "signpost:\t%s\n", link.SignpostCode)
			fmt.Fprintf(w, "approved by:\t%s\n", link.ApprovedBy)
			fmt.Fprintf(w, "eligible:\t%t\n", !link.NeedsReview)
			printInvalidation(w, inv)
		})
	})
	return cmd
}

func (c *cli) rejectCmd() *cobra.Command {
	var reason, by string
	cmd := &cobra.Command{
		Use:   "reject <link-id>",
		Short: "Reject a link and send its event back for reclassification",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the link is wrong")
	cmd.Flags().StringVar(&by, "by", defaultActor(), "reviewer recorded in the audit trail")
	_ = cmd.MarkFlagRequired("reason")
	cmd.RunE = c.run(func(ctx context.Context, rt *bootstrap.Runtime, out io.Writer, args []string) error {
		rej, inv, err := rt.Service.Reject(ctx, args[0], reason, by)
		if err != nil {
			return err
		}
		return c.print(out, map[string]any{"rejection": rej, "invalidated": inv.Keys()}, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "link:\t%s\n", rej.LinkID)
			fmt.Fprintf(w, "event:\t%s\n", rej.EventID)
			fmt.Fprintf(w, "signpost:\t%s\n", rej.SignpostCode)
			printInvalidation(w, inv)
		})
	})
	return cmd
}

func (c *cli) retractCmd() *cobra.Command {
	var reason, evidenceURL, by string
	cmd := &cobra.Command{
		Use:   "retract <event-id>",
		Short: "Retract an event; repeated calls return the original retraction",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the event is retracted")
	cmd.Flags().StringVar(&evidenceURL, "evidence-url", "", "absolute URL documenting the retraction")
	cmd.Flags().StringVar(&by, "by", defaultActor(), "reviewer recorded in the audit trail")
	_ = cmd.MarkFlagRequired("reason")
	cmd.RunE = c.run(func(ctx context.Context, rt *bootstrap.Runtime, out io.Writer, args []string) error {
		r, inv, err := rt.Service.Retract(ctx, args[0], reason, evidenceURL, by)
		if err != nil {
			return err
		}
		return c.print(out, map[string]any{"retraction": r, "invalidated": inv.Keys()}, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "event:\t%s\n", r.EventID)
			fmt.Fprintf(w, "retracted at:\t%s\n", r.RetractedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "reason:\t%s\n", r.Reason)
			fmt.Fprintf(w, "already retracted:\t%t\n", r.AlreadyRetracted)
			fmt.Fprintf(w, "signposts:\t%s\n", strings.Join(r.SignpostCodes, ", "))
			printInvalidation(w, inv)
		})
	})
	return cmd
}

func (c *cli) recomputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recompute [preset]",
		Short: "Recompute snapshots for one preset, or all when omitted",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.RunE = c.run(func(ctx context.Context, rt *bootstrap.Runtime, out io.Writer, args []string) error {
		var snaps []*evidence.Snapshot
		if len(args) == 1 {
			snap, err := rt.Service.Recompute(ctx, args[0])
			if err != nil {
				return err
			}
			snaps = append(snaps, snap)
		} else {
			var err error
			if snaps, err = rt.Service.RecomputeAll(ctx); err != nil {
				return err
			}
		}
		return c.print(out, snaps, func(w *tabwriter.Writer) { snapshotTable(w, snaps) })
	})
	return cmd
}

func snapshotTable(w io.Writer, snaps []*evidence.Snapshot) {
	fmt.Fprintln(w, "PRESET\tAS OF\tREV\tCAPABILITIES\tAGENTS\tINPUTS\tSECURITY\tOVERALL\tSAFETY MARGIN")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%+.3f\n",
			s.Preset, s.AsOf.Format(time.DateOnly), s.Revision,
			s.Capabilities, s.Agents, s.Inputs, s.Security, s.Overall, s.SafetyMargin)
	}
}

func (c *cli) snapshotCmd() *cobra.Command {
	var (
		preset  string
		date    string
		history int
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show the latest snapshot, the snapshot as of a date, or history",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&preset, "preset", engine.PresetEqual, "weighting preset")
	cmd.Flags().StringVar(&date, "date", "", "latest snapshot on or before this day (YYYY-MM-DD)")
	cmd.Flags().IntVar(&history, "history", 0, "show the latest revision of the last N days instead")
	cmd.RunE = c.run(func(ctx context.Context, rt *bootstrap.Runtime, out io.Writer, _ []string) error {
		if history > 0 {
			snaps, err := rt.Service.SnapshotHistory(ctx, preset, history)
			if err != nil {
				return err
			}
			return c.print(out, snaps, func(w *tabwriter.Writer) { snapshotTable(w, snaps) })
		}

		var (
			snap *evidence.Snapshot
			err  error
		)
		if date != "" {
			day, perr := time.Parse(time.DateOnly, date)
			if perr != nil {
				return fmt.Errorf("--date: %w", perr)
			}
			snap, err = rt.Service.SnapshotAt(ctx, preset, day)
		} else {
			snap, err = rt.Service.LatestSnapshot(ctx, preset)
		}
		if err != nil {
			return err
		}
		if snap == nil {
			return fmt.Errorf("no snapshot for preset %q", preset)
		}
		return c.print(out, snap, func(w *tabwriter.Writer) {
			snapshotTable(w, []*evidence.Snapshot{snap})
			fmt.Fprintln(w)
			fmt.Fprintln(w, "BAND\tLOWER\tUPPER")
			for _, cat := range evidence.Categories {
				b := snap.Bands[string(cat)]
				fmt.Fprintf(w, "%s\t%.3f\t%.3f\n", cat, b.Lower, b.Upper)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "SIGNPOST\tCATEGORY\tFIRST CLASS\tOBSERVED\tPROGRESS")
			for _, line := range snap.Signposts {
				observed := "-"
				if line.Observed != nil {
					observed = fmt.Sprintf("%g", *line.Observed)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%.3f\n", line.Code, line.Category, line.FirstClass, observed, line.Progress)
			}
		})
	})
	return cmd
}

func (c *cli) reviewQueueCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "review-queue",
		Short: "List links awaiting review",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum links to list")
	cmd.RunE = c.run(func(ctx context.Context, rt *bootstrap.Runtime, out io.Writer, _ []string) error {
		items, err := rt.Service.ReviewQueue(ctx, limit)
		if err != nil {
			return err
		}
		return c.print(out, items, func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "LINK\tTIER\tSIGNPOST\tCONFIDENCE\tTITLE")
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n", it.Link.ID, it.Tier, it.Link.SignpostCode, it.Link.Confidence, it.EventTitle)
			}
		})
	})
	return cmd
}

func (c *cli) eventsCmd() *cobra.Command {
	var (
		tier, since, until, signpost string
		includeRetracted             bool
		limit                        int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events by tier, date and signpost",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&tier, "tier", "", "only this evidence tier (A-D)")
	cmd.Flags().StringVar(&since, "since", "", "published on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "published before (YYYY-MM-DD)")
	cmd.Flags().StringVar(&signpost, "signpost", "", "only events linked to this signpost")
	cmd.Flags().BoolVar(&includeRetracted, "include-retracted", false, "include retracted events")
	cmd.Flags().IntVar(&limit, "limit", evidence.DefaultListLimit, "maximum events to list")
	cmd.RunE = c.run(func(ctx context.Context, rt *bootstrap.Runtime, out io.Writer, _ []string) error {
		f := evidence.EventFilter{SignpostCode: signpost, IncludeRetracted: includeRetracted, Limit: limit}
		if tier != "" {
			t, err := evidence.ParseTier(tier)
			if err != nil {
				return fmt.Errorf("--tier: %w", err)
			}
			f.Tier = t
		}
		var err error
		if f.Since, err = parseDay("--since", since); err != nil {
			return err
		}
		if f.Until, err = parseDay("--until", until); err != nil {
			return err
		}

		evs, err := rt.Service.ListEvents(ctx, f)
		if err != nil {
			return err
		}
		return c.print(out, evs, func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "EVENT\tTIER\tPUBLISHED\tREVIEW\tRETRACTED\tTITLE")
			for _, ev := range evs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n",
					ev.ID, ev.Tier, ev.PublishedAt.Format(time.DateOnly), ev.NeedsReview, ev.Retracted, ev.Title)
			}
		})
	})
	return cmd
}

func parseDay(flag, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", flag, err)
	}
	return t, nil
}

func (c *cli) changelogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "List recent changes to published state",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to list")
	cmd.RunE = c.run(func(ctx context.Context, rt *bootstrap.Runtime, out io.Writer, _ []string) error {
		entries, err := rt.Service.Changelog(ctx, limit)
		if err != nil {
			return err
		}
		return c.print(out, entries, func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "WHEN\tKIND\tTITLE\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Kind, e.Title, e.Reason)
			}
		})
	})
	return cmd
}

func (c *cli) auditCmd() *cobra.Command {
	var (
		kind, eventID, signpost, preset string
		page, pageSize                  int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the pipeline audit trail",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only this action kind (ingest, map, approve, reject, retract, corroborate, snapshot)")
	cmd.Flags().StringVar(&eventID, "event", "", "only actions on this event")
	cmd.Flags().StringVar(&signpost, "signpost", "", "only actions touching this signpost")
	cmd.Flags().StringVar(&preset, "preset", "", "only snapshots of this preset")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "rows per page")
	cmd.RunE = c.run(func(ctx context.Context, rt *bootstrap.Runtime, out io.Writer, _ []string) error {
		if err := requireReader(rt); err != nil {
			return err
		}
		params := chread.ListAuditParams{Page: page, PageSize: pageSize}
		for _, f := range []struct {
			dst **string
			v   string
		}{{&params.Kind, kind}, {&params.EventID, eventID}, {&params.Signpost, signpost}, {&params.Preset, preset}} {
			if f.v != "" {
				v := f.v
				*f.dst = &v
			}
		}

		rows, total, err := rt.Reader.ListAudit(ctx, params)
		if err != nil {
			return err
		}
		return c.print(out, map[string]any{"rows": rows, "total": total}, func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "WHEN\tKIND\tACTOR\tEVENT\tSIGNPOSTS\tREASON")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Timestamp.Format(time.RFC3339), r.Kind, r.Actor, r.EventID, strings.Join(r.Signposts, ","), r.Reason)
			}
			fmt.Fprintf(w, "\n%d of %d\n", len(rows), total)
		})
	})
	cmd.AddCommand(c.auditShowCmd(), c.auditSummaryCmd())
	return cmd
}

func (c *cli) auditShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <audit-id>",
		Short: "Show one audit row",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, rt *bootstrap.Runtime, out io.Writer, args []string) error {
			if err := requireReader(rt); err != nil {
				return err
			}
			row, err := rt.Reader.GetAudit(ctx, args[0])
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("audit row %q not found", args[0])
			}
			return c.print(out, row, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "id:\t%s\n", row.ID)
				fmt.Fprintf(w, "when:\t%s\n", row.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(w, "kind:\t%s\n", row.Kind)
				fmt.Fprintf(w, "actor:\t%s\n", row.Actor)
				fmt.Fprintf(w, "event:\t%s\n", row.EventID)
				fmt.Fprintf(w, "link:\t%s\n", row.LinkID)
				fmt.Fprintf(w, "signposts:\t%s\n", strings.Join(row.Signposts, ","))
				fmt.Fprintf(w, "preset:\t%s\n", row.Preset)
				fmt.Fprintf(w, "score:\t%.3f\n", row.Score)
				fmt.Fprintf(w, "reason:\t%s\n", row.Reason)
				fmt.Fprintf(w, "detail:\t%s\n", row.Detail)
			})
		}),
	}
}

func (c *cli) auditSummaryCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Count audit actions by kind and retractions per day",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&days, "days", 30, "window size in days")
	cmd.RunE = c.run(func(ctx context.Context, rt *bootstrap.Runtime, out io.Writer, _ []string) error {
		if days <= 0 {
			return fmt.Errorf("--days must be positive, got %d", days)
		}
		if err := requireReader(rt); err != nil {
			return err
		}
		sum, err := rt.Reader.Summary(ctx, days)
		if err != nil {
			return err
		}
		return c.print(out, sum, func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "KIND\tCOUNT")
			for _, k := range sum.ByKind {
				fmt.Fprintf(w, "%s\t%d\n", k.Kind, k.Count)
			}
			fmt.Fprintln(w, "\nDAY\tRETRACTIONS")
			for _, d := range sum.RetractionsPerDay {
				fmt.Fprintf(w, "%s\t%d\n", d.Day, d.Count)
			}
		})
	})
	return cmd
}

func requireReader(rt *bootstrap.Runtime) error {
	if rt.Reader == nil {
		return errors.New("the audit trail requires a clickhouse dsn (set CLICKHOUSE_DSN)")
	}
	return nil
}
