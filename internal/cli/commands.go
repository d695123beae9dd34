package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rbaliyan/queueview"
	"github.com/rbaliyan/queueview/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// errUnhealthy is returned by the health command for a degraded view so the
// process exits non-zero.
var errUnhealthy = errors.New("queue view degraded")

func newBrowseCommand(a *app) *cobra.Command {
	var limit int
	var withContent bool
	cmd := &cobra.Command{
		Use:   "browse <queue>",
		Short: "List the live mails of a queue in approximate enqueue order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(rt *Runtime) error {
				if withContent {
					return browseContent(ctx, cmd.OutOrStdout(), rt.View, args[0], limit)
				}
				return browseReferences(ctx, cmd.OutOrStdout(), rt.View, args[0], limit)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after this many mails (0 means all)")
	cmd.Flags().BoolVar(&withContent, "content", false, "print the MIME content of each mail")
	return cmd
}

func browseReferences(ctx context.Context, out io.Writer, v queueview.View, queue string, limit int) error {
	it, err := v.BrowseReferences(ctx, queue)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENQUEUED\tENQUEUE ID\tNAME\tSENDER\tSTATE")
	for n := 0; limit == 0 || n < limit; n++ {
		ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		item, err := it.Item()
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			item.EnqueuedTime.Format(time.RFC3339),
			item.EnqueueID,
			item.MailKey(),
			item.Envelope.Sender,
			item.Envelope.State)
	}
	return tw.Flush()
}

func browseContent(ctx context.Context, out io.Writer, v queueview.View, queue string, limit int) error {
	it, err := v.Browse(ctx, queue)
	if err != nil {
		return err
	}
	for n := 0; limit == 0 || n < limit; n++ {
		ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		m, err := it.Mail()
		if _, isContent := queueview.IsContentError(err); err != nil && !isContent {
			return err
		}
		fmt.Fprintf(out, "=== %s %s\n", m.Item.EnqueueID, m.Item.MailKey())
		if err != nil {
			fmt.Fprintf(out, "content unavailable: %v\n", err)
			continue
		}
		out.Write(m.Content)
		fmt.Fprintln(out)
	}
	return nil
}

func newSizeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "size <queue>",
		Short: "Count the live mails of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *Runtime) error {
				n, err := rt.View.Size(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func newDeleteCommand(a *app) *cobra.Command {
	var id, name, sender, recipient string
	var all bool
	cmd := &cobra.Command{
		Use:   "delete <queue>",
		Short: "Tombstone the mails of a queue matching one condition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cond queueview.DeleteCondition
			switch {
			case id != "":
				cond = queueview.ByEnqueueID(id)
			case name != "":
				cond = queueview.ByName(name)
			case sender != "":
				cond = queueview.BySender(sender)
			case recipient != "":
				cond = queueview.ByRecipient(recipient)
			case all:
				cond = queueview.All()
			}
			return a.withRuntime(cmd.Context(), func(rt *Runtime) error {
				n, err := rt.View.Delete(cmd.Context(), args[0], cond)
				if _, ok := queueview.IsEventPublishError(err); err != nil && !ok {
					return err
				}
				if err != nil {
					a.logger.Warn("delete event not published", "error", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", n)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "enqueue id")
	f.StringVar(&name, "name", "", "mail key")
	f.StringVar(&sender, "sender", "", "sender address")
	f.StringVar(&recipient, "recipient", "", "recipient address")
	f.BoolVar(&all, "all", false, "every live mail of the queue")
	cmd.MarkFlagsMutuallyExclusive("id", "name", "sender", "recipient", "all")
	cmd.MarkFlagsOneRequired("id", "name", "sender", "recipient", "all")
	return cmd
}

func newAdvanceCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "advance [queue]",
		Short: "Advance the browse start and collect garbage",
		Args: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass either a queue or --all")
			}
			return cobra.MaximumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(rt *Runtime) error {
				var results []*queueview.AdvanceResult
				var err error
				if all {
					results, err = rt.View.Maintain(ctx)
				} else {
					var res *queueview.AdvanceResult
					res, err = rt.View.AdvanceBrowseStart(ctx, args[0])
					if res != nil {
						results = append(results, res)
					}
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "QUEUE\tFROM\tTO\tPURGED SLICES\tPURGED ITEMS")
				for _, r := range results {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
						r.Queue, formatTime(r.From), formatTime(r.To), r.PurgedSlices, r.PurgedItems)
				}
				if ferr := tw.Flush(); err == nil {
					err = ferr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "advance every known queue")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func newHealthCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report queues whose browse start is older than the grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRuntime(cmd.Context(), func(rt *Runtime) error {
				report, err := rt.View.Health(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
				if !report.Healthy() {
					return errUnhealthy
				}
				return nil
			})
		},
	}
}

func newServeCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and the admin API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(rt *Runtime) error {
				srv := server.New(rt.View, server.WithLogger(a.logger))

				g, gctx := errgroup.WithContext(ctx)
				if expr := a.cfg.Server.MaintenanceSchedule; expr != "" {
					sched := server.NewScheduler(rt.View, expr, srv.Metrics(), a.logger)
					g.Go(func() error {
						sched.Run(gctx)
						return nil
					})
				}
				g.Go(func() error {
					return srv.ListenAndServe(gctx, addr, a.cfg.Server.ShutdownTimeout)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
