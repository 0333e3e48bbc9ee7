package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Dev-Stive/securadb/securadb/storage"
	"github.com/Dev-Stive/securadb/securadb/syncer"
	"github.com/Dev-Stive/securadb/types"
)

var errNoRemote = errors.New("no remote store configured (set remote.driver)")

func printResult(tw *tabwriter.Writer, result syncer.Result) {
	if result.Skipped {
		fmt.Fprintln(tw, "SKIPPED\tanother sync is in progress")
		return
	}
	fmt.Fprintf(tw, "UPLOADED\t%d\n", result.Uploaded)
	fmt.Fprintf(tw, "DOWNLOADED\t%d\n", result.Downloaded)
	fmt.Fprintf(tw, "CONFLICTS\t%d\n", result.Conflicts)
	fmt.Fprintf(tw, "DURATION\t%s\n", result.Duration)
	fmt.Fprintf(tw, "ERRORS\t%s\n", joinOrDash(result.Errors))
}

func (c *cli) syncCmd() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize collections with the remote store",
	}

	var reason string
	pushCmd := &cobra.Command{
		Use:   "push [collection...]",
		Short: "Reconcile collections with the remote (all when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				if s.db.Remote() == nil {
					return errNoRemote
				}
				result, err := s.db.Sync().SyncToRemote(ctx, args, reason)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), c.format, result, func(tw *tabwriter.Writer) {
					printResult(tw, result)
				})
			})
		},
	}
	pushCmd.Flags().StringVar(&reason, "reason", "cli", "reason recorded in the sync log")

	pullCmd := &cobra.Command{
		Use:   "pull [collection...]",
		Short: "Replace local collections with the remote snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				if s.db.Remote() == nil {
					return errNoRemote
				}
				result, err := s.db.Sync().PullFromRemote(ctx, args)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), c.format, result, func(tw *tabwriter.Writer) {
					printResult(tw, result)
				})
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sync state recorded in the dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				ds, err := s.db.Store().Load(ctx, storage.LoadOptions{UseCache: true})
				if err != nil {
					return err
				}
				state := ds.Sync
				if state == nil {
					state = &types.SyncState{}
				}
				view := syncView{Engine: s.db.Sync().Status(), State: state}
				return render(cmd.OutOrStdout(), c.format, view, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "REMOTE\t%s\n", view.Engine.Remote)
					fmt.Fprintf(tw, "STRATEGY\t%s\n", view.Engine.Strategy)
					fmt.Fprintf(tw, "STATUS\t%s\n", state.Status)
					fmt.Fprintf(tw, "LAST PUSH\t%s\n", formatTime(state.LastPush))
					fmt.Fprintf(tw, "LAST PULL\t%s\n", formatTime(state.LastPull))
					fmt.Fprintf(tw, "QUEUED\t%d\n", view.Engine.Pending)
					fmt.Fprintf(tw, "PENDING CHANGES\t%d\n", len(state.PendingChanges))
					if len(state.Conflicts) > 0 {
						fmt.Fprintln(tw, "\nCOLLECTION\tID\tSTRATEGY\tRESOLUTION\tRESOLVED")
						for _, cr := range state.Conflicts {
							fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", cr.Collection, cr.ID, cr.ResolutionStrategy, cr.Resolution, formatTime(&cr.ResolvedAt))
						}
					}
				})
			})
		},
	}

	syncCmd.AddCommand(pushCmd, pullCmd, statusCmd)
	return syncCmd
}

type syncView struct {
	Engine syncer.Status    `json:"engine"`
	State  *types.SyncState `json:"state"`
}
