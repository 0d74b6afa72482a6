package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codr1/conveyor/internal/clarify"
	"github.com/codr1/conveyor/internal/plan"
	"github.com/codr1/conveyor/internal/workstream"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every workstream and what it is waiting on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			all, err := workstream.List(a.Ops)
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no workstreams; create one with `conveyor new`")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tNEXT\tNOTE")
			for _, ws := range all {
				done, total, next := planProgress(ws)
				note := statusNote(ws)
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
					ws.ID, colorStatus(ws.Status), done, total, next, note)
			}
			return tw.Flush()
		},
	}
}

func planProgress(ws *workstream.Workstream) (done, total int, next string) {
	items, err := plan.Parse(ws.PlanPath())
	if err != nil {
		return 0, 0, "-"
	}
	total = len(items)
	for _, it := range items {
		if it.Done {
			done++
		}
	}
	next = "-"
	if p := plan.NextPending(items); p != nil {
		next = p.ID
	}
	return done, total, next
}

func statusNote(ws *workstream.Workstream) string {
	switch ws.Status {
	case workstream.StatusBlocked:
		store := &clarify.Store{Dir: ws.ClarificationsDir()}
		if blocking, err := store.Blocking(); err == nil && len(blocking) > 0 {
			return fmt.Sprintf("%d question(s): `conveyor clarify list %s`", len(blocking), ws.ID)
		}
		return ws.BlockedReason
	case workstream.StatusAwaitingReview:
		return fmt.Sprintf("`conveyor approve %s` or `conveyor reject %s -m ...`", ws.ID, ws.ID)
	case workstream.StatusDone:
		return fmt.Sprintf("`conveyor merge %s`", ws.ID)
	default:
		return ""
	}
}

func colorStatus(status string) string {
	switch status {
	case workstream.StatusActive:
		return color.GreenString(status)
	case workstream.StatusAwaitingReview:
		return color.YellowString(status)
	case workstream.StatusBlocked:
		return color.RedString(status)
	case workstream.StatusDone, workstream.StatusMerged:
		return color.CyanString(status)
	default:
		return status
	}
}
