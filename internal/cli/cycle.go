package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codr1/conveyor/internal/engine"
	"github.com/codr1/conveyor/internal/runlog"
)

func newCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle <workstream-id>",
		Short: "Run one implement-test-review cycle for a workstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ws, err := a.workstream(args[0])
			if err != nil {
				return err
			}
			e := engine.New(a.Ops, a.Project, a.Profile, a.Meta, ws)
			out := e.RunOnce(cmd.Context())
			printOutcome(cmd, out)
			if out.Kind == runlog.ResultPlanEmpty {
				// No pending items left: the merge gate's checks run now;
				// the merge itself stays a human decision.
				gout := evaluateGate(cmd, a, ws)
				if code := mergeExit(gout); code != ExitOK {
					return exitf(code, "%s: %s", gout.Kind, gout.Detail)
				}
				return nil
			}
			if code := cycleExit(out); code != ExitOK {
				return exitf(code, "%s: %s", out.Kind, out.Detail)
			}
			return nil
		},
	}
}

func printOutcome(cmd *cobra.Command, out engine.Outcome) {
	w := cmd.OutOrStdout()
	switch out.Kind {
	case runlog.ResultCompleted:
		color.Green("completed %s (%s)", out.ItemID, short(out.CommitSHA))
	case runlog.ResultNoop:
		color.Green("no-op: %s was already satisfied", out.ItemID)
	case runlog.ResultPlanEmpty:
		color.Cyan("plan complete; evaluating merge gate")
	case runlog.ResultAwaitingHuman:
		color.Yellow("paused for human review: %s", out.ItemID)
		fmt.Fprintf(w, "  %s\n  approve with `conveyor approve`, reject with `conveyor reject -m <reason>`\n", out.Detail)
	case runlog.ResultBlocked:
		color.Yellow("blocked: %s", out.Detail)
		fmt.Fprintln(w, "  answer with `conveyor clarify answer`")
	default:
		color.Red("%s at %s: %s", out.Kind, out.Stage, out.Detail)
	}
}

func short(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
