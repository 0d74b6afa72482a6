package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codr1/conveyor/internal/mergegate"
	"github.com/codr1/conveyor/internal/workstream"
)

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <workstream-id>",
		Short: "Gate and merge a finished workstream into the default branch",
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
			gate := mergegate.New(a.Ops, a.Project, a.Profile, ws)
			out := gate.Run(cmd.Context())
			printGate(cmd, a, ws, out)
			if code := mergeExit(out); code != ExitOK {
				return exitf(code, "%s: %s", out.Kind, out.Detail)
			}
			return nil
		},
	}
}

// evaluateGate runs the merge-gate checks without merging. Called from cycle
// and loop when a plan runs out of pending items.
func evaluateGate(cmd *cobra.Command, a *app, ws *workstream.Workstream) mergegate.Outcome {
	out := mergegate.New(a.Ops, a.Project, a.Profile, ws).Evaluate(cmd.Context())
	printGate(cmd, a, ws, out)
	return out
}

func printGate(cmd *cobra.Command, a *app, ws *workstream.Workstream, out mergegate.Outcome) {
	w := cmd.OutOrStdout()
	switch out.Kind {
	case mergegate.KindMerged:
		color.Green("merged %s into %s (%s)", ws.Branch, a.Project.DefaultBranch, short(out.MergeSHA))
	case mergegate.KindReady:
		color.Green("merge gate passed for %s", ws.ID)
		if out.Detail != "" {
			fmt.Fprintln(w, out.Detail)
		}
		fmt.Fprintf(w, "run `conveyor merge %s` to land it\n", ws.ID)
	case mergegate.KindFixesProposed:
		color.Yellow("suite failed; %s", out.Detail)
		fmt.Fprintln(w, "run `conveyor cycle` to implement the fixes, then merge again")
	case mergegate.KindNotReady:
		color.Yellow("not ready to merge: %s", out.Detail)
	default:
		color.Red("%s: %s", out.Kind, out.Detail)
	}
}
