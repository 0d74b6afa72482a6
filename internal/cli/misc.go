package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codr1/conveyor/internal/engine"
	"github.com/codr1/conveyor/internal/gitx"
	"github.com/codr1/conveyor/internal/lock"
	"github.com/codr1/conveyor/internal/plan"
	"github.com/codr1/conveyor/internal/runlog"
	"github.com/codr1/conveyor/internal/workstream"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <workstream-id>",
		Short: "Discard uncommitted agent work and reactivate the workstream",
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
			repo := &gitx.Repo{Dir: ws.Worktree}
			if err := repo.DiscardAll(cmd.Context()); err != nil {
				return err
			}
			if err := ws.SetSessionID(""); err != nil {
				return err
			}
			if err := ws.SetStatus(workstream.StatusActive); err != nil {
				return err
			}
			// A stale approval must not apply to future work.
			ws.TakeApproval()
			color.Green("reset %s: worktree clean, status active", ws.ID)
			return nil
		},
	}
}

func newDiffCmd() *cobra.Command {
	var branchDiff bool

	cmd := &cobra.Command{
		Use:   "diff <workstream-id>",
		Short: "Show the uncommitted work awaiting review",
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
			repo := &gitx.Repo{Dir: ws.Worktree}
			var diff string
			if branchDiff {
				diff, err = repo.DiffText(cmd.Context(), a.Project.DefaultBranch, "HEAD")
			} else {
				diff, err = repo.DiffWorking(cmd.Context())
			}
			if err != nil {
				return err
			}
			if diff == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no changes")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), diff)
			return nil
		},
	}
	cmd.Flags().BoolVar(&branchDiff, "branch", false, "diff the whole branch against the default branch")
	return cmd
}

func newLogCmd() *cobra.Command {
	var limit int
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "log [workstream-id]",
		Short: "Show recent cycle results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ix, err := runlog.OpenIndex(a.Ops)
			if err != nil {
				return err
			}
			defer ix.Close()
			if rebuild {
				n, err := ix.Rebuild(a.Ops)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reindexed %d runs\n", n)
			}
			wsID := ""
			if len(args) == 1 {
				wsID = args[0]
			}
			results, err := ix.List(wsID, limit)
			if err != nil {
				return err
			}
			for _, r := range results {
				line := fmt.Sprintf("%s  %-16s %-16s %s", r.RunID, r.Kind, r.ItemID, r.Detail)
				switch r.Kind {
				case runlog.ResultCompleted, runlog.ResultNoop:
					fmt.Fprintln(cmd.OutOrStdout(), color.GreenString(line))
				case runlog.ResultFatal, runlog.ResultInfraFailure, runlog.ResultContentFailure:
					fmt.Fprintln(cmd.OutOrStdout(), color.RedString(line))
				default:
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().BoolVar(&rebuild, "reindex", false, "rebuild the index from the run directories first")
	return cmd
}

func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <workstream-id>",
		Short: "Retire a workstream without merging it",
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
			ctx := cmd.Context()
			main := &gitx.Repo{Dir: a.Project.RepoPath}
			if ws.Worktree != "" && ws.Worktree != a.Project.RepoPath {
				if err := main.RemoveWorktree(ctx, ws.Worktree); err != nil {
					color.Yellow("could not remove worktree: %v", err)
				}
			}
			if err := ws.Archive(a.Ops); err != nil {
				return err
			}
			color.Green("archived %s (branch %s kept)", ws.ID, ws.Branch)
			return nil
		},
	}
}

func newSkipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skip <workstream-id> [item-id]",
		Short: "Mark a plan item done without running it (defaults to the next pending one)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ws, err := a.workstream(args[0])
			if err != nil {
				return err
			}
			items, err := plan.Parse(ws.PlanPath())
			if err != nil {
				return err
			}
			var target *plan.Item
			if len(args) == 2 {
				for i := range items {
					if items[i].ID == args[1] {
						target = &items[i]
						break
					}
				}
				if target == nil {
					return exitf(ExitConfig, "no plan item %s in %s", args[1], ws.ID)
				}
				if target.Done {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already done\n", target.ID)
					return nil
				}
			} else {
				target = plan.NextPending(items)
				if target == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing pending to skip")
					return nil
				}
			}
			if err := plan.MarkDone(ws.PlanPath(), target.ID); err != nil {
				return err
			}
			color.Yellow("skipped %s: %s", target.ID, target.Title)
			return nil
		},
	}
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the ops directory, repository, and tooling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			ok := true
			check := func(name string, err error) {
				if err != nil {
					ok = false
					fmt.Fprintf(w, "%s %s: %v\n", color.RedString("FAIL"), name, err)
					return
				}
				fmt.Fprintf(w, "%s %s\n", color.GreenString("ok  "), name)
			}

			_, gitErr := exec.LookPath("git")
			check("git on PATH", gitErr)
			if len(a.Profile.ImplementerCmd) > 0 {
				_, err := exec.LookPath(a.Profile.ImplementerCmd[0])
				check("implementer command "+a.Profile.ImplementerCmd[0], err)
			}
			if len(a.Profile.ReviewerCmd) > 0 {
				_, err := exec.LookPath(a.Profile.ReviewerCmd[0])
				check("reviewer command "+a.Profile.ReviewerCmd[0], err)
			}
			_, repoErr := os.Stat(filepath.Join(a.Project.RepoPath, ".git"))
			check("repository "+a.Project.RepoPath, repoErr)

			all, listErr := workstream.List(a.Ops)
			check("workstreams directory", listErr)
			for _, ws := range all {
				if _, err := os.Stat(ws.Worktree); err != nil {
					ok = false
					fmt.Fprintf(w, "%s worktree of %s missing: %s\n", color.RedString("FAIL"), ws.ID, ws.Worktree)
				}
			}

			locks := &lock.Manager{Dir: engine.LockDir(a.Ops)}
			if held, err := locks.CountHeld(); err == nil && held > 0 {
				fmt.Fprintf(w, "%s %d lock(s) currently held\n", color.YellowString("note"), held)
			}

			if !ok {
				return exitf(ExitConfig, "doctor found problems")
			}
			fmt.Fprintln(w, "all checks passed")
			return nil
		},
	}
}
