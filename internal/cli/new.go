package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codr1/conveyor/internal/gitx"
	"github.com/codr1/conveyor/internal/workstream"
)

func newNewCmd() *cobra.Command {
	var title, branch, story string

	cmd := &cobra.Command{
		Use:   "new <workstream-id>",
		Short: "Create a workstream with its own branch and worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			id := args[0]
			if title == "" {
				title = id
			}
			if branch == "" {
				branch = "feat/" + id
			}
			ctx := cmd.Context()
			main := &gitx.Repo{Dir: a.Project.RepoPath}
			baseSHA, err := main.RevParse(ctx, a.Project.DefaultBranch)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", a.Project.DefaultBranch, err)
			}
			wtPath := filepath.Join(a.worktreeRoot(), id)
			if err := os.MkdirAll(a.worktreeRoot(), 0o755); err != nil {
				return err
			}
			if err := main.CreateWorktree(ctx, wtPath, branch, a.Project.DefaultBranch); err != nil {
				return fmt.Errorf("create worktree: %w", err)
			}
			ws, err := workstream.Create(a.Ops, id, title, branch, a.Project.DefaultBranch, baseSHA, wtPath)
			if err != nil {
				main.RemoveWorktree(ctx, wtPath)
				return err
			}
			if story != "" {
				seed := fmt.Sprintf("# %s: %s\n\n%s\n", id, title, story)
				if err := os.WriteFile(ws.PlanPath(), []byte(seed), 0o644); err != nil {
					return err
				}
			}
			color.Green("created workstream %s", id)
			fmt.Fprintf(cmd.OutOrStdout(), "  branch:   %s\n  worktree: %s\n  plan:     %s\n",
				branch, wtPath, ws.PlanPath())
			fmt.Fprintln(cmd.OutOrStdout(), "Edit the plan, then run `conveyor cycle` to start.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "human-readable title")
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "branch name (default feat/<id>)")
	cmd.Flags().StringVarP(&story, "story", "s", "", "story text seeded into the plan for breakdown")
	return cmd
}
