// Package cli implements the conveyor command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codr1/conveyor/internal/config"
	"github.com/codr1/conveyor/internal/workstream"
)

// NewRootCmd builds the conveyor command tree.
func NewRootCmd() *cobra.Command {
	var opsFlag string
	var verbose bool

	root := &cobra.Command{
		Use:           "conveyor",
		Short:         "Supervised delivery loop for agent-written micro-commits",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ops, err := config.ResolveOps(opsFlag)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithOps(cmd.Context(), ops))
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opsFlag, "ops", "", "operations directory (default $CONVEYOR_OPS or ~/.conveyor)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newNewCmd(),
		newCycleCmd(),
		newLoopCmd(),
		newApproveCmd(),
		newRejectCmd(),
		newResetCmd(),
		newClarifyCmd(),
		newStatusCmd(),
		newDiffCmd(),
		newLogCmd(),
		newMergeCmd(),
		newArchiveCmd(),
		newSkipCmd(),
		newDoctorCmd(),
	)
	return root
}

// app bundles the loaded project configuration for a command invocation.
type app struct {
	Ops     string
	Project config.Project
	Profile config.Profile
	Meta    config.Meta
}

func loadApp(cmd *cobra.Command) (*app, error) {
	ops := config.MustOpsFrom(cmd.Context())
	proj, err := config.LoadProject(ops)
	if err != nil {
		return nil, fmt.Errorf("load project config: %w", err)
	}
	prof, err := config.LoadProfile(ops)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	meta, err := config.LoadMeta(ops)
	if err != nil {
		return nil, fmt.Errorf("load project meta: %w", err)
	}
	return &app{Ops: ops, Project: proj, Profile: prof, Meta: meta}, nil
}

func (a *app) workstream(id string) (*workstream.Workstream, error) {
	return workstream.Load(a.Ops, id)
}

// worktreeRoot is where new workstream worktrees are created.
func (a *app) worktreeRoot() string {
	return filepath.Join(a.Ops, "worktrees")
}
