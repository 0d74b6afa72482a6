package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codr1/conveyor/internal/clarify"
)

func newClarifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clarify",
		Short: "List and answer agent questions",
	}
	cmd.AddCommand(newClarifyListCmd(), newClarifyAnswerCmd(), newClarifyStaleCmd())
	return cmd
}

func clarifyStore(cmd *cobra.Command, wsID string) (*clarify.Store, error) {
	a, err := loadApp(cmd)
	if err != nil {
		return nil, err
	}
	ws, err := a.workstream(wsID)
	if err != nil {
		return nil, err
	}
	return &clarify.Store{Dir: ws.ClarificationsDir()}, nil
}

func newClarifyListCmd() *cobra.Command {
	var showAnswered bool

	cmd := &cobra.Command{
		Use:   "list <workstream-id>",
		Short: "Show pending questions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := clarifyStore(cmd, args[0])
			if err != nil {
				return err
			}
			pending, err := store.Pending()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintln(w, "no pending questions")
			}
			for _, c := range pending {
				tag := ""
				if c.Blocking && !c.Stale {
					tag = color.RedString(" [blocking]")
				}
				if c.Stale {
					tag = " [stale]"
				}
				fmt.Fprintf(w, "%s%s %s\n", color.CyanString(c.ID), tag, c.Question)
				if c.Context != "" {
					fmt.Fprintf(w, "    %s\n", c.Context)
				}
			}
			if showAnswered {
				answered, err := store.Answered()
				if err != nil {
					return err
				}
				for _, c := range answered {
					fmt.Fprintf(w, "%s [answered] %s -> %s\n", c.ID, c.Question, c.Answer)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showAnswered, "all", "a", false, "include answered questions")
	return cmd
}

func newClarifyAnswerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "answer <workstream-id> <question-id> <answer...>",
		Short: "Answer a question and unblock the workstream",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := clarifyStore(cmd, args[0])
			if err != nil {
				return err
			}
			c, err := store.Answer(args[1], strings.Join(args[2:], " "))
			if err != nil {
				return err
			}
			color.Green("answered %s", c.ID)
			return nil
		},
	}
}

func newClarifyStaleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stale <workstream-id> <question-id>",
		Short: "Mark a question as no longer relevant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := clarifyStore(cmd, args[0])
			if err != nil {
				return err
			}
			if err := store.MarkStale(args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s marked stale; it no longer blocks\n", args[1])
			return nil
		},
	}
}
