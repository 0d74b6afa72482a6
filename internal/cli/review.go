package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codr1/conveyor/internal/workstream"
)

func newApproveCmd() *cobra.Command {
	var itemID, note string

	cmd := &cobra.Command{
		Use:   "approve <workstream-id>",
		Short: "Approve the change waiting at the human gate",
		Long: `Approve records a verdict for the paused workstream; the next cycle
commits the change and marks the plan item done. Approving an active
workstream pre-clears the gate for its next item.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ws, err := a.workstream(args[0])
			if err != nil {
				return err
			}
			err = ws.StoreApproval(workstream.Approval{Decision: "approve", ItemID: itemID, Note: note})
			if err != nil {
				return err
			}
			color.Green("approval recorded for %s; next cycle will finalize", ws.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "restrict the approval to a specific plan item")
	cmd.Flags().StringVarP(&note, "message", "m", "", "optional note")
	return cmd
}

func newRejectCmd() *cobra.Command {
	var itemID, note string

	cmd := &cobra.Command{
		Use:   "reject <workstream-id>",
		Short: "Reject the change waiting at the human gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if note == "" {
				return exitf(ExitConfig, "a rejection needs a reason: pass -m")
			}
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ws, err := a.workstream(args[0])
			if err != nil {
				return err
			}
			err = ws.StoreApproval(workstream.Approval{Decision: "reject", ItemID: itemID, Note: note})
			if err != nil {
				return err
			}
			color.Yellow("rejection recorded for %s; next cycle retries with your feedback", ws.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "restrict the rejection to a specific plan item")
	cmd.Flags().StringVarP(&note, "message", "m", "", "why the change is rejected (required)")
	return cmd
}
