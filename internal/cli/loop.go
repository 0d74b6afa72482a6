package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codr1/conveyor/internal/engine"
	"github.com/codr1/conveyor/internal/metrics"
	"github.com/codr1/conveyor/internal/runlog"
	"github.com/codr1/conveyor/internal/workstream"
)

func newLoopCmd() *cobra.Command {
	var interval time.Duration
	var metricsAddr string
	var maxCycles int

	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Continuously cycle every active workstream until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var rec *metrics.Recorder
			if metricsAddr != "" {
				if rec, err = metrics.New(); err != nil {
					return err
				}
				go rec.Serve(ctx, metricsAddr)
				defer rec.Shutdown(ctx)
			}

			cycles := 0
			for {
				if ctx.Err() != nil {
					return nil
				}
				ran := false
				all, err := workstream.List(a.Ops)
				if err != nil {
					return err
				}
				for _, ws := range all {
					if ctx.Err() != nil {
						return nil
					}
					if ws.Status != workstream.StatusActive {
						continue
					}
					e := engine.New(a.Ops, a.Project, a.Profile, a.Meta, ws)
					e.Metrics = rec
					out := e.RunOnce(ctx)
					printOutcome(cmd, out)
					if out.Kind == runlog.ResultPlanEmpty {
						// Evaluate the gate now; proposed fixes reactivate
						// the workstream for the next sweep.
						evaluateGate(cmd, a, ws)
					}
					ran = true
					cycles++
					if maxCycles > 0 && cycles >= maxCycles {
						return nil
					}
					if out.Kind == runlog.ResultFatal {
						return exitf(ExitConfig, "%s: %s", out.Kind, out.Detail)
					}
				}
				if !ran {
					if !anyOutstanding(all) {
						fmt.Fprintln(cmd.OutOrStdout(), "nothing left to do")
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(interval):
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "sleep between idle sweeps")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&maxCycles, "max-cycles", 0, "stop after this many cycles (0 = unlimited)")
	return cmd
}

// anyOutstanding reports whether any workstream could still need the loop:
// blocked and paused streams resume once a human acts.
func anyOutstanding(all []*workstream.Workstream) bool {
	for _, ws := range all {
		switch ws.Status {
		case workstream.StatusActive, workstream.StatusBlocked, workstream.StatusAwaitingReview:
			return true
		}
	}
	return false
}
