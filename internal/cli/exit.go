package cli

import (
	"errors"
	"fmt"

	"github.com/codr1/conveyor/internal/engine"
	"github.com/codr1/conveyor/internal/mergegate"
	"github.com/codr1/conveyor/internal/runlog"
)

// Process exit codes. Scripts drive retries and alerts off these, so the
// mapping is part of the interface.
const (
	ExitOK              = 0
	ExitConfig          = 2  // configuration or repo-state error
	ExitLockTimeout     = 3  // could not acquire a lock in time
	ExitImplementFailed = 4  // implementation could not be produced
	ExitTestFailed      = 5  // tests kept failing
	ExitReviewFailed    = 6  // review rejected or human rejected
	ExitQAGateFailed    = 7  // quality gate could not be satisfied
	ExitBlocked         = 8  // waiting on a human answer; not an error
	ExitInternal        = 9  // infrastructure fault
	ExitMergeTests      = 10 // merge-gate suite failed
	ExitRebaseFailed    = 11 // could not bring the branch up to date
	ExitConflictMarkers = 12 // conflict markers found before merge
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

// ExitCode extracts the process exit code for an error from the command
// tree. nil means success; unclassified errors are configuration errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitConfig
}

// cycleExit maps an engine outcome to the documented exit codes.
func cycleExit(out engine.Outcome) int {
	switch out.Kind {
	case runlog.ResultCompleted, runlog.ResultNoop, runlog.ResultPlanEmpty, runlog.ResultAwaitingHuman:
		return ExitOK
	case runlog.ResultBlocked:
		return ExitBlocked
	case engine.KindLockTimeout:
		return ExitLockTimeout
	case runlog.ResultInfraFailure:
		return ExitInternal
	case runlog.ResultContentFailure:
		switch out.Stage {
		case engine.StageImplement:
			return ExitImplementFailed
		case engine.StageTest:
			return ExitTestFailed
		case engine.StageReview, engine.StageHuman:
			return ExitReviewFailed
		case engine.StageQAGate:
			return ExitQAGateFailed
		default:
			return ExitInternal
		}
	default:
		return ExitConfig
	}
}

// mergeExit maps a merge-gate outcome to the documented exit codes.
func mergeExit(out mergegate.Outcome) int {
	switch out.Kind {
	case mergegate.KindMerged, mergegate.KindReady:
		return ExitOK
	case mergegate.KindFixesProposed, mergegate.KindFixesExhausted:
		return ExitMergeTests
	case mergegate.KindRebaseFailed:
		return ExitRebaseFailed
	case mergegate.KindConflictMarkers:
		return ExitConflictMarkers
	default:
		return ExitConfig
	}
}
