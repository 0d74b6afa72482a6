package engine

import "github.com/codr1/conveyor/internal/runlog"

// Stage names, in execution order.
const (
	StageLoad      = "load"
	StageBreakdown = "breakdown"
	StageSelect    = "select"
	StageClarify   = "clarification_check"
	StageImplement = "implement"
	StageTest      = "test"
	StageReview    = "review"
	StageQAGate    = "qa_gate"
	StageHuman     = "human_review"
	StageUpdate    = "update_state"
)

// Outcome is the single, total result of a cycle. Every way a cycle can end
// maps to exactly one kind; there is no error return path around it.
type Outcome struct {
	Kind      string // a runlog result kind, or KindLockTimeout
	Stage     string // stage the cycle ended in, for failures
	ItemID    string
	Detail    string
	Attempts  int
	CommitSHA string
}

// KindLockTimeout means the cycle never started because the workstream lock
// could not be acquired.
const KindLockTimeout = "lock_timeout"

func completed(itemID, sha string, attempts int) Outcome {
	return Outcome{Kind: runlog.ResultCompleted, Stage: StageUpdate, ItemID: itemID, CommitSHA: sha, Attempts: attempts}
}

func noop(itemID string) Outcome {
	return Outcome{Kind: runlog.ResultNoop, Stage: StageUpdate, ItemID: itemID, Detail: "item already satisfied"}
}

func planEmpty() Outcome {
	return Outcome{Kind: runlog.ResultPlanEmpty, Stage: StageSelect, Detail: "no pending plan items"}
}

func awaitingHuman(itemID, detail string, attempts int) Outcome {
	return Outcome{Kind: runlog.ResultAwaitingHuman, Stage: StageHuman, ItemID: itemID, Detail: detail, Attempts: attempts}
}

func blocked(itemID, reason string) Outcome {
	return Outcome{Kind: runlog.ResultBlocked, Stage: StageClarify, ItemID: itemID, Detail: reason}
}

func infraFailure(stage, itemID, detail string, attempts int) Outcome {
	return Outcome{Kind: runlog.ResultInfraFailure, Stage: stage, ItemID: itemID, Detail: detail, Attempts: attempts}
}

func contentFailure(stage, itemID, detail string, attempts int) Outcome {
	return Outcome{Kind: runlog.ResultContentFailure, Stage: stage, ItemID: itemID, Detail: detail, Attempts: attempts}
}

func fatal(stage, detail string) Outcome {
	return Outcome{Kind: runlog.ResultFatal, Stage: stage, Detail: detail}
}
