package engine

import (
	"errors"

	"github.com/codr1/conveyor/internal/agent"
)

// FailureClass partitions every possible failure. The mapping is total:
// anything not recognizably transient infrastructure and not a judgment on
// the produced work is fatal.
type FailureClass int

const (
	// ClassInfra covers transient machinery faults: agent timeouts,
	// unparseable agent output, subprocess spawn errors. Infra failures do
	// not consume the attempt budget and are safe to retry as-is.
	ClassInfra FailureClass = iota
	// ClassContent covers rejected work: failing tests, review verdicts
	// demanding changes. Content failures consume an attempt.
	ClassContent
	// ClassFatal covers misconfiguration and broken repo state. Retrying
	// cannot help until a human intervenes.
	ClassFatal
)

func (c FailureClass) String() string {
	switch c {
	case ClassInfra:
		return "infrastructure"
	case ClassContent:
		return "content"
	default:
		return "fatal"
	}
}

// classifyError maps an error from an agent or subprocess into a failure
// class. Content failures never arrive as errors; they come from verdicts
// and exit codes, so any error here is infra or fatal.
func classifyError(err error) FailureClass {
	switch {
	case errors.Is(err, agent.ErrTimeout),
		errors.Is(err, agent.ErrMalformedOutput),
		errors.Is(err, agent.ErrInvalidVerdict):
		return ClassInfra
	default:
		return ClassFatal
	}
}
