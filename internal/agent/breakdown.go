package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// PlanItem is one proposed micro-commit from breakdown or fix generation.
type PlanItem struct {
	Title string
	Body  string
}

// Planner runs the planning-oriented agent invocations: story breakdown and
// merge-gate fix proposals. It reuses the implementer CLI.
type Planner struct {
	Cmd     []string
	Dir     string
	Timeout time.Duration
}

// Breakdown asks the agent to split a story into micro-commits.
func (p *Planner) Breakdown(ctx context.Context, prompt string) ([]PlanItem, error) {
	items, err := p.invoke(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: breakdown produced no items", ErrMalformedOutput)
	}
	return items, nil
}

// ProposeFixes asks the agent for targeted fixes after a suite failure.
// At most three proposals are kept.
func (p *Planner) ProposeFixes(ctx context.Context, prompt string) ([]PlanItem, error) {
	items, err := p.invoke(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no fix items proposed", ErrMalformedOutput)
	}
	if len(items) > 3 {
		items = items[:3]
	}
	return items, nil
}

func (p *Planner) invoke(ctx context.Context, prompt string) ([]PlanItem, error) {
	argv := make([]string, len(p.Cmd), len(p.Cmd)+1)
	copy(argv, p.Cmd)
	argv = append(argv, prompt)
	res, err := Exec(ctx, p.Dir, argv, "", p.Timeout)
	if err != nil {
		return nil, err
	}
	items, perr := parsePlanItems(res.Stdout)
	if perr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, perr)
	}
	return items, nil
}

func parsePlanItems(stdout string) ([]PlanItem, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	start := len(lines) - reportTailLines
	if start < 0 {
		start = 0
	}
	for i := len(lines) - 1; i >= start; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
			continue
		}
		arr := gjson.Get(line, "items")
		if !arr.IsArray() {
			continue
		}
		var items []PlanItem
		for _, it := range arr.Array() {
			title := strings.TrimSpace(it.Get("title").String())
			if title == "" {
				continue
			}
			items = append(items, PlanItem{
				Title: title,
				Body:  strings.TrimSpace(it.Get("body").String()),
			})
		}
		return items, nil
	}
	return nil, fmt.Errorf("no items object in final %d lines", reportTailLines)
}
