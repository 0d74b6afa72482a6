// Package plan parses and mutates plan.md micro-commit documents.
//
// A plan is an ordered sequence of entries, each introduced by a heading of
// the form "### COMMIT-<WS>-<NNN>: Title" and containing a single done-marker
// line "Done: [ ]" or "Done: [x]". Entry order is execution order.
package plan

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	headingRe = regexp.MustCompile(`^###\s+(COMMIT-[A-Za-z0-9_-]+-\d{3}):\s*(.+?)\s*$`)
	doneRe    = regexp.MustCompile(`^Done:\s*\[([ xX])\]\s*$`)
)

// ErrNotFound is returned when a referenced item id is not in the plan.
var ErrNotFound = errors.New("plan item not found")

// Item is one micro-commit entry.
type Item struct {
	ID    string
	Title string
	Done  bool
	Line  int    // 1-based line number of the heading
	Block string // full entry text, heading included
}

// Parse reads a plan file and returns its items in document order.
// Lines inside HTML comments are ignored.
func Parse(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseLines(strings.Split(string(data), "\n")), nil
}

// commentLines marks line indices that are inside <!-- --> comments.
func commentLines(lines []string) []bool {
	inside := make([]bool, len(lines))
	open := false
	for i, line := range lines {
		if strings.Contains(line, "<!--") {
			open = true
		}
		if open {
			inside[i] = true
		}
		if strings.Contains(line, "-->") {
			open = false
		}
	}
	return inside
}

func parseLines(lines []string) []Item {
	var items []Item
	var cur *Item
	var curLines []string
	commented := commentLines(lines)

	flush := func() {
		if cur != nil {
			cur.Block = strings.Join(curLines, "\n")
			items = append(items, *cur)
		}
	}

	for i, line := range lines {
		if commented[i] {
			continue
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Item{ID: m[1], Title: m[2], Line: i + 1}
			curLines = []string{line}
			continue
		}
		if cur != nil {
			curLines = append(curLines, line)
			if m := doneRe.FindStringSubmatch(line); m != nil {
				cur.Done = strings.EqualFold(m[1], "x")
			}
		}
	}
	flush()
	return items
}

// NextPending returns the first item in document order whose done marker is
// unchecked, or nil when every item is done.
func NextPending(items []Item) *Item {
	for i := range items {
		if !items[i].Done {
			return &items[i]
		}
	}
	return nil
}

// MarkDone checks the done marker of the given item. Only the marker line is
// rewritten; the rest of the document is preserved byte for byte. Marking an
// already-done item is a no-op. Returns ErrNotFound for an unknown id.
func MarkDone(path, itemID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	commented := commentLines(lines)
	inBlock := false
	found := false
	for i, line := range lines {
		if commented[i] {
			continue
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			inBlock = m[1] == itemID
			if inBlock {
				found = true
			}
			continue
		}
		if inBlock {
			if m := doneRe.FindStringSubmatch(line); m != nil {
				if strings.EqualFold(m[1], "x") {
					return nil // already done, leave the file untouched
				}
				lines[i] = "Done: [x]"
				return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
			}
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	return fmt.Errorf("item %s has no done marker", itemID)
}

// Append adds a pre-formatted entry block to the end of the plan file.
func Append(path, block string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += block
	return os.WriteFile(path, []byte(content), 0o644)
}

// NextFixNumber returns the next free number for a fix entry in the given
// workstream, scanning existing COMMIT-<WS>-FIX-NNN ids.
func NextFixNumber(items []Item, wsID string) int {
	prefix := "COMMIT-" + wsID + "-FIX-"
	max := 0
	for _, it := range items {
		if !strings.HasPrefix(it.ID, prefix) {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(it.ID[len(prefix):], "%d", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

// FormatFixEntry renders a merge-gate fix entry block ready for Append.
func FormatFixEntry(wsID string, n int, title, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n### COMMIT-%s-FIX-%03d: %s\n\n", wsID, n, title)
	if body != "" {
		b.WriteString(strings.TrimSpace(body))
		b.WriteString("\n\n")
	}
	b.WriteString("Done: [ ]\n")
	return b.String()
}

// Preamble returns the document text before the first entry heading: the
// story title and description used as agent context.
func Preamble(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(data), "\n")
	commented := commentLines(lines)
	for i, line := range lines {
		if !commented[i] && headingRe.MatchString(line) {
			return strings.TrimSpace(strings.Join(lines[:i], "\n")), nil
		}
	}
	return strings.TrimSpace(string(data)), nil
}
