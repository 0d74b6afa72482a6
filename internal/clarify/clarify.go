// Package clarify stores agent questions awaiting human answers.
//
// A clarification lives under <workstream>/clarifications/ as a JSON record
// plus a human-readable markdown twin. Pending questions sit in pending/ and
// move to answered/ once a human responds. Blocking questions halt the
// workstream; non-blocking ones ride along as context.
package clarify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Clarification is one question raised by an agent.
type Clarification struct {
	ID       string    `json:"id"`
	ItemID   string    `json:"item_id,omitempty"`
	Question string    `json:"question"`
	Context  string    `json:"context,omitempty"`
	Blocking bool      `json:"blocking"`
	Stale    bool      `json:"stale,omitempty"`
	Asked    time.Time `json:"asked"`

	Answer     string    `json:"answer,omitempty"`
	AnsweredAt time.Time `json:"answered_at,omitempty"`
}

// Store manages the clarifications tree for one workstream.
type Store struct {
	Dir string // the clarifications/ directory
}

func (s *Store) pendingDir() string  { return filepath.Join(s.Dir, "pending") }
func (s *Store) answeredDir() string { return filepath.Join(s.Dir, "answered") }

// Create writes a new pending clarification, allocating the next CLQ-NNN id.
func (s *Store) Create(c Clarification) (*Clarification, error) {
	if strings.TrimSpace(c.Question) == "" {
		return nil, fmt.Errorf("clarification question is empty")
	}
	if err := os.MkdirAll(s.pendingDir(), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.answeredDir(), 0o755); err != nil {
		return nil, err
	}
	n, err := s.nextNumber()
	if err != nil {
		return nil, err
	}
	c.ID = fmt.Sprintf("CLQ-%03d", n)
	c.Asked = time.Now().UTC()
	if err := s.write(s.pendingDir(), c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Pending returns all unanswered clarifications, sorted by id.
func (s *Store) Pending() ([]Clarification, error) {
	return s.readDir(s.pendingDir())
}

// Answered returns all answered clarifications, sorted by id.
func (s *Store) Answered() ([]Clarification, error) {
	return s.readDir(s.answeredDir())
}

// Blocking returns pending clarifications that halt the workstream.
// Stale questions no longer block.
func (s *Store) Blocking() ([]Clarification, error) {
	pending, err := s.Pending()
	if err != nil {
		return nil, err
	}
	var out []Clarification
	for _, c := range pending {
		if c.Blocking && !c.Stale {
			out = append(out, c)
		}
	}
	return out, nil
}

// Get looks up a clarification by id in pending first, then answered.
func (s *Store) Get(id string) (*Clarification, bool, error) {
	for _, dir := range []string{s.pendingDir(), s.answeredDir()} {
		c, err := s.read(filepath.Join(dir, id+".json"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, false, err
		}
		return c, dir == s.pendingDir(), nil
	}
	return nil, false, fmt.Errorf("clarification %s not found", id)
}

// Answer records a human answer and moves the record to answered/.
func (s *Store) Answer(id, answer string) (*Clarification, error) {
	path := filepath.Join(s.pendingDir(), id+".json")
	c, err := s.read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("clarification %s is not pending", id)
		}
		return nil, err
	}
	c.Answer = answer
	c.AnsweredAt = time.Now().UTC()
	if err := s.write(s.answeredDir(), *c); err != nil {
		return nil, err
	}
	os.Remove(path)
	os.Remove(filepath.Join(s.pendingDir(), id+".md"))
	return c, nil
}

// MarkStale flags a pending question as no longer relevant. It stays pending
// for the record but stops blocking.
func (s *Store) MarkStale(id string) error {
	path := filepath.Join(s.pendingDir(), id+".json")
	c, err := s.read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("clarification %s is not pending", id)
		}
		return err
	}
	c.Stale = true
	return s.write(s.pendingDir(), *c)
}

// AnsweredContext renders recently answered questions as prompt context.
func (s *Store) AnsweredContext() (string, error) {
	answered, err := s.Answered()
	if err != nil || len(answered) == 0 {
		return "", err
	}
	var b strings.Builder
	for _, c := range answered {
		fmt.Fprintf(&b, "Q (%s): %s\nA: %s\n\n", c.ID, c.Question, c.Answer)
	}
	return strings.TrimSpace(b.String()), nil
}

func (s *Store) nextNumber() (int, error) {
	max := 0
	for _, dir := range []string{s.pendingDir(), s.answeredDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		for _, e := range entries {
			var n int
			if _, err := fmt.Sscanf(e.Name(), "CLQ-%d.json", &n); err == nil && n > max {
				max = n
			}
		}
	}
	return max + 1, nil
}

func (s *Store) read(path string) (*Clarification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Clarification
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

func (s *Store) readDir(dir string) ([]Clarification, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Clarification
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		c, err := s.read(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) write(dir string, c Clarification) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, c.ID+".json"), append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, c.ID+".md"), []byte(c.markdown()), 0o644)
}

func (c Clarification) markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.ID)
	if c.ItemID != "" {
		fmt.Fprintf(&b, "Item: %s\n", c.ItemID)
	}
	fmt.Fprintf(&b, "Blocking: %v\nAsked: %s\n\n## Question\n\n%s\n", c.Blocking, c.Asked.Format(time.RFC3339), c.Question)
	if c.Context != "" {
		fmt.Fprintf(&b, "\n## Context\n\n%s\n", c.Context)
	}
	if c.Answer != "" {
		fmt.Fprintf(&b, "\n## Answer\n\n%s\n", c.Answer)
	}
	return b.String()
}
