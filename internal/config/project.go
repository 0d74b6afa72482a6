package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type opsKey struct{}

// WithOps returns a context carrying the resolved ops directory so every
// subcommand reads the same root.
func WithOps(ctx context.Context, ops string) context.Context {
	return context.WithValue(ctx, opsKey{}, ops)
}

// MustOpsFrom returns the ops directory stored by WithOps. Commands only run
// under the root command's pre-run hook, so an empty value is a programming
// error.
func MustOpsFrom(ctx context.Context) string {
	ops, _ := ctx.Value(opsKey{}).(string)
	if ops == "" {
		panic("ops directory not resolved")
	}
	return ops
}

// ResolveOps picks the operations directory: the --ops flag wins, then
// CONVEYOR_OPS, then ~/.conveyor.
func ResolveOps(flag string) (string, error) {
	for _, dir := range []string{flag, os.Getenv("CONVEYOR_OPS")} {
		if dir != "" {
			return filepath.Clean(dir), nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".conveyor"), nil
}

// Autonomy levels for the human-review gate.
const (
	AutonomySupervised = "supervised"
	AutonomyGatekeeper = "gatekeeper"
	AutonomyAutonomous = "autonomous"
)

// Project is the project-level configuration from project.env.
type Project struct {
	Name          string
	RepoPath      string
	DefaultBranch string
}

// Meta is optional richer project context from project.yaml, injected into
// agent prompts.
type Meta struct {
	Description string `yaml:"description"`
	Tech        struct {
		Preferred  string `yaml:"preferred"`
		Acceptable string `yaml:"acceptable"`
		Avoid      string `yaml:"avoid"`
	} `yaml:"tech"`
	SensitivePaths []string `yaml:"sensitive_paths"`
}

// Profile is the build/test/agent configuration from project_profile.env.
type Profile struct {
	BuildCmd     string
	TestCmd      string
	MergeTestCmd string

	ImplementerCmd []string
	ReviewerCmd    []string

	ImplementTimeout time.Duration
	ReviewTimeout    time.Duration
	TestTimeout      time.Duration
	BreakdownTimeout time.Duration

	MaxAttempts  int
	MaxFixRounds int

	Autonomy            string
	ConfidenceThreshold float64
	SensitiveThreshold  float64

	LockTimeout       time.Duration
	GlobalLockTimeout time.Duration
}

// DefaultProfile returns the profile used when project_profile.env is absent.
func DefaultProfile() Profile {
	return Profile{
		TestCmd:             "make test",
		ImplementerCmd:      []string{"codex", "exec", "--full-auto"},
		ReviewerCmd:         []string{"claude", "--output-format", "json", "--dangerously-skip-permissions", "-p"},
		ImplementTimeout:    600 * time.Second,
		ReviewTimeout:       120 * time.Second,
		TestTimeout:         300 * time.Second,
		BreakdownTimeout:    180 * time.Second,
		MaxAttempts:         3,
		MaxFixRounds:        3,
		Autonomy:            AutonomySupervised,
		ConfidenceThreshold: 0.8,
		SensitiveThreshold:  0.95,
		LockTimeout:         60 * time.Second,
		GlobalLockTimeout:   600 * time.Second,
	}
}

// LoadProject loads project.env from the ops directory.
func LoadProject(ops string) (Project, error) {
	env, err := LoadEnv(filepath.Join(ops, "project.env"))
	if err != nil {
		return Project{}, err
	}
	name := env["PROJECT_NAME"]
	repo := env["REPO_PATH"]
	if name == "" || repo == "" {
		return Project{}, fmt.Errorf("project.env: PROJECT_NAME and REPO_PATH are required")
	}
	branch := env["DEFAULT_BRANCH"]
	if branch == "" {
		branch = "main"
	}
	return Project{Name: name, RepoPath: repo, DefaultBranch: branch}, nil
}

// LoadMeta loads project.yaml if present. A missing file is not an error.
func LoadMeta(ops string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(ops, "project.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, nil
		}
		return Meta{}, err
	}
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("project.yaml: %w", err)
	}
	return m, nil
}

// LoadProfile loads project_profile.env, falling back to defaults for any
// missing key. A missing file yields DefaultProfile.
func LoadProfile(ops string) (Profile, error) {
	p := DefaultProfile()
	env, err := LoadEnv(filepath.Join(ops, "project_profile.env"))
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return Profile{}, err
	}
	if v := env["BUILD_CMD"]; v != "" {
		p.BuildCmd = v
	}
	if v := env["TEST_CMD"]; v != "" {
		p.TestCmd = v
	}
	if v := env["MERGE_TEST_CMD"]; v != "" {
		p.MergeTestCmd = v
	}
	if v := env["IMPLEMENTER_CMD"]; v != "" {
		p.ImplementerCmd = strings.Fields(v)
	}
	if v := env["REVIEWER_CMD"]; v != "" {
		p.ReviewerCmd = strings.Fields(v)
	}
	if d, err := envSeconds(env, "IMPLEMENT_TIMEOUT"); err != nil {
		return Profile{}, err
	} else if d > 0 {
		p.ImplementTimeout = d
	}
	if d, err := envSeconds(env, "REVIEW_TIMEOUT"); err != nil {
		return Profile{}, err
	} else if d > 0 {
		p.ReviewTimeout = d
	}
	if d, err := envSeconds(env, "TEST_TIMEOUT"); err != nil {
		return Profile{}, err
	} else if d > 0 {
		p.TestTimeout = d
	}
	if d, err := envSeconds(env, "BREAKDOWN_TIMEOUT"); err != nil {
		return Profile{}, err
	} else if d > 0 {
		p.BreakdownTimeout = d
	}
	if d, err := envSeconds(env, "LOCK_TIMEOUT"); err != nil {
		return Profile{}, err
	} else if d > 0 {
		p.LockTimeout = d
	}
	if d, err := envSeconds(env, "GLOBAL_LOCK_TIMEOUT"); err != nil {
		return Profile{}, err
	} else if d > 0 {
		p.GlobalLockTimeout = d
	}
	if v := env["MAX_ATTEMPTS"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Profile{}, fmt.Errorf("MAX_ATTEMPTS: invalid value %q", v)
		}
		p.MaxAttempts = n
	}
	if v := env["MAX_FIX_ROUNDS"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Profile{}, fmt.Errorf("MAX_FIX_ROUNDS: invalid value %q", v)
		}
		p.MaxFixRounds = n
	}
	if v := env["AUTONOMY"]; v != "" {
		switch v {
		case AutonomySupervised, AutonomyGatekeeper, AutonomyAutonomous:
			p.Autonomy = v
		default:
			return Profile{}, fmt.Errorf("AUTONOMY: unknown level %q", v)
		}
	}
	if v := env["CONFIDENCE_THRESHOLD"]; v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return Profile{}, fmt.Errorf("CONFIDENCE_THRESHOLD: invalid value %q", v)
		}
		p.ConfidenceThreshold = f
	}
	if v := env["SENSITIVE_THRESHOLD"]; v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return Profile{}, fmt.Errorf("SENSITIVE_THRESHOLD: invalid value %q", v)
		}
		p.SensitiveThreshold = f
	}
	return p, nil
}

// MergeGateTestCmd returns the full-suite command for the merge gate,
// defaulting to the per-item test command.
func (p Profile) MergeGateTestCmd() string {
	if p.MergeTestCmd != "" {
		return p.MergeTestCmd
	}
	return p.TestCmd
}

func envSeconds(env map[string]string, key string) (time.Duration, error) {
	v := env[key]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: invalid value %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}
