package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Env files are KEY=value, one per line, with # comments. They are parsed
// without any shell involvement; values that could smuggle shell syntax into
// a later command line are rejected outright.

var keyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// forbiddenValuePatterns are substrings that would enable injection if a value
// ever reached a shell: backticks, substitution, expansion, chaining, pipes.
var forbiddenValuePatterns = []string{"`", "$(", "${", ";", "&&", "||", "|"}

// ParseEnv parses restricted env-file content into a map.
func ParseEnv(content string) (map[string]string, error) {
	result := make(map[string]string)
	for lineno, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("line %d: invalid syntax (no '=')", lineno+1)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !keyPattern.MatchString(key) {
			return nil, fmt.Errorf("line %d: invalid key %q", lineno+1, key)
		}
		value = stripQuotes(value)
		for _, pat := range forbiddenValuePatterns {
			if strings.Contains(value, pat) {
				return nil, fmt.Errorf("line %d: forbidden pattern %q in value", lineno+1, pat)
			}
		}
		result[key] = value
	}
	return result, nil
}

// LoadEnv reads and parses an env file.
func LoadEnv(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	env, err := ParseEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return env, nil
}

func stripQuotes(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// UpdateEnvFile rewrites an env file in place, setting or replacing the given
// keys while preserving line order, comments, and unrelated entries. A nil
// value deletes the key.
func UpdateEnvFile(path string, updates map[string]*string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	seen := make(map[string]bool)
	var out []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out = append(out, line)
			continue
		}
		key, _, found := strings.Cut(trimmed, "=")
		key = strings.TrimSpace(key)
		if !found {
			out = append(out, line)
			continue
		}
		if v, ok := updates[key]; ok {
			seen[key] = true
			if v == nil {
				continue
			}
			out = append(out, fmt.Sprintf("%s=%q", key, *v))
			continue
		}
		out = append(out, line)
	}
	for key, v := range updates {
		if seen[key] || v == nil {
			continue
		}
		out = append(out, fmt.Sprintf("%s=%q", key, *v))
	}
	return os.WriteFile(path, []byte(strings.Join(out, "\n")+"\n"), 0o644)
}

// String returns a pointer to s, for UpdateEnvFile values.
func String(s string) *string { return &s }
