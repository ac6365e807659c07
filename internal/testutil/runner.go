// Package testutil provides a scripted system.Runner for exercising the
// mount cascade and reconciler without touching real devices.
package testutil

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Rule maps a command line to a scripted response. A rule matches when
// the joined command line starts with Prefix and contains Substr (empty
// fields always match). The first matching rule wins.
type Rule struct {
	Prefix string
	Substr string
	Output string
	Err    error
}

func (r Rule) matches(line string) bool {
	if r.Prefix != "" && !strings.HasPrefix(line, r.Prefix) {
		return false
	}
	if r.Substr != "" && !strings.Contains(line, r.Substr) {
		return false
	}
	return r.Prefix != "" || r.Substr != ""
}

// ScriptRunner implements system.Runner against a fixed script. Unmatched
// commands succeed with empty output, so scripts only need to spell out
// the failures and outputs a test cares about.
type ScriptRunner struct {
	mu      sync.Mutex
	Rules   []Rule
	Missing []string // command names reported as not installed

	calls []string
}

// Fail is a convenience rule-error for simulated command failures.
func Fail(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func (r *ScriptRunner) exec(name string, args ...string) (string, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	r.mu.Lock()
	r.calls = append(r.calls, line)
	rules := r.Rules
	r.mu.Unlock()

	for _, rule := range rules {
		if rule.matches(line) {
			return rule.Output, rule.Err
		}
	}
	return "", nil
}

// Run implements system.Runner.
func (r *ScriptRunner) Run(name string, args ...string) error {
	_, err := r.exec(name, args...)
	return err
}

// RunOutput implements system.Runner.
func (r *ScriptRunner) RunOutput(name string, args ...string) (string, error) {
	return r.exec(name, args...)
}

// RunTimeout implements system.Runner. The timeout is ignored; scripted
// commands complete immediately.
func (r *ScriptRunner) RunTimeout(_ time.Duration, name string, args ...string) (string, error) {
	return r.exec(name, args...)
}

// CommandExists implements system.Runner.
func (r *ScriptRunner) CommandExists(name string) bool {
	for _, m := range r.Missing {
		if m == name {
			return false
		}
	}
	return true
}

// Calls returns the command lines executed so far, in order.
func (r *ScriptRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Reset clears the recorded command lines.
func (r *ScriptRunner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
