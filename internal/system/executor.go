package system

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner is the boundary to external commands. Everything that talks to
// mount, losetup, qemu-nbd and friends goes through a Runner so the mount
// cascade can be exercised against a scripted implementation.
type Runner interface {
	// Run executes a command and discards output
	Run(name string, args ...string) error
	// RunOutput executes a command and returns stdout
	RunOutput(name string, args ...string) (string, error)
	// RunTimeout executes a command, killing it after the given timeout.
	// A timeout is reported as an ordinary command failure.
	RunTimeout(timeout time.Duration, name string, args ...string) (string, error)
	// CommandExists checks if a command is available in PATH
	CommandExists(name string) bool
}

// Executor runs external commands via os/exec
type Executor struct {
	debug bool
}

// NewExecutor creates a new executor
func NewExecutor(debug bool) *Executor {
	return &Executor{
		debug: debug,
	}
}

// Run executes a command and discards output
func (e *Executor) Run(name string, args ...string) error {
	_, err := e.RunOutput(name, args...)
	return err
}

// RunOutput executes a command and returns stdout
func (e *Executor) RunOutput(name string, args ...string) (string, error) {
	return e.runCmd(exec.Command(name, args...))
}

// RunTimeout executes a command with a bounded runtime
func (e *Executor) RunTimeout(timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := e.runCmd(exec.CommandContext(ctx, name, args...))
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%s timed out after %s", name, timeout)
	}
	return out, err
}

func (e *Executor) runCmd(cmd *exec.Cmd) (string, error) {
	if e.debug {
		fmt.Printf("[DEBUG] Executing: %s\n", cmd.String())
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return "", fmt.Errorf("%s failed: %w\nStderr: %s",
			cmd.Args[0], err, stderr.String())
	}

	return stdout.String(), nil
}

// CommandExists checks if a command is available in PATH
func (e *Executor) CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// CheckDependencies verifies required commands are available
func CheckDependencies(r Runner, deps []string) error {
	var missing []string
	for _, dep := range deps {
		if !r.CommandExists(dep) {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required commands: %s",
			strings.Join(missing, ", "))
	}
	return nil
}
