// Package exec invokes external AI tool binaries on behalf of the
// worker agent.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts running an external tool command so the
// worker agent can be tested without real tool binaries.
type CommandRunner interface {
	// Run executes the named command in dir, feeding stdin to the
	// process, and returns its combined output.
	Run(ctx context.Context, dir, stdin, name string, args ...string) (string, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

// Run executes the command and returns trimmed combined output. On a
// non-zero exit the output is included in the error so the caller can
// report what the tool printed.
func (ExecRunner) Run(ctx context.Context, dir, stdin, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if err != nil {
		if ctx.Err() != nil {
			return out, fmt.Errorf("%s interrupted: %w", name, ctx.Err())
		}
		return out, fmt.Errorf("%s failed: %w: %s", name, err, out)
	}
	return out, nil
}

// LookPath reports whether the named tool binary is resolvable on
// PATH. Workers use it to filter their advertised capabilities.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
