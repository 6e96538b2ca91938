// Package sandbox is the capability-limited execution boundary. The
// core only depends on Runner; how the payload is actually confined is
// the host's business.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes the payload behind ref and reports what it wrote to
// stdout plus any failure. Implementations must never let a payload
// failure escape as anything but the returned error.
type Runner interface {
	Run(ctx context.Context, ref string) (output string, err error)
}

// Subprocess runs the payload file through an interpreter in a child
// process. Argv is the interpreter command line; the payload path is
// appended as the final argument.
type Subprocess struct {
	Argv []string
}

func (s Subprocess) Run(ctx context.Context, ref string) (string, error) {
	argv := s.Argv
	if len(argv) == 0 {
		argv = []string{"/bin/sh"}
	}
	cmd := exec.CommandContext(ctx, argv[0], append(append([]string{}, argv[1:]...), ref)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.String(), fmt.Errorf("%v: %s", err, msg)
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}
