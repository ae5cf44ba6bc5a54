// Package toolchain runs the external build command for a target. The
// toolchain itself stays opaque; only its exit status and output surface
// here.
package toolchain

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// Invocation is one fully expanded toolchain command.
type Invocation struct {
	// Command is a shell command line (the sh dialect handled by mvdan.cc/sh).
	Command string
	// Dir is the directory the command runs in.
	Dir string
	// Env entries override the inherited environment.
	Env map[string]string
}

func (inv Invocation) environ() expand.Environ {
	envVars := os.Environ()
	for name, value := range inv.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
	}

	return expand.ListEnviron(envVars...)
}

// Run executes the invocation and streams its output to stdout/stderr. A
// failing command returns the interpreter's error unchanged so callers can
// inspect the exit status.
func Run(ctx context.Context, inv Invocation) error {
	parser := syntax.NewParser()
	prog, err := parser.Parse(strings.NewReader(inv.Command), "build command")
	if err != nil {
		return eris.Wrapf(err, "failed to parse build command %s", inv.Command)
	}

	runner, err := interp.New(
		interp.Dir(inv.Dir),
		interp.Env(inv.environ()),
		interp.StdIO(nil, os.Stdout, os.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	for _, stmt := range prog.Stmts {
		err = runner.Run(ctx, stmt)
		if err != nil {
			return err
		}

		if runner.Exited() {
			break
		}
	}

	return nil
}
