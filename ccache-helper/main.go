// ccache-helper wraps the cross compiler named in CROSS_CC with ccache.
// Build scripts point the toolchain's CC at this binary when ccache is
// available but the toolchain insists on a single compiler executable.
package main

import (
	"os"
	"os/exec"
)

func main() {
	cc := os.Getenv("CROSS_CC")
	if cc == "" {
		os.Stderr.WriteString("CROSS_CC is not set\n")
		os.Exit(1)
	}

	cmd := exec.Command("ccache")
	cmd.Args = append([]string{"ccache", cc}, os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		panic(err)
	}
}
