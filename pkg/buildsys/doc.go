// Package buildsys implements a small build system based on Starlark for the
// task specification and mvdan.cc/sh for the shell runtime.
// Build scripts declare the cross-compile and staging tasks for a project;
// the runner takes care of dependency ordering and up-to-date checks.
package buildsys
