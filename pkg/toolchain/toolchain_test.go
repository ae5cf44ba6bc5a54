package toolchain

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func tempDir(t *testing.T) string {
	t.Helper()

	dir, err := ioutil.TempDir("", "slipway-toolchain")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestRun(t *testing.T) {
	dir := tempDir(t)

	err := Run(context.Background(), Invocation{
		Command: `echo "$SLIPWAY_TEST" > marker.txt`,
		Dir:     dir,
		Env:     map[string]string{"SLIPWAY_TEST": "ok"},
	})
	if err != nil {
		t.Fatal(err)
	}

	content, err := ioutil.ReadFile(filepath.Join(dir, "marker.txt"))
	if err != nil {
		t.Fatal(err)
	}

	if string(content) != "ok\n" {
		t.Errorf("got %q, want \"ok\\n\"", content)
	}
}

func TestRunFailure(t *testing.T) {
	dir := tempDir(t)

	err := Run(context.Background(), Invocation{
		Command: "false; touch should_not_exist.txt",
		Dir:     dir,
	})
	if err == nil {
		t.Fatal("expected the failing command to return an error")
	}

	// -e semantics: nothing after the failing command may run
	_, statErr := os.Stat(filepath.Join(dir, "should_not_exist.txt"))
	if !os.IsNotExist(statErr) {
		t.Error("commands after the failure were still executed")
	}
}

func TestRunBadSyntax(t *testing.T) {
	err := Run(context.Background(), Invocation{Command: "if then fi", Dir: "."})
	if err == nil {
		t.Fatal("expected a parse error")
	}
}
