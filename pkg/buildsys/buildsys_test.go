package buildsys

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
)

func testCtx() context.Context {
	logger := zerolog.Nop()
	return WithLogger(context.Background(), &logger)
}

func writeScript(t *testing.T, content string) (string, string) {
	t.Helper()

	dir, err := ioutil.TempDir("", "slipway-buildsys")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	script := filepath.Join(dir, "build.star")
	err = ioutil.WriteFile(script, []byte(content), 0660)
	if err != nil {
		t.Fatal(err)
	}

	return dir, script
}

func TestParseCollectsTasksAndOptions(t *testing.T) {
	dir, script := writeScript(t, `
profile = option("profile", default = "release", help = "build profile")

def configure():
    prep = task(
        "prepare",
        desc = "creates the output directory",
        cmds = ["mkdir -p out"],
    )

    task(
        "emit",
        desc = "writes the profile name",
        deps = ["prepare"],
        cmds = [("echo", profile)],
    )
`)

	tasks, options, err := Parse(testCtx(), script, dir, map[string]string{}, true)
	if err != nil {
		t.Fatal(err)
	}

	opt, ok := options["profile"]
	if !ok {
		t.Fatal("option profile was not declared")
	}
	if opt.Default() != "release" {
		t.Errorf("got default %q, want release", opt.Default())
	}

	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}

	emit, ok := tasks["emit"]
	if !ok {
		t.Fatal("task emit missing")
	}
	if len(emit.Deps) != 1 || emit.Deps[0] != "prepare" {
		t.Errorf("got deps %v, want [prepare]", emit.Deps)
	}
}

func TestParseRejectsReservedTaskName(t *testing.T) {
	dir, script := writeScript(t, `
def configure():
    task("configure", cmds = [])
`)

	_, _, err := Parse(testCtx(), script, dir, map[string]string{}, true)
	if err == nil {
		t.Fatal("expected an error for the reserved task name")
	}
}

func TestRunTaskExecutesShellCommands(t *testing.T) {
	dir, script := writeScript(t, `
def configure():
    task(
        "emit",
        desc = "writes a marker file",
        env = {"MARKER": "done"},
        cmds = ["echo $MARKER > result.txt"],
    )
`)

	ctx := testCtx()
	tasks, _, err := Parse(ctx, script, dir, map[string]string{}, true)
	if err != nil {
		t.Fatal(err)
	}

	err = RunTask(ctx, dir, "emit", tasks, false, false)
	if err != nil {
		t.Fatal(err)
	}

	content, err := ioutil.ReadFile(filepath.Join(dir, "result.txt"))
	if err != nil {
		t.Fatal(err)
	}

	if strings.TrimSpace(string(content)) != "done" {
		t.Errorf("got %q, want done", string(content))
	}
}

func TestRunTaskDryRun(t *testing.T) {
	dir, script := writeScript(t, `
def configure():
    task("emit", desc = "writes a marker file", cmds = ["echo x > result.txt"])
`)

	ctx := testCtx()
	tasks, _, err := Parse(ctx, script, dir, map[string]string{}, true)
	if err != nil {
		t.Fatal(err)
	}

	err = RunTask(ctx, dir, "emit", tasks, true, false)
	if err != nil {
		t.Fatal(err)
	}

	_, err = os.Stat(filepath.Join(dir, "result.txt"))
	if !os.IsNotExist(err) {
		t.Error("dry run should not create result.txt")
	}
}

func TestRunTaskStopsOnFailure(t *testing.T) {
	dir, script := writeScript(t, `
def configure():
    task(
        "broken",
        desc = "fails halfway",
        cmds = [
            "echo first > first.txt",
            "false",
            "echo second > second.txt",
        ],
    )
`)

	ctx := testCtx()
	tasks, _, err := Parse(ctx, script, dir, map[string]string{}, true)
	if err != nil {
		t.Fatal(err)
	}

	err = RunTask(ctx, dir, "broken", tasks, false, false)
	if err == nil {
		t.Fatal("expected the failing command to abort the task")
	}

	if _, err := os.Stat(filepath.Join(dir, "first.txt")); err != nil {
		t.Error("the first command should have run")
	}

	if _, err := os.Stat(filepath.Join(dir, "second.txt")); err == nil {
		t.Error("commands after the failure should not run")
	}
}

func TestReadYamlCachesDocuments(t *testing.T) {
	dir, script := writeScript(t, "")

	valuesPath := filepath.Join(dir, "values.yml")
	err := ioutil.WriteFile(valuesPath, []byte("name: stable\n"), 0660)
	if err != nil {
		t.Fatal(err)
	}

	pctx := &parserCtx{
		ctx:          testCtx(),
		filepath:     script,
		projectRoot:  dir,
		envOverrides: map[string]string{},
		yamlCache:    map[string]interface{}{},
	}
	thread := &starlark.Thread{Name: "test"}
	thread.SetLocal("parserCtx", pctx)

	fn := starlark.NewBuiltin("read_yaml", readYaml)
	args := starlark.Tuple{starlark.String("values.yml"), starlark.String("name")}

	first, err := readYaml(thread, fn, args, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != starlark.String("stable") {
		t.Fatalf("got %v, want stable", first)
	}

	// the second read has to come from the cache
	err = os.Remove(valuesPath)
	if err != nil {
		t.Fatal(err)
	}

	second, err := readYaml(thread, fn, args, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second != starlark.String("stable") {
		t.Fatalf("got %v, want the cached value", second)
	}
}

func TestTargetsBuiltin(t *testing.T) {
	dir, script := writeScript(t, `
matrix = targets()

def configure():
    for name in sorted(matrix):
        entry = matrix[name]
        task("show-" + entry["key"], desc = entry["triple"], cmds = [("echo", entry["lib_file"])])
`)

	err := ioutil.WriteFile(filepath.Join(dir, "targets.yml"), []byte(`lib: wallet_ffi
targets:
  android-arm64:
    triple: aarch64-linux-android
    build: make
`), 0660)
	if err != nil {
		t.Fatal(err)
	}

	tasks, _, err := Parse(testCtx(), script, dir, map[string]string{}, true)
	if err != nil {
		t.Fatal(err)
	}

	show, ok := tasks["show-arm64-v8a"]
	if !ok {
		t.Fatalf("expected a task per target, got %v", tasks)
	}
	if show.Desc != "aarch64-linux-android" {
		t.Errorf("got desc %q, want the triple", show.Desc)
	}
}

func TestRunTaskRejectsRecursion(t *testing.T) {
	dir, script := writeScript(t, `
def configure():
    task("loop", desc = "depends on itself", deps = ["loop"], cmds = ["echo never"])
`)

	ctx := testCtx()
	tasks, _, err := Parse(ctx, script, dir, map[string]string{}, true)
	if err != nil {
		t.Fatal(err)
	}

	err = RunTask(ctx, dir, "loop", tasks, false, false)
	if err == nil {
		t.Fatal("expected an error for the dependency cycle")
	}
	if !strings.Contains(err.Error(), "recursively") {
		t.Errorf("got %v, want a recursion error", err)
	}
}

func TestRunTaskUpToDateOutputs(t *testing.T) {
	dir, script := writeScript(t, `
def configure():
    task(
        "emit",
        desc = "would fail if it ever ran",
        inputs = ["in.txt"],
        outputs = ["out.txt"],
        cmds = ["false"],
    )
`)

	err := ioutil.WriteFile(filepath.Join(dir, "in.txt"), []byte("input"), 0660)
	if err != nil {
		t.Fatal(err)
	}

	outPath := filepath.Join(dir, "out.txt")
	err = ioutil.WriteFile(outPath, []byte("output"), 0660)
	if err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour)
	err = os.Chtimes(outPath, future, future)
	if err != nil {
		t.Fatal(err)
	}

	ctx := testCtx()
	tasks, _, err := Parse(ctx, script, dir, map[string]string{}, true)
	if err != nil {
		t.Fatal(err)
	}

	err = RunTask(ctx, dir, "emit", tasks, false, false)
	if err != nil {
		t.Errorf("the task should have been skipped, got %v", err)
	}

	// a missing output forces a rebuild even though the remaining output is newer
	err = os.Remove(outPath)
	if err != nil {
		t.Fatal(err)
	}

	err = RunTask(ctx, dir, "emit", tasks, false, false)
	if err == nil {
		t.Error("expected the task to run (and fail) after the output was removed")
	}
}
