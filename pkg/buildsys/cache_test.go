package buildsys

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
)

func writeCacheFixture(t *testing.T) (string, string) {
	t.Helper()

	dir, err := ioutil.TempDir("", "slipway-cache")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	script := filepath.Join(dir, "build.star")
	err = ioutil.WriteFile(script, []byte("def configure():\n    pass\n"), 0660)
	if err != nil {
		t.Fatal(err)
	}

	return filepath.Join(dir, ".slipway.cache"), script
}

func TestCacheRoundTrip(t *testing.T) {
	cachePath, script := writeCacheFixture(t)

	tasks := TaskList{
		"emit": {
			Short: "emit",
			Desc:  "writes a marker file",
			Base:  ".",
			Cmds:  []TaskCmd{TaskCmdScript{Content: "echo hi"}},
		},
	}
	options := map[string]string{"profile": "debug"}

	err := WriteCache(cachePath, script, options, tasks)
	if err != nil {
		t.Fatal(err)
	}

	gotOptions, gotTasks, err := ReadCache(cachePath, script)
	if err != nil {
		t.Fatal(err)
	}

	if gotOptions["profile"] != "debug" {
		t.Errorf("got options %v, want profile=debug", gotOptions)
	}

	emit, ok := gotTasks["emit"]
	if !ok {
		t.Fatal("task emit missing after round trip")
	}
	if emit.Desc != "writes a marker file" {
		t.Errorf("got desc %q", emit.Desc)
	}
	if len(emit.Cmds) != 1 {
		t.Fatalf("got %d commands, want 1", len(emit.Cmds))
	}
}

func TestCacheStaleAfterScriptChange(t *testing.T) {
	cachePath, script := writeCacheFixture(t)

	err := WriteCache(cachePath, script, map[string]string{}, TaskList{})
	if err != nil {
		t.Fatal(err)
	}

	err = ioutil.WriteFile(script, []byte("def configure():\n    task(\"new\", cmds = [])\n"), 0660)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = ReadCache(cachePath, script)
	if !eris.Is(err, ErrStaleCache) {
		t.Fatalf("got %v, want ErrStaleCache", err)
	}
}
