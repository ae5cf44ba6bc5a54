package cmd

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/slipway-dev/slipway/pkg/config"
	"github.com/slipway-dev/slipway/pkg/stage"
)

// fakeBuild only uses shell builtins so the tests don't depend on any real
// toolchain being installed.
const fakeBuild = "echo artifact > build/{TRIPLE}/{PROFILE}/{LIB_FILE}"

func matrixRoot(t *testing.T) string {
	t.Helper()

	root, err := ioutil.TempDir("", "slipway-matrix")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })

	return root
}

func matrixConfig(targets map[string]config.Target) config.Config {
	return config.Config{
		Lib:      "wallet_ffi",
		Source:   ".",
		BuildDir: "build",
		DestRoot: "platforms",
		Vars:     map[string]string{},
		Targets:  targets,
	}
}

func prepareBuildDir(t *testing.T, root, triple, profile string) {
	t.Helper()

	err := os.MkdirAll(filepath.Join(root, "build", triple, profile), 0770)
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunMatrixStagesArtifacts(t *testing.T) {
	root := matrixRoot(t)
	cfg := matrixConfig(map[string]config.Target{
		"android-arm64": {Triple: "aarch64-linux-android", Build: fakeBuild},
	})
	prepareBuildDir(t, root, "aarch64-linux-android", "release")

	err := runMatrix(context.Background(), root, cfg, nil, "release", false, false)
	if err != nil {
		t.Fatal(err)
	}

	staged := filepath.Join(root, "platforms", "arm64-v8a", "libwallet_ffi.so")
	if _, err := os.Stat(staged); err != nil {
		t.Fatalf("expected %s to be staged: %v", staged, err)
	}

	manifest, err := stage.LoadManifest(filepath.Join(root, "platforms", "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}

	entry, ok := manifest["aarch64-linux-android"]
	if !ok {
		t.Fatal("manifest is missing the built triple")
	}
	if entry.Profile != "release" {
		t.Errorf("got profile %q, want release", entry.Profile)
	}
}

func TestRunMatrixStopsOnFailure(t *testing.T) {
	root := matrixRoot(t)
	cfg := matrixConfig(map[string]config.Target{
		"a-broken": {Triple: "aarch64-linux-android", Build: "false"},
		"b-linux":  {Triple: "x86_64-unknown-linux-gnu", Build: fakeBuild},
	})
	prepareBuildDir(t, root, "x86_64-unknown-linux-gnu", "release")

	err := runMatrix(context.Background(), root, cfg, nil, "release", false, false)
	if err == nil {
		t.Fatal("expected the failing target to abort the run")
	}

	// targets run in sorted order, so nothing after a-broken may have staged
	if _, err := os.Stat(filepath.Join(root, "platforms")); !os.IsNotExist(err) {
		t.Error("no artifact should have been staged after the failure")
	}
}

func TestRunMatrixDryRun(t *testing.T) {
	root := matrixRoot(t)
	cfg := matrixConfig(map[string]config.Target{
		"android-arm64": {Triple: "aarch64-linux-android", Build: fakeBuild},
	})
	prepareBuildDir(t, root, "aarch64-linux-android", "release")

	err := runMatrix(context.Background(), root, cfg, nil, "release", true, false)
	if err != nil {
		t.Fatal(err)
	}

	artifact := filepath.Join(root, "build", "aarch64-linux-android", "release", "libwallet_ffi.so")
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Error("a dry run should not execute the build command")
	}

	if _, err := os.Stat(filepath.Join(root, "platforms")); !os.IsNotExist(err) {
		t.Error("a dry run should not create the platform tree")
	}
}

func TestRunMatrixSkipsDisabledTargets(t *testing.T) {
	root := matrixRoot(t)
	cfg := matrixConfig(map[string]config.Target{
		"android-arm64": {Triple: "aarch64-linux-android", Build: fakeBuild, Condition: "neverset"},
	})

	err := runMatrix(context.Background(), root, cfg, nil, "release", false, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(root, "platforms")); !os.IsNotExist(err) {
		t.Error("a disabled target should not stage anything")
	}
}

func TestRunMatrixUnknownTarget(t *testing.T) {
	root := matrixRoot(t)
	cfg := matrixConfig(map[string]config.Target{})

	err := runMatrix(context.Background(), root, cfg, []string{"nope"}, "release", false, false)
	if err == nil {
		t.Fatal("expected an error for an unknown target name")
	}
}

func TestRunMatrixSkipsUnchangedArtifacts(t *testing.T) {
	root := matrixRoot(t)
	cfg := matrixConfig(map[string]config.Target{
		"android-arm64": {Triple: "aarch64-linux-android", Build: fakeBuild},
	})
	prepareBuildDir(t, root, "aarch64-linux-android", "release")

	err := runMatrix(context.Background(), root, cfg, nil, "release", false, false)
	if err != nil {
		t.Fatal(err)
	}

	manifestPath := filepath.Join(root, "platforms", "manifest.json")
	first, err := stage.LoadManifest(manifestPath)
	if err != nil {
		t.Fatal(err)
	}

	err = runMatrix(context.Background(), root, cfg, nil, "release", false, false)
	if err != nil {
		t.Fatal(err)
	}

	second, err := stage.LoadManifest(manifestPath)
	if err != nil {
		t.Fatal(err)
	}

	if !first["aarch64-linux-android"].StagedAt.Equal(second["aarch64-linux-android"].StagedAt) {
		t.Error("an unchanged artifact should not be staged again")
	}
}
