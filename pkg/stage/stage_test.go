package stage

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func tempDir(t *testing.T) string {
	t.Helper()

	dir, err := ioutil.TempDir("", "slipway-stage")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func writeArtifact(t *testing.T, dir, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	err := ioutil.WriteFile(path, content, 0660)
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStage(t *testing.T) {
	dir := tempDir(t)
	content := bytes.Repeat([]byte("shared library bytes "), 1024)
	artifact := writeArtifact(t, dir, "libwallet_ffi.so", content)

	destDir := filepath.Join(dir, "platforms", "arm64-v8a")
	entry, err := Stage(artifact, destDir)
	if err != nil {
		t.Fatal(err)
	}

	staged, err := ioutil.ReadFile(filepath.Join(destDir, "libwallet_ffi.so"))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(staged, content) {
		t.Error("staged copy differs from the artifact")
	}

	wantDigest, wantSize, err := FileDigest(artifact)
	if err != nil {
		t.Fatal(err)
	}

	if entry.Sha256 != wantDigest {
		t.Errorf("got digest %s, want %s", entry.Sha256, wantDigest)
	}
	if entry.Size != wantSize {
		t.Errorf("got size %d, want %d", entry.Size, wantSize)
	}
}

func TestStageMissingArtifact(t *testing.T) {
	dir := tempDir(t)
	destDir := filepath.Join(dir, "platforms", "arm64-v8a")

	_, err := Stage(filepath.Join(dir, "libmissing.so"), destDir)
	if err == nil {
		t.Fatal("expected an error for a missing artifact")
	}

	// a failed staging attempt must not create the destination directory
	_, statErr := os.Stat(destDir)
	if !os.IsNotExist(statErr) {
		t.Error("destination directory was created even though staging failed")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "manifest.json")

	manifest, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest) != 0 {
		t.Fatalf("expected an empty manifest, got %d entries", len(manifest))
	}

	manifest["aarch64-linux-android"] = Entry{
		Triple:  "aarch64-linux-android",
		Profile: "release",
		Sha256:  "abc",
		Size:    42,
	}

	err = SaveManifest(path, manifest)
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}

	entry, ok := loaded["aarch64-linux-android"]
	if !ok {
		t.Fatal("staged entry missing after reload")
	}
	if entry.Sha256 != "abc" || entry.Size != 42 || entry.Profile != "release" {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestMerge(t *testing.T) {
	a := Manifest{
		"aarch64-linux-android": {Triple: "aarch64-linux-android", Sha256: "old"},
	}
	b := Manifest{
		"aarch64-linux-android":    {Triple: "aarch64-linux-android", Sha256: "new"},
		"x86_64-unknown-linux-gnu": {Triple: "x86_64-unknown-linux-gnu", Sha256: "x"},
	}

	merged := Merge(a, b)
	if len(merged) != 2 {
		t.Fatalf("got %d entries, want 2", len(merged))
	}
	if merged["aarch64-linux-android"].Sha256 != "new" {
		t.Error("later manifest entry should win")
	}
}
