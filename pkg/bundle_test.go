package pkg

import (
	"bytes"
	"crypto/sha256"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestBundleRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "slipway-bundle")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	bundlePath := filepath.Join(dir, "release.slab")
	writer, err := NewBundleWriter(bundlePath)
	if err != nil {
		t.Fatal(err)
	}

	libContent := bytes.Repeat([]byte{0x7f, 'E', 'L', 'F'}, 2048)
	manifestContent := []byte(`{"triple":"aarch64-linux-android"}`)

	err = writer.OpenDirectory("arm64-v8a")
	if err != nil {
		t.Fatal(err)
	}
	err = writer.WriteFile("libwallet_ffi.so", bytes.NewReader(libContent))
	if err != nil {
		t.Fatal(err)
	}
	err = writer.CloseDirectory()
	if err != nil {
		t.Fatal(err)
	}

	err = writer.WriteFile("manifest.json", bytes.NewReader(manifestContent))
	if err != nil {
		t.Fatal(err)
	}

	err = writer.Close()
	if err != nil {
		t.Fatal(err)
	}

	index, err := ReadBundleIndex(bundlePath)
	if err != nil {
		t.Fatal(err)
	}

	if len(index) != 2 {
		t.Fatalf("got %d index entries, want 2", len(index))
	}

	lib, ok := index["arm64-v8a/libwallet_ffi.so"]
	if !ok {
		t.Fatal("arm64-v8a/libwallet_ffi.so missing from the index")
	}

	if lib.DecSize != int32(len(libContent)) {
		t.Errorf("got decompressed size %d, want %d", lib.DecSize, len(libContent))
	}

	wantDigest := sha256.Sum256(libContent)
	if lib.Sha256 != wantDigest {
		t.Error("stored digest does not match the packed content")
	}

	if _, ok := index["manifest.json"]; !ok {
		t.Error("manifest.json missing from the index")
	}
}

func TestBundleWriterUnbalancedDirs(t *testing.T) {
	dir, err := ioutil.TempDir("", "slipway-bundle")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	writer, err := NewBundleWriter(filepath.Join(dir, "broken.slab"))
	if err != nil {
		t.Fatal(err)
	}

	err = writer.OpenDirectory("left-open")
	if err != nil {
		t.Fatal(err)
	}

	if err = writer.Close(); err == nil {
		t.Fatal("Close should fail while a directory is still open")
	}
}
