// Package stage places built shared-library artifacts into the platform
// output tree and keeps a manifest of what was staged.
//
// Staging deliberately happens only after the toolchain command succeeded; a
// failed build leaves the destination tree untouched, including the
// destination directory itself.
package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
)

// Entry records one staged artifact.
type Entry struct {
	Triple   string    `json:"triple"`
	Profile  string    `json:"profile"`
	Artifact string    `json:"artifact"`
	Dest     string    `json:"dest"`
	Sha256   string    `json:"sha256"`
	Size     int64     `json:"size"`
	StagedAt time.Time `json:"stagedAt"`
}

// Manifest maps target triples to their last staged artifact.
type Manifest map[string]Entry

// FileDigest returns the hex SHA-256 digest and size of a file.
func FileDigest(path string) (string, int64, error) {
	handle, err := os.Open(path)
	if err != nil {
		return "", 0, eris.Wrapf(err, "Failed to open %s", path)
	}
	defer handle.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, handle)
	if err != nil {
		return "", 0, eris.Wrapf(err, "Failed to read %s", path)
	}

	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// Stage copies the artifact into destDir and verifies that the copy is
// byte-identical to the source. The destination directory (and its parents)
// are created on demand. On a verification failure the partial copy is
// removed.
func Stage(artifact, destDir string) (Entry, error) {
	var entry Entry

	srcDigest, srcSize, err := FileDigest(artifact)
	if err != nil {
		return entry, err
	}

	err = os.MkdirAll(destDir, os.FileMode(0770))
	if err != nil {
		return entry, eris.Wrapf(err, "Failed to create directory %s", destDir)
	}

	dest := filepath.Join(destDir, filepath.Base(artifact))
	err = copyFile(artifact, dest)
	if err != nil {
		return entry, err
	}

	destDigest, _, err := FileDigest(dest)
	if err != nil {
		return entry, err
	}

	if destDigest != srcDigest {
		os.Remove(dest)
		return entry, eris.Errorf("staged copy %s does not match %s", dest, artifact)
	}

	entry = Entry{
		Artifact: artifact,
		Dest:     dest,
		Sha256:   srcDigest,
		Size:     srcSize,
		StagedAt: time.Now().UTC(),
	}
	return entry, nil
}

func copyFile(src, dest string) error {
	srcHandle, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "Failed to open %s", src)
	}
	defer srcHandle.Close()

	info, err := srcHandle.Stat()
	if err != nil {
		return eris.Wrapf(err, "Failed to stat %s", src)
	}

	destHandle, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return eris.Wrapf(err, "Failed to create %s", dest)
	}

	buf := make([]byte, 4096)
	_, err = io.CopyBuffer(destHandle, srcHandle, buf)
	if err != nil {
		destHandle.Close()
		os.Remove(dest)
		return eris.Wrapf(err, "Failed to copy %s to %s", src, dest)
	}

	return destHandle.Close()
}

// LoadManifest reads a manifest file. A missing file yields an empty
// manifest.
func LoadManifest(path string) (Manifest, error) {
	manifest := Manifest{}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return manifest, nil
		}
		return nil, eris.Wrapf(err, "Failed to read manifest %s", path)
	}

	err = json.Unmarshal(data, &manifest)
	if err != nil {
		return nil, eris.Wrapf(err, "Failed to parse manifest %s", path)
	}

	return manifest, nil
}

// SaveManifest writes the manifest with stable indentation so it diffs well
// in version control.
func SaveManifest(path string, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return eris.Wrap(err, "Failed to encode manifest")
	}

	err = ioutil.WriteFile(path, data, os.FileMode(0660))
	if err != nil {
		return eris.Wrapf(err, "Failed to write manifest %s", path)
	}

	return nil
}

// Merge combines several manifests; later entries win on triple collisions.
func Merge(manifests ...Manifest) Manifest {
	result := Manifest{}
	for _, manifest := range manifests {
		for triple, entry := range manifest {
			result[triple] = entry
		}
	}
	return result
}
