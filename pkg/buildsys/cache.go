package buildsys

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

const cacheVersion = 2

// ErrStaleCache reports that a task cache no longer matches the build script
// it was generated from.
var ErrStaleCache = eris.New("task cache is stale")

// taskCache ties the cached tasks to the exact script contents they came
// from. Checking the digest instead of mtimes keeps the cache valid across
// checkouts, which don't preserve modification times.
type taskCache struct {
	Version      int
	ScriptDigest string
	Options      map[string]string
	Tasks        TaskList
}

func init() {
	gob.Register(TaskList{})
	gob.Register(Task{})
	gob.Register(TaskCmdScript{})
	gob.Register(TaskCmdTaskRef{})
}

func scriptDigest(script string) (string, error) {
	handle, err := os.Open(script)
	if err != nil {
		return "", eris.Wrapf(err, "failed to open %s", script)
	}
	defer handle.Close()

	hash := sha256.New()
	_, err = io.Copy(hash, handle)
	if err != nil {
		return "", eris.Wrapf(err, "failed to read %s", script)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// WriteCache stores the resolved options and tasks together with a digest of
// the build script so later invocations can tell whether the script changed.
func WriteCache(file, script string, options map[string]string, list TaskList) error {
	digest, err := scriptDigest(script)
	if err != nil {
		return err
	}

	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	return gob.NewEncoder(handle).Encode(taskCache{
		Version:      cacheVersion,
		ScriptDigest: digest,
		Options:      options,
		Tasks:        list,
	})
}

// ReadCache loads a cache written by WriteCache. It returns ErrStaleCache
// when the cache predates the current build script or cache format.
func ReadCache(file, script string) (map[string]string, TaskList, error) {
	handle, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	defer handle.Close()

	var cache taskCache
	err = gob.NewDecoder(handle).Decode(&cache)
	if err != nil {
		return nil, nil, err
	}

	if cache.Version != cacheVersion {
		return nil, nil, ErrStaleCache
	}

	digest, err := scriptDigest(script)
	if err != nil {
		return nil, nil, err
	}

	if digest != cache.ScriptDigest {
		return nil, nil, ErrStaleCache
	}

	return cache.Options, cache.Tasks, nil
}
