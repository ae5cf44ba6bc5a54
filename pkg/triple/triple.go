// Package triple parses target triples and maps the known ones to the
// platform details needed to build and stage shared libraries.
package triple

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Triple is a parsed target identifier of the form arch[-vendor]-os[-env].
type Triple struct {
	Spec   string
	Arch   string
	Vendor string
	OS     string
	Env    string
}

// Platform describes how a shared library built for a triple is named and
// where it belongs in a staged platform tree.
type Platform struct {
	// Key is the platform directory name used for staging (android targets
	// use the ABI directory names expected by the host application).
	Key string
	// LibPrefix and LibSuffix wrap the library stem ("lib" + stem + ".so").
	LibPrefix string
	LibSuffix string
	// CC is the default cross compiler for cgo-style toolchains.
	CC string
	// Android is true for android targets; these are grouped under a common
	// jniLibs-style parent directory.
	Android bool
}

var vendors = map[string]bool{
	"unknown": true,
	"apple":   true,
	"pc":      true,
	"none":    true,
}

// Parse splits a target triple into its components. The vendor part is
// optional; three-part specs like aarch64-linux-android are resolved by
// checking the second part against the known vendor names.
func Parse(spec string) (Triple, error) {
	parts := strings.Split(spec, "-")
	result := Triple{Spec: spec}

	switch len(parts) {
	case 2:
		result.Arch = parts[0]
		result.OS = parts[1]
	case 3:
		result.Arch = parts[0]
		if vendors[parts[1]] {
			result.Vendor = parts[1]
			result.OS = parts[2]
		} else {
			result.OS = parts[1]
			result.Env = parts[2]
		}
	case 4:
		result.Arch = parts[0]
		result.Vendor = parts[1]
		result.OS = parts[2]
		result.Env = parts[3]
	default:
		return result, eris.Errorf("invalid target triple %s", spec)
	}

	if result.Arch == "" || result.OS == "" {
		return result, eris.Errorf("invalid target triple %s", spec)
	}
	return result, nil
}

var known = map[string]Platform{
	"aarch64-linux-android": {
		Key:       "arm64-v8a",
		LibPrefix: "lib",
		LibSuffix: ".so",
		CC:        "aarch64-linux-android21-clang",
		Android:   true,
	},
	"armv7-linux-androideabi": {
		Key:       "armeabi-v7a",
		LibPrefix: "lib",
		LibSuffix: ".so",
		CC:        "armv7a-linux-androideabi21-clang",
		Android:   true,
	},
	"i686-linux-android": {
		Key:       "x86",
		LibPrefix: "lib",
		LibSuffix: ".so",
		CC:        "i686-linux-android21-clang",
		Android:   true,
	},
	"x86_64-linux-android": {
		Key:       "x86_64",
		LibPrefix: "lib",
		LibSuffix: ".so",
		CC:        "x86_64-linux-android21-clang",
		Android:   true,
	},
	"x86_64-unknown-linux-gnu": {
		Key:       "linux-x64",
		LibPrefix: "lib",
		LibSuffix: ".so",
		CC:        "x86_64-linux-gnu-gcc",
	},
	"aarch64-unknown-linux-gnu": {
		Key:       "linux-arm64",
		LibPrefix: "lib",
		LibSuffix: ".so",
		CC:        "aarch64-linux-gnu-gcc",
	},
	"x86_64-apple-darwin": {
		Key:       "macos-x64",
		LibPrefix: "lib",
		LibSuffix: ".dylib",
		CC:        "clang",
	},
	"aarch64-apple-darwin": {
		Key:       "macos-arm64",
		LibPrefix: "lib",
		LibSuffix: ".dylib",
		CC:        "clang",
	},
	"aarch64-apple-ios": {
		Key:       "ios-arm64",
		LibPrefix: "lib",
		LibSuffix: ".dylib",
		CC:        "clang",
	},
	"x86_64-pc-windows-gnu": {
		Key:       "windows-x64",
		LibSuffix: ".dll",
		CC:        "x86_64-w64-mingw32-gcc",
	},
}

// Known returns the platform details for a triple. The boolean is false for
// triples that aren't in the table; callers are expected to treat those as
// configuration errors instead of guessing.
func Known(spec string) (Platform, bool) {
	p, ok := known[spec]
	return p, ok
}

// SharedLibName returns the platform file name for a library stem, e.g.
// "wallet_ffi" becomes libwallet_ffi.so on Linux targets.
func (p Platform) SharedLibName(stem string) string {
	return p.LibPrefix + stem + p.LibSuffix
}

// List returns all known triple specs. The order is not stable.
func List() []string {
	result := make([]string, 0, len(known))
	for spec := range known {
		result = append(result, spec)
	}
	return result
}
