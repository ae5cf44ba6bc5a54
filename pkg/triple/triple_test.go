package triple

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	cases := []struct {
		spec string
		want Triple
	}{
		{
			spec: "aarch64-linux-android",
			want: Triple{Spec: "aarch64-linux-android", Arch: "aarch64", OS: "linux", Env: "android"},
		},
		{
			spec: "x86_64-apple-darwin",
			want: Triple{Spec: "x86_64-apple-darwin", Arch: "x86_64", Vendor: "apple", OS: "darwin"},
		},
		{
			spec: "x86_64-unknown-linux-gnu",
			want: Triple{Spec: "x86_64-unknown-linux-gnu", Arch: "x86_64", Vendor: "unknown", OS: "linux", Env: "gnu"},
		},
		{
			spec: "armv7-linux-androideabi",
			want: Triple{Spec: "armv7-linux-androideabi", Arch: "armv7", OS: "linux", Env: "androideabi"},
		},
		{
			spec: "wasm32-wasi",
			want: Triple{Spec: "wasm32-wasi", Arch: "wasm32", OS: "wasi"},
		},
	}

	for _, tc := range cases {
		got, err := Parse(tc.spec)
		if err != nil {
			t.Errorf("Parse(%q) failed: %v", tc.spec, err)
			continue
		}

		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tc.spec, diff)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, spec := range []string{"", "x86_64", "a-b-c-d-e"} {
		if _, err := Parse(spec); err == nil {
			t.Errorf("Parse(%q) should have failed", spec)
		}
	}
}

func TestSharedLibName(t *testing.T) {
	android, ok := Known("aarch64-linux-android")
	if !ok {
		t.Fatal("aarch64-linux-android missing from the platform table")
	}
	if got := android.SharedLibName("wallet_ffi"); got != "libwallet_ffi.so" {
		t.Errorf("got %q, want libwallet_ffi.so", got)
	}
	if !android.Android {
		t.Error("aarch64-linux-android should be marked as an android target")
	}
	if android.Key != "arm64-v8a" {
		t.Errorf("got staging key %q, want arm64-v8a", android.Key)
	}

	windows, ok := Known("x86_64-pc-windows-gnu")
	if !ok {
		t.Fatal("x86_64-pc-windows-gnu missing from the platform table")
	}
	if got := windows.SharedLibName("wallet_ffi"); got != "wallet_ffi.dll" {
		t.Errorf("got %q, want wallet_ffi.dll", got)
	}
}

func TestKnownSpecsParse(t *testing.T) {
	// every entry in the platform table has to be a valid triple
	for _, spec := range List() {
		if _, err := Parse(spec); err != nil {
			t.Errorf("table entry %s does not parse: %v", spec, err)
		}
	}
}
