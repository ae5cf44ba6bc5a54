// Package config loads the targets.yml file which declares the
// cross-compilation matrix: one entry per target triple with the toolchain
// command, the produced artifact and the staging destination.
package config

import (
	"io/ioutil"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/slipway-dev/slipway/pkg/triple"
)

// Target describes how one triple is built and staged. The string fields can
// contain {VAR} placeholders which are expanded from the config vars plus the
// per-run values (TRIPLE, PROFILE, KEY, LIB_FILE).
type Target struct {
	Triple     string
	Condition  string `yaml:"if,omitempty"`
	Rejections string `yaml:"ifNot,omitempty"`
	Build      string
	Artifact   string            `yaml:",omitempty"`
	Dest       string            `yaml:",omitempty"`
	Env        map[string]string `yaml:",omitempty"`
}

// Config is the parsed targets.yml.
type Config struct {
	// Lib is the library stem without platform prefix/suffix ("wallet_ffi").
	Lib string
	// Source is the directory the toolchain command runs in.
	Source string
	// BuildDir is the toolchain output root containing <triple>/<profile>.
	BuildDir string `yaml:"buildDir"`
	// DestRoot is the root of the staged platform tree.
	DestRoot string `yaml:"destRoot"`
	Vars     map[string]string
	Targets  map[string]Target
}

var varMatcher = regexp.MustCompile(`\{([A-Z0-9_]+)\}`)

// Load reads and validates a targets.yml file.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, eris.Wrapf(err, "Could not open file %s.", path)
	}

	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return cfg, eris.Wrapf(err, "Failed to parse %s.", path)
	}

	if cfg.Lib == "" {
		return cfg, eris.Errorf("%s does not set lib", path)
	}

	if cfg.Vars == nil {
		cfg.Vars = map[string]string{}
	}

	for name, target := range cfg.Targets {
		if target.Triple == "" {
			return cfg, eris.Errorf("target %s does not set a triple", name)
		}

		if _, err := triple.Parse(target.Triple); err != nil {
			return cfg, eris.Wrapf(err, "target %s", name)
		}

		if target.Build == "" {
			return cfg, eris.Errorf("target %s does not set a build command", name)
		}
	}

	return cfg, nil
}

// Expand replaces {VAR} placeholders with values from the given maps; later
// maps win. Unknown placeholders expand to the empty string.
func Expand(template string, vars ...map[string]string) string {
	return varMatcher.ReplaceAllStringFunc(template, func(placeholder string) string {
		name := placeholder[1 : len(placeholder)-1]
		result := ""
		for _, set := range vars {
			if value, ok := set[name]; ok {
				result = value
			}
		}
		return result
	})
}

// Enabled evaluates the target's if/ifNot conditions against the given vars.
func (t Target) Enabled(vars map[string]string) bool {
	return ConditionsMet(t.Condition, t.Rejections, vars)
}

// ConditionsMet checks comma separated condition lists: every var named in
// conditions has to be set to a non-empty value, every var named in
// rejections has to be unset or empty.
func ConditionsMet(conditions, rejections string, vars map[string]string) bool {
	for _, condition := range strings.Split(conditions, ",") {
		if condition == "" {
			continue
		}

		value, ok := vars[strings.TrimSpace(condition)]
		if !ok || value == "" {
			return false
		}
	}

	for _, condition := range strings.Split(rejections, ",") {
		if condition == "" {
			continue
		}

		value, ok := vars[strings.TrimSpace(condition)]
		if ok && value != "" {
			return false
		}
	}
	return true
}
