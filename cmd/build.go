package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/slipway-dev/slipway/pkg"
	"github.com/slipway-dev/slipway/pkg/config"
	"github.com/slipway-dev/slipway/pkg/stage"
	"github.com/slipway-dev/slipway/pkg/toolchain"
	"github.com/slipway-dev/slipway/pkg/triple"
)

const manifestName = "manifest.json"

var buildCmd = &cobra.Command{
	Use:   "build [target...]",
	Short: "Cross-compiles the library and stages the artifacts",
	Long: `Runs the toolchain command declared in targets.yml for each selected target
and copies the produced shared library into the platform tree. Without
arguments, every target whose conditions match is built.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := cmd.Flags().GetString("profile")
		if err != nil {
			return err
		}

		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		root, err := pkg.GetProjectRoot()
		if err != nil {
			return err
		}

		cfg, err := config.Load(filepath.Join(root, "targets.yml"))
		if err != nil {
			return err
		}

		return runMatrix(cmd.Context(), root, cfg, args, profile, dryRun, force)
	},
}

// runMatrix builds and stages every selected target, stopping at the first
// failure. Without explicit names, all enabled targets run in sorted order.
func runMatrix(ctx context.Context, root string, cfg config.Config, args []string, profile string, dryRun, force bool) error {
	if profile != "release" && profile != "debug" {
		return eris.Errorf("unsupported profile %s", profile)
	}

	vars := map[string]string{}
	for name, value := range cfg.Vars {
		vars[name] = value
	}
	vars[runtime.GOOS] = "true"
	vars[runtime.GOARCH] = "true"
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}

	names := args
	explicit := len(names) > 0
	if !explicit {
		for name := range cfg.Targets {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	destRoot := cfg.DestRoot
	if destRoot == "" {
		destRoot = "platforms"
	}
	destRoot = filepath.Join(root, destRoot)

	manifestPath := filepath.Join(destRoot, manifestName)
	manifest, err := stage.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	var buildErr error
	for _, name := range names {
		target, found := cfg.Targets[name]
		if !found {
			buildErr = eris.Errorf("Target %s not found", name)
			break
		}

		if !target.Enabled(vars) {
			if explicit {
				pkg.PrintError(fmt.Sprintf("%s is disabled by its conditions", name))
			}
			continue
		}

		buildErr = buildTarget(ctx, cfg, target, name, root, destRoot, profile, vars, manifest, dryRun, force)
		if buildErr != nil {
			buildErr = eris.Wrapf(buildErr, "Target %s failed", name)
			break
		}
	}

	// An empty manifest means nothing was ever staged, so the dest
	// root may not exist yet and should stay that way.
	if !dryRun && len(manifest) > 0 {
		err = stage.SaveManifest(manifestPath, manifest)
		if err != nil {
			if buildErr == nil {
				return err
			}
			pkg.PrintError(err.Error())
		}
	}

	return buildErr
}

func buildTarget(ctx context.Context, cfg config.Config, target config.Target, name, root, destRoot, profile string,
	vars map[string]string, manifest stage.Manifest, dryRun, force bool,
) error {
	platform, known := triple.Known(target.Triple)
	if !known {
		return eris.Errorf("unknown target triple %s", target.Triple)
	}

	profileFlag := ""
	if profile == "release" {
		profileFlag = "--release"
	}

	runVars := map[string]string{
		"TRIPLE":       target.Triple,
		"PROFILE":      profile,
		"PROFILE_FLAG": profileFlag,
		"KEY":          platform.Key,
		"LIB":          cfg.Lib,
		"LIB_FILE":     platform.SharedLibName(cfg.Lib),
		"BUILD_DIR":    cfg.BuildDir,
		"CC":           platform.CC,
	}

	buildCommand := config.Expand(target.Build, vars, runVars)

	artifactTemplate := target.Artifact
	if artifactTemplate == "" {
		artifactTemplate = "{BUILD_DIR}/{TRIPLE}/{PROFILE}/{LIB_FILE}"
	}
	artifact := filepath.Join(root, filepath.FromSlash(config.Expand(artifactTemplate, vars, runVars)))

	destDir := destRoot
	if target.Dest != "" {
		destDir = filepath.Join(root, filepath.FromSlash(config.Expand(target.Dest, vars, runVars)))
	} else {
		destDir = filepath.Join(destDir, platform.Key)
	}

	env := make(map[string]string, len(target.Env))
	for key, value := range target.Env {
		env[key] = config.Expand(value, vars, runVars)
	}

	pkg.PrintTask(fmt.Sprintf("%s (%s, %s)", name, target.Triple, profile))
	pkg.PrintSubtask(buildCommand)

	if dryRun {
		pkg.PrintSubtask(fmt.Sprintf("would stage %s to %s", artifact, destDir))
		return nil
	}

	err := toolchain.Run(ctx, toolchain.Invocation{
		Command: buildCommand,
		Dir:     filepath.Join(root, filepath.FromSlash(cfg.Source)),
		Env:     env,
	})
	if err != nil {
		return eris.Wrapf(err, "build command failed for %s", target.Triple)
	}

	digest, _, err := stage.FileDigest(artifact)
	if err != nil {
		return eris.Wrapf(err, "the build succeeded but %s is missing", artifact)
	}

	if !force {
		previous, staged := manifest[target.Triple]
		if staged && previous.Sha256 == digest && previous.Profile == profile {
			destDigest, _, dErr := stage.FileDigest(previous.Dest)
			if dErr == nil && destDigest == digest {
				pkg.PrintSubtask("already staged, nothing to do")
				return nil
			}
		}
	}

	entry, err := stage.Stage(artifact, destDir)
	if err != nil {
		return err
	}

	entry.Triple = target.Triple
	entry.Profile = profile
	manifest[target.Triple] = entry

	pkg.PrintSubtask(fmt.Sprintf("staged %s (sha256 %s)", entry.Dest, entry.Sha256[:12]))
	return nil
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringP("profile", "p", "release", "build profile (release or debug)")
	buildCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	buildCmd.Flags().BoolP("force", "f", false, "stage artifacts even when the manifest says they're unchanged")
}
