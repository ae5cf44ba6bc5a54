package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/slipway-dev/slipway/pkg"
	"github.com/slipway-dev/slipway/pkg/stage"
	"github.com/slipway-dev/slipway/pkg/triple"
)

var stageCmd = &cobra.Command{
	Use:   "stage triple artifact dest_dir",
	Short: "Copies a single built artifact into the platform tree",
	Long: `Copies the artifact into dest_dir, verifies the copy against its SHA-256
digest and records the result in dest_dir's parent manifest. This is the
manual counterpart to the build command for artifacts produced outside
targets.yml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 3 {
			return eris.New("Expected 3 arguments!")
		}

		spec, artifact, destDir := args[0], args[1], args[2]
		if _, known := triple.Known(spec); !known {
			return eris.Errorf("unknown target triple %s", spec)
		}

		profile, err := cmd.Flags().GetString("profile")
		if err != nil {
			return err
		}

		entry, err := stage.Stage(artifact, destDir)
		if err != nil {
			return err
		}

		entry.Triple = spec
		entry.Profile = profile

		manifestPath := filepath.Join(filepath.Dir(filepath.Clean(destDir)), manifestName)
		manifest, err := stage.LoadManifest(manifestPath)
		if err != nil {
			return err
		}

		manifest[spec] = entry
		err = stage.SaveManifest(manifestPath, manifest)
		if err != nil {
			return err
		}

		pkg.PrintTask(fmt.Sprintf("staged %s (sha256 %s)", entry.Dest, entry.Sha256[:12]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stageCmd)
	stageCmd.Flags().StringP("profile", "p", "release", "build profile recorded in the manifest")
}
