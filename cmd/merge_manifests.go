package cmd

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/slipway-dev/slipway/pkg/stage"
)

var mergeManifestsCmd = &cobra.Command{
	Use:   "merge-manifests output input...",
	Short: "Merges several staging manifests into one",
	Long: `Merges the given manifest files into the output file. CI builds run one
build job per host platform; this joins their manifests before packing the
combined platform tree. Later inputs win when the same triple appears twice.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return eris.New("Expected at least 2 arguments!")
		}

		manifests := make([]stage.Manifest, 0, len(args)-1)
		for _, path := range args[1:] {
			manifest, err := stage.LoadManifest(path)
			if err != nil {
				return err
			}
			manifests = append(manifests, manifest)
		}

		return stage.SaveManifest(args[0], stage.Merge(manifests...))
	},
}

func init() {
	rootCmd.AddCommand(mergeManifestsCmd)
}
