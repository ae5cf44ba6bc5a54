package cmd

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/slipway-dev/slipway/pkg"
)

var packCmd = &cobra.Command{
	Use:   "pack bundle_name content_directory",
	Short: "Packs a staged platform tree into a .slab bundle",
	Long: `Pass the name of the .slab file that should be generated and the directory
with the staged artifacts. Every file is compressed and its SHA-256 digest is
recorded in the bundle index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return eris.New("Expected 2 arguments!")
		}

		writer, err := pkg.NewBundleWriter(args[0])
		if err != nil {
			return err
		}

		err = packDirectory(writer, args[1])
		if err != nil {
			return err
		}

		return writer.Close()
	},
}

var bundleIndexCmd = &cobra.Command{
	Use:   "bundle-index bundle_name",
	Short: "Lists the contents of a .slab bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return eris.New("Expected 1 argument!")
		}

		index, err := pkg.ReadBundleIndex(args[0])
		if err != nil {
			return err
		}

		for name, entry := range index {
			cmd.Printf("%10d  %s\n", entry.DecSize, name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(bundleIndexCmd)
}

func packDirectory(writer *pkg.BundleWriter, dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return eris.Wrapf(err, "Failed to open dir %s", dir)
	}

	infos, err := f.Readdir(0)
	if err != nil {
		f.Close()
		return eris.Wrapf(err, "Failed to read dir %s", dir)
	}
	f.Close()

	for _, info := range infos {
		itemPath := filepath.Join(dir, info.Name())
		if info.IsDir() {
			err = writer.OpenDirectory(info.Name())
			if err != nil {
				return err
			}

			err = packDirectory(writer, itemPath)
			if err != nil {
				return err
			}

			err = writer.CloseDirectory()
			if err != nil {
				return err
			}
		} else {
			f, err = os.Open(itemPath)
			if err != nil {
				return eris.Wrapf(err, "Failed to open file %s", itemPath)
			}

			err = writer.WriteFile(info.Name(), f)
			if err != nil {
				f.Close()
				return eris.Wrapf(err, "Failed to pack file %s", itemPath)
			}
			f.Close()
		}
	}

	return nil
}
