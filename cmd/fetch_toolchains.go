package cmd

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"

	"github.com/slipway-dev/slipway/pkg"
	"github.com/slipway-dev/slipway/pkg/config"
)

// toolchainSpec describes one downloadable toolchain archive from
// toolchains.yml. URLs can contain {VAR} placeholders which are expanded from
// the vars section of the file.
type toolchainSpec struct {
	Condition  string `yaml:"if,omitempty"`
	Rejections string `yaml:"ifNot,omitempty"`
	URL        string
	Dest       string
	Sha256     string
	Strip      int
	MarkExec   []string `yaml:"markExec,omitempty"`
}

type toolchainConfig struct {
	Vars       map[string]string
	Toolchains map[string]toolchainSpec
}

var fetchToolchainsCmd = &cobra.Command{
	Use:   "fetch-toolchains",
	Short: "Downloads and unpacks the cross-compilation toolchains",
	Long:  `Downloads and unpacks the toolchain archives listed in toolchains.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		update, err := cmd.Flags().GetBool("update")
		if err != nil {
			return err
		}

		pkg.PrintTask("Loading config")
		root, err := pkg.GetProjectRoot()
		if err != nil {
			return err
		}

		cfg, cfgData, stamps, err := getToolchainConfig(root)
		if err != nil {
			return err
		}

		pkg.PrintTask("Downloading toolchains")
		err = downloadAndExtract(cfg, cfgData, stamps, root, update)
		stampPath := filepath.Join(root, "toolchains.stamps")
		stampData, jErr := json.Marshal(stamps)
		if jErr != nil {
			pkg.PrintError(jErr.Error())
		}

		jErr = ioutil.WriteFile(stampPath, stampData, os.FileMode(0660))
		if jErr != nil {
			pkg.PrintError(jErr.Error())
		}

		pkg.PrintTask("Done")

		return err
	},
}

func init() {
	rootCmd.AddCommand(fetchToolchainsCmd)
	fetchToolchainsCmd.Flags().BoolP("update", "u", false, "Update checksums")
}

func getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		// GH's log renders every progress update on its own line
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

func getToolchainConfig(projectRoot string) (toolchainConfig, string, map[string]string, error) {
	var cfg toolchainConfig
	cfgPath := filepath.Join(projectRoot, "toolchains.yml")
	cfgData, err := ioutil.ReadFile(cfgPath)
	if err != nil {
		return cfg, "", nil, eris.Wrapf(err, "Could not open file %s.", cfgPath)
	}

	err = yaml.Unmarshal(cfgData, &cfg)
	if err != nil {
		return cfg, "", nil, eris.Wrapf(err, "Failed to parse %s.", cfgPath)
	}

	if cfg.Vars == nil {
		cfg.Vars = map[string]string{}
	}

	stamps := map[string]string{}
	stampPath := filepath.Join(projectRoot, "toolchains.stamps")
	stampData, err := ioutil.ReadFile(stampPath)
	if err != nil {
		if !eris.Is(err, os.ErrNotExist) {
			return cfg, "", nil, eris.Wrapf(err, "Failed to read stamps file %s.", stampPath)
		}
	} else {
		err = json.Unmarshal(stampData, &stamps)
		if err != nil {
			return cfg, "", nil, eris.Wrapf(err, "Failed to parse JSON file %s.", stampPath)
		}
	}

	return cfg, string(cfgData), stamps, nil
}

func downloadAndExtract(cfg toolchainConfig, cfgData string, stamps map[string]string, projectRoot string, update bool) error {
	client := &http.Client{
		Timeout: time.Minute * 30,
	}

	vars := cfg.Vars
	vars[runtime.GOARCH] = "true"
	vars[runtime.GOOS] = "true"
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}

	changes := map[string]string{}
	for name, meta := range cfg.Toolchains {
		err := processToolchain(client, name, meta, vars, stamps, changes, projectRoot, update)
		if err != nil {
			return err
		}
	}

	if update {
		return applyChecksumChanges(cfg, cfgData, changes, projectRoot)
	}

	return nil
}

// processToolchain downloads, verifies and unpacks a single toolchain entry.
// Entries whose stamp still matches the URL and checksum are left alone.
func processToolchain(client *http.Client, name string, meta toolchainSpec, vars, stamps, changes map[string]string,
	projectRoot string, update bool,
) error {
	// Expand the URL even for skipped entries so --update can still verify them.
	meta.URL = config.Expand(meta.URL, vars)
	skip := !config.ConditionsMet(meta.Condition, meta.Rejections, vars)
	if skip && !update {
		return nil
	}

	destPath := filepath.Join(projectRoot, meta.Dest)
	destInfo, err := os.Stat(destPath)
	destExists := err == nil

	stampToken := meta.URL + "#" + meta.Sha256
	stamp, ok := stamps[name]
	if ok && stampToken == stamp && destExists {
		return nil
	}

	pkg.PrintSubtask(name + ":  " + meta.URL)
	if meta.Sha256 == "" && !update {
		return eris.Errorf("Toolchain %s doesn't have a checksum", name)
	}

	arHandle, err := ioutil.TempFile(projectRoot, "toolchain_dl")
	if err != nil {
		return eris.Wrap(err, "Failed to create download temp file")
	}
	defer func() {
		arHandle.Close()
		os.Remove(arHandle.Name())
	}()

	resp, err := client.Get(meta.URL)
	if err != nil {
		return eris.Wrapf(err, "Failed to start download for %s", meta.URL)
	}
	defer resp.Body.Close()

	hash := sha256.New()
	bar := getProgressBar(resp.ContentLength, "     download")
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if err != nil && n < 1 {
			if err == io.EOF {
				break
			}
			return eris.Wrapf(err, "Failed during download of %s", meta.URL)
		}

		_, err = hash.Write(buf[:n])
		if err != nil {
			return eris.Wrapf(err, "Failed to calculate checksum for %s", meta.URL)
		}

		_, err = arHandle.Write(buf[:n])
		if err != nil {
			return eris.Wrapf(err, "Failed to write download to %s", arHandle.Name())
		}

		bar.Write(buf[:n])
	}
	bar.Finish()
	resp.Body.Close()

	digest := hex.EncodeToString(hash.Sum(nil))
	if digest != meta.Sha256 {
		if update {
			fmt.Println("      Updating checksum")
			changes[name] = digest
		} else {
			return eris.New("Checksum check failed")
		}
	}

	if skip {
		return nil
	}

	if destExists {
		pkg.PrintSubtask(fmt.Sprintf("Remove %s", destPath))
		if destInfo.IsDir() {
			err = os.RemoveAll(destPath)
		} else {
			err = os.Remove(destPath)
		}
		if err != nil {
			return err
		}
	}

	extractor, err := getExtractor(meta.URL)
	if err != nil {
		return err
	}

	arHandle.Seek(0, io.SeekStart)
	bar = getProgressBar(resp.ContentLength, "      extract")
	err = extractor(arHandle, bar, projectRoot, meta)
	if err != nil {
		return err
	}

	if runtime.GOOS != "windows" {
		// .zip files don't carry permissions which means we have to manually fix permissions for binaries in .zip files
		for _, binPath := range meta.MarkExec {
			binPath = filepath.Join(projectRoot, meta.Dest, binPath)
			fi, err := os.Stat(binPath)
			if err != nil {
				return eris.Wrapf(err, "Failed to read permissions for %s", binPath)
			}

			err = os.Chmod(binPath, fi.Mode()|0700)
			if err != nil {
				return eris.Wrapf(err, "Failed to mark %s as executable", binPath)
			}
		}
	}

	stamps[name] = stampToken
	return nil
}

func applyChecksumChanges(cfg toolchainConfig, cfgData string, changes map[string]string, projectRoot string) error {
	pkg.PrintTask("Updating toolchains.yml")
	generated := cfgData
	for name, newChecksum := range changes {
		pos := strings.Index(generated, name+":\n")
		if pos == -1 {
			return eris.Errorf("Failed to find the section for %s!", name)
		}

		subPos := strings.Index(generated[pos:], "sha256: "+cfg.Toolchains[name].Sha256)
		if subPos == -1 {
			if cfg.Toolchains[name].Sha256 == "" {
				start := pos + len(name) + 2
				generated = generated[:start] + "    sha256: " + newChecksum + "\n" + generated[start:]
			} else {
				fmt.Printf("     Couldn't find checksum section for %s.\n", name)
			}
		} else {
			start := pos + subPos + 8
			end := start + len(cfg.Toolchains[name].Sha256)
			generated = generated[:start] + newChecksum + generated[end:]
		}
	}

	err := ioutil.WriteFile(filepath.Join(projectRoot, "toolchains.yml"), []byte(generated), os.FileMode(0660))
	if err != nil {
		return eris.Wrap(err, "Failed to write toolchains.yml")
	}

	return nil
}

type archiveExtractor func(*os.File, *progressbar.ProgressBar, string, toolchainSpec) error

func openExtractorDest(destPath string, item string, ts toolchainSpec) (*os.File, string, error) {
	// normalize the path and strip ts.Strip elements from the beginning
	pathParts := strings.Split(filepath.Clean(item), string(filepath.Separator))
	if len(pathParts) <= ts.Strip {
		return nil, "/", nil
	}
	dest := filepath.Join(destPath, strings.Join(pathParts[ts.Strip:], string(filepath.Separator)))

	if dest == destPath {
		return nil, "/", nil
	}

	destParent := filepath.Dir(dest)
	err := os.MkdirAll(destParent, os.FileMode(0770))
	if err != nil {
		return nil, "", eris.Wrapf(err, "Failed to create directory %s", destParent)
	}

	destHandle, err := os.Create(dest)
	if err != nil {
		return nil, "", eris.Wrapf(err, "Failed to create file %s", dest)
	}

	return destHandle, dest, nil
}

func getExtractor(url string) (archiveExtractor, error) {
	if strings.HasSuffix(url, ".zip") {
		return extractZip, nil
	}

	if strings.HasSuffix(url, ".tar.gz") {
		return func(f *os.File, bar *progressbar.ProgressBar, projectRoot string, ts toolchainSpec) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return err
			}
			defer reader.Close()

			return extractTar(reader, f, bar, projectRoot, ts)
		}, nil
	}

	if strings.HasSuffix(url, ".tar.bz2") {
		return func(f *os.File, bar *progressbar.ProgressBar, projectRoot string, ts toolchainSpec) error {
			reader := bzip2.NewReader(f)

			return extractTar(reader, f, bar, projectRoot, ts)
		}, nil
	}

	if strings.HasSuffix(url, ".tar.xz") {
		return func(f *os.File, bar *progressbar.ProgressBar, projectRoot string, ts toolchainSpec) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return err
			}

			return extractTar(reader, f, bar, projectRoot, ts)
		}, nil
	}

	return nil, eris.New("Archive format not supported")
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, projectRoot string, ts toolchainSpec) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return err
	}

	buf := make([]byte, 4096)
	destPath := filepath.Join(projectRoot, ts.Dest)
	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}
		destHandle, dest, err := openExtractorDest(destPath, item.Name, ts)
		if err != nil {
			return err
		}

		if destHandle == nil {
			continue
		}
		defer destHandle.Close()

		itemHandle, err := item.Open()
		if err != nil {
			return eris.Wrap(err, "Failed to open archive entry")
		}
		defer itemHandle.Close()

		for {
			n, err := itemHandle.Read(buf)
			if err != nil && n < 1 {
				if err == io.EOF {
					break
				}
				return eris.Wrapf(err, "Failed to read archive entry %s", item.Name)
			}

			_, err = destHandle.Write(buf[:n])
			if err != nil {
				return eris.Wrapf(err, "Failed to write extracted file %s", dest)
			}

			pos, err := f.Seek(0, io.SeekCurrent)
			if err == nil {
				bar.Set64(pos)
			}
		}

		itemHandle.Close()
		destHandle.Close()
	}

	return nil
}

func extractTar(r io.Reader, f *os.File, bar *progressbar.ProgressBar, projectRoot string, ts toolchainSpec) error {
	buf := make([]byte, 4096)
	archive := tar.NewReader(r)
	destPath := filepath.Join(projectRoot, ts.Dest)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "Failed to read archive entry")
		}

		fi := item.FileInfo()
		if fi.IsDir() {
			continue
		}

		destHandle, dest, err := openExtractorDest(destPath, item.Name, ts)
		if err != nil {
			return err
		}

		if destHandle == nil {
			continue
		}
		defer destHandle.Close()

		if item.Typeflag&tar.TypeSymlink == tar.TypeSymlink {
			destHandle.Close()
			err := os.Remove(dest)
			if err != nil {
				return eris.Wrapf(err, "Failed to remove placeholder file %s", dest)
			}

			err = os.Symlink(item.Linkname, dest)
			if err != nil {
				return eris.Wrapf(err, "Failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
			continue
		}

		os.Chmod(dest, fi.Mode())

		for {
			n, err := archive.Read(buf)
			if err != nil && n < 1 {
				if err == io.EOF {
					break
				}
				return eris.Wrapf(err, "Failed to read archive entry %s", item.Name)
			}

			_, err = destHandle.Write(buf[:n])
			if err != nil {
				return eris.Wrapf(err, "Failed to write extracted file %s", dest)
			}

			pos, err := f.Seek(0, io.SeekCurrent)
			if err == nil {
				bar.Set64(pos)
			}
		}

		destHandle.Close()
	}

	return nil
}
