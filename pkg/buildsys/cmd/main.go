// Package cmd implements the task and configure subcommands for the buildsys
// package
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/slipway-dev/slipway/pkg/buildsys"
)

const (
	scriptName = "build.star"
	cacheName  = ".slipway.cache"
)

// findScript walks up from the working directory until it finds a build.star
// file and returns its path relative to the working directory.
func findScript(logger *zerolog.Logger) string {
	wd, err := os.Getwd()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to retrieve the current working directory")
	}

	path := wd
	var scriptPath string
	for {
		scriptPath = filepath.Join(path, scriptName)
		_, err := os.Stat(scriptPath)
		if err == nil {
			break
		}
		if !eris.Is(err, os.ErrNotExist) {
			logger.Fatal().Err(err).Msgf("Failed to check %s", scriptPath)
		}

		parent := filepath.Dir(path)
		if parent == path {
			logger.Fatal().Msgf("No %s file found", scriptName)
		}

		path = parent
	}

	scriptPath, err = filepath.Rel(wd, scriptPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to simplify path")
	}

	return scriptPath
}

func newLogCtx() (context.Context, *zerolog.Logger) {
	logger := zerolog.New(NewConsoleWriter())
	ctx := buildsys.WithLogger(context.Background(), &logger)
	return ctx, &logger
}

func splitOptionArgs(args []string) ([]string, map[string]string) {
	taskArgs := make([]string, 0)
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}

	return taskArgs, options
}

// loadTasks returns the cached task list if the cache still matches the build
// script, otherwise it re-runs the script.
func loadTasks(ctx context.Context, logger *zerolog.Logger, scriptPath string, options map[string]string) buildsys.TaskList {
	projectRoot := filepath.Dir(scriptPath)
	cachePath := filepath.Join(projectRoot, cacheName)

	if len(options) == 0 {
		_, taskList, err := buildsys.ReadCache(cachePath, scriptPath)
		if err == nil {
			return taskList
		}

		if !eris.Is(err, os.ErrNotExist) && !eris.Is(err, buildsys.ErrStaleCache) {
			logger.Warn().Err(err).Msg("Discarding unreadable task cache")
		}
	}

	taskList, _, err := buildsys.Parse(ctx, scriptPath, projectRoot, options, true)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to parse tasks")
	}

	return taskList
}

var RootCmd = &cobra.Command{
	Use:   "task",
	Short: "Runs tasks declared in the project build script",
	Long:  `This command parses the first build.star file it finds and executes the given tasks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskArgs, options := splitOptionArgs(args)
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		ctx, logger := newLogCtx()
		scriptPath := findScript(logger)
		projectRoot := filepath.Dir(scriptPath)
		taskList := loadTasks(ctx, logger, scriptPath, options)

		for _, name := range taskArgs {
			err = buildsys.RunTask(ctx, projectRoot, name, taskList, dryRun, force)
			if err != nil {
				logger.Fatal().Err(err).Msgf("Failed task %s:", name)
			}
		}

		if len(taskArgs) == 0 {
			fmt.Println("Available tasks:")
			maxNameLen := 0
			sortedNames := make([]string, 0)
			for _, task := range taskList {
				nameLen := len(task.Short)
				if nameLen > maxNameLen {
					maxNameLen = nameLen
				}

				sortedNames = append(sortedNames, task.Short)
			}

			sort.Strings(sortedNames)

			lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
			for _, name := range sortedNames {
				fmt.Printf(lineFmt, name+":", taskList[name].Desc)
			}
		}

		return nil
	},
}

var ConfigureCmd = &cobra.Command{
	Use:   "configure [option=value]...",
	Short: "Parses the project build script and caches the resolved tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, options := splitOptionArgs(args)

		ctx, logger := newLogCtx()
		scriptPath := findScript(logger)
		projectRoot := filepath.Dir(scriptPath)

		taskList, scriptOptions, err := buildsys.Parse(ctx, scriptPath, projectRoot, options, true)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to parse tasks")
		}

		for name := range options {
			if _, ok := scriptOptions[name]; !ok {
				logger.Fatal().Msgf("Option %s is not declared by %s", name, scriptName)
			}
		}

		cachePath := filepath.Join(projectRoot, cacheName)
		err = buildsys.WriteCache(cachePath, scriptPath, options, taskList)
		if err != nil {
			logger.Fatal().Err(err).Msgf("Failed to write %s", cachePath)
		}

		logger.Info().Msgf("Cached %d tasks", len(taskList))
		return nil
	},
}

func init() {
	RootCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	RootCmd.Flags().BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
}
