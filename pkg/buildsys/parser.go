package buildsys

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	tasks        []*Task
	initPhase    bool
}

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

func stringsFromList(input *starlark.List, field string) ([]string, error) {
	result := []string{}
	if input == nil {
		return result, nil
	}

	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		value, ok := item.(starlark.String)
		if !ok {
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}

		result = append(result, value.GoString())
	}
	return result, nil
}

// shellCall turns a tuple of command parts into a single shell call
// expression. Leading "NAME=value" strings become env assignments, path
// values are rewritten relative to base.
func shellCall(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		value, ok := part.(starlark.String)
		if !ok || !strings.Contains(value.GoString(), "=") {
			break
		}
		envVars = append(envVars, value.GoString())
	}

	var cmd *syntax.CallExpr
	if len(envVars) > 0 {
		joined := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joined), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joined)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joined)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joined)
		}
	} else {
		cmd = new(syntax.CallExpr)
	}

	cmd.Args = make([]*syntax.Word, len(parts)-len(envVars))
	for idx, arg := range parts[len(envVars):] {
		var encoded string

		switch value := arg.(type) {
		case starlark.String:
			encoded = value.GoString()
		case StarlarkPath:
			encoded = string(value)

			if filepath.IsAbs(encoded) {
				// absolute paths cause issues on Windows
				relValue, err := filepath.Rel(base, encoded)
				if err == nil {
					encoded = relValue
				}
			}

			encoded = filepath.ToSlash(encoded)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}

		var wordPart syntax.WordPart
		if strings.ContainsAny(encoded, " $'") {
			wordPart = &syntax.SglQuoted{Value: encoded}
		} else {
			wordPart = &syntax.Lit{Value: encoded}
		}

		cmd.Args[idx] = &syntax.Word{Parts: []syntax.WordPart{wordPart}}
	}

	return cmd, nil
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).Info().
		Msgf("%s:%d:%d: %s", ctx.displayPath(ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).Warn().
		Msgf("%s:%d:%d: %s", ctx.displayPath(ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	if value, ok := ctx.optionValues[name]; ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func taskEnvMap(env *starlark.Dict) (map[string]string, error) {
	result := map[string]string{}
	if env == nil {
		return result, nil
	}

	for _, rawKey := range env.Keys() {
		key, ok := rawKey.(starlark.String)
		if !ok {
			return nil, eris.Errorf("found key type %s in env map but only strings are supported", rawKey.Type())
		}

		rawValue, _, err := env.Get(rawKey)
		if err != nil {
			return nil, err
		}

		value, ok := rawValue.(starlark.String)
		if !ok {
			return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", rawValue.Type(), key.GoString())
		}

		result[key.GoString()] = value.GoString()
	}

	return result, nil
}

func taskCommands(cmds *starlark.List, base string) ([]TaskCmd, error) {
	result := make([]TaskCmd, 0)
	if cmds == nil {
		return result, nil
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	buffer := strings.Builder{}

	renderCall := func(parts starlark.Tuple, idx int) (TaskCmd, error) {
		call, err := shellCall(parts, parser, base)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to process command #%d", idx)
		}

		buffer.Reset()
		err = printer.Print(&buffer, call)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to process command #%d", idx)
		}

		return TaskCmdScript{Content: buffer.String()}, nil
	}

	iter := cmds.Iterate()
	defer iter.Done()

	var item starlark.Value
	for idx := 0; iter.Next(&item); idx++ {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, TaskCmdScript{Content: value.GoString()})
		case starlark.Tuple:
			cmd, err := renderCall(value, idx)
			if err != nil {
				return nil, err
			}
			result = append(result, cmd)
		case *starlark.List:
			parts := make(starlark.Tuple, 0, value.Len())
			subIter := value.Iterate()
			var subItem starlark.Value
			for subIter.Next(&subItem) {
				parts = append(parts, subItem)
			}
			subIter.Done()

			cmd, err := renderCall(parts, idx)
			if err != nil {
				return nil, err
			}
			result = append(result, cmd)
		case *Task:
			result = append(result, TaskCmdTaskRef{Task: value})
		default:
			return nil, eris.Errorf("unexpected type %s, only strings, tuples, lists and tasks are valid", item.Type())
		}
	}

	return result, nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var skipIfExists *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	result := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short??", &result.Short, "hidden?", &result.Hidden,
		"desc?", &result.Desc, "deps?", &deps, "base?", &result.Base, "skip_if_exists?", &skipIfExists, "inputs?",
		&inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	if result.Short == "" {
		result.Hidden = true
		result.Short = "auto#" + nanoid.New()
	}

	if result.Short == "configure" {
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	ctx := getCtx(thread)
	if result.Base == "" {
		result.Base = "."
	}
	result.Base = ctx.resolve(result.Base)

	result.Deps, err = stringsFromList(deps, "deps")
	if err != nil {
		return nil, err
	}

	result.SkipIfExists, err = stringsFromList(skipIfExists, "skip_if_exists")
	if err != nil {
		return nil, err
	}

	result.Inputs, err = stringsFromList(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	result.Outputs, err = stringsFromList(outputs, "outputs")
	if err != nil {
		return nil, err
	}

	result.Env, err = taskEnvMap(env)
	if err != nil {
		return nil, err
	}

	result.Cmds, err = taskCommands(cmds, result.Base)
	if err != nil {
		return nil, err
	}

	if len(result.Inputs) > 0 && len(result.Outputs) == 0 {
		warn(thread, "%s: found inputs but no outputs", fn.Name())
	}

	if !result.Hidden {
		ctx.tasks = append(ctx.tasks, result)
	}
	return result, nil
}

func runConfigure(thread *starlark.Thread, globals starlark.StringDict, tCtx *parserCtx) error {
	configure, ok := globals["configure"]
	if !ok {
		return eris.Errorf("%s did not declare a configure function", tCtx.displayPath(tCtx.filepath))
	}

	configureFunc, ok := configure.(starlark.Callable)
	if !ok {
		return eris.Errorf("%s did declare a configure value but it's not a function", tCtx.displayPath(tCtx.filepath))
	}

	tCtx.initPhase = false
	_, err := starlark.Call(thread, configureFunc, nil, nil)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return eris.New(evalError.Backtrace())
		}
		return eris.Wrapf(err, "failed configure call in %s", tCtx.displayPath(tCtx.filepath))
	}

	return nil
}

// Parse executes a build script and returns the declared options. If
// doConfigure is true, the script's configure function is called and the
// declared tasks are collected and returned.
func Parse(ctx context.Context, filename, projectRoot string, options map[string]string, doConfigure bool) (TaskList, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	tCtx := &parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		tasks:        make([]*Task, 0),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", tCtx)

	script, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to read file")
	}

	globals, err := starlark.ExecFile(thread, tCtx.displayPath(filename), script, scriptBuiltins())
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.Errorf("failed to execute %s:\n%s", tCtx.displayPath(filename), evalError.Backtrace())
		}
		return nil, nil, eris.Wrap(err, "failed to execute")
	}

	tasks := TaskList{}
	if doConfigure {
		err = runConfigure(thread, globals, tCtx)
		if err != nil {
			return nil, nil, err
		}

		for _, item := range tCtx.tasks {
			tasks[item.Short] = item

			// setenv calls apply to every task that doesn't override the var itself
			for name, value := range tCtx.envOverrides {
				if _, present := item.Env[name]; !present {
					item.Env[name] = value
				}
			}
		}
	}

	return tasks, tCtx.options, nil
}
