package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

var levelColors = map[string]string{
	"fatal": "[red]",
	"error": "[red]",
	"warn":  "[yellow]",
	"debug": "[blue]",
	"trace": "[blue]",
}

// ConsoleWriter renders zerolog's JSON events as colored console lines.
type ConsoleWriter struct {
	lock sync.Mutex
}

func NewConsoleWriter() *ConsoleWriter {
	return &ConsoleWriter{}
}

func formatEvent(evt map[string]interface{}) string {
	buffer := strings.Builder{}

	level, _ := evt["level"].(string)
	color, ok := levelColors[level]
	if !ok {
		color = "[green]"
	}
	buffer.WriteString(color)

	if task, ok := evt["task"]; ok {
		buffer.WriteString(task.(string) + ": ")
	}

	if level == "error" {
		buffer.WriteString("Error: ")
	}

	msg, _ := evt["message"].(string)

	if path, ok := evt["path"]; ok {
		relPath, err := filepath.Rel(".", path.(string))
		if err == nil {
			msg = strings.ReplaceAll(msg, path.(string), relPath)
		}
	}

	buffer.WriteString(msg)

	if errorDetails, ok := evt["error"]; ok {
		buffer.WriteString("\n")
		buffer.WriteString(errorDetails.(string))
	}

	if os.Getenv("SLIPWAY_DEBUG") != "" {
		buffer.WriteString("\n")
		for name, value := range evt {
			buffer.WriteString(fmt.Sprintf("  %s: %+v\n", name, value))
		}
	}

	buffer.WriteString("[reset]\n")
	return buffer.String()
}

func (w *ConsoleWriter) Write(p []byte) (n int, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	var evt map[string]interface{}
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	err = d.Decode(&evt)
	if err != nil {
		return n, eris.Wrapf(err, "cannot decode event: %s", p)
	}

	return colorstring.Fprint(os.Stderr, formatEvent(evt))
}

func init() {
	zerolog.ErrorMarshalFunc = func(err error) interface{} {
		return eris.ToString(err, os.Getenv("SLIPWAY_DEBUG") != "")
	}
}
