package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/innoactive/asset-pipeline-connector/internal/config"
	log "github.com/sirupsen/logrus"
)

const outputTail = 2 << 10

// Command runs an external conversion tool. Args may contain {input}, {input_dir} and {output}.
type Command struct {
	command    string
	args       []string
	resultGlob string
	unzip      bool
}

// NewCommand validates cfg and returns a Command converter.
func NewCommand(cfg config.ConverterConfig) (*Command, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, fmt.Errorf("converter: command is required for kind %q", config.ConverterCommand)
	}
	if cfg.ResultGlob != "" {
		if _, err := filepath.Match(cfg.ResultGlob, ""); err != nil {
			return nil, fmt.Errorf("converter: invalid result_glob %q: %w", cfg.ResultGlob, err)
		}
	}
	return &Command{
		command:    command,
		args:       append([]string(nil), cfg.Args...),
		resultGlob: cfg.ResultGlob,
		unzip:      cfg.Unzip,
	}, nil
}

func (c *Command) Name() string { return filepath.Base(c.command) }

// Convert extracts zip inputs when configured, runs the tool and picks the result file.
func (c *Command) Convert(ctx context.Context, inputPath, outputDir string) (string, error) {
	if err := resetDir(outputDir); err != nil {
		return "", err
	}

	input := inputPath
	if c.unzip && strings.EqualFold(filepath.Ext(inputPath), ".zip") {
		extracted := strings.TrimSuffix(inputPath, filepath.Ext(inputPath))
		if err := ExtractZip(inputPath, extracted); err != nil {
			return "", err
		}
		input = extracted
	}

	args := expandArgs(c.args, map[string]string{
		"{input}":     input,
		"{input_dir}": filepath.Dir(inputPath),
		"{output}":    outputDir,
	})
	cmd := exec.CommandContext(ctx, c.command, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	entry := log.WithFields(log.Fields{"path": input})
	entry.Infof("running converter %s %s", c.command, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		tail := lastBytes(output.Bytes(), outputTail)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("converter: %s exited with code %d: %s", c.Name(), exitErr.ExitCode(), tail)
		}
		return "", fmt.Errorf("converter: run %s: %w", c.Name(), err)
	}
	if output.Len() > 0 {
		entry.Debugf("converter output: %s", lastBytes(output.Bytes(), outputTail))
	}
	return findResult(outputDir, c.resultGlob)
}

func expandArgs(args []string, values map[string]string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		for placeholder, value := range values {
			arg = strings.ReplaceAll(arg, placeholder, value)
		}
		out[i] = arg
	}
	return out
}

// findResult returns the first regular file in dir matching pattern, or the first regular file
// when pattern is empty. Matches are ordered by name.
func findResult(dir, pattern string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("converter: read output: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, entry.Name()); !ok {
				continue
			}
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		if pattern != "" {
			return "", fmt.Errorf("converter: no result matching %q in %s", pattern, dir)
		}
		return "", fmt.Errorf("converter: no result in %s", dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

func lastBytes(data []byte, n int) string {
	if len(data) > n {
		data = data[len(data)-n:]
	}
	return strings.TrimSpace(string(data))
}
