// Package converter runs the local conversion tool for a downloaded asset. The tool itself is an
// opaque process; this package only prepares directories, substitutes paths and finds the result.
package converter

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/innoactive/asset-pipeline-connector/internal/config"
	log "github.com/sirupsen/logrus"
)

// Converter turns inputPath into a result file inside outputDir.
type Converter interface {
	Name() string
	// Convert returns the path of the file to upload.
	Convert(ctx context.Context, inputPath, outputDir string) (string, error)
}

// New returns the converter selected by cfg.Kind.
func New(cfg config.ConverterConfig) (Converter, error) {
	switch cfg.Kind {
	case "", config.ConverterNoop:
		return Noop{}, nil
	case config.ConverterCommand:
		return NewCommand(cfg)
	}
	return nil, fmt.Errorf("converter: unknown kind %q", cfg.Kind)
}

// Noop copies the input directory into the output directory and returns the copied input file.
type Noop struct{}

func (Noop) Name() string { return config.ConverterNoop }

func (Noop) Convert(ctx context.Context, inputPath, outputDir string) (string, error) {
	if err := resetDir(outputDir); err != nil {
		return "", err
	}
	if err := copyTree(ctx, filepath.Dir(inputPath), outputDir); err != nil {
		return "", err
	}
	result := filepath.Join(outputDir, filepath.Base(inputPath))
	log.WithField("path", result).Debug("noop conversion finished")
	return result, nil
}

// resetDir removes dir and creates it empty.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("converter: clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("converter: create %s: %w", dir, err)
	}
	return nil
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if errCtx := ctx.Err(); errCtx != nil {
			return errCtx
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			// dst may live below src; never copy it into itself.
			if p == dst {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("converter: open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("converter: create %s: %w", dst, err)
	}
	defer func() {
		if errClose := out.Close(); err == nil && errClose != nil {
			err = fmt.Errorf("converter: close %s: %w", dst, errClose)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("converter: copy %s: %w", src, err)
	}
	return nil
}
