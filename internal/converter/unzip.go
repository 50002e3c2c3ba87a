package converter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ExtractZip extracts src into dst. Entries escaping dst are rejected.
func ExtractZip(src, dst string) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("converter: open archive %s: %w", src, err)
	}
	defer func() { _ = reader.Close() }()

	if err = os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("converter: create %s: %w", dst, err)
	}
	root, err := filepath.Abs(dst)
	if err != nil {
		return fmt.Errorf("converter: resolve %s: %w", dst, err)
	}

	for _, file := range reader.File {
		target, errTarget := archiveTarget(root, file.Name)
		if errTarget != nil {
			return errTarget
		}
		if file.FileInfo().IsDir() {
			if err = os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("converter: create %s: %w", target, err)
			}
			continue
		}
		if err = extractFile(file, target); err != nil {
			return err
		}
	}
	return nil
}

func archiveTarget(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(name, `\`, "/")))
	if filepath.IsAbs(cleaned) || filepath.VolumeName(cleaned) != "" {
		return "", fmt.Errorf("converter: archive entry %q is absolute", name)
	}
	target := filepath.Join(root, cleaned)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("converter: archive entry %q escapes the target directory", name)
	}
	return target, nil
}

func extractFile(file *zip.File, target string) (err error) {
	if err = os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("converter: create %s: %w", filepath.Dir(target), err)
	}
	in, err := file.Open()
	if err != nil {
		return fmt.Errorf("converter: open entry %s: %w", file.Name, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("converter: create %s: %w", target, err)
	}
	defer func() {
		if errClose := out.Close(); err == nil && errClose != nil {
			err = fmt.Errorf("converter: close %s: %w", target, errClose)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("converter: extract %s: %w", file.Name, err)
	}
	return nil
}
