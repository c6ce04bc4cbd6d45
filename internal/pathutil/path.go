// Package pathutil provides path validation utilities.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// CheckDirectory checks that path exists and is a directory.
func CheckDirectory(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access directory %s: %w", absOrSelf(path), err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s exists but is not a directory", absOrSelf(path))
	}
	return nil
}

// CheckDirectoryWritable checks that a directory is writable, creating it
// when missing.
func CheckDirectoryWritable(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	absPath := absOrSelf(path)
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("directory %s does not exist and cannot be created: %w", absPath, err)
	}

	probe, err := os.CreateTemp(absPath, ".nfsvfs-write-test-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	return nil
}

// CheckFileDirectoryWritable checks if the directory containing a file path is writable.
func CheckFileDirectoryWritable(filePath string, fileType string) error {
	if filePath == "" {
		return nil // Empty path is valid for optional files (like the log file)
	}

	if err := CheckDirectoryWritable(filepath.Dir(filePath)); err != nil {
		return fmt.Errorf("%s file directory check failed: %w", fileType, err)
	}
	return nil
}

func absOrSelf(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
