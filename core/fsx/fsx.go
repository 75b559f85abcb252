package fsx

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// WriteFileAtomic replaces path with content via a synced temp file and rename.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	_, err := commit(path, mode, true, func(writer io.Writer) error {
		_, err := io.Copy(writer, bytes.NewReader(content))
		return err
	})
	return err
}

// CommitFile publishes fill's output at path only if path does not exist yet.
// It reports whether this call created the file. Readers never observe a
// partially written destination.
func CommitFile(path string, mode os.FileMode, fill func(io.Writer) error) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	return commit(path, mode, false, fill)
}

func commit(path string, mode os.FileMode, replace bool, fill func(io.Writer) error) (bool, error) {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tempFile, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if err := fill(tempFile); err != nil {
		_ = tempFile.Close()
		return false, fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return false, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return false, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return false, fmt.Errorf("close temp file: %w", err)
	}

	if !replace {
		// A concurrent writer may have won; content-addressed callers treat that as success.
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return false, fmt.Errorf("rename temp file: %w", err)
		}
		if !replace {
			if _, statErr := os.Stat(path); statErr == nil {
				return false, nil
			}
			return false, fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return false, fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return false, fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	cleanup = false

	SyncDir(parent)
	return true, nil
}

// SyncDir fsyncs a directory entry list; errors are ignored because not every
// platform supports syncing directories.
func SyncDir(path string) {
	// #nosec G304 -- directory path is derived from an explicit caller-provided destination path.
	if dirHandle, err := os.Open(path); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
}

// EnsureParent creates the parent directory of path.
func EnsureParent(path string) error {
	parent := filepath.Dir(path)
	if parent == "." || parent == "" {
		return nil
	}
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", parent, err)
	}
	return nil
}

// WriteFileAtomicMkdir is WriteFileAtomic with the parent directory created first.
func WriteFileAtomicMkdir(path string, content []byte, mode os.FileMode) error {
	if err := EnsureParent(path); err != nil {
		return err
	}
	return WriteFileAtomic(path, content, mode)
}
