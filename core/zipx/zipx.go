package zipx

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const maxEntryBytes = 1 << 30

var ErrUnsafePath = errors.New("unsafe archive member")

// epoch is the fixed modification time written for every entry so identical
// trees produce identical archives.
var epoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// File is one archive entry. A Path ending in "/" is a directory entry.
type File struct {
	Path string
	Data []byte
	Mode os.FileMode
}

// WriteDeterministicZip writes files sorted by path with fixed timestamps.
func WriteDeterministicZip(writer io.Writer, files []File) error {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	zipWriter := zip.NewWriter(writer)
	seen := make(map[string]struct{}, len(sorted))
	for _, file := range sorted {
		if err := checkMemberName(file.Path); err != nil {
			return err
		}
		if _, ok := seen[file.Path]; ok {
			return fmt.Errorf("duplicate zip entry: %s", file.Path)
		}
		seen[file.Path] = struct{}{}

		header := &zip.FileHeader{
			Name:     file.Path,
			Method:   zip.Deflate,
			Modified: epoch,
		}
		mode := file.Mode.Perm()
		if strings.HasSuffix(file.Path, "/") {
			if mode == 0 {
				mode = 0o755
			}
			header.Method = zip.Store
			header.SetMode(fs.ModeDir | mode)
		} else {
			if mode == 0 {
				mode = 0o644
			}
			header.SetMode(mode)
		}
		entry, err := zipWriter.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create zip entry %s: %w", file.Path, err)
		}
		if len(file.Data) > 0 {
			if _, err := entry.Write(file.Data); err != nil {
				return fmt.Errorf("write zip entry %s: %w", file.Path, err)
			}
		}
	}
	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	return nil
}

// ArchiveDir archives the tree under root with root-relative member names.
// Symlinks and other non-regular files are refused.
func ArchiveDir(root string) ([]byte, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive root %s is not a directory", root)
	}
	var files []File
	err = filepath.WalkDir(root, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if current == root {
			return nil
		}
		relative, err := filepath.Rel(root, current)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(relative)
		entryInfo, err := entry.Info()
		if err != nil {
			return err
		}
		switch {
		case entry.IsDir():
			files = append(files, File{Path: name + "/", Mode: entryInfo.Mode().Perm()})
		case entryInfo.Mode().IsRegular():
			// #nosec G304 -- path comes from walking the caller-provided root.
			data, err := os.ReadFile(current)
			if err != nil {
				return err
			}
			files = append(files, File{Path: name, Data: data, Mode: entryInfo.Mode().Perm()})
		default:
			return fmt.Errorf("cannot archive %s: not a regular file or directory", name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	var buffer bytes.Buffer
	if err := WriteDeterministicZip(&buffer, files); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Check validates every member of an archive without writing anything.
func Check(data []byte) error {
	_, err := openChecked(data)
	return err
}

// Extract writes the archive under dest. Every member is validated before
// the first write, so an unsafe archive writes nothing.
func Extract(data []byte, dest string) error {
	reader, err := openChecked(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	for _, member := range reader.File {
		target := filepath.Join(dest, filepath.FromSlash(strings.TrimSuffix(member.Name, "/")))
		if member.FileInfo().IsDir() {
			if err := os.MkdirAll(target, dirMode(member.Mode())); err != nil {
				return fmt.Errorf("create %s: %w", member.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return fmt.Errorf("create parent of %s: %w", member.Name, err)
		}
		if err := extractFile(member, target); err != nil {
			return fmt.Errorf("extract %s: %w", member.Name, err)
		}
	}
	return nil
}

func openChecked(data []byte) (*zip.Reader, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	for _, member := range reader.File {
		if err := checkMemberName(member.Name); err != nil {
			return nil, err
		}
		mode := member.Mode()
		if mode&fs.ModeSymlink != 0 || (!mode.IsRegular() && !mode.IsDir()) {
			return nil, fmt.Errorf("%w: %s is not a regular file or directory", ErrUnsafePath, member.Name)
		}
		if member.UncompressedSize64 > maxEntryBytes {
			return nil, fmt.Errorf("zip entry too large: %s", member.Name)
		}
	}
	return reader, nil
}

// checkMemberName rejects names that would resolve outside the extraction root.
func checkMemberName(name string) error {
	trimmed := strings.TrimSuffix(name, "/")
	if trimmed == "" || strings.Contains(name, "\\") || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	if path.IsAbs(trimmed) || filepath.IsAbs(filepath.FromSlash(trimmed)) {
		return fmt.Errorf("%w: absolute path %q", ErrUnsafePath, name)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: %q escapes the destination", ErrUnsafePath, name)
		}
	}
	if !filepath.IsLocal(filepath.FromSlash(trimmed)) {
		return fmt.Errorf("%w: %q is not a local path", ErrUnsafePath, name)
	}
	return nil
}

func extractFile(member *zip.File, target string) error {
	source, err := member.Open()
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()
	mode := member.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	// #nosec G304 -- target was validated to stay under the extraction root.
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	written, err := io.Copy(file, io.LimitReader(source, maxEntryBytes+1))
	if err != nil {
		_ = file.Close()
		return err
	}
	if written > maxEntryBytes {
		_ = file.Close()
		return fmt.Errorf("zip entry exceeds max size")
	}
	return file.Close()
}

func dirMode(mode fs.FileMode) fs.FileMode {
	if perm := mode.Perm(); perm != 0 {
		return perm
	}
	return 0o750
}
