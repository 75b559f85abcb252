package zipx

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		target := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o750))
		require.NoError(t, os.WriteFile(target, []byte(content), 0o600))
	}
}

func TestWriteDeterministicZipIsOrderIndependent(t *testing.T) {
	var first, second bytes.Buffer
	require.NoError(t, WriteDeterministicZip(&first, []File{{Path: "b.txt", Data: []byte("b")}, {Path: "a.txt", Data: []byte("a")}}))
	require.NoError(t, WriteDeterministicZip(&second, []File{{Path: "a.txt", Data: []byte("a")}, {Path: "b.txt", Data: []byte("b")}}))
	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestWriteDeterministicZipRejectsBadNames(t *testing.T) {
	var buffer bytes.Buffer
	assert.ErrorIs(t, WriteDeterministicZip(&buffer, []File{{Path: "../x"}}), ErrUnsafePath)
	assert.ErrorIs(t, WriteDeterministicZip(&buffer, []File{{Path: "/etc/x"}}), ErrUnsafePath)
	assert.Error(t, WriteDeterministicZip(&buffer, []File{{Path: "a"}, {Path: "a"}}))
}

func TestArchiveDirRoundTrip(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{"file.txt": "hello", "nested/deep/data.json": `{"k":1}`})
	require.NoError(t, os.MkdirAll(filepath.Join(source, "empty"), 0o750))

	archive, err := ArchiveDir(source)
	require.NoError(t, err)

	again, err := ArchiveDir(source)
	require.NoError(t, err)
	assert.Equal(t, archive, again)

	dest := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, Extract(archive, dest))
	content, err := os.ReadFile(filepath.Join(dest, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
	content, err = os.ReadFile(filepath.Join(dest, "nested", "deep", "data.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"k":1}`, string(content))
	assert.DirExists(t, filepath.Join(dest, "empty"))
}

func TestArchiveDirRefusesSymlinks(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{"real.txt": "x"})
	if err := os.Symlink(filepath.Join(source, "real.txt"), filepath.Join(source, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	_, err := ArchiveDir(source)
	require.Error(t, err)
}

func craftZip(t *testing.T, names ...string) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for _, name := range names {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte("payload"))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buffer.Bytes()
}

func TestExtractRejectsTraversalBeforeWriting(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "a", "b", "dest")
	archive := craftZip(t, "ok.txt", "../../etc/passwd")

	err := Extract(archive, dest)
	require.ErrorIs(t, err, ErrUnsafePath)
	assert.NoDirExists(t, dest)
	assert.NoFileExists(t, filepath.Join(root, "etc", "passwd"))
	assert.NoFileExists(t, filepath.Join(root, "a", "etc", "passwd"))
}

func TestCheckRejectsUnsafeMembers(t *testing.T) {
	for _, name := range []string{"../escape", "/abs/path", "a/../../b", "dir\\..\\x"} {
		assert.ErrorIs(t, Check(craftZip(t, name)), ErrUnsafePath, name)
	}
	assert.NoError(t, Check(craftZip(t, "fine/file.txt")))
}

func TestCheckRejectsSymlinkMembers(t *testing.T) {
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	header := &zip.FileHeader{Name: "link"}
	header.SetMode(os.ModeSymlink | 0o777)
	entry, err := writer.CreateHeader(header)
	require.NoError(t, err)
	_, err = entry.Write([]byte("/etc/passwd"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	assert.ErrorIs(t, Check(buffer.Bytes()), ErrUnsafePath)
}
