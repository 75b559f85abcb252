package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// SuccessScript writes a minimal successful trial output.
const SuccessScript = `printf '{"schema_version":"trial_output_v1","outcome":"success","metrics":{"score":1}}' > "$AGENTLAB_TRIAL_OUTPUT"
`

func RepoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to locate testutil source file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

func BuildAgentlabBinary(t *testing.T, root string) string {
	t.Helper()
	binDir := t.TempDir()
	binName := "agentlab"
	if runtime.GOOS == "windows" {
		binName = "agentlab.exe"
	}
	binPath := filepath.Join(binDir, binName)

	// #nosec G204 -- arguments are fixed and used only in test binaries.
	build := exec.Command("go", "build", "-o", binPath, "./cmd/agentlab")
	build.Dir = root
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("build agentlab binary: %v\n%s", err, string(out))
	}
	return binPath
}

// FakeHarness writes a POSIX shell script under dir and returns the command
// that runs it. The script body sees the trial env vars.
func FakeHarness(t *testing.T, dir string, body string) []string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake harness requires /bin/sh")
	}
	path := filepath.Join(dir, "harness.sh")
	WriteFile(t, path, []byte("#!/bin/sh\nset -eu\n"+body))
	return []string{"/bin/sh", path}
}

func CommandExitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected command exit error, got: %v", err)
	}
	return exitErr.ExitCode()
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func WriteJSON(t *testing.T, path string, value any) {
	t.Helper()
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	WriteFile(t, path, append(encoded, '\n'))
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

func FormatJSON(raw []byte) string {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return string(raw)
	}
	encoded, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return string(raw)
	}
	return fmt.Sprintf("%s\n", string(encoded))
}
