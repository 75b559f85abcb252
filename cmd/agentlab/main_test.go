package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/runner"
	"github.com/davidahmann/agentlab/internal/testutil"
)

func runCLI(t *testing.T, arguments ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := runWith(append([]string{"agentlab"}, arguments...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func decodeOutput(t *testing.T, stdout string) map[string]any {
	t.Helper()
	output := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(stdout)), &output), stdout)
	return output
}

// writeExperiment writes a two-task experiment driven by a shell harness
// and returns its path.
func writeExperiment(t *testing.T, dir string, script string, checkpoint bool) string {
	t.Helper()
	command := testutil.FakeHarness(t, dir, script)
	testutil.WriteFile(t, filepath.Join(dir, "tasks.jsonl"), []byte(`{"task_id":"t1"}`+"\n"+`{"task_id":"t2"}`+"\n"))
	content := `version: "0.3"
dataset:
  path: tasks.jsonl
runtime:
  harness:
    mode: cli
    command: ["` + command[0] + `", "` + command[1] + `"]
    timeout_seconds: 10
`
	if checkpoint {
		content += "  checkpoint:\n    enabled: true\n"
	}
	path := filepath.Join(dir, "experiment.yaml")
	testutil.WriteFile(t, path, []byte(content))
	return path
}

func readTrials(t *testing.T, runDir string) []runner.TrialResult {
	t.Helper()
	var trials []runner.TrialResult
	require.NoError(t, json.Unmarshal(testutil.MustReadFile(t, filepath.Join(runDir, "trials.json")), &trials))
	return trials
}

func TestRunDispatch(t *testing.T) {
	code, stdout, _ := runCLI(t)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "agentlab "+version+"\n", stdout)

	code, stdout, _ = runCLI(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, version)

	code, stdout, _ = runCLI(t, "--json", "version")
	assert.Equal(t, exitOK, code)
	assert.Equal(t, version, decodeOutput(t, stdout)["version"])

	code, _, stderr := runCLI(t, "unknown")
	assert.Equal(t, exitInvalidInput, code)
	assert.Contains(t, stderr, "unknown")

	code, _, _ = runCLI(t, "run")
	assert.Equal(t, exitInvalidInput, code)

	for _, command := range []string{"run", "replay", "fork", "verify", "restore", "publish", "validate", "schema-validate", "hooks-validate"} {
		code, stdout, _ = runCLI(t, command, "--help")
		assert.Equal(t, exitOK, code, command)
		assert.Contains(t, stdout, "Usage:", command)
	}
}

func TestMainEntrypoint(t *testing.T) {
	if os.Getenv("AGENTLAB_TEST_MAIN") == "1" {
		os.Args = []string{"agentlab", "version"}
		main()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestMainEntrypoint")
	cmd.Env = append(os.Environ(), "AGENTLAB_TEST_MAIN=1")
	require.NoError(t, cmd.Run())
}

func TestBinaryExitCodes(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the agentlab binary")
	}
	binPath := testutil.BuildAgentlabBinary(t, testutil.RepoRoot(t))

	// #nosec G204 -- binary path is the test-built artifact.
	out, err := exec.Command(binPath, "version", "--json").Output()
	require.NoError(t, err)
	assert.Equal(t, true, decodeOutput(t, string(out))["ok"])

	// #nosec G204 -- binary path is the test-built artifact.
	missing := exec.Command(binPath, "verify", filepath.Join(t.TempDir(), "absent"), "--json")
	out, err = missing.Output()
	assert.Equal(t, exitNotFound, testutil.CommandExitCode(t, err))
	assert.Equal(t, "verify_target_not_found", decodeOutput(t, string(out))["error_code"])
}

func TestRunVerifyReplayFork(t *testing.T) {
	workDir := t.TempDir()
	experimentPath := writeExperiment(t, workDir, testutil.SuccessScript, false)
	base := t.TempDir()

	code, stdout, stderr := runCLI(t, "run", experimentPath, "--base-dir", base, "--parallel", "2", "--json")
	require.Equal(t, exitOK, code, stderr)
	output := decodeOutput(t, stdout)
	assert.Equal(t, true, output["ok"])
	assert.EqualValues(t, 2, output["trials"])
	assert.Equal(t, map[string]any{"completed": float64(2)}, output["outcomes"])
	runDir := output["run_dir"].(string)
	assert.True(t, strings.HasPrefix(runDir, runner.RunsDir(base)))
	assert.FileExists(t, output["attestation_path"].(string))
	assert.FileExists(t, output["debug_bundle_path"].(string))

	code, stdout, stderr = runCLI(t, "verify", runDir, "--json")
	require.Equal(t, exitOK, code, stderr)
	verified := decodeOutput(t, stdout)
	assert.Equal(t, "run", verified["kind"])
	assert.Len(t, verified["trials"], 2)

	trials := readTrials(t, runDir)
	require.Len(t, trials, 2)
	trialID := trials[0].TrialID

	code, stdout, stderr = runCLI(t, "verify", filepath.Join(trials[0].Dir, "events.jsonl"), "--json")
	require.Equal(t, exitOK, code, stderr)
	logOutput := decodeOutput(t, stdout)
	assert.Equal(t, "events", logOutput["kind"])
	assert.Equal(t, true, logOutput["head_checked"])
	assert.Equal(t, trials[0].EventsHead, logOutput["head"])

	code, stdout, stderr = runCLI(t, "replay", trialID, "--base-dir", base, "--json")
	require.Equal(t, exitOK, code, stderr)
	replayed := decodeOutput(t, stdout)
	assert.Equal(t, trialID, replayed["trial_id"])
	assert.Equal(t, true, replayed["matches"])
	assert.FileExists(t, filepath.Join(trials[0].Dir, runner.TrialOutputReplayFile))

	code, stdout, stderr = runCLI(t, "events", trialID, "--base-dir", base, "--json")
	require.Equal(t, exitOK, code, stderr)
	listed := decodeOutput(t, stdout)["events"].([]any)
	require.GreaterOrEqual(t, len(listed), 2)
	assert.Equal(t, "trial_start", listed[0].(map[string]any)["event_type"])
	assert.Equal(t, "trial_end", listed[len(listed)-1].(map[string]any)["event_type"])

	code, stdout, stderr = runCLI(t, "events", trialID, "--base-dir", base, "--seq", "1", "--json")
	require.Equal(t, exitOK, code, stderr)
	first := decodeOutput(t, stdout)
	payload := first["payload"].(map[string]any)
	assert.Equal(t, trialID, payload["ids"].(map[string]any)["trial_id"])

	code, stdout, _ = runCLI(t, "events", trialID, "--base-dir", base, "--seq", "999", "--json")
	assert.Equal(t, exitNotFound, code)
	assert.Equal(t, "event_not_found", decodeOutput(t, stdout)["error_code"])

	code, stdout, stderr = runCLI(t, "fork", trialID, "--base-dir", base, "--set", "temperature=0.5", "--at", "turn:1", "--json")
	require.Equal(t, exitOK, code, stderr)
	forked := decodeOutput(t, stdout)
	assert.Equal(t, trialID, forked["parent_trial_id"])
	forkID := forked["trial_id"].(string)
	assert.NotEqual(t, trialID, forkID)

	var input map[string]any
	require.NoError(t, json.Unmarshal(testutil.MustReadFile(t, filepath.Join(forked["dir"].(string), runner.TrialInputFile)), &input))
	assert.Equal(t, 0.5, input["bindings"].(map[string]any)["temperature"])
	fork := input["ext"].(map[string]any)["fork"].(map[string]any)
	assert.Equal(t, trialID, fork["parent_trial_id"])
	assert.Equal(t, "turn:1", fork["at"])

	code, stdout, stderr = runCLI(t, "verify", runDir, "--json")
	require.Equal(t, exitOK, code, stderr)
	assert.Len(t, decodeOutput(t, stdout)["trials"], 3)
}

func TestRunTextOutputReportsFailedTrials(t *testing.T) {
	workDir := t.TempDir()
	experimentPath := writeExperiment(t, workDir, "echo broken >&2\nexit 3\n", false)

	code, stdout, stderr := runCLI(t, "run", experimentPath, "--base-dir", t.TempDir())
	assert.Equal(t, exitTrialsFailed, code)
	assert.Contains(t, stdout, "failed=2")
	assert.Contains(t, stderr, "2 of 2 trials did not complete")
}

func TestRunJSONFailedTrialsEnvelope(t *testing.T) {
	workDir := t.TempDir()
	experimentPath := writeExperiment(t, workDir, "exit 3\n", false)

	code, stdout, _ := runCLI(t, "run", experimentPath, "--base-dir", t.TempDir(), "--json")
	assert.Equal(t, exitTrialsFailed, code)
	output := decodeOutput(t, stdout)
	assert.Equal(t, false, output["ok"])
	assert.Equal(t, "trials_failed", output["error_code"])
	assert.Equal(t, "harness_failed", output["error_category"])
	assert.NotEmpty(t, output["hint"])
}

func TestRunMissingExperiment(t *testing.T) {
	code, stdout, _ := runCLI(t, "run", filepath.Join(t.TempDir(), "missing.yaml"), "--base-dir", t.TempDir(), "--json")
	assert.NotEqual(t, exitOK, code)
	output := decodeOutput(t, stdout)
	assert.Equal(t, false, output["ok"])
	assert.NotEmpty(t, output["error"])
}

func TestVerifyDetectsTampering(t *testing.T) {
	workDir := t.TempDir()
	experimentPath := writeExperiment(t, workDir, testutil.SuccessScript, false)
	base := t.TempDir()
	code, stdout, stderr := runCLI(t, "run", experimentPath, "--base-dir", base, "--json")
	require.Equal(t, exitOK, code, stderr)
	runDir := decodeOutput(t, stdout)["run_dir"].(string)

	resolvedPath := filepath.Join(runDir, "resolved_experiment.json")
	raw := testutil.MustReadFile(t, resolvedPath)
	testutil.WriteFile(t, resolvedPath, bytes.Replace(raw, []byte("tasks.jsonl"), []byte("other.jsonl"), 1))

	code, stdout, _ = runCLI(t, "verify", runDir, "--json")
	assert.Equal(t, exitVerifyFailed, code)
	output := decodeOutput(t, stdout)
	assert.Equal(t, false, output["ok"])
	assert.Equal(t, "integrity_failed", output["error_category"])
	assert.Equal(t, "resolved_experiment_digest_mismatch", output["error_code"])
}

func TestVerifyMissingTarget(t *testing.T) {
	code, _, stderr := runCLI(t, "verify", filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, exitNotFound, code)
	assert.Contains(t, stderr, "nope")
}

func TestReplayUnknownTrial(t *testing.T) {
	code, stdout, _ := runCLI(t, "replay", "trial_missing", "--base-dir", t.TempDir(), "--json")
	assert.Equal(t, exitNotFound, code)
	assert.Equal(t, "trial_not_found", decodeOutput(t, stdout)["error_code"])
}

func TestReplayStrictRejected(t *testing.T) {
	code, stdout, _ := runCLI(t, "replay", "trial_x", "--strict", "--json")
	assert.Equal(t, exitInvalidInput, code)
	assert.Equal(t, "replay_strict_unsupported", decodeOutput(t, stdout)["error_code"])
}

func TestRestoreCommand(t *testing.T) {
	workDir := t.TempDir()
	script := `dir=$(dirname "$AGENTLAB_TRIAL_OUTPUT")
echo note > "$dir/workspace/note.txt"
` + testutil.SuccessScript
	experimentPath := writeExperiment(t, workDir, script, true)
	base := t.TempDir()
	code, stdout, stderr := runCLI(t, "run", experimentPath, "--base-dir", base, "--json")
	require.Equal(t, exitOK, code, stderr)
	runDir := decodeOutput(t, stdout)["run_dir"].(string)

	trial := readTrials(t, runDir)[0]
	require.NotEmpty(t, trial.Checkpoint)
	notePath := filepath.Join(trial.Dir, "workspace", "note.txt")
	testutil.WriteFile(t, notePath, []byte("changed\n"))

	code, stdout, stderr = runCLI(t, "restore", trial.Checkpoint, "--json")
	require.Equal(t, exitOK, code, stderr)
	output := decodeOutput(t, stdout)
	assert.Equal(t, "post_trial", output["label"])
	assert.Equal(t, []any{"state", "workspace"}, output["surfaces"])
	assert.Equal(t, "note\n", string(testutil.MustReadFile(t, notePath)))
}

func TestRestoreOutsideRunNeedsStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint_x.json")
	testutil.WriteFile(t, path, []byte(`{"label":"x","surfaces":{}}`))

	code, stdout, _ := runCLI(t, "restore", path, "--json")
	assert.Equal(t, exitNotFound, code)
	assert.Equal(t, "artifact_store_not_found", decodeOutput(t, stdout)["error_code"])
}

func TestProjectConfigDefaults(t *testing.T) {
	workDir := t.TempDir()
	experimentPath := writeExperiment(t, workDir, testutil.SuccessScript, false)
	base := filepath.Join(workDir, "labs")
	configPath := filepath.Join(workDir, "config.yaml")
	testutil.WriteFile(t, configPath, []byte("run:\n  base_dir: "+base+"\n  parallelism: 2\nlogging:\n  level: error\n  format: json\n"))

	code, stdout, stderr := runCLI(t, "--config", configPath, "run", experimentPath, "--json")
	require.Equal(t, exitOK, code, stderr)
	assert.True(t, strings.HasPrefix(decodeOutput(t, stdout)["run_dir"].(string), runner.RunsDir(base)))
	assert.Empty(t, stderr)

	code, _, stderr = runCLI(t, "--config", filepath.Join(workDir, "missing.yaml"), "version")
	assert.Equal(t, exitNotFound, code)
	assert.Contains(t, stderr, "missing.yaml")

	testutil.WriteFile(t, configPath, []byte("logging:\n  level: loud\n"))
	code, _, _ = runCLI(t, "--config", configPath, "version")
	assert.Equal(t, exitInvalidInput, code)
}

func TestParseBindings(t *testing.T) {
	bindings, err := parseBindings([]string{"temperature=0.5", "model=gpt", "tools=[a, b]", "verbose=true", "empty="})
	require.NoError(t, err)
	assert.Equal(t, 0.5, bindings["temperature"])
	assert.Equal(t, "gpt", bindings["model"])
	assert.Equal(t, []any{"a", "b"}, bindings["tools"])
	assert.Equal(t, true, bindings["verbose"])
	assert.Equal(t, "", bindings["empty"])

	none, err := parseBindings(nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	for _, bad := range []string{"novalue", "=x"} {
		_, err := parseBindings([]string{bad})
		require.Error(t, err, bad)
		assert.Equal(t, "binding_invalid", labErrors.CodeOf(err))
	}
}

func TestExitCodeForError(t *testing.T) {
	wrap := func(category labErrors.Category) error {
		return labErrors.Wrap(errors.New("boom"), category, "", "", false)
	}
	assert.Equal(t, exitOK, exitCodeForError(nil, exitInternalFailure))
	assert.Equal(t, exitInvalidInput, exitCodeForError(wrap(labErrors.CategoryInvalidConfig), exitInternalFailure))
	assert.Equal(t, exitInvalidInput, exitCodeForError(wrap(labErrors.CategoryProtocolViolation), exitInternalFailure))
	assert.Equal(t, exitVerifyFailed, exitCodeForError(wrap(labErrors.CategoryIntegrity), exitInternalFailure))
	assert.Equal(t, exitVerifyFailed, exitCodeForError(wrap(labErrors.CategoryUnsafeArchive), exitInternalFailure))
	assert.Equal(t, exitNotFound, exitCodeForError(wrap(labErrors.CategoryNotFound), exitInternalFailure))
	assert.Equal(t, exitHarnessFailed, exitCodeForError(wrap(labErrors.CategoryTimeout), exitInternalFailure))
	assert.Equal(t, exitInternalFailure, exitCodeForError(wrap(labErrors.CategoryIOFailure), exitVerifyFailed))
	assert.Equal(t, exitVerifyFailed, exitCodeForError(errors.New("plain"), exitVerifyFailed))
}

func TestMarshalOutputWithErrorEnvelope(t *testing.T) {
	encoded, err := marshalOutputWithErrorEnvelope(map[string]any{"ok": true}, exitOK)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(encoded))

	encoded, err = marshalOutputWithErrorEnvelope(map[string]any{"ok": false, "error": "bad"}, exitInvalidInput)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"ok": false,
		"error": "bad",
		"error_code": "invalid_input",
		"error_category": "invalid_input",
		"retryable": false,
		"hint": "check command usage and the experiment file"
	}`, string(encoded))

	encoded, err = marshalOutputWithErrorEnvelope(map[string]any{"ok": false, "error": "disk", "error_category": "io_failure"}, exitInternalFailure)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"retryable":true`)
}

func TestTelemetryOutputs(t *testing.T) {
	workDir := t.TempDir()
	experimentPath := writeExperiment(t, workDir, testutil.SuccessScript, false)
	tracePath := filepath.Join(workDir, "telemetry", "spans.jsonl")
	metricsPath := filepath.Join(workDir, "telemetry", "metrics.prom")

	code, _, stderr := runCLI(t, "run", experimentPath, "--base-dir", t.TempDir(), "--trace-out", tracePath, "--metrics-out", metricsPath, "--json")
	require.Equal(t, exitOK, code, stderr)

	spans := string(testutil.MustReadFile(t, tracePath))
	assert.Contains(t, spans, "agentlab.Run")
	assert.Contains(t, spans, "agentlab.Trial")
	metrics := string(testutil.MustReadFile(t, metricsPath))
	assert.Contains(t, metrics, `agentlab_trials_total{outcome="completed"}`)
	assert.Contains(t, metrics, "agentlab_eventlog_records_total")
}

func TestPublishRun(t *testing.T) {
	workDir := t.TempDir()
	experimentPath := writeExperiment(t, workDir, testutil.SuccessScript, false)
	base := t.TempDir()
	code, stdout, stderr := runCLI(t, "run", experimentPath, "--base-dir", base, "--json")
	require.Equal(t, exitOK, code, stderr)
	runDir := decodeOutput(t, stdout)["run_dir"].(string)

	code, stdout, stderr = runCLI(t, "publish", runDir, "--json")
	require.Equal(t, exitOK, code, stderr)
	output := decodeOutput(t, stdout)
	assert.Equal(t, true, output["ok"])
	assert.Equal(t, filepath.Join(runDir, "publish", "bundle.zip"), output["bundle_path"])
	assert.FileExists(t, filepath.Join(runDir, "publish", "bundle.zip"))

	outPath := filepath.Join(t.TempDir(), "shared.zip")
	code, stdout, stderr = runCLI(t, "publish", runDir, "--out", outPath)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "published: "+outPath)

	resolvedPath := filepath.Join(runDir, "resolved_experiment.json")
	raw := testutil.MustReadFile(t, resolvedPath)
	testutil.WriteFile(t, resolvedPath, bytes.Replace(raw, []byte("tasks.jsonl"), []byte("other.jsonl"), 1))
	code, stdout, _ = runCLI(t, "publish", runDir, "--out", filepath.Join(t.TempDir(), "refused.zip"), "--json")
	assert.Equal(t, exitVerifyFailed, code)
	assert.Equal(t, "resolved_experiment_digest_mismatch", decodeOutput(t, stdout)["error_code"])
}

func TestValidateExperiment(t *testing.T) {
	workDir := t.TempDir()
	experimentPath := writeExperiment(t, workDir, testutil.SuccessScript, false)

	code, stdout, stderr := runCLI(t, "validate", experimentPath, "--json")
	require.Equal(t, exitOK, code, stderr)
	output := decodeOutput(t, stdout)
	assert.Equal(t, true, output["ok"])
	assert.Equal(t, float64(2), output["tasks"])
	assert.Equal(t, []any{"base"}, output["variants"])
	assert.True(t, strings.HasPrefix(output["resolved_experiment_digest"].(string), "sha256:"))

	code, stdout, _ = runCLI(t, "validate", experimentPath)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "OK: 1 variants, 2 tasks")

	badPath := filepath.Join(workDir, "bad.yaml")
	testutil.WriteFile(t, badPath, []byte("version: \"0.1\"\n"))
	code, stdout, _ = runCLI(t, "validate", badPath, "--json")
	assert.Equal(t, exitInvalidInput, code)
	assert.Equal(t, "experiment_unsupported_version", decodeOutput(t, stdout)["error_code"])
}

func TestSchemaValidate(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "harness_manifest.json")
	testutil.WriteFile(t, manifestPath, []byte(`{"schema_version":"harness_manifest_v1","integration_level":"cli_events"}`))
	code, stdout, stderr := runCLI(t, "schema-validate", "--schema", "harness_manifest_v1.schema.json", "--file", manifestPath, "--json")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, "harness_manifest_v1", decodeOutput(t, stdout)["schema"])

	eventsPath := filepath.Join(dir, "harness_events.jsonl")
	testutil.WriteFile(t, eventsPath, []byte(`{"event_type":"agent_step_start","seq":1,"step_index":0}`+"\n"+`{"seq":2}`+"\n"))
	code, stdout, _ = runCLI(t, "schema-validate", "--schema", "hook_events_v1", "--file", eventsPath, "--json")
	assert.Equal(t, exitInvalidInput, code)
	output := decodeOutput(t, stdout)
	assert.Equal(t, true, output["jsonl"])
	assert.Equal(t, "schema_validation_failed", output["error_code"])

	code, stdout, _ = runCLI(t, "schema-validate", "--schema", "no_such_schema", "--file", manifestPath, "--json")
	assert.Equal(t, exitNotFound, code)
	assert.Equal(t, "schema_not_found", decodeOutput(t, stdout)["error_code"])

	code, stdout, _ = runCLI(t, "schema-validate", "--schema", "hook_events_v1", "--file", filepath.Join(dir, "absent.json"), "--json")
	assert.Equal(t, exitNotFound, code)
	assert.Equal(t, "document_not_found", decodeOutput(t, stdout)["error_code"])
}

func TestHooksValidate(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "harness_manifest.json")
	testutil.WriteFile(t, manifestPath, []byte(`{"schema_version":"harness_manifest_v1","integration_level":"cli_events","step":{"semantics":"decision_cycle"},"hooks":{"schema_version":"hook_events_v1","events_path":"harness_events.jsonl"}}`))
	eventsPath := filepath.Join(dir, "harness_events.jsonl")
	testutil.WriteFile(t, eventsPath, []byte(strings.Join([]string{
		`{"event_type":"agent_step_start","seq":1,"step_index":0}`,
		`{"event_type":"model_call_end","seq":2,"step_index":0}`,
		`{"event_type":"agent_step_end","seq":3,"step_index":0}`,
		`{"event_type":"control_ack","seq":4,"step_index":0,"action_observed":"continue"}`,
	}, "\n")+"\n"))

	code, stdout, stderr := runCLI(t, "hooks-validate", "--manifest", manifestPath, "--events", eventsPath)
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, "OK: 4 events, turn_count=1\n", stdout)

	truncated := filepath.Join(dir, "truncated.jsonl")
	testutil.WriteFile(t, truncated, []byte(`{"event_type":"agent_step_start","seq":1,"step_index":0}`+"\n"+`{"event_type":"agent_step_end","seq":2,"step_index":0}`+"\n"))
	code, stdout, _ = runCLI(t, "hooks-validate", "--manifest", manifestPath, "--events", truncated, "--json")
	assert.Equal(t, exitInvalidInput, code)
	output := decodeOutput(t, stdout)
	assert.Equal(t, false, output["ok"])
	assert.Equal(t, "hooks_missing_control_ack", output["error_code"])
	assert.Equal(t, "protocol_violation", output["error_category"])
}
