package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/agentlab/core/artifact"
	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/eventlog"
	"github.com/davidahmann/agentlab/core/jcs"
	"github.com/davidahmann/agentlab/core/provenance"
	"github.com/davidahmann/agentlab/core/replay"
	schemaevents "github.com/davidahmann/agentlab/core/schema/v1/events"
	schemaexperiment "github.com/davidahmann/agentlab/core/schema/v1/experiment"
	schemaharness "github.com/davidahmann/agentlab/core/schema/v1/harness"
	"github.com/davidahmann/agentlab/internal/testutil"
)

const hookManifest = `{"schema_version":"harness_manifest_v1","integration_level":"cli_events","harness":{"name":"fake","version":"1.0"},"step":{"semantics":"decision_cycle"},"hooks":{"schema_version":"hook_events_v1","events_path":"harness_events.jsonl"}}`

const hooksScript = `dir=$(dirname "$AGENTLAB_TRIAL_OUTPUT")
printf '%s' '` + hookManifest + `' > "$dir/harness_manifest.json"
cat > "$dir/harness_events.jsonl" <<'EOF'
{"event_type":"agent_step_start","seq":1,"step_index":0}
{"event_type":"model_call_end","seq":2,"step_index":0,"usage":{"tokens":7}}
{"event_type":"agent_step_end","seq":3,"step_index":0}
{"event_type":"control_ack","seq":4,"step_index":0,"action_observed":"continue"}
EOF
` + testutil.SuccessScript

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newExperiment writes a dataset with one task per id under base.
func newExperiment(t *testing.T, base string, script string, taskIDs ...string) *schemaexperiment.Experiment {
	t.Helper()
	lines := make([]string, 0, len(taskIDs))
	for _, id := range taskIDs {
		lines = append(lines, `{"task_id":"`+id+`","prompt":"solve `+id+`"}`)
	}
	testutil.WriteFile(t, filepath.Join(base, "tasks.jsonl"), []byte(strings.Join(lines, "\n")+"\n"))
	return &schemaexperiment.Experiment{
		Version: schemaexperiment.SupportedVersion,
		Dataset: schemaexperiment.Dataset{Path: "tasks.jsonl"},
		Runtime: schemaexperiment.Runtime{
			Harness: schemaexperiment.Harness{
				Mode:           schemaexperiment.HarnessModeCLI,
				Command:        testutil.FakeHarness(t, base, script),
				TimeoutSeconds: 10,
			},
		},
	}
}

func runInline(t *testing.T, base string, exp *schemaexperiment.Experiment, mutate ...func(*Options)) Result {
	t.Helper()
	opts := Options{Experiment: exp, BaseDir: base, Logger: quietLogger()}
	for _, fn := range mutate {
		fn(&opts)
	}
	result, err := Run(context.Background(), opts)
	require.NoError(t, err)
	return result
}

func outcomes(result Result) []string {
	out := make([]string, 0, len(result.Trials))
	for _, trial := range result.Trials {
		out = append(out, trial.Outcome)
	}
	return out
}

func TestRunWritesRunDirectory(t *testing.T) {
	base := t.TempDir()
	exp := newExperiment(t, base, testutil.SuccessScript, "t1", "t2")
	exp.Baseline = schemaexperiment.Variant{Bindings: map[string]any{"temperature": 0.1}}
	exp.VariantPlan = []schemaexperiment.Variant{{VariantID: "hot", Bindings: map[string]any{"temperature": 0.9}}}

	result := runInline(t, base, exp)
	require.Len(t, result.Trials, 4)
	assert.Equal(t, []string{OutcomeCompleted, OutcomeCompleted, OutcomeCompleted, OutcomeCompleted}, outcomes(result))
	assert.True(t, strings.HasPrefix(result.RunID, "run_"))
	assert.Equal(t, filepath.Join(RunsDir(base), result.RunID), result.RunDir)

	assert.Equal(t, "t1", result.Trials[0].TaskID)
	assert.Equal(t, "base", result.Trials[0].VariantID)
	assert.Equal(t, "hot", result.Trials[1].VariantID)
	assert.Equal(t, "t2", result.Trials[2].TaskID)

	for _, name := range []string{
		provenance.ResolvedExperimentFile,
		provenance.ResolvedExperimentDigest,
		provenance.ManifestFile,
		provenance.GradesFile,
		provenance.AttestationFile,
		"variants/base/resolved_variant.json",
		"variants/hot/resolved_variant.json",
	} {
		_, err := os.Stat(filepath.Join(result.RunDir, filepath.FromSlash(name)))
		assert.NoError(t, err, name)
	}
	digest := string(testutil.MustReadFile(t, filepath.Join(result.RunDir, provenance.ResolvedExperimentDigest)))
	assert.Equal(t, result.Digest, digest)
	_, err := os.Stat(result.DebugBundlePath)
	require.NoError(t, err)

	trial := result.Trials[1]
	for _, name := range []string{TrialInputFile, TrialOutputFile, MetricsFile, StdoutLogFile, StderrLogFile, "state/lab_control.json", provenance.EventsHeadFile} {
		_, err := os.Stat(filepath.Join(trial.Dir, filepath.FromSlash(name)))
		assert.NoError(t, err, name)
	}
	var input schemaharness.TrialInput
	require.NoError(t, json.Unmarshal(testutil.MustReadFile(t, filepath.Join(trial.Dir, TrialInputFile)), &input))
	assert.Equal(t, result.RunID, input.IDs.RunID)
	assert.Equal(t, 0.9, input.Bindings["temperature"])
	assert.Equal(t, "solve t1", input.Task["prompt"])
	assert.Equal(t, filepath.Join(trial.Dir, "state", "lab_control.json"), input.Runtime.ControlPlane.Path)

	verified, err := eventlog.Verify(filepath.Join(trial.Dir, provenance.EventsFile), filepath.Join(trial.Dir, provenance.EventsHeadFile))
	require.NoError(t, err)
	assert.Equal(t, 2, verified.Events)
	assert.Equal(t, trial.EventsHead, verified.Head)

	assert.Equal(t, "cli_basic", result.Grades.IntegrationLevel)
	assert.Equal(t, "none", result.Grades.ReplayGrade)

	report, err := provenance.VerifyRun(result.RunDir)
	require.NoError(t, err)
	assert.Len(t, report.Trials, 4)
}

func TestRunEventPayloadsReplay(t *testing.T) {
	base := t.TempDir()
	result := runInline(t, base, newExperiment(t, base, testutil.SuccessScript, "t1"))
	trial := result.Trials[0]

	store, err := artifact.Open(filepath.Join(result.RunDir, provenance.ArtifactsDir))
	require.NoError(t, err)
	replayer, err := replay.Open(filepath.Join(trial.Dir, provenance.EventsFile), store)
	require.NoError(t, err)
	require.Equal(t, 2, replayer.Len())

	start, err := replayer.Event(1)
	require.NoError(t, err)
	assert.Equal(t, schemaevents.TypeTrialStart, start.EventType)
	assert.Equal(t, trial.ControlVersion, start.Data["control_version"])
	payload, ok, err := replayer.Payload(start)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(payload), trial.TrialID)

	end, err := replayer.Event(2)
	require.NoError(t, err)
	assert.Equal(t, schemaevents.TypeTrialEnd, end.EventType)
	output, ok, err := replayer.Payload(end)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"schema_version":"trial_output_v1","outcome":"success","metrics":{"score":1}}`, string(output))
}

func TestRunFromExperimentFile(t *testing.T) {
	base := t.TempDir()
	command := testutil.FakeHarness(t, base, testutil.SuccessScript)
	testutil.WriteFile(t, filepath.Join(base, "tasks.jsonl"), []byte(`{"task_id":"only"}`+"\n"))
	testutil.WriteFile(t, filepath.Join(base, "experiment.yaml"), []byte(`version: "0.3"
dataset:
  path: tasks.jsonl
design:
  replications: 2
runtime:
  harness:
    mode: cli
    command: ["`+command[0]+`", "`+command[1]+`"]
`))
	runBase := t.TempDir()
	result, err := Run(context.Background(), Options{ExperimentPath: filepath.Join(base, "experiment.yaml"), BaseDir: runBase, Logger: quietLogger()})
	require.NoError(t, err)
	require.Len(t, result.Trials, 2)
	assert.Equal(t, 0, result.Trials[0].ReplIdx)
	assert.Equal(t, 1, result.Trials[1].ReplIdx)
	assert.True(t, strings.HasPrefix(result.RunDir, RunsDir(runBase)))
}

func TestRunRequiresOneExperimentSource(t *testing.T) {
	_, err := Run(context.Background(), Options{BaseDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, labErrors.CategoryInvalidConfig, labErrors.CategoryOf(err))
}

func TestRunAbortsOnUnsupportedVersion(t *testing.T) {
	base := t.TempDir()
	exp := newExperiment(t, base, testutil.SuccessScript, "t1")
	exp.Version = "0.2"

	_, err := Run(context.Background(), Options{Experiment: exp, BaseDir: base, Logger: quietLogger()})
	require.Error(t, err)
	assert.Equal(t, "experiment_unsupported_version", labErrors.CodeOf(err))
	_, statErr := os.Stat(RunsDir(base))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunTimeoutDoesNotStopRun(t *testing.T) {
	base := t.TempDir()
	script := `if grep -q '"task_id": "slow"' "$AGENTLAB_TRIAL_INPUT"; then exec sleep 5; fi
` + testutil.SuccessScript
	exp := newExperiment(t, base, script, "slow", "fast")
	exp.Runtime.Harness.TimeoutSeconds = 1

	result := runInline(t, base, exp)
	assert.Equal(t, []string{OutcomeTimeout, OutcomeCompleted}, outcomes(result))
	assert.Equal(t, string(labErrors.CategoryTimeout), result.Trials[0].ErrorCategory)

	events, err := eventlog.ReadLog(filepath.Join(result.Trials[0].Dir, provenance.EventsFile))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schemaevents.TypeError, events[1].EventType)
	assert.Equal(t, OutcomeTimeout, events[1].Data["outcome"])
}

func TestRunFailingHarness(t *testing.T) {
	base := t.TempDir()
	result := runInline(t, base, newExperiment(t, base, "echo broken >&2\nexit 4\n", "t1"))
	require.Len(t, result.Trials, 1)
	assert.Equal(t, OutcomeFailed, result.Trials[0].Outcome)
	assert.Equal(t, string(labErrors.CategoryHarnessFailure), result.Trials[0].ErrorCategory)
	assert.Contains(t, string(testutil.MustReadFile(t, filepath.Join(result.Trials[0].Dir, StderrLogFile))), "broken")
}

func TestRunValidatesHooks(t *testing.T) {
	base := t.TempDir()
	exp := newExperiment(t, base, hooksScript, "t1")
	exp.Runtime.Harness.IntegrationLevel = "cli_events"

	result := runInline(t, base, exp)
	trial := result.Trials[0]
	require.Equal(t, OutcomeCompleted, trial.Outcome, trial.Error)
	assert.True(t, trial.HooksValidated)
	assert.Equal(t, 1, trial.HookTurns)
	assert.Equal(t, "hook_events_v1", trial.HooksSchemaVersion)
	assert.True(t, result.Grades.Evidence.Hooks)
	assert.Equal(t, "cli_events", result.Grades.IntegrationLevel)
	assert.Equal(t, "best_effort", result.Grades.ReplayGrade)

	events, err := eventlog.ReadLog(filepath.Join(trial.Dir, provenance.EventsFile))
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.EventType)
	}
	assert.Equal(t, []string{
		schemaevents.TypeTrialStart,
		schemaevents.TypeAgentStepStart,
		schemaevents.TypeModelCallEnd,
		schemaevents.TypeAgentStepEnd,
		schemaevents.TypeControlAck,
		schemaevents.TypeTrialEnd,
	}, types)
	assert.NotEmpty(t, events[2].PayloadRef)
	assert.Empty(t, events[1].PayloadRef)

	doc, err := provenance.ReadAttestation(result.AttestationPath)
	require.NoError(t, err)
	assert.Equal(t, "hook_events_v1", doc.HooksSchemaVersion)
	assert.Equal(t, "hooks", doc.TraceIngestion.Mode)
	assert.Equal(t, "fake", doc.HarnessIdentity["name"])
}

func TestRunRejectsBrokenHookStream(t *testing.T) {
	base := t.TempDir()
	script := strings.Replace(hooksScript, `{"event_type":"control_ack","seq":4,"step_index":0,"action_observed":"continue"}`+"\n", "", 1)
	exp := newExperiment(t, base, script, "t1")
	exp.Runtime.Harness.IntegrationLevel = "cli_events"

	result := runInline(t, base, exp)
	assert.Equal(t, OutcomeInvalidHooks, result.Trials[0].Outcome)
	assert.Equal(t, string(labErrors.CategoryProtocolViolation), result.Trials[0].ErrorCategory)
	assert.False(t, result.Grades.Evidence.Hooks)
	assert.Equal(t, "cli_basic", result.Grades.IntegrationLevel)
}

func TestRunMissingManifest(t *testing.T) {
	base := t.TempDir()
	exp := newExperiment(t, base, testutil.SuccessScript, "t1")
	exp.Runtime.Harness.IntegrationLevel = "cli_events"

	strict := runInline(t, base, exp)
	assert.Equal(t, OutcomeFailed, strict.Trials[0].Outcome)
	assert.Equal(t, string(labErrors.CategoryNotFound), strict.Trials[0].ErrorCategory)

	lenient := runInline(t, base, exp, func(opts *Options) { opts.AllowMissingManifest = true })
	assert.Equal(t, OutcomeCompleted, lenient.Trials[0].Outcome)
	assert.Equal(t, "cli_basic", lenient.Grades.IntegrationLevel)
}

func TestRunAbsorbsSideArtifacts(t *testing.T) {
	base := t.TempDir()
	script := `dir=$(dirname "$AGENTLAB_TRIAL_OUTPUT")
printf 'transcript' > "$dir/transcript.txt"
printf '{"schema_version":"trial_output_v1","outcome":"success","artifacts":[{"name":"transcript","path":"transcript.txt"}]}' > "$AGENTLAB_TRIAL_OUTPUT"
`
	result := runInline(t, base, newExperiment(t, base, script, "t1"))
	trial := result.Trials[0]
	require.Equal(t, OutcomeCompleted, trial.Outcome, trial.Error)
	require.Len(t, trial.Artifacts, 1)

	store, err := artifact.Open(filepath.Join(result.RunDir, provenance.ArtifactsDir))
	require.NoError(t, err)
	data, err := store.Get(trial.Artifacts[0])
	require.NoError(t, err)
	assert.Equal(t, "transcript", string(data))
}

func TestRunRejectsEscapingArtifact(t *testing.T) {
	base := t.TempDir()
	script := `printf '{"schema_version":"trial_output_v1","outcome":"success","artifacts":[{"path":"../../../../secret"}]}' > "$AGENTLAB_TRIAL_OUTPUT"
`
	result := runInline(t, base, newExperiment(t, base, script, "t1"))
	assert.Equal(t, OutcomeFailed, result.Trials[0].Outcome)
	assert.Equal(t, string(labErrors.CategoryInvalidInput), result.Trials[0].ErrorCategory)
}

func TestRunRejectsSymlinkedArtifact(t *testing.T) {
	base := t.TempDir()
	secret := filepath.Join(base, "outside-secret.txt")
	testutil.WriteFile(t, secret, []byte("secret"))
	script := `dir=$(dirname "$AGENTLAB_TRIAL_OUTPUT")
ln -s '` + secret + `' "$dir/workspace/link"
printf '{"schema_version":"trial_output_v1","outcome":"success","artifacts":[{"path":"workspace/link"}]}' > "$AGENTLAB_TRIAL_OUTPUT"
`
	result := runInline(t, base, newExperiment(t, base, script, "t1"))
	trial := result.Trials[0]
	assert.Equal(t, OutcomeFailed, trial.Outcome)
	assert.Equal(t, string(labErrors.CategoryInvalidInput), trial.ErrorCategory)
	assert.Empty(t, trial.Artifacts)

	store, err := artifact.Open(filepath.Join(result.RunDir, provenance.ArtifactsDir))
	require.NoError(t, err)
	ref, err := artifact.RefFromDigest(jcs.Digest([]byte("secret")))
	require.NoError(t, err)
	assert.False(t, store.Has(ref))
}

func TestRunAcceptsSymlinkInsideTrial(t *testing.T) {
	base := t.TempDir()
	script := `dir=$(dirname "$AGENTLAB_TRIAL_OUTPUT")
printf 'notes' > "$dir/workspace/notes.txt"
ln -s notes.txt "$dir/workspace/latest"
printf '{"schema_version":"trial_output_v1","outcome":"success","artifacts":[{"path":"workspace/latest"}]}' > "$AGENTLAB_TRIAL_OUTPUT"
`
	result := runInline(t, base, newExperiment(t, base, script, "t1"))
	trial := result.Trials[0]
	require.Equal(t, OutcomeCompleted, trial.Outcome, trial.Error)
	require.Len(t, trial.Artifacts, 1)

	events, err := eventlog.ReadLog(filepath.Join(trial.Dir, provenance.EventsFile))
	require.NoError(t, err)
	var stored []schemaevents.Event
	for _, event := range events {
		if event.EventType == schemaevents.TypeArtifactStored {
			stored = append(stored, event)
		}
	}
	require.Len(t, stored, 1)
	assert.Equal(t, "latest", stored[0].Data["name"])
}

func TestRunFailsTrialWhenHeadCannotBeWritten(t *testing.T) {
	base := t.TempDir()
	script := `dir=$(dirname "$AGENTLAB_TRIAL_OUTPUT")
mkdir -p "$dir/events.head/blocked"
` + testutil.SuccessScript
	result, err := Run(context.Background(), Options{Experiment: newExperiment(t, base, script, "t1"), BaseDir: base, Logger: quietLogger()})
	require.Error(t, err)
	require.Len(t, result.Trials, 1)
	trial := result.Trials[0]
	assert.Equal(t, OutcomeFailed, trial.Outcome)
	assert.Equal(t, string(labErrors.CategoryIOFailure), trial.ErrorCategory)
	assert.Contains(t, trial.Error, "event head")
	assert.Empty(t, trial.EventsHead)
}

func TestRunAbortsWhenHarnessCommandMissing(t *testing.T) {
	base := t.TempDir()
	exp := newExperiment(t, base, testutil.SuccessScript, "t1", "t2")
	exp.Runtime.Harness.Command = []string{filepath.Join(base, "no-such-harness")}

	result, err := Run(context.Background(), Options{Experiment: exp, BaseDir: base, Logger: quietLogger()})
	require.Error(t, err)
	assert.True(t, labErrors.Fatal(err))
	assert.Equal(t, "harness_command_not_found", labErrors.CodeOf(err))
	assert.Equal(t, []string{OutcomeFailed, OutcomeSkipped}, outcomes(result))
	assert.FileExists(t, result.AttestationPath)
}

func TestRunCheckpointsTrials(t *testing.T) {
	base := t.TempDir()
	script := `dir=$(dirname "$AGENTLAB_TRIAL_OUTPUT")
echo note > "$dir/workspace/note.txt"
` + testutil.SuccessScript
	exp := newExperiment(t, base, script, "t1")
	exp.Runtime.Checkpoint = schemaexperiment.CheckpointPolicy{Enabled: true}

	result := runInline(t, base, exp)
	trial := result.Trials[0]
	require.Equal(t, OutcomeCompleted, trial.Outcome, trial.Error)
	assert.Equal(t, filepath.Join(trial.Dir, CheckpointsDir, "checkpoint_post_trial.json"), trial.Checkpoint)
	assert.True(t, result.Grades.Evidence.Checkpoints)
}

func TestRunParallelTrialsIsolated(t *testing.T) {
	base := t.TempDir()
	script := `dir=$(dirname "$AGENTLAB_TRIAL_OUTPUT")
echo "$dir" > "$dir/workspace/owner.txt"
` + testutil.SuccessScript
	exp := newExperiment(t, base, script, "a", "b", "c")
	exp.Design.Replications = 2

	result := runInline(t, base, exp, func(opts *Options) { opts.Parallelism = 4 })
	require.Len(t, result.Trials, 6)
	seen := map[string]struct{}{}
	for _, trial := range result.Trials {
		require.Equal(t, OutcomeCompleted, trial.Outcome, trial.Error)
		owner := strings.TrimSpace(string(testutil.MustReadFile(t, filepath.Join(trial.Dir, "workspace", "owner.txt"))))
		assert.Equal(t, trial.Dir, owner)
		seen[trial.TrialID] = struct{}{}
	}
	assert.Len(t, seen, 6)

	_, err := provenance.VerifyRun(result.RunDir)
	require.NoError(t, err)
}

func TestRunCanceledSkipsTrials(t *testing.T) {
	base := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := Run(ctx, Options{Experiment: newExperiment(t, base, testutil.SuccessScript, "t1", "t2"), BaseDir: base, Logger: quietLogger()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{OutcomeSkipped, OutcomeSkipped}, outcomes(result))
}

func TestReplayTrial(t *testing.T) {
	base := t.TempDir()
	result := runInline(t, base, newExperiment(t, base, testutil.SuccessScript, "t1"))
	trial := result.Trials[0]

	replayed, err := ReplayTrial(context.Background(), trial.TrialID, ReplayOptions{BaseDir: base, Logger: quietLogger()})
	require.NoError(t, err)
	assert.True(t, replayed.Matches)
	assert.Equal(t, "success", replayed.Outcome)
	assert.Equal(t, filepath.Join(trial.Dir, TrialOutputReplayFile), replayed.OutputPath)

	verified, err := eventlog.Verify(filepath.Join(trial.Dir, provenance.EventsFile), filepath.Join(trial.Dir, provenance.EventsHeadFile))
	require.NoError(t, err)
	assert.Equal(t, trial.EventsHead, verified.Head)
}

func TestReplayTrialRejectsStrict(t *testing.T) {
	_, err := ReplayTrial(context.Background(), "trial_x", ReplayOptions{BaseDir: t.TempDir(), Strict: true})
	require.ErrorIs(t, err, ErrStrictReplay)
	assert.Equal(t, labErrors.CategoryInvalidConfig, labErrors.CategoryOf(err))
}

func TestFindTrialErrors(t *testing.T) {
	_, _, err := FindTrial(t.TempDir(), "trial_missing")
	require.ErrorIs(t, err, ErrTrialNotFound)
	assert.Equal(t, labErrors.CategoryNotFound, labErrors.CategoryOf(err))

	_, _, err = FindTrial(t.TempDir(), "../escape")
	require.Error(t, err)
	assert.Equal(t, labErrors.CategoryInvalidInput, labErrors.CategoryOf(err))
}

func TestForkTrialFromCheckpoint(t *testing.T) {
	base := t.TempDir()
	script := `ws="$(dirname "$AGENTLAB_TRIAL_OUTPUT")/workspace"
if [ -f "$ws/seed.txt" ]; then cp "$ws/seed.txt" "$ws/seen.txt"; else echo parent > "$ws/seed.txt"; fi
` + testutil.SuccessScript
	exp := newExperiment(t, base, script, "t1")
	exp.Baseline = schemaexperiment.Variant{Bindings: map[string]any{"temperature": 0.1, "model": "a"}}
	exp.Runtime.Checkpoint = schemaexperiment.CheckpointPolicy{Enabled: true, Label: "done"}
	parent := runInline(t, base, exp).Trials[0]
	require.Equal(t, OutcomeCompleted, parent.Outcome, parent.Error)

	forked, err := ForkTrial(context.Background(), parent.TrialID, ForkOptions{
		BaseDir:  base,
		At:       "checkpoint:done",
		Bindings: map[string]any{"temperature": 0.9},
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, forked.Outcome, forked.Error)
	assert.NotEqual(t, parent.TrialID, forked.TrialID)
	assert.Equal(t, filepath.Dir(parent.Dir), filepath.Dir(forked.Dir))
	assert.Equal(t, "parent\n", string(testutil.MustReadFile(t, filepath.Join(forked.Dir, "workspace", "seen.txt"))))

	var input schemaharness.TrialInput
	require.NoError(t, json.Unmarshal(testutil.MustReadFile(t, filepath.Join(forked.Dir, TrialInputFile)), &input))
	assert.Equal(t, 0.9, input.Bindings["temperature"])
	assert.Equal(t, "a", input.Bindings["model"])
	fork, ok := input.Ext["fork"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, parent.TrialID, fork["parent_trial_id"])
	assert.Equal(t, "checkpoint:done", fork["at"])

	_, err = eventlog.Verify(filepath.Join(forked.Dir, provenance.EventsFile), filepath.Join(forked.Dir, provenance.EventsHeadFile))
	require.NoError(t, err)
}

func TestForkTrialKeepsRunVerifiable(t *testing.T) {
	base := t.TempDir()
	exp := newExperiment(t, base, testutil.SuccessScript, "t1")
	exp.Runtime.Checkpoint = schemaexperiment.CheckpointPolicy{Enabled: true}
	result := runInline(t, base, exp)
	_, err := provenance.VerifyRun(result.RunDir)
	require.NoError(t, err)

	forked, err := ForkTrial(context.Background(), result.Trials[0].TrialID, ForkOptions{BaseDir: base, At: "step:0", Logger: quietLogger()})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, forked.Outcome, forked.Error)

	report, err := provenance.VerifyRun(result.RunDir)
	require.NoError(t, err)
	assert.Len(t, report.Trials, 2)

	doc, err := provenance.ReadAttestation(result.AttestationPath)
	require.NoError(t, err)
	heads := map[string]string{}
	for _, head := range doc.EventsHashchain {
		heads[head.TrialID] = head.Head
	}
	assert.Equal(t, forked.EventsHead, heads[forked.TrialID])

	var trials []TrialResult
	require.NoError(t, json.Unmarshal(testutil.MustReadFile(t, filepath.Join(result.RunDir, provenance.TrialsFile)), &trials))
	require.Len(t, trials, 2)
	assert.Equal(t, forked.TrialID, trials[1].TrialID)
}

func TestForkTrialRefusesTamperedRun(t *testing.T) {
	base := t.TempDir()
	result := runInline(t, base, newExperiment(t, base, testutil.SuccessScript, "t1"))
	resolvedPath := filepath.Join(result.RunDir, provenance.ResolvedExperimentFile)
	raw := testutil.MustReadFile(t, resolvedPath)
	testutil.WriteFile(t, resolvedPath, []byte(strings.Replace(string(raw), "tasks.jsonl", "other.jsonl", 1)))

	_, err := ForkTrial(context.Background(), result.Trials[0].TrialID, ForkOptions{BaseDir: base, At: "step:0", Logger: quietLogger()})
	require.Error(t, err)
	assert.Equal(t, labErrors.CategoryIntegrity, labErrors.CategoryOf(err))
	entries, err := os.ReadDir(filepath.Join(result.RunDir, provenance.TrialsDir))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestForkTrialRejectsBadSelector(t *testing.T) {
	base := t.TempDir()
	parent := runInline(t, base, newExperiment(t, base, testutil.SuccessScript, "t1")).Trials[0]

	_, err := ForkTrial(context.Background(), parent.TrialID, ForkOptions{BaseDir: base, At: "checkpoint:../x", Logger: quietLogger()})
	require.Error(t, err)
	assert.Equal(t, "fork_selector_invalid", labErrors.CodeOf(err))
}
