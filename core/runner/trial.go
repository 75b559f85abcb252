package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/agentlab/core/checkpoint"
	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/eventlog"
	"github.com/davidahmann/agentlab/core/harness"
	"github.com/davidahmann/agentlab/core/hooks"
	"github.com/davidahmann/agentlab/core/integration"
	"github.com/davidahmann/agentlab/core/provenance"
	schemaevents "github.com/davidahmann/agentlab/core/schema/v1/events"
	schemaexperiment "github.com/davidahmann/agentlab/core/schema/v1/experiment"
	schemaharness "github.com/davidahmann/agentlab/core/schema/v1/harness"
)

// Trial directory members.
const (
	TrialInputFile        = "trial_input.json"
	TrialOutputFile       = "trial_output.json"
	TrialOutputReplayFile = "trial_output_replay.json"
	MetricsFile           = "metrics.json"
	HarnessManifestFile   = "harness_manifest.json"
	HarnessEventsFile     = "harness_events.jsonl"
	StdoutLogFile         = "harness_stdout.log"
	StderrLogFile         = "harness_stderr.log"
	CheckpointsDir        = "checkpoints"

	defaultCheckpointLabel = "post_trial"
)

type trialPlan struct {
	trialID string
	taskID  string
	task    map[string]any
	replIdx int
	variant schemaexperiment.Variant
}

// trial is the per-trial state. Each trial owns its directory and recorder.
type trial struct {
	run      *run
	plan     trialPlan
	dir      string
	paths    schemaharness.TrialPaths
	recorder *eventlog.Recorder
	result   TrialResult
	err      error

	// Set for forked trials.
	ext       map[string]any
	startData map[string]any
	seed      func(t *trial) error
}

func traceAttrs(attrs ...attribute.KeyValue) trace.SpanStartOption {
	return trace.WithAttributes(attrs...)
}

// runTrial executes one planned trial. Its error is non-nil only when the
// trial failed in a way that would fail every other trial too.
func (r *run) runTrial(ctx context.Context, plan trialPlan) (TrialResult, error) {
	t := r.newTrial(plan)
	result := r.execTrial(ctx, t)
	if t.err != nil && labErrors.Fatal(t.err) {
		return result, fmt.Errorf("trial %s: %w", plan.trialID, t.err)
	}
	return result, nil
}

func (r *run) newTrial(plan trialPlan) *trial {
	t := &trial{
		run:  r,
		plan: plan,
		dir:  filepath.Join(r.runDir, provenance.TrialsDir, plan.trialID),
		result: TrialResult{
			TrialID:   plan.trialID,
			VariantID: plan.variant.VariantID,
			TaskID:    plan.taskID,
			ReplIdx:   plan.replIdx,
		},
	}
	t.result.Dir = t.dir
	return t
}

func (r *run) execTrial(ctx context.Context, t *trial) TrialResult {
	plan := t.plan
	ctx, span := tracer.Start(ctx, "agentlab.Trial", traceAttrs(
		attribute.String("agentlab.run_id", r.runID),
		attribute.String("agentlab.trial_id", plan.trialID),
		attribute.String("agentlab.variant_id", plan.variant.VariantID),
		attribute.String("agentlab.task_id", plan.taskID),
		attribute.Int("agentlab.repl_idx", plan.replIdx),
	))
	defer span.End()

	if err := t.execute(ctx); err != nil {
		t.err = err
		t.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		t.result.Outcome = OutcomeCompleted
		span.SetStatus(codes.Ok, "")
	}
	if err := t.close(); err != nil {
		t.closeFailed(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("agentlab.outcome", t.result.Outcome))
	trialsTotal.WithLabelValues(t.result.Outcome).Inc()
	r.logger.Info("trial finished",
		"run_id", r.runID,
		"trial_id", plan.trialID,
		"variant_id", plan.variant.VariantID,
		"task_id", plan.taskID,
		"repl_idx", plan.replIdx,
		"outcome", t.result.Outcome,
	)
	return t.result
}

func (t *trial) execute(ctx context.Context) error {
	r := t.run
	t.paths = schemaharness.TrialPaths{
		Workspace: filepath.Join(t.dir, "workspace"),
		State:     filepath.Join(t.dir, "state"),
		Cache:     filepath.Join(t.dir, "cache"),
		Dataset:   r.resolved.Dataset.Path,
		Out:       t.dir,
		Tmp:       filepath.Join(t.dir, "tmp"),
	}
	for _, dir := range []string{t.paths.Workspace, t.paths.State, t.paths.Cache, t.paths.Tmp} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return labErrors.Wrap(fmt.Errorf("create trial directory: %w", err), labErrors.CategoryIOFailure, "trial_dir_failed", "", true)
		}
	}
	if t.seed != nil {
		if err := t.seed(t); err != nil {
			return err
		}
	}
	recorder, err := eventlog.OpenWith(filepath.Join(t.dir, provenance.EventsFile), r.store, eventlog.Options{Schemas: r.schemas})
	if err != nil {
		return err
	}
	t.recorder = recorder

	input := t.input()
	controlVersion, err := harness.WriteControlAction(input.Runtime.ControlPlane.Path, schemaharness.ControlAction{Action: schemaevents.ActionContinue})
	if err != nil {
		return err
	}
	t.result.ControlVersion = controlVersion
	encodedInput, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode trial input: %w", err)
	}
	startData := map[string]any{"control_version": controlVersion}
	for key, value := range t.startData {
		startData[key] = value
	}
	if _, err := t.record(schemaevents.TypeTrialStart, startData, encodedInput); err != nil {
		return err
	}

	output, err := t.invoke(ctx, input, filepath.Join(t.dir, TrialOutputFile))
	if err != nil {
		return err
	}
	t.result.HarnessOutcome = output.Output.Outcome
	if err := provenance.WriteJSON(filepath.Join(t.dir, MetricsFile), json.RawMessage(output.RawOutput)); err != nil {
		return err
	}
	if err := t.collectHooks(); err != nil {
		return err
	}
	if err := t.absorbArtifacts(output.Output.Artifacts); err != nil {
		return err
	}
	if err := t.checkpoint(controlVersion); err != nil {
		return err
	}
	_, err = t.record(schemaevents.TypeTrialEnd, map[string]any{"outcome": output.Output.Outcome}, output.RawOutput)
	return err
}

func (t *trial) input() schemaharness.TrialInput {
	r := t.run
	controlPlane := r.resolved.Runtime.Harness.ControlPlane
	mode, controlName := "file", "lab_control.json"
	if controlPlane != nil {
		if controlPlane.Mode != "" {
			mode = controlPlane.Mode
		}
		if base := filepath.Base(filepath.FromSlash(controlPlane.Path)); controlPlane.Path != "" && base != "." && base != string(filepath.Separator) {
			controlName = base
		}
	}
	bindings := map[string]any{}
	for key, value := range t.plan.variant.Bindings {
		bindings[key] = value
	}
	task := t.plan.task
	if task == nil {
		task = map[string]any{}
	}
	allowedHosts := append([]string{}, r.resolved.Runtime.Network.AllowedHosts...)
	return schemaharness.TrialInput{
		SchemaVersion: schemaharness.TrialInputSchemaV1,
		IDs: schemaharness.TrialIDs{
			RunID:     r.runID,
			TrialID:   t.plan.trialID,
			VariantID: t.plan.variant.VariantID,
			TaskID:    t.plan.taskID,
			ReplIdx:   t.plan.replIdx,
		},
		Task:     task,
		Bindings: bindings,
		Design: schemaharness.TrialDesign{
			SanitizationProfile: r.resolved.Design.SanitizationProfile,
			IntegrationLevel:    r.resolved.Runtime.Harness.IntegrationLevel,
		},
		Runtime: schemaharness.TrialRuntime{
			Paths:        t.paths,
			Network:      schemaharness.Network{ModeRequested: r.resolved.Runtime.Network.Mode, AllowedHosts: allowedHosts},
			ControlPlane: schemaharness.ControlPlane{Mode: mode, Path: filepath.Join(t.paths.State, controlName)},
		},
		Ext: t.ext,
	}
}

// invoke runs the harness with its stdout and stderr captured beside the trial.
func (t *trial) invoke(ctx context.Context, input schemaharness.TrialInput, outputPath string) (harness.Result, error) {
	return invokeHarness(ctx, t.run.executor, t.run.resolved, input, t.dir, TrialInputFile, outputPath, "")
}

// invokeHarness runs the resolved harness command in dir. logSuffix keeps
// replay logs apart from the original trial's.
func invokeHarness(ctx context.Context, executor *harness.Executor, resolved schemaexperiment.Resolved, input schemaharness.TrialInput, dir string, inputName string, outputPath string, logSuffix string) (harness.Result, error) {
	stdout, err := os.Create(filepath.Join(dir, logName(StdoutLogFile, logSuffix)))
	if err != nil {
		return harness.Result{}, labErrors.Wrap(fmt.Errorf("create stdout log: %w", err), labErrors.CategoryIOFailure, "trial_log_failed", "", true)
	}
	defer func() { _ = stdout.Close() }()
	stderr, err := os.Create(filepath.Join(dir, logName(StderrLogFile, logSuffix)))
	if err != nil {
		return harness.Result{}, labErrors.Wrap(fmt.Errorf("create stderr log: %w", err), labErrors.CategoryIOFailure, "trial_log_failed", "", true)
	}
	defer func() { _ = stderr.Close() }()

	return executor.Run(ctx, harness.Invocation{
		Command:    resolved.Runtime.Harness.Command,
		Input:      input,
		InputPath:  filepath.Join(dir, inputName),
		OutputPath: outputPath,
		Dir:        dir,
		Timeout:    time.Duration(resolved.Runtime.Harness.TimeoutSeconds) * time.Second,
		Stdout:     stdout,
		Stderr:     stderr,
	})
}

func logName(name string, suffix string) string {
	if suffix == "" {
		return name
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + suffix + ext
}

// collectHooks validates the harness's hook stream when a manifest is
// present. A missing manifest is an error for levels above cli_basic unless
// the run allows it.
func (t *trial) collectHooks() error {
	r := t.run
	manifestPath := filepath.Join(t.dir, HarnessManifestFile)
	if _, err := os.Stat(manifestPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat harness manifest: %w", err)
		}
		declared := integration.Level(r.resolved.Runtime.Harness.IntegrationLevel)
		if declared == integration.LevelCLIBasic || r.opts.AllowMissingManifest {
			return nil
		}
		return labErrors.Wrap(fmt.Errorf("%s required at integration level %s", HarnessManifestFile, declared), labErrors.CategoryNotFound, "harness_manifest_missing", "write harness_manifest.json or allow a missing manifest", false)
	}
	manifest, err := hooks.LoadManifest(manifestPath, r.schemas)
	if err != nil {
		return err
	}
	if manifest.Harness != nil {
		t.result.HarnessIdentity = manifest.Harness
	}
	eventsName := HarnessEventsFile
	if manifest.Hooks != nil && manifest.Hooks.EventsPath != "" {
		eventsName = manifest.Hooks.EventsPath
	}
	if !filepath.IsLocal(filepath.FromSlash(eventsName)) {
		return labErrors.Wrap(fmt.Errorf("hooks.events_path %q must stay inside the trial directory", eventsName), labErrors.CategoryInvalidInput, "harness_events_path_invalid", "", false)
	}
	eventsPath := filepath.Join(t.dir, filepath.FromSlash(eventsName))
	if _, err := os.Stat(eventsPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat harness events: %w", err)
	}
	collected, err := hooks.Collect(eventsPath, manifest, r.schemas)
	if err != nil {
		return err
	}
	for _, hookEvent := range collected.Events {
		if hookEvent.EventType == schemaevents.TypeHooksHeader {
			continue
		}
		var payload []byte
		if schemaevents.Causal(hookEvent.EventType) {
			encoded, err := json.Marshal(hookEvent)
			if err != nil {
				return fmt.Errorf("encode hook event: %w", err)
			}
			payload = encoded
		}
		data := map[string]any{"source": "hooks"}
		if hookEvent.Seq != nil {
			data["hook_seq"] = *hookEvent.Seq
		}
		event := t.event(hookEvent.EventType, data)
		event.StepIndex = hookEvent.StepIndex
		if _, err := t.recorder.Record(event, payload); err != nil {
			return err
		}
	}
	t.result.HooksValidated = true
	t.result.HookTurns = collected.TurnCount
	t.result.HooksSchemaVersion = manifest.HooksSchemaVersion()
	return nil
}

// absorbArtifacts copies declared side files into the shared store.
func (t *trial) absorbArtifacts(declared []schemaharness.OutputArtifact) error {
	for _, item := range declared {
		path, err := t.trialPath(item.Path)
		if err != nil {
			return err
		}
		ref, err := t.run.store.PutFile(path)
		if err != nil {
			return fmt.Errorf("absorb artifact %s: %w", item.Path, err)
		}
		name := item.Name
		if name == "" {
			name = filepath.Base(filepath.FromSlash(item.Path))
		}
		event := t.event(schemaevents.TypeArtifactStored, map[string]any{"name": name, "path": item.Path})
		event.PayloadRef = ref.String()
		if _, err := t.recorder.Record(event, nil); err != nil {
			return err
		}
		t.result.Artifacts = append(t.result.Artifacts, ref.String())
	}
	return nil
}

// trialPath resolves a harness-declared path, which must stay under the
// trial directory both as written and after symlinks are followed, and name
// a regular file.
func (t *trial) trialPath(declared string) (string, error) {
	path := filepath.FromSlash(declared)
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.dir, path)
	}
	relative, err := filepath.Rel(t.dir, filepath.Clean(path))
	if err != nil || !filepath.IsLocal(relative) {
		return "", escapingArtifact(declared)
	}
	root, err := filepath.EvalSymlinks(t.dir)
	if err != nil {
		return "", fmt.Errorf("resolve trial directory: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(t.dir, relative))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", labErrors.Wrap(fmt.Errorf("artifact %q: %w", declared, err), labErrors.CategoryNotFound, "artifact_missing", "", false)
		}
		return "", fmt.Errorf("resolve artifact %q: %w", declared, err)
	}
	if inside, err := filepath.Rel(root, resolved); err != nil || !filepath.IsLocal(inside) {
		return "", escapingArtifact(declared)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat artifact %q: %w", declared, err)
	}
	if !info.Mode().IsRegular() {
		return "", labErrors.Wrap(fmt.Errorf("artifact %q is not a regular file", declared), labErrors.CategoryInvalidInput, "artifact_not_regular", "", false)
	}
	return resolved, nil
}

func escapingArtifact(declared string) error {
	return labErrors.Wrap(fmt.Errorf("artifact path %q is outside the trial directory", declared), labErrors.CategoryInvalidInput, "artifact_path_invalid", "", false)
}

func (t *trial) checkpoint(controlVersion string) error {
	policy := t.run.resolved.Runtime.Checkpoint
	if !policy.Enabled {
		return nil
	}
	label := strings.TrimSpace(policy.Label)
	if label == "" {
		label = defaultCheckpointLabel
	}
	manager, err := checkpoint.NewManager(filepath.Join(t.dir, CheckpointsDir), t.run.store, checkpoint.Options{Logger: t.run.logger, Now: t.run.now})
	if err != nil {
		return err
	}
	_, path, err := manager.Save(label, map[string]string{
		"workspace": t.paths.Workspace,
		"state":     t.paths.State,
	}, map[string]any{
		"trial_id":        t.plan.trialID,
		"control_version": controlVersion,
	})
	if err != nil {
		return err
	}
	if _, err := t.record(schemaevents.TypeCheckpointSaved, map[string]any{"label": label, "path": path}, nil); err != nil {
		return err
	}
	t.result.Checkpoint = path
	return nil
}

// fail classifies err into the trial outcome and appends it to the chain
// when the recorder is open.
func (t *trial) fail(err error) {
	switch {
	case errors.Is(err, harness.ErrTimeout):
		t.result.Outcome = OutcomeTimeout
	case labErrors.CategoryOf(err) == labErrors.CategoryProtocolViolation:
		t.result.Outcome = OutcomeInvalidHooks
	default:
		t.result.Outcome = OutcomeFailed
	}
	t.result.Error = err.Error()
	t.result.ErrorCategory = string(labErrors.CategoryOf(err))
	t.run.logger.Warn("trial failed", "run_id", t.run.runID, "trial_id", t.plan.trialID, "outcome", t.result.Outcome, "error", err)
	if t.recorder == nil {
		return
	}
	if _, recordErr := t.record(schemaevents.TypeError, map[string]any{
		"outcome":  t.result.Outcome,
		"category": t.result.ErrorCategory,
		"message":  t.result.Error,
	}, nil); recordErr != nil {
		t.run.logger.Warn("record trial error failed", "trial_id", t.plan.trialID, "error", recordErr)
	}
}

// close finalizes and closes the trial's recorder. A trial whose chain
// could not be finalized has no head to attest.
func (t *trial) close() error {
	if t.recorder == nil {
		return nil
	}
	head, finalizeErr := t.recorder.Finalize(filepath.Join(t.dir, provenance.EventsHeadFile))
	if finalizeErr == nil {
		t.result.EventsHead = head
	}
	closeErr := t.recorder.Close()
	if closeErr != nil {
		closeErr = labErrors.Wrap(fmt.Errorf("close event log: %w", closeErr), labErrors.CategoryIOFailure, "eventlog_close_failed", "", true)
	}
	return errors.Join(finalizeErr, closeErr)
}

// closeFailed downgrades the trial after its event log could not be sealed.
func (t *trial) closeFailed(err error) {
	if t.result.Outcome == OutcomeCompleted {
		t.result.Outcome = OutcomeFailed
	}
	if t.result.Error == "" {
		t.result.Error = err.Error()
	} else {
		t.result.Error += "; " + err.Error()
	}
	if t.result.ErrorCategory == "" {
		t.result.ErrorCategory = string(labErrors.CategoryOf(err))
	}
	t.run.logger.Warn("trial event log not sealed", "run_id", t.run.runID, "trial_id", t.plan.trialID, "outcome", t.result.Outcome, "error", err)
}

func (t *trial) event(eventType string, data map[string]any) schemaevents.Event {
	return schemaevents.Event{
		EventType: eventType,
		TS:        t.run.now().UTC().Format(time.RFC3339Nano),
		IDs: schemaevents.IDs{
			RunID:     t.run.runID,
			TrialID:   t.plan.trialID,
			VariantID: t.plan.variant.VariantID,
			TaskID:    t.plan.taskID,
			ReplIdx:   t.plan.replIdx,
		},
		Data: data,
	}
}

func (t *trial) record(eventType string, data map[string]any, payload []byte) (schemaevents.Event, error) {
	return t.recorder.Record(t.event(eventType, data), payload)
}
