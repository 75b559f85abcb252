package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/agentlab/core/artifact"
	"github.com/davidahmann/agentlab/core/checkpoint"
	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/harness"
	"github.com/davidahmann/agentlab/core/jcs"
	"github.com/davidahmann/agentlab/core/provenance"
	schemaevents "github.com/davidahmann/agentlab/core/schema/v1/events"
	schemaexperiment "github.com/davidahmann/agentlab/core/schema/v1/experiment"
	schemaharness "github.com/davidahmann/agentlab/core/schema/v1/harness"
	"github.com/davidahmann/agentlab/core/schema/validate"
)

const checkpointSelectorPrefix = "checkpoint:"

var (
	ErrTrialNotFound = errors.New("trial not found")
	ErrStrictReplay  = errors.New("strict replay is not supported by this runner")
)

type ReplayOptions struct {
	BaseDir string
	Strict  bool
	Schemas validate.Validator
	Logger  *slog.Logger
}

type ReplayResult struct {
	RunID      string `json:"run_id"`
	TrialID    string `json:"trial_id"`
	OutputPath string `json:"output_path"`
	Outcome    string `json:"outcome"`
	// Matches reports whether the replayed output is canonically identical
	// to the recorded one.
	Matches bool `json:"matches"`
}

type ForkOptions struct {
	BaseDir string
	// At selects the fork point. "checkpoint:<label>" seeds the fork's
	// workspace and state from the parent's checkpoint; other selectors are
	// recorded only.
	At                   string
	Bindings             map[string]any
	AllowMissingManifest bool
	Schemas              validate.Validator
	Logger               *slog.Logger
	Now                  func() time.Time
	NewID                func(prefix string) string
}

// FindTrial locates trialID among the runs under baseDir.
func FindTrial(baseDir string, trialID string) (string, string, error) {
	if trialID == "" || !filepath.IsLocal(trialID) || strings.ContainsAny(trialID, `/\`) {
		return "", "", labErrors.Wrap(fmt.Errorf("invalid trial id %q", trialID), labErrors.CategoryInvalidInput, "trial_id_invalid", "", false)
	}
	root := RunsDir(baseDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", labErrors.Wrap(fmt.Errorf("%w: no runs under %s", ErrTrialNotFound, baseDir), labErrors.CategoryNotFound, "trial_not_found", "", false)
		}
		return "", "", fmt.Errorf("read runs directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		runDir := filepath.Join(root, name)
		trialDir := filepath.Join(runDir, provenance.TrialsDir, trialID)
		if info, err := os.Stat(trialDir); err == nil && info.IsDir() {
			return runDir, trialDir, nil
		}
	}
	return "", "", labErrors.Wrap(fmt.Errorf("%w: %s", ErrTrialNotFound, trialID), labErrors.CategoryNotFound, "trial_not_found", "", false)
}

// ReplayTrial re-executes the harness on a trial's recorded input and writes
// trial_output_replay.json beside the original output. The recorded input,
// output and event log are left untouched.
func ReplayTrial(ctx context.Context, trialID string, opts ReplayOptions) (ReplayResult, error) {
	if opts.Strict {
		return ReplayResult{}, labErrors.Wrap(ErrStrictReplay, labErrors.CategoryInvalidConfig, "replay_strict_unsupported", "strict replay needs sdk_full integration", false)
	}
	runDir, trialDir, err := FindTrial(baseOrCwd(opts.BaseDir), trialID)
	if err != nil {
		return ReplayResult{}, err
	}
	r, err := openRun(runDir, opts.Schemas, opts.Logger, nil, nil)
	if err != nil {
		return ReplayResult{}, err
	}
	input, err := readTrialInput(filepath.Join(trialDir, TrialInputFile))
	if err != nil {
		return ReplayResult{}, err
	}
	controlPath := input.Runtime.ControlPlane.Path
	if controlPath != "" {
		if _, err := os.Stat(controlPath); errors.Is(err, os.ErrNotExist) {
			if _, err := harness.WriteControlAction(controlPath, schemaharness.ControlAction{Action: schemaevents.ActionContinue}); err != nil {
				return ReplayResult{}, err
			}
		}
	}

	outputPath := filepath.Join(trialDir, TrialOutputReplayFile)
	output, err := invokeHarness(ctx, r.executor, r.resolved, input, trialDir, "trial_input_replay.json", outputPath, "_replay")
	if err != nil {
		return ReplayResult{}, err
	}
	result := ReplayResult{RunID: r.runID, TrialID: trialID, OutputPath: outputPath, Outcome: output.Output.Outcome}
	// #nosec G304 -- recorded output lives in the trial directory.
	if recorded, err := os.ReadFile(filepath.Join(trialDir, TrialOutputFile)); err == nil {
		recordedDigest, recordedErr := jcs.DigestJCS(recorded)
		replayDigest, replayErr := jcs.DigestJCS(output.RawOutput)
		result.Matches = recordedErr == nil && replayErr == nil && recordedDigest == replayDigest
	}
	r.logger.Info("trial replayed", "run_id", r.runID, "trial_id", trialID, "outcome", result.Outcome, "matches", result.Matches)
	return result, nil
}

// ForkTrial runs a new trial in the parent's run with the parent's task and
// bindings overlaid by opts.Bindings. The fork gets its own directories and
// event chain; its input records the parent under ext.fork. The run must
// verify before the fork, and its attestation is re-derived after it.
func ForkTrial(ctx context.Context, trialID string, opts ForkOptions) (TrialResult, error) {
	runDir, parentDir, err := FindTrial(baseOrCwd(opts.BaseDir), trialID)
	if err != nil {
		return TrialResult{}, err
	}
	if _, err := provenance.VerifyRun(runDir); err != nil {
		return TrialResult{}, fmt.Errorf("fork of unverified run %s: %w", filepath.Base(runDir), err)
	}
	r, err := openRun(runDir, opts.Schemas, opts.Logger, opts.Now, opts.NewID)
	if err != nil {
		return TrialResult{}, err
	}
	r.opts.AllowMissingManifest = opts.AllowMissingManifest
	parent, err := readTrialInput(filepath.Join(parentDir, TrialInputFile))
	if err != nil {
		return TrialResult{}, err
	}

	bindings := map[string]any{}
	for key, value := range parent.Bindings {
		bindings[key] = value
	}
	for key, value := range opts.Bindings {
		bindings[key] = value
	}
	overrides := opts.Bindings
	if overrides == nil {
		overrides = map[string]any{}
	}
	fork := map[string]any{
		"parent_trial_id": trialID,
		"at":              opts.At,
		"bindings":        overrides,
	}
	ext := map[string]any{}
	for key, value := range parent.Ext {
		ext[key] = value
	}
	ext["fork"] = fork

	t := r.newTrial(trialPlan{
		trialID: r.newID("trial"),
		taskID:  parent.IDs.TaskID,
		task:    parent.Task,
		replIdx: parent.IDs.ReplIdx,
		variant: schemaexperiment.Variant{VariantID: parent.IDs.VariantID, Bindings: bindings},
	})
	t.ext = ext
	t.startData = map[string]any{"parent_trial_id": trialID, "at": opts.At}
	if label, ok := strings.CutPrefix(opts.At, checkpointSelectorPrefix); ok {
		if !checkpoint.ValidLabel(label) {
			return TrialResult{}, labErrors.Wrap(fmt.Errorf("invalid checkpoint label %q", label), labErrors.CategoryInvalidInput, "fork_selector_invalid", "use checkpoint:<label>", false)
		}
		recordPath := filepath.Join(parentDir, CheckpointsDir, "checkpoint_"+label+".json")
		t.seed = func(t *trial) error {
			return seedFromCheckpoint(t, recordPath)
		}
	}
	result := r.execTrial(ctx, t)
	if err := r.reattest(result); err != nil {
		return result, err
	}
	r.logger.Info("trial forked", "run_id", r.runID, "parent_trial_id", trialID, "trial_id", result.TrialID, "outcome", result.Outcome)
	return result, nil
}

// seedFromCheckpoint restores the parent's checkpointed surfaces into the
// fork's own workspace and state.
func seedFromCheckpoint(t *trial, recordPath string) error {
	record, err := checkpoint.Load(recordPath)
	if err != nil {
		return err
	}
	destinations := map[string]string{}
	for name, dest := range map[string]string{"workspace": t.paths.Workspace, "state": t.paths.State} {
		if _, ok := record.Surfaces[name]; ok {
			destinations[name] = dest
		}
	}
	if len(destinations) == 0 {
		return nil
	}
	manager, err := checkpoint.NewManager(filepath.Join(t.dir, CheckpointsDir), t.run.store, checkpoint.Options{Logger: t.run.logger, Now: t.run.now})
	if err != nil {
		return err
	}
	_, err = manager.RestoreTo(recordPath, destinations)
	return err
}

// openRun rebuilds run state from a finished run directory.
func openRun(runDir string, schemas validate.Validator, logger *slog.Logger, now func() time.Time, newID func(string) string) (*run, error) {
	r, err := newRun(Options{
		BaseDir: filepath.Dir(filepath.Dir(filepath.Dir(runDir))),
		Schemas: schemas,
		Logger:  logger,
		Now:     now,
		NewID:   newID,
	})
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- resolved experiment lives in the run directory.
	raw, err := os.ReadFile(filepath.Join(runDir, provenance.ResolvedExperimentFile))
	if err != nil {
		return nil, labErrors.Wrap(fmt.Errorf("read resolved experiment: %w", err), labErrors.CategoryNotFound, "resolved_experiment_missing", "", false)
	}
	if err := json.Unmarshal(raw, &r.resolved); err != nil {
		return nil, labErrors.Wrap(fmt.Errorf("decode resolved experiment: %w", err), labErrors.CategoryInvalidInput, "resolved_experiment_invalid", "", false)
	}
	store, err := artifact.Open(filepath.Join(runDir, provenance.ArtifactsDir))
	if err != nil {
		return nil, err
	}
	r.runID = filepath.Base(runDir)
	r.runDir = runDir
	r.store = store
	return r, nil
}

func readTrialInput(path string) (schemaharness.TrialInput, error) {
	// #nosec G304 -- trial input lives in the trial directory.
	raw, err := os.ReadFile(path)
	if err != nil {
		return schemaharness.TrialInput{}, labErrors.Wrap(fmt.Errorf("read trial input: %w", err), labErrors.CategoryNotFound, "trial_input_missing", "", false)
	}
	var input schemaharness.TrialInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return schemaharness.TrialInput{}, labErrors.Wrap(fmt.Errorf("decode trial input: %w", err), labErrors.CategoryInvalidInput, "trial_input_invalid", "", false)
	}
	return input, nil
}

func baseOrCwd(baseDir string) string {
	if baseDir != "" {
		return baseDir
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}
