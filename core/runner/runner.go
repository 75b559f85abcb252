package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/davidahmann/agentlab/core/artifact"
	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/experiment"
	"github.com/davidahmann/agentlab/core/fsx"
	"github.com/davidahmann/agentlab/core/harness"
	"github.com/davidahmann/agentlab/core/integration"
	"github.com/davidahmann/agentlab/core/provenance"
	schemaattestation "github.com/davidahmann/agentlab/core/schema/v1/attestation"
	schemaexperiment "github.com/davidahmann/agentlab/core/schema/v1/experiment"
	"github.com/davidahmann/agentlab/core/schema/validate"
)

const (
	Version = "0.1"

	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomeTimeout      = "timeout"
	OutcomeInvalidHooks = "invalid_hooks"
	OutcomeSkipped      = "skipped"
)

var tracer = otel.Tracer("agentlab.runner")

var trialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agentlab_trials_total",
	Help: "Trials executed by outcome",
}, []string{"outcome"})

// Options configures one experiment run. Exactly one of ExperimentPath and
// Experiment is set.
type Options struct {
	ExperimentPath string
	Experiment     *schemaexperiment.Experiment
	// ResolutionBaseDir anchors relative paths of an inline Experiment.
	// Defaults to BaseDir.
	ResolutionBaseDir string
	// BaseDir holds .lab/runs. Defaults to the working directory.
	BaseDir              string
	AllowMissingManifest bool
	Parallelism          int
	Schemas              validate.Validator
	Logger               *slog.Logger
	Now                  func() time.Time
	NewID                func(prefix string) string
}

type TrialResult struct {
	TrialID            string   `json:"trial_id"`
	VariantID          string   `json:"variant_id"`
	TaskID             string   `json:"task_id"`
	ReplIdx            int      `json:"repl_idx"`
	Outcome            string   `json:"outcome"`
	HarnessOutcome     string   `json:"harness_outcome,omitempty"`
	Error              string   `json:"error,omitempty"`
	ErrorCategory      string   `json:"error_category,omitempty"`
	Dir                string   `json:"dir"`
	EventsHead         string   `json:"events_head,omitempty"`
	ControlVersion     string   `json:"control_version,omitempty"`
	HooksValidated     bool     `json:"hooks_validated"`
	HookTurns          int      `json:"hook_turns,omitempty"`
	HooksSchemaVersion string   `json:"hooks_schema_version,omitempty"`
	HarnessIdentity    any      `json:"harness_identity,omitempty"`
	Checkpoint         string   `json:"checkpoint,omitempty"`
	Artifacts          []string `json:"artifacts,omitempty"`
}

type Result struct {
	RunID           string                   `json:"run_id"`
	RunDir          string                   `json:"run_dir"`
	Digest          string                   `json:"resolved_experiment_digest"`
	Trials          []TrialResult            `json:"trials"`
	Grades          schemaattestation.Grades `json:"grades"`
	AttestationPath string                   `json:"attestation_path"`
	DebugBundlePath string                   `json:"debug_bundle_path"`
}

// Counts tallies trial outcomes.
func (r Result) Counts() map[string]int {
	counts := map[string]int{}
	for _, trial := range r.Trials {
		counts[trial.Outcome]++
	}
	return counts
}

// RunsDir is where runs under baseDir live.
func RunsDir(baseDir string) string {
	return filepath.Join(baseDir, ".lab", "runs")
}

func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type run struct {
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	newID    func(string) string
	schemas  validate.Validator
	executor *harness.Executor

	runID    string
	runDir   string
	resolved schemaexperiment.Resolved
	store    *artifact.Store
}

// Run resolves the experiment, executes every task × replication × variant
// trial, and writes grades, the attestation and a debug bundle. Resolution
// and run-directory errors abort the run; trial errors are recorded in the
// trial's result and the run continues, unless the error is fatal (see
// labErrors.Fatal), in which case remaining trials are skipped and the
// finished run is returned with the error.
func Run(ctx context.Context, opts Options) (Result, error) {
	if (opts.ExperimentPath == "") == (opts.Experiment == nil) {
		return Result{}, labErrors.Wrap(fmt.Errorf("exactly one of experiment path or inline experiment is required"), labErrors.CategoryInvalidConfig, "run_experiment_missing", "", false)
	}
	r, err := newRun(opts)
	if err != nil {
		return Result{}, err
	}
	resolved, digest, err := r.resolve()
	if err != nil {
		return Result{}, err
	}
	r.resolved = resolved
	tasks, err := experiment.LoadTasks(resolved.Dataset.Path, resolved.Dataset.Limit)
	if err != nil {
		return Result{}, err
	}

	r.runID = r.newID("run")
	r.runDir = filepath.Join(RunsDir(r.opts.BaseDir), r.runID)
	ctx, span := tracer.Start(ctx, "agentlab.Run", traceAttrs(
		attribute.String("agentlab.run_id", r.runID),
		attribute.String("agentlab.experiment_digest", digest),
		attribute.Int("agentlab.task_count", len(tasks)),
	))
	defer span.End()

	if err := r.prepare(digest); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	r.logger.Info("run started", "run_id", r.runID, "run_dir", r.runDir, "tasks", len(tasks), "digest", digest)

	plans := r.plan(tasks)
	results := make([]TrialResult, len(plans))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.opts.Parallelism)
	for index, plan := range plans {
		if groupCtx.Err() != nil {
			results[index] = skipped(plan)
			continue
		}
		group.Go(func() error {
			if groupCtx.Err() != nil {
				results[index] = skipped(plan)
				return nil
			}
			result, err := r.runTrial(groupCtx, plan)
			results[index] = result
			return err
		})
	}
	abortErr := group.Wait()

	result := Result{RunID: r.runID, RunDir: r.runDir, Digest: digest, Trials: results}
	if err := r.finish(&result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	counts := result.Counts()
	r.logger.Info("run finished", "run_id", r.runID, "trials", len(results), "completed", counts[OutcomeCompleted], "replay_grade", result.Grades.ReplayGrade)
	if abortErr != nil {
		span.RecordError(abortErr)
		span.SetStatus(codes.Error, "run aborted")
		return result, fmt.Errorf("run %s aborted: %w", r.runID, abortErr)
	}
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "run canceled")
		return result, fmt.Errorf("run %s canceled: %w", r.runID, ctx.Err())
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func newRun(opts Options) (*run, error) {
	if opts.BaseDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		opts.BaseDir = cwd
	}
	base, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	opts.BaseDir = base
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	r := &run{opts: opts, logger: opts.Logger, now: opts.Now, newID: opts.NewID, schemas: opts.Schemas}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = NewID
	}
	if r.schemas == nil {
		r.schemas = validate.Default()
	}
	r.executor = harness.NewExecutor(r.schemas, r.logger)
	return r, nil
}

func (r *run) resolve() (schemaexperiment.Resolved, string, error) {
	var (
		exp     schemaexperiment.Experiment
		baseDir string
	)
	if r.opts.ExperimentPath != "" {
		loaded, err := experiment.Load(r.opts.ExperimentPath)
		if err != nil {
			return schemaexperiment.Resolved{}, "", err
		}
		dir, err := experiment.BaseDir(r.opts.ExperimentPath)
		if err != nil {
			return schemaexperiment.Resolved{}, "", err
		}
		exp, baseDir = loaded, dir
	} else {
		exp = *r.opts.Experiment
		baseDir = r.opts.ResolutionBaseDir
		if baseDir == "" {
			baseDir = r.opts.BaseDir
		}
	}
	resolved, err := experiment.Resolve(exp, baseDir, experiment.ResolveOptions{Now: r.now})
	if err != nil {
		return schemaexperiment.Resolved{}, "", err
	}
	digest, err := experiment.Digest(resolved)
	if err != nil {
		return schemaexperiment.Resolved{}, "", err
	}
	return resolved, digest, nil
}

// prepare creates the run directory and its identity documents.
func (r *run) prepare(digest string) error {
	if err := os.MkdirAll(filepath.Join(r.runDir, provenance.TrialsDir), 0o750); err != nil {
		return labErrors.Wrap(fmt.Errorf("create run directory: %w", err), labErrors.CategoryIOFailure, "run_dir_failed", "", true)
	}
	if err := provenance.WriteJSON(filepath.Join(r.runDir, provenance.ResolvedExperimentFile), r.resolved); err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(filepath.Join(r.runDir, provenance.ResolvedExperimentDigest), []byte(digest), 0o600); err != nil {
		return labErrors.Wrap(fmt.Errorf("write experiment digest: %w", err), labErrors.CategoryIOFailure, "run_dir_failed", "", true)
	}
	manifest := schemaattestation.RunManifest{
		SchemaVersion: schemaattestation.RunManifestSchemaV1,
		RunID:         r.runID,
		CreatedAt:     r.now().UTC(),
		RunnerVersion: Version,
	}
	manifest.ResolvedExperiment.Digest = digest
	if err := provenance.WriteJSON(filepath.Join(r.runDir, provenance.ManifestFile), manifest); err != nil {
		return err
	}
	for _, variant := range experiment.VariantPlan(r.resolved) {
		if err := provenance.WriteJSON(filepath.Join(r.runDir, "variants", variant.VariantID, "resolved_variant.json"), variant); err != nil {
			return err
		}
	}
	store, err := artifact.Open(filepath.Join(r.runDir, provenance.ArtifactsDir))
	if err != nil {
		return err
	}
	r.store = store
	return nil
}

// plan enumerates trials in task, replication, variant order.
func (r *run) plan(tasks []map[string]any) []trialPlan {
	variants := experiment.VariantPlan(r.resolved)
	plans := make([]trialPlan, 0, len(tasks)*r.resolved.Design.Replications*len(variants))
	for taskIndex, task := range tasks {
		taskID := fmt.Sprintf("task_%d", taskIndex)
		if value, ok := task["task_id"].(string); ok && value != "" {
			taskID = value
		}
		for replIdx := 0; replIdx < r.resolved.Design.Replications; replIdx++ {
			for _, variant := range variants {
				plans = append(plans, trialPlan{
					trialID: r.newID("trial"),
					taskID:  taskID,
					task:    task,
					replIdx: replIdx,
					variant: variant,
				})
			}
		}
	}
	return plans
}

// finish grades the run and writes its provenance documents.
func (r *run) finish(result *Result) error {
	evidence := integration.Evidence{}
	hooksSchemaVersion := ""
	var identity map[string]any
	for _, trial := range result.Trials {
		if trial.HooksValidated {
			evidence.Hooks = true
			if hooksSchemaVersion == "" {
				hooksSchemaVersion = trial.HooksSchemaVersion
			}
		}
		if trial.Checkpoint != "" {
			evidence.Checkpoints = true
		}
		if identity == nil && trial.HarnessIdentity != nil {
			identity = toMap(trial.HarnessIdentity)
		}
	}
	declared := integration.Level(r.resolved.Runtime.Harness.IntegrationLevel)
	effective := integration.EffectiveLevel(declared, evidence)
	result.Grades = schemaattestation.Grades{
		SchemaVersion:      schemaattestation.GradesSchemaV1,
		IntegrationLevel:   string(effective),
		ReplayGrade:        string(integration.GradeReplay(effective, evidence.Checkpoints)),
		IsolationGrade:     "leaky",
		ComparabilityGrade: "unknown",
		ProvenanceGrade:    "partial",
		PrivacyGrade:       "unknown",
		Evidence: schemaattestation.GradesEvidence{
			Hooks:       evidence.Hooks,
			Traces:      evidence.Traces,
			Checkpoints: evidence.Checkpoints,
		},
	}
	if err := provenance.WriteJSON(filepath.Join(r.runDir, provenance.GradesFile), result.Grades); err != nil {
		return err
	}
	if err := provenance.WriteJSON(filepath.Join(r.runDir, provenance.TrialsFile), result.Trials); err != nil {
		return err
	}

	sbomRef := ""
	if ref, ok, err := provenance.CaptureSBOM(r.runDir, r.store); err != nil {
		r.logger.Warn("sbom capture failed", "run_id", r.runID, "error", err)
	} else if ok {
		sbomRef = ref.String()
	}
	traceMode := "none"
	if evidence.Hooks {
		traceMode = "hooks"
	}
	attestationPath, err := provenance.WriteAttestation(r.runDir, provenance.AttestationOptions{
		Store:              r.store,
		Grades:             result.Grades,
		HarnessIdentity:    identity,
		HooksSchemaVersion: hooksSchemaVersion,
		TraceIngestion:     schemaattestation.TraceIngestion{Mode: traceMode},
		SBOMRef:            sbomRef,
		Now:                r.now,
	})
	if err != nil {
		return err
	}
	result.AttestationPath = attestationPath

	bundlePath, err := r.debugBundle()
	if err != nil {
		return err
	}
	result.DebugBundlePath = bundlePath
	return nil
}

func (r *run) debugBundle() (string, error) {
	return provenance.BuildDebugBundle(r.runDir, filepath.Join(r.runDir, provenance.DebugBundlesDir, r.runID+".zip"), []string{provenance.TrialsFile})
}

// reattest folds a trial added to a finished run into trials.json, the
// attestation and the debug bundle.
func (r *run) reattest(added TrialResult) error {
	trialsPath := filepath.Join(r.runDir, provenance.TrialsFile)
	var trials []TrialResult
	// #nosec G304 -- trials.json lives in the run directory.
	raw, err := os.ReadFile(trialsPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &trials); err != nil {
			return labErrors.Wrap(fmt.Errorf("decode %s: %w", provenance.TrialsFile, err), labErrors.CategoryInvalidInput, "trials_invalid", "", false)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read %s: %w", provenance.TrialsFile, err)
	}
	trials = append(trials, added)
	if err := provenance.WriteJSON(trialsPath, trials); err != nil {
		return err
	}
	if _, err := provenance.RefreshAttestation(r.runDir, r.store, r.now); err != nil {
		return err
	}
	_, err = r.debugBundle()
	return err
}

func skipped(plan trialPlan) TrialResult {
	trialsTotal.WithLabelValues(OutcomeSkipped).Inc()
	return TrialResult{
		TrialID:   plan.trialID,
		VariantID: plan.variant.VariantID,
		TaskID:    plan.taskID,
		ReplIdx:   plan.replIdx,
		Outcome:   OutcomeSkipped,
		Error:     "run canceled before trial started",
	}
}

func toMap(value any) map[string]any {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil
	}
	return out
}
