package provenance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/agentlab/core/artifact"
	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/eventlog"
	"github.com/davidahmann/agentlab/core/fsx"
	"github.com/davidahmann/agentlab/core/jcs"
	schemaattestation "github.com/davidahmann/agentlab/core/schema/v1/attestation"
	"github.com/davidahmann/agentlab/core/zipx"
)

// Run directory layout shared by the runner, provenance and the CLI.
const (
	ResolvedExperimentFile   = "resolved_experiment.json"
	ResolvedExperimentDigest = "resolved_experiment.digest"
	ManifestFile             = "manifest.json"
	GradesFile               = "grades.json"
	AttestationFile          = "attestation.json"
	DebugBundleFile          = "debug_bundle.zip"
	TrialsDir                = "trials"
	ArtifactsDir             = "artifacts"
	EventsFile               = "events.jsonl"
	EventsHeadFile           = "events.head"
	SBOMPath                 = "sbom/image.spdx.json"
	TrialsFile               = "trials.json"
	DebugBundlesDir          = "debug_bundles"
	PublishBundle            = "publish/bundle.zip"
)

// bundleMembers are the run documents a debug bundle carries when present.
var bundleMembers = []string{
	ManifestFile,
	ResolvedExperimentFile,
	ResolvedExperimentDigest,
	AttestationFile,
	"analysis/summary.json",
	"analysis/comparisons.json",
	GradesFile,
}

type AttestationOptions struct {
	Store              *artifact.Store
	Grades             schemaattestation.Grades
	HarnessIdentity    map[string]any
	HooksSchemaVersion string
	TraceIngestion     schemaattestation.TraceIngestion
	SBOMRef            string
	Now                func() time.Time
}

// HashchainHeads lists the event log head of every trial under trialsDir that
// has one, ordered by trial id. A missing directory yields no heads.
func HashchainHeads(trialsDir string) ([]schemaattestation.HashchainHead, error) {
	entries, err := os.ReadDir(trialsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []schemaattestation.HashchainHead{}, nil
		}
		return nil, fmt.Errorf("read trials directory: %w", err)
	}
	heads := []schemaattestation.HashchainHead{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		headPath := filepath.Join(trialsDir, entry.Name(), EventsHeadFile)
		// #nosec G304 -- head path is derived from the run directory.
		raw, err := os.ReadFile(headPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", headPath, err)
		}
		heads = append(heads, schemaattestation.HashchainHead{TrialID: entry.Name(), Head: strings.TrimSpace(string(raw))})
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].TrialID < heads[j].TrialID })
	return heads, nil
}

// ArtifactStoreRootDigest is the aggregate store digest, or "" for a nil or
// empty store.
func ArtifactStoreRootDigest(store *artifact.Store) (string, error) {
	if store == nil {
		return "", nil
	}
	digest, ok, err := store.RootDigest()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return digest, nil
}

// CaptureSBOM stores <runDir>/sbom/image.spdx.json when a build step left
// one there. It reports false when there is nothing to capture.
func CaptureSBOM(runDir string, store *artifact.Store) (artifact.Ref, bool, error) {
	path := filepath.Join(runDir, filepath.FromSlash(SBOMPath))
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return artifact.Ref{}, false, nil
		}
		return artifact.Ref{}, false, err
	}
	ref, err := store.PutFile(path)
	if err != nil {
		return artifact.Ref{}, false, err
	}
	return ref, true, nil
}

// WriteAttestation writes <runDir>/attestation.json and returns its path.
func WriteAttestation(runDir string, opts AttestationOptions) (string, error) {
	// #nosec G304 -- digest file lives in the run directory.
	rawDigest, err := os.ReadFile(filepath.Join(runDir, ResolvedExperimentDigest))
	if err != nil {
		return "", labErrors.Wrap(fmt.Errorf("read resolved experiment digest: %w", err), labErrors.CategoryNotFound, "attestation_digest_missing", "", false)
	}
	heads, err := HashchainHeads(filepath.Join(runDir, TrialsDir))
	if err != nil {
		return "", err
	}
	rootDigest, err := ArtifactStoreRootDigest(opts.Store)
	if err != nil {
		return "", fmt.Errorf("artifact store root digest: %w", err)
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	traceIngestion := opts.TraceIngestion
	if traceIngestion.Mode == "" {
		traceIngestion.Mode = "none"
	}
	doc := schemaattestation.Attestation{
		SchemaVersion:            schemaattestation.AttestationSchemaV1,
		ResolvedExperimentDigest: strings.TrimSpace(string(rawDigest)),
		EventsHashchain:          heads,
		Grades:                   opts.Grades,
		HooksSchemaVersion:       opts.HooksSchemaVersion,
		HarnessIdentity:          opts.HarnessIdentity,
		TraceIngestion:           traceIngestion,
		ArtifactStoreRoot:        rootDigest,
		CreatedAt:                now().UTC(),
	}
	if opts.SBOMRef != "" {
		doc.SBOM = &schemaattestation.SBOM{Format: "spdx", ArtifactRef: opts.SBOMRef}
	}
	path := filepath.Join(runDir, AttestationFile)
	if err := WriteJSON(path, doc); err != nil {
		return "", err
	}
	return path, nil
}

// RefreshAttestation re-derives the event heads and artifact store root of
// an existing attestation after trials were added to its run. Every other
// claim is carried over unchanged.
func RefreshAttestation(runDir string, store *artifact.Store, now func() time.Time) (string, error) {
	path := filepath.Join(runDir, AttestationFile)
	doc, err := ReadAttestation(path)
	if err != nil {
		return "", err
	}
	heads, err := HashchainHeads(filepath.Join(runDir, TrialsDir))
	if err != nil {
		return "", err
	}
	rootDigest, err := ArtifactStoreRootDigest(store)
	if err != nil {
		return "", fmt.Errorf("artifact store root digest: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	doc.EventsHashchain = heads
	doc.ArtifactStoreRoot = rootDigest
	doc.CreatedAt = now().UTC()
	if err := WriteJSON(path, doc); err != nil {
		return "", err
	}
	return path, nil
}

func ReadAttestation(path string) (schemaattestation.Attestation, error) {
	// #nosec G304 -- attestation path is explicit local user input.
	raw, err := os.ReadFile(path)
	if err != nil {
		return schemaattestation.Attestation{}, labErrors.Wrap(fmt.Errorf("read attestation: %w", err), labErrors.CategoryNotFound, "attestation_missing", "", false)
	}
	var doc schemaattestation.Attestation
	if err := json.Unmarshal(raw, &doc); err != nil {
		return schemaattestation.Attestation{}, labErrors.Wrap(fmt.Errorf("decode attestation: %w", err), labErrors.CategoryInvalidInput, "attestation_invalid", "", false)
	}
	return doc, nil
}

// BuildDebugBundle zips the run's key documents that exist, plus any extra
// run-relative paths, into outPath.
func BuildDebugBundle(runDir string, outPath string, extraPaths []string) (string, error) {
	files, err := documentFiles(runDir, extraPaths)
	if err != nil {
		return "", err
	}
	return writeBundle(outPath, files)
}

// Publish verifies the run and writes a shareable bundle: the debug bundle
// documents plus the trials and artifacts trees. outPath defaults to
// <runDir>/publish/bundle.zip.
func Publish(runDir string, outPath string) (string, error) {
	if _, err := VerifyRun(runDir); err != nil {
		return "", err
	}
	if strings.TrimSpace(outPath) == "" {
		outPath = filepath.Join(runDir, filepath.FromSlash(PublishBundle))
	}
	files, err := documentFiles(runDir, []string{TrialsFile})
	if err != nil {
		return "", err
	}
	for _, tree := range []string{TrialsDir, ArtifactsDir} {
		treeFiles, err := collectTree(runDir, tree)
		if err != nil {
			return "", err
		}
		files = append(files, treeFiles...)
	}
	return writeBundle(outPath, files)
}

func documentFiles(runDir string, extraPaths []string) ([]zipx.File, error) {
	include := append(append([]string{}, bundleMembers...), extraPaths...)
	files := make([]zipx.File, 0, len(include))
	seen := map[string]struct{}{}
	for _, relative := range include {
		name := filepath.ToSlash(filepath.Clean(relative))
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return nil, labErrors.Wrap(fmt.Errorf("%w: %s", zipx.ErrUnsafePath, relative), labErrors.CategoryUnsafeArchive, "bundle_path_unsafe", "", false)
		}
		// #nosec G304 -- member paths are checked to stay inside the run directory.
		data, err := os.ReadFile(filepath.Join(runDir, filepath.FromSlash(name)))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		files = append(files, zipx.File{Path: name, Data: data, Mode: 0o644})
	}
	return files, nil
}

// collectTree lists every regular file under <runDir>/<tree>. Anything else
// (a symlink, a device) makes the bundle unsafe to share.
func collectTree(runDir string, tree string) ([]zipx.File, error) {
	root := filepath.Join(runDir, tree)
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	var files []zipx.File
	err := filepath.WalkDir(root, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		relative, err := filepath.Rel(runDir, current)
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return labErrors.Wrap(fmt.Errorf("%w: %s is not a regular file", zipx.ErrUnsafePath, filepath.ToSlash(relative)), labErrors.CategoryUnsafeArchive, "bundle_member_unsafe", "", false)
		}
		// #nosec G304 -- path comes from walking the run directory.
		data, err := os.ReadFile(current)
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.ToSlash(relative), err)
		}
		files = append(files, zipx.File{Path: filepath.ToSlash(relative), Data: data, Mode: 0o644})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func writeBundle(outPath string, files []zipx.File) (string, error) {
	var buffer bytes.Buffer
	if err := zipx.WriteDeterministicZip(&buffer, files); err != nil {
		return "", fmt.Errorf("build bundle: %w", err)
	}
	if err := fsx.WriteFileAtomicMkdir(outPath, buffer.Bytes(), 0o600); err != nil {
		return "", labErrors.Wrap(fmt.Errorf("write bundle: %w", err), labErrors.CategoryIOFailure, "bundle_write_failed", "", true)
	}
	return outPath, nil
}

// RunReport is the outcome of re-checking a finished run directory.
type RunReport struct {
	RunDir                   string                  `json:"run_dir"`
	ResolvedExperimentDigest string                  `json:"resolved_experiment_digest"`
	Trials                   []eventlog.VerifyResult `json:"trials"`
	ArtifactStoreRoot        string                  `json:"artifact_store_root,omitempty"`
}

// VerifyRun re-derives what the attestation claims: the resolved experiment
// digest, every trial's event chain and head, and the artifact store root.
func VerifyRun(runDir string) (RunReport, error) {
	doc, err := ReadAttestation(filepath.Join(runDir, AttestationFile))
	if err != nil {
		return RunReport{}, err
	}
	report := RunReport{RunDir: runDir}

	// #nosec G304 -- resolved experiment lives in the run directory.
	resolved, err := os.ReadFile(filepath.Join(runDir, ResolvedExperimentFile))
	if err != nil {
		return report, labErrors.Wrap(fmt.Errorf("read resolved experiment: %w", err), labErrors.CategoryNotFound, "resolved_experiment_missing", "", false)
	}
	digest, err := jcs.DigestJCS(resolved)
	if err != nil {
		return report, labErrors.Wrap(fmt.Errorf("canonicalize resolved experiment: %w", err), labErrors.CategoryIntegrity, "resolved_experiment_invalid", "", false)
	}
	report.ResolvedExperimentDigest = "sha256:" + digest
	if report.ResolvedExperimentDigest != doc.ResolvedExperimentDigest {
		return report, integrityError("resolved_experiment_digest_mismatch", fmt.Errorf("resolved experiment digest %s does not match attestation %s", report.ResolvedExperimentDigest, doc.ResolvedExperimentDigest))
	}

	for _, head := range doc.EventsHashchain {
		if !filepath.IsLocal(head.TrialID) {
			return report, integrityError("attestation_trial_invalid", fmt.Errorf("trial id %q is not a local name", head.TrialID))
		}
		trialDir := filepath.Join(runDir, TrialsDir, head.TrialID)
		result, err := eventlog.Verify(filepath.Join(trialDir, EventsFile), filepath.Join(trialDir, EventsHeadFile))
		if err != nil {
			return report, fmt.Errorf("trial %s: %w", head.TrialID, err)
		}
		if result.Head != head.Head {
			return report, integrityError("attestation_head_mismatch", fmt.Errorf("trial %s head %s does not match attestation %s", head.TrialID, result.Head, head.Head))
		}
		report.Trials = append(report.Trials, result)
	}

	if doc.ArtifactStoreRoot != "" {
		store, err := artifact.Open(filepath.Join(runDir, ArtifactsDir))
		if err != nil {
			return report, err
		}
		root, err := ArtifactStoreRootDigest(store)
		if err != nil {
			return report, err
		}
		report.ArtifactStoreRoot = root
		if root != doc.ArtifactStoreRoot {
			return report, integrityError("artifact_store_root_mismatch", fmt.Errorf("artifact store root %s does not match attestation %s", root, doc.ArtifactStoreRoot))
		}
	}
	return report, nil
}

// WriteJSON writes value as indented JSON with a trailing newline, atomically.
func WriteJSON(path string, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := fsx.WriteFileAtomicMkdir(path, append(encoded, '\n'), 0o600); err != nil {
		return labErrors.Wrap(fmt.Errorf("write %s: %w", filepath.Base(path), err), labErrors.CategoryIOFailure, "write_failed", "", true)
	}
	return nil
}

func integrityError(code string, err error) error {
	return labErrors.Wrap(err, labErrors.CategoryIntegrity, code, "", false)
}
