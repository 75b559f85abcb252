package attestation

import "time"

const (
	AttestationSchemaV1 = "attestation_v1"
	GradesSchemaV1      = "grades_v1"
	RunManifestSchemaV1 = "manifest_v1"
)

type Attestation struct {
	SchemaVersion            string          `json:"schema_version"`
	ResolvedExperimentDigest string          `json:"resolved_experiment_digest"`
	EventsHashchain          []HashchainHead `json:"events_hashchain"`
	Grades                   Grades          `json:"grades_summary"`
	HooksSchemaVersion       string          `json:"hooks_schema_version,omitempty"`
	HarnessIdentity          map[string]any  `json:"harness_identity,omitempty"`
	TraceIngestion           TraceIngestion  `json:"trace_ingestion"`
	ArtifactStoreRoot        string          `json:"artifact_store_root,omitempty"`
	SBOM                     *SBOM           `json:"sbom,omitempty"`
	CreatedAt                time.Time       `json:"created_at"`
}

type HashchainHead struct {
	TrialID string `json:"trial_id"`
	Head    string `json:"head"`
}

type SBOM struct {
	Format      string `json:"format"`
	ArtifactRef string `json:"artifact_ref"`
}

type TraceIngestion struct {
	Mode string `json:"mode"`
}

type Grades struct {
	SchemaVersion      string         `json:"schema_version"`
	IntegrationLevel   string         `json:"integration_level"`
	ReplayGrade        string         `json:"replay_grade"`
	IsolationGrade     string         `json:"isolation_grade"`
	ComparabilityGrade string         `json:"comparability_grade"`
	ProvenanceGrade    string         `json:"provenance_grade"`
	PrivacyGrade       string         `json:"privacy_grade"`
	Evidence           GradesEvidence `json:"evidence"`
}

type GradesEvidence struct {
	Hooks       bool `json:"hooks"`
	Traces      bool `json:"traces"`
	Checkpoints bool `json:"checkpoints"`
}

// RunManifest is the run directory's identity document.
type RunManifest struct {
	SchemaVersion      string    `json:"schema_version"`
	RunID              string    `json:"run_id"`
	CreatedAt          time.Time `json:"created_at"`
	RunnerVersion      string    `json:"runner_version"`
	ResolvedExperiment struct {
		Digest string `json:"digest"`
	} `json:"resolved_experiment"`
}
