package harness

import "encoding/json"

const (
	ManifestSchemaV1    = "harness_manifest_v1"
	TrialInputSchemaV1  = "trial_input_v1"
	TrialOutputSchemaV1 = "trial_output_v1"
)

type Manifest struct {
	SchemaVersion    string         `json:"schema_version"`
	CreatedAt        string         `json:"created_at,omitempty"`
	IntegrationLevel string         `json:"integration_level"`
	Harness          *Identity      `json:"harness,omitempty"`
	Step             *ManifestStep  `json:"step,omitempty"`
	Hooks            *ManifestHooks `json:"hooks,omitempty"`
}

type Identity struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type ManifestStep struct {
	Semantics string `json:"semantics"`
}

type ManifestHooks struct {
	SchemaVersion      string `json:"schema_version"`
	EventsPath         string `json:"events_path"`
	HeaderEventEmitted *bool  `json:"header_event_emitted,omitempty"`
}

func (m Manifest) StepSemantics() string {
	if m.Step == nil {
		return ""
	}
	return m.Step.Semantics
}

func (m Manifest) HooksSchemaVersion() string {
	if m.Hooks == nil {
		return ""
	}
	return m.Hooks.SchemaVersion
}

type TrialIDs struct {
	RunID     string `json:"run_id"`
	TrialID   string `json:"trial_id"`
	VariantID string `json:"variant_id"`
	TaskID    string `json:"task_id"`
	ReplIdx   int    `json:"repl_idx"`
}

type TrialInput struct {
	SchemaVersion string         `json:"schema_version"`
	IDs           TrialIDs       `json:"ids"`
	Task          map[string]any `json:"task"`
	Bindings      map[string]any `json:"bindings"`
	Design        TrialDesign    `json:"design"`
	Runtime       TrialRuntime   `json:"runtime"`
	Ext           map[string]any `json:"ext,omitempty"`
}

type TrialDesign struct {
	SanitizationProfile string `json:"sanitization_profile"`
	IntegrationLevel    string `json:"integration_level"`
}

type TrialRuntime struct {
	Paths        TrialPaths   `json:"paths"`
	Network      Network      `json:"network"`
	ControlPlane ControlPlane `json:"control_plane"`
}

type TrialPaths struct {
	Workspace string `json:"workspace"`
	State     string `json:"state"`
	Cache     string `json:"cache"`
	Dataset   string `json:"dataset"`
	Out       string `json:"out"`
	Tmp       string `json:"tmp"`
}

type Network struct {
	ModeRequested string   `json:"mode_requested"`
	AllowedHosts  []string `json:"allowed_hosts"`
}

type ControlPlane struct {
	Mode string `json:"mode"`
	Path string `json:"path"`
}

type ControlAction struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

type TrialOutput struct {
	SchemaVersion string           `json:"schema_version"`
	IDs           *TrialIDs        `json:"ids,omitempty"`
	Outcome       string           `json:"outcome"`
	Metrics       map[string]any   `json:"metrics,omitempty"`
	Objective     map[string]any   `json:"objective,omitempty"`
	Answer        json.RawMessage  `json:"answer,omitempty"`
	Error         *OutputError     `json:"error,omitempty"`
	Artifacts     []OutputArtifact `json:"artifacts,omitempty"`
}

type OutputError struct {
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message,omitempty"`
}

// OutputArtifact is a side file a harness asks the lab to absorb into the artifact store.
type OutputArtifact struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path"`
}
