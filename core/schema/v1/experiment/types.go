package experiment

const (
	SupportedVersion = "0.3"

	HarnessModeCLI         = "cli"
	ProviderLocalJSONL     = "local_jsonl"
	DefaultBaselineID      = "base"
	DefaultControlPath     = "/state/lab_control.json"
	DefaultSanitization    = "hermetic_functional_v2"
	DefaultNetworkMode     = "none"
	DefaultIntegrationTier = "cli_basic"
)

// Experiment is the user-authored experiment document. Keys the lab does not
// model are preserved in Ext.
type Experiment struct {
	Version      string         `yaml:"version" json:"version" validate:"required"`
	Experiment   *Metadata      `yaml:"experiment,omitempty" json:"experiment,omitempty"`
	Dataset      Dataset        `yaml:"dataset" json:"dataset"`
	Design       Design         `yaml:"design" json:"design"`
	Baseline     Variant        `yaml:"baseline" json:"baseline"`
	VariantPlan  []Variant      `yaml:"variant_plan,omitempty" json:"variant_plan,omitempty"`
	Variants     []Variant      `yaml:"variants,omitempty" json:"variants,omitempty"`
	Runtime      Runtime        `yaml:"runtime" json:"runtime"`
	AnalysisPlan map[string]any `yaml:"analysis_plan,omitempty" json:"analysis_plan,omitempty"`
	RegisteredAt string         `yaml:"registered_at,omitempty" json:"registered_at,omitempty"`
	Ext          map[string]any `yaml:"-" json:"ext,omitempty"`
}

// Resolved is an Experiment after resolution: absolute paths, dataset hash,
// defaults and registration time filled in.
type Resolved = Experiment

type Metadata struct {
	ID          string `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

type Dataset struct {
	Provider    string `yaml:"provider,omitempty" json:"provider,omitempty" validate:"omitempty,oneof=local_jsonl"`
	Path        string `yaml:"path" json:"path" validate:"required"`
	Limit       int    `yaml:"limit,omitempty" json:"limit,omitempty" validate:"gte=0"`
	ContentHash string `yaml:"content_hash,omitempty" json:"content_hash,omitempty"`
}

type Design struct {
	Replications        int    `yaml:"replications,omitempty" json:"replications,omitempty" validate:"gte=0"`
	SanitizationProfile string `yaml:"sanitization_profile,omitempty" json:"sanitization_profile,omitempty"`
	RandomSeed          *int64 `yaml:"random_seed,omitempty" json:"random_seed,omitempty"`
}

type Variant struct {
	VariantID string         `yaml:"variant_id" json:"variant_id"`
	Bindings  map[string]any `yaml:"bindings,omitempty" json:"bindings"`
}

type Runtime struct {
	Harness    Harness          `yaml:"harness" json:"harness"`
	Network    Network          `yaml:"network,omitempty" json:"network"`
	Checkpoint CheckpointPolicy `yaml:"checkpoint,omitempty" json:"checkpoint"`
}

type Harness struct {
	Mode             string        `yaml:"mode" json:"mode" validate:"required"`
	Command          []string      `yaml:"command" json:"command" validate:"required,min=1"`
	IntegrationLevel string        `yaml:"integration_level,omitempty" json:"integration_level,omitempty" validate:"omitempty,oneof=cli_basic cli_events otel sdk_control sdk_full"`
	ControlPlane     *ControlPlane `yaml:"control_plane,omitempty" json:"control_plane,omitempty"`
	TimeoutSeconds   int           `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" validate:"gte=0"`
}

type ControlPlane struct {
	Mode string `yaml:"mode" json:"mode"`
	Path string `yaml:"path" json:"path"`
}

type Network struct {
	Mode         string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	AllowedHosts []string `yaml:"allowed_hosts,omitempty" json:"allowed_hosts,omitempty"`
}

// CheckpointPolicy asks the runner to checkpoint each trial's workspace and state after the harness exits.
type CheckpointPolicy struct {
	Enabled bool   `yaml:"enabled,omitempty" json:"enabled"`
	Label   string `yaml:"label,omitempty" json:"label,omitempty"`
}
