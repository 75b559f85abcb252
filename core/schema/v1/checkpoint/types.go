package checkpoint

import "time"

type Checkpoint struct {
	Label        string             `json:"label"`
	CreatedAt    time.Time          `json:"created_at"`
	Surfaces     map[string]Surface `json:"surfaces"`
	RuntimeState map[string]any     `json:"runtime_state"`
}

type Surface struct {
	Path        string `json:"path"`
	ArtifactRef string `json:"artifact_ref"`
}
