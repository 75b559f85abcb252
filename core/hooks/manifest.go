package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/schema/v1/harness"
	"github.com/davidahmann/agentlab/core/schema/validate"
)

const defaultIntegrationLevel = "cli_basic"

// LoadManifest reads a harness manifest, validates the raw document against
// harness_manifest_v1 and decodes it. A nil schemas uses the default registry.
func LoadManifest(path string, schemas validate.Validator) (harness.Manifest, error) {
	// #nosec G304 -- manifest path is inside the trial directory.
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return harness.Manifest{}, labErrors.Wrap(fmt.Errorf("harness manifest %s: %w", path, err), labErrors.CategoryNotFound, "manifest_not_found", "", false)
		}
		return harness.Manifest{}, fmt.Errorf("read harness manifest: %w", err)
	}
	return ParseManifest(raw, schemas)
}

func ParseManifest(raw []byte, schemas validate.Validator) (harness.Manifest, error) {
	if schemas == nil {
		schemas = validate.Default()
	}
	if err := schemas.Validate(validate.HarnessManifestV1, raw); err != nil {
		return harness.Manifest{}, labErrors.Wrap(fmt.Errorf("harness manifest: %w", err), labErrors.CategoryInvalidInput, "manifest_invalid", "", false)
	}
	var manifest harness.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return harness.Manifest{}, labErrors.Wrap(fmt.Errorf("decode harness manifest: %w", err), labErrors.CategoryInvalidInput, "manifest_invalid", "", false)
	}
	if manifest.IntegrationLevel == "" {
		manifest.IntegrationLevel = defaultIntegrationLevel
	}
	return manifest, nil
}
