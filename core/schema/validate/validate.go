package validate

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/davidahmann/agentlab/schemas"
)

const (
	HarnessManifestV1 = "harness_manifest_v1"
	HookEventsV1      = "hook_events_v1"
	TrialInputV1      = "trial_input_v1"
	TrialOutputV1     = "trial_output_v1"
	EventEnvelopeV1   = "event_envelope_v1"
)

// SchemaDirEnv overrides the embedded schemas with a directory of *.schema.json files.
const SchemaDirEnv = "AGENTLAB_SCHEMA_DIR"

// Validator is the schema capability consumed by the rest of the lab.
type Validator interface {
	Validate(schemaName string, document []byte) error
}

// Registry compiles schemas lazily from a filesystem laid out as v1/<name>.schema.json.
type Registry struct {
	fsys     fs.FS
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func NewRegistry(fsys fs.FS) *Registry {
	return &Registry{fsys: fsys, compiled: map[string]*jsonschema.Schema{}}
}

// Default returns a registry over the embedded schemas, or over $AGENTLAB_SCHEMA_DIR when it
// points at an existing directory.
func Default() *Registry {
	if dir := strings.TrimSpace(os.Getenv(SchemaDirEnv)); dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return NewRegistry(os.DirFS(dir))
		}
	}
	return NewRegistry(schemas.Files)
}

func (r *Registry) Validate(schemaName string, document []byte) error {
	schema, err := r.load(schemaName)
	if err != nil {
		return err
	}
	return validateJSON(schema, document)
}

// ValidateJSONL validates every non-blank line of data against one schema.
func (r *Registry) ValidateJSONL(schemaName string, data []byte) error {
	schema, err := r.load(schemaName)
	if err != nil {
		return err
	}
	return validateJSONL(schema, data)
}

func (r *Registry) load(schemaName string) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schema, ok := r.compiled[schemaName]; ok {
		return schema, nil
	}
	data, err := fs.ReadFile(r.fsys, path.Join("v1", schemaName+".schema.json"))
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", schemaName, err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", schemaName, err)
	}
	r.compiled[schemaName] = schema
	return schema, nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

func validateJSONL(schema *jsonschema.Schema, data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := validateJSON(schema, b); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}
