package experiment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/jcs"
	schemaexperiment "github.com/davidahmann/agentlab/core/schema/v1/experiment"
)

var variantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return validate
}

// ArgPolicy rewrites harness command arguments during resolution.
type ArgPolicy func(args []string, baseDir string) []string

type ResolveOptions struct {
	Now       func() time.Time
	ArgPolicy ArgPolicy
}

// Load reads a YAML (or JSON) experiment document. The document must be a mapping.
func Load(path string) (schemaexperiment.Experiment, error) {
	// #nosec G304 -- experiment path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return schemaexperiment.Experiment{}, configError("experiment_not_found", fmt.Errorf("read experiment: %w", err))
		}
		return schemaexperiment.Experiment{}, fmt.Errorf("read experiment: %w", err)
	}
	return Parse(content)
}

func Parse(content []byte) (schemaexperiment.Experiment, error) {
	var generic any
	if err := yaml.Unmarshal(content, &generic); err != nil {
		return schemaexperiment.Experiment{}, configError("experiment_parse_failed", fmt.Errorf("parse experiment: %w", err))
	}
	fields, ok := generic.(map[string]any)
	if !ok {
		return schemaexperiment.Experiment{}, configError("experiment_not_mapping", fmt.Errorf("experiment document must be a mapping"))
	}
	var exp schemaexperiment.Experiment
	if err := yaml.Unmarshal(content, &exp); err != nil {
		return schemaexperiment.Experiment{}, configError("experiment_parse_failed", fmt.Errorf("decode experiment: %w", err))
	}
	known := knownKeys()
	for key, value := range fields {
		if _, ok := known[key]; ok {
			continue
		}
		if exp.Ext == nil {
			exp.Ext = map[string]any{}
		}
		exp.Ext[key] = value
	}
	return exp, nil
}

// BaseDir is the directory relative paths in the experiment at path resolve against.
func BaseDir(path string) (string, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve experiment path: %w", err)
	}
	return filepath.Dir(absolute), nil
}

// Resolve returns a fully defaulted copy of exp with paths absolutized
// against baseDir. The version is checked before any other field.
func Resolve(exp schemaexperiment.Experiment, baseDir string, opts ResolveOptions) (schemaexperiment.Resolved, error) {
	if exp.Version != schemaexperiment.SupportedVersion {
		return schemaexperiment.Resolved{}, labErrors.Wrap(
			fmt.Errorf("unsupported experiment version %q: only %s is supported", exp.Version, schemaexperiment.SupportedVersion),
			labErrors.CategoryInvalidConfig, "experiment_unsupported_version", "set version: \""+schemaexperiment.SupportedVersion+"\"", false,
		)
	}
	if err := structValidator.Struct(exp); err != nil {
		return schemaexperiment.Resolved{}, configError("experiment_invalid", describeValidation(err))
	}
	if exp.Runtime.Harness.Mode != schemaexperiment.HarnessModeCLI {
		return schemaexperiment.Resolved{}, configError("experiment_harness_mode", fmt.Errorf("runtime.harness.mode must be %q, got %q", schemaexperiment.HarnessModeCLI, exp.Runtime.Harness.Mode))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	policy := opts.ArgPolicy
	if policy == nil {
		policy = AbsolutizeArgs
	}
	absoluteBase, err := filepath.Abs(baseDir)
	if err != nil {
		return schemaexperiment.Resolved{}, fmt.Errorf("resolve base dir: %w", err)
	}

	resolved := exp
	resolved.Ext = copyMap(exp.Ext)

	datasetPath := exp.Dataset.Path
	if !filepath.IsAbs(datasetPath) {
		datasetPath = filepath.Join(absoluteBase, datasetPath)
	}
	resolved.Dataset.Path = filepath.Clean(datasetPath)
	if resolved.Dataset.Provider == "" {
		resolved.Dataset.Provider = schemaexperiment.ProviderLocalJSONL
	}
	if strings.TrimSpace(resolved.Dataset.ContentHash) == "" {
		digest, err := jcs.DigestFile(resolved.Dataset.Path)
		if err != nil {
			return schemaexperiment.Resolved{}, configError("experiment_dataset_unreadable", fmt.Errorf("hash dataset: %w", err))
		}
		resolved.Dataset.ContentHash = digest
	}

	harness := exp.Runtime.Harness
	harness.Command = policy(append([]string(nil), exp.Runtime.Harness.Command...), absoluteBase)
	if harness.IntegrationLevel == "" {
		harness.IntegrationLevel = schemaexperiment.DefaultIntegrationTier
	}
	if harness.ControlPlane == nil {
		harness.ControlPlane = &schemaexperiment.ControlPlane{Mode: "file", Path: schemaexperiment.DefaultControlPath}
	} else {
		controlPlane := *harness.ControlPlane
		harness.ControlPlane = &controlPlane
	}
	resolved.Runtime.Harness = harness
	if resolved.Runtime.Network.Mode == "" {
		resolved.Runtime.Network.Mode = schemaexperiment.DefaultNetworkMode
	}
	resolved.Runtime.Network.AllowedHosts = append([]string(nil), exp.Runtime.Network.AllowedHosts...)

	if resolved.Design.Replications == 0 {
		resolved.Design.Replications = 1
	}
	if resolved.Design.SanitizationProfile == "" {
		resolved.Design.SanitizationProfile = schemaexperiment.DefaultSanitization
	}
	if resolved.Baseline.VariantID == "" {
		resolved.Baseline.VariantID = schemaexperiment.DefaultBaselineID
	}
	resolved.Baseline.Bindings = bindingsOrEmpty(exp.Baseline.Bindings)
	resolved.VariantPlan = copyVariants(exp.VariantPlan)
	resolved.Variants = copyVariants(exp.Variants)

	seen := map[string]struct{}{}
	for _, variant := range VariantPlan(resolved) {
		if !variantIDPattern.MatchString(variant.VariantID) {
			return schemaexperiment.Resolved{}, configError("experiment_variant_id", fmt.Errorf("variant_id %q must be a simple name", variant.VariantID))
		}
		if _, dup := seen[variant.VariantID]; dup {
			return schemaexperiment.Resolved{}, configError("experiment_variant_id", fmt.Errorf("duplicate variant_id %q", variant.VariantID))
		}
		seen[variant.VariantID] = struct{}{}
	}

	resolved.RegisteredAt = now().UTC().Format(time.RFC3339Nano)
	return resolved, nil
}

// AbsolutizeArgs rewrites relative arguments that look like paths ("./x" or
// containing a separator) and exist under baseDir into absolute paths.
// Everything else is left untouched.
func AbsolutizeArgs(args []string, baseDir string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == "" || filepath.IsAbs(arg) {
			out = append(out, arg)
			continue
		}
		looksLikePath := strings.HasPrefix(arg, "./") || strings.ContainsRune(arg, os.PathSeparator) || strings.Contains(arg, "/")
		if looksLikePath {
			candidate := filepath.Clean(filepath.Join(baseDir, arg))
			if _, err := os.Stat(candidate); err == nil {
				out = append(out, candidate)
				continue
			}
		}
		out = append(out, arg)
	}
	return out
}

// Digest is the experiment's identity: the digest of its canonical encoding.
func Digest(resolved schemaexperiment.Resolved) (string, error) {
	digest, err := jcs.DigestValue(resolved)
	if err != nil {
		return "", configError("experiment_digest_failed", fmt.Errorf("digest resolved experiment: %w", err))
	}
	return digest, nil
}

// VariantPlan is the baseline followed by variant_plan, or by the legacy
// variants list when variant_plan is absent.
func VariantPlan(resolved schemaexperiment.Resolved) []schemaexperiment.Variant {
	plan := resolved.VariantPlan
	if plan == nil {
		plan = resolved.Variants
	}
	out := make([]schemaexperiment.Variant, 0, len(plan)+1)
	out = append(out, schemaexperiment.Variant{VariantID: resolved.Baseline.VariantID, Bindings: bindingsOrEmpty(resolved.Baseline.Bindings)})
	for _, variant := range plan {
		out = append(out, schemaexperiment.Variant{VariantID: variant.VariantID, Bindings: bindingsOrEmpty(variant.Bindings)})
	}
	return out
}

func configError(code string, err error) error {
	return labErrors.Wrap(err, labErrors.CategoryInvalidConfig, code, "", false)
}

func describeValidation(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		namespace := fieldError.Namespace()
		if index := strings.Index(namespace, "."); index >= 0 {
			namespace = namespace[index+1:]
		}
		messages = append(messages, fmt.Sprintf("%s failed %s", namespace, fieldError.Tag()))
	}
	return fmt.Errorf("invalid experiment: %s", strings.Join(messages, "; "))
}

func knownKeys() map[string]struct{} {
	keys := map[string]struct{}{}
	kind := reflect.TypeOf(schemaexperiment.Experiment{})
	for index := 0; index < kind.NumField(); index++ {
		name := strings.SplitN(kind.Field(index).Tag.Get("yaml"), ",", 2)[0]
		if name != "" && name != "-" {
			keys[name] = struct{}{}
		}
	}
	return keys
}

func bindingsOrEmpty(bindings map[string]any) map[string]any {
	if bindings == nil {
		return map[string]any{}
	}
	return copyMap(bindings)
}

func copyMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}

func copyVariants(variants []schemaexperiment.Variant) []schemaexperiment.Variant {
	if variants == nil {
		return nil
	}
	out := make([]schemaexperiment.Variant, 0, len(variants))
	for _, variant := range variants {
		out = append(out, schemaexperiment.Variant{VariantID: variant.VariantID, Bindings: bindingsOrEmpty(variant.Bindings)})
	}
	return out
}
