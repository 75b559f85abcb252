package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/experiment"
	"github.com/davidahmann/agentlab/core/hooks"
)

type validateOutput struct {
	OK       bool     `json:"ok"`
	Path     string   `json:"path"`
	Digest   string   `json:"resolved_experiment_digest,omitempty"`
	Variants []string `json:"variants,omitempty"`
	Tasks    int      `json:"tasks"`
	errorFields
}

// validateCommand resolves an experiment and reads its dataset without
// creating a run.
func (c *cli) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <experiment.yaml>",
		Short: "Resolve an experiment and check its dataset without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := validateExperiment(args[0])
			if err != nil {
				c.exitCode = c.writeError(err, exitInvalidInput)
				return nil
			}
			output.OK = true
			if c.jsonOutput {
				c.exitCode = c.writeJSONOutput(output, exitOK)
				return nil
			}
			fmt.Fprintf(c.stdout, "OK: %d variants, %d tasks\n", len(output.Variants), output.Tasks)
			fmt.Fprintf(c.stdout, "resolved experiment: %s\n", output.Digest)
			return nil
		},
	}
}

func validateExperiment(path string) (validateOutput, error) {
	output := validateOutput{Path: path}
	exp, err := experiment.Load(path)
	if err != nil {
		return output, err
	}
	baseDir, err := experiment.BaseDir(path)
	if err != nil {
		return output, err
	}
	resolved, err := experiment.Resolve(exp, baseDir, experiment.ResolveOptions{})
	if err != nil {
		return output, err
	}
	digest, err := experiment.Digest(resolved)
	if err != nil {
		return output, err
	}
	tasks, err := experiment.LoadTasks(resolved.Dataset.Path, resolved.Dataset.Limit)
	if err != nil {
		return output, err
	}
	output.Digest = "sha256:" + digest
	for _, variant := range experiment.VariantPlan(resolved) {
		output.Variants = append(output.Variants, variant.VariantID)
	}
	output.Tasks = len(tasks)
	return output, nil
}

type schemaValidateOutput struct {
	OK     bool   `json:"ok"`
	Schema string `json:"schema"`
	Path   string `json:"path"`
	JSONL  bool   `json:"jsonl,omitempty"`
	errorFields
}

func (c *cli) schemaValidateCommand() *cobra.Command {
	var (
		schemaName string
		path       string
		jsonl      bool
	)
	cmd := &cobra.Command{
		Use:   "schema-validate --schema <name> --file <path>",
		Short: "Validate a JSON document, or every line of a JSONL file, against a lab schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name := strings.TrimSuffix(schemaName, ".schema.json")
			if !jsonl {
				jsonl = strings.EqualFold(filepath.Ext(path), ".jsonl")
			}
			output := schemaValidateOutput{Schema: name, Path: path, JSONL: jsonl}
			if err := c.validateAgainstSchema(name, path, jsonl); err != nil {
				output.errorFields = newErrorFields(err)
				exitCode := exitCodeForError(err, exitInvalidInput)
				if c.jsonOutput {
					c.exitCode = c.writeJSONOutput(output, exitCode)
					return nil
				}
				c.exitCode = c.writeError(err, exitInvalidInput)
				return nil
			}
			output.OK = true
			if c.jsonOutput {
				c.exitCode = c.writeJSONOutput(output, exitOK)
				return nil
			}
			fmt.Fprintf(c.stdout, "OK: %s matches %s\n", path, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaName, "schema", "", "schema name, e.g. hook_events_v1")
	cmd.Flags().StringVar(&path, "file", "", "document to validate")
	cmd.Flags().BoolVar(&jsonl, "jsonl", false, "validate each line separately (implied by a .jsonl extension)")
	_ = cmd.MarkFlagRequired("schema")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) validateAgainstSchema(name string, path string, jsonl bool) error {
	// #nosec G304 -- document path is explicit local user input.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return labErrors.Wrap(fmt.Errorf("read %s: %w", path, err), labErrors.CategoryNotFound, "document_not_found", "", false)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	registry := c.schemas()
	if jsonl {
		err = registry.ValidateJSONL(name, data)
	} else {
		err = registry.Validate(name, data)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return labErrors.Wrap(err, labErrors.CategoryNotFound, "schema_not_found", "schema names look like hook_events_v1", false)
	}
	return labErrors.Wrap(err, labErrors.CategoryInvalidInput, "schema_validation_failed", "", false)
}

type hooksValidateOutput struct {
	OK        bool   `json:"ok"`
	Manifest  string `json:"manifest"`
	Events    string `json:"events"`
	Count     int    `json:"event_count"`
	TurnCount int    `json:"turn_count"`
	errorFields
}

func (c *cli) hooksValidateCommand() *cobra.Command {
	var manifestPath, eventsPath string
	cmd := &cobra.Command{
		Use:   "hooks-validate --manifest <harness_manifest.json> --events <events.jsonl>",
		Short: "Check a hook event stream against its harness manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			output := hooksValidateOutput{Manifest: manifestPath, Events: eventsPath}
			schemas := c.schemas()
			manifest, err := hooks.LoadManifest(manifestPath, schemas)
			if err == nil {
				var result hooks.Result
				result, err = hooks.Collect(eventsPath, manifest, schemas)
				output.Count = len(result.Events)
				output.TurnCount = result.TurnCount
			}
			if err != nil {
				output.errorFields = newErrorFields(err)
				exitCode := exitCodeForError(err, exitInvalidInput)
				if c.jsonOutput {
					c.exitCode = c.writeJSONOutput(output, exitCode)
					return nil
				}
				c.exitCode = c.writeError(err, exitInvalidInput)
				return nil
			}
			output.OK = true
			if c.jsonOutput {
				c.exitCode = c.writeJSONOutput(output, exitOK)
				return nil
			}
			fmt.Fprintf(c.stdout, "OK: %d events, turn_count=%d\n", output.Count, output.TurnCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "harness manifest path")
	cmd.Flags().StringVar(&eventsPath, "events", "", "hook events JSONL path")
	_ = cmd.MarkFlagRequired("manifest")
	_ = cmd.MarkFlagRequired("events")
	return cmd
}
