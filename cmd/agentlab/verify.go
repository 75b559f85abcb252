package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/eventlog"
	"github.com/davidahmann/agentlab/core/provenance"
)

type verifyOutput struct {
	OK                       bool                    `json:"ok"`
	Path                     string                  `json:"path"`
	Kind                     string                  `json:"kind,omitempty"`
	Events                   int                     `json:"events,omitempty"`
	Head                     string                  `json:"head,omitempty"`
	HeadChecked              bool                    `json:"head_checked,omitempty"`
	ResolvedExperimentDigest string                  `json:"resolved_experiment_digest,omitempty"`
	Trials                   []eventlog.VerifyResult `json:"trials,omitempty"`
	ArtifactStoreRoot        string                  `json:"artifact_store_root,omitempty"`
	errorFields
}

func (c *cli) verifyCommand() *cobra.Command {
	var headPath string
	cmd := &cobra.Command{
		Use:   "verify <run_dir|events.jsonl>",
		Short: "Verify a run directory against its attestation, or a single event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := verifyPath(args[0], headPath, c.schemas())
			if err != nil {
				output.errorFields = newErrorFields(err)
				exitCode := exitCodeForError(err, exitVerifyFailed)
				if c.jsonOutput {
					c.exitCode = c.writeJSONOutput(output, exitCode)
					return nil
				}
				c.exitCode = c.writeError(err, exitVerifyFailed)
				return nil
			}
			output.OK = true
			if c.jsonOutput {
				c.exitCode = c.writeJSONOutput(output, exitOK)
				return nil
			}
			switch output.Kind {
			case "run":
				events := 0
				for _, trial := range output.Trials {
					events += trial.Events
				}
				fmt.Fprintf(c.stdout, "run verified: %d trials, %d events\n", len(output.Trials), events)
				fmt.Fprintf(c.stdout, "resolved experiment: %s\n", output.ResolvedExperimentDigest)
			default:
				fmt.Fprintf(c.stdout, "event log verified: %d events, head %s\n", output.Events, output.Head)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&headPath, "head", "", "head file for an event log (default: sibling events.head when present)")
	return cmd
}

// verifyPath dispatches on the target: a directory is a run, a file is an
// event log. Every event log is also checked against the envelope schema.
func verifyPath(path string, headPath string, schemas eventlog.JSONLValidator) (verifyOutput, error) {
	output := verifyOutput{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return output, labErrors.Wrap(fmt.Errorf("verify target %s: %w", path, err), labErrors.CategoryNotFound, "verify_target_not_found", "", false)
		}
		return output, fmt.Errorf("stat verify target: %w", err)
	}
	if info.IsDir() {
		output.Kind = "run"
		report, err := provenance.VerifyRun(path)
		output.ResolvedExperimentDigest = report.ResolvedExperimentDigest
		output.Trials = report.Trials
		output.ArtifactStoreRoot = report.ArtifactStoreRoot
		if err != nil {
			return output, err
		}
		logs, err := filepath.Glob(filepath.Join(path, provenance.TrialsDir, "*", provenance.EventsFile))
		if err != nil {
			return output, fmt.Errorf("list event logs: %w", err)
		}
		for _, logPath := range logs {
			if err := eventlog.ValidateEnvelopes(logPath, schemas); err != nil {
				return output, err
			}
		}
		return output, nil
	}

	output.Kind = "events"
	if headPath == "" {
		sibling := filepath.Join(filepath.Dir(path), provenance.EventsHeadFile)
		if _, err := os.Stat(sibling); err == nil {
			headPath = sibling
		}
	}
	result, err := eventlog.Verify(path, headPath)
	if err != nil {
		return output, err
	}
	if err := eventlog.ValidateEnvelopes(path, schemas); err != nil {
		return output, err
	}
	output.Events = result.Events
	output.Head = result.Head
	output.HeadChecked = result.HeadChecked
	return output, nil
}
