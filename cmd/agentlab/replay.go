package main

import (
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/runner"
)

type replayOutput struct {
	OK         bool   `json:"ok"`
	RunID      string `json:"run_id,omitempty"`
	TrialID    string `json:"trial_id,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Matches    bool   `json:"matches"`
	errorFields
}

type forkOutput struct {
	OK            bool   `json:"ok"`
	ParentTrialID string `json:"parent_trial_id"`
	TrialID       string `json:"trial_id,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	Dir           string `json:"dir,omitempty"`
	EventsHead    string `json:"events_head,omitempty"`
	errorFields
}

func (c *cli) replayCommand() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "replay <trial_id>",
		Short: "Re-execute a trial's harness on its recorded input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("strict") {
				strict = c.config.Replay.Strict
			}
			result, err := runner.ReplayTrial(cmd.Context(), args[0], runner.ReplayOptions{
				BaseDir: c.baseDir,
				Strict:  strict,
				Schemas: c.schemas(),
				Logger:  c.logger,
			})
			if err != nil {
				c.exitCode = c.writeError(err, exitInternalFailure)
				return nil
			}
			if c.jsonOutput {
				c.exitCode = c.writeJSONOutput(replayOutput{
					OK:         true,
					RunID:      result.RunID,
					TrialID:    result.TrialID,
					OutputPath: result.OutputPath,
					Outcome:    result.Outcome,
					Matches:    result.Matches,
				}, exitOK)
				return nil
			}
			fmt.Fprintf(c.stdout, "replayed %s (run %s): outcome=%s matches=%t\n", result.TrialID, result.RunID, result.Outcome, result.Matches)
			fmt.Fprintf(c.stdout, "output: %s\n", result.OutputPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "require strict replay (needs sdk_full integration)")
	return cmd
}

func (c *cli) forkCommand() *cobra.Command {
	var (
		at                   string
		sets                 []string
		allowMissingManifest bool
	)
	cmd := &cobra.Command{
		Use:   "fork <trial_id>",
		Short: "Run a new trial from a parent trial with overridden bindings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindings, err := parseBindings(sets)
			if err != nil {
				c.exitCode = c.writeError(err, exitInvalidInput)
				return nil
			}
			if !cmd.Flags().Changed("allow-missing-manifest") {
				allowMissingManifest = c.config.Run.AllowMissingManifest
			}
			result, err := runner.ForkTrial(cmd.Context(), args[0], runner.ForkOptions{
				BaseDir:              c.baseDir,
				At:                   at,
				Bindings:             bindings,
				AllowMissingManifest: allowMissingManifest,
				Schemas:              c.schemas(),
				Logger:               c.logger,
			})
			if err != nil {
				c.exitCode = c.writeError(err, exitInternalFailure)
				return nil
			}
			exitCode := exitOK
			output := forkOutput{
				ParentTrialID: args[0],
				TrialID:       result.TrialID,
				Outcome:       result.Outcome,
				Dir:           result.Dir,
				EventsHead:    result.EventsHead,
			}
			if result.Outcome != runner.OutcomeCompleted {
				exitCode = exitTrialsFailed
				output.Error = result.Error
				output.ErrorCategory = result.ErrorCategory
			}
			output.OK = exitCode == exitOK
			if c.jsonOutput {
				c.exitCode = c.writeJSONOutput(output, exitCode)
				return nil
			}
			fmt.Fprintf(c.stdout, "forked %s -> %s: outcome=%s\n", args[0], result.TrialID, result.Outcome)
			fmt.Fprintf(c.stdout, "trial dir: %s\n", result.Dir)
			if output.Error != "" {
				fmt.Fprintf(c.stderr, "agentlab: %s\n", output.Error)
			}
			c.exitCode = exitCode
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "fork point; checkpoint:<label> seeds workspace and state from the parent's checkpoint")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "binding override key=value (repeatable); values are parsed as YAML scalars")
	cmd.Flags().BoolVar(&allowMissingManifest, "allow-missing-manifest", false, "accept harnesses that write no harness manifest")
	return cmd
}

// parseBindings turns key=value pairs into bindings. Values are YAML scalars,
// so 0.5 is a number, true is a bool and [a, b] is a list.
func parseBindings(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	bindings := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, labErrors.Wrap(fmt.Errorf("invalid --set %q", pair), labErrors.CategoryInvalidInput, "binding_invalid", "use --set key=value", false)
		}
		var value any
		if strings.TrimSpace(raw) != "" {
			if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
				return nil, labErrors.Wrap(fmt.Errorf("parse --set %s: %w", key, err), labErrors.CategoryInvalidInput, "binding_invalid", "", false)
			}
		}
		if value == nil {
			value = raw
		}
		bindings[key] = value
	}
	return bindings, nil
}
