package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidahmann/agentlab/core/runner"
)

type runOutput struct {
	OK               bool           `json:"ok"`
	RunID            string         `json:"run_id,omitempty"`
	RunDir           string         `json:"run_dir,omitempty"`
	Digest           string         `json:"resolved_experiment_digest,omitempty"`
	Trials           int            `json:"trials"`
	Outcomes         map[string]int `json:"outcomes,omitempty"`
	IntegrationLevel string         `json:"integration_level,omitempty"`
	ReplayGrade      string         `json:"replay_grade,omitempty"`
	AttestationPath  string         `json:"attestation_path,omitempty"`
	DebugBundlePath  string         `json:"debug_bundle_path,omitempty"`
	errorFields
}

func (c *cli) runCommand() *cobra.Command {
	var (
		parallel             int
		allowMissingManifest bool
	)
	cmd := &cobra.Command{
		Use:   "run <experiment.yaml>",
		Short: "Resolve an experiment and execute every trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("parallel") {
				parallel = c.config.Run.Parallelism
			}
			if !cmd.Flags().Changed("allow-missing-manifest") {
				allowMissingManifest = c.config.Run.AllowMissingManifest
			}
			result, err := runner.Run(cmd.Context(), runner.Options{
				ExperimentPath:       args[0],
				BaseDir:              c.baseDir,
				AllowMissingManifest: allowMissingManifest,
				Parallelism:          parallel,
				Schemas:              c.schemas(),
				Logger:               c.logger,
			})
			if err != nil && result.RunID == "" {
				c.exitCode = c.writeError(err, exitInternalFailure)
				return nil
			}
			c.exitCode = c.writeRunResult(result, err)
			return nil
		},
	}
	cmd.Flags().IntVar(&parallel, "parallel", 1, "maximum trials executed concurrently")
	cmd.Flags().BoolVar(&allowMissingManifest, "allow-missing-manifest", false, "accept harnesses that write no harness manifest")
	return cmd
}

// writeRunResult reports a finished run. Any trial that did not complete
// makes the exit code non-zero even though the run itself succeeded.
func (c *cli) writeRunResult(result runner.Result, runErr error) int {
	counts := result.Counts()
	exitCode := exitOK
	if runErr != nil {
		exitCode = exitCodeForError(runErr, exitInternalFailure)
	} else if counts[runner.OutcomeCompleted] != len(result.Trials) {
		exitCode = exitTrialsFailed
	}
	output := runOutput{
		OK:               exitCode == exitOK,
		RunID:            result.RunID,
		RunDir:           result.RunDir,
		Digest:           result.Digest,
		Trials:           len(result.Trials),
		Outcomes:         counts,
		IntegrationLevel: result.Grades.IntegrationLevel,
		ReplayGrade:      result.Grades.ReplayGrade,
		AttestationPath:  result.AttestationPath,
		DebugBundlePath:  result.DebugBundlePath,
		errorFields:      newErrorFields(runErr),
	}
	if exitCode == exitTrialsFailed {
		output.Error = fmt.Sprintf("%d of %d trials did not complete", len(result.Trials)-counts[runner.OutcomeCompleted], len(result.Trials))
	}
	if c.jsonOutput {
		return c.writeJSONOutput(output, exitCode)
	}
	fmt.Fprintf(c.stdout, "run %s: %d trials", result.RunID, len(result.Trials))
	for _, outcome := range []string{runner.OutcomeCompleted, runner.OutcomeFailed, runner.OutcomeTimeout, runner.OutcomeInvalidHooks, runner.OutcomeSkipped} {
		if counts[outcome] > 0 {
			fmt.Fprintf(c.stdout, " %s=%d", outcome, counts[outcome])
		}
	}
	fmt.Fprintln(c.stdout)
	fmt.Fprintf(c.stdout, "run dir: %s\n", result.RunDir)
	fmt.Fprintf(c.stdout, "replay grade: %s\n", result.Grades.ReplayGrade)
	for _, trial := range result.Trials {
		if trial.Outcome != runner.OutcomeCompleted {
			fmt.Fprintf(c.stdout, "  %s %s: %s\n", trial.TrialID, trial.Outcome, trial.Error)
		}
	}
	if output.Error != "" {
		fmt.Fprintf(c.stderr, "agentlab: %s\n", output.Error)
	}
	return exitCode
}
