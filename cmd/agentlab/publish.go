package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidahmann/agentlab/core/provenance"
)

type publishOutput struct {
	OK         bool   `json:"ok"`
	RunDir     string `json:"run_dir"`
	BundlePath string `json:"bundle_path,omitempty"`
	errorFields
}

func (c *cli) publishCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "publish <run_dir>",
		Short: "Verify a run and bundle its documents, trials and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := publishOutput{RunDir: args[0]}
			path, err := provenance.Publish(args[0], outPath)
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
			output.BundlePath = path
			c.logger.Info("run published", "run_dir", args[0], "bundle", path)
			if c.jsonOutput {
				c.exitCode = c.writeJSONOutput(output, exitOK)
				return nil
			}
			fmt.Fprintf(c.stdout, "published: %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "bundle path (default: <run_dir>/publish/bundle.zip)")
	return cmd
}
