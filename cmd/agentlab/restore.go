package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/davidahmann/agentlab/core/artifact"
	"github.com/davidahmann/agentlab/core/checkpoint"
	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/provenance"
	schemacheckpoint "github.com/davidahmann/agentlab/core/schema/v1/checkpoint"
)

type restoreOutput struct {
	OK       bool     `json:"ok"`
	Path     string   `json:"path"`
	Label    string   `json:"label,omitempty"`
	Surfaces []string `json:"surfaces,omitempty"`
	errorFields
}

func (c *cli) restoreCommand() *cobra.Command {
	var storeRoot string
	cmd := &cobra.Command{
		Use:   "restore <checkpoint.json>",
		Short: "Restore every surface of a checkpoint to its recorded path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := c.restore(args[0], storeRoot)
			if err != nil {
				c.exitCode = c.writeError(err, exitInternalFailure)
				return nil
			}
			surfaces := make([]string, 0, len(record.Surfaces))
			for name := range record.Surfaces {
				surfaces = append(surfaces, name)
			}
			sort.Strings(surfaces)
			if c.jsonOutput {
				c.exitCode = c.writeJSONOutput(restoreOutput{OK: true, Path: args[0], Label: record.Label, Surfaces: surfaces}, exitOK)
				return nil
			}
			fmt.Fprintf(c.stdout, "restored checkpoint %s: %d surfaces\n", record.Label, len(surfaces))
			for _, name := range surfaces {
				fmt.Fprintf(c.stdout, "  %s -> %s\n", name, record.Surfaces[name].Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&storeRoot, "store", "", "artifact store root (default: the run's artifacts directory)")
	return cmd
}

func (c *cli) restore(path string, storeRoot string) (schemacheckpoint.Checkpoint, error) {
	if storeRoot == "" {
		storeRoot = runStoreFor(path)
	}
	if info, err := os.Stat(storeRoot); err != nil || !info.IsDir() {
		return schemacheckpoint.Checkpoint{}, labErrors.Wrap(fmt.Errorf("artifact store %s not found", storeRoot), labErrors.CategoryNotFound, "artifact_store_not_found", "pass --store for checkpoints outside a run directory", false)
	}
	store, err := artifact.Open(storeRoot)
	if err != nil {
		return schemacheckpoint.Checkpoint{}, err
	}
	manager, err := checkpoint.NewManager(filepath.Dir(path), store, checkpoint.Options{Logger: c.logger})
	if err != nil {
		return schemacheckpoint.Checkpoint{}, err
	}
	return manager.Restore(path)
}

// runStoreFor maps <run>/trials/<trial>/checkpoints/<record>.json to <run>/artifacts.
func runStoreFor(path string) string {
	trialDir := filepath.Dir(filepath.Dir(path))
	runDir := filepath.Dir(filepath.Dir(trialDir))
	return filepath.Join(runDir, provenance.ArtifactsDir)
}
