package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/davidahmann/agentlab/core/artifact"
	"github.com/davidahmann/agentlab/core/provenance"
	"github.com/davidahmann/agentlab/core/replay"
	"github.com/davidahmann/agentlab/core/runner"
	schemaevents "github.com/davidahmann/agentlab/core/schema/v1/events"
)

type eventsOutput struct {
	OK      bool                 `json:"ok"`
	TrialID string               `json:"trial_id"`
	Events  []schemaevents.Event `json:"events,omitempty"`
	Event   *schemaevents.Event  `json:"event,omitempty"`
	Payload json.RawMessage      `json:"payload,omitempty"`
	errorFields
}

func (c *cli) eventsCommand() *cobra.Command {
	var seq int64
	cmd := &cobra.Command{
		Use:   "events <trial_id>",
		Short: "List a trial's recorded events, or show one event with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := c.events(args[0], seq)
			if err != nil {
				c.exitCode = c.writeError(err, exitInternalFailure)
				return nil
			}
			output.OK = true
			if c.jsonOutput {
				c.exitCode = c.writeJSONOutput(output, exitOK)
				return nil
			}
			if output.Event != nil {
				fmt.Fprintf(c.stdout, "%d %s %s\n", output.Event.Seq, output.Event.EventType, output.Event.HashChain.Self)
				if len(output.Payload) > 0 {
					fmt.Fprintln(c.stdout, string(output.Payload))
				}
				return nil
			}
			for _, event := range output.Events {
				fmt.Fprintf(c.stdout, "%d %s %s\n", event.Seq, event.EventType, event.PayloadRef)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&seq, "seq", 0, "show the event with this seq and resolve its payload")
	return cmd
}

func (c *cli) events(trialID string, seq int64) (eventsOutput, error) {
	output := eventsOutput{TrialID: trialID}
	runDir, trialDir, err := runner.FindTrial(c.baseDir, trialID)
	if err != nil {
		return output, err
	}
	store, err := artifact.Open(filepath.Join(runDir, provenance.ArtifactsDir))
	if err != nil {
		return output, err
	}
	replayer, err := replay.Open(filepath.Join(trialDir, provenance.EventsFile), store)
	if err != nil {
		return output, err
	}
	if seq == 0 {
		output.Events = replayer.Events()
		return output, nil
	}
	event, err := replayer.Event(seq)
	if err != nil {
		return output, err
	}
	output.Event = &event
	payload, ok, err := replayer.Payload(event)
	if err != nil {
		return output, err
	}
	if ok {
		if json.Valid(payload) {
			output.Payload = payload
		} else {
			encoded, _ := json.Marshal(string(payload))
			output.Payload = encoded
		}
	}
	return output, nil
}
