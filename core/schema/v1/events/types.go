package events

import (
	"encoding/json"
	"fmt"
)

const (
	TypeAgentStepStart = "agent_step_start"
	TypeAgentStepEnd   = "agent_step_end"
	TypeControlAck     = "control_ack"
	TypeModelCallEnd   = "model_call_end"
	TypeToolCallEnd    = "tool_call_end"
	TypeError          = "error"
	TypeHooksHeader    = "hooks.header"

	// Lab-side events recorded around each trial.
	TypeTrialStart      = "trial_start"
	TypeTrialEnd        = "trial_end"
	TypeArtifactStored  = "artifact_stored"
	TypeCheckpointSaved = "checkpoint_saved"

	ActionStop     = "stop"
	ActionContinue = "continue"
)

type IDs struct {
	RunID     string `json:"run_id,omitempty"`
	TrialID   string `json:"trial_id,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	ReplIdx   int    `json:"repl_idx"`
}

// HashChain links an event to its predecessor. Self is omitted from the
// encoding while it is being computed.
type HashChain struct {
	Prev string `json:"prev"`
	Self string `json:"self,omitempty"`
}

type Redaction struct {
	Applied bool   `json:"applied"`
	Mode    string `json:"mode"`
}

// Event is one recorded line of a trial's hash-chained event log.
type Event struct {
	EventType  string         `json:"event_type"`
	Seq        int64          `json:"seq"`
	TS         string         `json:"ts,omitempty"`
	IDs        IDs            `json:"ids"`
	StepIndex  *int64         `json:"step_index,omitempty"`
	PayloadRef string         `json:"payload_ref,omitempty"`
	Redaction  *Redaction     `json:"redaction,omitempty"`
	HashChain  HashChain      `json:"hashchain"`
	Data       map[string]any `json:"data,omitempty"`
}

// HookEvent is one line of a harness-emitted hook stream: a closed core the
// causal validator reasons over plus an open map of type-specific fields.
type HookEvent struct {
	EventType          string
	Seq                *int64
	StepIndex          *int64
	IDs                *IDs
	ActionObserved     string
	HooksSchemaVersion string
	StepSemantics      string
	IntegrationLevel   string
	Extra              map[string]json.RawMessage
}

var hookCoreKeys = map[string]struct{}{
	"event_type":           {},
	"seq":                  {},
	"step_index":           {},
	"ids":                  {},
	"action_observed":      {},
	"hooks_schema_version": {},
	"step_semantics":       {},
	"integration_level":    {},
}

func (e *HookEvent) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var core struct {
		EventType          string `json:"event_type"`
		Seq                *int64 `json:"seq"`
		StepIndex          *int64 `json:"step_index"`
		IDs                *IDs   `json:"ids"`
		ActionObserved     string `json:"action_observed"`
		HooksSchemaVersion string `json:"hooks_schema_version"`
		StepSemantics      string `json:"step_semantics"`
		IntegrationLevel   string `json:"integration_level"`
	}
	if err := json.Unmarshal(data, &core); err != nil {
		return fmt.Errorf("decode hook event: %w", err)
	}
	*e = HookEvent{
		EventType:          core.EventType,
		Seq:                core.Seq,
		StepIndex:          core.StepIndex,
		IDs:                core.IDs,
		ActionObserved:     core.ActionObserved,
		HooksSchemaVersion: core.HooksSchemaVersion,
		StepSemantics:      core.StepSemantics,
		IntegrationLevel:   core.IntegrationLevel,
	}
	for key, value := range fields {
		if _, ok := hookCoreKeys[key]; ok {
			continue
		}
		if e.Extra == nil {
			e.Extra = map[string]json.RawMessage{}
		}
		e.Extra[key] = value
	}
	return nil
}

func (e HookEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+8)
	for key, value := range e.Extra {
		out[key] = value
	}
	out["event_type"] = e.EventType
	if e.Seq != nil {
		out["seq"] = *e.Seq
	}
	if e.StepIndex != nil {
		out["step_index"] = *e.StepIndex
	}
	if e.IDs != nil {
		out["ids"] = e.IDs
	}
	if e.ActionObserved != "" {
		out["action_observed"] = e.ActionObserved
	}
	if e.HooksSchemaVersion != "" {
		out["hooks_schema_version"] = e.HooksSchemaVersion
	}
	if e.StepSemantics != "" {
		out["step_semantics"] = e.StepSemantics
	}
	if e.IntegrationLevel != "" {
		out["integration_level"] = e.IntegrationLevel
	}
	return json.Marshal(out)
}

// Causal reports whether the event type must carry a step_index once steps are in use.
func Causal(eventType string) bool {
	switch eventType {
	case TypeModelCallEnd, TypeToolCallEnd, TypeError:
		return true
	default:
		return false
	}
}

func Int64(value int64) *int64 {
	return &value
}
