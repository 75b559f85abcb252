package hooks

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/schema/v1/events"
	"github.com/davidahmann/agentlab/core/schema/v1/harness"
	"github.com/davidahmann/agentlab/core/schema/validate"
)

const maxLineBytes = 10 * 1024 * 1024

var validationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agentlab_hook_validation_total",
	Help: "Hook stream validations by result",
}, []string{"result"})

// ProtocolError describes the first event that broke the hook protocol.
type ProtocolError struct {
	Line      int
	Seq       *int64
	EventType string
	Raw       string
	Reason    string
}

func (e *ProtocolError) Error() string {
	var context []string
	if e.Seq != nil {
		context = append(context, fmt.Sprintf("seq=%d", *e.Seq))
	}
	if e.EventType != "" {
		context = append(context, "event_type="+e.EventType)
	}
	location := fmt.Sprintf("line %d", e.Line)
	if len(context) > 0 {
		location += " (" + strings.Join(context, " ") + ")"
	}
	if e.Raw == "" {
		return fmt.Sprintf("hook protocol violation at %s: %s", location, e.Reason)
	}
	return fmt.Sprintf("hook protocol violation at %s: %s: %s", location, e.Reason, e.Raw)
}

type Result struct {
	Events    []events.HookEvent
	TurnCount int
}

// Validator is the causal state machine over one hook stream. Feed lines in
// order with Observe, then call Finish.
type Validator struct {
	manifest harness.Manifest
	schemas  validate.Validator

	lastSeq      *int64
	currentStep  *int64
	pendingAck   *int64
	pendingEnd   *ProtocolError
	stopObserved bool
	seenStep     bool
	seenAny      bool
	lastLine     int
	turnCount    int
	accepted     []events.HookEvent
	failed       error
}

// NewValidator returns a validator for a stream declared by manifest. A nil
// schemas skips per-event schema validation.
func NewValidator(manifest harness.Manifest, schemas validate.Validator) *Validator {
	return &Validator{manifest: manifest, schemas: schemas}
}

// Observe consumes one raw line. Blank lines are ignored. After the first
// violation every call returns that violation.
func (v *Validator) Observe(line int, raw []byte) error {
	if v.failed != nil {
		return v.failed
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	v.lastLine = line
	if err := v.observe(line, raw); err != nil {
		v.failed = err
		validationTotal.WithLabelValues("rejected").Inc()
		return err
	}
	return nil
}

func (v *Validator) observe(line int, raw []byte) error {
	var event events.HookEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return v.reject(line, raw, events.HookEvent{}, "invalid JSON: "+err.Error())
	}

	if event.EventType == events.TypeHooksHeader {
		if v.seenAny {
			return v.reject(line, raw, event, "hooks.header must be the first event")
		}
		v.seenAny = true
		return v.checkHeader(line, raw, event)
	}
	v.seenAny = true

	if v.schemas != nil {
		if err := v.schemas.Validate(validate.HookEventsV1, raw); err != nil {
			return v.reject(line, raw, event, err.Error())
		}
	}

	if event.Seq == nil {
		return v.reject(line, raw, event, "missing seq")
	}
	if v.lastSeq != nil && *event.Seq <= *v.lastSeq {
		return v.reject(line, raw, event, fmt.Sprintf("seq must be strictly increasing: %d <= %d", *event.Seq, *v.lastSeq))
	}
	v.lastSeq = event.Seq

	switch event.EventType {
	case events.TypeAgentStepStart:
		v.seenStep = true
		if v.pendingAck != nil {
			return v.reject(line, raw, event, fmt.Sprintf("agent_step_start before control_ack for step %d", *v.pendingAck))
		}
		if v.stopObserved {
			return v.reject(line, raw, event, "agent_step_start after stop was acknowledged")
		}
		if event.StepIndex == nil {
			return v.reject(line, raw, event, "agent_step_start missing step_index")
		}
		if v.currentStep != nil && *event.StepIndex != *v.currentStep+1 {
			return v.reject(line, raw, event, fmt.Sprintf("step_index must increment by 1: expected %d, got %d", *v.currentStep+1, *event.StepIndex))
		}
		v.currentStep = event.StepIndex
	case events.TypeAgentStepEnd:
		v.seenStep = true
		if event.StepIndex == nil || v.currentStep == nil || *event.StepIndex != *v.currentStep {
			return v.reject(line, raw, event, fmt.Sprintf("agent_step_end must match current step %s", formatStep(v.currentStep)))
		}
		v.pendingAck = event.StepIndex
		v.pendingEnd = &ProtocolError{Line: line, Seq: event.Seq, EventType: event.EventType, Raw: string(raw)}
	case events.TypeControlAck:
		if v.pendingAck == nil || event.StepIndex == nil || *event.StepIndex != *v.pendingAck {
			return v.reject(line, raw, event, fmt.Sprintf("control_ack must match latest agent_step_end %s", formatStep(v.pendingAck)))
		}
		v.pendingAck = nil
		v.pendingEnd = nil
		if event.ActionObserved == events.ActionStop {
			v.stopObserved = true
		}
	case events.TypeModelCallEnd:
		v.turnCount++
	}

	if v.seenStep && events.Causal(event.EventType) && event.StepIndex == nil {
		return v.reject(line, raw, event, event.EventType+" must carry step_index once steps are in use")
	}

	v.accepted = append(v.accepted, event)
	return nil
}

func (v *Validator) checkHeader(line int, raw []byte, header events.HookEvent) error {
	expected := []struct {
		key      string
		declared string
		echoed   string
	}{
		{"hooks_schema_version", v.manifest.HooksSchemaVersion(), header.HooksSchemaVersion},
		{"step_semantics", v.manifest.StepSemantics(), header.StepSemantics},
		{"integration_level", v.manifest.IntegrationLevel, header.IntegrationLevel},
	}
	for _, field := range expected {
		if field.echoed != "" && field.echoed != field.declared {
			return v.reject(line, raw, header, fmt.Sprintf("header %s %q does not match manifest %q", field.key, field.echoed, field.declared))
		}
	}
	return nil
}

// Finish closes the stream. A step still awaiting control_ack is a
// violation reported against its agent_step_end line.
func (v *Validator) Finish() (Result, error) {
	if v.failed != nil {
		return Result{}, v.failed
	}
	if v.pendingAck != nil {
		violation := ProtocolError{Line: v.lastLine}
		if v.pendingEnd != nil {
			violation = *v.pendingEnd
		}
		violation.Reason = fmt.Sprintf("missing control_ack for step %d at end of stream", *v.pendingAck)
		err := labErrors.Wrap(&violation, labErrors.CategoryProtocolViolation, "hooks_missing_control_ack", "", false)
		v.failed = err
		validationTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	validationTotal.WithLabelValues("accepted").Inc()
	return Result{Events: v.accepted, TurnCount: v.turnCount}, nil
}

func (v *Validator) reject(line int, raw []byte, event events.HookEvent, reason string) error {
	return labErrors.Wrap(&ProtocolError{
		Line:      line,
		Seq:       event.Seq,
		EventType: event.EventType,
		Raw:       string(raw),
		Reason:    reason,
	}, labErrors.CategoryProtocolViolation, "hooks_protocol_violation", "", false)
}

// Collect validates the hook stream at path.
func Collect(path string, manifest harness.Manifest, schemas validate.Validator) (Result, error) {
	// #nosec G304 -- events path is inside the trial directory.
	file, err := os.Open(path)
	if err != nil {
		return Result{}, labErrors.Wrap(fmt.Errorf("open hook events: %w", err), labErrors.CategoryNotFound, "hooks_events_not_found", "", false)
	}
	defer func() { _ = file.Close() }()
	return CollectReader(file, manifest, schemas)
}

func CollectReader(reader io.Reader, manifest harness.Manifest, schemas validate.Validator) (Result, error) {
	validator := NewValidator(manifest, schemas)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if err := validator.Observe(line, scanner.Bytes()); err != nil {
			return Result{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("read hook events: %w", err)
	}
	return validator.Finish()
}

func formatStep(step *int64) string {
	if step == nil {
		return "(none)"
	}
	return fmt.Sprintf("%d", *step)
}
