package main

import (
	"encoding/json"
	"fmt"
	"strings"

	labErrors "github.com/davidahmann/agentlab/core/errors"
)

// errorFields is embedded in every command output so failures share one envelope.
type errorFields struct {
	Error         string `json:"error,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
	Retryable     *bool  `json:"retryable,omitempty"`
	Hint          string `json:"hint,omitempty"`
}

func newErrorFields(err error) errorFields {
	if err == nil {
		return errorFields{}
	}
	retryable := labErrors.RetryableOf(err)
	return errorFields{
		Error:         err.Error(),
		ErrorCode:     labErrors.CodeOf(err),
		ErrorCategory: string(labErrors.CategoryOf(err)),
		Retryable:     &retryable,
		Hint:          labErrors.HintOf(err),
	}
}

func (c *cli) writeJSONOutput(output any, exitCode int) int {
	encoded, err := marshalOutputWithErrorEnvelope(output, exitCode)
	if err != nil {
		fmt.Fprintln(c.stdout, `{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure","retryable":false}`)
		return exitInternalFailure
	}
	fmt.Fprintln(c.stdout, string(encoded))
	return exitCode
}

// writeError reports err in the selected output mode and returns the exit code.
func (c *cli) writeError(err error, fallbackExit int) int {
	exitCode := exitCodeForError(err, fallbackExit)
	if c.jsonOutput {
		output := struct {
			OK bool `json:"ok"`
			errorFields
		}{OK: false, errorFields: newErrorFields(err)}
		return c.writeJSONOutput(output, exitCode)
	}
	fmt.Fprintf(c.stderr, "agentlab: %v\n", err)
	if hint := labErrors.HintOf(err); hint != "" {
		fmt.Fprintf(c.stderr, "hint: %s\n", hint)
	}
	return exitCode
}

func marshalOutputWithErrorEnvelope(output any, exitCode int) ([]byte, error) {
	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	result := map[string]any{}
	if err := json.Unmarshal(encoded, &result); err != nil {
		return nil, err
	}
	errorText := strings.TrimSpace(asString(result["error"]))
	if errorText == "" {
		return json.Marshal(result)
	}
	if strings.TrimSpace(asString(result["error_code"])) == "" {
		result["error_code"] = defaultErrorCode(exitCode)
	}
	if strings.TrimSpace(asString(result["error_category"])) == "" {
		result["error_category"] = string(defaultErrorCategory(exitCode))
	}
	if _, exists := result["retryable"]; !exists {
		result["retryable"] = labErrors.Category(asString(result["error_category"])) == labErrors.CategoryIOFailure
	}
	if strings.TrimSpace(asString(result["hint"])) == "" {
		result["hint"] = defaultHint(exitCode)
	}
	return json.Marshal(result)
}

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch labErrors.CategoryOf(err) {
	case labErrors.CategoryInvalidInput, labErrors.CategoryInvalidConfig, labErrors.CategoryProtocolViolation:
		return exitInvalidInput
	case labErrors.CategoryIntegrity, labErrors.CategoryUnsafeArchive:
		return exitVerifyFailed
	case labErrors.CategoryNotFound:
		return exitNotFound
	case labErrors.CategoryHarnessFailure, labErrors.CategoryTimeout:
		return exitHarnessFailed
	case labErrors.CategoryIOFailure, labErrors.CategoryInternalFailure:
		return exitInternalFailure
	}
	return fallbackExit
}

func defaultErrorCategory(exitCode int) labErrors.Category {
	switch exitCode {
	case exitInvalidInput:
		return labErrors.CategoryInvalidInput
	case exitVerifyFailed:
		return labErrors.CategoryIntegrity
	case exitNotFound:
		return labErrors.CategoryNotFound
	case exitHarnessFailed, exitTrialsFailed:
		return labErrors.CategoryHarnessFailure
	default:
		return labErrors.CategoryInternalFailure
	}
}

func defaultErrorCode(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "invalid_input"
	case exitVerifyFailed:
		return "verification_failed"
	case exitNotFound:
		return "not_found"
	case exitHarnessFailed:
		return "harness_failed"
	case exitTrialsFailed:
		return "trials_failed"
	default:
		return "internal_failure"
	}
}

func defaultHint(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "check command usage and the experiment file"
	case exitVerifyFailed:
		return "the run directory was modified after it was written"
	case exitNotFound:
		return "check the path or trial id and the --base-dir flag"
	case exitHarnessFailed, exitTrialsFailed:
		return "inspect harness_stderr.log in the trial directory"
	default:
		return "retry after checking local environment and logs"
	}
}

func asString(value any) string {
	text, _ := value.(string)
	return text
}
