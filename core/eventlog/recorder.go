package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/davidahmann/agentlab/core/artifact"
	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/fsx"
	"github.com/davidahmann/agentlab/core/jcs"
	schemaevents "github.com/davidahmann/agentlab/core/schema/v1/events"
	"github.com/davidahmann/agentlab/core/schema/validate"
)

const maxLineBytes = 16 * 1024 * 1024

var (
	ErrClosed      = errors.New("event recorder is closed")
	ErrChainBroken = errors.New("event hash chain broken")
)

var recordsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "agentlab_eventlog_records_total",
	Help: "Events appended to trial event logs",
})

// DefaultRedaction is applied to events recorded without an explicit redaction.
var DefaultRedaction = schemaevents.Redaction{Applied: false, Mode: "store"}

// Recorder appends hash-chained events to a single trial's log. A Recorder
// is owned by one trial; its methods are serialized so a harness adapter may
// share it between goroutines.
type Recorder struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	store   *artifact.Store
	schemas validate.Validator
	prev    string
	seq     int64
	closed  bool
}

type Options struct {
	// Schemas, when set, checks every event against event_envelope_v1
	// before it is appended.
	Schemas validate.Validator
}

// Open opens or creates the log at path. An existing log is verified and
// resumed: the chain continues from its last event.
func Open(path string, store *artifact.Store) (*Recorder, error) {
	return OpenWith(path, store, Options{})
}

func OpenWith(path string, store *artifact.Store, opts Options) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("event recorder requires an artifact store")
	}
	if err := fsx.EnsureParent(path); err != nil {
		return nil, err
	}
	recorder := &Recorder{path: path, store: store, schemas: opts.Schemas, prev: jcs.Genesis}
	if _, err := os.Stat(path); err == nil {
		existing, err := Verify(path, "")
		if err != nil {
			return nil, fmt.Errorf("resume event log: %w", err)
		}
		recorder.prev = existing.Head
		recorder.seq = existing.LastSeq
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat event log: %w", err)
	}
	// #nosec G304 -- event log path is owned by the trial directory.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, labErrors.Wrap(fmt.Errorf("open event log: %w", err), labErrors.CategoryIOFailure, "eventlog_open_failed", "", true)
	}
	recorder.file = file
	return recorder, nil
}

func (r *Recorder) Path() string {
	return r.path
}

// Record stores payload (if any) in the artifact store, links the event to
// the chain, and appends it. The line is synced before Record returns. The
// caller's Seq and HashChain are overwritten.
func (r *Recorder) Record(event schemaevents.Event, payload []byte) (schemaevents.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return schemaevents.Event{}, ErrClosed
	}
	if strings.TrimSpace(event.EventType) == "" {
		return schemaevents.Event{}, labErrors.Wrap(fmt.Errorf("event_type is required"), labErrors.CategoryInvalidInput, "event_type_missing", "", false)
	}
	if payload != nil {
		ref, err := r.store.PutBytes(payload)
		if err != nil {
			return schemaevents.Event{}, fmt.Errorf("store event payload: %w", err)
		}
		event.PayloadRef = ref.String()
	}
	if event.Redaction == nil {
		redaction := DefaultRedaction
		event.Redaction = &redaction
	}
	if event.TS == "" {
		event.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	event.Seq = r.seq + 1
	event.HashChain = schemaevents.HashChain{Prev: r.prev}
	self, err := jcs.DigestValue(event)
	if err != nil {
		return schemaevents.Event{}, fmt.Errorf("hash event: %w", err)
	}
	event.HashChain.Self = self

	line, err := jcs.Canonicalize(event)
	if err != nil {
		return schemaevents.Event{}, fmt.Errorf("encode event: %w", err)
	}
	if r.schemas != nil {
		if err := r.schemas.Validate(validate.EventEnvelopeV1, line); err != nil {
			return schemaevents.Event{}, labErrors.Wrap(fmt.Errorf("event %s: %w", event.EventType, err), labErrors.CategoryInvalidInput, "event_envelope_invalid", "", false)
		}
	}
	line = append(line, '\n')
	if _, err := r.file.Write(line); err != nil {
		return schemaevents.Event{}, labErrors.Wrap(fmt.Errorf("append event: %w", err), labErrors.CategoryIOFailure, "eventlog_write_failed", "", true)
	}
	if err := r.file.Sync(); err != nil {
		return schemaevents.Event{}, labErrors.Wrap(fmt.Errorf("sync event log: %w", err), labErrors.CategoryIOFailure, "eventlog_sync_failed", "", true)
	}
	r.prev = self
	r.seq = event.Seq
	recordsTotal.Inc()
	return event, nil
}

// Head returns the self hash of the last recorded event, or Genesis.
func (r *Recorder) Head() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prev
}

// Finalize atomically writes the current head hash to headPath.
func (r *Recorder) Finalize(headPath string) (string, error) {
	head := r.Head()
	if err := fsx.WriteFileAtomicMkdir(headPath, []byte(head), 0o600); err != nil {
		return "", labErrors.Wrap(fmt.Errorf("write event head: %w", err), labErrors.CategoryIOFailure, "eventlog_head_failed", "", true)
	}
	return head, nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// ReadLog decodes every non-blank line of an event log.
func ReadLog(path string) ([]schemaevents.Event, error) {
	// #nosec G304 -- event log path is explicit local user input.
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var out []schemaevents.Event
	err = scanLines(file, func(line int, raw []byte) error {
		var event schemaevents.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return fmt.Errorf("event log line %d: %w", line, err)
		}
		out = append(out, event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type VerifyResult struct {
	Events  int    `json:"events"`
	Head    string `json:"head"`
	LastSeq int64  `json:"last_seq,omitempty"`
	// HeadChecked is true when a head file was supplied and matched.
	HeadChecked bool `json:"head_checked"`
}

// Verify recomputes every self hash, checks every prev link and seq
// ordering, and when headPath is non-empty compares the final self hash to
// the head file. The first broken line is reported.
func Verify(path string, headPath string) (VerifyResult, error) {
	// #nosec G304 -- event log path is explicit local user input.
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return VerifyResult{}, labErrors.Wrap(fmt.Errorf("open event log: %w", err), labErrors.CategoryNotFound, "eventlog_not_found", "", false)
		}
		return VerifyResult{}, fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = file.Close() }()

	result := VerifyResult{Head: jcs.Genesis}
	var lastSeq int64
	err = scanLines(file, func(line int, raw []byte) error {
		prev, self, seq, err := rehash(raw)
		if err != nil {
			return broken(line, err.Error())
		}
		if prev != result.Head {
			return broken(line, fmt.Sprintf("prev %s does not link to %s", prev, result.Head))
		}
		if seq <= lastSeq {
			return broken(line, fmt.Sprintf("seq %d is not greater than %d", seq, lastSeq))
		}
		result.Head = self
		result.Events++
		lastSeq = seq
		result.LastSeq = seq
		return nil
	})
	if err != nil {
		return VerifyResult{}, err
	}
	if strings.TrimSpace(headPath) != "" {
		// #nosec G304 -- head path is explicit local user input.
		rawHead, err := os.ReadFile(headPath)
		if err != nil {
			return VerifyResult{}, labErrors.Wrap(fmt.Errorf("read event head: %w", err), labErrors.CategoryNotFound, "eventlog_head_not_found", "", false)
		}
		if head := strings.TrimSpace(string(rawHead)); head != result.Head {
			return VerifyResult{}, labErrors.Wrap(
				fmt.Errorf("%w: head file %s does not match last event %s", ErrChainBroken, head, result.Head),
				labErrors.CategoryIntegrity, "eventlog_head_mismatch", "the log was truncated or extended after finalize", false,
			)
		}
		result.HeadChecked = true
	}
	return result, nil
}

// JSONLValidator validates every line of a JSONL document against one schema.
type JSONLValidator interface {
	ValidateJSONL(schemaName string, data []byte) error
}

// ValidateEnvelopes checks every line of the log at path against
// event_envelope_v1. It complements Verify, which checks linkage only.
func ValidateEnvelopes(path string, schemas JSONLValidator) error {
	// #nosec G304 -- event log path is explicit local user input.
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return labErrors.Wrap(fmt.Errorf("open event log: %w", err), labErrors.CategoryNotFound, "eventlog_not_found", "", false)
		}
		return fmt.Errorf("read event log: %w", err)
	}
	if err := schemas.ValidateJSONL(validate.EventEnvelopeV1, raw); err != nil {
		return labErrors.Wrap(fmt.Errorf("event log %s: %w", path, err), labErrors.CategoryIntegrity, "eventlog_envelope_invalid", "", false)
	}
	return nil
}

// rehash recomputes the self hash of one raw line from its generic JSON form,
// so fields this build does not model are still covered.
func rehash(raw []byte) (prev string, self string, seq int64, err error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil {
		return "", "", 0, fmt.Errorf("decode: %w", err)
	}
	chain, ok := fields["hashchain"].(map[string]any)
	if !ok {
		return "", "", 0, fmt.Errorf("missing hashchain")
	}
	prev, _ = chain["prev"].(string)
	recorded, _ := chain["self"].(string)
	number, ok := fields["seq"].(json.Number)
	if !ok {
		return "", "", 0, fmt.Errorf("missing seq")
	}
	seq, err = number.Int64()
	if err != nil {
		return "", "", 0, fmt.Errorf("seq: %w", err)
	}
	delete(chain, "self")
	computed, err := jcs.DigestValue(fields)
	if err != nil {
		return "", "", 0, err
	}
	if computed != recorded {
		return "", "", 0, fmt.Errorf("self %s does not match recomputed %s", recorded, computed)
	}
	return prev, recorded, seq, nil
}

func broken(line int, reason string) error {
	return labErrors.Wrap(fmt.Errorf("%w at line %d: %s", ErrChainBroken, line, reason), labErrors.CategoryIntegrity, "eventlog_chain_broken", "", false)
}

func scanLines(reader io.Reader, visit func(line int, raw []byte) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := visit(line, raw); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	return nil
}
