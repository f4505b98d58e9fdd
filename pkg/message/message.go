package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/wehubfusion/Arbor/pkg/engine"
	"github.com/wehubfusion/Arbor/pkg/jstransform"
)

// Run result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// BlobReference contains information for fetching data from blob storage.
// When a payload is too large to send inline (>1.5MB), it is uploaded to Azure Blob Storage
// and a BlobReference is included instead of the raw data.
type BlobReference struct {
	URL       string `json:"url"`       // Direct blob URL (for metadata/logging)
	SizeBytes int    `json:"sizeBytes"` // Original data size in bytes
}

// TreePayload carries one labelled input tree of a run. Exactly one of
// Inline or BlobReference must be set: Inline holds the tree document
// itself (an array of {path, items} entries as produced by
// tree.Tree.MarshalJSON), BlobReference points at the same document in
// blob storage.
type TreePayload struct {
	Label         string          `json:"label"`
	Inline        json.RawMessage `json:"inline,omitempty"`
	BlobReference *BlobReference  `json:"blobReference,omitempty"`
}

// HasInline returns true if the tree document travels inside the request.
func (t TreePayload) HasInline() bool {
	return len(t.Inline) > 0
}

// HasBlobReference returns true if the tree document lives in blob storage.
func (t TreePayload) HasBlobReference() bool {
	return t.BlobReference != nil && t.BlobReference.URL != ""
}

// RunRequest asks a runner to execute one transform run: align the named
// input trees, dispatch the configured script over them under the given
// options, and publish a RunResult on the result stream. Requests are
// serialized to JSON for transmission over JetStream.
//
// Use NewRunRequest and the With* builder methods to construct requests:
//
//	req := message.NewRunRequest("flow-orders").
//	    WithOptions(engine.Options{Topology: engine.ItemToItem}).
//	    WithScript(jstransform.Config{Script: src}).
//	    WithInlineTree("a", docA).
//	    WithInlineTree("b", docB)
type RunRequest struct {
	// CorrelationID is a unique identifier threading one request through
	// logs, traces, and its eventual result
	CorrelationID string `json:"correlationId,omitempty"`

	// FlowID names the flow this run belongs to; runs of the same flow
	// share a ledger
	FlowID string `json:"flowId"`

	// RunID uniquely identifies this run
	RunID string `json:"runId"`

	// Options selects the topology and alignment flags for the run
	Options engine.Options `json:"options"`

	// Script configures the JavaScript transform applied to each invocation
	Script jstransform.Config `json:"script"`

	// Trees are the labelled inputs in alignment order
	Trees []TreePayload `json:"trees"`

	// Metadata holds additional key-value pairs for the run
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is the timestamp when the request was created
	CreatedAt string `json:"createdAt"`

	// UpdatedAt is the timestamp when the request was last updated
	UpdatedAt string `json:"updatedAt"`

	// natsMsg holds the original NATS message for acknowledgment (not serialized)
	natsMsg *nats.Msg `json:"-"`
}

// NewRunRequest creates a run request for the given flow with generated
// run and correlation IDs and timestamps.
func NewRunRequest(flowID string) *RunRequest {
	now := time.Now().Format(time.RFC3339)
	return &RunRequest{
		CorrelationID: uuid.NewString(),
		FlowID:        flowID,
		RunID:         uuid.NewString(),
		Metadata:      make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// touch refreshes the update timestamp after a builder mutation.
func (r *RunRequest) touch() *RunRequest {
	r.UpdatedAt = time.Now().Format(time.RFC3339)
	return r
}

// WithCorrelationID overrides the generated correlation ID.
func (r *RunRequest) WithCorrelationID(id string) *RunRequest {
	r.CorrelationID = id
	return r.touch()
}

// WithRunID overrides the generated run ID.
func (r *RunRequest) WithRunID(id string) *RunRequest {
	r.RunID = id
	return r.touch()
}

// WithOptions sets the run options.
func (r *RunRequest) WithOptions(opts engine.Options) *RunRequest {
	r.Options = opts
	return r.touch()
}

// WithScript sets the transform script configuration.
func (r *RunRequest) WithScript(cfg jstransform.Config) *RunRequest {
	r.Script = cfg
	return r.touch()
}

// WithInlineTree appends a labelled tree document carried inside the
// request itself.
func (r *RunRequest) WithInlineTree(label string, doc json.RawMessage) *RunRequest {
	r.Trees = append(r.Trees, TreePayload{Label: label, Inline: doc})
	return r.touch()
}

// WithBlobTree appends a labelled tree stored in blob storage.
func (r *RunRequest) WithBlobTree(label string, ref *BlobReference) *RunRequest {
	r.Trees = append(r.Trees, TreePayload{Label: label, BlobReference: ref})
	return r.touch()
}

// WithMetadata sets a metadata key-value pair.
func (r *RunRequest) WithMetadata(key, value string) *RunRequest {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
	return r.touch()
}

// Validate checks that the request carries everything a runner needs.
func (r *RunRequest) Validate() error {
	if r.FlowID == "" {
		return fmt.Errorf("flowId is required")
	}
	if r.RunID == "" {
		return fmt.Errorf("runId is required")
	}
	if r.Script.Script == "" {
		return fmt.Errorf("script is required")
	}
	if err := r.Options.Validate(); err != nil {
		return err
	}
	if len(r.Trees) == 0 {
		return fmt.Errorf("at least one input tree is required")
	}
	for i, t := range r.Trees {
		if t.Label == "" {
			return fmt.Errorf("tree %d: label is required", i)
		}
		if t.HasInline() == t.HasBlobReference() {
			return fmt.Errorf("tree %q: exactly one of inline or blobReference must be set", t.Label)
		}
	}
	return nil
}

// ToBytes serializes the request to JSON for transmission.
func (r *RunRequest) ToBytes() ([]byte, error) {
	return json.Marshal(r)
}

// FromBytes deserializes a run request from JSON.
func FromBytes(data []byte) (*RunRequest, error) {
	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run request: %w", err)
	}
	return &req, nil
}

// FromNATSMsg decodes a run request from a raw JetStream message, keeping
// the delivery attached for later acknowledgment.
func FromNATSMsg(m *nats.Msg) (*RunRequest, error) {
	req, err := FromBytes(m.Data)
	if err != nil {
		return nil, err
	}
	req.natsMsg = m
	return req, nil
}

// Ack acknowledges the message, indicating successful processing.
// This tells NATS that the message has been processed and should not be redelivered.
func (r *RunRequest) Ack() error {
	if r.natsMsg == nil {
		return nil // No NATS message to acknowledge
	}
	return r.natsMsg.Ack()
}

// Nak negatively acknowledges the message, indicating processing failure.
// This tells NATS that the message processing failed and it may be redelivered.
func (r *RunRequest) Nak() error {
	if r.natsMsg == nil {
		return nil // No NATS message to nak
	}
	return r.natsMsg.Nak()
}

// InProgress resets the redelivery timer while a long run is still working.
func (r *RunRequest) InProgress() error {
	if r.natsMsg == nil {
		return nil
	}
	return r.natsMsg.InProgress()
}

// Term terminates the message, indicating it should not be redelivered.
// Use this when a request cannot be processed and should not be retried.
func (r *RunRequest) Term() error {
	if r.natsMsg == nil {
		return nil // No NATS message to terminate
	}
	return r.natsMsg.Term()
}

// GetNATSMsg returns the underlying NATS message for acknowledgment purposes.
// Returns nil if this request was not created from a NATS message.
func (r *RunRequest) GetNATSMsg() *nats.Msg {
	return r.natsMsg
}

// ResultError describes why a run failed.
type ResultError struct {
	Code      string `json:"code"`           // Error code (e.g., "SCRIPT_RUNTIME", "VALIDATION")
	Message   string `json:"message"`        // Human-readable error message
	Retryable bool   `json:"retryable"`      // Whether redelivery could succeed
	Type      string `json:"type,omitempty"` // Error category (e.g., "script", "validation")
}

// RunResult represents a run outcome published to JetStream.
// This is a dedicated structure for result reporting, separate from run
// request messages. Small outputs travel inline; outputs over the inline
// threshold are stored in blob storage and referenced.
type RunResult struct {
	// Correlation and identification
	CorrelationID string `json:"correlation_id,omitempty"`

	FlowID string `json:"flow_id"` // Flow identifier
	RunID  string `json:"run_id"`  // Run identifier

	// Status of the run
	Status string `json:"status"` // "success", "failed"

	// Topology echoes the topology the run executed under
	Topology string `json:"topology,omitempty"`

	// Output data - either inline or blob reference
	InlineOutput  json.RawMessage `json:"inline_output,omitempty"`  // Output document for small results (<1.5MB)
	BlobReference *BlobReference  `json:"blob_reference,omitempty"` // Blob reference for large results (>1.5MB)

	// Error details (only for failed status)
	Error *ResultError `json:"error,omitempty"`

	// Execution metadata
	DurationMs int64 `json:"duration_ms,omitempty"` // Run duration in milliseconds
	OutputSize int   `json:"output_size,omitempty"` // Size of encoded output in bytes

	// Timestamps
	CompletedAt string `json:"completed_at"` // ISO 8601 timestamp when the run finished
}

// NewRunResult creates a result for the given run with the completion
// timestamp set.
func NewRunResult(flowID, runID, status string) *RunResult {
	return &RunResult{
		FlowID:      flowID,
		RunID:       runID,
		Status:      status,
		CompletedAt: time.Now().Format(time.RFC3339),
	}
}

// WithCorrelationID threads the request's correlation ID onto the result.
func (r *RunResult) WithCorrelationID(id string) *RunResult {
	r.CorrelationID = id
	return r
}

// WithTopology records the topology the run executed under.
func (r *RunResult) WithTopology(t engine.Topology) *RunResult {
	r.Topology = string(t)
	return r
}

// WithInlineOutput attaches the output document inline.
func (r *RunResult) WithInlineOutput(doc json.RawMessage) *RunResult {
	r.InlineOutput = doc
	r.OutputSize = len(doc)
	return r
}

// WithBlobReference attaches a blob reference to the output document.
func (r *RunResult) WithBlobReference(ref *BlobReference) *RunResult {
	r.BlobReference = ref
	if ref != nil {
		r.OutputSize = ref.SizeBytes
	}
	return r
}

// WithError attaches the failure description.
func (r *RunResult) WithError(resErr *ResultError) *RunResult {
	r.Error = resErr
	return r
}

// WithDuration records the run's wall-clock duration.
func (r *RunResult) WithDuration(d time.Duration) *RunResult {
	r.DurationMs = d.Milliseconds()
	return r
}

// HasInlineOutput returns true if the output travels inside the result.
func (r *RunResult) HasInlineOutput() bool {
	return len(r.InlineOutput) > 0
}

// HasBlobReference returns true if the output lives in blob storage.
func (r *RunResult) HasBlobReference() bool {
	return r.BlobReference != nil && r.BlobReference.URL != ""
}

// IsSuccess returns true if the run completed successfully.
func (r *RunResult) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// IsFailed returns true if the run failed.
func (r *RunResult) IsFailed() bool {
	return r.Status == StatusFailed
}

// ToBytes serializes the result to JSON for transmission.
func (r *RunResult) ToBytes() ([]byte, error) {
	return json.Marshal(r)
}

// RunResultFromBytes deserializes a run result from JSON.
func RunResultFromBytes(data []byte) (*RunResult, error) {
	var res RunResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run result: %w", err)
	}
	return &res, nil
}
