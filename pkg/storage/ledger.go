package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunRecordMeta contains metadata about a completed run
type RunRecordMeta struct {
	Status     string `json:"status"` // "success" or "failed"
	RunID      string `json:"run_id"`
	Topology   string `json:"topology"`
	DurationMs int64  `json:"duration_ms"`
}

// RunRecordError contains error information when a run fails
type RunRecordError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// RunRecord is the per-run entry kept in a flow's ledger
type RunRecord struct {
	Meta   RunRecordMeta   `json:"_meta"`
	Error  *RunRecordError `json:"_error,omitempty"`
	Output interface{}     `json:"output"`
}

// Ledger is the shared per-flow document collecting run records.
// Format: { "<run_id>": RunRecord, "<run_id>": RunRecord, ... }
type Ledger map[string]*RunRecord

// LedgerClient provides operations for managing a flow's run ledger
type LedgerClient struct {
	store  PayloadStore
	logger *zap.Logger
	mu     sync.Mutex // serializes read-modify-write cycles
}

// NewLedgerClient creates a new ledger client
func NewLedgerClient(store PayloadStore, logger *zap.Logger) *LedgerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerClient{
		store:  store,
		logger: logger,
	}
}

// LedgerPath returns the standard blob path for a flow's ledger
func LedgerPath(flowID string) string {
	return fmt.Sprintf("ledgers/%s.json", flowID)
}

// AppendRunRecord adds or updates a run's record in the flow ledger. It reads
// the current document, merges the record, and writes the document back.
func (c *LedgerClient) AppendRunRecord(
	ctx context.Context,
	flowID string,
	runID string,
	record *RunRecord,
) (string, error) {
	if c.store == nil {
		return "", fmt.Errorf("payload store not initialized")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	blobPath := LedgerPath(flowID)

	c.logger.Debug("Appending run record to ledger",
		zap.String("flow_id", flowID),
		zap.String("run_id", runID),
		zap.String("blob_path", blobPath))

	var ledger Ledger
	existingData, err := c.store.Download(ctx, blobPath)
	if err != nil {
		c.logger.Debug("Ledger doesn't exist yet, creating new",
			zap.String("blob_path", blobPath))
		ledger = make(Ledger)
	} else {
		if err := json.Unmarshal(existingData, &ledger); err != nil {
			c.logger.Error("Failed to parse existing ledger, starting fresh",
				zap.String("blob_path", blobPath),
				zap.Error(err))
			ledger = make(Ledger)
		}
	}

	ledger[runID] = record

	updatedData, err := json.Marshal(ledger)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ledger: %w", err)
	}

	blobURL, err := c.store.Upload(ctx, blobPath, updatedData, map[string]string{
		"flow_id":       flowID,
		"last_run_id":   runID,
		"run_count":     fmt.Sprintf("%d", len(ledger)),
		"last_modified": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload ledger: %w", err)
	}

	c.logger.Info("Appended run record to ledger",
		zap.String("flow_id", flowID),
		zap.String("run_id", runID),
		zap.Int("total_runs", len(ledger)),
		zap.Int("ledger_size_bytes", len(updatedData)))

	return blobURL, nil
}

// GetLedger downloads and parses a flow's entire ledger
func (c *LedgerClient) GetLedger(ctx context.Context, flowID string) (Ledger, error) {
	if c.store == nil {
		return nil, fmt.Errorf("payload store not initialized")
	}

	data, err := c.store.Download(ctx, LedgerPath(flowID))
	if err != nil {
		return nil, fmt.Errorf("failed to download ledger: %w", err)
	}

	var ledger Ledger
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, fmt.Errorf("failed to parse ledger: %w", err)
	}

	return ledger, nil
}

// GetRunRecord retrieves a specific run's record from the flow ledger
func (c *LedgerClient) GetRunRecord(ctx context.Context, flowID, runID string) (*RunRecord, error) {
	ledger, err := c.GetLedger(ctx, flowID)
	if err != nil {
		return nil, err
	}

	record, exists := ledger[runID]
	if !exists {
		return nil, fmt.Errorf("run record not found: %s", runID)
	}

	return record, nil
}

// NewRunRecord builds a run record with standard fields
func NewRunRecord(
	runID string,
	topology string,
	status string,
	durationMs int64,
	output interface{},
	errorInfo *RunRecordError,
) *RunRecord {
	record := &RunRecord{
		Meta: RunRecordMeta{
			Status:     status,
			RunID:      runID,
			Topology:   topology,
			DurationMs: durationMs,
		},
		Output: output,
	}

	if status == "failed" {
		record.Error = errorInfo
	}

	return record
}
