package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Arbor/pkg/engine"
	sdkerrors "github.com/wehubfusion/Arbor/pkg/errors"
	"github.com/wehubfusion/Arbor/pkg/jstransform"
	"github.com/wehubfusion/Arbor/pkg/storage"
)

// JetStream defines the minimal subset of JetStream operations the service depends on.
// This allows tests to provide a mock without requiring a running NATS server.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (Subscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// Subscription abstracts operations used by the service from a subscription.
// Implemented by the real nats.Subscription via adapter and by test doubles.
type Subscription interface {
	Unsubscribe() error
	Drain() error
	IsValid() bool
	Pending() (int, int, error)
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapJetStream adapts a nats.JetStreamContext to the JetStream interface.
func WrapJetStream(js nats.JetStreamContext) JetStream {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (Subscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return &natsSubAdapter{sub: sub}, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

type natsSubAdapter struct {
	sub *nats.Subscription
}

func (s *natsSubAdapter) Unsubscribe() error         { return s.sub.Unsubscribe() }
func (s *natsSubAdapter) Drain() error               { return s.sub.Drain() }
func (s *natsSubAdapter) IsValid() bool              { return s.sub.IsValid() }
func (s *natsSubAdapter) Pending() (int, int, error) { return s.sub.Pending() }
func (s *natsSubAdapter) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	return s.sub.Fetch(batch, opts...)
}

const (
	maxInlineResultSize = 1.5 * 1024 * 1024 // 1.5MB - Threshold for inline vs blob storage
)

// ServiceConfig configures the streams and delivery behavior of a Service.
type ServiceConfig struct {
	// MaxDeliver is the maximum number of delivery attempts before giving up (default: 5)
	MaxDeliver int

	// PublishMaxRetries is the maximum number of retry attempts for result publishing (default: 3)
	PublishMaxRetries int

	// RunStream and RunSubject name where run requests are published (default: RUNS, runs.transform)
	RunStream  string
	RunSubject string

	// ResultStream and ResultSubject name where results are published (default: RESULTS, result)
	ResultStream  string
	ResultSubject string
}

// ApplyDefaults fills unset fields with production defaults.
func (c *ServiceConfig) ApplyDefaults() {
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 5 // Default: retry up to 5 times (2.5 minutes with 30s AckWait)
	}
	if c.PublishMaxRetries == 0 {
		c.PublishMaxRetries = 3
	}
	if c.RunStream == "" {
		c.RunStream = "RUNS"
	}
	if c.RunSubject == "" {
		c.RunSubject = "runs.transform"
	}
	if c.ResultStream == "" {
		c.ResultStream = "RESULTS"
	}
	if c.ResultSubject == "" {
		c.ResultSubject = "result"
	}
}

// Service provides methods for publishing run requests, pulling them off a
// durable consumer, and reporting results over JetStream. All operations
// use JetStream exclusively with proper acknowledgment handling.
type Service struct {
	js          JetStream
	logger      *zap.Logger
	cfg         ServiceConfig
	blobStorage storage.PayloadStore // Blob storage for large trees and results
}

// NewService creates a new run message service with the given JetStream context.
// Any implementation that satisfies JetStream (including a wrapped
// nats.JetStreamContext) can be used.
func NewService(js JetStream, cfg ServiceConfig) (*Service, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	cfg.ApplyDefaults()

	logger, _ := zap.NewProduction()
	return &Service{
		js:     js,
		logger: logger,
		cfg:    cfg,
	}, nil
}

// SetLogger sets a custom zap logger for the service.
func (s *Service) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetBlobStorage sets the blob storage used for oversized trees and results.
func (s *Service) SetBlobStorage(store storage.PayloadStore) {
	s.blobStorage = store
}

// RunSubject returns the subject run requests are published to.
func (s *Service) RunSubject() string { return s.cfg.RunSubject }

// RunStream returns the stream run requests are stored in.
func (s *Service) RunStream() string { return s.cfg.RunStream }

// EnsureStream creates the JetStream stream if it doesn't exist, or validates it exists.
// This is a public method that can be called by runners and other components.
func (s *Service) EnsureStream(streamName string) error {
	// Check if stream exists
	streamInfo, err := s.js.StreamInfo(streamName)
	if err != nil {
		// Stream doesn't exist, create it
		if err == nats.ErrStreamNotFound {
			s.logger.Info("Creating JetStream stream",
				zap.String("stream", streamName))

			streamConfig := &nats.StreamConfig{
				Name:     streamName,
				Subjects: []string{fmt.Sprintf("%s.*", streamName)},
				Storage:  nats.FileStorage,
				MaxAge:   24 * time.Hour,
				MaxMsgs:  100000,
				Replicas: 1,
			}

			_, err = s.js.AddStream(streamConfig)
			if err != nil {
				return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
			}

			s.logger.Info("Successfully created JetStream stream",
				zap.String("stream", streamName),
				zap.Strings("subjects", streamConfig.Subjects),
				zap.Duration("max_age", streamConfig.MaxAge),
				zap.Int64("max_msgs", streamConfig.MaxMsgs))
		} else {
			return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
		}
	} else {
		// Stream exists, log its status
		s.logger.Info("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", streamInfo.State.Msgs))
	}

	return nil
}

// EnsureConsumer creates the JetStream consumer if it doesn't exist, or validates it exists.
// This is a public method that can be called by runners and other components.
func (s *Service) EnsureConsumer(streamName, consumerName string) error {
	// Try to get consumer info first
	consumerInfo, err := s.js.ConsumerInfo(streamName, consumerName)
	if err != nil {
		// Consumer doesn't exist, create it
		if err == nats.ErrConsumerNotFound {
			s.logger.Info("Creating JetStream consumer",
				zap.String("stream", streamName),
				zap.String("consumer", consumerName))

			consumerConfig := &nats.ConsumerConfig{
				Durable:       consumerName,
				AckPolicy:     nats.AckExplicitPolicy,
				DeliverPolicy: nats.DeliverAllPolicy,
				MaxAckPending: 1000,
				MaxDeliver:    s.cfg.MaxDeliver,
			}

			_, err = s.js.AddConsumer(streamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumerName, streamName, err)
			}

			s.logger.Info("Successfully created JetStream consumer",
				zap.String("stream", streamName),
				zap.String("consumer", consumerName),
				zap.Int("max_deliver", s.cfg.MaxDeliver))
		} else {
			return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumerName, streamName, err)
		}
	} else {
		// Consumer exists, log its status
		s.logger.Info("JetStream consumer already exists",
			zap.String("stream", streamName),
			zap.String("consumer", consumerName),
			zap.Uint64("pending", consumerInfo.NumPending))
	}

	return nil
}

// ensureStreamForSubject ensures a stream exists that can handle the given subject.
// Run and result subjects map to the configured streams; other subjects
// derive the stream name from the first segment before the dot.
func (s *Service) ensureStreamForSubject(subject string) error {
	var streamName string
	var isConfigured bool

	switch subject {
	case s.cfg.RunSubject:
		streamName = s.cfg.RunStream
		isConfigured = true
	case s.cfg.ResultSubject:
		streamName = s.cfg.ResultStream
		isConfigured = true
	default:
		streamName = subject
		if idx := strings.IndexByte(subject, '.'); idx > 0 {
			streamName = subject[:idx]
		}
	}

	// Check if stream exists
	_, err := s.js.StreamInfo(streamName)
	if err != nil {
		if err == nats.ErrStreamNotFound {
			s.logger.Info("Creating JetStream stream for subject",
				zap.String("stream", streamName),
				zap.String("subject", subject),
				zap.Bool("is_configured_stream", isConfigured))

			// Configured subjects use the subject itself with a > wildcard,
			// e.g. "runs.transform.>" matches "runs.transform" and below.
			// Other subjects use a stream name derived pattern.
			var subjectPattern string
			if isConfigured {
				subjectPattern = fmt.Sprintf("%s.>", subject)
			} else {
				subjectPattern = fmt.Sprintf("%s.>", streamName)
			}

			streamConfig := &nats.StreamConfig{
				Name:     streamName,
				Subjects: []string{subjectPattern},
				Storage:  nats.FileStorage,
				MaxAge:   24 * time.Hour,
				MaxMsgs:  100000,
				Replicas: 1,
			}

			_, err = s.js.AddStream(streamConfig)
			if err != nil {
				return fmt.Errorf("failed to create stream '%s' for subject '%s': %w", streamName, subject, err)
			}

			s.logger.Info("Successfully created JetStream stream",
				zap.String("stream", streamName),
				zap.String("subject_pattern", subjectPattern))
		} else {
			return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
		}
	}

	return nil
}

// getRunIdentifier creates a unique identifier for logging purposes
func (s *Service) getRunIdentifier(req *RunRequest) string {
	// Prefer correlation ID if available
	if req.CorrelationID != "" {
		return fmt.Sprintf("correlation:%s", req.CorrelationID)
	}
	if req.FlowID != "" || req.RunID != "" {
		return fmt.Sprintf("flow:%s/run:%s", req.FlowID, req.RunID)
	}
	return fmt.Sprintf("timestamp:%s", req.CreatedAt)
}

// Publish publishes a run request to the specified subject using JetStream.
// The request is persisted according to the stream's configuration.
// If no stream exists for the subject, one will be created automatically.
// Returns an error if the publish fails.
func (s *Service) Publish(ctx context.Context, subject string, req *RunRequest) error {
	if subject == "" {
		s.logger.Error("Publish failed: subject cannot be empty")
		return sdkerrors.NewValidationError("subject cannot be empty", sdkerrors.ErrInvalidSubject)
	}

	if req == nil {
		s.logger.Error("Publish failed: request cannot be nil")
		return sdkerrors.NewValidationError("request cannot be nil", sdkerrors.ErrInvalidMessage)
	}

	// Ensure a stream exists for this subject
	if err := s.ensureStreamForSubject(subject); err != nil {
		s.logger.Error("Failed to ensure stream exists",
			zap.String("subject", subject),
			zap.Error(err))
		return sdkerrors.NewInternalError("failed to ensure stream exists", err)
	}

	s.logger.Debug("Publishing run request",
		zap.String("subject", subject),
		zap.String("run_identifier", s.getRunIdentifier(req)))

	data, err := req.ToBytes()
	if err != nil {
		s.logger.Error("Failed to marshal run request",
			zap.String("subject", subject),
			zap.String("run_identifier", s.getRunIdentifier(req)),
			zap.Error(err))
		return sdkerrors.NewInternalError("failed to marshal run request", err)
	}

	// Create a channel to handle publish result
	resultCh := make(chan error, 1)

	go func() {
		_, err := s.js.Publish(subject, data)
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("Publish cancelled",
			zap.String("subject", subject),
			zap.String("run_identifier", s.getRunIdentifier(req)),
			zap.Error(ctx.Err()))
		return fmt.Errorf("publish cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			s.logger.Error("Failed to publish run request to JetStream",
				zap.String("subject", subject),
				zap.String("run_identifier", s.getRunIdentifier(req)),
				zap.Error(err))
			return sdkerrors.NewInternalError("failed to publish run request to JetStream", err)
		}
		s.logger.Info("Run request published successfully",
			zap.String("subject", subject),
			zap.String("run_identifier", s.getRunIdentifier(req)))
		return nil
	}
}

// PublishRun validates a run request and publishes it to the configured run
// subject. Requests whose encoded size exceeds the inline threshold have
// their inline trees offloaded to blob storage first.
func (s *Service) PublishRun(ctx context.Context, req *RunRequest) error {
	if req == nil {
		s.logger.Error("PublishRun failed: request cannot be nil")
		return sdkerrors.NewValidationError("request cannot be nil", sdkerrors.ErrInvalidMessage)
	}
	if err := req.Validate(); err != nil {
		s.logger.Error("PublishRun failed: invalid request",
			zap.String("run_identifier", s.getRunIdentifier(req)),
			zap.Error(err))
		return sdkerrors.NewValidationError("invalid run request", err)
	}

	data, err := req.ToBytes()
	if err != nil {
		return sdkerrors.NewInternalError("failed to marshal run request", err)
	}

	if len(data) > maxInlineResultSize {
		if err := s.offloadInlineTrees(ctx, req); err != nil {
			return err
		}
	}

	return s.Publish(ctx, s.cfg.RunSubject, req)
}

// offloadInlineTrees moves every inline tree document of an oversized
// request into blob storage, replacing it with a blob reference.
func (s *Service) offloadInlineTrees(ctx context.Context, req *RunRequest) error {
	if s.blobStorage == nil {
		s.logger.Error("Blob storage not initialized for oversized request",
			zap.String("run_identifier", s.getRunIdentifier(req)))
		return sdkerrors.NewValidationError("blob storage not initialized but request exceeds inline limit", nil)
	}

	for i := range req.Trees {
		t := &req.Trees[i]
		if !t.HasInline() {
			continue
		}

		blobPath := storage.PayloadPath(req.RunID, "tree-"+t.Label)
		blobURL, err := s.blobStorage.Upload(ctx, blobPath, t.Inline, map[string]string{
			"flow_id": req.FlowID,
			"run_id":  req.RunID,
			"label":   t.Label,
		})
		if err != nil {
			s.logger.Error("Failed to offload tree to blob storage",
				zap.String("run_identifier", s.getRunIdentifier(req)),
				zap.String("label", t.Label),
				zap.Error(err))
			return sdkerrors.NewStorageError("failed to offload tree to blob storage", err)
		}

		s.logger.Info("Tree offloaded to blob storage",
			zap.String("run_identifier", s.getRunIdentifier(req)),
			zap.String("label", t.Label),
			zap.String("blob_url", blobURL),
			zap.Int("size_bytes", len(t.Inline)))

		t.BlobReference = &BlobReference{URL: blobURL, SizeBytes: len(t.Inline)}
		t.Inline = nil
	}

	req.touch()
	return nil
}

// ResolveTree returns the tree document of a payload, downloading it from
// blob storage when it does not travel inline.
func (s *Service) ResolveTree(ctx context.Context, payload TreePayload) (json.RawMessage, error) {
	if payload.HasInline() {
		return payload.Inline, nil
	}
	if !payload.HasBlobReference() {
		return nil, sdkerrors.NewValidationError(fmt.Sprintf("tree %q carries no data", payload.Label), nil)
	}
	if s.blobStorage == nil {
		return nil, sdkerrors.NewValidationError("blob storage not initialized but tree references a blob", nil)
	}

	data, err := s.blobStorage.Download(ctx, payload.BlobReference.URL)
	if err != nil {
		s.logger.Error("Failed to download tree from blob storage",
			zap.String("label", payload.Label),
			zap.String("blob_url", payload.BlobReference.URL),
			zap.Error(err))
		return nil, sdkerrors.NewStorageError("failed to download tree from blob storage", err)
	}
	return data, nil
}

// PullRuns pulls run requests from a JetStream pull-based consumer.
// This method fetches requests in batches on demand, providing explicit flow control.
//
// Requests are NOT automatically acknowledged - the caller must handle acknowledgment
// by calling Ack(), Nak(), or Term() on the returned requests as appropriate.
//
// Parameters:
//   - stream: The name of the JetStream stream
//   - consumer: The name of the durable consumer
//   - batchSize: The maximum number of requests to fetch (defaults to 10 if <= 0)
//
// Returns the fetched requests or an error if the operation fails.
// Note: Returns empty slice (not error) when no requests are available within timeout.
func (s *Service) PullRuns(ctx context.Context, stream, consumer string, batchSize int) ([]*RunRequest, error) {
	if stream == "" || consumer == "" {
		s.logger.Error("PullRuns failed: stream and consumer names are required")
		return nil, fmt.Errorf("stream and consumer names are required")
	}

	if batchSize <= 0 {
		batchSize = 10
	}

	s.logger.Debug("Pulling run requests",
		zap.String("stream", stream),
		zap.String("consumer", consumer),
		zap.Int("batch_size", batchSize))

	// Create a channel to handle pull result
	type result struct {
		reqs []*RunRequest
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		// Bind to existing consumer
		sub, err := s.js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer sub.Unsubscribe()

		// Fetch messages with timeout - use context deadline if available, otherwise default to 3 seconds
		timeout := 3 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		natsMessages, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
		if err != nil {
			// Timeout is normal when no messages are available
			if err == nats.ErrTimeout {
				resultCh <- result{reqs: []*RunRequest{}}
				return
			}
			resultCh <- result{err: err}
			return
		}

		reqs := make([]*RunRequest, 0, len(natsMessages))
		for _, natsMsg := range natsMessages {
			req, err := FromNATSMsg(natsMsg)
			if err != nil {
				// Nak malformed messages
				_ = natsMsg.Nak()
				continue
			}
			// Do NOT acknowledge - let the application handle acknowledgment
			reqs = append(reqs, req)
		}

		resultCh <- result{reqs: reqs}
	}()

	select {
	case <-ctx.Done():
		// Use debug level for graceful shutdown, warn for unexpected cancellation
		if ctx.Err() == context.Canceled {
			s.logger.Debug("Pull runs cancelled during shutdown",
				zap.String("stream", stream),
				zap.String("consumer", consumer))
		} else {
			s.logger.Warn("Pull runs cancelled",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(ctx.Err()))
		}
		return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			s.logger.Error("Failed to pull run requests from JetStream",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(res.err))
			return nil, sdkerrors.NewInternalError("failed to pull run requests from JetStream", res.err)
		}
		return res.reqs, nil
	}
}

// PublishResult publishes a RunResult to the result stream using JetStream.
// Result publishing is critical, so failures are retried with backoff.
func (s *Service) PublishResult(ctx context.Context, res *RunResult) error {
	if s.cfg.ResultSubject == "" {
		s.logger.Error("PublishResult failed: result subject not configured")
		return sdkerrors.NewValidationError("result subject not configured", nil)
	}

	if res == nil {
		s.logger.Error("PublishResult failed: result cannot be nil")
		return sdkerrors.NewValidationError("result cannot be nil", sdkerrors.ErrInvalidMessage)
	}

	// Ensure result stream exists
	if err := s.ensureStreamForSubject(s.cfg.ResultSubject); err != nil {
		s.logger.Error("Failed to ensure result stream exists",
			zap.String("stream", s.cfg.ResultStream),
			zap.String("subject", s.cfg.ResultSubject),
			zap.Error(err))
		return sdkerrors.NewInternalError("failed to ensure result stream exists", err)
	}

	s.logger.Debug("Publishing run result",
		zap.String("flow_id", res.FlowID),
		zap.String("run_id", res.RunID),
		zap.String("status", res.Status),
		zap.String("subject", s.cfg.ResultSubject))

	data, err := res.ToBytes()
	if err != nil {
		s.logger.Error("Failed to marshal run result",
			zap.String("run_id", res.RunID),
			zap.Error(err))
		return sdkerrors.NewInternalError("failed to marshal run result", err)
	}

	// Retry logic for critical result publishing
	var publishErr error
	for attempt := 1; attempt <= s.cfg.PublishMaxRetries; attempt++ {
		_, publishErr = s.js.Publish(s.cfg.ResultSubject, data)
		if publishErr == nil {
			break
		}

		if attempt < s.cfg.PublishMaxRetries {
			s.logger.Warn("Failed to publish result, retrying",
				zap.String("run_id", res.RunID),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", s.cfg.PublishMaxRetries),
				zap.Error(publishErr))
			// Brief backoff before retry
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	if publishErr != nil {
		s.logger.Error("Failed to publish result after all retries",
			zap.String("flow_id", res.FlowID),
			zap.String("run_id", res.RunID),
			zap.Int("attempts", s.cfg.PublishMaxRetries),
			zap.Error(publishErr))
		return sdkerrors.NewInternalError("failed to publish result after retries", publishErr)
	}

	s.logger.Info("Successfully published run result",
		zap.String("flow_id", res.FlowID),
		zap.String("run_id", res.RunID),
		zap.String("status", res.Status),
		zap.String("subject", s.cfg.ResultSubject))

	return nil
}

// ReportSuccess publishes a successful run outcome to the result stream.
// For outputs under the inline threshold the document travels inline; larger
// outputs are stored in blob storage and referenced. The source request is
// acknowledged once the result is published.
func (s *Service) ReportSuccess(ctx context.Context, req *RunRequest, output json.RawMessage, duration time.Duration) error {
	startTime := time.Now()

	if req == nil {
		s.logger.Error("Missing request for success report")
		return fmt.Errorf("missing request")
	}

	if req.RunID == "" || req.FlowID == "" {
		s.logger.Error("Missing run metadata for success report",
			zap.String("flow_id", req.FlowID),
			zap.String("run_id", req.RunID))
		_ = req.Nak()
		return fmt.Errorf("missing run metadata")
	}

	outputSize := len(output)

	resultMsg := NewRunResult(req.FlowID, req.RunID, StatusSuccess).
		WithTopology(req.Options.Topology).
		WithDuration(duration)
	if req.CorrelationID != "" {
		resultMsg.WithCorrelationID(req.CorrelationID)
	}

	// Handle output placement based on size
	if outputSize <= maxInlineResultSize {
		// FAST PATH: Direct inline output for small results
		s.logger.Info("Sending result with inline output",
			zap.String("run_id", req.RunID),
			zap.Int("size_bytes", outputSize))

		resultMsg.WithInlineOutput(output)
	} else {
		// Large outputs - store in blob storage
		s.logger.Info("Output too large, storing in blob storage",
			zap.String("run_id", req.RunID),
			zap.Int("size_bytes", outputSize),
			zap.Int("threshold", maxInlineResultSize))

		if s.blobStorage == nil {
			s.logger.Error("Blob storage not initialized for large output",
				zap.Int("size_bytes", outputSize))
			_ = req.Nak()
			return fmt.Errorf("blob storage not initialized but output size %d exceeds limit", outputSize)
		}

		blobPath := storage.PayloadPath(req.RunID, "output")
		blobURL, err := s.blobStorage.Upload(ctx, blobPath, output, map[string]string{
			"flow_id":        req.FlowID,
			"run_id":         req.RunID,
			"correlation_id": req.CorrelationID,
			"status":         StatusSuccess,
		})
		if err != nil {
			s.logger.Error("Failed to upload output to blob storage",
				zap.String("flow_id", req.FlowID),
				zap.String("run_id", req.RunID),
				zap.Error(err))

			// Report the blob upload failure as an error
			blobErr := fmt.Errorf("blob upload failed: %w", err)
			if reportErr := s.ReportError(ctx, req, blobErr); reportErr != nil {
				s.logger.Error("Failed to report blob upload error",
					zap.String("run_id", req.RunID),
					zap.Error(reportErr))
			}
			return blobErr
		}

		s.logger.Info("Output uploaded to blob storage",
			zap.String("run_id", req.RunID),
			zap.String("blob_url", blobURL),
			zap.Int("size_bytes", outputSize))

		resultMsg.WithBlobReference(&BlobReference{
			URL:       blobURL,
			SizeBytes: outputSize,
		})
	}

	// Publish result to JetStream
	if err := s.PublishResult(ctx, resultMsg); err != nil {
		s.logger.Error("Failed to publish result to JetStream",
			zap.String("flow_id", req.FlowID),
			zap.String("run_id", req.RunID),
			zap.Error(err))

		_ = req.Nak() // Retry on publish failure
		return fmt.Errorf("failed to publish result: %w", err)
	}

	publishDuration := time.Since(startTime)
	s.logger.Info("Successfully published result to JetStream",
		zap.String("flow_id", req.FlowID),
		zap.String("run_id", req.RunID),
		zap.Duration("publish_duration", publishDuration),
		zap.Int("output_size", outputSize),
		zap.Bool("used_blob_reference", resultMsg.HasBlobReference()))

	// Acknowledge the source request
	if err := req.Ack(); err != nil {
		s.logger.Error("Failed to acknowledge source request",
			zap.String("run_id", req.RunID),
			zap.Error(err))
		return fmt.Errorf("failed to acknowledge: %w", err)
	}

	return nil
}

// ReportError publishes a failed run outcome to the result stream.
//
// Error Classification:
//   - Retryable errors (cancellation, connection, storage, internal): NAK the request for redelivery
//   - Permanent errors (validation, script failures): ACK the request to prevent redelivery
//
// Returns an error if the result cannot be published.
func (s *Service) ReportError(ctx context.Context, req *RunRequest, runErr error) error {
	startTime := time.Now()

	if req == nil {
		s.logger.Warn("Missing request for error report")
		return fmt.Errorf("missing request")
	}

	if req.RunID == "" {
		s.logger.Warn("Missing run_id for error report")
		_ = req.Nak()
		return fmt.Errorf("missing run_id")
	}

	resultErr := ClassifyError(runErr)

	s.logger.Info("Publishing error result",
		zap.String("flow_id", req.FlowID),
		zap.String("run_id", req.RunID),
		zap.Bool("retryable", resultErr.Retryable),
		zap.String("error_code", resultErr.Code))

	resultMsg := NewRunResult(req.FlowID, req.RunID, StatusFailed).
		WithTopology(req.Options.Topology)
	if req.CorrelationID != "" {
		resultMsg.WithCorrelationID(req.CorrelationID)
	}

	resultMsg.WithError(resultErr)

	// Publish error result to JetStream
	if err := s.PublishResult(ctx, resultMsg); err != nil {
		s.logger.Error("Failed to publish error result after retries",
			zap.String("flow_id", req.FlowID),
			zap.String("run_id", req.RunID),
			zap.Error(err))
		_ = req.Nak()
		return fmt.Errorf("failed to publish error result: %w", err)
	}

	s.logger.Info("Successfully published error result",
		zap.String("flow_id", req.FlowID),
		zap.String("run_id", req.RunID),
		zap.Duration("duration", time.Since(startTime)))

	// Ack/Nak based on error classification
	if resultErr.Retryable {
		_ = req.Nak() // Retry transient errors
	} else {
		_ = req.Ack() // Don't retry permanent errors
	}

	return nil
}

// ClassifyError maps a run failure onto a structured result error. Script
// failures are permanent: the same script over the same input fails again
// on redelivery. Cancellation and infrastructure errors are transient.
func ClassifyError(err error) *ResultError {
	resultErr := &ResultError{Message: err.Error()}

	var scriptErr *jstransform.ScriptError
	if errors.As(err, &scriptErr) {
		resultErr.Code = "SCRIPT_" + strings.ToUpper(string(scriptErr.Kind))
		resultErr.Type = "script"
		resultErr.Retryable = scriptErr.Kind == jstransform.ErrorKindInternal
		return resultErr
	}

	if engine.IsCancelled(err) {
		resultErr.Code = "RUN_CANCELLED"
		resultErr.Type = "cancelled"
		resultErr.Retryable = true
		return resultErr
	}

	if errors.Is(err, engine.ErrInvalidConfiguration) || errors.Is(err, engine.ErrAlignmentAmbiguity) {
		resultErr.Code = "INVALID_RUN"
		resultErr.Type = "validation"
		return resultErr
	}

	var sdkErr *sdkerrors.Error
	if errors.As(err, &sdkErr) {
		resultErr.Code = sdkErr.Code
		switch sdkErr.Code {
		case sdkerrors.CodeValidation:
			resultErr.Type = "validation"
		case sdkerrors.CodeConnection:
			resultErr.Type = "connection"
			resultErr.Retryable = true
		case sdkerrors.CodeStorage:
			resultErr.Type = "storage"
			resultErr.Retryable = true
		default:
			resultErr.Type = "internal"
			resultErr.Retryable = true
		}
		return resultErr
	}

	resultErr.Code = "INTERNAL_ERROR"
	resultErr.Type = "internal"
	resultErr.Retryable = true
	return resultErr
}
