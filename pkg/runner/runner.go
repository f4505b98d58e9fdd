// Package runner provides the run processing service loop over NATS JetStream.
// It pulls run requests from a durable consumer in batches, distributes them to
// worker goroutines that drive the alignment engine with script transforms,
// and reports results to the result stream.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	internaltracing "github.com/wehubfusion/Arbor/internal/tracing"
	"github.com/wehubfusion/Arbor/pkg/client"
	"github.com/wehubfusion/Arbor/pkg/concurrency"
	"github.com/wehubfusion/Arbor/pkg/engine"
	sdkerrors "github.com/wehubfusion/Arbor/pkg/errors"
	"github.com/wehubfusion/Arbor/pkg/jstransform"
	"github.com/wehubfusion/Arbor/pkg/message"
	"github.com/wehubfusion/Arbor/pkg/storage"
	"github.com/wehubfusion/Arbor/pkg/tree"
)

// Config controls the runner. Zero values fall back to environment-driven
// defaults from the concurrency package.
type Config struct {
	// Stream is the JetStream stream run requests are pulled from.
	// Defaults to the client's configured run stream.
	Stream string

	// Consumer is the durable consumer name. Defaults to "arbor-runner".
	Consumer string

	// BatchSize is how many run requests to pull per fetch.
	BatchSize int

	// Workers is the number of goroutines handling runs concurrently.
	Workers int

	// RunTimeout bounds the processing of a single run, from tree
	// resolution through engine execution.
	RunTimeout time.Duration

	// MaxConcurrent caps invocation concurrency inside a single run.
	MaxConcurrent int

	// Store, when set, backs blob resolution for offloaded tree payloads
	// and blob placement for oversized results.
	Store storage.PayloadStore

	// Ledger, when set, records one entry per completed run in the
	// owning flow's ledger. Appends are best effort.
	Ledger *storage.LedgerClient

	// Tracing enables OTLP trace export when set.
	Tracing *TracingConfig

	// SentryDSN enables capture of failed runs when set.
	SentryDSN string
}

// Runner manages concurrent run processing from a NATS JetStream consumer.
// It pulls run requests in batches and distributes them to worker goroutines,
// with automatic success and error reporting to the result stream.
type Runner struct {
	client          *client.Client
	cfg             Config
	logger          *zap.Logger
	limiter         *concurrency.Limiter
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
	sentryEnabled   bool
}

// NewRunner creates a new Runner instance with a connected client.
// The client must already be connected (or otherwise carry an initialized
// run service) before creating the runner. Stream and consumer are created
// if they do not exist.
// Tracing and sentry are optional; setup failures log a warning and the
// runner continues without them.
func NewRunner(cli *client.Client, cfg Config, logger *zap.Logger) (*Runner, error) {
	if cli == nil {
		return nil, errors.New("client cannot be nil")
	}
	if cli.Runs == nil {
		return nil, errors.New("client has no run service, connect first")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	cc := concurrency.LoadConfig()
	if cfg.Stream == "" {
		cfg.Stream = cli.Runs.RunStream()
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "arbor-runner"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cc.RunnerWorkers
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = cc.EngineMaxConcurrent()
	}

	if cfg.Store != nil {
		cli.Runs.SetBlobStorage(cfg.Store)
	}

	// Ensure the stream and durable consumer exist before pulling
	if err := cli.Runs.EnsureStream(cfg.Stream); err != nil {
		return nil, fmt.Errorf("failed to ensure stream '%s' exists: %w", cfg.Stream, err)
	}
	if err := cli.Runs.EnsureConsumer(cfg.Stream, cfg.Consumer); err != nil {
		return nil, fmt.Errorf("failed to ensure consumer '%s' exists: %w", cfg.Consumer, err)
	}

	runner := &Runner{
		client:  cli,
		cfg:     cfg,
		logger:  logger,
		limiter: concurrency.NewLimiter(cfg.Workers),
		tracer:  otel.Tracer("arbor/runner"),
	}

	// Setup tracing if configuration is provided
	if cfg.Tracing != nil {
		shutdown, err := internaltracing.SetupTracing(context.Background(), cfg.Tracing.toInternalConfig(), logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			runner.tracingShutdown = shutdown
			logger.Info("Tracing setup complete",
				zap.String("service", cfg.Tracing.ServiceName),
				zap.String("endpoint", cfg.Tracing.OTLPEndpoint))
		}
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("Failed to initialize sentry, continuing without capture", zap.Error(err))
		} else {
			runner.sentryEnabled = true
		}
	}

	return runner, nil
}

// Metrics returns the limiter's activity counters.
func (r *Runner) Metrics() concurrency.Metrics {
	return r.limiter.GetMetrics()
}

// Close gracefully shuts down the runner and cleans up resources including
// tracing and sentry. This should be called when the runner is no longer needed.
func (r *Runner) Close() error {
	if r.sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
	if r.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tracingShutdown(ctx); err != nil {
			r.logger.Error("Error shutting down tracing", zap.Error(err))
			return err
		}
		r.logger.Info("Tracing shutdown complete")
	}
	return nil
}

// Run starts the run processing pipeline.
// It spawns worker goroutines and begins pulling run requests from the
// configured stream. The method blocks until the context is cancelled and
// all workers have finished processing.
func (r *Runner) Run(ctx context.Context) error {
	runChan := make(chan *message.RunRequest, r.cfg.BatchSize)

	var wg sync.WaitGroup

	// Start worker goroutines
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, runChan)
		}(i)
	}

	// Start the puller goroutine
	go func() {
		defer close(runChan)

		backoffDelay := 100 * time.Millisecond
		maxBackoff := 5 * time.Second

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Shutting down run puller...")
				return
			default:
				requests, err := r.client.Runs.PullRuns(ctx, r.cfg.Stream, r.cfg.Consumer, r.cfg.BatchSize)
				if err != nil {
					// Graceful shutdown surfaces as a context error
					if ctx.Err() != nil {
						r.logger.Debug("Run pulling stopped due to context cancellation")
						return
					}
					r.logger.Error("Error pulling run requests", zap.Error(err))
					time.Sleep(backoffDelay)
					if backoffDelay < maxBackoff {
						backoffDelay *= 2
					}
					continue
				}

				if len(requests) == 0 {
					// No requests available, wait briefly to avoid busy polling
					select {
					case <-time.After(500 * time.Millisecond):
					case <-ctx.Done():
						return
					}
					continue
				}

				// Reset backoff on successful pull
				backoffDelay = 100 * time.Millisecond

				for _, req := range requests {
					select {
					case runChan <- req:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("Runner completed successfully")
		return nil
	case <-ctx.Done():
		r.logger.Info("Runner stopped due to context cancellation")
		return ctx.Err()
	}
}

// worker handles run requests from the channel. The limiter feeds the
// circuit breaker: repeated infrastructure failures pause intake so
// redeliveries are not burned while storage or the result stream is down.
func (r *Runner) worker(ctx context.Context, workerID int, runChan <-chan *message.RunRequest) {
	r.logger.Info("Worker started", zap.Int("workerID", workerID))
	defer r.logger.Info("Worker stopped", zap.Int("workerID", workerID))

	for {
		select {
		case req, ok := <-runChan:
			if !ok {
				return
			}
			admitted := false
			err := r.limiter.GoSync(ctx, func() error {
				admitted = true
				return r.handleRun(ctx, workerID, req)
			})
			if err != nil && !admitted {
				// Never admitted: circuit open or shutting down. Leave the
				// request for redelivery.
				r.logger.Warn("Run not admitted, requesting redelivery",
					zap.Int("workerID", workerID),
					zap.String("run_id", req.RunID),
					zap.Error(err))
				if nakErr := req.Nak(); nakErr != nil {
					r.logger.Error("Error naking unadmitted run", zap.Error(nakErr))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleRun processes one run request end to end. It returns an error for
// infrastructure failures (payload downloads, result publishing) so the
// limiter's circuit breaker sees them; failures of the run itself are
// reported through the result stream and return nil.
func (r *Runner) handleRun(ctx context.Context, workerID int, req *message.RunRequest) error {
	ctx, span := r.tracer.Start(ctx, "runner.handleRun",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("flow.id", req.FlowID),
			attribute.String("run.id", req.RunID),
			attribute.String("run.topology", string(req.Options.Topology)),
			attribute.String("stream", r.cfg.Stream),
			attribute.String("consumer", r.cfg.Consumer),
		))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	// Skip work that arrived during shutdown
	select {
	case <-ctx.Done():
		r.logger.Info("Skipping run due to context cancellation",
			zap.Int("workerID", workerID),
			zap.String("flowID", req.FlowID),
			zap.String("runID", req.RunID))
		span.SetStatus(codes.Error, "Context cancelled before processing")
		if nakErr := req.Nak(); nakErr != nil {
			r.logger.Error("Error naking skipped run", zap.Error(nakErr))
		}
		return nil
	default:
	}

	start := time.Now()
	r.logger.Info("Worker processing run",
		zap.Int("workerID", workerID),
		zap.String("flowID", req.FlowID),
		zap.String("runID", req.RunID),
		zap.String("topology", string(req.Options.Topology)),
		zap.Int("trees", len(req.Trees)))

	// Resolve and decode the input trees
	trees, permanent, resolveErr := r.resolveTrees(runCtx, req)
	if resolveErr != nil {
		span.RecordError(resolveErr)
		span.SetStatus(codes.Error, resolveErr.Error())
		r.logger.Error("Error resolving input trees",
			zap.Int("workerID", workerID),
			zap.String("runID", req.RunID),
			zap.Error(resolveErr))
		reportErr := r.reportFailure(workerID, req, resolveErr, time.Since(start))
		if reportErr != nil {
			return reportErr
		}
		if permanent {
			return nil
		}
		return resolveErr
	}

	// Build the script transform. Compile and configuration problems are
	// deterministic, so they report as permanent failures.
	transformer, err := jstransform.New(req.Script, ZapLogger(r.logger))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("Error building script transform",
			zap.Int("workerID", workerID),
			zap.String("runID", req.RunID),
			zap.Error(err))
		return r.reportFailure(workerID, req, err, time.Since(start))
	}
	defer transformer.Close()

	runCfg := engine.DefaultRunConfig[any]().
		WithLogger(ZapLogger(r.logger)).
		WithMaxConcurrent(r.cfg.MaxConcurrent).
		WithProgress(func(completed, total int) {
			r.logger.Debug("Run progress",
				zap.String("runID", req.RunID),
				zap.Int("completed", completed),
				zap.Int("total", total))
		})

	// Drive the engine under a nested span
	engineCtx, engineSpan := r.tracer.Start(runCtx, "engine.run",
		trace.WithAttributes(
			attribute.Int("run.trees", len(trees)),
			attribute.Int("run.max_concurrent", r.cfg.MaxConcurrent),
		))
	output, runErr := engine.Run(engineCtx, trees, transformer.Transform(), req.Options, runCfg)
	duration := time.Since(start)
	engineSpan.SetAttributes(attribute.Int64("run.duration_ms", duration.Milliseconds()))
	span.SetAttributes(attribute.Int64("run.duration_ms", duration.Milliseconds()))

	if runErr != nil {
		engineSpan.RecordError(runErr)
		engineSpan.SetStatus(codes.Error, runErr.Error())
		engineSpan.End()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())

		r.logger.Error("Run failed",
			zap.Int("workerID", workerID),
			zap.String("flowID", req.FlowID),
			zap.String("runID", req.RunID),
			zap.Duration("processingTime", duration),
			zap.Error(runErr))

		return r.reportFailure(workerID, req, runErr, duration)
	}
	engineSpan.SetStatus(codes.Ok, "Run completed")
	engineSpan.End()

	doc, err := json.Marshal(output)
	if err != nil {
		encodeErr := sdkerrors.NewInternalError("failed to encode run output", err)
		span.RecordError(encodeErr)
		span.SetStatus(codes.Error, encodeErr.Error())
		return r.reportFailure(workerID, req, encodeErr, duration)
	}

	span.SetStatus(codes.Ok, "Run processed successfully")
	span.SetAttributes(
		attribute.Int("run.output_trees", len(output)),
		attribute.Int("run.output_bytes", len(doc)))

	r.logger.Info("Successfully processed run",
		zap.Int("workerID", workerID),
		zap.String("flowID", req.FlowID),
		zap.String("runID", req.RunID),
		zap.Duration("processingTime", duration),
		zap.Int("outputTrees", len(output)))

	// Report with a fresh context so shutdown does not lose the result
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reportCancel()
	if reportErr := r.client.Runs.ReportSuccess(reportCtx, req, doc, duration); reportErr != nil {
		r.logger.Error("Error reporting success",
			zap.Int("workerID", workerID),
			zap.String("flowID", req.FlowID),
			zap.String("runID", req.RunID),
			zap.Error(reportErr))
		return reportErr
	}

	r.appendLedgerRecord(reportCtx, req, message.StatusSuccess, duration, json.RawMessage(doc), nil)
	return nil
}

// resolveTrees downloads offloaded payloads and decodes every input tree.
// The bool reports whether a failure is permanent (malformed documents)
// rather than transient (storage failures).
func (r *Runner) resolveTrees(ctx context.Context, req *message.RunRequest) ([]tree.Named[any], bool, error) {
	trees := make([]tree.Named[any], 0, len(req.Trees))
	for _, payload := range req.Trees {
		doc, err := r.client.Runs.ResolveTree(ctx, payload)
		if err != nil {
			return nil, false, err
		}
		t := tree.New[any]()
		if err := json.Unmarshal(doc, t); err != nil {
			return nil, true, sdkerrors.NewValidationError(
				fmt.Sprintf("malformed tree document for label %q", payload.Label), err)
		}
		trees = append(trees, tree.NewNamed(payload.Label, t))
	}
	return trees, false, nil
}

// reportFailure publishes the run failure, captures it when sentry is
// enabled, and records it in the ledger. Reporting uses a fresh context so
// a cancelled run still reports.
func (r *Runner) reportFailure(workerID int, req *message.RunRequest, runErr error, duration time.Duration) error {
	r.captureFailure(req, runErr)

	reportCtx, reportCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reportCancel()

	if reportErr := r.client.Runs.ReportError(reportCtx, req, runErr); reportErr != nil {
		r.logger.Error("Error reporting failure",
			zap.Int("workerID", workerID),
			zap.String("flowID", req.FlowID),
			zap.String("runID", req.RunID),
			zap.Error(reportErr))
		return reportErr
	}

	r.appendLedgerRecord(reportCtx, req, message.StatusFailed, duration, nil, runErr)
	return nil
}

// appendLedgerRecord records the run outcome in the flow ledger when a
// ledger client is configured. Failures only log; the run outcome has
// already been reported.
func (r *Runner) appendLedgerRecord(ctx context.Context, req *message.RunRequest, status string, duration time.Duration, output json.RawMessage, runErr error) {
	if r.cfg.Ledger == nil {
		return
	}

	var errInfo *storage.RunRecordError
	if runErr != nil {
		classified := message.ClassifyError(runErr)
		errInfo = &storage.RunRecordError{
			Code:      classified.Code,
			Message:   classified.Message,
			Retryable: classified.Retryable,
		}
	}
	var out interface{}
	if output != nil {
		out = output
	}

	record := storage.NewRunRecord(req.RunID, string(req.Options.Topology), status, duration.Milliseconds(), out, errInfo)
	if _, err := r.cfg.Ledger.AppendRunRecord(ctx, req.FlowID, req.RunID, record); err != nil {
		r.logger.Warn("Failed to append run record to ledger",
			zap.String("flowID", req.FlowID),
			zap.String("runID", req.RunID),
			zap.Error(err))
	}
}

// captureFailure forwards a failed run to sentry when capture is enabled.
func (r *Runner) captureFailure(req *message.RunRequest, runErr error) {
	if !r.sentryEnabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("flow_id", req.FlowID)
		scope.SetTag("run_id", req.RunID)
		scope.SetTag("topology", string(req.Options.Topology))
		sentry.CaptureException(runErr)
	})
}
