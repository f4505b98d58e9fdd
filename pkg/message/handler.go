package message

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Handler is a function that processes pulled run requests.
// It receives a context and the request, and returns an error if processing fails.
//
// IMPORTANT: Handlers MUST acknowledge requests using req.Ack() or req.Nak()
// to indicate successful or failed processing. Failing to acknowledge requests
// will cause them to be redelivered according to the consumer's configuration.
//
// Example:
//
//	handler := func(ctx context.Context, req *message.RunRequest) error {
//	    // Process the run
//	    if err := processRun(ctx, req); err != nil {
//	        req.Nak() // Request will be redelivered
//	        return err
//	    }
//	    req.Ack() // Run successfully processed
//	    return nil
//	}
type Handler func(ctx context.Context, req *RunRequest) error

// Middleware is a function that wraps a handler to add additional functionality
type Middleware func(Handler) Handler

// Chain chains multiple middlewares together
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware recovers from panics in run handlers
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *RunRequest) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// LoggingMiddleware logs run processing using structured logging
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *RunRequest) error {
			fields := []zap.Field{
				zap.String("flow_id", req.FlowID),
				zap.String("run_id", req.RunID),
				zap.String("topology", string(req.Options.Topology)),
			}
			if req.CorrelationID != "" {
				fields = append(fields, zap.String("correlation_id", req.CorrelationID))
			}

			logger.Info("Processing run", fields...)
			err := next(ctx, req)
			if err != nil {
				logger.Error("Error processing run", append(fields, zap.Error(err))...)
			} else {
				logger.Info("Successfully processed run", fields...)
			}
			return err
		}
	}
}

// ValidationMiddleware validates run requests before processing
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *RunRequest) error {
			if req == nil {
				return fmt.Errorf("request is nil")
			}
			if err := req.Validate(); err != nil {
				return err
			}
			return next(ctx, req)
		}
	}
}
