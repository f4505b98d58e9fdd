package client

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Arbor/internal/nats"
	sdkerrors "github.com/wehubfusion/Arbor/pkg/errors"
	"github.com/wehubfusion/Arbor/pkg/message"
)

// Client is the central JetStream client that manages the connection and provides access to services.
// It serves as the entry point for publishing run requests, pulling them off
// durable consumers, and reporting results, and automatically initializes the
// JetStream context and the run service.
//
// Note: Arbor uses JetStream exclusively for all messaging operations.
// Standard NATS publish/subscribe is not supported.
//
// Example usage:
//
//	client := client.NewClient("nats://localhost:4222")
//	if err := client.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer client.Close()
//
//	// Use the Runs service (JetStream-based)
//	req := message.NewRunRequest("flow-orders").
//	    WithOptions(engine.Options{Topology: engine.BranchToBranch}).
//	    WithScript(jstransform.Config{Script: src}).
//	    WithInlineTree("a", doc)
//	client.Runs.PublishRun(ctx, req)
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *nats.ConnectionConfig
	logger *zap.Logger

	// Runs provides access to all JetStream run operations including
	// publishing requests, pull-based consumption, and result reporting
	Runs *message.Service
}

// NewClient creates a new JetStream client with default configuration.
// The URL parameter specifies the NATS server address (e.g., "nats://localhost:4222").
//
// Note: JetStream must be enabled on the NATS server for this client to function.
// The client must be connected using Connect() before use.
//
// Example:
//
//	client := client.NewClient("nats://localhost:4222")
func NewClient(url string) *Client {
	logger, _ := zap.NewProduction()
	return &Client{
		config: nats.DefaultConnectionConfig(url),
		logger: logger,
	}
}

// NewClientWithConfig creates a new JetStream client with custom configuration.
// This allows full control over connection parameters such as reconnection settings,
// timeouts, authentication, and stream naming.
//
// Note: JetStream must be enabled on the NATS server for this client to function.
//
// Example:
//
//	config := nats.DefaultConnectionConfig("nats://localhost:4222")
//	config.Name = "arbor-worker-1"
//	config.RunStream = "RUNS_UAT"
//	config.RunSubject = "runs.transform.uat"
//	client := client.NewClientWithConfig(config)
func NewClientWithConfig(config *nats.ConnectionConfig) *Client {
	logger, _ := zap.NewProduction()
	return &Client{
		config: config,
		logger: logger,
	}
}

// NewClientWithJetStream creates a client wired to a provided JetStream implementation.
// Useful for tests to avoid connecting to a real NATS server.
func NewClientWithJetStream(js message.JetStream) *Client {
	logger, _ := zap.NewProduction()
	svc, _ := message.NewService(js, message.ServiceConfig{})
	return &Client{
		Runs:   svc,
		logger: logger,
	}
}

// Connect establishes a connection to the NATS server and initializes JetStream context.
// This method must be called before using any service methods.
//
// The method performs the following operations:
//   - Establishes TCP connection to NATS server
//   - Initializes JetStream context (REQUIRED - fails if JetStream is not enabled)
//   - Creates and initializes the run Service with JetStream
//
// Returns an error if connection fails or if JetStream is not enabled on the server.
//
// Example:
//
//	ctx := context.Background()
//	if err := client.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil // Already connected
	}

	// Establish NATS connection
	conn, err := nats.Connect(ctx, c.config, c.logger)
	if err != nil {
		return sdkerrors.NewConnectionError("failed to connect to NATS", err)
	}

	c.conn = conn

	// Initialize JetStream context - REQUIRED for this client
	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		return sdkerrors.NewConnectionError("JetStream is not enabled on the NATS server", err)
	}
	c.js = js

	// Initialize run service with JetStream (wrapped to interface for testability)
	svc, err := message.NewService(
		message.WrapJetStream(c.js),
		message.ServiceConfig{
			MaxDeliver:        c.config.MaxDeliver,
			PublishMaxRetries: c.config.PublishMaxRetries,
			RunStream:         c.config.RunStream,
			RunSubject:        c.config.RunSubject,
			ResultStream:      c.config.ResultStream,
			ResultSubject:     c.config.ResultSubject,
		},
	)
	if err != nil {
		// Clean up connection on service initialization failure
		_ = nats.Close(c.conn)
		c.conn = nil
		c.js = nil
		return sdkerrors.NewInternalError("failed to initialize run service", err)
	}
	svc.SetLogger(c.logger)
	c.Runs = svc

	return nil
}

// SetLogger sets a custom zap logger for the client and its run service.
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
		if c.Runs != nil {
			c.Runs.SetLogger(logger)
		}
	}
}

// Close gracefully closes the NATS connection and cleans up all resources.
// It drains in-flight messages before closing to ensure no message loss.
//
// This method should always be called when done with the client, typically
// using defer immediately after Connect().
//
// Example:
//
//	client := client.NewClient("nats://localhost:4222")
//	if err := client.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer client.Close()
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	if err := nats.Close(c.conn); err != nil {
		return sdkerrors.NewInternalError("failed to close connection", err)
	}

	// Clean up resources
	c.conn = nil
	c.js = nil
	c.Runs = nil

	return nil
}

// IsConnected returns true if the client is currently connected to the NATS server.
// This can be used to check connection health before performing operations.
//
// Example:
//
//	if !client.IsConnected() {
//	    logger.Info("Not connected, attempting reconnection...")
//	    client.Connect(ctx)
//	}
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Connection returns the underlying NATS connection.
// This is exposed for advanced use cases where direct access to the connection is needed.
//
// Warning: Direct manipulation of the connection can interfere with the client's
// connection management. Use with caution.
func (c *Client) Connection() *natsclient.Conn {
	return c.conn
}

// JetStream returns the JetStream context for advanced JetStream operations.
// Returns nil if the client is not connected.
//
// This provides direct access to JetStream features like stream and consumer management.
//
// Example:
//
//	js := client.JetStream()
//	if js != nil {
//	    js.AddStream(&nats.StreamConfig{
//	        Name:     "RUNS",
//	        Subjects: []string{"runs.>"},
//	    })
//	}
func (c *Client) JetStream() natsclient.JetStreamContext {
	return c.js
}

// Stats returns current connection statistics including message counts and reconnection attempts.
//
// Example:
//
//	stats := client.Stats()
//	logger.Info("Connection stats",
//		zap.Uint64("messages_sent", stats.OutMsgs),
//		zap.Uint64("messages_received", stats.InMsgs))
func (c *Client) Stats() ConnectionStats {
	if c.conn == nil {
		return ConnectionStats{}
	}

	stats := c.conn.Stats()
	return ConnectionStats{
		InMsgs:     stats.InMsgs,
		OutMsgs:    stats.OutMsgs,
		InBytes:    stats.InBytes,
		OutBytes:   stats.OutBytes,
		Reconnects: stats.Reconnects,
	}
}

// ConnectionStats holds connection statistics for monitoring and debugging.
type ConnectionStats struct {
	InMsgs     uint64 // Number of messages received
	OutMsgs    uint64 // Number of messages sent
	InBytes    uint64 // Number of bytes received
	OutBytes   uint64 // Number of bytes sent
	Reconnects uint64 // Number of reconnections performed
}

// ensureConnected checks if the client is connected and returns an error if not.
func (c *Client) ensureConnected() error {
	if !c.IsConnected() {
		return sdkerrors.NewConnectionError("not connected to NATS", sdkerrors.ErrNotConnected)
	}
	return nil
}

// Ping sends a ping to the NATS server to verify connectivity.
// This can be used as a health check to ensure the connection is alive and responsive.
//
// The operation respects the context deadline and can be cancelled via context.
//
// Example:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := client.Ping(ctx); err != nil {
//	    logger.Error("Connection unhealthy", zap.Error(err))
//	}
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	// Create a channel to handle ping result
	resultCh := make(chan error, 1)

	go func() {
		err := c.conn.FlushTimeout(c.config.Timeout)
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ping cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return sdkerrors.NewConnectionError("ping failed", err)
		}
		return nil
	}
}
