package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Arbor/pkg/client"
	"github.com/wehubfusion/Arbor/pkg/engine"
	"github.com/wehubfusion/Arbor/pkg/jstransform"
	"github.com/wehubfusion/Arbor/pkg/message"
)

// mockJetStream is an in-memory JetStream for runner tests. Runs queued on
// pullQueue are returned by Fetch; published results are recorded.
type mockJetStream struct {
	mu        sync.Mutex
	published []*nats.Msg
	streams   map[string]*nats.StreamInfo
	consumers map[string]map[string]*nats.ConsumerInfo
	pullQueue []*nats.Msg
	fetchErr  error
}

func newMockJetStream() *mockJetStream {
	return &mockJetStream{
		streams:   make(map[string]*nats.StreamInfo),
		consumers: make(map[string]map[string]*nats.ConsumerInfo),
	}
}

func (m *mockJetStream) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, &nats.Msg{Subject: subj, Data: data})
	return &nats.PubAck{Stream: "MOCK", Sequence: uint64(len(m.published))}, nil
}

func (m *mockJetStream) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (message.Subscription, error) {
	return &mockSubscription{owner: m}, nil
}

func (m *mockJetStream) StreamInfo(stream string) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, exists := m.streams[stream]; exists {
		return info, nil
	}
	return nil, nats.ErrStreamNotFound
}

func (m *mockJetStream) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &nats.StreamInfo{Config: *cfg}
	m.streams[cfg.Name] = info
	return info, nil
}

func (m *mockJetStream) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if streamConsumers, exists := m.consumers[stream]; exists {
		if info, exists := streamConsumers[consumer]; exists {
			return info, nil
		}
	}
	return nil, nats.ErrConsumerNotFound
}

func (m *mockJetStream) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumers[stream] == nil {
		m.consumers[stream] = make(map[string]*nats.ConsumerInfo)
	}
	info := &nats.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: *cfg}
	m.consumers[stream][cfg.Durable] = info
	return info, nil
}

func (m *mockJetStream) publishedResults(t *testing.T) []*message.RunResult {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]*message.RunResult, 0, len(m.published))
	for _, msg := range m.published {
		if msg.Subject != "result" {
			continue
		}
		var res message.RunResult
		require.NoError(t, json.Unmarshal(msg.Data, &res))
		results = append(results, &res)
	}
	return results
}

func (m *mockJetStream) resultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.published {
		if msg.Subject == "result" {
			n++
		}
	}
	return n
}

type mockSubscription struct {
	owner *mockJetStream
}

func (s *mockSubscription) Unsubscribe() error         { return nil }
func (s *mockSubscription) Drain() error               { return nil }
func (s *mockSubscription) IsValid() bool              { return true }
func (s *mockSubscription) Pending() (int, int, error) { return 0, 0, nil }

func (s *mockSubscription) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if s.owner.fetchErr != nil {
		return nil, s.owner.fetchErr
	}
	if len(s.owner.pullQueue) == 0 {
		return nil, nats.ErrTimeout
	}
	n := batch
	if n > len(s.owner.pullQueue) {
		n = len(s.owner.pullQueue)
	}
	msgs := make([]*nats.Msg, n)
	copy(msgs, s.owner.pullQueue[:n])
	s.owner.pullQueue = s.owner.pullQueue[n:]
	return msgs, nil
}

func newTestRunner(t *testing.T, mock *mockJetStream, cfg Config) *Runner {
	t.Helper()
	cli := client.NewClientWithJetStream(mock)
	r, err := NewRunner(cli, cfg, zap.NewNop())
	require.NoError(t, err)
	return r
}

func validRunRequest() *message.RunRequest {
	return message.NewRunRequest("flow-orders").
		WithOptions(engine.Options{Topology: engine.BranchToBranch}).
		WithScript(jstransform.Config{
			Script: "return { main: input.labels.a.concat(input.labels.b) };",
		}).
		WithInlineTree("a", json.RawMessage(`[{"path":[0],"items":[1,2]}]`)).
		WithInlineTree("b", json.RawMessage(`[{"path":[0],"items":[3]}]`))
}

func TestNewRunner_RequiresClient(t *testing.T) {
	_, err := NewRunner(nil, Config{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client cannot be nil")
}

func TestNewRunner_RequiresConnectedClient(t *testing.T) {
	_, err := NewRunner(client.NewClient("nats://localhost:4222"), Config{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no run service")
}

func TestNewRunner_RequiresLogger(t *testing.T) {
	cli := client.NewClientWithJetStream(newMockJetStream())
	_, err := NewRunner(cli, Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger cannot be nil")
}

func TestNewRunner_AppliesDefaults(t *testing.T) {
	mock := newMockJetStream()
	r := newTestRunner(t, mock, Config{})

	assert.Equal(t, "RUNS", r.cfg.Stream)
	assert.Equal(t, "arbor-runner", r.cfg.Consumer)
	assert.Equal(t, 10, r.cfg.BatchSize)
	assert.Greater(t, r.cfg.Workers, 0)
	assert.Equal(t, 5*time.Minute, r.cfg.RunTimeout)
	assert.Greater(t, r.cfg.MaxConcurrent, 0)
}

func TestNewRunner_EnsuresStreamAndConsumer(t *testing.T) {
	mock := newMockJetStream()
	newTestRunner(t, mock, Config{Consumer: "orders-runner"})

	mock.mu.Lock()
	defer mock.mu.Unlock()
	require.Contains(t, mock.streams, "RUNS")
	require.Contains(t, mock.consumers, "RUNS")
	assert.Contains(t, mock.consumers["RUNS"], "orders-runner")
}

func TestHandleRun_SuccessPublishesResult(t *testing.T) {
	mock := newMockJetStream()
	r := newTestRunner(t, mock, Config{})

	err := r.handleRun(context.Background(), 0, validRunRequest())
	require.NoError(t, err)

	results := mock.publishedResults(t)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, message.StatusSuccess, res.Status)
	assert.Equal(t, "flow-orders", res.FlowID)
	assert.Nil(t, res.Error)
	assert.JSONEq(t,
		`[{"label":"main","tree":[{"path":[0],"items":[1,2,3]}]}]`,
		string(res.InlineOutput))
}

func TestHandleRun_ScriptSyntaxErrorReportsFailure(t *testing.T) {
	mock := newMockJetStream()
	r := newTestRunner(t, mock, Config{})

	req := validRunRequest().WithScript(jstransform.Config{Script: "return {"})
	err := r.handleRun(context.Background(), 0, req)
	require.NoError(t, err)

	results := mock.publishedResults(t)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, message.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "SCRIPT_SYNTAX", res.Error.Code)
	assert.False(t, res.Error.Retryable)
}

func TestHandleRun_MalformedTreeReportsValidationFailure(t *testing.T) {
	mock := newMockJetStream()
	r := newTestRunner(t, mock, Config{})

	req := message.NewRunRequest("flow-orders").
		WithOptions(engine.Options{Topology: engine.BranchToBranch}).
		WithScript(jstransform.Config{Script: "return { main: [] };"}).
		WithInlineTree("a", json.RawMessage(`{"not a tree"`))
	err := r.handleRun(context.Background(), 0, req)
	require.NoError(t, err)

	results := mock.publishedResults(t)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, message.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "VALIDATION", res.Error.Code)
	assert.False(t, res.Error.Retryable)
	assert.Contains(t, res.Error.Message, "malformed tree document")
}

func TestHandleRun_InvalidTopologyReportsFailure(t *testing.T) {
	mock := newMockJetStream()
	r := newTestRunner(t, mock, Config{})

	req := validRunRequest().WithOptions(engine.Options{Topology: engine.Topology("sideways")})
	err := r.handleRun(context.Background(), 0, req)
	require.NoError(t, err)

	results := mock.publishedResults(t)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, message.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "INVALID_RUN", res.Error.Code)
	assert.False(t, res.Error.Retryable)
}

func TestHandleRun_ScriptRuntimeErrorReportsFailure(t *testing.T) {
	mock := newMockJetStream()
	r := newTestRunner(t, mock, Config{})

	req := validRunRequest().WithScript(jstransform.Config{
		Script: "throw new Error('boom');",
	})
	err := r.handleRun(context.Background(), 0, req)
	require.NoError(t, err)

	results := mock.publishedResults(t)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, message.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "SCRIPT_RUNTIME", res.Error.Code)
	assert.False(t, res.Error.Retryable)
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	mock := newMockJetStream()
	r := newTestRunner(t, mock, Config{Workers: 2, BatchSize: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_ProcessesQueuedRequests(t *testing.T) {
	mock := newMockJetStream()

	req := validRunRequest()
	data, err := req.ToBytes()
	require.NoError(t, err)
	mock.pullQueue = append(mock.pullQueue, &nats.Msg{Subject: "runs.transform", Data: data})

	r := newTestRunner(t, mock, Config{Workers: 1, BatchSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool { return mock.resultCount() == 1 },
		5*time.Second, 20*time.Millisecond, "expected a published result")

	cancel()
	select {
	case runErr := <-done:
		assert.ErrorIs(t, runErr, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after context cancellation")
	}

	results := mock.publishedResults(t)
	require.Len(t, results, 1)
	assert.Equal(t, message.StatusSuccess, results[0].Status)
}

func TestRun_ToleratesPullErrors(t *testing.T) {
	mock := newMockJetStream()
	mock.fetchErr = errors.New("consumer offline")
	r := newTestRunner(t, mock, Config{Workers: 1, BatchSize: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// Pull failures back off and retry; the loop still honors cancellation.
	err := r.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, mock.resultCount())
}

func TestRunner_MetricsStartAtZero(t *testing.T) {
	r := newTestRunner(t, newMockJetStream(), Config{})

	metrics := r.Metrics()
	assert.Zero(t, metrics.TotalAcquired)
	assert.Zero(t, metrics.TotalReleased)
	assert.Zero(t, metrics.PeakConcurrent)
}

func TestRunner_CloseWithoutTracingIsNoOp(t *testing.T) {
	r := newTestRunner(t, newMockJetStream(), Config{})
	assert.NoError(t, r.Close())
}
