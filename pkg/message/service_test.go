package message

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Arbor/pkg/engine"
	sdkerrors "github.com/wehubfusion/Arbor/pkg/errors"
	"github.com/wehubfusion/Arbor/pkg/jstransform"
	"github.com/wehubfusion/Arbor/pkg/tree"
)

// mockJetStream is a lightweight in-memory implementation of JetStream
// suitable for unit tests without a running NATS server.
type mockJetStream struct {
	mu        sync.Mutex
	published []*nats.Msg
	streams   map[string]*nats.StreamInfo
	consumers map[string]map[string]*nats.ConsumerInfo
	pullQueue []*nats.Msg
	fetchErr  error

	addStreamCalls int

	// publishFailures fails that many Publish calls before succeeding;
	// negative means fail forever.
	publishFailures int
	publishDelay    time.Duration
}

func newMockJetStream() *mockJetStream {
	return &mockJetStream{
		streams:   make(map[string]*nats.StreamInfo),
		consumers: make(map[string]map[string]*nats.ConsumerInfo),
	}
}

func (m *mockJetStream) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if m.publishDelay > 0 {
		time.Sleep(m.publishDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishFailures != 0 {
		if m.publishFailures > 0 {
			m.publishFailures--
		}
		return nil, errors.New("publish failed")
	}
	m.published = append(m.published, &nats.Msg{Subject: subj, Data: data})
	return &nats.PubAck{Stream: "MOCK", Sequence: uint64(len(m.published))}, nil
}

func (m *mockJetStream) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (Subscription, error) {
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
	m.addStreamCalls++
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

func (m *mockJetStream) lastPublished(t *testing.T) *nats.Msg {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.published)
	return m.published[len(m.published)-1]
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
	n := batch
	if n > len(s.owner.pullQueue) {
		n = len(s.owner.pullQueue)
	}
	msgs := make([]*nats.Msg, n)
	copy(msgs, s.owner.pullQueue[:n])
	s.owner.pullQueue = s.owner.pullQueue[n:]
	return msgs, nil
}

// fakeBlobStore is an in-memory storage.PayloadStore for service tests.
type fakeBlobStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	baseURL string
	failUp  bool
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{
		blobs:   make(map[string][]byte),
		baseURL: "https://storage.test/payloads/",
	}
}

func (f *fakeBlobStore) Upload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUp {
		return "", errors.New("upload failed")
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	f.blobs[blobPath] = stored
	return f.baseURL + blobPath, nil
}

func (f *fakeBlobStore) Download(ctx context.Context, reference string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := strings.TrimPrefix(reference, f.baseURL)
	data, ok := f.blobs[path]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", reference)
	}
	return data, nil
}

func newTestService(t *testing.T, js JetStream, cfg ServiceConfig) *Service {
	t.Helper()
	svc, err := NewService(js, cfg)
	require.NoError(t, err)
	svc.SetLogger(zap.NewNop())
	return svc
}

func TestNewService_RequiresJetStream(t *testing.T) {
	_, err := NewService(nil, ServiceConfig{})
	require.Error(t, err)
}

func TestNewService_AppliesDefaults(t *testing.T) {
	svc := newTestService(t, newMockJetStream(), ServiceConfig{})

	assert.Equal(t, "RUNS", svc.RunStream())
	assert.Equal(t, "runs.transform", svc.RunSubject())
}

func TestEnsureStream_CreatesWhenMissing(t *testing.T) {
	js := newMockJetStream()
	svc := newTestService(t, js, ServiceConfig{})

	require.NoError(t, svc.EnsureStream("RUNS"))

	info, err := js.StreamInfo("RUNS")
	require.NoError(t, err)
	assert.Equal(t, []string{"RUNS.*"}, info.Config.Subjects)
	assert.Equal(t, nats.FileStorage, info.Config.Storage)

	// Second call finds the existing stream and does not recreate it.
	require.NoError(t, svc.EnsureStream("RUNS"))
	assert.Equal(t, 1, js.addStreamCalls)
}

func TestEnsureConsumer_CreatesWhenMissing(t *testing.T) {
	js := newMockJetStream()
	svc := newTestService(t, js, ServiceConfig{MaxDeliver: 7})

	require.NoError(t, svc.EnsureConsumer("RUNS", "arbor-workers"))

	info, err := js.ConsumerInfo("RUNS", "arbor-workers")
	require.NoError(t, err)
	assert.Equal(t, nats.AckExplicitPolicy, info.Config.AckPolicy)
	assert.Equal(t, 7, info.Config.MaxDeliver)

	require.NoError(t, svc.EnsureConsumer("RUNS", "arbor-workers"))
}

func TestPublish_Validation(t *testing.T) {
	svc := newTestService(t, newMockJetStream(), ServiceConfig{})
	ctx := context.Background()

	err := svc.Publish(ctx, "", validRequest())
	require.Error(t, err)
	assert.True(t, sdkerrors.HasCode(err, sdkerrors.CodeValidation))

	err = svc.Publish(ctx, "runs.transform", nil)
	require.Error(t, err)
	assert.True(t, sdkerrors.HasCode(err, sdkerrors.CodeValidation))
}

func TestPublish_CreatesStreamForConfiguredSubject(t *testing.T) {
	js := newMockJetStream()
	svc := newTestService(t, js, ServiceConfig{})

	require.NoError(t, svc.Publish(context.Background(), "runs.transform", validRequest()))

	info, err := js.StreamInfo("RUNS")
	require.NoError(t, err)
	assert.Equal(t, []string{"runs.transform.>"}, info.Config.Subjects)

	msg := js.lastPublished(t)
	assert.Equal(t, "runs.transform", msg.Subject)
}

func TestPublish_DerivesStreamFromSubject(t *testing.T) {
	js := newMockJetStream()
	svc := newTestService(t, js, ServiceConfig{})

	require.NoError(t, svc.Publish(context.Background(), "audit.runs", validRequest()))

	info, err := js.StreamInfo("audit")
	require.NoError(t, err)
	assert.Equal(t, []string{"audit.>"}, info.Config.Subjects)
}

func TestPublish_CancelledContext(t *testing.T) {
	js := newMockJetStream()
	js.publishDelay = 50 * time.Millisecond
	svc := newTestService(t, js, ServiceConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Publish(ctx, "runs.transform", validRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublishRun_PublishesToRunSubject(t *testing.T) {
	js := newMockJetStream()
	svc := newTestService(t, js, ServiceConfig{})

	req := validRequest()
	require.NoError(t, svc.PublishRun(context.Background(), req))

	msg := js.lastPublished(t)
	assert.Equal(t, "runs.transform", msg.Subject)

	decoded, err := FromBytes(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, req.RunID, decoded.RunID)
	assert.True(t, decoded.Trees[0].HasInline())
}

func TestPublishRun_RejectsInvalidRequest(t *testing.T) {
	svc := newTestService(t, newMockJetStream(), ServiceConfig{})

	req := validRequest()
	req.Script.Script = ""

	err := svc.PublishRun(context.Background(), req)
	require.Error(t, err)
	assert.True(t, sdkerrors.HasCode(err, sdkerrors.CodeValidation))
}

// oversizedTreeDoc returns a tree document whose encoded size exceeds the
// inline threshold.
func oversizedTreeDoc(t *testing.T) json.RawMessage {
	t.Helper()
	item := string(bytes.Repeat([]byte("x"), 1600*1024))
	doc, err := json.Marshal([]map[string]interface{}{
		{"path": []int{0}, "items": []string{item}},
	})
	require.NoError(t, err)
	return doc
}

func TestPublishRun_OffloadsOversizedTrees(t *testing.T) {
	js := newMockJetStream()
	store := newFakeBlobStore()
	svc := newTestService(t, js, ServiceConfig{})
	svc.SetBlobStorage(store)

	req := NewRunRequest("flow-orders").
		WithRunID("run-big").
		WithOptions(engine.Options{Topology: engine.BranchToBranch}).
		WithScript(jstransform.Config{Script: "return {main: input.labels.a};"}).
		WithInlineTree("a", oversizedTreeDoc(t))

	require.NoError(t, svc.PublishRun(context.Background(), req))

	msg := js.lastPublished(t)
	decoded, err := FromBytes(msg.Data)
	require.NoError(t, err)

	require.Len(t, decoded.Trees, 1)
	assert.False(t, decoded.Trees[0].HasInline())
	require.True(t, decoded.Trees[0].HasBlobReference())
	assert.True(t, strings.Contains(decoded.Trees[0].BlobReference.URL, "runs/run-big/tree-a-"))
	assert.Greater(t, decoded.Trees[0].BlobReference.SizeBytes, 0)

	store.mu.Lock()
	assert.Len(t, store.blobs, 1)
	store.mu.Unlock()
}

func TestPublishRun_OversizedWithoutStoreFails(t *testing.T) {
	svc := newTestService(t, newMockJetStream(), ServiceConfig{})

	req := NewRunRequest("flow-orders").
		WithOptions(engine.Options{Topology: engine.BranchToBranch}).
		WithScript(jstransform.Config{Script: "return {main: []};"}).
		WithInlineTree("a", oversizedTreeDoc(t))

	err := svc.PublishRun(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob storage not initialized")
}

func TestResolveTree(t *testing.T) {
	store := newFakeBlobStore()
	svc := newTestService(t, newMockJetStream(), ServiceConfig{})
	svc.SetBlobStorage(store)
	ctx := context.Background()

	inline, err := svc.ResolveTree(ctx, TreePayload{Label: "a", Inline: json.RawMessage(`[{"path":[0],"items":[1]}]`)})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"path":[0],"items":[1]}]`, string(inline))

	url, err := store.Upload(ctx, "runs/run-1/tree-b.json", []byte(`[{"path":[1],"items":[2]}]`), nil)
	require.NoError(t, err)

	downloaded, err := svc.ResolveTree(ctx, TreePayload{Label: "b", BlobReference: &BlobReference{URL: url, SizeBytes: 24}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"path":[1],"items":[2]}]`, string(downloaded))

	_, err = svc.ResolveTree(ctx, TreePayload{Label: "empty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carries no data")
}

func TestResolveTree_BlobWithoutStoreFails(t *testing.T) {
	svc := newTestService(t, newMockJetStream(), ServiceConfig{})

	_, err := svc.ResolveTree(context.Background(), TreePayload{
		Label:         "a",
		BlobReference: &BlobReference{URL: "https://storage.test/payloads/x.json"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob storage not initialized")
}

func TestPullRuns_Validation(t *testing.T) {
	svc := newTestService(t, newMockJetStream(), ServiceConfig{})
	ctx := context.Background()

	_, err := svc.PullRuns(ctx, "", "consumer", 10)
	require.Error(t, err)

	_, err = svc.PullRuns(ctx, "RUNS", "", 10)
	require.Error(t, err)
}

func TestPullRuns_DecodesAndSkipsMalformed(t *testing.T) {
	js := newMockJetStream()
	svc := newTestService(t, js, ServiceConfig{})

	first, err := validRequest().WithRunID("run-1").ToBytes()
	require.NoError(t, err)
	second, err := validRequest().WithRunID("run-2").ToBytes()
	require.NoError(t, err)

	js.pullQueue = []*nats.Msg{
		{Subject: "runs.transform", Data: first},
		{Subject: "runs.transform", Data: []byte("{malformed")},
		{Subject: "runs.transform", Data: second},
	}

	reqs, err := svc.PullRuns(context.Background(), "RUNS", "arbor-workers", 10)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "run-1", reqs[0].RunID)
	assert.Equal(t, "run-2", reqs[1].RunID)
	assert.NotNil(t, reqs[0].GetNATSMsg())
}

func TestPullRuns_EmptyOnTimeout(t *testing.T) {
	js := newMockJetStream()
	js.fetchErr = nats.ErrTimeout
	svc := newTestService(t, js, ServiceConfig{})

	reqs, err := svc.PullRuns(context.Background(), "RUNS", "arbor-workers", 10)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestPullRuns_CancelledContext(t *testing.T) {
	js := newMockJetStream()
	js.fetchErr = nats.ErrTimeout
	svc := newTestService(t, js, ServiceConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.PullRuns(ctx, "RUNS", "arbor-workers", 10)
	require.Error(t, err)
}

func TestPublishResult_RetriesThenSucceeds(t *testing.T) {
	js := newMockJetStream()
	js.publishFailures = 1
	svc := newTestService(t, js, ServiceConfig{PublishMaxRetries: 2})

	res := NewRunResult("flow-orders", "run-1", StatusSuccess)
	require.NoError(t, svc.PublishResult(context.Background(), res))

	msg := js.lastPublished(t)
	assert.Equal(t, "result", msg.Subject)
}

func TestPublishResult_FailsAfterRetries(t *testing.T) {
	js := newMockJetStream()
	js.publishFailures = -1
	svc := newTestService(t, js, ServiceConfig{PublishMaxRetries: 1})

	err := svc.PublishResult(context.Background(), NewRunResult("flow-orders", "run-1", StatusSuccess))
	require.Error(t, err)
	assert.True(t, sdkerrors.HasCode(err, sdkerrors.CodeInternal))
}

func TestReportSuccess_InlineOutput(t *testing.T) {
	js := newMockJetStream()
	svc := newTestService(t, js, ServiceConfig{})

	req := validRequest().WithRunID("run-1").WithCorrelationID("corr-1")
	output := json.RawMessage(`[{"label":"main","tree":[{"path":[0],"items":[2,4]}]}]`)

	require.NoError(t, svc.ReportSuccess(context.Background(), req, output, 750*time.Millisecond))

	msg := js.lastPublished(t)
	assert.Equal(t, "result", msg.Subject)

	res, err := RunResultFromBytes(msg.Data)
	require.NoError(t, err)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, "flow-orders", res.FlowID)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "corr-1", res.CorrelationID)
	assert.Equal(t, "branchToBranch", res.Topology)
	assert.Equal(t, int64(750), res.DurationMs)
	assert.JSONEq(t, string(output), string(res.InlineOutput))
	assert.False(t, res.HasBlobReference())
	assert.Equal(t, len(output), res.OutputSize)
}

func TestReportSuccess_BlobOutput(t *testing.T) {
	js := newMockJetStream()
	store := newFakeBlobStore()
	svc := newTestService(t, js, ServiceConfig{})
	svc.SetBlobStorage(store)

	req := validRequest().WithRunID("run-big")
	output := oversizedTreeDoc(t)

	require.NoError(t, svc.ReportSuccess(context.Background(), req, output, time.Second))

	res, err := RunResultFromBytes(js.lastPublished(t).Data)
	require.NoError(t, err)
	assert.True(t, res.IsSuccess())
	assert.False(t, res.HasInlineOutput())
	require.True(t, res.HasBlobReference())
	assert.True(t, strings.Contains(res.BlobReference.URL, "runs/run-big/output-"))
	assert.Equal(t, len(output), res.BlobReference.SizeBytes)
	assert.Equal(t, len(output), res.OutputSize)
}

func TestReportSuccess_BlobOutputWithoutStoreFails(t *testing.T) {
	svc := newTestService(t, newMockJetStream(), ServiceConfig{})

	err := svc.ReportSuccess(context.Background(), validRequest(), oversizedTreeDoc(t), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob storage not initialized")
}

func TestReportSuccess_MissingMetadata(t *testing.T) {
	svc := newTestService(t, newMockJetStream(), ServiceConfig{})

	req := validRequest()
	req.RunID = ""

	err := svc.ReportSuccess(context.Background(), req, json.RawMessage(`[]`), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing run metadata")
}

func TestReportSuccess_PublishFailure(t *testing.T) {
	js := newMockJetStream()
	js.publishFailures = -1
	svc := newTestService(t, js, ServiceConfig{PublishMaxRetries: 1})

	err := svc.ReportSuccess(context.Background(), validRequest(), json.RawMessage(`[]`), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish result")
}

func TestReportError_Classification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCode      string
		wantType      string
		wantRetryable bool
	}{
		{
			name:          "script runtime failure",
			err:           &jstransform.ScriptError{Kind: jstransform.ErrorKindRuntime, Message: "boom"},
			wantCode:      "SCRIPT_RUNTIME",
			wantType:      "script",
			wantRetryable: false,
		},
		{
			name:          "script timeout",
			err:           &jstransform.ScriptError{Kind: jstransform.ErrorKindTimeout, Message: "interrupted"},
			wantCode:      "SCRIPT_TIMEOUT",
			wantType:      "script",
			wantRetryable: false,
		},
		{
			name:          "script engine fault",
			err:           &jstransform.ScriptError{Kind: jstransform.ErrorKindInternal, Message: "vm lost"},
			wantCode:      "SCRIPT_INTERNAL",
			wantType:      "script",
			wantRetryable: true,
		},
		{
			name: "script failure inside invocation",
			err: &engine.InvocationError{
				Path:      tree.NewPath(0, 1),
				ItemIndex: 2,
				Cause:     &jstransform.ScriptError{Kind: jstransform.ErrorKindRuntime, Message: "boom"},
			},
			wantCode:      "SCRIPT_RUNTIME",
			wantType:      "script",
			wantRetryable: false,
		},
		{
			name:          "cancelled run",
			err:           fmt.Errorf("%w: %v", engine.ErrRunCancelled, context.Canceled),
			wantCode:      "RUN_CANCELLED",
			wantType:      "cancelled",
			wantRetryable: true,
		},
		{
			name:          "invalid run configuration",
			err:           fmt.Errorf("%w: unknown topology", engine.ErrInvalidConfiguration),
			wantCode:      "INVALID_RUN",
			wantType:      "validation",
			wantRetryable: false,
		},
		{
			name:          "alignment ambiguity",
			err:           fmt.Errorf("%w: trees at {1} and {2}", engine.ErrAlignmentAmbiguity),
			wantCode:      "INVALID_RUN",
			wantType:      "validation",
			wantRetryable: false,
		},
		{
			name:          "validation error",
			err:           sdkerrors.NewValidationError("bad tree document", nil),
			wantCode:      sdkerrors.CodeValidation,
			wantType:      "validation",
			wantRetryable: false,
		},
		{
			name:          "storage error",
			err:           sdkerrors.NewStorageError("download failed", errors.New("503")),
			wantCode:      sdkerrors.CodeStorage,
			wantType:      "storage",
			wantRetryable: true,
		},
		{
			name:          "unknown error",
			err:           errors.New("something broke"),
			wantCode:      "INTERNAL_ERROR",
			wantType:      "internal",
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			js := newMockJetStream()
			svc := newTestService(t, js, ServiceConfig{})

			req := validRequest().WithRunID("run-1").WithCorrelationID("corr-1")
			require.NoError(t, svc.ReportError(context.Background(), req, tt.err))

			res, err := RunResultFromBytes(js.lastPublished(t).Data)
			require.NoError(t, err)
			assert.True(t, res.IsFailed())
			assert.Equal(t, "corr-1", res.CorrelationID)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.wantCode, res.Error.Code)
			assert.Equal(t, tt.wantType, res.Error.Type)
			assert.Equal(t, tt.wantRetryable, res.Error.Retryable)
			assert.Equal(t, tt.err.Error(), res.Error.Message)
		})
	}
}

func TestReportError_MissingRunID(t *testing.T) {
	svc := newTestService(t, newMockJetStream(), ServiceConfig{})

	req := validRequest()
	req.RunID = ""

	err := svc.ReportError(context.Background(), req, errors.New("boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing run_id")
}

func TestReportError_PublishFailure(t *testing.T) {
	js := newMockJetStream()
	js.publishFailures = -1
	svc := newTestService(t, js, ServiceConfig{PublishMaxRetries: 1})

	err := svc.ReportError(context.Background(), validRequest(), errors.New("boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish error result")
}
