package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/shardflow/batch"
	cpinmem "goa.design/shardflow/checkpoint/inmem"
	dlinmem "goa.design/shardflow/deadletter/inmem"
	"goa.design/shardflow/esm"
	"goa.design/shardflow/host"
	"goa.design/shardflow/stream"
	"goa.design/shardflow/task"
	"goa.design/shardflow/telemetry"
)

type env struct {
	store *cpinmem.Store
	dmq   *dlinmem.Publisher
	drq   *dlinmem.Publisher

	mu        sync.Mutex
	processed []string
}

func (e *env) record(seq string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed = append(e.processed, seq)
}

func (e *env) order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.processed...)
}

func extractJSON(_ context.Context, rec *stream.Record, _ *stream.UserRecord) ([]stream.Message, error) {
	var msg stream.Message
	if err := json.Unmarshal(rec.Data, &msg); err != nil {
		return nil, fmt.Errorf("decode record payload: %w", err)
	}
	return []stream.Message{msg}, nil
}

func (e *env) settings(remaining time.Duration) Settings {
	return Settings{
		StreamType:         stream.Kinesis,
		ConsumerID:         "orders-consumer",
		SequencingPerKey:   true,
		KeyPropertyNames:   []string{"k"},
		SeqNoPropertyNames: []string{"seq"},
		Runtime:            &host.FixedRuntime{RemainingTime: remaining},
		Store:              e.store,
		DeadMessages:       e.dmq,
		DeadRecords:        e.drq,
	}
}

func newEnv() *env {
	return &env{store: cpinmem.New(), dmq: dlinmem.New(), drq: dlinmem.New()}
}

func jsonRecord(seq int, payload string) *stream.Record {
	return &stream.Record{
		EventID:        fmt.Sprintf("shardId-000000000000:%d", seq),
		EventSeqNo:     fmt.Sprintf("%d", seq),
		EventSourceARN: "arn:aws:kinesis:us-east-1:123456789012:stream/orders",
		Data:           []byte(payload),
	}
}

func TestProcessRecordsEmptyBatch(t *testing.T) {
	e := newEnv()
	c, err := New(e.settings(time.Minute), Callbacks{
		ExtractMessages: extractJSON,
		ProcessOne:      []*task.Template{{Name: "handle", Execute: func(context.Context, *task.Task) (any, error) { return nil, nil }}},
	})
	require.NoError(t, err)
	require.NoError(t, c.ProcessRecords(context.Background(), nil))
	assert.Equal(t, 0, e.store.Len())
}

func TestProcessRecordsSameKeyReversedOrder(t *testing.T) {
	e := newEnv()
	c, err := New(e.settings(time.Minute), Callbacks{
		ExtractMessages: extractJSON,
		ProcessOne: []*task.Template{{Name: "handle", Execute: func(_ context.Context, tk *task.Task) (any, error) {
			ms := tk.Item().(*batch.MessageState)
			e.record(fmt.Sprintf("%v", ms.Message()["seq"]))
			return nil, nil
		}}},
	})
	require.NoError(t, err)

	records := []*stream.Record{
		jsonRecord(1, `{"k":"K1","seq":3}`),
		jsonRecord(2, `{"k":"K1","seq":1}`),
		jsonRecord(3, `{"k":"K1","seq":2}`),
	}
	require.NoError(t, c.ProcessRecords(context.Background(), records))

	// The chain runs in sequence order regardless of arrival order.
	assert.Equal(t, []string{"1", "2", "3"}, e.order())
	assert.Equal(t, 1, e.store.Len())
	assert.Empty(t, e.dmq.Envelopes())
	assert.Empty(t, e.drq.Envelopes())
}

func TestProcessRecordsDistinctKeys(t *testing.T) {
	e := newEnv()
	c, err := New(e.settings(time.Minute), Callbacks{
		ExtractMessages: extractJSON,
		ProcessOne: []*task.Template{{Name: "handle", Execute: func(_ context.Context, tk *task.Task) (any, error) {
			ms := tk.Item().(*batch.MessageState)
			e.record(ms.Identity().Key)
			return nil, nil
		}}},
	})
	require.NoError(t, err)

	records := []*stream.Record{
		jsonRecord(1, `{"k":"A","seq":1}`),
		jsonRecord(2, `{"k":"B","seq":1}`),
	}
	require.NoError(t, c.ProcessRecords(context.Background(), records))
	assert.ElementsMatch(t, []string{"k:A", "k:B"}, e.order())
}

func TestProcessRecordsUnusableRecord(t *testing.T) {
	e := newEnv()
	c, err := New(e.settings(time.Minute), Callbacks{
		ExtractMessages: extractJSON,
		ProcessOne: []*task.Template{{Name: "handle", Execute: func(context.Context, *task.Task) (any, error) {
			return nil, nil
		}}},
	})
	require.NoError(t, err)

	records := []*stream.Record{
		jsonRecord(1, `{"k":"A","seq":1}`),
		jsonRecord(2, `not json at all`),
		jsonRecord(3, `{"k":"A","seq":2}`),
	}
	require.NoError(t, c.ProcessRecords(context.Background(), records))

	envs := e.drq.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "unusableRecord", envs[0].Kind)
	assert.Contains(t, envs[0].Reason, "decode record payload")
	assert.Equal(t, []byte(`not json at all`), envs[0].Data)
}

func TestProcessRecordsRetryExhaustion(t *testing.T) {
	e := newEnv()
	settings := e.settings(time.Minute)
	settings.MaxNumberOfAttempts = 2
	c, err := New(settings, Callbacks{
		ExtractMessages: extractJSON,
		ProcessOne: []*task.Template{{Name: "handle", Execute: func(context.Context, *task.Task) (any, error) {
			return nil, errors.New("downstream is broken")
		}}},
	})
	require.NoError(t, err)

	records := []*stream.Record{jsonRecord(1, `{"k":"A","seq":1}`)}

	// First invocation: the failure leaves the batch incomplete so the host
	// must redeliver.
	require.Error(t, c.ProcessRecords(context.Background(), records))
	assert.Empty(t, e.dmq.Envelopes())

	// Second invocation: the attempt cap is reached, the task is discarded,
	// the message moves to rejected and is dead-lettered, and the batch is
	// acknowledged.
	require.NoError(t, c.ProcessRecords(context.Background(), records))
	envs := e.dmq.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "rejectedMessage", envs[0].Kind)

	// A dead-lettered item never comes back.
	require.NoError(t, c.ProcessRecords(context.Background(), records))
	assert.Len(t, e.dmq.Envelopes(), 1)
}

func TestProcessRecordsProcessPhaseTimeout(t *testing.T) {
	e := newEnv()
	var calls atomic.Int32
	c, err := New(e.settings(200*time.Millisecond), Callbacks{
		ExtractMessages: extractJSON,
		ProcessOne: []*task.Template{{Name: "handle", Execute: func(ctx context.Context, _ *task.Task) (any, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return nil, nil
		}}},
	})
	require.NoError(t, err)

	records := []*stream.Record{jsonRecord(1, `{"k":"A","seq":1}`)}

	// First invocation: the callback outlives the phase deadline; the state
	// is still checkpointed and the invocation fails for redelivery.
	require.Error(t, c.ProcessRecords(context.Background(), records))
	assert.Equal(t, 1, e.store.Len())

	// Redelivery resumes and completes; the interrupted attempt did not
	// consume the retry budget.
	e2 := e.settings(time.Minute)
	e2.MaxNumberOfAttempts = 1
	c2, err := New(e2, Callbacks{
		ExtractMessages: extractJSON,
		ProcessOne: []*task.Template{{Name: "handle", Execute: func(context.Context, *task.Task) (any, error) {
			return nil, nil
		}}},
	})
	require.NoError(t, err)
	require.NoError(t, c2.ProcessRecords(context.Background(), records))
	assert.Empty(t, e.dmq.Envelopes())
}

func TestProcessRecordsFullyFinalisedReplayDoesNoWork(t *testing.T) {
	e := newEnv()
	c, err := New(e.settings(time.Minute), Callbacks{
		ExtractMessages: extractJSON,
		ProcessOne: []*task.Template{{Name: "handle", Execute: func(_ context.Context, tk *task.Task) (any, error) {
			ms := tk.Item().(*batch.MessageState)
			e.record(fmt.Sprintf("%v", ms.Message()["seq"]))
			return nil, nil
		}}},
	})
	require.NoError(t, err)

	records := []*stream.Record{jsonRecord(1, `{"k":"A","seq":1}`)}
	require.NoError(t, c.ProcessRecords(context.Background(), records))
	require.Equal(t, []string{"1"}, e.order())

	// Redelivering a fully finalised batch acknowledges without invoking
	// any callback again.
	require.NoError(t, c.ProcessRecords(context.Background(), records))
	assert.Equal(t, []string{"1"}, e.order())
}

func TestProcessRecordsMasterTaskMirrorsToMessages(t *testing.T) {
	e := newEnv()
	c, err := New(e.settings(time.Minute), Callbacks{
		ExtractMessages: extractJSON,
		ProcessAll: []*task.Template{{Name: "aggregate", Execute: func(_ context.Context, tk *task.Task) (any, error) {
			b := tk.Item().(*batch.Batch)
			e.record(fmt.Sprintf("batch of %d", len(b.Messages())))
			return nil, nil
		}}},
	})
	require.NoError(t, err)

	records := []*stream.Record{
		jsonRecord(1, `{"k":"A","seq":1}`),
		jsonRecord(2, `{"k":"B","seq":1}`),
	}
	require.NoError(t, c.ProcessRecords(context.Background(), records))
	assert.Equal(t, []string{"batch of 2"}, e.order())
}

type fakeControlPlane struct {
	mu       sync.Mutex
	disabled []string
}

func (f *fakeControlPlane) ListMappings(context.Context, string) ([]*esm.Mapping, error) {
	return []*esm.Mapping{
		{UUID: "esm-1", EventSourceARN: "arn:aws:kinesis:us-east-1:123456789012:stream/orders", Enabled: true},
		{UUID: "esm-2", EventSourceARN: "arn:aws:kinesis:us-east-1:123456789012:stream/other", Enabled: true},
	}, nil
}

func (f *fakeControlPlane) DisableMapping(_ context.Context, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = append(f.disabled, uuid)
	return nil
}

func TestFatalErrorDisablesEventSourceBinding(t *testing.T) {
	e := newEnv()
	cp := &fakeControlPlane{}
	settings := e.settings(time.Minute)
	settings.ControlPlane = cp
	c, err := New(settings, Callbacks{
		ExtractMessages: extractJSON,
		ProcessOne: []*task.Template{{Name: "handle", Execute: func(context.Context, *task.Task) (any, error) {
			return nil, nil
		}}},
		// A post-finalise hook surfacing a fatal error triggers the
		// escape hatch.
		PostFinalise: func(context.Context, *batch.Batch) error {
			return &task.FinalisedError{Name: "handle", State: task.Completed, Attempted: task.Failed}
		},
	})
	require.NoError(t, err)

	records := []*stream.Record{jsonRecord(1, `{"k":"A","seq":1}`)}
	err = c.ProcessRecords(context.Background(), records)
	require.Error(t, err)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	// Only the binding reading from the batch's source stream is disabled.
	assert.Equal(t, []string{"esm-1"}, cp.disabled)
}

func TestConsumerIDDerivedFromHostIdentity(t *testing.T) {
	e := newEnv()
	settings := e.settings(time.Minute)
	settings.ConsumerID = ""
	settings.ConsumerIDSuffix = "blue"
	settings.Runtime = &host.FixedRuntime{
		RemainingTime: time.Minute,
		Ident:         host.Identity{FunctionName: "orders-fn", Alias: "live"},
	}
	c, err := New(settings, Callbacks{
		ExtractMessages: extractJSON,
		ProcessOne: []*task.Template{{Name: "handle", Execute: func(context.Context, *task.Task) (any, error) {
			return nil, nil
		}}},
	})
	require.NoError(t, err)

	records := []*stream.Record{jsonRecord(1, `{"k":"A","seq":1}`)}
	require.NoError(t, c.ProcessRecords(context.Background(), records))

	key := batch.Key{
		StreamConsumerID: "K|orders|orders-fn:live:blue",
		ShardOrEventID:   "S|shardId-000000000000",
	}
	it, err := e.store.Load(context.Background(), key)
	require.NoError(t, err)
	assert.NotNil(t, it)
}

func TestSettingsValidate(t *testing.T) {
	e := newEnv()
	base := e.settings(time.Minute)

	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"unknown stream type", func(s *Settings) { s.StreamType = "sqs" }},
		{"missing runtime", func(s *Settings) { s.Runtime = nil }},
		{"missing store", func(s *Settings) { s.Store = nil }},
		{"percentage out of range", func(s *Settings) { s.TimeoutAtPercentageOfRemainingTime = 1.5 }},
		{"negative attempts", func(s *Settings) { s.MaxNumberOfAttempts = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := base
			tc.mutate(&s)
			_, err := New(s, Callbacks{
				ExtractMessages: extractJSON,
				ProcessOne:      []*task.Template{{Name: "handle", Execute: func(context.Context, *task.Task) (any, error) { return nil, nil }}},
			})
			require.Error(t, err)
		})
	}

	_, err := New(base, Callbacks{})
	require.Error(t, err) // missing extract callback
	_, err = New(base, Callbacks{ExtractMessages: extractJSON})
	require.Error(t, err) // no task templates at all
}

// recordingTracer captures span names so tests can assert the invocation and
// phase spans are emitted.
type recordingTracer struct {
	mu    sync.Mutex
	spans []string
}

type recordingSpan struct{}

func (r *recordingTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, name)
	return ctx, recordingSpan{}
}

func (r *recordingTracer) Span(context.Context) telemetry.Span { return recordingSpan{} }

func (r *recordingTracer) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.spans...)
}

func (recordingSpan) End(...trace.SpanEndOption)           {}
func (recordingSpan) AddEvent(string, ...any)              {}
func (recordingSpan) SetStatus(codes.Code, string)         {}
func (recordingSpan) RecordError(error, ...trace.EventOption) {}

// recordingMetrics captures gauge names alongside the no-op counters/timers.
type recordingMetrics struct {
	telemetry.NoopMetrics

	mu     sync.Mutex
	gauges map[string]float64
}

func (m *recordingMetrics) RecordGauge(name string, value float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges == nil {
		m.gauges = map[string]float64{}
	}
	m.gauges[name] = value
}

func TestProcessRecordsEmitsSpansAndGauges(t *testing.T) {
	e := newEnv()
	tracer := &recordingTracer{}
	metrics := &recordingMetrics{}
	settings := e.settings(time.Minute)
	settings.Tracer = tracer
	settings.Metrics = metrics

	c, err := New(settings, Callbacks{
		ExtractMessages: extractJSON,
		ProcessOne:      []*task.Template{{Name: "handle", Execute: func(context.Context, *task.Task) (any, error) { return nil, nil }}},
	})
	require.NoError(t, err)
	require.NoError(t, c.ProcessRecords(context.Background(), []*stream.Record{
		jsonRecord(1, `{"k":"K1","seq":1}`),
	}))

	names := tracer.names()
	assert.Contains(t, names, "shardflow.process_records")
	assert.Contains(t, names, "shardflow.phase.initiating")
	assert.Contains(t, names, "shardflow.phase.processing")
	assert.Contains(t, names, "shardflow.phase.finalising")

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1.0, metrics.gauges["shardflow.batch.messages"])
}
