package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"goa.design/clue/log"
)

func TestKVSliceToClue(t *testing.T) {
	fielders := kvSliceToClue([]any{"a", 1, "b", "x"})
	assert.Equal(t, []log.Fielder{log.KV{K: "a", V: 1}, log.KV{K: "b", V: "x"}}, fielders)

	// Odd slices pair the trailing key with nil; non-string keys are skipped.
	fielders = kvSliceToClue([]any{"a", 1, "trailing"})
	assert.Equal(t, []log.Fielder{log.KV{K: "a", V: 1}, log.KV{K: "trailing", V: nil}}, fielders)
	assert.Empty(t, kvSliceToClue([]any{42, "v"}))
	assert.Empty(t, kvSliceToClue(nil))
}

func TestTagsToAttrs(t *testing.T) {
	attrs := tagsToAttrs([]string{"stream", "orders", "shard"})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("stream", "orders"),
		attribute.String("shard", ""),
	}, attrs)
	assert.Empty(t, tagsToAttrs(nil))
}

func TestKVSliceToAttrs(t *testing.T) {
	attrs := kvSliceToAttrs([]any{"s", "v", "i", 7, "i64", int64(8), "f", 1.5, "b", true, "other", struct{}{}})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("s", "v"),
		attribute.Int("i", 7),
		attribute.Int64("i64", 8),
		attribute.Float64("f", 1.5),
		attribute.Bool("b", true),
		attribute.String("other", ""),
	}, attrs)
}

func TestNoopImplementationsAreSafe(t *testing.T) {
	ctx := context.Background()

	logger := NewNoopLogger()
	logger.Debug(ctx, "m")
	logger.Error(ctx, "m", "k", "v")

	m := NewNoopMetrics()
	m.IncCounter("c", 1)
	m.RecordTimer("t", 0)
	m.RecordGauge("g", 0)

	tr := NewNoopTracer()
	sctx, span := tr.Start(ctx, "op")
	assert.Equal(t, ctx, sctx)
	span.AddEvent("e")
	span.RecordError(nil)
	span.End()
}
