package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func spanAttrs(sr *tracetest.SpanRecorder, name string) map[attribute.Key]attribute.Value {
	for _, s := range sr.Ended() {
		if s.Name() != name {
			continue
		}
		out := make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes() {
			out[kv.Key] = kv.Value
		}
		return out
	}
	return nil
}

func TestUnitSpansCarryDomainAndTab(t *testing.T) {
	sr := recordSpans(t)
	h := newHarness(t, 1)

	h.navigate(t, 7, "https://www.shop.example/checkout")
	_, err := h.svc.HandleDOMSignal(h.ctx, DOMEvent{TabID: 7, Signal: "dom_payment_field"})
	require.NoError(t, err)

	var nav, dom map[attribute.Key]attribute.Value
	require.Eventually(t, func() bool {
		nav = spanAttrs(sr, "engine.navigation")
		dom = spanAttrs(sr, "engine.dom_signal")
		return nav != nil && dom != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "shop.example", nav["domain"].AsString())
	assert.Equal(t, int64(7), nav["tab.id"].AsInt64())
	assert.Equal(t, "transaction", nav["activity.level"].AsString())
	assert.Equal(t, "navigation", nav["queue.unit"].AsString())

	assert.Equal(t, "shop.example", dom["domain"].AsString())
	assert.Equal(t, int64(7), dom["tab.id"].AsInt64())
	assert.Equal(t, "transaction", dom["activity.level"].AsString())
}
