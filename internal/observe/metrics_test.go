package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestRecordAttempt(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAttempt(ctx, "elevenlabs", "tts", "failure", 200*time.Millisecond)
	m.RecordAttempt(ctx, "openai", "tts", "success", 300*time.Millisecond)
	m.RecordAttempt(ctx, "openai", "tts", "success", 100*time.Millisecond)

	rm := collect(t, reader)
	got := findMetric(rm, "voice.provider.attempts")
	if got == nil {
		t.Fatal("attempt counter not found")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", got.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 || len(sum.DataPoints) != 2 {
		t.Fatalf("expected 3 attempts across 2 series, got %d across %d", total, len(sum.DataPoints))
	}

	hist := findMetric(rm, "voice.provider.attempt.duration")
	if hist == nil {
		t.Fatal("attempt histogram not found")
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.SessionOpened(ctx)
	m.SessionOpened(ctx)
	m.SessionClosed(ctx)

	got := findMetric(collect(t, reader), "voice.sessions.active")
	if got == nil {
		t.Fatal("active sessions not found")
	}
	sum := got.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("expected 1 active session, got %+v", sum.DataPoints)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordAttempt(ctx, "x", "tts", "success", time.Second)
	m.RecordCost(ctx, "x", "tts", 1)
	m.SessionOpened(ctx)
	m.SessionClosed(ctx)
	m.RecordReaped(ctx, 2)
	m.RecordWebhook(ctx, "twilio", "processed")
}

func TestGinMiddleware_UsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, reader := newTestMetrics(t)

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.GET("/v1/sessions/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil))

	got := findMetric(collect(t, reader), "voice.http.request.duration")
	if got == nil {
		t.Fatal("http duration not found")
	}
	hist := got.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("expected one series, got %d", len(hist.DataPoints))
	}
	route, ok := hist.DataPoints[0].Attributes.Value("route")
	if !ok || route.AsString() != "/v1/sessions/:id" {
		t.Fatalf("expected route template label, got %v", route.AsString())
	}
}
