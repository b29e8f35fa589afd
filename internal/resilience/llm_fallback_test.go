package resilience

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/aihub/voice/internal/observe"
	"github.com/aihub/voice/pkg/provider/llm"
	llmmock "github.com/aihub/voice/pkg/provider/llm/mock"
)

var testReq = llm.CompletionRequest{
	Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "hi"}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), testReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("Content = %q, want hi", resp.Content)
	}
	if primary.CompleteCallCount() != 1 || secondary.CompleteCallCount() != 1 {
		t.Errorf("calls primary=%d secondary=%d", primary.CompleteCallCount(), secondary.CompleteCallCount())
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewLLMFallback(&llmmock.Provider{CompleteErr: errors.New("a")}, "a", FallbackConfig{})
	fb.AddFallback("b", &llmmock.Provider{CompleteErr: errors.New("b")})

	_, err := fb.Complete(context.Background(), testReq)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_StreamCompletion_Failover(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{StreamErr: errors.New("primary down")}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hello"},
		{Text: " there.", FinishReason: "stop"},
	}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), testReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "Hello there." {
		t.Errorf("text = %q", text)
	}
}

func TestLLMFallback_RecordsProviderMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	fb := NewLLMFallback(&llmmock.Provider{CompleteErr: errors.New("down")}, "primary", FallbackConfig{Metrics: met})
	fb.AddFallback("secondary", &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}})

	if _, err := fb.Complete(context.Background(), testReq); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	requests := map[string]int64{}
	var errorsTotal int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				switch m.Name {
				case "aihub.provider.requests":
					p, _ := dp.Attributes.Value("provider")
					s, _ := dp.Attributes.Value("status")
					k, _ := dp.Attributes.Value("kind")
					if k.AsString() != "llm" {
						t.Errorf("kind = %q, want llm", k.AsString())
					}
					requests[p.AsString()+"/"+s.AsString()] += dp.Value
				case "aihub.provider.errors":
					errorsTotal += dp.Value
				}
			}
		}
	}
	if requests["primary/error"] != 1 || requests["secondary/ok"] != 1 {
		t.Errorf("requests = %v", requests)
	}
	if errorsTotal != 1 {
		t.Errorf("provider errors = %d, want 1", errorsTotal)
	}
}
