package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/gdu-service/internal/gate"
	"github.com/kjstillabower/gdu-service/internal/observability"
)

// createBenchmarkRequest creates an HTTP request carrying a correlation id and logger.
func createBenchmarkRequest(method, path, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	ctx := observability.ContextWithCorrelationID(context.Background(), "bench-id")
	ctx = observability.ContextWithLogger(ctx, zap.NewNop())
	return req.WithContext(ctx)
}

func BenchmarkHandler_GetGDU_Success(b *testing.B) {
	handler := NewHandler(&mockGDUService{result: referenceResult()}, nil, nil, zap.NewNop())
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		handler.GetGDU(httptest.NewRecorder(), createBenchmarkRequest(http.MethodGet, referenceQuery, ""))
	}
}

func BenchmarkHandler_PostGDU_Success(b *testing.B) {
	handler := NewHandler(&mockGDUService{result: referenceResult()}, nil, nil, zap.NewNop())
	body := `{"start_date":"2020-08-18","end_date":"2021-04-19","lon":-96.80417,"lat":45.5948}`
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		handler.PostGDU(httptest.NewRecorder(), createBenchmarkRequest(http.MethodPost, "/gdu", body))
	}
}

func BenchmarkHandler_GetGDU_Exhausted(b *testing.B) {
	handler := NewHandler(&mockGDUService{err: gate.ErrStationsExhausted}, nil, nil, zap.NewNop())
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		handler.GetGDU(httptest.NewRecorder(), createBenchmarkRequest(http.MethodGet, referenceQuery, ""))
	}
}

func BenchmarkHandler_GetGDU_ValidationError(b *testing.B) {
	handler := NewHandler(&mockGDUService{}, nil, nil, zap.NewNop())
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		handler.GetGDU(httptest.NewRecorder(), createBenchmarkRequest(http.MethodGet, "/gdu?lon=1", ""))
	}
}

func BenchmarkRouter_GetGDU_RateLimited(b *testing.B) {
	handler := NewHandler(&mockGDUService{result: referenceResult()}, nil, nil, zap.NewNop())
	router := NewRouter(handler, zap.NewNop(), RouterConfig{Limiter: rate.NewLimiter(1, 1)})
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, referenceQuery, nil))
	}
}

func BenchmarkHandler_GetHealth(b *testing.B) {
	handler := NewHandler(&mockGDUService{}, nil, nil, zap.NewNop())
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		handler.GetHealth(httptest.NewRecorder(), createBenchmarkRequest(http.MethodGet, "/health", ""))
	}
}
