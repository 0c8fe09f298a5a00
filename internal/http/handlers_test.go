package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/gdu-service/internal/gate"
	"github.com/kjstillabower/gdu-service/internal/health"
	"github.com/kjstillabower/gdu-service/internal/models"
	"github.com/kjstillabower/gdu-service/internal/stations"
	"github.com/kjstillabower/gdu-service/internal/validation"
)

type mockGDUService struct {
	result models.GduResult
	err    error
	got    validation.QueryInput
	calls  int
	block  chan struct{} // if set, ComputeRaw blocks until ctx.Done()
}

func (m *mockGDUService) ComputeRaw(ctx context.Context, in validation.QueryInput) (models.GduResult, error) {
	m.calls++
	m.got = in
	if m.block != nil {
		select {
		case <-ctx.Done():
			return models.GduResult{}, ctx.Err()
		case <-m.block:
		}
	}
	return m.result, m.err
}

func referenceResult() models.GduResult {
	return models.GduResult{
		DistanceKm:      16.728011,
		StationID:       "K8D3",
		CumulativeGDU:   1713.9054838,
		StartDate:       "2020-08-18",
		EndDate:         "2021-04-19",
		Longitude:       -96.80417,
		Latitude:        45.5948,
		BaseTemperature: 40,
		UpperThreshold:  86,
		DaysUsed:        245,
		DaysMissing:     0,
		StationsTried:   1,
	}
}

const referenceQuery = "/gdu?start_date=2020-08-18&end_date=2021-04-19&lon=-96.80417&lat=45.5948"

type errorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env
}

// TestHandler_GetGDU_Success verifies that GetGDU passes the query through and
// returns the result schema with 200.
func TestHandler_GetGDU_Success(t *testing.T) {
	// Arrange
	svc := &mockGDUService{result: referenceResult()}
	tracker := health.NewTracker(nil)
	handler := NewHandler(svc, tracker, nil, nil)

	// Act
	req := httptest.NewRequest(http.MethodGet, referenceQuery+"&base_temperature=50", nil)
	w := httptest.NewRecorder()
	handler.GetGDU(w, req)

	// Assert
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	want := validation.QueryInput{StartDate: "2020-08-18", EndDate: "2021-04-19", Lon: "-96.80417", Lat: "45.5948", Base: "50"}
	if svc.got != want {
		t.Errorf("service input = %+v, want %+v", svc.got, want)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"distance_km", "station_id", "cumulative_gdu", "start_date", "end_date", "lon", "lat"} {
		if _, ok := body[key]; !ok {
			t.Errorf("response missing %q", key)
		}
	}
	if body["station_id"] != "K8D3" {
		t.Errorf("station_id = %v", body["station_id"])
	}
	if _, total := tracker.ErrorRate(time.Minute); total != 1 {
		t.Errorf("tracked outcomes = %d, want 1", total)
	}
}

// TestHandler_GetGDU_MissingParams verifies that required fields are enforced
// before the service runs.
func TestHandler_GetGDU_MissingParams(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode string
		wantMsg  string
	}{
		{"no start", "/gdu?end_date=2021-04-19&lon=1&lat=2", "INVALID_DATE", "start_date is required"},
		{"no end", "/gdu?start_date=2021-04-19&lon=1&lat=2", "INVALID_DATE", "end_date is required"},
		{"no lon", "/gdu?start_date=2020-08-18&end_date=2021-04-19&lat=2", "INVALID_QUERY", "lon is required"},
		{"bad target", referenceQuery + "&target=HEAT", "INVALID_QUERY", "target must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockGDUService{}
			handler := NewHandler(svc, nil, nil, nil)

			w := httptest.NewRecorder()
			handler.GetGDU(w, httptest.NewRequest(http.MethodGet, tt.query, nil))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			env := decodeError(t, w)
			if env.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", env.Error.Code, tt.wantCode)
			}
			if !strings.Contains(env.Error.Message, tt.wantMsg) {
				t.Errorf("message = %q, want it to contain %q", env.Error.Message, tt.wantMsg)
			}
			if svc.calls != 0 {
				t.Error("service must not run for an incomplete query")
			}
		})
	}
}

// TestHandler_PostGDU_Body verifies that numbers and numeric strings are both
// accepted in the JSON body.
func TestHandler_PostGDU_Body(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantIn   validation.QueryInput
	}{
		{
			name:     "numbers",
			body:     `{"start_date":"2020-08-18","end_date":"2021-04-19","lon":-96.80417,"lat":45.5948,"target":"GDU"}`,
			wantCode: http.StatusOK,
			wantIn:   validation.QueryInput{StartDate: "2020-08-18", EndDate: "2021-04-19", Lon: "-96.80417", Lat: "45.5948"},
		},
		{
			name:     "strings with thresholds",
			body:     `{"start_date":"2020-08-18","end_date":"2021-04-19","lon":" -96.8 ","lat":"45.6","base_temperature":50,"upper_threshold":"90"}`,
			wantCode: http.StatusOK,
			wantIn:   validation.QueryInput{StartDate: "2020-08-18", EndDate: "2021-04-19", Lon: "-96.8", Lat: "45.6", Base: "50", Upper: "90"},
		},
		{
			name:     "boolean coordinate",
			body:     `{"start_date":"2020-08-18","end_date":"2021-04-19","lon":true,"lat":45.6}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "not json",
			body:     `start_date=2020-08-18`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockGDUService{result: referenceResult()}
			handler := NewHandler(svc, nil, nil, nil)

			w := httptest.NewRecorder()
			handler.PostGDU(w, httptest.NewRequest(http.MethodPost, "/gdu", strings.NewReader(tt.body)))

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d; body %s", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantCode == http.StatusOK && svc.got != tt.wantIn {
				t.Errorf("service input = %+v, want %+v", svc.got, tt.wantIn)
			}
			if tt.wantCode == http.StatusBadRequest {
				if env := decodeError(t, w); env.Error.Code != "INVALID_BODY" {
					t.Errorf("code = %q, want INVALID_BODY", env.Error.Code)
				}
			}
		})
	}
}

// TestHandler_GDU_ServiceErrors verifies the error-to-status mapping and
// which failures count against the error rate.
func TestHandler_GDU_ServiceErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		countsError bool
	}{
		{"date", &validation.DateParseError{Field: "end_date", Value: "2020-01-01", Reason: "must be after start_date"}, http.StatusBadRequest, "INVALID_DATE", false},
		{"coordinates", fmt.Errorf("%w: lat", validation.ErrInvalidCoordinates), http.StatusBadRequest, "INVALID_QUERY", false},
		{"thresholds", validation.ErrInvalidThresholds, http.StatusBadRequest, "INVALID_QUERY", false},
		{"exhausted", fmt.Errorf("select station series: %w", gate.ErrStationsExhausted), http.StatusUnprocessableEntity, "STATIONS_EXHAUSTED", false},
		{"directory", fmt.Errorf("locate stations: %w", stations.ErrDirectoryUnavailable), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", true},
		{"no stations", stations.ErrNoStations, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", true},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT", true},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := health.NewTracker(nil)
			handler := NewHandler(&mockGDUService{err: tt.err}, tracker, nil, nil)

			w := httptest.NewRecorder()
			handler.GetGDU(w, httptest.NewRequest(http.MethodGet, referenceQuery, nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if env := decodeError(t, w); env.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", env.Error.Code, tt.wantCode)
			}
			errs, total := tracker.ErrorRate(time.Minute)
			if total != 1 || (errs == 1) != tt.countsError {
				t.Errorf("ErrorRate() = (%d, %d), countsError %v", errs, total, tt.countsError)
			}
		})
	}
}

// TestHandler_GDU_RequestIDInEnvelope verifies that errors carry the correlation id.
func TestHandler_GDU_RequestIDInEnvelope(t *testing.T) {
	handler := NewHandler(&mockGDUService{err: gate.ErrStationsExhausted}, nil, nil, nil)
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/gdu", handler.GetGDU).Methods(http.MethodGet)

	req := httptest.NewRequest(http.MethodGet, referenceQuery, nil)
	req.Header.Set("X-Correlation-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if env := decodeError(t, w); env.Error.RequestID != "req-123" {
		t.Errorf("requestId = %q, want req-123", env.Error.RequestID)
	}
}

func getHealth(t *testing.T, handler *Handler) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	handler.GetHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, body
}

func TestHandler_GetHealth(t *testing.T) {
	handler := NewHandler(&mockGDUService{}, nil, nil, nil)

	code, body := getHealth(t, handler)

	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body["status"] != "healthy" || body["service"] != "gdu-service" || body["version"] != "dev" {
		t.Errorf("body = %v", body)
	}
	checks, _ := body["checks"].(map[string]interface{})
	if checks["climateApi"] != "healthy" {
		t.Errorf("checks = %v", checks)
	}
	if _, ok := checks["cache"]; ok {
		t.Error("cache check reported without a ping probe")
	}
}

// TestHandler_GetHealth_States verifies each status and its HTTP code.
func TestHandler_GetHealth_States(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(tr *health.Tracker, clock *clockwork.FakeClock)
		cfg        HealthConfig
		wantStatus string
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name:       "shutting down",
			setup:      func(tr *health.Tracker, _ *clockwork.FakeClock) { tr.SetShuttingDown(true) },
			wantStatus: "shutting-down",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "breaker open",
			cfg:        HealthConfig{BreakerOpen: func() bool { return true }},
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"climateApi": "unhealthy"},
		},
		{
			name: "error rate",
			setup: func(tr *health.Tracker, _ *clockwork.FakeClock) {
				tr.RecordError()
				tr.RecordError()
				tr.RecordSuccess()
			},
			cfg:        HealthConfig{Thresholds: health.Thresholds{DegradedWindow: time.Minute, DegradedErrorPct: 50}},
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name: "overloaded",
			setup: func(tr *health.Tracker, _ *clockwork.FakeClock) {
				for i := 0; i < 20; i++ {
					tr.RecordDenied()
				}
			},
			cfg:        HealthConfig{Thresholds: health.Thresholds{OverloadWindow: 10 * time.Second, OverloadThresholdPct: 100, RateLimitRPS: 1}},
			wantStatus: "overloaded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:  "idle",
			setup: func(_ *health.Tracker, clock *clockwork.FakeClock) { clock.Advance(time.Hour) },
			cfg: HealthConfig{Thresholds: health.Thresholds{
				IdleWindow: time.Minute, IdleThresholdReqPerMin: 1, MinimumLifespan: time.Minute,
			}},
			wantStatus: "idle",
			wantCode:   http.StatusOK,
		},
		{
			name:       "cache unreachable",
			cfg:        HealthConfig{CachePing: func() error { return errors.New("dial") }},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"cache": "unhealthy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			tracker := health.NewTracker(clock)
			if tt.setup != nil {
				tt.setup(tracker, clock)
			}
			cfg := tt.cfg
			handler := NewHandler(&mockGDUService{}, tracker, &cfg, nil)

			code, body := getHealth(t, handler)

			if code != tt.wantCode || body["status"] != tt.wantStatus {
				t.Errorf("GetHealth() = %d %v, want %d %s", code, body["status"], tt.wantCode, tt.wantStatus)
			}
			checks, _ := body["checks"].(map[string]interface{})
			for k, v := range tt.wantChecks {
				if checks[k] != v {
					t.Errorf("checks[%s] = %v, want %s", k, checks[k], v)
				}
			}
		})
	}
}

// TestHandler_GetHealth_LogsTransition verifies that GetHealth logs status
// transitions only when the status changes.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	// Arrange
	core, logs := observer.New(zap.DebugLevel)
	tracker := health.NewTracker(clockwork.NewFakeClock())
	cfg := &HealthConfig{Thresholds: health.Thresholds{DegradedWindow: time.Minute, DegradedErrorPct: 50}}
	handler := NewHandler(&mockGDUService{}, tracker, cfg, zap.New(core))

	// Act: first call establishes the previous status
	tracker.RecordSuccess()
	tracker.RecordSuccess()
	if code, _ := getHealth(t, handler); code != http.StatusOK {
		t.Fatalf("first GetHealth status = %d, want 200", code)
	}
	if logs.Len() != 0 {
		t.Fatalf("first call should not log transition; got %d logs", logs.Len())
	}

	// Act: breach the error threshold
	tracker.RecordError()
	tracker.RecordError()
	if code, _ := getHealth(t, handler); code != http.StatusServiceUnavailable {
		t.Fatalf("second GetHealth status = %d, want 503", code)
	}

	// Assert
	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "error_rate_breach" {
		t.Errorf("transition fields = %v", fields)
	}

	// Act: unchanged status does not log again
	getHealth(t, handler)
	if logs.Len() != 1 {
		t.Errorf("unchanged status should not log; total logs = %d, want 1", logs.Len())
	}
}

func TestParam_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    param
		wantErr bool
	}{
		{`"45.5948"`, "45.5948", false},
		{`45.5948`, "45.5948", false},
		{`-96.80417`, "-96.80417", false},
		{`null`, "", false},
		{`" 2021-04-19 "`, "2021-04-19", false},
		{`[1]`, "", true},
		{`false`, "", true},
	}
	for _, tt := range tests {
		var p param
		err := json.Unmarshal([]byte(tt.in), &p)
		if (err != nil) != tt.wantErr {
			t.Errorf("Unmarshal(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && p != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, p, tt.want)
		}
	}
}
