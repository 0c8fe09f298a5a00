package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kjstillabower/gdu-service/internal/gate"
	"github.com/kjstillabower/gdu-service/internal/health"
	"github.com/kjstillabower/gdu-service/internal/models"
	"github.com/kjstillabower/gdu-service/internal/observability"
	"github.com/kjstillabower/gdu-service/internal/stations"
	"github.com/kjstillabower/gdu-service/internal/validation"
)

// maxBodyBytes caps POST /gdu bodies.
const maxBodyBytes = 1 << 20

// GDUComputer runs one query (see service.GDUService).
type GDUComputer interface {
	ComputeRaw(ctx context.Context, in validation.QueryInput) (models.GduResult, error)
}

// HealthConfig holds thresholds and optional probes for the health handler.
type HealthConfig struct {
	Thresholds health.Thresholds
	// BreakerOpen, when set, reports whether the climate API breaker is open.
	BreakerOpen func() bool
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	Version   string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	gduService   GDUComputer
	tracker      *health.Tracker
	healthConfig *HealthConfig
	logger       *zap.Logger
	validate     *validator.Validate

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. A nil tracker gets a private one.
func NewHandler(gduService GDUComputer, tracker *health.Tracker, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if tracker == nil {
		tracker = health.NewTracker(nil)
	}
	if healthConfig == nil {
		healthConfig = &HealthConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		gduService:   gduService,
		tracker:      tracker,
		healthConfig: healthConfig,
		logger:       logger,
		validate:     newValidator(),
	}
}

// param is a query field given as a JSON string or number; its text is kept
// so parsing and range checks stay in one place.
type param string

func (p *param) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*p = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = param(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("want string or number, got %s", raw)
	}
	*p = param(n.String())
	return nil
}

// gduRequest is the query accepted by GET and POST /gdu.
type gduRequest struct {
	StartDate       param  `json:"start_date" validate:"required"`
	EndDate         param  `json:"end_date" validate:"required"`
	Lon             param  `json:"lon" validate:"required"`
	Lat             param  `json:"lat" validate:"required"`
	BaseTemperature param  `json:"base_temperature"`
	UpperThreshold  param  `json:"upper_threshold"`
	Target          string `json:"target" validate:"omitempty,oneof=GDU gdu"`
}

func (r gduRequest) input() validation.QueryInput {
	return validation.QueryInput{
		StartDate: string(r.StartDate),
		EndDate:   string(r.EndDate),
		Lon:       string(r.Lon),
		Lat:       string(r.Lat),
		Base:      string(r.BaseTemperature),
		Upper:     string(r.UpperThreshold),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// GetGDU handles GET /gdu?start_date=&end_date=&lon=&lat=[&base_temperature=&upper_threshold=].
func (h *Handler) GetGDU(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := gduRequest{
		StartDate:       param(strings.TrimSpace(q.Get("start_date"))),
		EndDate:         param(strings.TrimSpace(q.Get("end_date"))),
		Lon:             param(strings.TrimSpace(q.Get("lon"))),
		Lat:             param(strings.TrimSpace(q.Get("lat"))),
		BaseTemperature: param(strings.TrimSpace(q.Get("base_temperature"))),
		UpperThreshold:  param(strings.TrimSpace(q.Get("upper_threshold"))),
		Target:          strings.TrimSpace(q.Get("target")),
	}
	h.serveGDU(w, r, req)
}

// PostGDU handles POST /gdu with a JSON body carrying the same fields.
func (h *Handler) PostGDU(w http.ResponseWriter, r *http.Request) {
	var req gduRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be a JSON object: "+err.Error())
		return
	}
	h.serveGDU(w, r, req)
}

func (h *Handler) serveGDU(w http.ResponseWriter, r *http.Request, req gduRequest) {
	if err := h.validate.Struct(req); err != nil {
		code, message := describeValidation(err)
		writeError(w, r, http.StatusBadRequest, code, message)
		return
	}

	result, err := h.gduService.ComputeRaw(r.Context(), req.input())
	if err != nil {
		status, _, _ := classify(err)
		if status >= http.StatusInternalServerError {
			h.tracker.RecordError()
		} else {
			h.tracker.RecordSuccess()
		}
		writeServiceError(w, r, err)
		return
	}
	h.tracker.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// describeValidation turns validator errors into an error code and message.
// Missing dates are date errors like any other unusable date.
func describeValidation(err error) (string, string) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "INVALID_QUERY", err.Error()
	}
	code := "INVALID_QUERY"
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "oneof":
			parts = append(parts, fe.Field()+" must be one of: "+fe.Param())
		default:
			parts = append(parts, fe.Field()+" failed "+fe.Tag())
		}
		if fe.Field() == "start_date" || fe.Field() == "end_date" {
			code = "INVALID_DATE"
		}
	}
	return code, strings.Join(parts, "; ")
}

// classify maps a query error to status, error code and client-facing message.
func classify(err error) (int, string, string) {
	var dpe *validation.DateParseError
	switch {
	case errors.As(err, &dpe):
		return http.StatusBadRequest, "INVALID_DATE", dpe.Error()
	case errors.Is(err, validation.ErrInvalidCoordinates), errors.Is(err, validation.ErrInvalidThresholds):
		return http.StatusBadRequest, "INVALID_QUERY", err.Error()
	case errors.Is(err, gate.ErrStationsExhausted):
		return http.StatusUnprocessableEntity, "STATIONS_EXHAUSTED", "No nearby station has sufficient data for the requested range"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Query did not complete in time"
	case errors.Is(err, stations.ErrDirectoryUnavailable), errors.Is(err, stations.ErrNoStations):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch station data"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "Unable to compute growing degree units"
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"climateApi": "healthy"}
	if h.breakerOpen() {
		checks["climateApi"] = "unhealthy"
	}
	if h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	version := h.healthConfig.Version
	if version == "" {
		version = "dev"
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "gdu-service",
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates the tracker and maps the status to an HTTP code.
// shutting-down, degraded and overloaded answer 503 so load balancers drain the instance.
func (h *Handler) computeHealthStatus() healthResult {
	res := h.tracker.Evaluate(h.healthConfig.Thresholds, h.breakerOpen())
	code := http.StatusOK
	switch res.Status {
	case health.StatusShuttingDown, health.StatusDegraded, health.StatusOverloaded:
		code = http.StatusServiceUnavailable
	}
	return healthResult{status: res.Status, statusCode: code, reason: res.Reason}
}

func (h *Handler) breakerOpen() bool {
	return h.healthConfig.BreakerOpen != nil && h.healthConfig.BreakerOpen()
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps err to its status and envelope. Server-side failures
// are logged with the request logger.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classify(err)
	writeError(w, r, status, code, message)
	if status >= http.StatusInternalServerError {
		logger := observability.LoggerFromContext(r.Context(), zap.NewNop())
		logger.Warn("gdu query failed", zap.Int("status", status), zap.String("code", code), zap.Error(err))
	}
}
