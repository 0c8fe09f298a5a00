package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/gdu-service/internal/gate"
	"github.com/kjstillabower/gdu-service/internal/gdu"
	"github.com/kjstillabower/gdu-service/internal/models"
	"github.com/kjstillabower/gdu-service/internal/observability"
	"github.com/kjstillabower/gdu-service/internal/stations"
	"github.com/kjstillabower/gdu-service/internal/validation"
)

// StationLocator returns candidate stations nearest first (see stations.Directory).
type StationLocator interface {
	Nearest(ctx context.Context, lon, lat float64) ([]models.Station, error)
}

// SeriesSelector picks the first acceptable station series (see gate.Gate).
type SeriesSelector interface {
	SelectSeries(ctx context.Context, ranked []models.Station, start, end time.Time) (models.DailySeries, models.Station, error)
}

// Config holds orchestration settings.
type Config struct {
	Clipping gdu.Clipping
	// QueryTimeout bounds one computation; 0 means no bound beyond the caller's context.
	QueryTimeout    time.Duration
	CoalesceEnabled bool
	CoalesceTimeout time.Duration
	// DefaultBase and DefaultUpper apply to queries without overrides.
	// Zero selects the gdu package defaults.
	DefaultBase  float64
	DefaultUpper float64
	// MaxRangeDays caps the requested days; 0 selects validation.DefaultMaxRangeDays.
	MaxRangeDays int
}

// GDUService runs a query end to end: validate, locate stations, gate their
// data, accumulate degree units.
type GDUService struct {
	locator   StationLocator
	selector  SeriesSelector
	clipping  gdu.Clipping
	timeout   time.Duration
	base      float64
	upper     float64
	maxDays   int
	coalescer *requestCoalescer // nil if disabled
	logger    *zap.Logger
}

func NewGDUService(locator StationLocator, selector SeriesSelector, cfg Config, logger *zap.Logger) *GDUService {
	var coalescer *requestCoalescer
	if cfg.CoalesceEnabled && cfg.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(cfg.CoalesceTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultBase == 0 && cfg.DefaultUpper == 0 {
		cfg.DefaultBase, cfg.DefaultUpper = gdu.DefaultBaseTemperature, gdu.DefaultUpperThreshold
	}
	return &GDUService{
		locator:   locator,
		selector:  selector,
		clipping:  cfg.Clipping,
		timeout:   cfg.QueryTimeout,
		base:      cfg.DefaultBase,
		upper:     cfg.DefaultUpper,
		maxDays:   cfg.MaxRangeDays,
		coalescer: coalescer,
		logger:    logger,
	}
}

// ComputeRaw parses in and computes. Parse failures return before any
// station lookup.
func (s *GDUService) ComputeRaw(ctx context.Context, in validation.QueryInput) (models.GduResult, error) {
	q, err := validation.ParseQueryWithDefaults(in, validation.Defaults{
		Base:         s.base,
		Upper:        s.upper,
		MaxRangeDays: s.maxDays,
	})
	if err != nil {
		observability.GDUQueriesTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return models.GduResult{}, err
	}
	return s.Compute(ctx, q)
}

func (s *GDUService) check(q models.QueryParameters) error {
	if err := validation.Check(q); err != nil {
		return err
	}
	return validation.CheckRange(q.StartDate, q.EndDate, s.maxDays)
}

// Compute returns the cumulative GDU for q from the nearest station with
// acceptable data.
func (s *GDUService) Compute(ctx context.Context, q models.QueryParameters) (models.GduResult, error) {
	if err := s.check(q); err != nil {
		observability.GDUQueriesTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return models.GduResult{}, err
	}

	start := time.Now()
	var (
		result models.GduResult
		err    error
	)
	if s.coalescer != nil {
		var shared bool
		// the shared computation must outlive any single caller's cancellation
		detached := context.WithoutCancel(ctx)
		result, shared, err = s.coalescer.GetOrDo(ctx, q.Key(), func() (models.GduResult, error) {
			return s.compute(detached, q)
		})
		if shared {
			observability.RequestCoalescingHitsTotal.Inc()
		}
	} else {
		result, err = s.compute(ctx, q)
	}

	observability.GDUQueriesTotal.WithLabelValues(outcomeLabel(err)).Inc()
	observability.GDUQueryDuration.Observe(time.Since(start).Seconds())
	return result, err
}

func (s *GDUService) compute(ctx context.Context, q models.QueryParameters) (models.GduResult, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	logger := observability.LoggerFromContext(ctx, s.logger)
	startDate := q.StartDate.Format(models.DateLayout)
	endDate := q.EndDate.Format(models.DateLayout)

	ranked, err := s.locator.Nearest(ctx, q.Longitude, q.Latitude)
	if err != nil {
		return models.GduResult{}, fmt.Errorf("locate stations: %w", err)
	}
	logger.Debug("stations ranked",
		zap.Int("candidates", len(ranked)),
		zap.Float64("lon", q.Longitude),
		zap.Float64("lat", q.Latitude),
	)

	series, station, err := s.selector.SelectSeries(ctx, ranked, q.StartDate, q.EndDate)
	if err != nil {
		return models.GduResult{}, fmt.Errorf("select station series: %w", err)
	}

	acc := gdu.New(q.BaseTemperature, q.UpperThreshold, s.clipping)
	total := acc.Accumulate(series)
	for c, n := range acc.CaseCounts(series) {
		observability.GDUDayCasesTotal.WithLabelValues(c.String()).Add(float64(n))
	}

	logger.Info("gdu computed",
		zap.String("station_id", station.ID),
		zap.Float64("distance_km", station.DistanceKm),
		zap.String("start_date", startDate),
		zap.String("end_date", endDate),
		zap.Float64("cumulative_gdu", total),
		zap.String("clipping", s.clipping.String()),
	)

	return models.GduResult{
		DistanceKm:      station.DistanceKm,
		StationID:       station.ID,
		CumulativeGDU:   total,
		StartDate:       startDate,
		EndDate:         endDate,
		Longitude:       q.Longitude,
		Latitude:        q.Latitude,
		BaseTemperature: q.BaseTemperature,
		UpperThreshold:  q.UpperThreshold,
		DaysUsed:        len(series.Days),
		DaysMissing:     len(series.Missing),
		StationsTried:   series.Attempts,
	}, nil
}

// outcomeLabel maps a query error to the gduQueriesTotal outcome label.
func outcomeLabel(err error) string {
	var dpe *validation.DateParseError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &dpe),
		errors.Is(err, validation.ErrInvalidCoordinates),
		errors.Is(err, validation.ErrInvalidThresholds):
		return "invalid"
	case errors.Is(err, gate.ErrStationsExhausted):
		return "exhausted"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, stations.ErrDirectoryUnavailable), errors.Is(err, stations.ErrNoStations):
		return "upstream"
	default:
		return "error"
	}
}
