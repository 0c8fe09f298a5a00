// Package gate picks the nearest station whose daily min/max series for a
// date range is complete enough to accumulate degree units from.
package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/gdu-service/internal/models"
	"github.com/kjstillabower/gdu-service/internal/observability"
)

// MaxMissingFraction is the largest share of missing days a series may have.
// A series is rejected when missing/requested is strictly greater.
const MaxMissingFraction = 0.05

const (
	DefaultElement = "AVA"

	reductionMin = "min"
	reductionMax = "max"

	// provider timestamps start with YYYYMMDD, optionally followed by HHMM
	timestampDateLayout = "20060102"
)

var (
	// ErrStationFetch marks a candidate whose observations could not be fetched or were empty.
	ErrStationFetch = errors.New("station fetch failed")
	// ErrStationDataIntegrity marks a candidate whose min and max series disagree in length.
	ErrStationDataIntegrity = errors.New("station data integrity")
	// ErrQualityThreshold marks a candidate with too many missing days.
	ErrQualityThreshold = errors.New("missing data above threshold")
	// ErrStationsExhausted is returned when no candidate produced an acceptable series.
	ErrStationsExhausted = errors.New("stations exhausted")
)

// ObservationFetcher returns raw observations keyed by provider timestamp.
// An empty map means no data.
type ObservationFetcher interface {
	FetchObservations(ctx context.Context, stationID string, start, end time.Time, element, reduction string) (map[string]string, error)
}

// Config tunes the gate. Zero values select defaults.
type Config struct {
	// Element is the provider element code for air temperature.
	Element string
	// MaxAttempts caps how many candidates are tried; 0 tries all.
	MaxAttempts int
}

// Gate walks ranked candidates until one yields an acceptable series.
type Gate struct {
	fetcher     ObservationFetcher
	element     string
	maxAttempts int
	logger      *zap.Logger
}

func New(fetcher ObservationFetcher, cfg Config, logger *zap.Logger) *Gate {
	if cfg.Element == "" {
		cfg.Element = DefaultElement
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		fetcher:     fetcher,
		element:     cfg.Element,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
}

// SelectSeries tries ranked candidates in order and returns the first
// acceptable series with its station. Rejected candidates are logged and
// skipped. When none is acceptable it returns an error wrapping
// ErrStationsExhausted; a done ctx stops the walk with ctx.Err().
func (g *Gate) SelectSeries(ctx context.Context, ranked []models.Station, start, end time.Time) (models.DailySeries, models.Station, error) {
	logger := observability.LoggerFromContext(ctx, g.logger)

	limit := len(ranked)
	if g.maxAttempts > 0 && g.maxAttempts < limit {
		limit = g.maxAttempts
	}

	var (
		counts  = map[string]int{}
		lastErr error
	)
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return models.DailySeries{}, models.Station{}, err
		}
		station := ranked[i]

		series, err := g.evaluate(ctx, station, start, end)
		if err == nil {
			series.Attempts = i + 1
			observability.StationAttemptsTotal.WithLabelValues("accepted").Inc()
			observability.StationsTriedPerQuery.Observe(float64(i + 1))
			logger.Info("station accepted",
				zap.String("station_id", station.ID),
				zap.Float64("distance_km", station.DistanceKm),
				zap.Int("attempt", i+1),
				zap.Int("days_used", len(series.Days)),
				zap.Int("days_missing", len(series.Missing)),
			)
			return series, station, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.DailySeries{}, models.Station{}, ctxErr
		}

		reason := rejectionReason(err)
		counts[reason]++
		lastErr = err
		observability.StationAttemptsTotal.WithLabelValues(reason).Inc()
		logger.Warn("station rejected",
			zap.String("station_id", station.ID),
			zap.Float64("distance_km", station.DistanceKm),
			zap.Int("attempt", i+1),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}

	observability.StationsTriedPerQuery.Observe(float64(limit))
	if lastErr == nil {
		return models.DailySeries{}, models.Station{}, fmt.Errorf("%w: no candidate stations", ErrStationsExhausted)
	}
	return models.DailySeries{}, models.Station{}, fmt.Errorf("%w: %d of %d candidates tried (%s), last: %v",
		ErrStationsExhausted, limit, len(ranked), summarize(counts), lastErr)
}

// evaluate fetches and checks one candidate.
func (g *Gate) evaluate(ctx context.Context, station models.Station, start, end time.Time) (models.DailySeries, error) {
	minRaw, err := g.fetch(ctx, station.ID, start, end, reductionMin)
	if err != nil {
		return models.DailySeries{}, err
	}
	maxRaw, err := g.fetch(ctx, station.ID, start, end, reductionMax)
	if err != nil {
		return models.DailySeries{}, err
	}
	if len(minRaw) != len(maxRaw) {
		return models.DailySeries{}, fmt.Errorf("%w: %d min vs %d max observations", ErrStationDataIntegrity, len(minRaw), len(maxRaw))
	}

	series := BuildSeries(station.ID, start, end, minRaw, maxRaw)
	if frac := series.MissingFraction(); frac > MaxMissingFraction {
		return models.DailySeries{}, fmt.Errorf("%w: %d of %d days missing (%.1f%%)",
			ErrQualityThreshold, len(series.Missing), series.RequestedDays, frac*100)
	}
	return series, nil
}

func (g *Gate) fetch(ctx context.Context, stationID string, start, end time.Time, reduction string) (map[string]string, error) {
	raw, err := g.fetcher.FetchObservations(ctx, stationID, start, end, g.element, reduction)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrStationFetch, stationID, reduction, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s %s: no data", ErrStationFetch, stationID, reduction)
	}
	return raw, nil
}

// BuildSeries aligns raw min and max observations onto the requested calendar
// days [start, end]. A day is missing unless both values parse as finite
// numbers; keys outside the range are ignored.
func BuildSeries(stationID string, start, end time.Time, minRaw, maxRaw map[string]string) models.DailySeries {
	mins := byDay(minRaw, math.Min)
	maxs := byDay(maxRaw, math.Max)

	series := models.DailySeries{
		StationID: stationID,
		Start:     start,
		End:       end,
	}
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		series.RequestedDays++
		key := day.Format(timestampDateLayout)
		date := day.Format(models.DateLayout)

		lo, okLo := mins[key]
		hi, okHi := maxs[key]
		if !okLo || !okHi {
			series.Missing = append(series.Missing, date)
			continue
		}
		series.Days = append(series.Days, models.DailyExtremes{Date: date, MinTemp: lo, MaxTemp: hi})
	}
	return series
}

// byDay parses values and groups them by calendar day. Several readings on
// one day are folded with pick.
func byDay(raw map[string]string, pick func(a, b float64) float64) map[string]float64 {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]float64, len(raw))
	for _, k := range keys {
		day := strings.TrimSpace(k)
		if len(day) < len(timestampDateLayout) {
			continue
		}
		day = day[:len(timestampDateLayout)]
		v, ok := parseValue(raw[k])
		if !ok {
			continue
		}
		if prev, seen := out[day]; seen {
			v = pick(prev, v)
		}
		out[day] = v
	}
	return out
}

// parseValue coerces provider text to a number. Flags such as "M" and
// non-finite values are not numbers.
func parseValue(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrStationDataIntegrity):
		return "integrity"
	case errors.Is(err, ErrQualityThreshold):
		return "quality"
	default:
		return "fetch_failed"
	}
}

func summarize(counts map[string]int) string {
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, fmt.Sprintf("%s=%d", r, counts[r]))
	}
	return strings.Join(parts, " ")
}
