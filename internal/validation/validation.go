package validation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/gdu-service/internal/gdu"
	"github.com/kjstillabower/gdu-service/internal/models"
)

// ErrInvalidCoordinates is returned when lon/lat are missing, non-numeric or out of range.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// ErrInvalidThresholds is returned when base/upper overrides are non-numeric or base >= upper.
var ErrInvalidThresholds = errors.New("invalid temperature thresholds")

// DefaultMaxRangeDays caps a query at roughly ten years of daily readings.
const DefaultMaxRangeDays = 3660

// DateParseError reports an unusable date or date range. Value carries the
// offending input string.
type DateParseError struct {
	Field  string
	Value  string
	Reason string
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Field, e.Value, e.Reason)
}

// QueryInput is the raw, untyped form of a GDU query as it arrives on the
// request boundary. Empty Base/Upper mean "use the defaults".
type QueryInput struct {
	StartDate string
	EndDate   string
	Lon       string
	Lat       string
	Base      string
	Upper     string
}

// Defaults are the deployment settings a query is parsed against.
type Defaults struct {
	// Base and Upper apply when the query does not override them.
	Base  float64
	Upper float64
	// MaxRangeDays caps the inclusive day count; 0 means DefaultMaxRangeDays.
	MaxRangeDays int
}

// ParseQuery validates in and returns typed QueryParameters. Dates must be
// YYYY-MM-DD with start strictly before end.
func ParseQuery(in QueryInput) (models.QueryParameters, error) {
	return ParseQueryWithDefaults(in, Defaults{
		Base:  gdu.DefaultBaseTemperature,
		Upper: gdu.DefaultUpperThreshold,
	})
}

// ParseQueryWithDefaults is ParseQuery with deployment-specific thresholds
// and range limit.
func ParseQueryWithDefaults(in QueryInput, d Defaults) (models.QueryParameters, error) {
	start, err := parseDate("start_date", in.StartDate)
	if err != nil {
		return models.QueryParameters{}, err
	}
	end, err := parseDate("end_date", in.EndDate)
	if err != nil {
		return models.QueryParameters{}, err
	}
	if !start.Before(end) {
		return models.QueryParameters{}, &DateParseError{
			Field:  "end_date",
			Value:  in.EndDate,
			Reason: "must be after start_date " + in.StartDate,
		}
	}
	if err := CheckRange(start, end, d.MaxRangeDays); err != nil {
		return models.QueryParameters{}, err
	}

	lon, lat, err := ParseCoordinates(in.Lon, in.Lat)
	if err != nil {
		return models.QueryParameters{}, err
	}

	base, err := parseOptional(in.Base, d.Base)
	if err != nil {
		return models.QueryParameters{}, fmt.Errorf("%w: base_temperature: %v", ErrInvalidThresholds, err)
	}
	upper, err := parseOptional(in.Upper, d.Upper)
	if err != nil {
		return models.QueryParameters{}, fmt.Errorf("%w: upper_threshold: %v", ErrInvalidThresholds, err)
	}
	if base >= upper {
		return models.QueryParameters{}, fmt.Errorf("%w: base_temperature %v must be below upper_threshold %v", ErrInvalidThresholds, base, upper)
	}

	return models.QueryParameters{
		StartDate:       start,
		EndDate:         end,
		Longitude:       lon,
		Latitude:        lat,
		BaseTemperature: base,
		UpperThreshold:  upper,
	}, nil
}

// ParseCoordinates parses decimal-degree longitude and latitude. Errors wrap
// ErrInvalidCoordinates.
func ParseCoordinates(lonStr, latStr string) (lon, lat float64, err error) {
	lon, err = parseCoordinate(lonStr, 180)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: lon: %v", ErrInvalidCoordinates, err)
	}
	lat, err = parseCoordinate(latStr, 90)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: lat: %v", ErrInvalidCoordinates, err)
	}
	return lon, lat, nil
}

func parseDate(field, s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return time.Time{}, &DateParseError{Field: field, Value: s, Reason: "is required"}
	}
	d, err := time.Parse(models.DateLayout, v)
	if err != nil {
		return time.Time{}, &DateParseError{Field: field, Value: s, Reason: "want YYYY-MM-DD"}
	}
	return d, nil
}

func parseCoordinate(s string, limit float64) (float64, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return 0, errors.New("is required")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if f < -limit || f > limit {
		return 0, fmt.Errorf("%v outside [-%v, %v]", f, limit, limit)
	}
	return f, nil
}

func parseOptional(s string, def float64) (float64, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	return f, nil
}

// Check re-validates already typed parameters, for callers that build
// QueryParameters without ParseQuery.
func Check(q models.QueryParameters) error {
	if !q.StartDate.Before(q.EndDate) {
		return &DateParseError{
			Field:  "end_date",
			Value:  q.EndDate.Format(models.DateLayout),
			Reason: "must be after start_date " + q.StartDate.Format(models.DateLayout),
		}
	}
	if !inRange(q.Longitude, 180) || !inRange(q.Latitude, 90) {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinates, q.Longitude, q.Latitude)
	}
	if math.IsNaN(q.BaseTemperature) || math.IsNaN(q.UpperThreshold) || q.BaseTemperature >= q.UpperThreshold {
		return fmt.Errorf("%w: base_temperature %v must be below upper_threshold %v", ErrInvalidThresholds, q.BaseTemperature, q.UpperThreshold)
	}
	return nil
}

// CheckRange rejects a range of more than maxDays calendar days, counting
// both ends. maxDays <= 0 means DefaultMaxRangeDays.
func CheckRange(start, end time.Time, maxDays int) error {
	if maxDays <= 0 {
		maxDays = DefaultMaxRangeDays
	}
	// calendar arithmetic; Sub saturates near 292 years
	if end.After(start.AddDate(0, 0, maxDays-1)) {
		return &DateParseError{
			Field:  "end_date",
			Value:  end.Format(models.DateLayout),
			Reason: fmt.Sprintf("range from %s exceeds %d days", start.Format(models.DateLayout), maxDays),
		}
	}
	return nil
}

func inRange(v, limit float64) bool {
	return !math.IsNaN(v) && v >= -limit && v <= limit
}
