package models

import (
	"strconv"
	"time"
)

// DateLayout is the normalized calendar date format used on the query boundary.
const DateLayout = "2006-01-02"

// Station is a candidate weather station. DistanceKm is attached by stations.Rank
// for a single query and is zero on records straight from the directory.
type Station struct {
	ID         string  `json:"station_id"`
	Name       string  `json:"name,omitempty"`
	Region     string  `json:"region,omitempty"`
	Latitude   float64 `json:"lat"`
	Longitude  float64 `json:"lon"`
	DistanceKm float64 `json:"distance_km"`
}

// WithDistance returns a copy of s with the distance attached.
func (s Station) WithDistance(km float64) Station {
	s.DistanceKm = km
	return s
}

// DailyExtremes holds one day's observed minimum and maximum temperature
// in provider units (Fahrenheit for the MRCC feed).
type DailyExtremes struct {
	Date    string  `json:"date"`
	MinTemp float64 `json:"min_temp"`
	MaxTemp float64 `json:"max_temp"`
}

// DailySeries is an accepted per-day series for one station. Days holds only
// measured days in date order; Missing lists requested dates that were absent
// or malformed. Attempts counts the candidates tried, this one included.
type DailySeries struct {
	StationID     string          `json:"station_id"`
	Attempts      int             `json:"attempts"`
	Start         time.Time       `json:"start"`
	End           time.Time       `json:"end"`
	RequestedDays int             `json:"requested_days"`
	Days          []DailyExtremes `json:"days"`
	Missing       []string        `json:"missing,omitempty"`
}

// MissingFraction is the share of requested days with no usable reading.
func (s DailySeries) MissingFraction() float64 {
	if s.RequestedDays == 0 {
		return 0
	}
	return float64(len(s.Missing)) / float64(s.RequestedDays)
}

// QueryParameters is a validated GDU query. Build it with validation.ParseQuery.
type QueryParameters struct {
	StartDate       time.Time
	EndDate         time.Time
	Longitude       float64
	Latitude        float64
	BaseTemperature float64
	UpperThreshold  float64
}

// Key identifies a query for request coalescing.
func (q QueryParameters) Key() string {
	return q.StartDate.Format(DateLayout) + "|" + q.EndDate.Format(DateLayout) + "|" +
		formatCoord(q.Longitude) + "|" + formatCoord(q.Latitude) + "|" +
		formatCoord(q.BaseTemperature) + "|" + formatCoord(q.UpperThreshold)
}

// GduResult is the response of a successful query.
type GduResult struct {
	DistanceKm      float64 `json:"distance_km"`
	StationID       string  `json:"station_id"`
	CumulativeGDU   float64 `json:"cumulative_gdu"`
	StartDate       string  `json:"start_date"`
	EndDate         string  `json:"end_date"`
	Longitude       float64 `json:"lon"`
	Latitude        float64 `json:"lat"`
	BaseTemperature float64 `json:"base_temperature"`
	UpperThreshold  float64 `json:"upper_threshold"`
	DaysUsed        int     `json:"days_used"`
	DaysMissing     int     `json:"days_missing"`
	StationsTried   int     `json:"stations_tried"`
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
