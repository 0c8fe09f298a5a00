// Package gdu accumulates growing degree units with the Baskerville-Emin
// single sine method and a horizontal cutoff at the upper threshold.
package gdu

import (
	"fmt"
	"math"
	"strings"

	"github.com/kjstillabower/gdu-service/internal/models"
)

// Default thresholds in degrees Fahrenheit.
const (
	DefaultBaseTemperature = 40.0
	DefaultUpperThreshold  = 86.0
)

// Case names the branch of the BE table that produced a day's contribution.
type Case int

const (
	CaseDegenerate Case = iota
	CaseFullDay
	CasePartialDay
	CaseClipped
)

func (c Case) String() string {
	switch c {
	case CaseDegenerate:
		return "degenerate"
	case CaseFullDay:
		return "full_day"
	case CasePartialDay:
		return "partial_day"
	case CaseClipped:
		return "clipped"
	default:
		return "unknown"
	}
}

// Clipping selects when the upper threshold cutoff is evaluated.
type Clipping int

const (
	// ClipLegacy keeps the historical branch order: the partial-day and
	// full-day cases cover every finite day, so the cutoff never applies.
	ClipLegacy Clipping = iota
	// ClipIndependent applies the cutoff after the base cases whenever
	// tmax exceeds the upper threshold: base heat minus twice the heat
	// above upper, floored at zero.
	ClipIndependent
)

func (c Clipping) String() string {
	if c == ClipIndependent {
		return "independent"
	}
	return "legacy"
}

// ParseClipping maps a config value to a Clipping policy. Empty means legacy.
func ParseClipping(s string) (Clipping, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "legacy":
		return ClipLegacy, nil
	case "independent":
		return ClipIndependent, nil
	default:
		return ClipLegacy, fmt.Errorf("unknown clipping policy %q (want legacy or independent)", s)
	}
}

// Accumulator converts daily extremes into heat units.
type Accumulator struct {
	Base     float64
	Upper    float64
	Clipping Clipping
}

// New returns an Accumulator for the given thresholds and policy.
func New(base, upper float64, clipping Clipping) Accumulator {
	return Accumulator{Base: base, Upper: upper, Clipping: clipping}
}

// Day returns the heat units for a single day and the case that produced them.
// The result is never negative or NaN.
func (a Accumulator) Day(tmin, tmax float64) (float64, Case) {
	heat, c := aboveThreshold(a.Base, tmin, tmax)
	if c == CaseDegenerate {
		return 0, c
	}
	if a.Clipping == ClipLegacy || tmax <= a.Upper {
		return heat, c
	}

	// second pass at fk1 = 2*upper; the excess is removed twice
	excess, _ := aboveThreshold(a.Upper, tmin, tmax)
	clipped := heat - 2*excess
	if clipped < 0 || math.IsNaN(clipped) {
		clipped = 0
	}
	return clipped, CaseClipped
}

// Accumulate sums the daily contributions of series in date order.
func (a Accumulator) Accumulate(series models.DailySeries) float64 {
	total := 0.0
	for _, d := range series.Days {
		heat, _ := a.Day(d.MinTemp, d.MaxTemp)
		total += heat
	}
	return total
}

// CaseCounts tallies how many days of series fell into each case.
func (a Accumulator) CaseCounts(series models.DailySeries) map[Case]int {
	counts := make(map[Case]int, 4)
	for _, d := range series.Days {
		_, c := a.Day(d.MinTemp, d.MaxTemp)
		counts[c]++
	}
	return counts
}

// aboveThreshold is the BE case table for one threshold. The order of the
// checks is significant.
func aboveThreshold(threshold, tmin, tmax float64) (float64, Case) {
	if !finite(tmin) || !finite(tmax) || !finite(threshold) {
		return 0, CaseDegenerate
	}
	tsum := tmax + tmin
	diff := tmax - tmin
	fk1 := 2 * threshold

	// tmax <= tmin is redundant with tmin > tmax except at equality; kept
	// so equal extremes stay degenerate.
	if tmin > tmax || tmax <= tmin || tmax <= threshold {
		return 0, CaseDegenerate
	}
	if tmin >= threshold {
		return (tsum - fk1) / 2, CaseFullDay
	}
	return calcHeat(fk1, tsum, diff), CasePartialDay
}

// calcHeat integrates the sine curve above fk1/2. When rounding leaves no
// room under the square root it falls back to the closed form for the side of
// the threshold the day sits on.
func calcHeat(fk1, tsum, diff float64) float64 {
	d2 := fk1 - tsum
	disc := diff*diff - d2*d2
	if disc <= 0 {
		return sideFallback(fk1, tsum, d2)
	}
	theta := math.Atan(d2 / math.Sqrt(disc))
	if d2 < 0 && theta > 0 {
		theta -= math.Pi
	}
	heat := (diff*math.Cos(theta) - d2*(math.Pi/2-theta)) / (2 * math.Pi)
	if !finite(heat) {
		return sideFallback(fk1, tsum, d2)
	}
	if heat < 0 {
		return 0
	}
	return heat
}

func sideFallback(fk1, tsum, d2 float64) float64 {
	if d2 >= 0 {
		return 0
	}
	return (tsum - fk1) / 2
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
