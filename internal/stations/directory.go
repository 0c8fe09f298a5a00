// Package stations fetches candidate weather stations for the configured
// regions and ranks them by distance to a query point.
package stations

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kjstillabower/gdu-service/internal/models"
	"github.com/kjstillabower/gdu-service/internal/observability"
)

var (
	// ErrDirectoryUnavailable is returned when every region fetch failed.
	ErrDirectoryUnavailable = errors.New("station directory unavailable")
	// ErrNoStations is returned when the regions were fetched but listed no stations.
	ErrNoStations = errors.New("no stations in configured regions")
)

// DirectoryClient returns the raw station list of one region.
type DirectoryClient interface {
	FetchRegionStations(ctx context.Context, region string) ([]models.Station, error)
}

// Directory collects stations across regions. It holds no station state
// between calls.
type Directory struct {
	client  DirectoryClient
	regions []string
	logger  *zap.Logger
}

// NewDirectory returns a Directory that queries regions in the given order.
func NewDirectory(client DirectoryClient, regions []string, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		client:  client,
		regions: append([]string(nil), regions...),
		logger:  logger,
	}
}

// Regions returns the configured region codes.
func (d *Directory) Regions() []string {
	return append([]string(nil), d.regions...)
}

// Fetch returns the stations of all regions concatenated in region order.
// A failing region is logged and skipped; duplicates across regions are kept.
func (d *Directory) Fetch(ctx context.Context) ([]models.Station, error) {
	logger := observability.LoggerFromContext(ctx, d.logger)

	var (
		all      []models.Station
		failures []error
	)
	for _, region := range d.regions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		list, err := d.client.FetchRegionStations(ctx, region)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			observability.StationDirectoryFetchesTotal.WithLabelValues("error").Inc()
			logger.Warn("region station fetch failed", zap.String("region", region), zap.Error(err))
			failures = append(failures, fmt.Errorf("%s: %w", region, err))
			continue
		}
		observability.StationDirectoryFetchesTotal.WithLabelValues("success").Inc()
		logger.Debug("region stations fetched", zap.String("region", region), zap.Int("count", len(list)))
		all = append(all, list...)
	}

	if len(d.regions) > 0 && len(failures) == len(d.regions) {
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, errors.Join(failures...))
	}
	if len(all) == 0 {
		return nil, ErrNoStations
	}
	return all, nil
}

// Nearest fetches all stations and returns them ranked by distance to (lon, lat).
func (d *Directory) Nearest(ctx context.Context, lon, lat float64) ([]models.Station, error) {
	all, err := d.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return Rank(all, lon, lat), nil
}
