package stations

import (
	"math"
	"sort"

	"github.com/kjstillabower/gdu-service/internal/geo"
	"github.com/kjstillabower/gdu-service/internal/models"
)

// Rank returns copies of stations with DistanceKm attached for the point
// (lon, lat), nearest first. Equal distances keep their fetch order.
// Stations whose distance is not finite are left out. The input slice is
// not modified.
func Rank(stations []models.Station, lon, lat float64) []models.Station {
	ranked := make([]models.Station, 0, len(stations))
	for _, s := range stations {
		d := geo.DistanceKm(lon, lat, s.Longitude, s.Latitude)
		if math.IsNaN(d) || math.IsInf(d, 0) {
			continue
		}
		ranked = append(ranked, s.WithDistance(d))
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceKm < ranked[j].DistanceKm
	})
	return ranked
}
