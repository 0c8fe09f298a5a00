package stations

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/gdu-service/internal/models"
)

// --- fake directory client ---

type fakeDirectoryClient struct {
	byRegion map[string][]models.Station
	errs     map[string]error
	calls    []string
}

func (f *fakeDirectoryClient) FetchRegionStations(_ context.Context, region string) ([]models.Station, error) {
	f.calls = append(f.calls, region)
	if err := f.errs[region]; err != nil {
		return nil, err
	}
	return f.byRegion[region], nil
}

const queryLon, queryLat = -96.80417, 45.5948

// --- Rank ---

func TestRank_OrdersByDistance(t *testing.T) {
	in := []models.Station{
		{ID: "far", Longitude: -93.0, Latitude: 45.0},
		{ID: "near", Longitude: -96.7, Latitude: 45.6},
		{ID: "mid", Longitude: -96.0, Latitude: 46.0},
	}

	ranked := Rank(in, queryLon, queryLat)

	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"near", "mid", "far"}, ids(ranked))
	for i := 1; i < len(ranked); i++ {
		assert.LessOrEqual(t, ranked[i-1].DistanceKm, ranked[i].DistanceKm)
	}
	assert.Greater(t, ranked[0].DistanceKm, 0.0)
}

func TestRank_DoesNotMutateInput(t *testing.T) {
	in := []models.Station{
		{ID: "b", Longitude: -93.0, Latitude: 45.0},
		{ID: "a", Longitude: -96.7, Latitude: 45.6},
	}

	_ = Rank(in, queryLon, queryLat)

	assert.Equal(t, "b", in[0].ID)
	assert.Zero(t, in[0].DistanceKm)
	assert.Zero(t, in[1].DistanceKm)
}

func TestRank_StableForTies(t *testing.T) {
	// same coordinates listed under different ids and regions
	in := []models.Station{
		{ID: "x", Region: "MN", Longitude: -96.0, Latitude: 46.0},
		{ID: "y", Region: "SD", Longitude: -96.0, Latitude: 46.0},
		{ID: "z", Region: "ND", Longitude: -96.0, Latitude: 46.0},
		{ID: "w", Region: "IA", Longitude: -96.7, Latitude: 45.6},
	}

	first := Rank(in, queryLon, queryLat)
	second := Rank(in, queryLon, queryLat)

	assert.Equal(t, []string{"w", "x", "y", "z"}, ids(first))
	assert.Equal(t, first, second)
}

func TestRank_LeavesOutNonFinitePositions(t *testing.T) {
	in := []models.Station{
		{ID: "nan", Longitude: -96.9, Latitude: math.NaN()},
		{ID: "K8D3", Longitude: -96.99, Latitude: 45.45},
		{ID: "inf", Longitude: math.Inf(-1), Latitude: 45.0},
	}

	ranked := Rank(in, queryLon, queryLat)

	require.Len(t, ranked, 1)
	assert.Equal(t, "K8D3", ranked[0].ID)
	assert.InDelta(t, 21.65, ranked[0].DistanceKm, 0.05)
}

func TestRank_Empty(t *testing.T) {
	assert.Empty(t, Rank(nil, queryLon, queryLat))
}

// --- Directory ---

func TestDirectory_FetchConcatenatesRegionsInOrder(t *testing.T) {
	client := &fakeDirectoryClient{
		byRegion: map[string][]models.Station{
			"MN": {{ID: "m1"}, {ID: "dup"}},
			"SD": {{ID: "dup"}, {ID: "s1"}},
		},
	}
	dir := NewDirectory(client, []string{"MN", "SD"}, nil)

	all, err := dir.Fetch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "dup", "dup", "s1"}, ids(all))
	assert.Equal(t, []string{"MN", "SD"}, client.calls)
}

func TestDirectory_SkipsFailingRegion(t *testing.T) {
	client := &fakeDirectoryClient{
		byRegion: map[string][]models.Station{"SD": {{ID: "s1"}}},
		errs:     map[string]error{"MN": errors.New("boom")},
	}
	dir := NewDirectory(client, []string{"MN", "SD"}, nil)

	all, err := dir.Fetch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids(all))
}

func TestDirectory_AllRegionsFail(t *testing.T) {
	boom := errors.New("boom")
	client := &fakeDirectoryClient{errs: map[string]error{"MN": boom, "SD": boom}}
	dir := NewDirectory(client, []string{"MN", "SD"}, nil)

	_, err := dir.Fetch(context.Background())

	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.ErrorIs(t, err, boom)
}

func TestDirectory_NoStations(t *testing.T) {
	dir := NewDirectory(&fakeDirectoryClient{}, []string{"MN"}, nil)

	_, err := dir.Fetch(context.Background())

	assert.ErrorIs(t, err, ErrNoStations)
}

func TestDirectory_CanceledContext(t *testing.T) {
	client := &fakeDirectoryClient{}
	dir := NewDirectory(client, []string{"MN", "SD"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dir.Fetch(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.calls)
}

func TestDirectory_Nearest(t *testing.T) {
	client := &fakeDirectoryClient{
		byRegion: map[string][]models.Station{
			"MN": {{ID: "far", Longitude: -93.0, Latitude: 45.0}},
			"SD": {{ID: "near", Longitude: -96.7, Latitude: 45.6}},
		},
	}
	dir := NewDirectory(client, []string{"MN", "SD"}, nil)

	ranked, err := dir.Nearest(context.Background(), queryLon, queryLat)

	require.NoError(t, err)
	assert.Equal(t, []string{"near", "far"}, ids(ranked))
	assert.Equal(t, []string{"MN", "SD"}, dir.Regions())
}

func ids(list []models.Station) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}
