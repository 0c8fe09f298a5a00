//go:build integration
// +build integration

package service

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/gdu-service/internal/client"
	"github.com/kjstillabower/gdu-service/internal/gate"
	"github.com/kjstillabower/gdu-service/internal/gdu"
	"github.com/kjstillabower/gdu-service/internal/stations"
	"github.com/kjstillabower/gdu-service/internal/validation"
)

// TestGDUService_ReferenceScenario_Integration reproduces the published
// reference query against the live MRCC service.
func TestGDUService_ReferenceScenario_Integration(t *testing.T) {
	if os.Getenv("CLIMATE_API_INTEGRATION") == "" {
		t.Skip("CLIMATE_API_INTEGRATION not set, skipping integration test")
	}
	apiURL := os.Getenv("CLIMATE_API_URL")
	if apiURL == "" {
		apiURL = "https://cli-dap.mrcc.purdue.edu"
	}

	mrcc, err := client.NewMRCCClient(apiURL, 30*time.Second)
	if err != nil {
		t.Fatalf("NewMRCCClient() error = %v", err)
	}
	dir := stations.NewDirectory(mrcc, []string{"MN", "SD", "ND", "IA", "WI"}, nil)
	g := gate.New(mrcc, gate.Config{}, nil)
	svc := NewGDUService(dir, g, Config{Clipping: gdu.ClipLegacy, QueryTimeout: 5 * time.Minute}, nil)

	got, err := svc.ComputeRaw(context.Background(), validation.QueryInput{
		StartDate: "2020-08-18",
		EndDate:   "2021-04-19",
		Lon:       "-96.80417",
		Lat:       "45.5948",
	})
	if err != nil {
		t.Fatalf("ComputeRaw() error = %v", err)
	}

	if got.StationID != "K8D3" {
		t.Errorf("StationID = %q, want K8D3", got.StationID)
	}
	if math.Abs(got.DistanceKm-16.728) > 0.01 {
		t.Errorf("DistanceKm = %v, want ~16.728", got.DistanceKm)
	}
	if math.Abs(got.CumulativeGDU-1713.905) > 0.01 {
		t.Errorf("CumulativeGDU = %v, want ~1713.905", got.CumulativeGDU)
	}
}
