package eta

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-coordinator/internal/models"
)

// GoogleMapsClient serves both route estimates (Distance Matrix) and
// geocoding from the Google Maps platform.
type GoogleMapsClient struct {
	client *maps.Client
	region string
}

// NewGoogleMapsClient creates a client with the given API key. region biases
// geocoding results (ccTLD, e.g. "tw"); empty means no bias.
func NewGoogleMapsClient(apiKey, region string) (*GoogleMapsClient, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMapsClient{client: client, region: region}, nil
}

func (g *GoogleMapsClient) Estimate(ctx context.Context, from, to models.Coord) (Estimate, error) {
	resp, err := g.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{latLng(from)},
		Destinations: []string{latLng(to)},
		Mode:         maps.TravelModeDriving,
	})
	if err != nil {
		return Estimate{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return Estimate{}, errors.New("no route found")
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return Estimate{}, fmt.Errorf("no route found: %s", el.Status)
	}
	return Estimate{
		DistanceMeters:  float64(el.Distance.Meters),
		DurationSeconds: el.Duration.Seconds(),
	}, nil
}

func (g *GoogleMapsClient) Geocode(ctx context.Context, address string) (models.Coord, error) {
	res, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address, Region: g.region})
	if err != nil {
		return models.Coord{}, fmt.Errorf("maps geocode error: %w", err)
	}
	if len(res) == 0 {
		return models.Coord{}, fmt.Errorf("no geocoding result for %q", address)
	}
	loc := res[0].Geometry.Location
	return models.Coord{Lat: loc.Lat, Lon: loc.Lng}, nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}
