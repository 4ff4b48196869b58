package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Leg is a routed path between two coordinates.
type Leg struct {
	DistanceM float64  `json:"distance_m"`
	DurationS float64  `json:"duration_s"`
	Geometry  string   `json:"geometry,omitempty"`
	Steps     []string `json:"steps,omitempty"`
}

// Router resolves a drivable path between two points.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Leg, error)
}

// Geocoder turns a street address into coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (models.Coord, error)
}

// OSRMRouter queries an OSRM HTTP server for routes.
type OSRMRouter struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMRouter(endpoint string) *OSRMRouter {
	return &OSRMRouter{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (o *OSRMRouter) Route(ctx context.Context, from, to models.Coord) (Leg, error) {
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	u := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&steps=true",
		o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Leg{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Leg{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Geometry string  `json:"geometry"`
			Legs     []struct {
				Steps []struct {
					Name string `json:"name"`
				} `json:"steps"`
			} `json:"legs"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Leg{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Leg{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	leg := Leg{DistanceM: r.Distance, DurationS: r.Duration, Geometry: r.Geometry}
	for _, l := range r.Legs {
		for _, s := range l.Steps {
			leg.Steps = append(leg.Steps, s.Name)
		}
	}
	return leg, nil
}

// NominatimGeocoder resolves addresses against a Nominatim-compatible
// endpoint.
type NominatimGeocoder struct {
	Endpoint string
	Client   *http.Client
}

func NewNominatimGeocoder(endpoint string) *NominatimGeocoder {
	return &NominatimGeocoder{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (g *NominatimGeocoder) Geocode(ctx context.Context, address string) (models.Coord, error) {
	u := fmt.Sprintf("%s/search?format=json&limit=1&q=%s", g.Endpoint, url.QueryEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.Coord{}, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return models.Coord{}, err
	}
	defer resp.Body.Close()
	var out []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Coord{}, err
	}
	if len(out) == 0 {
		return models.Coord{}, fmt.Errorf("no result for %q: %w", address, models.ErrNotFound)
	}
	var c models.Coord
	if _, err := fmt.Sscanf(out[0].Lat, "%f", &c.Lat); err != nil {
		return models.Coord{}, fmt.Errorf("bad latitude %q", out[0].Lat)
	}
	if _, err := fmt.Sscanf(out[0].Lon, "%f", &c.Lon); err != nil {
		return models.Coord{}, fmt.Errorf("bad longitude %q", out[0].Lon)
	}
	return c, nil
}
