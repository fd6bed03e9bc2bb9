// Package geo resolves IP addresses to coordinates for location rules.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPGeolocator queries a geolocation service over HTTP. The service
// is expected to answer GET {base}/locate?ip=... with a JSON body
// normalized into locateResponse.
type HTTPGeolocator struct {
	baseURL string
	client  *http.Client
}

// locateResponse is the service wire format.
type locateResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewHTTPGeolocator creates a geolocator for a base URL. The timeout
// bounds each lookup; location rules run on the evaluation path, so it
// should stay well under the server's write timeout.
func NewHTTPGeolocator(baseURL string, timeout time.Duration) *HTTPGeolocator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPGeolocator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Locate resolves one IP to latitude and longitude.
func (g *HTTPGeolocator) Locate(ctx context.Context, ip string) (lat, lon float64, err error) {
	u := fmt.Sprintf("%s/locate?ip=%s", g.baseURL, url.QueryEscape(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, 0, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("geolocation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("geolocation service returned %d", resp.StatusCode)
	}

	var body locateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, 0, fmt.Errorf("geolocation service: malformed response: %w", err)
	}

	return body.Latitude, body.Longitude, nil
}
