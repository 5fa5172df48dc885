package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	SoilGridsURL = "https://rest.isric.org/soilgrids/v2.0/properties/query"
	// volumetric water content at 10 kPa
	soilGridsProperty = "wv0010"
)

var ErrNoMoisture = errors.New("soilgrids: no moisture value in response")

// SoilGrids looks up a starting soil water content for a location. It is
// queried once at startup, never per sample.
type SoilGrids struct {
	BaseURL string
	Client  *http.Client
	Retries uint64
}

type soilGridsResponse struct {
	Properties struct {
		Layers []struct {
			Name   string `json:"name"`
			Depths []struct {
				Label  string              `json:"label"`
				Values map[string]*float64 `json:"values"`
			} `json:"depths"`
		} `json:"layers"`
	} `json:"properties"`
}

// Moisture returns the topsoil water content at lat/lon as a 0..1 fraction.
// Rate limiting and server errors are retried, other failures are not.
func (g SoilGrids) Moisture(ctx context.Context, lat, lon float64) (float64, error) {
	base := g.BaseURL
	if base == "" {
		base = SoilGridsURL
	}
	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("property", soilGridsProperty)
	endpoint := base + "?" + q.Encode()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 600 * time.Millisecond
	eb.MaxElapsedTime = 10 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, g.Retries), ctx)

	var moisture float64
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "agrilink-simulator/1.0")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("soilgrids: HTTP %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("soilgrids: HTTP %d: %s", resp.StatusCode, body))
		}

		var parsed soilGridsResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("soilgrids: %w", err))
		}
		v, ok := parsed.topsoil()
		if !ok {
			return backoff.Permanent(ErrNoMoisture)
		}
		moisture = normalizeWV(v)
		return nil
	}, bo)
	if err != nil {
		return 0, err
	}
	return moisture, nil
}

// topsoil picks the first depth of the first layer, median first.
func (r soilGridsResponse) topsoil() (float64, bool) {
	if len(r.Properties.Layers) == 0 || len(r.Properties.Layers[0].Depths) == 0 {
		return 0, false
	}
	values := r.Properties.Layers[0].Depths[0].Values
	for _, k := range []string{"Q0.5", "mean", "Q0.95", "Q0.05"} {
		if v := values[k]; v != nil {
			return *v, true
		}
	}
	return 0, false
}

// normalizeWV converts SoilGrids water content, published in 10^-3 m3/m3,
// to a 0..1 fraction. Values already in range are kept.
func normalizeWV(x float64) float64 {
	if x > 1.5 {
		x /= 1000
	}
	return clamp01(x)
}
