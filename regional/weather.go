// Package regional implements the external-data step: weather and
// market price snapshots for a region, fetched from independent sources
// with partial success allowed.
package regional

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/agrosense/agrosense/mcp"
)

// WeatherProvider fetches current conditions for a region.
type WeatherProvider interface {
	Name() string
	Current(ctx context.Context, region string) (*mcp.Weather, error)
}

// kenyaCoordinates maps major Kenyan regions to lat/lon for providers
// that geocode by coordinates.
var kenyaCoordinates = map[string][2]float64{
	"nairobi":  {-1.2921, 36.8219},
	"mombasa":  {-4.0435, 39.6682},
	"nakuru":   {-0.3031, 36.0800},
	"eldoret":  {0.5143, 35.2698},
	"kisumu":   {-0.0917, 34.7680},
	"thika":    {-1.0332, 37.0690},
	"malindi":  {-3.2167, 40.1167},
	"nyeri":    {-0.4209, 36.9472},
	"meru":     {0.0469, 37.6556},
	"kitale":   {1.0167, 35.0064},
	"kakamega": {0.2827, 34.7519},
	"machakos": {-1.5177, 37.2634},
	"kiambu":   {-1.1714, 36.8356},
	"embu":     {-0.5380, 37.4571},
	"garissa":  {-0.4569, 39.6582},
}

// assessRisk derives an agricultural risk summary from current conditions.
func assessRisk(tempC float64, humidity int, rainfallMM float64) string {
	var risks []string

	if tempC > 30 {
		risks = append(risks, "High temperature stress on crops")
	} else if tempC < 15 {
		risks = append(risks, "Low temperature may slow growth")
	}
	if humidity > 80 {
		risks = append(risks, "High humidity increases fungal disease risk")
	}
	if rainfallMM > 20 {
		risks = append(risks, "Heavy rainfall expected")
	}

	if len(risks) == 0 {
		return "Favorable conditions for farming"
	}
	return strings.Join(risks, "; ")
}

// ---------------------------------------------------------------------------
// OpenWeatherMap
// ---------------------------------------------------------------------------

// OpenWeatherProvider fetches conditions from the OpenWeatherMap API.
// It geocodes via the Kenya coordinate table and fails for regions
// outside it.
type OpenWeatherProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewOpenWeatherProvider creates the provider. Empty baseURL uses the
// public API.
func NewOpenWeatherProvider(baseURL string, httpClient *http.Client) *OpenWeatherProvider {
	if baseURL == "" {
		baseURL = "https://api.openweathermap.org/data/2.5"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &OpenWeatherProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Name returns the provider identifier.
func (p *OpenWeatherProvider) Name() string { return "openweathermap" }

// openWeatherResponse is the subset of the current-weather payload we use.
type openWeatherResponse struct {
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Rain map[string]float64 `json:"rain"`
}

// Current fetches current conditions by coordinates.
func (p *OpenWeatherProvider) Current(ctx context.Context, region string) (*mcp.Weather, error) {
	coords, ok := kenyaCoordinates[strings.ToLower(strings.TrimSpace(region))]
	if !ok {
		return nil, fmt.Errorf("no coordinates for region %q", region)
	}

	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%.4f", coords[0]))
	q.Set("lon", fmt.Sprintf("%.4f", coords[1]))
	q.Set("appid", os.Getenv("OPENWEATHER_API_KEY"))
	q.Set("units", "metric")

	body, err := getJSON(ctx, p.httpClient, p.baseURL+"/weather?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var data openWeatherResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode openweathermap response: %w", err)
	}

	condition := ""
	if len(data.Weather) > 0 {
		condition = data.Weather[0].Description
	}

	// The API reports rain over the last hour; extrapolate a rough 24h figure.
	rainfall := data.Rain["1h"] * 24

	return &mcp.Weather{
		TempC:           data.Main.Temp,
		Humidity:        data.Main.Humidity,
		Condition:       condition,
		Rainfall24hMM:   rainfall,
		ForecastSummary: fmt.Sprintf("Current temp %.1f°C, humidity %d%%.", data.Main.Temp, data.Main.Humidity),
		Next48hRisk:     assessRisk(data.Main.Temp, data.Main.Humidity, rainfall),
		Source:          "OpenWeatherMap",
	}, nil
}

// ---------------------------------------------------------------------------
// WeatherAPI.com
// ---------------------------------------------------------------------------

// WeatherAPIProvider fetches conditions from WeatherAPI.com, the backup
// source. It geocodes by name so it also covers regions outside the
// coordinate table.
type WeatherAPIProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewWeatherAPIProvider creates the provider. Empty baseURL uses the
// public API.
func NewWeatherAPIProvider(baseURL string, httpClient *http.Client) *WeatherAPIProvider {
	if baseURL == "" {
		baseURL = "https://api.weatherapi.com/v1"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WeatherAPIProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Name returns the provider identifier.
func (p *WeatherAPIProvider) Name() string { return "weatherapi" }

// weatherAPIResponse is the subset of the forecast payload we use.
type weatherAPIResponse struct {
	Current struct {
		TempC    float64 `json:"temp_c"`
		Humidity int     `json:"humidity"`
		Condition struct {
			Text string `json:"text"`
		} `json:"condition"`
	} `json:"current"`
	Forecast struct {
		ForecastDay []struct {
			Day struct {
				TotalPrecipMM float64 `json:"totalprecip_mm"`
			} `json:"day"`
		} `json:"forecastday"`
	} `json:"forecast"`
}

// Current fetches current conditions and the day's precipitation.
func (p *WeatherAPIProvider) Current(ctx context.Context, region string) (*mcp.Weather, error) {
	q := url.Values{}
	q.Set("key", os.Getenv("WEATHERAPI_KEY"))
	q.Set("q", region+",Kenya")
	q.Set("days", "2")
	q.Set("aqi", "no")

	body, err := getJSON(ctx, p.httpClient, p.baseURL+"/forecast.json?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var data weatherAPIResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode weatherapi response: %w", err)
	}

	rainfall := 0.0
	if len(data.Forecast.ForecastDay) > 0 {
		rainfall = data.Forecast.ForecastDay[0].Day.TotalPrecipMM
	}

	return &mcp.Weather{
		TempC:           data.Current.TempC,
		Humidity:        data.Current.Humidity,
		Condition:       data.Current.Condition.Text,
		Rainfall24hMM:   rainfall,
		ForecastSummary: fmt.Sprintf("Current temp %.1f°C, humidity %d%%.", data.Current.TempC, data.Current.Humidity),
		Next48hRisk:     assessRisk(data.Current.TempC, data.Current.Humidity, rainfall),
		Source:          "WeatherAPI",
	}, nil
}

// getJSON performs a GET and returns the body, treating non-200 as errors.
func getJSON(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
