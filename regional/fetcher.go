package regional

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agrosense/agrosense/mcp"
)

// ErrRegionalDataUnavailable is returned only when every source failed.
// Partial results are reported as success with the failed half nil.
var ErrRegionalDataUnavailable = errors.New("regional data unavailable")

// Fetcher runs the weather and price lookups for a region concurrently.
// Weather providers form an ordered fallback chain; the first that
// answers wins. The two halves are independent: one failing does not
// discard the other.
type Fetcher struct {
	weather []WeatherProvider
	prices  PriceProvider
	timeout time.Duration
	logger  *slog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithFetchTimeout bounds each half of the fetch.
func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// WithFetcherLogger sets the logger.
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewFetcher creates a fetcher over the given weather chain and price
// provider. Weather providers are tried in order.
func NewFetcher(weather []WeatherProvider, prices PriceProvider, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		weather: weather,
		prices:  prices,
		timeout: 15 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewDefaultFetcher wires the production chain: OpenWeatherMap with
// WeatherAPI.com as backup, and static reference prices.
func NewDefaultFetcher(opts ...FetcherOption) *Fetcher {
	return NewFetcher(
		[]WeatherProvider{
			NewOpenWeatherProvider("", nil),
			NewWeatherAPIProvider("", nil),
		},
		NewStaticPriceProvider(),
		opts...,
	)
}

// Fetch gathers weather and prices for the region concurrently. It
// returns a RegionalData with whichever halves succeeded; only when
// both fail does it return ErrRegionalDataUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, region string, asset mcp.AssetType) (*mcp.RegionalData, error) {
	var (
		wg       sync.WaitGroup
		weather  *mcp.Weather
		prices   *mcp.Prices
		wErr     error
		pErr     error
	)

	wg.Add(2)

	go func() {
		defer wg.Done()
		fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		weather, wErr = f.fetchWeather(fetchCtx, region)
	}()

	go func() {
		defer wg.Done()
		fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		prices, pErr = f.fetchPrices(fetchCtx, region, asset)
	}()

	wg.Wait()

	if wErr != nil {
		f.logger.Warn("Weather fetch failed", "region", region, "error", wErr)
	}
	if pErr != nil {
		f.logger.Warn("Price fetch failed", "region", region, "asset_type", asset, "error", pErr)
	}

	if wErr != nil && pErr != nil {
		return nil, fmt.Errorf("%w for region %s: weather: %v; prices: %v",
			ErrRegionalDataUnavailable, region, wErr, pErr)
	}

	return &mcp.RegionalData{
		Weather:   weather,
		Prices:    prices,
		FetchedAt: time.Now(),
	}, nil
}

// fetchWeather walks the provider chain until one answers.
func (f *Fetcher) fetchWeather(ctx context.Context, region string) (*mcp.Weather, error) {
	if len(f.weather) == 0 {
		return nil, errors.New("no weather providers configured")
	}

	var lastErr error
	for _, provider := range f.weather {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		w, err := provider.Current(ctx, region)
		if err == nil {
			return w, nil
		}
		lastErr = err
		f.logger.Debug("Weather provider failed, trying next",
			"provider", provider.Name(),
			"region", region,
			"error", err)
	}
	return nil, fmt.Errorf("all weather providers failed: %w", lastErr)
}

func (f *Fetcher) fetchPrices(ctx context.Context, region string, asset mcp.AssetType) (*mcp.Prices, error) {
	if f.prices == nil {
		return nil, errors.New("no price provider configured")
	}
	p, err := f.prices.Quote(ctx, region, asset)
	if err != nil {
		return nil, fmt.Errorf("price provider %s: %w", f.prices.Name(), err)
	}
	return p, nil
}
