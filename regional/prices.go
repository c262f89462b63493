package regional

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agrosense/agrosense/mcp"
)

// PriceProvider fetches a market price snapshot for a region and asset.
type PriceProvider interface {
	Name() string
	Quote(ctx context.Context, region string, asset mcp.AssetType) (*mcp.Prices, error)
}

// commodityPrice is a KES price band per standard market unit.
type commodityPrice struct {
	commodity string
	low       float64
	high      float64
	unit      string
}

// kenyaPriceBands holds reference wholesale price bands for the main
// commodities per asset class, in Kenyan shillings.
var kenyaPriceBands = map[mcp.AssetType]commodityPrice{
	mcp.AssetCrop:      {commodity: "maize", low: 3200, high: 4500, unit: "90kg bag"},
	mcp.AssetLivestock: {commodity: "milk", low: 45, high: 60, unit: "litre"},
	mcp.AssetFinance:   {commodity: "maize", low: 3200, high: 4500, unit: "90kg bag"},
	mcp.AssetUnknown:   {commodity: "maize", low: 3200, high: 4500, unit: "90kg bag"},
}

// StaticPriceProvider serves reference price estimates from the built-in
// Kenya price bands. It is the default when no market data service is
// configured and never fails.
type StaticPriceProvider struct{}

// NewStaticPriceProvider creates the static provider.
func NewStaticPriceProvider() *StaticPriceProvider { return &StaticPriceProvider{} }

// Name returns the provider identifier.
func (p *StaticPriceProvider) Name() string { return "static" }

// Quote returns the band midpoint with a seasonal trend. Harvest months
// (July-September) push prices down; planting months (March-May) pull
// them up.
func (p *StaticPriceProvider) Quote(_ context.Context, _ string, asset mcp.AssetType) (*mcp.Prices, error) {
	band, ok := kenyaPriceBands[asset]
	if !ok {
		band = kenyaPriceBands[mcp.AssetUnknown]
	}

	trend := "stable"
	switch time.Now().Month() {
	case time.July, time.August, time.September:
		trend = "falling"
	case time.March, time.April, time.May:
		trend = "rising"
	}

	return &mcp.Prices{
		Commodity:    band.commodity,
		CurrentPrice: (band.low + band.high) / 2,
		Currency:     "KES",
		Unit:         band.unit,
		Trend:        trend,
		Source:       "reference estimates",
	}, nil
}

// HTTPPriceProvider queries a market data service for live quotes.
type HTTPPriceProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPPriceProvider creates a client for the market data service.
func NewHTTPPriceProvider(baseURL string, httpClient *http.Client) *HTTPPriceProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPriceProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Name returns the provider identifier.
func (p *HTTPPriceProvider) Name() string { return "market-service" }

type priceResponse struct {
	Commodity string  `json:"commodity"`
	Price     float64 `json:"price"`
	Currency  string  `json:"currency"`
	Unit      string  `json:"unit"`
	Trend     string  `json:"trend"`
}

// Quote fetches the latest quote for the region's main commodity in the
// asset class.
func (p *HTTPPriceProvider) Quote(ctx context.Context, region string, asset mcp.AssetType) (*mcp.Prices, error) {
	q := url.Values{}
	q.Set("region", region)
	q.Set("asset_type", string(asset))

	body, err := getJSON(ctx, p.httpClient, p.baseURL+"/prices?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var data priceResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}

	currency := data.Currency
	if currency == "" {
		currency = "KES"
	}

	return &mcp.Prices{
		Commodity:    data.Commodity,
		CurrentPrice: data.Price,
		Currency:     currency,
		Unit:         data.Unit,
		Trend:        data.Trend,
		Source:       "market data service",
	}, nil
}
